package strategy

import (
	"context"
	"fmt"

	sdkmath "cosmossdk.io/math"

	"github.com/elys-network/vaultd/internal/types"
)

// HoldStrategy keeps deposits in the vault account. It never earns yield.
// Without ledger transactions to key on, repeated steps are recognised by
// their operation key.
type HoldStrategy struct {
	base
}

func newHoldStrategy(d types.VaultDescriptor, deps Deps, st types.StrategyState) *HoldStrategy {
	return &HoldStrategy{base: newBase(d, deps, st, "hold_strategy")}
}

func (h *HoldStrategy) Kind() types.StrategyKind {
	return types.StrategyHold
}

func (h *HoldStrategy) Deploy(ctx context.Context, amount sdkmath.LegacyDec) error {
	a, err := h.quantize(amount)
	if err != nil {
		return err
	}
	return h.commit(ctx, stepMarker(ctx, "deploy"), func(st *types.StrategyState) {
		st.TotalDeployed = st.TotalDeployed.Add(a)
		st.PositionUnits = st.TotalDeployed
	})
}

func (h *HoldStrategy) Withdraw(ctx context.Context, amount sdkmath.LegacyDec) (sdkmath.LegacyDec, error) {
	a, err := h.quantize(amount)
	if err != nil {
		return sdkmath.LegacyDec{}, err
	}
	marker := stepMarker(ctx, "unwind")
	st := h.snapshot()
	if marker != "" && marker == st.LastTxHash {
		return a, nil
	}
	if deployed := st.TotalDeployed; a.GT(deployed) {
		return sdkmath.LegacyDec{}, fmt.Errorf("%w: requested %s, holding %s", ErrInsufficientLiquidity, a, deployed)
	}
	err = h.commit(ctx, marker, func(st *types.StrategyState) {
		st.TotalDeployed = st.TotalDeployed.Sub(a)
		st.PositionUnits = st.TotalDeployed
	})
	if err != nil {
		return sdkmath.LegacyDec{}, err
	}
	return a, nil
}

func (h *HoldStrategy) WithdrawYield(ctx context.Context, amount sdkmath.LegacyDec) (sdkmath.LegacyDec, error) {
	if amount.IsNil() || !amount.IsPositive() {
		return sdkmath.LegacyZeroDec(), nil
	}
	return sdkmath.LegacyDec{}, fmt.Errorf("%w: hold strategy has no yield", ErrInsufficientLiquidity)
}

func (h *HoldStrategy) Yield(ctx context.Context) (sdkmath.LegacyDec, error) {
	return sdkmath.LegacyZeroDec(), nil
}

func (h *HoldStrategy) Value(ctx context.Context) (sdkmath.LegacyDec, error) {
	value := h.snapshot().TotalDeployed
	h.deps.Metrics.ObserveStrategyValue(h.vault.Address, string(types.StrategyHold), toFloat(value))
	return value, nil
}
