package strategy

import (
	"context"
	"fmt"

	sdkmath "cosmossdk.io/math"

	"github.com/elys-network/vaultd/internal/ledger"
	"github.com/elys-network/vaultd/internal/simulations"
	"github.com/elys-network/vaultd/internal/types"
	"github.com/elys-network/vaultd/internal/utils"
)

// SwapYieldStrategy swaps the accepted asset into a yield-bearing asset and
// values the holding by quoting the reverse swap.
type SwapYieldStrategy struct {
	base
	yieldAsset types.Asset
}

func newSwapYieldStrategy(d types.VaultDescriptor, deps Deps, st types.StrategyState) *SwapYieldStrategy {
	return &SwapYieldStrategy{
		base:       newBase(d, deps, st, "swap_yield_strategy"),
		yieldAsset: d.YieldAsset,
	}
}

func (s *SwapYieldStrategy) Kind() types.StrategyKind {
	return types.StrategySwapYield
}

// Deploy spends amount of the accepted asset on the yield asset, accepting
// any delivery within the slippage bound of the current quote.
func (s *SwapYieldStrategy) Deploy(ctx context.Context, amount sdkmath.LegacyDec) error {
	a, err := s.quantize(amount)
	if err != nil {
		return err
	}
	precision := s.deps.Params.AmountPrecision
	slippage := s.deps.Params.SwapSlippagePercent

	spend := types.NewAmount(s.accepted, a)
	quote, err := simulations.SimulateSwap(ctx, s.gateway, s.vault.Address, spend, s.yieldAsset)
	if err != nil {
		return unavailable(fmt.Errorf("no route from %s to %s: %w", s.accepted, s.yieldAsset, err))
	}
	deliverMax, err := simulations.MaximumIn(quote.TokenOutAmount, slippage, precision)
	if err != nil {
		return err
	}
	deliverMin, err := simulations.MinimumOut(quote.TokenOutAmount, slippage, precision)
	if err != nil {
		return err
	}

	tx, err := ledger.NewSpendSwap(s.vault.Address, spend,
		types.NewAmount(s.yieldAsset, deliverMax), types.NewAmount(s.yieldAsset, deliverMin))
	if err != nil {
		return err
	}
	res, err := s.deps.Submitter.Submit(ctx, "deploy", tx, s.deps.Signer)
	if err != nil {
		return fmt.Errorf("swap of %s into %s failed: %w", spend, s.yieldAsset, err)
	}

	delivered := deliverMin
	if res.Delivered != nil {
		delivered = res.Delivered.Value
	}
	held, reconciled := s.heldBalance(ctx, s.yieldAsset)
	err = s.commit(ctx, res.Hash, func(st *types.StrategyState) {
		st.TotalDeployed = st.TotalDeployed.Add(a)
		if reconciled {
			st.PositionUnits = held
		} else {
			st.PositionUnits = st.PositionUnits.Add(delivered)
		}
	})
	if err != nil {
		return err
	}

	s.logger.Info().
		Str("spent", spend.String()).
		Str("delivered", delivered.String()).
		Str("txHash", res.Hash).
		Msg("Swapped into yield asset")
	return nil
}

// Value quotes a swap of every held unit back into the accepted asset. When
// no quote is available it falls back to the deployed principal and returns
// that alongside ErrStrategyUnavailable.
func (s *SwapYieldStrategy) Value(ctx context.Context) (sdkmath.LegacyDec, error) {
	st := s.snapshot()
	if !st.PositionUnits.IsPositive() {
		return sdkmath.LegacyZeroDec(), nil
	}

	quote, err := simulations.SimulateSwap(ctx, s.gateway, s.vault.Address,
		types.NewAmount(s.yieldAsset, st.PositionUnits), s.accepted)
	if err != nil {
		s.deps.Metrics.StrategyDegradedValuation(s.vault.Address, string(types.StrategySwapYield))
		s.logger.Warn().Err(err).Str("fallback", st.TotalDeployed.String()).Msg("Reverse swap quote failed, valuing at deployed principal")
		return st.TotalDeployed, unavailable(err)
	}

	s.deps.Metrics.ObserveStrategyValue(s.vault.Address, string(types.StrategySwapYield), toFloat(quote.TokenOutAmount))
	return quote.TokenOutAmount, nil
}

func (s *SwapYieldStrategy) Yield(ctx context.Context) (sdkmath.LegacyDec, error) {
	value, err := s.Value(ctx)
	return s.yieldFrom(ctx, value, err)
}

// Withdraw buys back exactly amount of the accepted asset with yield units.
func (s *SwapYieldStrategy) Withdraw(ctx context.Context, amount sdkmath.LegacyDec) (sdkmath.LegacyDec, error) {
	return s.unwind(ctx, "unwind", amount, true)
}

// WithdrawYield buys back amount of gain. It may not exceed the current yield.
func (s *SwapYieldStrategy) WithdrawYield(ctx context.Context, amount sdkmath.LegacyDec) (sdkmath.LegacyDec, error) {
	return s.unwind(ctx, "unwind-yield", amount, false)
}

func (s *SwapYieldStrategy) unwind(ctx context.Context, step string, amount sdkmath.LegacyDec, principal bool) (sdkmath.LegacyDec, error) {
	a, err := s.quantize(amount)
	if err != nil {
		return sdkmath.LegacyDec{}, err
	}

	res, done, err := s.deps.Submitter.Completed(ctx, step)
	if err != nil {
		return sdkmath.LegacyDec{}, err
	}

	st := s.snapshot()
	deliver := types.NewAmount(s.accepted, a)
	proRata := sdkmath.LegacyZeroDec()
	if !done {
		// A degraded valuation cannot price the unwind.
		value, err := s.Value(ctx)
		if err != nil {
			return sdkmath.LegacyDec{}, err
		}
		if a.GT(value) {
			return sdkmath.LegacyDec{}, fmt.Errorf("%w: requested %s, position worth %s", ErrInsufficientLiquidity, a, value)
		}
		if yield := value.Sub(st.TotalDeployed); !principal && a.GT(yield) {
			return sdkmath.LegacyDec{}, fmt.Errorf("%w: requested %s of %s yield", ErrInsufficientLiquidity, a, yield)
		}

		proRata = st.PositionUnits.Mul(a).Quo(value)
		sendMax, err := simulations.MaximumIn(proRata, s.deps.Params.SwapSlippagePercent, s.deps.Params.AmountPrecision)
		if err != nil {
			return sdkmath.LegacyDec{}, err
		}
		sendMax = utils.MinDec(sendMax, st.PositionUnits)

		tx, err := ledger.NewExactSwap(s.vault.Address, deliver, types.NewAmount(s.yieldAsset, sendMax))
		if err != nil {
			return sdkmath.LegacyDec{}, err
		}
		res, err = s.deps.Submitter.Submit(ctx, step, tx, s.deps.Signer)
		if err != nil {
			return sdkmath.LegacyDec{}, fmt.Errorf("swap of %s back into %s failed: %w", s.yieldAsset, deliver, err)
		}
	}

	held, reconciled := s.heldBalance(ctx, s.yieldAsset)
	if err := s.requireReconciled(done, reconciled, res.Hash); err != nil {
		return sdkmath.LegacyDec{}, err
	}
	err = s.commit(ctx, res.Hash, func(st *types.StrategyState) {
		if principal {
			st.TotalDeployed = st.TotalDeployed.Sub(a)
		}
		if reconciled {
			st.PositionUnits = held
		} else {
			st.PositionUnits = st.PositionUnits.Sub(proRata)
		}
	})
	if err != nil {
		return sdkmath.LegacyDec{}, err
	}

	s.logger.Info().
		Str("step", step).
		Str("amount", a.String()).
		Str("txHash", res.Hash).
		Bool("recovered", done).
		Msg("Swapped out of yield asset")
	return a, nil
}
