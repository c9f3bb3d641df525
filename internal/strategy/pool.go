package strategy

import (
	"context"
	"errors"
	"fmt"

	sdkmath "cosmossdk.io/math"

	"github.com/elys-network/vaultd/internal/ledger"
	"github.com/elys-network/vaultd/internal/simulations"
	"github.com/elys-network/vaultd/internal/types"
	"github.com/elys-network/vaultd/internal/utils"
)

// PoolStrategy provides single-sided liquidity to a two-asset pool and values
// its pool shares against the live reserve of the accepted asset.
type PoolStrategy struct {
	base
	poolRef string
}

func newPoolStrategy(d types.VaultDescriptor, deps Deps, st types.StrategyState) *PoolStrategy {
	return &PoolStrategy{
		base:    newBase(d, deps, st, "pool_strategy"),
		poolRef: d.PoolRef,
	}
}

func (p *PoolStrategy) Kind() types.StrategyKind {
	return types.StrategyPool
}

func (p *PoolStrategy) pool(ctx context.Context) (*types.PoolState, error) {
	pool, err := p.gateway.PoolState(ctx, p.poolRef)
	if err != nil {
		return nil, unavailable(fmt.Errorf("failed to read pool %s: %w", p.poolRef, err))
	}
	if _, ok := pool.ReserveOf(p.accepted); !ok {
		return nil, unavailable(fmt.Errorf("%w: %s in pool %s", simulations.ErrAssetNotInPool, p.accepted, p.poolRef))
	}
	return pool, nil
}

// Deploy contributes amount of the accepted asset to the pool.
func (p *PoolStrategy) Deploy(ctx context.Context, amount sdkmath.LegacyDec) error {
	a, err := p.quantize(amount)
	if err != nil {
		return err
	}
	pool, err := p.pool(ctx)
	if err != nil {
		return err
	}

	contribution := types.NewAmount(p.accepted, a)
	estimate, err := simulations.SimulateJoinPool(*pool, contribution, p.deps.Params.AmountPrecision)
	if err != nil {
		return unavailable(err)
	}

	tx, err := ledger.NewPoolDeposit(p.vault.Address, *pool, contribution)
	if err != nil {
		return err
	}
	res, err := p.deps.Submitter.Submit(ctx, "deploy", tx, p.deps.Signer)
	if err != nil {
		return fmt.Errorf("pool deposit of %s failed: %w", contribution, err)
	}

	held, reconciled := p.heldBalance(ctx, pool.LPToken)
	err = p.commit(ctx, res.Hash, func(st *types.StrategyState) {
		st.TotalDeployed = st.TotalDeployed.Add(a)
		if reconciled {
			st.PositionUnits = held
		} else {
			st.PositionUnits = st.PositionUnits.Add(estimate.ShareAmountOut)
		}
	})
	if err != nil {
		return err
	}

	p.logger.Info().
		Str("amount", a.String()).
		Str("estimatedUnits", estimate.ShareAmountOut.String()).
		Str("txHash", res.Hash).
		Msg("Deployed into pool")
	return nil
}

// Value is held / totalShares * reserve, read from the pool on every call.
func (p *PoolStrategy) Value(ctx context.Context) (sdkmath.LegacyDec, error) {
	pool, err := p.pool(ctx)
	if err != nil {
		return sdkmath.LegacyDec{}, err
	}
	value, err := simulations.PositionValue(*pool, p.accepted, p.snapshot().PositionUnits)
	if err != nil {
		return sdkmath.LegacyDec{}, unavailable(err)
	}
	p.deps.Metrics.ObserveStrategyValue(p.vault.Address, string(types.StrategyPool), toFloat(value))
	return value, nil
}

func (p *PoolStrategy) Yield(ctx context.Context) (sdkmath.LegacyDec, error) {
	value, err := p.Value(ctx)
	return p.yieldFrom(ctx, value, err)
}

// Withdraw removes exactly amount of the accepted asset from the pool and
// reduces the deployed principal by the same amount.
func (p *PoolStrategy) Withdraw(ctx context.Context, amount sdkmath.LegacyDec) (sdkmath.LegacyDec, error) {
	return p.unwind(ctx, "unwind", amount, true)
}

// WithdrawYield removes amount of gain. It may not exceed the current yield.
func (p *PoolStrategy) WithdrawYield(ctx context.Context, amount sdkmath.LegacyDec) (sdkmath.LegacyDec, error) {
	return p.unwind(ctx, "unwind-yield", amount, false)
}

func (p *PoolStrategy) unwind(ctx context.Context, step string, amount sdkmath.LegacyDec, principal bool) (sdkmath.LegacyDec, error) {
	a, err := p.quantize(amount)
	if err != nil {
		return sdkmath.LegacyDec{}, err
	}
	pool, err := p.pool(ctx)
	if err != nil {
		return sdkmath.LegacyDec{}, err
	}

	// A rerun of an applied step only has its bookkeeping left to do.
	res, done, err := p.deps.Submitter.Completed(ctx, step)
	if err != nil {
		return sdkmath.LegacyDec{}, err
	}

	st := p.snapshot()
	withdrawal := types.NewAmount(p.accepted, a)
	burned := sdkmath.LegacyZeroDec()
	if !done {
		value, err := simulations.PositionValue(*pool, p.accepted, st.PositionUnits)
		if err != nil {
			return sdkmath.LegacyDec{}, unavailable(err)
		}
		if a.GT(value) {
			return sdkmath.LegacyDec{}, fmt.Errorf("%w: requested %s, position worth %s", ErrInsufficientLiquidity, a, value)
		}
		if yield := value.Sub(st.TotalDeployed); !principal && a.GT(yield) {
			return sdkmath.LegacyDec{}, fmt.Errorf("%w: requested %s of %s yield", ErrInsufficientLiquidity, a, yield)
		}

		exit, err := simulations.SimulateExitPool(*pool, withdrawal, p.deps.Params.AmountPrecision)
		if errors.Is(err, simulations.ErrExceedsReserve) {
			return sdkmath.LegacyDec{}, errors.Join(ErrInsufficientLiquidity, err)
		}
		if err != nil {
			return sdkmath.LegacyDec{}, unavailable(err)
		}
		burned = utils.MinDec(exit.SharesBurned, st.PositionUnits)

		tx, err := ledger.NewPoolWithdraw(p.vault.Address, *pool, withdrawal)
		if err != nil {
			return sdkmath.LegacyDec{}, err
		}
		res, err = p.deps.Submitter.Submit(ctx, step, tx, p.deps.Signer)
		if err != nil {
			return sdkmath.LegacyDec{}, fmt.Errorf("pool withdrawal of %s failed: %w", withdrawal, err)
		}
	}

	held, reconciled := p.heldBalance(ctx, pool.LPToken)
	if err := p.requireReconciled(done, reconciled, res.Hash); err != nil {
		return sdkmath.LegacyDec{}, err
	}
	err = p.commit(ctx, res.Hash, func(st *types.StrategyState) {
		if principal {
			st.TotalDeployed = st.TotalDeployed.Sub(a)
		}
		if reconciled {
			st.PositionUnits = held
		} else {
			st.PositionUnits = st.PositionUnits.Sub(burned)
		}
	})
	if err != nil {
		return sdkmath.LegacyDec{}, err
	}

	p.logger.Info().
		Str("step", step).
		Str("amount", a.String()).
		Str("unitsBurned", burned.String()).
		Str("txHash", res.Hash).
		Bool("recovered", done).
		Msg("Withdrew from pool")
	return a, nil
}
