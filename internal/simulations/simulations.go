package simulations

import (
	"context"
	"errors"
	"fmt"

	sdkmath "cosmossdk.io/math"
	"github.com/rs/zerolog"

	"github.com/elys-network/vaultd/internal/ledger"
	"github.com/elys-network/vaultd/internal/logger"
	"github.com/elys-network/vaultd/internal/types"
	"github.com/elys-network/vaultd/internal/utils"
)

// Error definitions for zero-tolerance error handling
var (
	ErrAssetNotInPool  = errors.New("asset is not one of the pool's assets")
	ErrEmptyPool       = errors.New("pool has no reserve or no outstanding shares")
	ErrExceedsReserve  = errors.New("amount exceeds the pool reserve")
	ErrInvalidSlippage = errors.New("slippage must be between 0 and 100 percent")
	ErrNilQuoter       = errors.New("swap quoter is nil")
)

// --- Result Types ---

// SwapEstimationResult contains the result of a swap simulation
type SwapEstimationResult struct {
	TokenIn        types.Amount
	TokenOutAmount sdkmath.LegacyDec
	// Price is units of the output asset per unit of input.
	Price sdkmath.LegacyDec
}

// JoinPoolEstimationResult contains the result of a single-sided deposit simulation
type JoinPoolEstimationResult struct {
	AmountIn       types.Amount
	ShareAmountOut sdkmath.LegacyDec // Pool-share units received
}

// ExitPoolEstimationResult contains the result of a single-sided withdrawal simulation
type ExitPoolEstimationResult struct {
	AmountOut    types.Amount
	SharesBurned sdkmath.LegacyDec // Pool-share units given up
}

// Quoter simulates swaps without executing them. ledger.Gateway satisfies it.
type Quoter interface {
	QuoteSwap(ctx context.Context, account string, send types.Amount, receive types.Asset) (*ledger.SwapQuote, error)
}

// --- Pool Math ---

// SimulateJoinPool estimates the pool-share units minted for a single-sided
// deposit of amount: amount * totalShares / reserve, computed on the
// pre-deposit state and truncated to precision.
func SimulateJoinPool(pool types.PoolState, amount types.Amount, precision uint32) (JoinPoolEstimationResult, error) {
	reserve, err := usableReserve(pool, amount.Asset)
	if err != nil {
		return JoinPoolEstimationResult{}, err
	}

	shares, err := utils.Quantize(amount.Value.Mul(pool.LPSupply).Quo(reserve), precision)
	if err != nil {
		return JoinPoolEstimationResult{}, err
	}

	return JoinPoolEstimationResult{AmountIn: amount, ShareAmountOut: shares}, nil
}

// SimulateExitPool estimates the pool-share units burned to withdraw exactly
// amount of one pool asset: amount * totalShares / reserve, rounded up to
// precision so the estimate never understates the cost.
func SimulateExitPool(pool types.PoolState, amount types.Amount, precision uint32) (ExitPoolEstimationResult, error) {
	reserve, err := usableReserve(pool, amount.Asset)
	if err != nil {
		return ExitPoolEstimationResult{}, err
	}
	if amount.Value.GTE(reserve) {
		return ExitPoolEstimationResult{}, fmt.Errorf("%w: %s of %s", ErrExceedsReserve, amount, reserve)
	}

	exact := amount.Value.Mul(pool.LPSupply).Quo(reserve)
	burned, err := utils.Quantize(exact, precision)
	if err != nil {
		return ExitPoolEstimationResult{}, err
	}
	if burned.LT(exact) {
		burned = burned.Add(sdkmath.LegacyNewDecFromIntWithPrec(sdkmath.OneInt(), int64(precision)))
	}

	return ExitPoolEstimationResult{AmountOut: amount, SharesBurned: burned}, nil
}

// PositionValue values units of pool shares in asset: units / totalShares * reserve.
func PositionValue(pool types.PoolState, asset types.Asset, units sdkmath.LegacyDec) (sdkmath.LegacyDec, error) {
	if units.IsNil() || units.IsZero() {
		return sdkmath.LegacyZeroDec(), nil
	}
	reserve, err := usableReserve(pool, asset)
	if err != nil {
		return sdkmath.LegacyDec{}, err
	}
	return units.Mul(reserve).Quo(pool.LPSupply), nil
}

func usableReserve(pool types.PoolState, asset types.Asset) (sdkmath.LegacyDec, error) {
	reserve, ok := pool.ReserveOf(asset)
	if !ok {
		return sdkmath.LegacyDec{}, fmt.Errorf("%w: %s in pool %s", ErrAssetNotInPool, asset, pool.Account)
	}
	if reserve.IsNil() || !reserve.IsPositive() || pool.LPSupply.IsNil() || !pool.LPSupply.IsPositive() {
		return sdkmath.LegacyDec{}, fmt.Errorf("%w: %s", ErrEmptyPool, pool.Account)
	}
	return reserve, nil
}

// --- Swap Simulation ---

// SimulateSwap asks the ledger how much of receive a payment from account
// spending send would deliver right now.
func SimulateSwap(ctx context.Context, quoter Quoter, account string, send types.Amount, receive types.Asset) (SwapEstimationResult, error) {
	log := swapLogger()
	if quoter == nil {
		return SwapEstimationResult{}, ErrNilQuoter
	}

	quote, err := quoter.QuoteSwap(ctx, account, send, receive)
	if err != nil {
		log.Warn().Err(err).Str("tokenIn", send.String()).Str("tokenOut", receive.String()).Msg("Swap simulation failed")
		return SwapEstimationResult{}, err
	}

	price := sdkmath.LegacyZeroDec()
	if send.Value.IsPositive() {
		price = quote.Deliver.Value.Quo(send.Value)
	}

	log.Debug().
		Str("tokenIn", send.String()).
		Str("tokenOut", quote.Deliver.String()).
		Str("price", price.String()).
		Msg("Swap simulation completed")

	return SwapEstimationResult{TokenIn: send, TokenOutAmount: quote.Deliver.Value, Price: price}, nil
}

// --- Slippage Bounds ---

// MinimumOut lowers a quoted output by slippagePercent, truncated to precision.
func MinimumOut(quoted sdkmath.LegacyDec, slippagePercent float64, precision uint32) (sdkmath.LegacyDec, error) {
	factor, err := slippageFactor(slippagePercent)
	if err != nil {
		return sdkmath.LegacyDec{}, err
	}
	return utils.Quantize(quoted.Mul(sdkmath.LegacyOneDec().Sub(factor)), precision)
}

// MaximumIn raises a required input by slippagePercent, truncated to precision.
func MaximumIn(required sdkmath.LegacyDec, slippagePercent float64, precision uint32) (sdkmath.LegacyDec, error) {
	factor, err := slippageFactor(slippagePercent)
	if err != nil {
		return sdkmath.LegacyDec{}, err
	}
	return utils.Quantize(required.Mul(sdkmath.LegacyOneDec().Add(factor)), precision)
}

func slippageFactor(percent float64) (sdkmath.LegacyDec, error) {
	if percent < 0 || percent >= 100 {
		return sdkmath.LegacyDec{}, fmt.Errorf("%w: %v", ErrInvalidSlippage, percent)
	}
	// Basis-point resolution keeps the factor exact in decimal.
	bps := int64(percent*100 + 0.5)
	return sdkmath.LegacyNewDecWithPrec(bps, 4), nil
}

func swapLogger() zerolog.Logger {
	return logger.GetForComponent("swap_simulator")
}
