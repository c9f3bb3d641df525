package simulations

import (
	"context"
	"testing"

	sdkmath "cosmossdk.io/math"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elys-network/vaultd/internal/ledger"
	"github.com/elys-network/vaultd/internal/ledger/ledgertest"
	"github.com/elys-network/vaultd/internal/types"
)

var (
	usd    = types.Asset{Currency: "USD", Issuer: "rIssuer"}
	native = types.Asset{Currency: types.NativeCurrency}
)

func testPool() types.PoolState {
	return types.PoolState{
		Account:  "rPool",
		Asset:    usd,
		Asset2:   native,
		Reserve:  sdkmath.LegacyNewDec(1_000_000),
		Reserve2: sdkmath.LegacyNewDec(2_000_000),
		LPToken:  types.Asset{Currency: "03930D02208264E2E40EC1B0C09E4DB96EE197B1", Issuer: "rPool"},
		LPSupply: sdkmath.LegacyNewDec(100_000),
	}
}

func TestPositionValue(t *testing.T) {
	value, err := PositionValue(testPool(), usd, sdkmath.LegacyNewDec(5_000))
	require.NoError(t, err)
	assert.True(t, sdkmath.LegacyNewDec(50_000).Equal(value), "got %s", value)

	zero, err := PositionValue(testPool(), usd, sdkmath.LegacyZeroDec())
	require.NoError(t, err)
	assert.True(t, zero.IsZero())

	_, err = PositionValue(testPool(), types.Asset{Currency: "EUR", Issuer: "rX"}, sdkmath.LegacyOneDec())
	assert.ErrorIs(t, err, ErrAssetNotInPool)

	empty := testPool()
	empty.LPSupply = sdkmath.LegacyZeroDec()
	_, err = PositionValue(empty, usd, sdkmath.LegacyOneDec())
	assert.ErrorIs(t, err, ErrEmptyPool)
}

func TestSimulateJoinPool(t *testing.T) {
	res, err := SimulateJoinPool(testPool(), types.NewAmount(usd, sdkmath.LegacyNewDec(50_000)), 6)
	require.NoError(t, err)
	assert.True(t, sdkmath.LegacyNewDec(5_000).Equal(res.ShareAmountOut))

	// 1 * 100000 / 3000000 = 0.0333... truncates at six places.
	odd := testPool()
	odd.Reserve = sdkmath.LegacyNewDec(3_000_000)
	res, err = SimulateJoinPool(odd, types.NewAmount(usd, sdkmath.LegacyOneDec()), 6)
	require.NoError(t, err)
	assert.Equal(t, "0.033333000000000000", res.ShareAmountOut.String())
}

func TestSimulateExitPool(t *testing.T) {
	res, err := SimulateExitPool(testPool(), types.NewAmount(usd, sdkmath.LegacyNewDec(10)), 6)
	require.NoError(t, err)
	assert.True(t, sdkmath.LegacyOneDec().Equal(res.SharesBurned))

	// Inexact burns round up.
	odd := testPool()
	odd.Reserve = sdkmath.LegacyNewDec(3_000_000)
	res, err = SimulateExitPool(odd, types.NewAmount(usd, sdkmath.LegacyOneDec()), 6)
	require.NoError(t, err)
	assert.Equal(t, "0.033334000000000000", res.SharesBurned.String())

	_, err = SimulateExitPool(testPool(), types.NewAmount(usd, sdkmath.LegacyNewDec(1_000_000)), 6)
	assert.ErrorIs(t, err, ErrExceedsReserve)
}

func TestSlippageBounds(t *testing.T) {
	minOut, err := MinimumOut(sdkmath.LegacyNewDec(200), 1.0, 6)
	require.NoError(t, err)
	assert.True(t, sdkmath.LegacyNewDec(198).Equal(minOut))

	maxIn, err := MaximumIn(sdkmath.LegacyNewDec(200), 0.5, 6)
	require.NoError(t, err)
	assert.True(t, sdkmath.LegacyNewDec(201).Equal(maxIn))

	_, err = MinimumOut(sdkmath.LegacyNewDec(1), 100, 6)
	assert.ErrorIs(t, err, ErrInvalidSlippage)
	_, err = MaximumIn(sdkmath.LegacyNewDec(1), -1, 6)
	assert.ErrorIs(t, err, ErrInvalidSlippage)
}

func TestSimulateSwap(t *testing.T) {
	l := ledgertest.New()
	yield := types.Asset{Currency: "YLD", Issuer: "rYield"}
	l.SetRate(usd, yield, sdkmath.LegacyMustNewDecFromStr("0.5"))

	res, err := SimulateSwap(context.Background(), l, "rVault", types.NewAmount(usd, sdkmath.LegacyNewDec(100)), yield)
	require.NoError(t, err)
	assert.True(t, sdkmath.LegacyNewDec(50).Equal(res.TokenOutAmount))
	assert.True(t, sdkmath.LegacyMustNewDecFromStr("0.5").Equal(res.Price))

	l.SetQuotesUnavailable(true)
	_, err = SimulateSwap(context.Background(), l, "rVault", types.NewAmount(usd, sdkmath.LegacyNewDec(100)), yield)
	assert.ErrorIs(t, err, ledger.ErrQuoteUnavailable)

	_, err = SimulateSwap(context.Background(), nil, "rVault", types.NewAmount(usd, sdkmath.LegacyNewDec(100)), yield)
	assert.ErrorIs(t, err, ErrNilQuoter)
}
