package strategy

import (
	"context"
	"errors"
	"testing"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elys-network/vaultd/internal/ledger"
	"github.com/elys-network/vaultd/internal/ledger/ledgertest"
	"github.com/elys-network/vaultd/internal/state"
	"github.com/elys-network/vaultd/internal/types"
)

const vaultAddr = "rVault"

var (
	usd     = types.Asset{Currency: "USD", Issuer: "rIssuer"}
	yld     = types.Asset{Currency: "YLD", Issuer: "rYield"}
	lpToken = types.Asset{Currency: "03930D02208264E2E40EC1B0C09E4DB96EE197B1", Issuer: "rPool"}
)

func dec(s string) sdkmath.LegacyDec {
	return sdkmath.LegacyMustNewDecFromStr(s)
}

func assertDec(t *testing.T, want string, got sdkmath.LegacyDec) {
	t.Helper()
	assert.True(t, dec(want).Equal(got), "want %s, got %s", want, got)
}

func assertNear(t *testing.T, want float64, got sdkmath.LegacyDec) {
	t.Helper()
	f, err := got.Float64()
	require.NoError(t, err)
	assert.InDelta(t, want, f, 1e-9)
}

type fixture struct {
	ledger    *ledgertest.Ledger
	store     *state.MemoryStore
	submitter *ledger.Submitter
	deps      Deps
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	l := ledgertest.New()
	l.Fund(vaultAddr, types.NewAmount(usd, sdkmath.LegacyNewDec(1_000_000)))
	store := state.NewMemoryStore()
	submitter := ledger.NewSubmitter(l, store, ledger.SubmitterConfig{
		MaxAttempts:     3,
		PollInterval:    time.Millisecond,
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
	}, nil)
	return &fixture{
		ledger:    l,
		store:     store,
		submitter: submitter,
		deps: Deps{
			Submitter: submitter,
			Signer:    ledger.Signer{Address: vaultAddr, Secret: "sVault"},
			Store:     store,
			Params: types.VaultParameters{
				AmountPrecision:     6,
				SwapSlippagePercent: 1.0,
			},
		},
	}
}

func descriptor(kind types.StrategyKind) types.VaultDescriptor {
	d := types.VaultDescriptor{
		Address:     vaultAddr,
		ShareSymbol: "VLT",
		Accepted:    usd,
		Strategy:    kind,
		Beneficiary: "rBeneficiary",
		Name:        "Test vault",
		CreatedAt:   time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	switch kind {
	case types.StrategyPool:
		d.PoolRef = "rPool"
	case types.StrategySwapYield:
		d.YieldAsset = yld
	}
	return d
}

func (f *fixture) addPool() {
	f.ledger.AddPool(types.PoolState{
		Account:  "rPool",
		Asset:    usd,
		Asset2:   types.Asset{Currency: types.NativeCurrency},
		Reserve:  sdkmath.LegacyNewDec(1_000_000),
		Reserve2: sdkmath.LegacyNewDec(2_000_000),
		LPToken:  lpToken,
		LPSupply: sdkmath.LegacyNewDec(100_000),
	})
}

func (f *fixture) build(t *testing.T, kind types.StrategyKind) Strategy {
	t.Helper()
	s, err := FromDescriptor(context.Background(), descriptor(kind), f.deps)
	require.NoError(t, err)
	require.Equal(t, kind, s.Kind())
	return s
}

func TestFromDescriptor(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	for _, kind := range []types.StrategyKind{types.StrategyPool, types.StrategySwapYield, types.StrategyHold} {
		s := f.build(t, kind)
		assert.True(t, s.State().TotalDeployed.IsZero())
	}

	_, err := FromDescriptor(ctx, descriptor("Lending"), f.deps)
	assert.ErrorIs(t, err, ErrUnknownStrategyKind)

	other := descriptor(types.StrategyHold)
	other.Address = "rOther"
	_, err = FromDescriptor(ctx, other, f.deps)
	assert.Error(t, err, "signer must control the vault")

	missing := f.deps
	missing.Submitter = nil
	_, err = FromDescriptor(ctx, descriptor(types.StrategyHold), missing)
	assert.ErrorIs(t, err, ErrMissingDependency)

	saved := types.NewStrategyState(vaultAddr, types.StrategyHold)
	saved.TotalDeployed = sdkmath.LegacyNewDec(42)
	require.NoError(t, f.store.SaveStrategyState(ctx, saved))

	restored := f.build(t, types.StrategyHold)
	assertDec(t, "42", restored.State().TotalDeployed)

	_, err = FromDescriptor(ctx, descriptor(types.StrategyPool), f.deps)
	assert.ErrorIs(t, err, ErrStateMismatch)
}

func TestPoolStrategy_Valuation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.addPool()

	// 5,000 of 100,000 pool shares against a 1,000,000 reserve.
	f.ledger.AddTrustLine(vaultAddr, lpToken, sdkmath.LegacyNewDec(5_000))
	st := types.NewStrategyState(vaultAddr, types.StrategyPool)
	st.TotalDeployed = sdkmath.LegacyNewDec(50_000)
	st.PositionUnits = sdkmath.LegacyNewDec(5_000)
	require.NoError(t, f.store.SaveStrategyState(ctx, st))

	s := f.build(t, types.StrategyPool)
	value, err := s.Value(ctx)
	require.NoError(t, err)
	assertDec(t, "50000", value)

	yield, err := s.Yield(ctx)
	require.NoError(t, err)
	assert.True(t, yield.IsZero())

	// Valuation is read live: trading fees accrue to the reserve.
	f.ledger.GrowPool("rPool", usd, sdkmath.LegacyNewDec(100_000))
	value, err = s.Value(ctx)
	require.NoError(t, err)
	assertDec(t, "55000", value)
}

func TestPoolStrategy_DeployAndWithdraw(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.addPool()
	s := f.build(t, types.StrategyPool)

	require.NoError(t, s.Deploy(ctx, sdkmath.LegacyNewDec(50_000)))
	assertDec(t, "50000", s.State().TotalDeployed)
	assertDec(t, "5000", s.State().PositionUnits)
	assertDec(t, "950000", f.ledger.Balance(vaultAddr, usd))

	value, err := s.Value(ctx)
	require.NoError(t, err)
	assertDec(t, "50000", value)

	// Pool now holds 1,050,000 against 105,000 shares; fees lift it to 1,155,000.
	f.ledger.GrowPool("rPool", usd, sdkmath.LegacyNewDec(105_000))
	yield, err := s.Yield(ctx)
	require.NoError(t, err)
	assertDec(t, "5000", yield)

	returned, err := s.WithdrawYield(ctx, yield)
	require.NoError(t, err)
	assertDec(t, "5000", returned)
	assertDec(t, "50000", s.State().TotalDeployed)
	assertDec(t, "955000", f.ledger.Balance(vaultAddr, usd))

	_, err = s.WithdrawYield(ctx, sdkmath.LegacyNewDec(1))
	assert.ErrorIs(t, err, ErrInsufficientLiquidity)

	returned, err = s.Withdraw(ctx, sdkmath.LegacyNewDec(20_000))
	require.NoError(t, err)
	assertDec(t, "20000", returned)
	assertDec(t, "30000", s.State().TotalDeployed)
	assertNear(t, 30_000, mustValue(t, s))

	persisted, err := f.store.GetStrategyState(ctx, vaultAddr)
	require.NoError(t, err)
	assert.True(t, persisted.TotalDeployed.Equal(s.State().TotalDeployed))
	assert.True(t, persisted.PositionUnits.Equal(s.State().PositionUnits))
}

func TestPoolStrategy_OverWithdrawMutatesNothing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.addPool()
	s := f.build(t, types.StrategyPool)
	require.NoError(t, s.Deploy(ctx, sdkmath.LegacyNewDec(1_000)))
	before := s.State()

	_, err := s.Withdraw(ctx, sdkmath.LegacyNewDec(1_001))
	assert.ErrorIs(t, err, ErrInsufficientLiquidity)
	assert.Equal(t, 0, f.ledger.SubmittedCount(ledger.TxAMMWithdraw))
	assert.Equal(t, before, s.State())

	_, err = s.Withdraw(ctx, sdkmath.LegacyZeroDec())
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = s.Withdraw(ctx, dec("0.0000001"))
	assert.ErrorIs(t, err, ErrInvalidAmount, "below ledger precision")
}

func TestPoolStrategy_Unavailable(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.addPool()
	s := f.build(t, types.StrategyPool)
	require.NoError(t, s.Deploy(ctx, sdkmath.LegacyNewDec(1_000)))

	f.ledger.SetPoolsUnavailable(true)
	value, err := s.Value(ctx)
	assert.ErrorIs(t, err, ErrStrategyUnavailable)
	assert.False(t, IsDegraded(value, err))

	_, err = s.Yield(ctx)
	assert.ErrorIs(t, err, ErrStrategyUnavailable)

	err = s.Deploy(ctx, sdkmath.LegacyNewDec(1))
	assert.ErrorIs(t, err, ErrStrategyUnavailable)
}

func TestPoolStrategy_RerunAfterCrash(t *testing.T) {
	ctx := ledger.WithOperation(context.Background(), "withdraw/rVault/w1")
	f := newFixture(t)
	f.addPool()
	s := f.build(t, types.StrategyPool)
	require.NoError(t, s.Deploy(context.Background(), sdkmath.LegacyNewDec(10_000)))

	// The unwind reached the ledger but the process died before recording it.
	amount := types.NewAmount(usd, sdkmath.LegacyNewDec(4_000))
	tx, err := ledger.NewPoolWithdraw(vaultAddr, f.ledger.Pool("rPool"), amount)
	require.NoError(t, err)
	_, err = f.submitter.Submit(ctx, "unwind", tx, f.deps.Signer)
	require.NoError(t, err)

	restarted := f.build(t, types.StrategyPool)
	returned, err := restarted.Withdraw(ctx, amount.Value)
	require.NoError(t, err)
	assertDec(t, "4000", returned)
	assertDec(t, "6000", restarted.State().TotalDeployed)
	assertDec(t, "600", restarted.State().PositionUnits)

	// Running the same step again changes nothing.
	returned, err = restarted.Withdraw(ctx, amount.Value)
	require.NoError(t, err)
	assertDec(t, "4000", returned)
	assertDec(t, "6000", restarted.State().TotalDeployed)
	assert.Equal(t, 1, f.ledger.SubmittedCount(ledger.TxAMMWithdraw))
}

// flakyStateStore fails the next failures saves.
type flakyStateStore struct {
	state.StrategyStore
	failures int
}

func (s *flakyStateStore) SaveStrategyState(ctx context.Context, st types.StrategyState) error {
	if s.failures > 0 {
		s.failures--
		return errors.New("connection reset by peer")
	}
	return s.StrategyStore.SaveStrategyState(ctx, st)
}

func TestPoolStrategy_PersistFailureRetried(t *testing.T) {
	ctx := ledger.WithOperation(context.Background(), "deposit/rVault/H1")
	f := newFixture(t)
	f.addPool()
	deps := f.deps
	deps.Store = &flakyStateStore{StrategyStore: f.store, failures: 1}
	s, err := FromDescriptor(context.Background(), descriptor(types.StrategyPool), deps)
	require.NoError(t, err)

	err = s.Deploy(ctx, sdkmath.LegacyNewDec(1_000))
	assert.ErrorIs(t, err, ErrStatePersist)
	assert.True(t, s.State().TotalDeployed.IsZero(), "unsaved state must not be visible")

	// The retry reuses the applied deposit and books it once.
	require.NoError(t, s.Deploy(ctx, sdkmath.LegacyNewDec(1_000)))
	assertDec(t, "1000", s.State().TotalDeployed)
	assertDec(t, "100", s.State().PositionUnits)
	assert.Equal(t, 1, f.ledger.SubmittedCount(ledger.TxAMMDeposit))

	restarted := f.build(t, types.StrategyPool)
	assertDec(t, "1000", restarted.State().TotalDeployed)
	require.NoError(t, restarted.Deploy(context.Background(), sdkmath.LegacyNewDec(10)))
	assertDec(t, "1010", restarted.State().TotalDeployed)

	yield, err := restarted.Yield(context.Background())
	require.NoError(t, err)
	assert.True(t, yield.IsZero(), "deposited principal is not yield, got %s", yield)
}

func TestPoolStrategy_RecoveredUnwindWaitsForHoldings(t *testing.T) {
	ctx := ledger.WithOperation(context.Background(), "withdraw/rVault/w2")
	f := newFixture(t)
	f.addPool()
	s := f.build(t, types.StrategyPool)
	require.NoError(t, s.Deploy(context.Background(), sdkmath.LegacyNewDec(10_000)))

	amount := types.NewAmount(usd, sdkmath.LegacyNewDec(4_000))
	tx, err := ledger.NewPoolWithdraw(vaultAddr, f.ledger.Pool("rPool"), amount)
	require.NoError(t, err)
	_, err = f.submitter.Submit(ctx, "unwind", tx, f.deps.Signer)
	require.NoError(t, err)

	restarted := f.build(t, types.StrategyPool)
	f.ledger.SetTrustLinesUnavailable(true)
	_, err = restarted.Withdraw(ctx, amount.Value)
	assert.ErrorIs(t, err, ErrReconcilePending)
	assertDec(t, "10000", restarted.State().TotalDeployed)
	assertDec(t, "1000", restarted.State().PositionUnits)

	f.ledger.SetTrustLinesUnavailable(false)
	returned, err := restarted.Withdraw(ctx, amount.Value)
	require.NoError(t, err)
	assertDec(t, "4000", returned)
	assertDec(t, "6000", restarted.State().TotalDeployed)
	assertDec(t, "600", restarted.State().PositionUnits)
	assert.Equal(t, 1, f.ledger.SubmittedCount(ledger.TxAMMWithdraw))
}

func TestSwapYieldStrategy(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.ledger.SetRate(usd, yld, dec("0.5"))
	f.ledger.SetRate(yld, usd, dec("2"))
	s := f.build(t, types.StrategySwapYield)

	require.NoError(t, s.Deploy(ctx, sdkmath.LegacyNewDec(100)))
	assertDec(t, "100", s.State().TotalDeployed)
	assertDec(t, "50", s.State().PositionUnits)
	assertDec(t, "50", f.ledger.Balance(vaultAddr, yld))

	value, err := s.Value(ctx)
	require.NoError(t, err)
	assertDec(t, "100", value)

	f.ledger.SetRate(yld, usd, dec("2.2"))
	yield, err := s.Yield(ctx)
	require.NoError(t, err)
	assertDec(t, "10", yield)

	returned, err := s.WithdrawYield(ctx, yield)
	require.NoError(t, err)
	assertDec(t, "10", returned)
	assertDec(t, "100", s.State().TotalDeployed)

	returned, err = s.Withdraw(ctx, sdkmath.LegacyNewDec(40))
	require.NoError(t, err)
	assertDec(t, "40", returned)
	assertDec(t, "60", s.State().TotalDeployed)
	assertNear(t, 60, mustValue(t, s))

	_, err = s.Withdraw(ctx, sdkmath.LegacyNewDec(61))
	assert.ErrorIs(t, err, ErrInsufficientLiquidity)
}

func TestSwapYieldStrategy_DegradedValuation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.ledger.SetRate(usd, yld, dec("0.5"))
	s := f.build(t, types.StrategySwapYield)
	require.NoError(t, s.Deploy(ctx, sdkmath.LegacyNewDec(100)))

	// No reverse route: value falls back to deployed principal.
	value, err := s.Value(ctx)
	assert.ErrorIs(t, err, ErrStrategyUnavailable)
	assert.True(t, IsDegraded(value, err))
	assertDec(t, "100", value)

	yield, err := s.Yield(ctx)
	require.NoError(t, err)
	assert.True(t, yield.IsZero())

	_, err = s.Withdraw(ctx, sdkmath.LegacyNewDec(10))
	assert.ErrorIs(t, err, ErrStrategyUnavailable)
	assert.Equal(t, 1, f.ledger.SubmittedCount(ledger.TxPayment))

	f.ledger.SetQuotesUnavailable(true)
	err = s.Deploy(ctx, sdkmath.LegacyNewDec(10))
	assert.ErrorIs(t, err, ErrStrategyUnavailable)
	assertDec(t, "100", s.State().TotalDeployed)
}

func TestHoldStrategy(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	s := f.build(t, types.StrategyHold)

	require.NoError(t, s.Deploy(ctx, sdkmath.LegacyNewDec(10)))
	assertDec(t, "10", mustValue(t, s))

	yield, err := s.Yield(ctx)
	require.NoError(t, err)
	assert.True(t, yield.IsZero())

	_, err = s.Withdraw(ctx, sdkmath.LegacyNewDec(20))
	assert.ErrorIs(t, err, ErrInsufficientLiquidity)

	returned, err := s.Withdraw(ctx, sdkmath.LegacyNewDec(4))
	require.NoError(t, err)
	assertDec(t, "4", returned)
	assertDec(t, "6", mustValue(t, s))

	_, err = s.WithdrawYield(ctx, sdkmath.LegacyNewDec(1))
	assert.ErrorIs(t, err, ErrInsufficientLiquidity)
	none, err := s.WithdrawYield(ctx, sdkmath.LegacyZeroDec())
	require.NoError(t, err)
	assert.True(t, none.IsZero())

	assert.Empty(t, f.ledger.Submitted(), "hold never touches the ledger")
}

func TestHoldStrategy_RepeatedStepAppliesOnce(t *testing.T) {
	f := newFixture(t)
	s := f.build(t, types.StrategyHold)
	ctx := ledger.WithOperation(context.Background(), "deposit/rVault/ABC")

	require.NoError(t, s.Deploy(ctx, sdkmath.LegacyNewDec(10)))
	require.NoError(t, s.Deploy(ctx, sdkmath.LegacyNewDec(10)))
	assertDec(t, "10", s.State().TotalDeployed)

	wctx := ledger.WithOperation(context.Background(), "withdraw/rVault/w1")
	_, err := s.Withdraw(wctx, sdkmath.LegacyNewDec(10))
	require.NoError(t, err)
	returned, err := s.Withdraw(wctx, sdkmath.LegacyNewDec(10))
	require.NoError(t, err)
	assertDec(t, "10", returned)
	assert.True(t, s.State().TotalDeployed.IsZero())
}

func mustValue(t *testing.T, s Strategy) sdkmath.LegacyDec {
	t.Helper()
	v, err := s.Value(context.Background())
	require.NoError(t, err)
	return v
}
