package strategy

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/rs/zerolog"

	"github.com/elys-network/vaultd/internal/ledger"
	"github.com/elys-network/vaultd/internal/logger"
	"github.com/elys-network/vaultd/internal/observability"
	"github.com/elys-network/vaultd/internal/state"
	"github.com/elys-network/vaultd/internal/types"
	"github.com/elys-network/vaultd/internal/utils"
)

// Error definitions for zero-tolerance error handling
var (
	ErrUnknownStrategyKind   = types.ErrUnknownStrategy
	ErrInsufficientLiquidity = errors.New("strategy cannot return the requested amount")
	ErrStrategyUnavailable   = errors.New("strategy valuation unavailable")
	ErrInvalidAmount         = errors.New("strategy amount must be positive")
	ErrStateMismatch         = errors.New("saved strategy state belongs to a different strategy")
	ErrMissingDependency     = errors.New("strategy dependency missing")
	ErrStatePersist          = errors.New("failed to persist strategy state")
	ErrReconcilePending      = errors.New("applied step could not be reconciled against ledger holdings")
)

// Strategy deploys a vault's capital and values it. All amounts are in units
// of the vault's accepted asset.
type Strategy interface {
	Kind() types.StrategyKind

	// Deploy puts amount to work. TotalDeployed grows by amount.
	Deploy(ctx context.Context, amount sdkmath.LegacyDec) error

	// Withdraw unwinds amount of principal and returns what was recovered.
	// TotalDeployed shrinks by amount.
	Withdraw(ctx context.Context, amount sdkmath.LegacyDec) (sdkmath.LegacyDec, error)

	// WithdrawYield unwinds amount of gain. TotalDeployed is unchanged.
	WithdrawYield(ctx context.Context, amount sdkmath.LegacyDec) (sdkmath.LegacyDec, error)

	// Yield is max(0, Value - TotalDeployed).
	Yield(ctx context.Context) (sdkmath.LegacyDec, error)

	// Value is the current worth of the deployed position. A degraded
	// valuation returns a usable value together with ErrStrategyUnavailable.
	Value(ctx context.Context) (sdkmath.LegacyDec, error)

	State() types.StrategyState
}

// Deps are the collaborators every strategy needs.
type Deps struct {
	Submitter *ledger.Submitter
	Signer    ledger.Signer
	Store     state.StrategyStore
	Params    types.VaultParameters
	Metrics   *observability.Metrics
}

func (d Deps) validate() error {
	if d.Submitter == nil {
		return fmt.Errorf("%w: submitter", ErrMissingDependency)
	}
	if d.Store == nil {
		return fmt.Errorf("%w: store", ErrMissingDependency)
	}
	if d.Signer.Address == "" {
		return fmt.Errorf("%w: signer", ErrMissingDependency)
	}
	return nil
}

// FromDescriptor builds the strategy a descriptor names, restoring its saved state.
func FromDescriptor(ctx context.Context, d types.VaultDescriptor, deps Deps) (Strategy, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	if deps.Signer.Address != d.Address {
		return nil, fmt.Errorf("signer %s does not control vault %s", deps.Signer.Address, d.Address)
	}

	st, err := loadState(ctx, deps.Store, d.Address, d.Strategy)
	if err != nil {
		return nil, err
	}

	switch d.Strategy {
	case types.StrategyPool:
		return newPoolStrategy(d, deps, st), nil
	case types.StrategySwapYield:
		return newSwapYieldStrategy(d, deps, st), nil
	case types.StrategyHold:
		return newHoldStrategy(d, deps, st), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownStrategyKind, d.Strategy)
	}
}

// IsDegraded reports whether a Value result is a usable fallback.
func IsDegraded(value sdkmath.LegacyDec, err error) bool {
	return errors.Is(err, ErrStrategyUnavailable) && !value.IsNil()
}

func loadState(ctx context.Context, store state.StrategyStore, vault string, kind types.StrategyKind) (types.StrategyState, error) {
	st, err := store.GetStrategyState(ctx, vault)
	if errors.Is(err, state.ErrNotFound) {
		return types.NewStrategyState(vault, kind), nil
	}
	if err != nil {
		return types.StrategyState{}, fmt.Errorf("failed to load strategy state for %s: %w", vault, err)
	}
	if st.Kind != kind {
		return types.StrategyState{}, fmt.Errorf("%w: vault %s has %s state, descriptor says %s", ErrStateMismatch, vault, st.Kind, kind)
	}
	return st, nil
}

// base carries the state handling shared by all strategies.
type base struct {
	vault    types.VaultDescriptor
	deps     Deps
	gateway  ledger.Gateway
	logger   zerolog.Logger
	mu       sync.Mutex
	state    types.StrategyState
	accepted types.Asset
}

func newBase(d types.VaultDescriptor, deps Deps, st types.StrategyState, component string) base {
	return base{
		vault:    d,
		deps:     deps,
		gateway:  deps.Submitter.Gateway(),
		logger:   logger.GetForVault(component, d.Address),
		state:    st,
		accepted: d.Accepted,
	}
}

func (b *base) State() types.StrategyState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *base) snapshot() types.StrategyState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// commit applies mutate for the ledger transaction txHash and persists the
// result. On a persist failure the state is left untouched so a retry
// applies the transaction again. A transaction already reflected in the state is not applied twice,
// which keeps retried steps whose result was recovered from the journal exact.
func (b *base) commit(ctx context.Context, txHash string, mutate func(st *types.StrategyState)) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if txHash != "" && txHash == b.state.LastTxHash {
		b.logger.Info().Str("txHash", txHash).Msg("Transaction already reflected in strategy state")
		return nil
	}

	// The in-memory state only moves once the new state is durable.
	next := b.state
	mutate(&next)
	if next.TotalDeployed.IsNegative() {
		next.TotalDeployed = sdkmath.LegacyZeroDec()
	}
	if next.PositionUnits.IsNegative() {
		next.PositionUnits = sdkmath.LegacyZeroDec()
	}
	if txHash != "" {
		next.LastTxHash = txHash
	}
	next.UpdatedAt = time.Now().UTC()

	if err := b.deps.Store.SaveStrategyState(ctx, next); err != nil {
		return errors.Join(ErrStatePersist, err)
	}
	b.state = next
	return nil
}

func (b *base) quantize(amount sdkmath.LegacyDec) (sdkmath.LegacyDec, error) {
	if amount.IsNil() || !amount.IsPositive() {
		return sdkmath.LegacyDec{}, fmt.Errorf("%w: %s", ErrInvalidAmount, amount)
	}
	q, err := utils.Quantize(amount, b.deps.Params.AmountPrecision)
	if err != nil {
		return sdkmath.LegacyDec{}, err
	}
	if !q.IsPositive() {
		return sdkmath.LegacyDec{}, fmt.Errorf("%w: %s is below ledger precision", ErrInvalidAmount, amount)
	}
	return q, nil
}

// heldBalance reads the vault's trust-line balance of asset. A missing line
// counts as nothing held; ok is false only when the lines could not be read.
func (b *base) heldBalance(ctx context.Context, asset types.Asset) (sdkmath.LegacyDec, bool) {
	lines, err := b.gateway.TrustLines(ctx, b.vault.Address)
	if err != nil {
		b.logger.Warn().Err(err).Str("asset", asset.String()).Msg("Could not read trust lines to reconcile position")
		return sdkmath.LegacyDec{}, false
	}
	for _, line := range lines {
		if line.Account == asset.Issuer && line.Currency == asset.Currency {
			return line.Balance, true
		}
	}
	return sdkmath.LegacyZeroDec(), true
}

// requireReconciled refuses to book a step recovered from the journal
// without fresh holdings: the unit estimate of the original run is lost.
func (b *base) requireReconciled(recovered, reconciled bool, txHash string) error {
	if recovered && !reconciled && txHash != b.snapshot().LastTxHash {
		return fmt.Errorf("%w: transaction %s", ErrReconcilePending, txHash)
	}
	return nil
}

func (b *base) yieldFrom(ctx context.Context, value sdkmath.LegacyDec, err error) (sdkmath.LegacyDec, error) {
	if IsDegraded(value, err) {
		b.logger.Warn().Err(err).Msg("Valuation degraded, reporting zero yield")
		return sdkmath.LegacyZeroDec(), nil
	}
	if err != nil {
		return sdkmath.LegacyDec{}, err
	}
	y := value.Sub(b.snapshot().TotalDeployed)
	if y.IsNegative() {
		return sdkmath.LegacyZeroDec(), nil
	}
	return y, nil
}

// stepMarker names an operation step for state changes that have no ledger
// transaction of their own. Outside an operation it is empty and every call applies.
func stepMarker(ctx context.Context, step string) string {
	op := ledger.OperationFrom(ctx)
	if op == "" {
		return ""
	}
	return op + "/" + step
}

func unavailable(err error) error {
	return errors.Join(ErrStrategyUnavailable, err)
}

func toFloat(d sdkmath.LegacyDec) float64 {
	f, err := d.Float64()
	if err != nil {
		return 0
	}
	return f
}
