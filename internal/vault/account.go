package vault

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/elys-network/vaultd/internal/ledger"
	"github.com/elys-network/vaultd/internal/logger"
	"github.com/elys-network/vaultd/internal/observability"
	"github.com/elys-network/vaultd/internal/state"
	"github.com/elys-network/vaultd/internal/strategy"
	"github.com/elys-network/vaultd/internal/types"
	"github.com/elys-network/vaultd/internal/utils"
)

// Error definitions for zero-tolerance error handling
var (
	ErrInsufficientShares = errors.New("depositor holds fewer shares than requested")
	ErrInvalidAmount      = errors.New("amount must be positive and representable on the ledger")
	ErrAlreadyStarted     = errors.New("vault is already listening")
	ErrInvalidConfig      = errors.New("vault configuration is invalid")
	ErrBurnPending        = errors.New("depositor was paid but the share burn is still pending")
	ErrDeployPending      = errors.New("shares were issued but the deposit is not yet deployed")
)

// Status is the lifecycle state of an Account.
type Status string

const (
	StatusIdle      Status = "idle"
	StatusListening Status = "listening"
)

// Ignore reasons reported for incoming transactions that are not deposits.
const (
	ignoreNotPayment = "not_payment"
	ignoreOutgoing   = "outgoing"
	ignoreFailed     = "failed"
	ignoreWrongAsset = "wrong_asset"
	ignoreDust       = "below_precision"
	ignoreDuplicate  = "duplicate"
)

// WithdrawalResult is returned to the caller of Withdraw.
type WithdrawalResult struct {
	ID           string                `json:"id"`
	Depositor    string                `json:"depositor"`
	SharesBurned sdkmath.LegacyDec     `json:"shares_burned"`
	Capital      sdkmath.LegacyDec     `json:"capital"`
	Returned     sdkmath.LegacyDec     `json:"returned"`
	PayoutTxHash string                `json:"payout_tx_hash,omitempty"`
	BurnTxHash   string                `json:"burn_tx_hash,omitempty"`
	Stage        types.WithdrawalStage `json:"stage"`
}

// HarvestResult is returned to the caller of Harvest. A zero Amount means
// there was nothing to harvest.
type HarvestResult struct {
	ReceiptID   string            `json:"receipt_id,omitempty"`
	Beneficiary string            `json:"beneficiary"`
	Amount      sdkmath.LegacyDec `json:"amount"`
	TxHash      string            `json:"tx_hash,omitempty"`
}

// Config wires an Account to its collaborators.
type Config struct {
	Descriptor types.VaultDescriptor
	Signer     ledger.Signer
	Strategy   strategy.Strategy
	Submitter  *ledger.Submitter
	Store      state.Store
	Params     types.VaultParameters
	Metrics    *observability.Metrics

	// RetryInterval is the first backoff interval for deploy retries and resubscription.
	RetryInterval time.Duration
}

// Account owns one vault: it turns confirmed incoming transfers into shares,
// routes capital through the strategy and serves withdrawals and harvests.
// Deposits, withdrawals and harvests of one vault never run concurrently.
type Account struct {
	desc          types.VaultDescriptor
	signer        ledger.Signer
	strategy      strategy.Strategy
	submitter     *ledger.Submitter
	gateway       ledger.Gateway
	store         state.Store
	params        types.VaultParameters
	metrics       *observability.Metrics
	logger        zerolog.Logger
	retryInterval time.Duration

	opMu sync.Mutex

	mu       sync.Mutex
	status   Status
	cancel   context.CancelFunc
	done     chan struct{}
	stalled  bool
	backfill chan struct{}
}

var _ Manager = (*Account)(nil)

// NewAccount creates an idle account with comprehensive validation
func NewAccount(cfg Config) (*Account, error) {
	if err := validateConfig(cfg); err != nil {
		return nil, errors.Join(ErrInvalidConfig, err)
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = time.Second
	}

	a := &Account{
		desc:          cfg.Descriptor,
		signer:        cfg.Signer,
		strategy:      cfg.Strategy,
		submitter:     cfg.Submitter,
		gateway:       cfg.Submitter.Gateway(),
		store:         cfg.Store,
		params:        cfg.Params,
		metrics:       cfg.Metrics,
		logger:        logger.GetForVault("vault_account", cfg.Descriptor.Address),
		retryInterval: cfg.RetryInterval,
		status:        StatusIdle,
		backfill:      make(chan struct{}, 1),
	}

	a.logger.Debug().
		Str("strategy", string(a.strategy.Kind())).
		Str("accepted", a.desc.Accepted.String()).
		Str("share", a.desc.ShareAsset().String()).
		Msg("Vault account initialized")
	return a, nil
}

func validateConfig(cfg Config) error {
	if err := cfg.Descriptor.Validate(); err != nil {
		return err
	}
	if cfg.Strategy == nil {
		return errors.New("strategy is nil")
	}
	if cfg.Strategy.Kind() != cfg.Descriptor.Strategy {
		return fmt.Errorf("strategy %s does not match descriptor strategy %s", cfg.Strategy.Kind(), cfg.Descriptor.Strategy)
	}
	if cfg.Submitter == nil {
		return errors.New("submitter is nil")
	}
	if cfg.Store == nil {
		return errors.New("store is nil")
	}
	if cfg.Signer.Address != cfg.Descriptor.Address {
		return fmt.Errorf("signer %s does not control vault %s", cfg.Signer.Address, cfg.Descriptor.Address)
	}
	return nil
}

func (a *Account) Descriptor() types.VaultDescriptor {
	return a.desc
}

func (a *Account) Status() Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status
}

// --- Listener ---

// Start subscribes to the vault's account feed, then replays confirmed
// history from the ledger cursor before processing live events.
func (a *Account) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.status == StatusListening {
		return ErrAlreadyStarted
	}

	runCtx, cancel := context.WithCancel(ctx)
	events, err := a.gateway.SubscribeAccount(runCtx, a.desc.Address)
	if err != nil {
		cancel()
		return fmt.Errorf("failed to subscribe to vault %s: %w", a.desc.Address, err)
	}

	done := make(chan struct{})
	a.cancel = cancel
	a.done = done
	a.status = StatusListening
	go a.run(runCtx, events, done)

	a.logger.Info().Msg("Vault listening for deposits")
	return nil
}

// Stop cancels the listener and waits for the consumer to exit.
func (a *Account) Stop() {
	a.mu.Lock()
	if a.status != StatusListening {
		a.mu.Unlock()
		return
	}
	cancel, done := a.cancel, a.done
	a.status = StatusIdle
	a.mu.Unlock()

	cancel()
	<-done
	a.logger.Info().Msg("Vault stopped")
}

func (a *Account) TriggerBackfill() {
	select {
	case a.backfill <- struct{}{}:
	default:
	}
}

// run is the single consumer of the vault's events.
func (a *Account) run(ctx context.Context, events <-chan ledger.AccountEvent, done chan struct{}) {
	defer func() {
		a.mu.Lock()
		if a.done == done {
			a.status = StatusIdle
		}
		a.mu.Unlock()
		close(done)
	}()

	a.replay(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-a.backfill:
			a.replay(ctx)
		case ev, ok := <-events:
			if !ok {
				events = a.resubscribe(ctx)
				if events == nil {
					return
				}
				a.replay(ctx)
				continue
			}
			if err := a.consume(ctx, ev); err != nil {
				a.logger.Error().Err(err).Str("txHash", ev.Hash).Msg("Failed to record incoming transaction, will replay from cursor")
			}
		}
	}
}

// resubscribe returns nil once ctx ends.
func (a *Account) resubscribe(ctx context.Context) <-chan ledger.AccountEvent {
	var events <-chan ledger.AccountEvent
	operation := func() error {
		ch, err := a.gateway.SubscribeAccount(ctx, a.desc.Address)
		if err != nil {
			a.logger.Warn().Err(err).Msg("Resubscription failed, retrying")
			return err
		}
		events = ch
		return nil
	}

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = a.retryInterval
	expBackoff.MaxElapsedTime = 0
	if err := backoff.Retry(operation, backoff.WithContext(expBackoff, ctx)); err != nil {
		return nil
	}
	a.logger.Info().Msg("Account feed resubscribed")
	return events
}

// replay processes confirmed history from the ledger cursor onwards. Events
// seen before are recognised by their deposit record.
func (a *Account) replay(ctx context.Context) {
	if err := a.Backfill(ctx); err != nil && ctx.Err() == nil {
		a.logger.Error().Err(err).Msg("Backfill failed")
	}
}

// Backfill replays confirmed transactions from the persisted ledger cursor.
func (a *Account) Backfill(ctx context.Context) error {
	from, err := a.store.LedgerCursor(ctx, a.desc.Address)
	if err != nil {
		return fmt.Errorf("failed to read ledger cursor: %w", err)
	}
	events, err := a.gateway.AccountTransactions(ctx, a.desc.Address, from)
	if err != nil {
		return fmt.Errorf("failed to fetch history from ledger %d: %w", from, err)
	}

	a.setStalled(false)
	for _, ev := range events {
		if err := a.consume(ctx, ev); err != nil {
			return err
		}
	}

	a.logger.Debug().Uint32("fromLedger", from).Int("events", len(events)).Msg("Backfill complete")
	return nil
}

// consume processes one event and moves the cursor past it once the event
// is durably recorded. After a failure the cursor stays put until a replay
// gets past the failed event.
func (a *Account) consume(ctx context.Context, ev ledger.AccountEvent) error {
	if !ev.Validated {
		return nil
	}

	a.opMu.Lock()
	err := a.processDeposit(ctx, ev)
	a.opMu.Unlock()
	if err != nil {
		a.setStalled(true)
		return err
	}

	if a.isStalled() {
		return nil
	}
	if err := a.store.AdvanceLedgerCursor(ctx, a.desc.Address, ev.LedgerIndex); err != nil {
		a.setStalled(true)
		return fmt.Errorf("failed to advance ledger cursor: %w", err)
	}
	return nil
}

func (a *Account) setStalled(stalled bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stalled = stalled
}

func (a *Account) isStalled() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stalled
}

// --- Deposits ---

// depositAmount decides whether ev is a deposit and returns the amount to
// credit, or the reason it is ignored.
func (a *Account) depositAmount(ev ledger.AccountEvent) (sdkmath.LegacyDec, string) {
	switch {
	case ev.Type != ledger.TxPayment:
		return sdkmath.LegacyDec{}, ignoreNotPayment
	case ev.Destination != a.desc.Address || ev.Account == a.desc.Address:
		return sdkmath.LegacyDec{}, ignoreOutgoing
	case ledger.Classify(ev.Result) != ledger.ClassSuccess:
		return sdkmath.LegacyDec{}, ignoreFailed
	case ev.Delivered == nil || !ev.Delivered.Asset.Equal(a.desc.Accepted):
		return sdkmath.LegacyDec{}, ignoreWrongAsset
	}

	amount, err := utils.Quantize(ev.Delivered.Value, a.params.AmountPrecision)
	if err != nil || !amount.IsPositive() {
		return sdkmath.LegacyDec{}, ignoreDust
	}
	return amount, ""
}

// processDeposit returns an error only when the transfer could not be
// recorded. Once recorded, issuance and deployment failures leave the
// deposit pending for RetryPending.
func (a *Account) processDeposit(ctx context.Context, ev ledger.AccountEvent) error {
	amount, reason := a.depositAmount(ev)
	if reason != "" {
		if reason != ignoreOutgoing {
			a.metrics.DepositIgnored(a.desc.Address, reason)
		}
		a.logger.Debug().Str("txHash", ev.Hash).Str("reason", reason).Msg("Ignoring transaction")
		return nil
	}

	rec, created, err := a.store.ClaimDeposit(ctx, types.DepositRecord{
		Vault:       a.desc.Address,
		TxHash:      ev.Hash,
		Depositor:   ev.Account,
		Amount:      amount,
		LedgerIndex: ev.LedgerIndex,
		Stage:       types.DepositReceived,
	})
	if err != nil {
		return fmt.Errorf("failed to claim deposit %s: %w", ev.Hash, err)
	}
	if !created {
		if rec.Stage != types.DepositDeployed {
			a.logger.Debug().Str("txHash", ev.Hash).Str("stage", string(rec.Stage)).Msg("Deposit already claimed, left to the retry loop")
		}
		a.metrics.DepositIgnored(a.desc.Address, ignoreDuplicate)
		return nil
	}

	a.logger.Info().
		Str("txHash", ev.Hash).
		Str("depositor", ev.Account).
		Str("amount", amount.String()).
		Uint32("ledger", ev.LedgerIndex).
		Msg("Deposit received")

	if err := a.advanceDeposit(ctx, rec); err != nil {
		a.logger.Warn().Err(err).Str("txHash", ev.Hash).Msg("Deposit left pending")
	}
	return nil
}

// advanceDeposit drives a claimed deposit from its current stage to DEPLOYED.
func (a *Account) advanceDeposit(ctx context.Context, rec types.DepositRecord) error {
	opCtx := ledger.WithOperation(ctx, depositOperation(a.desc.Address, rec.TxHash))

	if rec.Stage == types.DepositReceived {
		shares := types.NewAmount(a.desc.ShareAsset(), rec.Amount)
		tx, err := ledger.NewPayment(a.desc.Address, rec.Depositor, shares)
		if err != nil {
			return err
		}
		res, err := a.submitter.Submit(opCtx, "issue", tx, a.signer)
		if err != nil {
			return fmt.Errorf("share issuance for %s failed: %w", rec.TxHash, err)
		}
		if err := a.store.CreditDeposit(ctx, a.desc.Address, rec.TxHash, res.Hash); err != nil {
			return fmt.Errorf("failed to credit deposit %s: %w", rec.TxHash, err)
		}
		rec.Stage = types.DepositSharesIssued
		a.metrics.DepositProcessed(a.desc.Address, toFloat(rec.Amount))
		a.logger.Info().Str("txHash", rec.TxHash).Str("shareTxHash", res.Hash).Str("shares", rec.Amount.String()).Msg("Shares issued")
	}

	if rec.Stage == types.DepositSharesIssued {
		if err := a.deployWithRetry(opCtx, rec.Amount); err != nil {
			return errors.Join(ErrDeployPending, err)
		}
		if err := a.store.CompleteDeposit(ctx, a.desc.Address, rec.TxHash); err != nil {
			return fmt.Errorf("failed to complete deposit %s: %w", rec.TxHash, err)
		}
		a.logger.Info().Str("txHash", rec.TxHash).Str("amount", rec.Amount.String()).Msg("Deposit deployed")
	}
	return nil
}

// deployWithRetry retries deployment; issued shares are never rolled back.
func (a *Account) deployWithRetry(ctx context.Context, amount sdkmath.LegacyDec) error {
	attempts := a.params.DeployRetryAttempts
	if attempts == 0 {
		attempts = 3
	}

	operation := func() error {
		err := a.strategy.Deploy(ctx, amount)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, strategy.ErrInvalidAmount), errors.Is(err, strategy.ErrMissingDependency):
			return backoff.Permanent(err)
		default:
			a.logger.Warn().Err(err).Str("amount", amount.String()).Msg("Deploy attempt failed")
			return err
		}
	}

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = a.retryInterval
	expBackoff.MaxElapsedTime = 0
	return backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(expBackoff, attempts-1), ctx))
}

// --- Withdrawals ---

// Withdraw burns shares and pays back the matching fraction of the depositor's principal.
func (a *Account) Withdraw(ctx context.Context, depositor string, shares sdkmath.LegacyDec) (*WithdrawalResult, error) {
	if shares.IsNil() || !shares.IsPositive() {
		return nil, fmt.Errorf("%w: shares %s", ErrInvalidAmount, shares)
	}
	k, err := utils.Quantize(shares, a.params.AmountPrecision)
	if err != nil || !k.IsPositive() {
		return nil, fmt.Errorf("%w: shares %s below ledger precision", ErrInvalidAmount, shares)
	}

	a.opMu.Lock()
	defer a.opMu.Unlock()

	pos, err := a.store.GetPosition(ctx, a.desc.Address, depositor)
	if errors.Is(err, state.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s has no position", ErrInsufficientShares, depositor)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load position: %w", err)
	}
	if k.GT(pos.Shares) {
		return nil, fmt.Errorf("%w: requested %s, holding %s", ErrInsufficientShares, k, pos.Shares)
	}

	capital := pos.Principal
	if !k.Equal(pos.Shares) {
		capital, err = utils.Quantize(k.Mul(pos.Principal).Quo(pos.Shares), a.params.AmountPrecision)
		if err != nil {
			return nil, err
		}
	}
	if !capital.IsPositive() {
		return nil, fmt.Errorf("%w: %s shares redeem nothing", ErrInvalidAmount, k)
	}

	rec := types.WithdrawalRecord{
		ID:        uuid.NewString(),
		Vault:     a.desc.Address,
		Depositor: depositor,
		Shares:    k,
		Capital:   capital,
		Returned:  sdkmath.LegacyZeroDec(),
		Stage:     types.WithdrawalReserved,
	}
	if err := a.store.ReserveWithdrawal(ctx, rec); err != nil {
		if errors.Is(err, state.ErrInsufficientBalance) {
			return nil, errors.Join(ErrInsufficientShares, err)
		}
		return nil, fmt.Errorf("failed to reserve withdrawal: %w", err)
	}

	a.logger.Info().
		Str("withdrawalId", rec.ID).
		Str("depositor", depositor).
		Str("shares", k.String()).
		Str("capital", capital.String()).
		Msg("Withdrawal reserved")

	rec, err = a.advanceWithdrawal(ctx, rec)
	if err != nil && !errors.Is(err, ErrBurnPending) {
		return nil, err
	}
	return withdrawalResult(rec), nil
}

// advanceWithdrawal drives a withdrawal through unwind, payout and burn.
// The depositor is paid before the shares are burned, so a failure after
// payout only ever leaves a burn to retry.
func (a *Account) advanceWithdrawal(ctx context.Context, rec types.WithdrawalRecord) (types.WithdrawalRecord, error) {
	opCtx := ledger.WithOperation(ctx, withdrawalOperation(a.desc.Address, rec.ID))
	log := a.logger.With().Str("withdrawalId", rec.ID).Logger()

	if rec.Stage == types.WithdrawalReserved {
		returned, err := a.strategy.Withdraw(opCtx, rec.Capital)
		if err != nil {
			if !isFinalFailure(err) {
				a.metrics.WithdrawalOutcome(a.desc.Address, "pending")
				return rec, fmt.Errorf("unwind for withdrawal %s unresolved: %w", rec.ID, err)
			}
			if cerr := a.store.CancelWithdrawal(ctx, a.desc.Address, rec.ID); cerr != nil {
				return rec, errors.Join(err, fmt.Errorf("failed to release reservation: %w", cerr))
			}
			a.metrics.WithdrawalOutcome(a.desc.Address, "cancelled")
			log.Warn().Err(err).Msg("Unwind failed, reservation released")
			rec.Stage = types.WithdrawalCancelled
			return rec, err
		}
		rec.Returned = returned
		rec.Stage = types.WithdrawalUnwound
		if err := a.store.UpdateWithdrawal(ctx, rec); err != nil {
			return rec, fmt.Errorf("failed to record unwind: %w", err)
		}
	}

	if rec.Stage == types.WithdrawalUnwound {
		tx, err := ledger.NewPayment(a.desc.Address, rec.Depositor, types.NewAmount(a.desc.Accepted, rec.Returned))
		if err != nil {
			return rec, err
		}
		res, err := a.submitter.Submit(opCtx, "payout", tx, a.signer)
		if err != nil {
			a.metrics.WithdrawalOutcome(a.desc.Address, "payout_pending")
			return rec, fmt.Errorf("payout for withdrawal %s failed: %w", rec.ID, err)
		}
		rec.PayoutTxHash = res.Hash
		rec.Stage = types.WithdrawalPaid
		if err := a.store.UpdateWithdrawal(ctx, rec); err != nil {
			return rec, fmt.Errorf("failed to record payout: %w", err)
		}
		log.Info().Str("txHash", res.Hash).Str("amount", rec.Returned.String()).Msg("Depositor paid")
	}

	if rec.Stage == types.WithdrawalPaid {
		tx, err := ledger.NewClawback(a.desc.Address, rec.Depositor, types.NewAmount(a.desc.ShareAsset(), rec.Shares))
		if err != nil {
			return rec, err
		}
		res, err := a.submitter.Submit(opCtx, "burn", tx, a.signer)
		if err != nil {
			a.metrics.WithdrawalOutcome(a.desc.Address, "burn_pending")
			log.Warn().Err(err).Msg("Share burn failed, will retry")
			return rec, errors.Join(ErrBurnPending, err)
		}
		rec.BurnTxHash = res.Hash
		rec.Stage = types.WithdrawalCompleted
		if err := a.store.UpdateWithdrawal(ctx, rec); err != nil {
			return rec, fmt.Errorf("failed to record burn: %w", err)
		}
		a.metrics.WithdrawalOutcome(a.desc.Address, "completed")
		log.Info().Str("txHash", res.Hash).Str("shares", rec.Shares.String()).Msg("Withdrawal completed")
	}
	return rec, nil
}

// isFinalFailure reports whether err proves the strategy did not move funds.
func isFinalFailure(err error) bool {
	switch {
	case ledger.IsIndeterminate(err):
		return false
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	case errors.Is(err, strategy.ErrStatePersist), errors.Is(err, strategy.ErrReconcilePending):
		return false
	default:
		return true
	}
}

func withdrawalResult(rec types.WithdrawalRecord) *WithdrawalResult {
	return &WithdrawalResult{
		ID:           rec.ID,
		Depositor:    rec.Depositor,
		SharesBurned: rec.Shares,
		Capital:      rec.Capital,
		Returned:     rec.Returned,
		PayoutTxHash: rec.PayoutTxHash,
		BurnTxHash:   rec.BurnTxHash,
		Stage:        rec.Stage,
	}
}

// --- Harvest ---

// Harvest withdraws the strategy's current yield and pays it to beneficiary.
func (a *Account) Harvest(ctx context.Context, beneficiary string) (*HarvestResult, error) {
	if beneficiary == "" {
		beneficiary = a.desc.Beneficiary
	}

	a.opMu.Lock()
	defer a.opMu.Unlock()

	yield, err := a.strategy.Yield(ctx)
	if err != nil {
		a.metrics.HarvestOutcome(a.desc.Address, "error")
		return nil, fmt.Errorf("failed to read yield: %w", err)
	}
	yield, err = utils.Quantize(yield, a.params.AmountPrecision)
	if err != nil {
		return nil, err
	}
	if !yield.IsPositive() {
		a.metrics.HarvestOutcome(a.desc.Address, "noop")
		a.logger.Debug().Msg("No yield to harvest")
		return &HarvestResult{Beneficiary: beneficiary, Amount: sdkmath.LegacyZeroDec()}, nil
	}

	id := uuid.NewString()
	opCtx := ledger.WithOperation(ctx, harvestOperation(a.desc.Address, id))

	withdrawn, err := a.strategy.WithdrawYield(opCtx, yield)
	if err != nil {
		a.metrics.HarvestOutcome(a.desc.Address, "error")
		return nil, fmt.Errorf("failed to withdraw yield: %w", err)
	}

	receipt := types.HarvestReceipt{
		ID:          id,
		Vault:       a.desc.Address,
		Beneficiary: beneficiary,
		Amount:      withdrawn,
		Stage:       types.HarvestWithdrawn,
		HarvestedAt: time.Now().UTC(),
	}
	if err := a.store.SaveHarvestReceipt(ctx, receipt); err != nil {
		a.metrics.HarvestOutcome(a.desc.Address, "error")
		a.logger.Error().Err(err).Str("harvestId", id).Str("amount", withdrawn.String()).Msg("Yield withdrawn but harvest not recorded")
		return nil, fmt.Errorf("failed to record harvest %s: %w", id, err)
	}

	receipt, err = a.advanceHarvest(ctx, receipt)
	if err != nil {
		return nil, err
	}
	return &HarvestResult{ReceiptID: id, Beneficiary: beneficiary, Amount: withdrawn, TxHash: receipt.TxHash}, nil
}

// advanceHarvest pays a WITHDRAWN harvest to its beneficiary. A failed
// payout leaves the record WITHDRAWN for RetryPending.
func (a *Account) advanceHarvest(ctx context.Context, r types.HarvestReceipt) (types.HarvestReceipt, error) {
	opCtx := ledger.WithOperation(ctx, harvestOperation(a.desc.Address, r.ID))

	tx, err := ledger.NewPayment(a.desc.Address, r.Beneficiary, types.NewAmount(a.desc.Accepted, r.Amount))
	if err != nil {
		return r, err
	}
	res, err := a.submitter.Submit(opCtx, "payout", tx, a.signer)
	if err != nil {
		a.metrics.HarvestOutcome(a.desc.Address, "payout_pending")
		a.logger.Error().Err(err).Str("harvestId", r.ID).Str("amount", r.Amount.String()).Msg("Yield withdrawn but payout to beneficiary failed, will retry")
		return r, fmt.Errorf("harvest %s payout failed: %w", r.ID, err)
	}
	if err := a.store.CompleteHarvest(ctx, a.desc.Address, r.ID, res.Hash); err != nil {
		return r, fmt.Errorf("failed to record harvest payout %s: %w", r.ID, err)
	}
	r.Stage = types.HarvestPaid
	r.TxHash = res.Hash

	a.metrics.HarvestOutcome(a.desc.Address, "harvested")
	a.logger.Info().
		Str("harvestId", r.ID).
		Str("beneficiary", r.Beneficiary).
		Str("amount", r.Amount.String()).
		Str("txHash", res.Hash).
		Msg("Yield harvested")
	return r, nil
}

// --- Queries ---

func (a *Account) GetUserPosition(ctx context.Context, depositor string) (types.UserPosition, error) {
	pos, err := a.store.GetPosition(ctx, a.desc.Address, depositor)
	if errors.Is(err, state.ErrNotFound) {
		return types.EmptyPosition(a.desc.Address, depositor), nil
	}
	return pos, err
}

func (a *Account) TotalShares(ctx context.Context) (sdkmath.LegacyDec, error) {
	shares, _, _, err := a.totals(ctx)
	return shares, err
}

func (a *Account) TotalPrincipal(ctx context.Context) (sdkmath.LegacyDec, error) {
	_, principal, _, err := a.totals(ctx)
	return principal, err
}

func (a *Account) totals(ctx context.Context) (shares, principal sdkmath.LegacyDec, depositors int, err error) {
	positions, err := a.store.ListPositions(ctx, a.desc.Address)
	if err != nil {
		return sdkmath.LegacyDec{}, sdkmath.LegacyDec{}, 0, fmt.Errorf("failed to list positions: %w", err)
	}
	shares, principal = sdkmath.LegacyZeroDec(), sdkmath.LegacyZeroDec()
	for _, p := range positions {
		shares = shares.Add(p.Shares)
		principal = principal.Add(p.Principal)
		if p.Shares.IsPositive() {
			depositors++
		}
	}
	return shares, principal, depositors, nil
}

// Snapshot aggregates the vault's books. An unavailable strategy valuation
// marks the summary degraded instead of failing it.
func (a *Account) Snapshot(ctx context.Context) (types.VaultSummary, error) {
	shares, principal, depositors, err := a.totals(ctx)
	if err != nil {
		return types.VaultSummary{}, err
	}
	count, harvested, err := a.store.HarvestTotals(ctx, a.desc.Address)
	if err != nil {
		return types.VaultSummary{}, fmt.Errorf("failed to read harvest totals: %w", err)
	}

	deployed := a.strategy.State().TotalDeployed
	value, err := a.strategy.Value(ctx)
	degraded := err != nil
	if degraded && !strategy.IsDegraded(value, err) {
		value = deployed
	}
	pending := sdkmath.LegacyZeroDec()
	if !degraded && value.GT(deployed) {
		pending = value.Sub(deployed)
	}

	return types.VaultSummary{
		Vault:          a.desc.Address,
		Strategy:       a.desc.Strategy,
		TotalShares:    shares,
		TotalPrincipal: principal,
		StrategyValue:  value,
		PendingYield:   pending,
		Depositors:     depositors,
		HarvestCount:   count,
		HarvestedTotal: harvested,
		Degraded:       degraded,
	}, nil
}

// --- Recovery ---

// RetryPending resumes every deposit, withdrawal and harvest left part-way.
func (a *Account) RetryPending(ctx context.Context) error {
	if a.isStalled() {
		a.TriggerBackfill()
	}

	a.opMu.Lock()
	defer a.opMu.Unlock()

	deposits, err := a.store.PendingDeposits(ctx, a.desc.Address)
	if err != nil {
		return fmt.Errorf("failed to list pending deposits: %w", err)
	}
	var errs []error
	remaining := 0
	for _, rec := range deposits {
		if err := a.advanceDeposit(ctx, rec); err != nil {
			remaining++
			errs = append(errs, fmt.Errorf("deposit %s: %w", rec.TxHash, err))
		}
	}
	a.metrics.SetPending(a.desc.Address, "deposit", remaining)

	withdrawals, err := a.store.PendingWithdrawals(ctx, a.desc.Address)
	if err != nil {
		return errors.Join(append(errs, fmt.Errorf("failed to list pending withdrawals: %w", err))...)
	}
	remaining = 0
	for _, rec := range withdrawals {
		after, err := a.advanceWithdrawal(ctx, rec)
		if err != nil {
			if after.Stage != types.WithdrawalCancelled {
				remaining++
			}
			errs = append(errs, fmt.Errorf("withdrawal %s: %w", rec.ID, err))
		}
	}
	a.metrics.SetPending(a.desc.Address, "withdrawal", remaining)

	harvests, err := a.store.PendingHarvests(ctx, a.desc.Address)
	if err != nil {
		return errors.Join(append(errs, fmt.Errorf("failed to list pending harvests: %w", err))...)
	}
	remaining = 0
	for _, r := range harvests {
		if _, err := a.advanceHarvest(ctx, r); err != nil {
			remaining++
			errs = append(errs, fmt.Errorf("harvest %s: %w", r.ID, err))
		}
	}
	a.metrics.SetPending(a.desc.Address, "harvest", remaining)

	if len(deposits)+len(withdrawals)+len(harvests) > 0 {
		a.logger.Info().
			Int("deposits", len(deposits)).
			Int("withdrawals", len(withdrawals)).
			Int("harvests", len(harvests)).
			Int("failed", len(errs)).
			Msg("Retried pending operations")
	}
	return errors.Join(errs...)
}

func depositOperation(vault, txHash string) string {
	return "deposit/" + vault + "/" + txHash
}

func withdrawalOperation(vault, id string) string {
	return "withdraw/" + vault + "/" + id
}

func harvestOperation(vault, id string) string {
	return "harvest/" + vault + "/" + id
}

func toFloat(d sdkmath.LegacyDec) float64 {
	f, err := d.Float64()
	if err != nil {
		return 0
	}
	return f
}
