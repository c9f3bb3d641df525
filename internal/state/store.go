package state

import (
	"context"
	"errors"

	sdkmath "cosmossdk.io/math"

	"github.com/elys-network/vaultd/internal/ledger"
	"github.com/elys-network/vaultd/internal/types"
)

// Error definitions for zero-tolerance error handling
var (
	ErrDatabaseNotInitialized = errors.New("database not initialized")
	ErrNotFound               = errors.New("record not found")
	ErrDuplicateKey           = errors.New("duplicate key")
	ErrInvalidInput           = errors.New("invalid input")
	ErrInsufficientBalance    = errors.New("position holds fewer shares than requested")
	ErrInvalidStage           = errors.New("record is not in the required stage")
)

// PositionStore provides access to depositor positions.
type PositionStore interface {
	// GetPosition returns ErrNotFound if the depositor has never deposited.
	GetPosition(ctx context.Context, vault, depositor string) (types.UserPosition, error)

	// ListPositions returns every position of a vault, ordered by depositor.
	ListPositions(ctx context.Context, vault string) ([]types.UserPosition, error)
}

// DepositStore provides access to the deposit dedup records.
type DepositStore interface {
	// ClaimDeposit inserts rec in stage RECEIVED. If a record for (vault, tx hash)
	// already exists it is returned unchanged with created=false.
	ClaimDeposit(ctx context.Context, rec types.DepositRecord) (existing types.DepositRecord, created bool, err error)

	// CreditDeposit moves a RECEIVED record to SHARES_ISSUED and credits its
	// amount to the depositor's principal and shares in the same transaction.
	// A record already past RECEIVED is left untouched.
	CreditDeposit(ctx context.Context, vault, txHash, shareTxHash string) error

	// CompleteDeposit marks a record DEPLOYED.
	CompleteDeposit(ctx context.Context, vault, txHash string) error

	// GetDeposit returns ErrNotFound if the transfer was never claimed.
	GetDeposit(ctx context.Context, vault, txHash string) (types.DepositRecord, error)

	// PendingDeposits returns records not yet DEPLOYED, ordered by ledger index.
	PendingDeposits(ctx context.Context, vault string) ([]types.DepositRecord, error)
}

// WithdrawalStore provides access to withdrawal records.
type WithdrawalStore interface {
	// ReserveWithdrawal debits rec.Shares and rec.Capital from the position and
	// inserts rec in stage RESERVED atomically. Returns ErrInsufficientBalance
	// if the position holds fewer shares or less principal.
	ReserveWithdrawal(ctx context.Context, rec types.WithdrawalRecord) error

	// CancelWithdrawal restores a RESERVED record's amounts to the position and
	// marks it CANCELLED. Returns ErrInvalidStage for any other stage.
	CancelWithdrawal(ctx context.Context, vault, id string) error

	// UpdateWithdrawal persists stage, returned amount and transaction hashes.
	UpdateWithdrawal(ctx context.Context, rec types.WithdrawalRecord) error

	// GetWithdrawal returns ErrNotFound if id is unknown.
	GetWithdrawal(ctx context.Context, vault, id string) (types.WithdrawalRecord, error)

	// PendingWithdrawals returns records in RESERVED, UNWOUND or PAID, oldest first.
	PendingWithdrawals(ctx context.Context, vault string) ([]types.WithdrawalRecord, error)
}

// StrategyStore provides access to per-vault strategy state.
type StrategyStore interface {
	// GetStrategyState returns ErrNotFound if the vault has no saved state.
	GetStrategyState(ctx context.Context, vault string) (types.StrategyState, error)

	// SaveStrategyState upserts the state.
	SaveStrategyState(ctx context.Context, st types.StrategyState) error
}

// PublishStore provides access to publish progress.
type PublishStore interface {
	// GetPublishProgress returns ErrNotFound if the vault was never published.
	GetPublishProgress(ctx context.Context, vault string) (types.PublishProgress, error)

	// SavePublishProgress upserts the progress.
	SavePublishProgress(ctx context.Context, p types.PublishProgress) error

	// IncompletePublishes returns progress records not yet ACTIVATED.
	IncompletePublishes(ctx context.Context) ([]types.PublishProgress, error)
}

// CursorStore tracks the last ledger each vault has fully processed.
type CursorStore interface {
	// LedgerCursor returns 0 if the vault has no cursor yet.
	LedgerCursor(ctx context.Context, vault string) (uint32, error)

	// AdvanceLedgerCursor moves the cursor forward; lower indexes are ignored.
	AdvanceLedgerCursor(ctx context.Context, vault string, ledgerIndex uint32) error
}

// HarvestStore provides access to harvest receipts.
type HarvestStore interface {
	// SaveHarvestReceipt returns ErrDuplicateKey if the receipt ID exists.
	// An empty stage is saved as PAID.
	SaveHarvestReceipt(ctx context.Context, r types.HarvestReceipt) error

	// CompleteHarvest moves a WITHDRAWN receipt to PAID with its payout hash.
	// Returns ErrNotFound for an unknown id and ErrInvalidStage if already paid.
	CompleteHarvest(ctx context.Context, vault, id, txHash string) error

	// PendingHarvests returns WITHDRAWN receipts, oldest first.
	PendingHarvests(ctx context.Context, vault string) ([]types.HarvestReceipt, error)

	// ListHarvestReceipts returns up to limit paid receipts, newest first.
	ListHarvestReceipts(ctx context.Context, vault string, limit int) ([]types.HarvestReceipt, error)

	// HarvestTotals returns the paid receipt count and summed amount.
	HarvestTotals(ctx context.Context, vault string) (int, sdkmath.LegacyDec, error)
}

// Store is the full durable state of the engine.
type Store interface {
	PositionStore
	DepositStore
	WithdrawalStore
	StrategyStore
	PublishStore
	CursorStore
	HarvestStore
	ledger.Journal

	Ping(ctx context.Context) error
}
