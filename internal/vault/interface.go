package vault

import (
	"context"

	sdkmath "cosmossdk.io/math"

	"github.com/elys-network/vaultd/internal/types"
)

// Manager defines the interface for interacting with one running vault.
// The orchestrator and the HTTP API depend on it rather than on Account,
// so alternative implementations can stand in for tests.
type Manager interface {
	// Descriptor returns the published self-description of the vault.
	Descriptor() types.VaultDescriptor

	// Start subscribes to the vault's account feed and begins processing deposits.
	Start(ctx context.Context) error

	// Stop cancels the listener and waits for the consumer to exit.
	Stop()

	// Status reports whether the vault is listening.
	Status() Status

	// Withdraw redeems shares for the depositor's proportional principal.
	Withdraw(ctx context.Context, depositor string, shares sdkmath.LegacyDec) (*WithdrawalResult, error)

	// Harvest moves realized yield to beneficiary, or to the descriptor's
	// beneficiary when empty. Zero yield is a no-op, not an error.
	Harvest(ctx context.Context, beneficiary string) (*HarvestResult, error)

	// GetUserPosition returns a zero position for unknown depositors.
	GetUserPosition(ctx context.Context, depositor string) (types.UserPosition, error)

	TotalShares(ctx context.Context) (sdkmath.LegacyDec, error)
	TotalPrincipal(ctx context.Context) (sdkmath.LegacyDec, error)

	// Snapshot aggregates positions, strategy value and harvest history.
	Snapshot(ctx context.Context) (types.VaultSummary, error)

	// RetryPending drives deposits and withdrawals left part-way to completion.
	RetryPending(ctx context.Context) error

	// TriggerBackfill asks the consumer to replay confirmed history from the
	// ledger cursor, e.g. after the ledger connection was re-established.
	TriggerBackfill()
}
