/*

This file contains the default operating parameters for vaultd.

Vaults custody depositor funds, so every value favours exactness and recoverability over throughput.
Environment variables loaded by LoadConfig override the ledger-facing values through Params().

*/

package config

import (
	"time"

	"github.com/elys-network/vaultd/internal/types"
)

// DefaultVaultParameters provides the baseline parameters for vault accounts, strategies and the registry.
var DefaultVaultParameters = types.VaultParameters{
	// --- Amounts ---
	AmountPrecision: 6, // Truncate every amount to 6 decimal places.
	// Rationale: Issued-currency amounts carry 15 significant digits. Six decimals keep
	// balances of up to a billion units exact, and truncation never credits more than was received.

	// --- Strategy Execution ---
	SwapSlippagePercent: 1.0, // Accept deliveries down to 1% below the quote.
	// Rationale: Quotes are taken immediately before submission, so movement inside the
	// window is small. A tighter bound turns ordinary book churn into failed deploys.

	DeployRetryAttempts: 3, // Deploy a deposit up to 3 times before leaving it to the retry loop.
	// Rationale: Shares are already issued when deployment runs. Transient failures are
	// absorbed here and anything longer is picked up by RetryPending on the next cycle.

	// --- Ledger Submission ---
	LedgerWindow: 20, // A transaction may validate up to 20 ledgers after submission.
	// Rationale: About 80 seconds at normal close times. Long enough to survive a busy
	// ledger, short enough that an indeterminate outcome is resolved quickly.

	SubmitTimeout: 90 * time.Second, // Stop waiting for validation after 90 seconds.
	// Rationale: Must exceed the ledger window in wall-clock time. Past it the outcome is
	// reported indeterminate and resolved by hash rather than resubmitted.

	PollInterval: 1 * time.Second, // Query transaction status every second.
	// Rationale: Ledgers close every 3-5 seconds; polling faster only adds node load.

	MaxSubmitAttempts: 3, // Resubmit at most twice after a proven non-application.
	// Rationale: Resubmission is only safe once the previous attempt expired or was
	// rejected locally. Repeated failures point at the transaction, not the network.

	// --- Registry ---
	MetadataFieldCapacity: 256, // The account metadata field holds 256 bytes.
	// Rationale: Fixed by the ledger. Checked before any transaction so a publish never
	// stops half-way because the descriptor does not fit.

	RegistryTrustLimit: "1000000000", // Trust line limit from the registry to each share token.
	// Rationale: The registry only ever holds the single activation share. The limit is
	// generous so it never blocks activation and carries no value.

	// --- Orchestration ---
	HarvestInterval: 24 * time.Hour, // Harvest every vault once a day.
	// Rationale: Each harvest costs two transactions. Daily harvesting keeps beneficiaries
	// paid promptly without turning fees into a meaningful share of small yields.

	EventBufferSize: 1000, // Buffer 1000 account events per subscription.
	// Rationale: Deposits are processed serially. The buffer absorbs bursts while a
	// deployment is in flight and backfill recovers anything beyond it.

	DescriptorCacheMB: 8, // Keep up to 8 MB of decoded descriptors.
	// Rationale: Descriptors are immutable and under 256 bytes each, so this covers
	// tens of thousands of vaults without ever re-reading metadata.
}
