/*

This file contains the configurable operating parameters for vaults.

*/

package types

import "time"

// VaultParameters holds the tunable thresholds used by vault accounts, strategies and the ledger gateway.
type VaultParameters struct {
	// --- Amounts ---
	AmountPrecision uint32 `json:"amount_precision"` // Decimal places every amount is truncated to before it reaches the ledger.

	// --- Strategy Execution ---
	SwapSlippagePercent float64 `json:"swap_slippage_percent"` // Maximum deviation from the quoted swap output (e.g., 1.0 for 1%).
	DeployRetryAttempts uint64  `json:"deploy_retry_attempts"` // Attempts to deploy a deposit before leaving it pending for the retry loop.

	// --- Ledger Submission ---
	LedgerWindow      uint32        `json:"ledger_window"`       // Ledgers after submission during which a transaction may still validate.
	SubmitTimeout     time.Duration `json:"submit_timeout"`      // Wall-clock bound on waiting for a single submission.
	PollInterval      time.Duration `json:"poll_interval"`       // Interval between status queries while awaiting validation.
	MaxSubmitAttempts uint64        `json:"max_submit_attempts"` // Resubmissions allowed after a transaction is proven not applied.

	// --- Registry ---
	MetadataFieldCapacity int    `json:"metadata_field_capacity"` // Bytes available in the account metadata field.
	RegistryTrustLimit    string `json:"registry_trust_limit"`    // Limit on the registry's trust line to each vault share token.

	// --- Orchestration ---
	HarvestInterval   time.Duration `json:"harvest_interval"`    // Interval between automatic harvests.
	EventBufferSize   int           `json:"event_buffer_size"`   // Buffered account events per subscription.
	DescriptorCacheMB int64         `json:"descriptor_cache_mb"` // Descriptor cache budget.
}
