/*

This file contains the types for depositor positions, strategy state and the durable records that make
deposits, withdrawals, harvests and publishing safe to resume after a restart.

*/

package types

import (
	"time"

	sdkmath "cosmossdk.io/math"
)

// UserPosition is one depositor's claim on one vault.
type UserPosition struct {
	Vault     string            `json:"vault"`
	Depositor string            `json:"depositor"`
	Principal sdkmath.LegacyDec `json:"principal"` // Accepted-asset units deposited and not yet withdrawn
	Shares    sdkmath.LegacyDec `json:"shares"`    // Share-token units outstanding
}

// EmptyPosition is the position of a depositor the vault has never seen.
func EmptyPosition(vault, depositor string) UserPosition {
	return UserPosition{
		Vault:     vault,
		Depositor: depositor,
		Principal: sdkmath.LegacyZeroDec(),
		Shares:    sdkmath.LegacyZeroDec(),
	}
}

// StrategyState is the vault's deployed position inside its strategy.
type StrategyState struct {
	Vault         string            `json:"vault"`
	Kind          StrategyKind      `json:"kind"`
	TotalDeployed sdkmath.LegacyDec `json:"total_deployed"` // Principal currently deployed, in accepted-asset units
	PositionUnits sdkmath.LegacyDec `json:"position_units"` // Pool-share units or yield-asset units held
	LastTxHash    string            `json:"last_tx_hash"`   // Last ledger transaction (or operation step) reflected in this state
	UpdatedAt     time.Time         `json:"updated_at"`
}

// NewStrategyState returns a zeroed state for a vault.
func NewStrategyState(vault string, kind StrategyKind) StrategyState {
	return StrategyState{
		Vault:         vault,
		Kind:          kind,
		TotalDeployed: sdkmath.LegacyZeroDec(),
		PositionUnits: sdkmath.LegacyZeroDec(),
	}
}

// DepositStage tracks how far a confirmed incoming transfer has been processed.
type DepositStage string

const (
	DepositReceived     DepositStage = "RECEIVED"      // Seen and deduplicated, shares not yet issued
	DepositSharesIssued DepositStage = "SHARES_ISSUED" // Shares issued and position credited, not yet deployed
	DepositDeployed     DepositStage = "DEPLOYED"      // Fully processed
)

type DepositRecord struct {
	Vault       string            `json:"vault"`
	TxHash      string            `json:"tx_hash"` // Hash of the incoming transfer, the dedup key
	Depositor   string            `json:"depositor"`
	Amount      sdkmath.LegacyDec `json:"amount"`
	LedgerIndex uint32            `json:"ledger_index"`
	Stage       DepositStage      `json:"stage"`
	ShareTxHash string            `json:"share_tx_hash,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// WithdrawalStage tracks the unwind, payout and burn of a withdrawal.
type WithdrawalStage string

const (
	WithdrawalReserved  WithdrawalStage = "RESERVED"  // Position debited, strategy not yet unwound
	WithdrawalUnwound   WithdrawalStage = "UNWOUND"   // Strategy returned funds, payout pending
	WithdrawalPaid      WithdrawalStage = "PAID"      // Depositor paid, share burn pending
	WithdrawalCompleted WithdrawalStage = "COMPLETED" // Shares burned
	WithdrawalCancelled WithdrawalStage = "CANCELLED" // Unwind failed, position restored
)

type WithdrawalRecord struct {
	ID           string            `json:"id"`
	Vault        string            `json:"vault"`
	Depositor    string            `json:"depositor"`
	Shares       sdkmath.LegacyDec `json:"shares"`
	Capital      sdkmath.LegacyDec `json:"capital"`
	Returned     sdkmath.LegacyDec `json:"returned"`
	Stage        WithdrawalStage   `json:"stage"`
	PayoutTxHash string            `json:"payout_tx_hash,omitempty"`
	BurnTxHash   string            `json:"burn_tx_hash,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

// HarvestStage tracks a harvest between unwinding the yield and paying it out.
type HarvestStage string

const (
	HarvestWithdrawn HarvestStage = "WITHDRAWN" // Yield unwound into the vault account, payout pending
	HarvestPaid      HarvestStage = "PAID"      // Beneficiary paid
)

// HarvestReceipt records one realized yield transfer to a beneficiary.
type HarvestReceipt struct {
	ID          string            `json:"id"`
	Vault       string            `json:"vault"`
	Beneficiary string            `json:"beneficiary"`
	Amount      sdkmath.LegacyDec `json:"amount"`
	Stage       HarvestStage      `json:"stage"`
	TxHash      string            `json:"tx_hash,omitempty"`
	HarvestedAt time.Time         `json:"harvested_at"`
}

// PublishStage is the progress of registering a vault for discovery.
type PublishStage string

const (
	PublishNone             PublishStage = "NONE"
	PublishMetadataWritten  PublishStage = "METADATA_WRITTEN"
	PublishTrustEstablished PublishStage = "TRUST_ESTABLISHED"
	PublishActivated        PublishStage = "ACTIVATED"
)

type PublishProgress struct {
	Vault     string       `json:"vault"`
	Stage     PublishStage `json:"stage"`
	Encoded   []byte       `json:"encoded"` // Descriptor bytes written to the metadata field
	UpdatedAt time.Time    `json:"updated_at"`
}

// VaultSummary is the aggregate view served to the presentation layer.
type VaultSummary struct {
	Vault          string            `json:"vault"`
	Strategy       StrategyKind      `json:"strategy"`
	TotalShares    sdkmath.LegacyDec `json:"total_shares"`
	TotalPrincipal sdkmath.LegacyDec `json:"total_principal"`
	StrategyValue  sdkmath.LegacyDec `json:"strategy_value"`
	PendingYield   sdkmath.LegacyDec `json:"pending_yield"`
	Depositors     int               `json:"depositors"`
	HarvestCount   int               `json:"harvest_count"`
	HarvestedTotal sdkmath.LegacyDec `json:"harvested_total"`
	Degraded       bool              `json:"degraded"`
}
