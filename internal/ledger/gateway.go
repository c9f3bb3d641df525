// Package ledger is the boundary to the ledger node: submission with finality
// tracking, account subscriptions and the read queries vaults, strategies and
// the registry depend on.
package ledger

import (
	"context"

	sdkmath "cosmossdk.io/math"

	"github.com/elys-network/vaultd/internal/types"
)

// Gateway is the ledger client consumed by every other component. One Gateway
// is shared by all vaults and multiplexes their subscriptions.
type Gateway interface {
	// SubmitAndWait signs tx, submits it and blocks until the ledger reports a
	// final result or the submission window closes. Errors returned before the
	// transaction was handed to the network are plain errors and safe to retry.
	// Errors after that point are *SubmissionError.
	SubmitAndWait(ctx context.Context, tx Transaction, signer Signer, opts SubmitOptions) (*SubmitResult, error)

	// TransactionStatus reports what the ledger knows about a signed transaction.
	// lastLedger is the transaction's LastLedgerSequence and decides expiry.
	TransactionStatus(ctx context.Context, hash string, lastLedger uint32) (*TxStatus, error)

	// SubscribeAccount streams validated transactions affecting address. The
	// channel is closed when ctx is cancelled or the gateway is closed.
	SubscribeAccount(ctx context.Context, address string) (<-chan AccountEvent, error)

	// AccountTransactions returns validated transactions affecting address from
	// fromLedger onwards, oldest first.
	AccountTransactions(ctx context.Context, address string, fromLedger uint32) ([]AccountEvent, error)

	// AccountMetadata returns the decoded bytes of the account metadata field.
	// Returns ErrNotFound when the account or the field does not exist.
	AccountMetadata(ctx context.Context, address string) ([]byte, error)

	// TrustLines lists the trust lines of address from its own perspective.
	TrustLines(ctx context.Context, address string) ([]TrustLine, error)

	// PoolState reads the live state of the pool whose account is poolAccount.
	PoolState(ctx context.Context, poolAccount string) (*types.PoolState, error)

	// QuoteSwap simulates spending send to obtain receive for account, without executing.
	QuoteSwap(ctx context.Context, account string, send types.Amount, receive types.Asset) (*SwapQuote, error)

	Close() error
}

// Signer is the identity a transaction is signed with. The secret never appears in logs.
type Signer struct {
	Address string
	Secret  string
}

func (s Signer) String() string {
	return s.Address
}

// SubmitOptions customises a single submission.
type SubmitOptions struct {
	// OnSigned is invoked with the transaction hash and LastLedgerSequence after
	// signing and before submission. A non-nil error aborts the submission.
	OnSigned func(hash string, lastLedger uint32) error
}

// TxType is the ledger transaction type name.
type TxType string

const (
	TxPayment     TxType = "Payment"
	TxTrustSet    TxType = "TrustSet"
	TxAccountSet  TxType = "AccountSet"
	TxAMMDeposit  TxType = "AMMDeposit"
	TxAMMWithdraw TxType = "AMMWithdraw"
	TxClawback    TxType = "Clawback"
)

// Transaction flags.
const (
	TfPartialPayment uint32 = 0x00020000
	TfSetNoRipple    uint32 = 0x00020000
	TfSingleAsset    uint32 = 0x00080000
)

// Transaction is an unsigned transaction. Sequence and Fee are filled in at
// signing; LastLedgerSequence is set by the gateway from its submission window.
type Transaction struct {
	Type        TxType
	Account     string
	Destination string
	Amount      *types.Amount
	SendMax     *types.Amount
	DeliverMin  *types.Amount
	LimitAmount *types.Amount
	Domain      string // hex
	Asset       *types.Asset
	Asset2      *types.Asset
	Holder      string // Clawback: the account whose tokens are clawed back
	Flags       uint32

	LastLedgerSequence uint32
}

// SubmitResult is the validated outcome of a successful submission.
type SubmitResult struct {
	Hash        string
	Result      string
	LedgerIndex uint32
	Delivered   *types.Amount // Payments only
}

// TxStatus is what the ledger reports for a transaction hash.
type TxStatus struct {
	Hash        string
	Found       bool
	Validated   bool
	Result      string
	LedgerIndex uint32
	Expired     bool // Not in any validated ledger up to and past LastLedgerSequence
	Delivered   *types.Amount
}

// Succeeded reports whether the transaction validated with a success result.
func (s TxStatus) Succeeded() bool {
	return s.Validated && Classify(s.Result) == ClassSuccess
}

// AccountEvent is a validated transaction affecting a subscribed account.
type AccountEvent struct {
	Hash        string
	LedgerIndex uint32
	Validated   bool
	Result      string
	Type        TxType
	Account     string
	Destination string
	Delivered   *types.Amount
}

// TrustLine is seen from the perspective of the account it was listed for:
// Account is the counterparty and a positive Balance is held by the lister.
type TrustLine struct {
	Account  string
	Currency string
	Balance  sdkmath.LegacyDec
	Limit    sdkmath.LegacyDec
}

// SwapQuote is the simulated result of spending Send to obtain Deliver.
type SwapQuote struct {
	Send    types.Amount
	Deliver types.Amount
}
