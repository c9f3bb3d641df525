package ledger

import (
	"errors"
	"fmt"

	"github.com/elys-network/vaultd/internal/types"
)

// Error definitions for transaction construction
var (
	ErrInvalidAmount  = errors.New("transaction amount is invalid")
	ErrInvalidAccount = errors.New("transaction account is invalid")
)

// NewPayment builds a direct payment of amount from one account to another.
func NewPayment(from, to string, amount types.Amount) (Transaction, error) {
	if err := validateAccounts(from, to); err != nil {
		return Transaction{}, err
	}
	if err := validatePositive(amount); err != nil {
		return Transaction{}, err
	}
	return Transaction{Type: TxPayment, Account: from, Destination: to, Amount: &amount}, nil
}

// NewSpendSwap builds a self-payment that spends at most sendMax to acquire
// the target asset, accepting any delivery between deliverMin and deliver.
func NewSpendSwap(account string, sendMax, deliver, deliverMin types.Amount) (Transaction, error) {
	if err := validateAccounts(account); err != nil {
		return Transaction{}, err
	}
	for _, a := range []types.Amount{sendMax, deliver, deliverMin} {
		if err := validatePositive(a); err != nil {
			return Transaction{}, err
		}
	}
	if !deliver.Asset.Equal(deliverMin.Asset) {
		return Transaction{}, fmt.Errorf("%w: deliver and minimum delivery assets differ", ErrInvalidAmount)
	}
	if deliverMin.Value.GT(deliver.Value) {
		return Transaction{}, fmt.Errorf("%w: minimum delivery exceeds delivery", ErrInvalidAmount)
	}
	return Transaction{
		Type:        TxPayment,
		Account:     account,
		Destination: account,
		Amount:      &deliver,
		SendMax:     &sendMax,
		DeliverMin:  &deliverMin,
		Flags:       TfPartialPayment,
	}, nil
}

// NewExactSwap builds a self-payment that delivers exactly deliver, spending at most sendMax.
func NewExactSwap(account string, deliver, sendMax types.Amount) (Transaction, error) {
	if err := validateAccounts(account); err != nil {
		return Transaction{}, err
	}
	for _, a := range []types.Amount{deliver, sendMax} {
		if err := validatePositive(a); err != nil {
			return Transaction{}, err
		}
	}
	return Transaction{
		Type:        TxPayment,
		Account:     account,
		Destination: account,
		Amount:      &deliver,
		SendMax:     &sendMax,
	}, nil
}

// NewTrustSet builds a trust line from account to limit's issuer.
func NewTrustSet(account string, limit types.Amount) (Transaction, error) {
	if err := validateAccounts(account, limit.Issuer); err != nil {
		return Transaction{}, err
	}
	if err := validatePositive(limit); err != nil {
		return Transaction{}, err
	}
	return Transaction{Type: TxTrustSet, Account: account, LimitAmount: &limit, Flags: TfSetNoRipple}, nil
}

// NewSetMetadata writes the hex-encoded metadata field of account.
func NewSetMetadata(account, hexValue string) (Transaction, error) {
	if err := validateAccounts(account); err != nil {
		return Transaction{}, err
	}
	if hexValue == "" {
		return Transaction{}, fmt.Errorf("metadata value is empty")
	}
	return Transaction{Type: TxAccountSet, Account: account, Domain: hexValue}, nil
}

// NewPoolDeposit builds a single-sided deposit of amount into pool.
func NewPoolDeposit(account string, pool types.PoolState, amount types.Amount) (Transaction, error) {
	return poolTx(TxAMMDeposit, account, pool, amount)
}

// NewPoolWithdraw builds a single-sided withdrawal of exactly amount from pool.
func NewPoolWithdraw(account string, pool types.PoolState, amount types.Amount) (Transaction, error) {
	return poolTx(TxAMMWithdraw, account, pool, amount)
}

func poolTx(txType TxType, account string, pool types.PoolState, amount types.Amount) (Transaction, error) {
	if err := validateAccounts(account); err != nil {
		return Transaction{}, err
	}
	if err := validatePositive(amount); err != nil {
		return Transaction{}, err
	}
	if _, ok := pool.ReserveOf(amount.Asset); !ok {
		return Transaction{}, fmt.Errorf("%w: pool %s does not hold %s", ErrInvalidAmount, pool.Account, amount.Asset)
	}
	asset, asset2 := pool.Asset, pool.Asset2
	return Transaction{
		Type:    txType,
		Account: account,
		Amount:  &amount,
		Asset:   &asset,
		Asset2:  &asset2,
		Flags:   TfSingleAsset,
	}, nil
}

// NewClawback builds a clawback of amount (issued by issuer) from holder. The
// tokens are destroyed.
func NewClawback(issuer, holder string, amount types.Amount) (Transaction, error) {
	if err := validateAccounts(issuer, holder); err != nil {
		return Transaction{}, err
	}
	if err := validatePositive(amount); err != nil {
		return Transaction{}, err
	}
	if amount.Issuer != issuer {
		return Transaction{}, fmt.Errorf("%w: %s can only claw back tokens it issued", ErrInvalidAmount, issuer)
	}
	return Transaction{Type: TxClawback, Account: issuer, Amount: &amount, Holder: holder}, nil
}

func validateAccounts(accounts ...string) error {
	for _, a := range accounts {
		if a == "" {
			return fmt.Errorf("%w: empty address", ErrInvalidAccount)
		}
	}
	return nil
}

func validatePositive(a types.Amount) error {
	if a.Value.IsNil() || !a.Value.IsPositive() {
		return fmt.Errorf("%w: %s must be positive", ErrInvalidAmount, a)
	}
	if a.Currency == "" {
		return fmt.Errorf("%w: missing currency", ErrInvalidAmount)
	}
	return nil
}
