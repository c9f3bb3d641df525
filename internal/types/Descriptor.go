/*

This file contains the vault descriptor, the self-description every vault publishes in its
account metadata field so that it can be discovered without an off-ledger index.

*/

package types

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrInvalidDescriptor = errors.New("invalid vault descriptor")
	ErrUnknownStrategy   = errors.New("unknown strategy kind")
)

// StrategyKind is the closed set of yield strategies a vault can run.
type StrategyKind string

const (
	StrategyPool      StrategyKind = "Pool"
	StrategySwapYield StrategyKind = "SwapYield"
	StrategyHold      StrategyKind = "Hold"
)

// Valid reports whether the kind is one of the known variants.
func (k StrategyKind) Valid() bool {
	switch k {
	case StrategyPool, StrategySwapYield, StrategyHold:
		return true
	default:
		return false
	}
}

// VaultDescriptor is immutable once published.
type VaultDescriptor struct {
	Address     string       `json:"address"`
	ShareSymbol string       `json:"share_symbol"`
	Accepted    Asset        `json:"accepted_asset"`
	Strategy    StrategyKind `json:"strategy"`
	Beneficiary string       `json:"beneficiary"`
	Name        string       `json:"name"`
	Description string       `json:"description,omitempty"`
	CreatedAt   time.Time    `json:"created_at"` // second precision, UTC

	// Strategy parameters
	PoolRef    string `json:"pool_ref,omitempty"`    // Pool only
	YieldAsset Asset  `json:"yield_asset,omitempty"` // SwapYield only
}

// ShareAsset is the vault's share token, issued by the vault account itself.
func (d VaultDescriptor) ShareAsset() Asset {
	return Asset{Currency: d.ShareSymbol, Issuer: d.Address}
}

// Validate checks required fields, per-strategy parameters and that
// CreatedAt survives the metadata record unchanged.
func (d VaultDescriptor) Validate() error {
	required := []struct {
		name  string
		value string
	}{
		{"address", d.Address},
		{"share symbol", d.ShareSymbol},
		{"accepted asset symbol", d.Accepted.Currency},
		{"accepted asset issuer", d.Accepted.Issuer},
		{"beneficiary", d.Beneficiary},
		{"name", d.Name},
	}
	for _, field := range required {
		if field.value == "" {
			return fmt.Errorf("%w: %s is required", ErrInvalidDescriptor, field.name)
		}
	}

	switch d.Strategy {
	case StrategyPool:
		if d.PoolRef == "" {
			return fmt.Errorf("%w: pool strategy requires a pool reference", ErrInvalidDescriptor)
		}
	case StrategySwapYield:
		if d.YieldAsset.Currency == "" || d.YieldAsset.Issuer == "" {
			return fmt.Errorf("%w: swap-yield strategy requires a yield asset symbol and issuer", ErrInvalidDescriptor)
		}
	case StrategyHold:
	default:
		return errors.Join(ErrInvalidDescriptor, fmt.Errorf("%w: %q", ErrUnknownStrategy, d.Strategy))
	}

	// Parameters of another kind would be dropped by the metadata record.
	if d.Strategy != StrategyPool && d.PoolRef != "" {
		return fmt.Errorf("%w: pool reference is only valid for the pool strategy", ErrInvalidDescriptor)
	}
	if d.Strategy != StrategySwapYield && !d.YieldAsset.IsZero() {
		return fmt.Errorf("%w: yield asset is only valid for the swap-yield strategy", ErrInvalidDescriptor)
	}

	if d.CreatedAt.Location() != time.UTC || d.CreatedAt.Nanosecond() != 0 {
		return fmt.Errorf("%w: creation time must be whole seconds in UTC, got %s", ErrInvalidDescriptor, d.CreatedAt.Format(time.RFC3339Nano))
	}

	if d.ShareSymbol == d.Accepted.Currency {
		return fmt.Errorf("%w: share symbol must differ from the accepted asset symbol", ErrInvalidDescriptor)
	}
	return nil
}
