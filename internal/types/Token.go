/*

This file contains the asset and amount types shared by every component that moves value on the ledger.

*/

package types

import (
	"fmt"

	sdkmath "cosmossdk.io/math"
)

// NativeCurrency is the currency code of the ledger's native asset.
const NativeCurrency = "XRP"

// Asset identifies a ledger asset by currency code and issuer. The native asset has no issuer.
type Asset struct {
	Currency string `json:"currency"`         // e.g., "USD" or a longer symbol such as "VAULTSHR"
	Issuer   string `json:"issuer,omitempty"` // e.g., "rIssuer..." (empty for the native asset)
}

// IsNative reports whether the asset is the ledger's native asset.
func (a Asset) IsNative() bool {
	return a.Currency == NativeCurrency && a.Issuer == ""
}

// IsZero reports whether the asset is unset.
func (a Asset) IsZero() bool {
	return a.Currency == "" && a.Issuer == ""
}

// Equal compares currency and issuer.
func (a Asset) Equal(other Asset) bool {
	return a.Currency == other.Currency && a.Issuer == other.Issuer
}

func (a Asset) String() string {
	if a.Issuer == "" {
		return a.Currency
	}
	return fmt.Sprintf("%s/%s", a.Currency, a.Issuer)
}

// Amount is a quantity of a given asset.
type Amount struct {
	Asset
	Value sdkmath.LegacyDec `json:"value"`
}

// NewAmount builds an Amount for the asset.
func NewAmount(asset Asset, value sdkmath.LegacyDec) Amount {
	return Amount{Asset: asset, Value: value}
}

func (a Amount) String() string {
	if a.Value.IsNil() {
		return fmt.Sprintf("<nil> %s", a.Asset)
	}
	return fmt.Sprintf("%s %s", a.Value.String(), a.Asset)
}
