/*

This is a custom type for liquidity pools which contains the state needed for valuing a pool position.

*/

package types

import (
	sdkmath "cosmossdk.io/math"
)

type PoolState struct {
	Account    string            `json:"account"`     // The pool's own ledger account (the pool reference)
	Asset      Asset             `json:"asset"`       // First side of the pool
	Asset2     Asset             `json:"asset2"`      // Second side of the pool
	Reserve    sdkmath.LegacyDec `json:"reserve"`     // Amount of Asset held by the pool
	Reserve2   sdkmath.LegacyDec `json:"reserve2"`    // Amount of Asset2 held by the pool
	LPToken    Asset             `json:"lp_token"`    // Pool share token issued by the pool account
	LPSupply   sdkmath.LegacyDec `json:"lp_supply"`   // Total pool shares outstanding
	TradingFee uint32            `json:"trading_fee"` // In units of 1/100,000
}

// ReserveOf returns the reserve held for the given side of the pool.
func (p PoolState) ReserveOf(asset Asset) (sdkmath.LegacyDec, bool) {
	switch {
	case p.Asset.Equal(asset):
		return p.Reserve, true
	case p.Asset2.Equal(asset):
		return p.Reserve2, true
	default:
		return sdkmath.LegacyDec{}, false
	}
}

// OtherSide returns the pool asset that is not the given one.
func (p PoolState) OtherSide(asset Asset) Asset {
	if p.Asset.Equal(asset) {
		return p.Asset2
	}
	return p.Asset
}
