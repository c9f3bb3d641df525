/*
This file contains common utility functions for converting between ledger amount strings and
decimals, and for quantizing amounts to the precision the ledger accepts.
*/

package utils

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	sdkmath "cosmossdk.io/math"
)

// Error definitions for zero-tolerance error handling
var (
	ErrInvalidPrecision = errors.New("precision is invalid")
	ErrAmountNil        = errors.New("amount is nil")
	ErrAmountNegative   = errors.New("amount is negative")
	ErrConversionFailed = errors.New("conversion failed")
)

// MaxPrecision is the number of decimal places a LegacyDec carries.
const MaxPrecision = 18

// PowerOfTen returns 10^exp as an SDK Int.
func PowerOfTen(exp uint32) sdkmath.Int {
	return sdkmath.NewIntWithDecimal(1, int(exp))
}

// Quantize truncates an amount toward zero to the given number of decimal places.
func Quantize(amount sdkmath.LegacyDec, precision uint32) (sdkmath.LegacyDec, error) {
	if precision > MaxPrecision {
		return sdkmath.LegacyDec{}, fmt.Errorf("%w: %d (must be between 0 and %d)", ErrInvalidPrecision, precision, MaxPrecision)
	}
	if amount.IsNil() {
		return sdkmath.LegacyDec{}, ErrAmountNil
	}
	if precision == MaxPrecision {
		return amount, nil
	}
	scale := PowerOfTen(precision)
	return amount.MulInt(scale).TruncateDec().QuoInt(scale), nil
}

// ParseAmount converts a ledger value string into a decimal. Plain decimals and
// scientific notation ("1.5e-3") are both accepted.
func ParseAmount(value string) (sdkmath.LegacyDec, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return sdkmath.LegacyDec{}, fmt.Errorf("%w: empty amount", ErrConversionFailed)
	}

	mantissa, exponent := value, int64(0)
	if idx := strings.IndexAny(value, "eE"); idx >= 0 {
		mantissa = value[:idx]
		exp, err := strconv.ParseInt(value[idx+1:], 10, 32)
		if err != nil {
			return sdkmath.LegacyDec{}, fmt.Errorf("%w: invalid exponent in %q: %w", ErrConversionFailed, value, err)
		}
		exponent = exp
	}
	if exponent > MaxPrecision*2 || exponent < -MaxPrecision*2 {
		return sdkmath.LegacyDec{}, fmt.Errorf("%w: exponent out of range in %q", ErrConversionFailed, value)
	}

	dec, err := sdkmath.LegacyNewDecFromStr(mantissa)
	if err != nil {
		return sdkmath.LegacyDec{}, fmt.Errorf("%w: failed to create decimal from %q: %w", ErrConversionFailed, value, err)
	}

	switch {
	case exponent > 0:
		dec = dec.MulInt(PowerOfTen(uint32(exponent)))
	case exponent < 0:
		dec = dec.QuoInt(PowerOfTen(uint32(-exponent)))
	}
	return dec, nil
}

// FormatAmount renders a decimal the way the ledger expects it: no exponent and
// no trailing zeros.
func FormatAmount(amount sdkmath.LegacyDec) string {
	if amount.IsNil() {
		return "0"
	}
	s := amount.String()
	if strings.Contains(s, ".") {
		s = strings.TrimRight(s, "0")
		s = strings.TrimSuffix(s, ".")
	}
	if s == "" || s == "-" || s == "-0" {
		return "0"
	}
	return s
}

// ParseNonNegative parses an amount and rejects negative values.
func ParseNonNegative(value string) (sdkmath.LegacyDec, error) {
	dec, err := ParseAmount(value)
	if err != nil {
		return sdkmath.LegacyDec{}, err
	}
	if dec.IsNegative() {
		return sdkmath.LegacyDec{}, fmt.Errorf("%w: %s", ErrAmountNegative, value)
	}
	return dec, nil
}

// DropsToNative converts an integer drops string into native units (6 decimal places).
func DropsToNative(drops string) (sdkmath.LegacyDec, error) {
	i, ok := sdkmath.NewIntFromString(strings.TrimSpace(drops))
	if !ok {
		return sdkmath.LegacyDec{}, fmt.Errorf("%w: invalid drops amount %q", ErrConversionFailed, drops)
	}
	return sdkmath.LegacyNewDecFromInt(i).QuoInt(PowerOfTen(6)), nil
}

// NativeToDrops converts native units to an integer drops string, truncating below one drop.
func NativeToDrops(amount sdkmath.LegacyDec) (string, error) {
	if amount.IsNil() {
		return "", ErrAmountNil
	}
	if amount.IsNegative() {
		return "", ErrAmountNegative
	}
	return amount.MulInt(PowerOfTen(6)).TruncateInt().String(), nil
}

// MinDec returns the smaller of two decimals.
func MinDec(a, b sdkmath.LegacyDec) sdkmath.LegacyDec {
	if a.LT(b) {
		return a
	}
	return b
}
