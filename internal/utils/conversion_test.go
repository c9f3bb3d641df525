package utils

import (
	"testing"

	sdkmath "cosmossdk.io/math"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQuantize_TruncatesTowardZero(t *testing.T) {
	tests := []struct {
		in        string
		precision uint32
		want      string
	}{
		{"1.23456789", 6, "1.234567"},
		{"1.9999999", 2, "1.99"},
		{"100", 0, "100"},
		{"0.0000009", 6, "0"},
		{"-1.239", 2, "-1.23"},
	}

	for _, tt := range tests {
		got, err := Quantize(sdkmath.LegacyMustNewDecFromStr(tt.in), tt.precision)
		require.NoError(t, err)
		assert.True(t, sdkmath.LegacyMustNewDecFromStr(tt.want).Equal(got), "Quantize(%s, %d) = %s", tt.in, tt.precision, got)
	}
}

func TestQuantize_RejectsInvalidPrecision(t *testing.T) {
	_, err := Quantize(sdkmath.LegacyOneDec(), 19)
	require.ErrorIs(t, err, ErrInvalidPrecision)

	_, err = Quantize(sdkmath.LegacyDec{}, 6)
	require.ErrorIs(t, err, ErrAmountNil)
}

func TestParseAmount(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"50000", "50000"},
		{"0.000001", "0.000001"},
		{"1.5e-3", "0.0015"},
		{"2E3", "2000"},
		{" 7 ", "7"},
	}

	for _, tt := range tests {
		got, err := ParseAmount(tt.in)
		require.NoError(t, err, tt.in)
		assert.True(t, sdkmath.LegacyMustNewDecFromStr(tt.want).Equal(got), "ParseAmount(%q) = %s", tt.in, got)
	}

	for _, bad := range []string{"", "abc", "1e", "1e99"} {
		_, err := ParseAmount(bad)
		assert.ErrorIs(t, err, ErrConversionFailed, bad)
	}
}

func TestParseNonNegative(t *testing.T) {
	_, err := ParseNonNegative("-1")
	require.ErrorIs(t, err, ErrAmountNegative)
}

func TestFormatAmount(t *testing.T) {
	assert.Equal(t, "50000", FormatAmount(sdkmath.LegacyNewDec(50000)))
	assert.Equal(t, "0.5", FormatAmount(sdkmath.LegacyMustNewDecFromStr("0.500000")))
	assert.Equal(t, "0", FormatAmount(sdkmath.LegacyZeroDec()))
	assert.Equal(t, "-1.25", FormatAmount(sdkmath.LegacyMustNewDecFromStr("-1.25")))
	assert.Equal(t, "0", FormatAmount(sdkmath.LegacyDec{}))
}

func TestDropsConversion(t *testing.T) {
	native, err := DropsToNative("1500000")
	require.NoError(t, err)
	assert.True(t, sdkmath.LegacyMustNewDecFromStr("1.5").Equal(native))

	drops, err := NativeToDrops(sdkmath.LegacyMustNewDecFromStr("1.2345678"))
	require.NoError(t, err)
	assert.Equal(t, "1234567", drops)

	_, err = DropsToNative("1.5")
	assert.ErrorIs(t, err, ErrConversionFailed)
}
