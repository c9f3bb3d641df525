package metadata

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elys-network/vaultd/internal/types"
)

const (
	testVault       = "rVaultxxxxxxxxxxxxxxxxxxxxxxxxxxxx"
	testIssuer      = "rIssuerxxxxxxxxxxxxxxxxxxxxxxxxxxx"
	testBeneficiary = "rBenefxxxxxxxxxxxxxxxxxxxxxxxxxxxx"
	testPool        = "rPoolxxxxxxxxxxxxxxxxxxxxxxxxxxxxx"
)

func descriptor(kind types.StrategyKind) types.VaultDescriptor {
	d := types.VaultDescriptor{
		Address:     testVault,
		ShareSymbol: "VSH",
		Accepted:    types.Asset{Currency: "USD", Issuer: testIssuer},
		Strategy:    kind,
		Beneficiary: testBeneficiary,
		Name:        "Stable yield",
		Description: "USD into the USD/XRP pool",
		CreatedAt:   time.Date(2026, 3, 1, 12, 30, 45, 0, time.UTC),
	}
	switch kind {
	case types.StrategyPool:
		d.PoolRef = testPool
	case types.StrategySwapYield:
		d.YieldAsset = types.Asset{Currency: "EUR", Issuer: testIssuer}
	}
	return d
}

func TestRoundTrip_AllKinds(t *testing.T) {
	for _, kind := range []types.StrategyKind{types.StrategyPool, types.StrategySwapYield, types.StrategyHold} {
		t.Run(string(kind), func(t *testing.T) {
			d := descriptor(kind)

			encoded, err := Encode(d)
			require.NoError(t, err)

			decoded, err := Decode(encoded)
			require.NoError(t, err)
			assert.Equal(t, d, decoded)

			reencoded, err := Encode(decoded)
			require.NoError(t, err)
			assert.Equal(t, encoded, reencoded)
		})
	}
}

func TestEncode_Deterministic(t *testing.T) {
	d := descriptor(types.StrategyPool)
	first, err := Encode(d)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, err := Encode(d)
		require.NoError(t, err)
		require.Equal(t, first, again)
	}
}

func TestEncode_FitsMetadataField(t *testing.T) {
	encoded, err := Encode(descriptor(types.StrategyPool))
	require.NoError(t, err)
	assert.LessOrEqual(t, len(encoded), 256)
}

func TestEncode_OmitsEmptyOptionalFields(t *testing.T) {
	d := descriptor(types.StrategyHold)
	d.Description = ""
	withoutDescription, err := Encode(d)
	require.NoError(t, err)

	withDescription, err := Encode(descriptor(types.StrategyHold))
	require.NoError(t, err)
	assert.Less(t, len(withoutDescription), len(withDescription))

	decoded, err := Decode(withoutDescription)
	require.NoError(t, err)
	assert.Empty(t, decoded.Description)
	assert.Empty(t, decoded.PoolRef)
	assert.True(t, decoded.YieldAsset.IsZero())
}

func TestEncode_RejectsInvalidDescriptor(t *testing.T) {
	d := descriptor(types.StrategyPool)
	d.PoolRef = ""
	_, err := Encode(d)
	require.ErrorIs(t, err, ErrEncode)
	require.ErrorIs(t, err, types.ErrInvalidDescriptor)

	d = descriptor(types.StrategyHold)
	d.CreatedAt = time.Time{}
	_, err = Encode(d)
	require.ErrorIs(t, err, ErrEncode)

	d = descriptor(types.StrategyHold)
	d.Strategy = "Lending"
	_, err = Encode(d)
	require.ErrorIs(t, err, types.ErrUnknownStrategy)
}

func validRecord() map[string]any {
	return map[string]any{
		"v": FormatVersion,
		"a": testVault,
		"s": "VSH",
		"c": "USD",
		"i": testIssuer,
		"k": "H",
		"b": testBeneficiary,
		"n": "Hold vault",
		"t": int64(1772368245),
	}
}

func marshalRecord(t *testing.T, record map[string]any) []byte {
	t.Helper()
	data, err := encMode.Marshal(record)
	require.NoError(t, err)
	return data
}

func TestEncode_RejectsWhatCannotRoundTrip(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(d *types.VaultDescriptor)
	}{
		{"pool reference on hold", func(d *types.VaultDescriptor) { d.PoolRef = testPool }},
		{"yield asset on pool", func(d *types.VaultDescriptor) {
			d.Strategy = types.StrategyPool
			d.PoolRef = testPool
			d.YieldAsset = types.Asset{Currency: "EUR", Issuer: testIssuer}
		}},
		{"pool reference on swap-yield", func(d *types.VaultDescriptor) {
			d.Strategy = types.StrategySwapYield
			d.YieldAsset = types.Asset{Currency: "EUR", Issuer: testIssuer}
			d.PoolRef = testPool
		}},
		{"sub-second creation time", func(d *types.VaultDescriptor) {
			d.CreatedAt = d.CreatedAt.Add(250 * time.Millisecond)
		}},
		{"non-UTC creation time", func(d *types.VaultDescriptor) {
			d.CreatedAt = d.CreatedAt.In(time.FixedZone("UTC+2", 2*60*60))
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := descriptor(types.StrategyHold)
			tc.mutate(&d)
			_, err := Encode(d)
			require.ErrorIs(t, err, ErrEncode)
			require.ErrorIs(t, err, types.ErrInvalidDescriptor)
		})
	}
}

func TestDecode_AcceptsHandBuiltCanonicalRecord(t *testing.T) {
	d, err := Decode(marshalRecord(t, validRecord()))
	require.NoError(t, err)
	assert.Equal(t, types.StrategyHold, d.Strategy)
	assert.Equal(t, time.Unix(1772368245, 0).UTC(), d.CreatedAt)
}

func TestDecode_FailsClosed(t *testing.T) {
	valid := marshalRecord(t, validRecord())

	mutate := func(fn func(map[string]any)) []byte {
		record := validRecord()
		fn(record)
		return marshalRecord(t, record)
	}

	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"garbage", []byte("definitely not cbor")},
		{"truncated", valid[:len(valid)-3]},
		{"trailing bytes", append(append([]byte{}, valid...), 0x00)},
		{"not a map", marshalRecord(t, map[string]any{"v": []int{1, 2}})[1:]},
		{"missing name", mutate(func(r map[string]any) { delete(r, "n") })},
		{"missing issuer", mutate(func(r map[string]any) { delete(r, "i") })},
		{"missing timestamp", mutate(func(r map[string]any) { delete(r, "t") })},
		{"unknown discriminator", mutate(func(r map[string]any) { r["k"] = "X" })},
		{"unsupported version", mutate(func(r map[string]any) { r["v"] = 2 })},
		{"missing version", mutate(func(r map[string]any) { delete(r, "v") })},
		{"unknown key", mutate(func(r map[string]any) { r["zz"] = "extra" })},
		{"wrong value type", mutate(func(r map[string]any) { r["n"] = 42 })},
		{"pool without reference", mutate(func(r map[string]any) { r["k"] = "P" })},
		{"swap without yield asset", mutate(func(r map[string]any) { r["k"] = "S" })},
		{"stray pool reference", mutate(func(r map[string]any) { r["p"] = testPool })},
		{"explicit empty optional", mutate(func(r map[string]any) { r["d"] = "" })},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := Decode(tt.data)
			require.Error(t, err)
			require.ErrorIs(t, err, ErrDecode)

			var decodeErr *DecodeError
			require.ErrorAs(t, err, &decodeErr)
			assert.NotEmpty(t, decodeErr.Reason)
			assert.Equal(t, types.VaultDescriptor{}, d)
		})
	}
}

func TestHexRoundTrip(t *testing.T) {
	d := descriptor(types.StrategySwapYield)
	field, err := EncodeHex(d)
	require.NoError(t, err)
	assert.Equal(t, strings.ToUpper(field), field)

	decoded, err := DecodeHex(field)
	require.NoError(t, err)
	assert.Equal(t, d, decoded)

	decoded, err = DecodeHex(strings.ToLower(field))
	require.NoError(t, err)
	assert.Equal(t, d, decoded)

	_, err = DecodeHex("ZZ")
	require.ErrorIs(t, err, ErrDecode)
}
