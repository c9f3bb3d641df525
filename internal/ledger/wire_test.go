package ledger

import (
	"encoding/json"
	"testing"

	sdkmath "cosmossdk.io/math"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elys-network/vaultd/internal/types"
)

func TestCurrencyCodes(t *testing.T) {
	code, err := EncodeCurrency("USD")
	require.NoError(t, err)
	assert.Equal(t, "USD", code)

	code, err = EncodeCurrency("VAULTSHR")
	require.NoError(t, err)
	assert.Len(t, code, 40)
	assert.Equal(t, "VAULTSHR", DecodeCurrency(code))

	_, err = EncodeCurrency("")
	assert.Error(t, err)
	_, err = EncodeCurrency("THIS_SYMBOL_IS_FAR_TOO_LONG")
	assert.Error(t, err)

	// Pool share codes are binary and stay as hex.
	lp := "03930D02208264E2E40EC1B0C09E4DB96EE197B1"
	assert.Equal(t, lp, DecodeCurrency(lp))
}

func TestTxToWire_Clawback(t *testing.T) {
	shares := types.NewAmount(types.Asset{Currency: "VSH", Issuer: "rVault"}, sdkmath.LegacyNewDec(5))
	wire, err := txToWire(Transaction{Type: TxClawback, Account: "rVault", Amount: &shares, Holder: "rUser"})
	require.NoError(t, err)

	amount := wire["Amount"].(wireIssued)
	assert.Equal(t, "rUser", amount.Issuer)
	assert.Equal(t, "5", amount.Value)
	assert.Equal(t, "rVault", shares.Issuer, "input amount must not be mutated")
}

func TestTxToWire_AMMDeposit(t *testing.T) {
	usd := types.Asset{Currency: "USD", Issuer: "rIssuer"}
	native := types.Asset{Currency: types.NativeCurrency}
	amount := types.NewAmount(usd, sdkmath.LegacyMustNewDecFromStr("12.5"))

	wire, err := txToWire(Transaction{
		Type: TxAMMDeposit, Account: "rVault", Amount: &amount,
		Asset: &usd, Asset2: &native, Flags: TfSingleAsset,
	})
	require.NoError(t, err)

	raw, err := json.Marshal(wire)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"TransactionType": "AMMDeposit",
		"Account": "rVault",
		"Flags": 524288,
		"Amount": {"currency": "USD", "issuer": "rIssuer", "value": "12.5"},
		"Asset": {"currency": "USD", "issuer": "rIssuer"},
		"Asset2": {"currency": "XRP"}
	}`, string(raw))
}

func TestAmountFromWire(t *testing.T) {
	native, err := amountFromWire(json.RawMessage(`"1500000"`))
	require.NoError(t, err)
	assert.True(t, native.IsNative())
	assert.True(t, sdkmath.LegacyMustNewDecFromStr("1.5").Equal(native.Value))

	issued, err := amountFromWire(json.RawMessage(`{"currency":"USD","issuer":"rI","value":"1e-2"}`))
	require.NoError(t, err)
	assert.True(t, sdkmath.LegacyMustNewDecFromStr("0.01").Equal(issued.Value))

	missing, err := amountFromWire(nil)
	require.NoError(t, err)
	assert.Nil(t, missing)

	unavailable, err := amountFromWire(json.RawMessage(`"unavailable"`))
	require.NoError(t, err)
	assert.Nil(t, unavailable)
}

func TestClassify(t *testing.T) {
	assert.Equal(t, ClassSuccess, Classify("tesSUCCESS"))
	assert.Equal(t, ClassClaimed, Classify("tecPATH_DRY"))
	assert.Equal(t, ClassMalformed, Classify("temBAD_FEE"))
	assert.Equal(t, ClassFailure, Classify("tefPAST_SEQ"))
	assert.Equal(t, ClassLocal, Classify("telINSUF_FEE_P"))
	assert.Equal(t, ClassRetry, Classify("terQUEUED"))
	assert.Equal(t, ClassUnknown, Classify("weird"))

	assert.True(t, NewRejected("h", "tefPAST_SEQ", 1).Retryable())
	assert.False(t, NewRejected("h", "tefBAD_AUTH", 1).Retryable())
	assert.True(t, NewRejected("h", "telINSUF_FEE_P", 1).Retryable())
	assert.False(t, NewRejected("h", "tecUNFUNDED_PAYMENT", 1).Retryable())
	assert.True(t, NewRejected("h", "tecUNFUNDED_PAYMENT", 1).Applied())
	assert.False(t, NewIndeterminate("h", "", 1, nil).Retryable())
}
