package ledger

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/elys-network/vaultd/internal/types"
	"github.com/elys-network/vaultd/internal/utils"
)

// EncodeCurrency converts a symbol to its ledger currency code. Three-character
// symbols are used as-is; longer symbols become a 160-bit hex code.
func EncodeCurrency(symbol string) (string, error) {
	switch {
	case symbol == "":
		return "", fmt.Errorf("empty currency symbol")
	case symbol == types.NativeCurrency:
		return symbol, nil
	case len(symbol) == 3:
		return symbol, nil
	case len(symbol) == 40 && isHex(symbol):
		return strings.ToUpper(symbol), nil
	case len(symbol) > 20:
		return "", fmt.Errorf("currency symbol %q longer than 20 bytes", symbol)
	}
	code := make([]byte, 20)
	copy(code, symbol)
	return strings.ToUpper(hex.EncodeToString(code)), nil
}

// DecodeCurrency converts a ledger currency code back to the symbol it was
// built from. Codes that do not hold printable text are returned unchanged.
func DecodeCurrency(code string) string {
	if len(code) != 40 || !isHex(code) {
		return code
	}
	raw, err := hex.DecodeString(code)
	if err != nil || raw[0] == 0x00 {
		return code
	}
	raw = bytes.TrimRight(raw, "\x00")
	for _, b := range raw {
		if b < 0x20 || b > 0x7e {
			return code
		}
	}
	return string(raw)
}

func isHex(s string) bool {
	_, err := hex.DecodeString(s)
	return err == nil
}

type wireIssued struct {
	Currency string `json:"currency"`
	Issuer   string `json:"issuer,omitempty"`
	Value    string `json:"value"`
}

type wireAsset struct {
	Currency string `json:"currency"`
	Issuer   string `json:"issuer,omitempty"`
}

// amountToWire renders an amount as the ledger expects it: a drops string for
// the native asset, an object for issued assets.
func amountToWire(a types.Amount) (any, error) {
	if a.IsNative() {
		return utils.NativeToDrops(a.Value)
	}
	code, err := EncodeCurrency(a.Currency)
	if err != nil {
		return nil, err
	}
	return wireIssued{Currency: code, Issuer: a.Issuer, Value: utils.FormatAmount(a.Value)}, nil
}

func assetToWire(a types.Asset) (wireAsset, error) {
	if a.IsNative() {
		return wireAsset{Currency: types.NativeCurrency}, nil
	}
	code, err := EncodeCurrency(a.Currency)
	if err != nil {
		return wireAsset{}, err
	}
	return wireAsset{Currency: code, Issuer: a.Issuer}, nil
}

// amountFromWire parses either amount representation.
func amountFromWire(raw json.RawMessage) (*types.Amount, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}

	if raw[0] == '"' {
		var drops string
		if err := json.Unmarshal(raw, &drops); err != nil {
			return nil, err
		}
		if drops == "unavailable" {
			return nil, nil
		}
		value, err := utils.DropsToNative(drops)
		if err != nil {
			return nil, err
		}
		amount := types.NewAmount(types.Asset{Currency: types.NativeCurrency}, value)
		return &amount, nil
	}

	var issued wireIssued
	if err := json.Unmarshal(raw, &issued); err != nil {
		return nil, err
	}
	value, err := utils.ParseAmount(issued.Value)
	if err != nil {
		return nil, err
	}
	amount := types.NewAmount(types.Asset{Currency: DecodeCurrency(issued.Currency), Issuer: issued.Issuer}, value)
	return &amount, nil
}

// txToWire converts a Transaction into its ledger JSON form.
func txToWire(tx Transaction) (map[string]any, error) {
	out := map[string]any{
		"TransactionType": string(tx.Type),
		"Account":         tx.Account,
	}
	if tx.Destination != "" {
		out["Destination"] = tx.Destination
	}
	if tx.Flags != 0 {
		out["Flags"] = tx.Flags
	}
	if tx.LastLedgerSequence != 0 {
		out["LastLedgerSequence"] = tx.LastLedgerSequence
	}
	if tx.Domain != "" {
		out["Domain"] = tx.Domain
	}

	amounts := []struct {
		field  string
		amount *types.Amount
	}{
		{"Amount", tx.Amount},
		{"SendMax", tx.SendMax},
		{"DeliverMin", tx.DeliverMin},
		{"LimitAmount", tx.LimitAmount},
	}
	for _, a := range amounts {
		if a.amount == nil {
			continue
		}
		amount := *a.amount
		// Clawback names the holder where the issuer would normally go.
		if tx.Type == TxClawback && a.field == "Amount" {
			amount.Issuer = tx.Holder
		}
		wire, err := amountToWire(amount)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", a.field, err)
		}
		out[a.field] = wire
	}

	assets := []struct {
		field string
		asset *types.Asset
	}{
		{"Asset", tx.Asset},
		{"Asset2", tx.Asset2},
	}
	for _, a := range assets {
		if a.asset == nil {
			continue
		}
		wire, err := assetToWire(*a.asset)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", a.field, err)
		}
		out[a.field] = wire
	}

	return out, nil
}

// wireTx is the subset of a transaction the client reads back.
type wireTx struct {
	Hash            string          `json:"hash"`
	TransactionType string          `json:"TransactionType"`
	Account         string          `json:"Account"`
	Destination     string          `json:"Destination"`
	Amount          json.RawMessage `json:"Amount"`
	LedgerIndex     uint32          `json:"ledger_index"`
	InLedger        uint32          `json:"inLedger"`
}

type wireMeta struct {
	TransactionResult string          `json:"TransactionResult"`
	DeliveredAmount   json.RawMessage `json:"delivered_amount"`
	DeliveredAmountV1 json.RawMessage `json:"DeliveredAmount"`
}

func (m wireMeta) delivered() (*types.Amount, error) {
	if len(m.DeliveredAmount) > 0 {
		return amountFromWire(m.DeliveredAmount)
	}
	return amountFromWire(m.DeliveredAmountV1)
}

// eventFromWire builds an AccountEvent from a transaction and its metadata.
func eventFromWire(tx wireTx, meta wireMeta, ledgerIndex uint32, validated bool, hash string) (AccountEvent, error) {
	if hash == "" {
		hash = tx.Hash
	}
	if ledgerIndex == 0 {
		ledgerIndex = tx.LedgerIndex
	}
	if ledgerIndex == 0 {
		ledgerIndex = tx.InLedger
	}

	event := AccountEvent{
		Hash:        hash,
		LedgerIndex: ledgerIndex,
		Validated:   validated,
		Result:      meta.TransactionResult,
		Type:        TxType(tx.TransactionType),
		Account:     tx.Account,
		Destination: tx.Destination,
	}
	delivered, err := meta.delivered()
	if err != nil {
		return AccountEvent{}, fmt.Errorf("delivered amount for %s: %w", hash, err)
	}
	event.Delivered = delivered
	return event, nil
}
