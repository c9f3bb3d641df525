// Package metadata converts vault descriptors to and from the compact record
// stored in a vault account's metadata field.
package metadata

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/elys-network/vaultd/internal/types"
)

// FormatVersion is written under the "v" key of every record.
const FormatVersion = 1

// Kind discriminators. One character each to save space in the field.
const (
	kindPool      = "P"
	kindSwapYield = "S"
	kindHold      = "H"
)

// compactDescriptor is the wire projection of a VaultDescriptor. Keys are kept
// to one or two characters and optional fields are omitted when empty.
type compactDescriptor struct {
	Version     uint64 `cbor:"v"`
	Address     string `cbor:"a"`
	ShareSymbol string `cbor:"s"`
	Currency    string `cbor:"c"`
	Issuer      string `cbor:"i"`
	Kind        string `cbor:"k"`
	Beneficiary string `cbor:"b"`
	Name        string `cbor:"n"`
	Description string `cbor:"d,omitempty"`
	CreatedAt   int64  `cbor:"t"`
	PoolRef     string `cbor:"p,omitempty"`
	YieldSymbol string `cbor:"ya,omitempty"`
	YieldIssuer string `cbor:"yi,omitempty"`
}

// encMode uses Core Deterministic Encoding so the same descriptor always
// produces identical bytes.
var encMode cbor.EncMode

// decMode rejects anything a well-behaved encoder would not produce.
var decMode cbor.DecMode

func init() {
	var err error

	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("metadata: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		DupMapKey:         cbor.DupMapKeyEnforcedAPF,
		IndefLength:       cbor.IndefLengthForbidden,
		TagsMd:            cbor.TagsForbidden,
		ExtraReturnErrors: cbor.ExtraDecErrorUnknownField,
		MaxMapPairs:       32,
		MaxNestedLevels:   4,
	}.DecMode()
	if err != nil {
		panic("metadata: CBOR decoder initialization failed: " + err.Error())
	}
}

// Encode projects a descriptor into its compact binary record. Size limits are
// not enforced here.
func Encode(d types.VaultDescriptor) ([]byte, error) {
	if err := d.Validate(); err != nil {
		return nil, errors.Join(ErrEncode, err)
	}
	if d.CreatedAt.IsZero() {
		return nil, fmt.Errorf("%w: creation timestamp is required", ErrEncode)
	}

	kind, err := kindToWire(d.Strategy)
	if err != nil {
		return nil, errors.Join(ErrEncode, err)
	}

	compact := compactDescriptor{
		Version:     FormatVersion,
		Address:     d.Address,
		ShareSymbol: d.ShareSymbol,
		Currency:    d.Accepted.Currency,
		Issuer:      d.Accepted.Issuer,
		Kind:        kind,
		Beneficiary: d.Beneficiary,
		Name:        d.Name,
		Description: d.Description,
		CreatedAt:   d.CreatedAt.Unix(),
	}
	switch d.Strategy {
	case types.StrategyPool:
		compact.PoolRef = d.PoolRef
	case types.StrategySwapYield:
		compact.YieldSymbol = d.YieldAsset.Currency
		compact.YieldIssuer = d.YieldAsset.Issuer
	}

	data, err := encMode.Marshal(compact)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEncode, err)
	}
	return data, nil
}

// Decode parses a compact record. Any malformed input, missing required field,
// unknown discriminator or unsupported version yields a *DecodeError and no descriptor.
func Decode(data []byte) (types.VaultDescriptor, error) {
	if len(data) == 0 {
		return types.VaultDescriptor{}, decodeErr("empty record", nil)
	}

	var compact compactDescriptor
	if err := decMode.Unmarshal(data, &compact); err != nil {
		return types.VaultDescriptor{}, decodeErr("malformed record", err)
	}

	if compact.Version != FormatVersion {
		return types.VaultDescriptor{}, decodeErr(fmt.Sprintf("unsupported format version %d", compact.Version), nil)
	}

	kind, err := kindFromWire(compact.Kind)
	if err != nil {
		return types.VaultDescriptor{}, decodeErr("invalid strategy discriminator", err)
	}

	if compact.CreatedAt <= 0 {
		return types.VaultDescriptor{}, decodeErr("missing creation timestamp", nil)
	}

	// Parameters that do not belong to the declared kind are rejected rather than dropped.
	if kind != types.StrategyPool && compact.PoolRef != "" {
		return types.VaultDescriptor{}, decodeErr("pool reference present for non-pool strategy", nil)
	}
	if kind != types.StrategySwapYield && (compact.YieldSymbol != "" || compact.YieldIssuer != "") {
		return types.VaultDescriptor{}, decodeErr("yield asset present for non-swap strategy", nil)
	}

	d := types.VaultDescriptor{
		Address:     compact.Address,
		ShareSymbol: compact.ShareSymbol,
		Accepted:    types.Asset{Currency: compact.Currency, Issuer: compact.Issuer},
		Strategy:    kind,
		Beneficiary: compact.Beneficiary,
		Name:        compact.Name,
		Description: compact.Description,
		CreatedAt:   time.Unix(compact.CreatedAt, 0).UTC(),
		PoolRef:     compact.PoolRef,
		YieldAsset:  types.Asset{Currency: compact.YieldSymbol, Issuer: compact.YieldIssuer},
	}
	if err := d.Validate(); err != nil {
		return types.VaultDescriptor{}, decodeErr("missing or invalid field", err)
	}

	// Only canonical records are accepted, so a decoded record always re-encodes to the same bytes.
	canonical, err := encMode.Marshal(compact)
	if err != nil || !bytes.Equal(canonical, data) {
		return types.VaultDescriptor{}, decodeErr("non-canonical encoding", err)
	}

	return d, nil
}

// EncodeHex encodes a descriptor to the upper-case hex form the ledger stores in its metadata field.
func EncodeHex(d types.VaultDescriptor) (string, error) {
	data, err := Encode(d)
	if err != nil {
		return "", err
	}
	return strings.ToUpper(hex.EncodeToString(data)), nil
}

// DecodeHex decodes a hex metadata field value.
func DecodeHex(field string) (types.VaultDescriptor, error) {
	data, err := hex.DecodeString(field)
	if err != nil {
		return types.VaultDescriptor{}, decodeErr("metadata field is not hex", err)
	}
	return Decode(data)
}

func kindToWire(kind types.StrategyKind) (string, error) {
	switch kind {
	case types.StrategyPool:
		return kindPool, nil
	case types.StrategySwapYield:
		return kindSwapYield, nil
	case types.StrategyHold:
		return kindHold, nil
	default:
		return "", fmt.Errorf("%w: %q", types.ErrUnknownStrategy, kind)
	}
}

func kindFromWire(kind string) (types.StrategyKind, error) {
	switch kind {
	case kindPool:
		return types.StrategyPool, nil
	case kindSwapYield:
		return types.StrategySwapYield, nil
	case kindHold:
		return types.StrategyHold, nil
	default:
		return "", fmt.Errorf("%w: %q", types.ErrUnknownStrategy, kind)
	}
}
