package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elys-network/vaultd/internal/ledger"
	"github.com/elys-network/vaultd/internal/ledger/ledgertest"
	"github.com/elys-network/vaultd/internal/metadata"
	"github.com/elys-network/vaultd/internal/state"
	"github.com/elys-network/vaultd/internal/types"
)

const registryAddr = "rRegistry"

type staticCredentials map[string]ledger.Signer

func (c staticCredentials) SignerFor(address string) (ledger.Signer, error) {
	s, ok := c[address]
	if !ok {
		return ledger.Signer{}, fmt.Errorf("no key for %s", address)
	}
	return s, nil
}

type fixture struct {
	ledger   *ledgertest.Ledger
	store    *state.MemoryStore
	registry *Registry
}

func params() types.VaultParameters {
	return types.VaultParameters{
		AmountPrecision:       6,
		MetadataFieldCapacity: 256,
		RegistryTrustLimit:    "1000000000",
		DescriptorCacheMB:     1,
	}
}

func newFixture(t *testing.T, namespace string) *fixture {
	t.Helper()
	l := ledgertest.New()
	store := state.NewMemoryStore()
	submitter := ledger.NewSubmitter(l, store, ledger.SubmitterConfig{
		MaxAttempts:     2,
		PollInterval:    time.Millisecond,
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
	}, nil)
	creds := staticCredentials{
		"rVault":  {Address: "rVault", Secret: "sVault"},
		"rVault2": {Address: "rVault2", Secret: "sVault2"},
	}
	r, err := New(Config{
		Signer:         ledger.Signer{Address: registryAddr, Secret: "sRegistry"},
		ShareNamespace: namespace,
		Params:         params(),
	}, submitter, store, creds, nil)
	require.NoError(t, err)
	t.Cleanup(r.Close)
	return &fixture{ledger: l, store: store, registry: r}
}

func descriptor(address string) types.VaultDescriptor {
	return types.VaultDescriptor{
		Address:     address,
		ShareSymbol: "VLT",
		Accepted:    types.Asset{Currency: "USD", Issuer: "rIssuer"},
		Strategy:    types.StrategyHold,
		Beneficiary: "rBeneficiary",
		Name:        "Treasury",
		CreatedAt:   time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestNew_Validation(t *testing.T) {
	l := ledgertest.New()
	store := state.NewMemoryStore()
	submitter := ledger.NewSubmitter(l, store, ledger.SubmitterConfig{}, nil)

	_, err := New(Config{Params: params()}, submitter, store, nil, nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	bad := params()
	bad.RegistryTrustLimit = "lots"
	_, err = New(Config{Signer: ledger.Signer{Address: registryAddr}, Params: bad}, submitter, store, nil, nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = New(Config{Signer: ledger.Signer{Address: registryAddr}, Params: params()}, nil, store, nil, nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestPublish(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "")
	d := descriptor("rVault")

	require.NoError(t, f.registry.Publish(ctx, "rVault", d))

	stage, err := f.registry.PublishStatus(ctx, "rVault")
	require.NoError(t, err)
	assert.Equal(t, types.PublishActivated, stage)

	// Metadata written, trust line opened, one share sent to the registry.
	raw, err := f.ledger.AccountMetadata(ctx, "rVault")
	require.NoError(t, err)
	got, err := metadata.Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, d, got)
	assert.True(t, f.ledger.Balance(registryAddr, d.ShareAsset()).Equal(sdkmath.LegacyOneDec()))

	submitted := f.ledger.Submitted()
	require.Len(t, submitted, 3)
	assert.Equal(t, ledger.TxAccountSet, submitted[0].Type)
	assert.Equal(t, ledger.TxTrustSet, submitted[1].Type)
	assert.Equal(t, registryAddr, submitted[1].Account)
	assert.Equal(t, ledger.TxPayment, submitted[2].Type)

	// Publishing again is a no-op.
	require.NoError(t, f.registry.Publish(ctx, "rVault", d))
	assert.Len(t, f.ledger.Submitted(), 3)

	changed := d
	changed.Name = "Renamed"
	err = f.registry.Publish(ctx, "rVault", changed)
	assert.ErrorIs(t, err, ErrDescriptorConflict)
	assert.Len(t, f.ledger.Submitted(), 3)
}

func TestPublish_FieldCapacityCheckedFirst(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "")
	d := descriptor("rVault")
	d.Description = strings.Repeat("x", 300)

	err := f.registry.Publish(ctx, "rVault", d)
	assert.ErrorIs(t, err, ErrFieldCapacityExceeded)
	assert.Empty(t, f.ledger.Submitted())

	stage, err := f.registry.PublishStatus(ctx, "rVault")
	require.NoError(t, err)
	assert.Equal(t, types.PublishNone, stage)
}

func TestPublish_RejectsInvalidDescriptor(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "")

	d := descriptor("rVault")
	d.Name = ""
	assert.ErrorIs(t, f.registry.Publish(ctx, "rVault", d), types.ErrInvalidDescriptor)

	assert.ErrorIs(t, f.registry.Publish(ctx, "rOther", descriptor("rVault")), types.ErrInvalidDescriptor)

	err := f.registry.Publish(ctx, "rUnknown", descriptor("rUnknown"))
	assert.ErrorIs(t, err, ErrMissingCredential)
	assert.Empty(t, f.ledger.Submitted())
}

func TestPublish_ResumesFromLastStage(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "")
	d := descriptor("rVault")

	f.ledger.FailNext(ledger.TxTrustSet, "tecNO_PERMISSION", false)
	err := f.registry.Publish(ctx, "rVault", d)
	assert.ErrorIs(t, err, ledger.ErrSubmissionRejected)

	stage, err := f.registry.PublishStatus(ctx, "rVault")
	require.NoError(t, err)
	assert.Equal(t, types.PublishMetadataWritten, stage)

	// Not listed until activated.
	listed, err := f.registry.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, listed.Descriptors)

	require.NoError(t, f.registry.Resume(ctx))
	stage, err = f.registry.PublishStatus(ctx, "rVault")
	require.NoError(t, err)
	assert.Equal(t, types.PublishActivated, stage)
	assert.Equal(t, 1, f.ledger.SubmittedCount(ledger.TxAccountSet), "metadata is written once")

	listed, err = f.registry.List(ctx)
	require.NoError(t, err)
	require.Len(t, listed.Descriptors, 1)
	assert.Equal(t, d, listed.Descriptors[0])
}

func TestResume_ReportsEachFailure(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "")

	encoded, err := metadata.Encode(descriptor("rOrphan"))
	require.NoError(t, err)
	require.NoError(t, f.store.SavePublishProgress(ctx, types.PublishProgress{
		Vault: "rOrphan", Stage: types.PublishMetadataWritten, Encoded: encoded,
	}))
	encoded, err = metadata.Encode(descriptor("rVault2"))
	require.NoError(t, err)
	require.NoError(t, f.store.SavePublishProgress(ctx, types.PublishProgress{
		Vault: "rVault2", Stage: types.PublishNone, Encoded: encoded,
	}))

	err = f.registry.Resume(ctx)
	assert.ErrorIs(t, err, ErrMissingCredential)

	stage, err := f.registry.PublishStatus(ctx, "rVault2")
	require.NoError(t, err)
	assert.Equal(t, types.PublishActivated, stage, "one vault failing does not block the others")
}

func TestList_BestEffort(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "")
	good := descriptor("rVault")
	require.NoError(t, f.registry.Publish(ctx, "rVault", good))

	// Activated but no metadata.
	f.ledger.AddTrustLine(registryAddr, types.Asset{Currency: "VLT", Issuer: "rMissing"}, sdkmath.LegacyOneDec())
	// Activated with undecodable metadata.
	f.ledger.AddTrustLine(registryAddr, types.Asset{Currency: "VLT", Issuer: "rGarbage"}, sdkmath.LegacyOneDec())
	f.ledger.SetDomain("rGarbage", []byte{0xff, 0x00, 0x13})
	// Trust line opened but never activated: skipped silently.
	pending := descriptor("rPending")
	raw, err := metadata.Encode(pending)
	require.NoError(t, err)
	f.ledger.SetDomain("rPending", raw)
	f.ledger.AddTrustLine(registryAddr, pending.ShareAsset(), sdkmath.LegacyZeroDec())

	result, err := f.registry.List(ctx)
	require.NoError(t, err)
	require.Len(t, result.Descriptors, 1)
	assert.Equal(t, good, result.Descriptors[0])

	require.Len(t, result.Warnings, 2)
	reasons := map[string]string{}
	for _, w := range result.Warnings {
		reasons[w.Account] = w.Reason
	}
	assert.Equal(t, warnMetadataMissing, reasons["rMissing"])
	assert.Equal(t, warnMetadataInvalid, reasons["rGarbage"])
}

func TestList_AddressMismatchAndDuplicates(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "")

	// rImpostor publishes a descriptor claiming to be rVault.
	raw, err := metadata.Encode(descriptor("rVault"))
	require.NoError(t, err)
	f.ledger.SetDomain("rImpostor", raw)
	f.ledger.AddTrustLine(registryAddr, types.Asset{Currency: "VLT", Issuer: "rImpostor"}, sdkmath.LegacyOneDec())
	f.ledger.AddTrustLine(registryAddr, types.Asset{Currency: "VL2", Issuer: "rImpostor"}, sdkmath.LegacyOneDec())

	result, err := f.registry.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, result.Descriptors)
	require.Len(t, result.Warnings, 1, "counterparties are deduplicated")
	assert.Equal(t, warnAddressMismatch, result.Warnings[0].Reason)
}

func TestList_ShareNamespace(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "VLT")
	require.NoError(t, f.registry.Publish(ctx, "rVault", descriptor("rVault")))

	f.ledger.AddTrustLine(registryAddr, types.Asset{Currency: "USD", Issuer: "rBank"}, sdkmath.LegacyNewDec(50))

	result, err := f.registry.List(ctx)
	require.NoError(t, err)
	assert.Len(t, result.Descriptors, 1)
	assert.Empty(t, result.Warnings, "lines outside the namespace are not vaults")
}

func TestGetDescriptor(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "")

	_, err := f.registry.GetDescriptor(ctx, "rNobody")
	assert.ErrorIs(t, err, ErrNotFound)

	f.ledger.SetDomain("rGarbage", []byte("not a descriptor"))
	_, err = f.registry.GetDescriptor(ctx, "rGarbage")
	var decodeErr *metadata.DecodeError
	assert.True(t, errors.As(err, &decodeErr))
	assert.ErrorIs(t, err, metadata.ErrDecode)

	d := descriptor("rVault")
	raw, err := metadata.Encode(d)
	require.NoError(t, err)
	f.ledger.SetDomain("rVault", raw)

	got, err := f.registry.GetDescriptor(ctx, "rVault")
	require.NoError(t, err)
	assert.Equal(t, d, got)

	// Published descriptors are immutable, so later reads come from the cache.
	f.ledger.SetDomain("rVault", []byte("overwritten"))
	got, err = f.registry.GetDescriptor(ctx, "rVault")
	require.NoError(t, err)
	assert.Equal(t, d, got)
}
