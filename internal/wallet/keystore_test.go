package wallet

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"filippo.io/age"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elys-network/vaultd/internal/types"
)

func sampleFile() File {
	return File{
		Registry: &Credential{Address: "rRegistry", Secret: "sRegistry"},
		Vaults: []VaultEntry{
			{
				Credential: Credential{Address: "rVault", Secret: "sVault"},
				Descriptor: &DescriptorEntry{
					ShareSymbol: "VLT",
					Currency:    "USD",
					Issuer:      "rIssuer",
					Strategy:    string(types.StrategyPool),
					Beneficiary: "rBeneficiary",
					Name:        "Pool vault",
					CreatedAt:   time.Date(2024, 5, 1, 9, 30, 0, 0, time.UTC),
					PoolRef:     "rPool",
				},
			},
			{Credential: Credential{Address: "rLegacy", Secret: "sLegacy"}},
		},
	}
}

func TestSealAndLoad(t *testing.T) {
	identity, err := age.GenerateX25519Identity()
	require.NoError(t, err)

	dir := t.TempDir()
	keystorePath := filepath.Join(dir, "keystore.age")
	identityPath := filepath.Join(dir, "identity.txt")
	require.NoError(t, os.WriteFile(identityPath, []byte(identity.String()+"\n"), 0o600))

	var sealed bytes.Buffer
	require.NoError(t, Seal(&sealed, sampleFile(), identity.Recipient().String()))
	assert.NotContains(t, sealed.String(), "sVault", "secrets are never written in plaintext")
	require.NoError(t, os.WriteFile(keystorePath, sealed.Bytes(), 0o600))

	ks, err := LoadKeystore(keystorePath, identityPath)
	require.NoError(t, err)

	signer, err := ks.SignerFor("rVault")
	require.NoError(t, err)
	assert.Equal(t, "sVault", signer.Secret)
	assert.Equal(t, "rVault", signer.String())

	registry, err := ks.RegistrySigner()
	require.NoError(t, err)
	assert.Equal(t, "rRegistry", registry.Address)

	_, err = ks.SignerFor("rStranger")
	assert.ErrorIs(t, err, ErrUnknownVault)
	assert.True(t, ks.Has("rLegacy"))
	assert.Equal(t, []string{"rLegacy", "rVault"}, ks.Vaults())

	descriptors := ks.Descriptors()
	require.Len(t, descriptors, 1)
	d := descriptors[0]
	assert.Equal(t, "rVault", d.Address)
	assert.Equal(t, types.StrategyPool, d.Strategy)
	assert.Equal(t, types.Asset{Currency: "USD", Issuer: "rIssuer"}, d.Accepted)
	assert.True(t, d.CreatedAt.Equal(time.Date(2024, 5, 1, 9, 30, 0, 0, time.UTC)))
}

func TestOpen_WrongIdentity(t *testing.T) {
	owner, err := age.GenerateX25519Identity()
	require.NoError(t, err)
	stranger, err := age.GenerateX25519Identity()
	require.NoError(t, err)

	var sealed bytes.Buffer
	require.NoError(t, Seal(&sealed, sampleFile(), owner.Recipient().String()))

	_, err = Open(bytes.NewReader(sealed.Bytes()), stranger)
	assert.ErrorIs(t, err, ErrDecrypt)
}

func TestOpen_RejectsUnknownFields(t *testing.T) {
	identity, err := age.GenerateX25519Identity()
	require.NoError(t, err)

	var sealed bytes.Buffer
	w, err := age.Encrypt(&sealed, identity.Recipient())
	require.NoError(t, err)
	_, err = w.Write([]byte("vaults:\n  - address: rVault\n    secret: s\n    seed: oops\n"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	_, err = Open(&sealed, identity)
	assert.ErrorIs(t, err, ErrInvalidKeystore)
}

func TestSeal_Validation(t *testing.T) {
	identity, err := age.GenerateX25519Identity()
	require.NoError(t, err)
	recipient := identity.Recipient().String()

	tests := []struct {
		name   string
		mutate func(*File)
	}{
		{"missing secret", func(f *File) { f.Vaults[1].Secret = "" }},
		{"duplicate vault", func(f *File) { f.Vaults[1].Address = "rVault" }},
		{"registry without address", func(f *File) { f.Registry.Address = "" }},
		{"pool without reference", func(f *File) { f.Vaults[0].Descriptor.PoolRef = "" }},
		{"descriptor without timestamp", func(f *File) { f.Vaults[0].Descriptor.CreatedAt = time.Time{} }},
		{"unknown strategy", func(f *File) { f.Vaults[0].Descriptor.Strategy = "Lending" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			file := sampleFile()
			tt.mutate(&file)
			var sealed bytes.Buffer
			err := Seal(&sealed, file, recipient)
			assert.ErrorIs(t, err, ErrInvalidKeystore)
			assert.Zero(t, sealed.Len())
		})
	}

	var sealed bytes.Buffer
	assert.Error(t, Seal(&sealed, sampleFile()))
	assert.Error(t, Seal(&sealed, sampleFile(), "not-a-key"))
}

func TestKeystore_WithoutRegistry(t *testing.T) {
	file := sampleFile()
	file.Registry = nil
	ks, err := build(file)
	require.NoError(t, err)
	_, err = ks.RegistrySigner()
	assert.ErrorIs(t, err, ErrNoRegistryKey)
}
