// Package wallet holds the signing credentials of the registry and the vault
// accounts this operator controls. Credentials are stored as a YAML document
// encrypted with age and are only ever decrypted into memory.
package wallet

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"filippo.io/age"
	"gopkg.in/yaml.v3"

	"github.com/elys-network/vaultd/internal/ledger"
	"github.com/elys-network/vaultd/internal/logger"
	"github.com/elys-network/vaultd/internal/types"
)

// Error definitions for zero-tolerance error handling
var (
	ErrInvalidKeystore = errors.New("keystore is invalid")
	ErrDecrypt         = errors.New("keystore decryption failed")
	ErrUnknownVault    = errors.New("no credential for vault")
	ErrNoRegistryKey   = errors.New("keystore has no registry credential")
)

var walletLogger = logger.GetForComponent("wallet_keystore")

// File is the plaintext layout of a keystore.
type File struct {
	Registry *Credential `yaml:"registry,omitempty"`
	Vaults   []VaultEntry `yaml:"vaults"`
}

// Credential is one account and its signing secret.
type Credential struct {
	Address string `yaml:"address"`
	Secret  string `yaml:"secret"`
}

// VaultEntry is a vault account this operator signs for. When Descriptor is
// set the daemon publishes it to the registry.
type VaultEntry struct {
	Credential `yaml:",inline"`
	Descriptor *DescriptorEntry `yaml:"descriptor,omitempty"`
}

// DescriptorEntry is the YAML form of a vault descriptor. The vault address
// comes from the enclosing entry.
type DescriptorEntry struct {
	ShareSymbol   string    `yaml:"share_symbol"`
	Currency      string    `yaml:"currency"`
	Issuer        string    `yaml:"issuer"`
	Strategy      string    `yaml:"strategy"`
	Beneficiary   string    `yaml:"beneficiary"`
	Name          string    `yaml:"name"`
	Description   string    `yaml:"description,omitempty"`
	CreatedAt     time.Time `yaml:"created_at"`
	PoolRef       string    `yaml:"pool_ref,omitempty"`
	YieldCurrency string    `yaml:"yield_currency,omitempty"`
	YieldIssuer   string    `yaml:"yield_issuer,omitempty"`
}

// Keystore is a decrypted, validated keystore.
type Keystore struct {
	registry    *ledger.Signer
	vaults      map[string]ledger.Signer
	descriptors []types.VaultDescriptor
}

// LoadKeystore decrypts the keystore at path with the age identities in identityPath.
func LoadKeystore(path, identityPath string) (*Keystore, error) {
	identityFile, err := os.Open(identityPath)
	if err != nil {
		return nil, fmt.Errorf("opening identity file: %w", err)
	}
	defer identityFile.Close()

	identities, err := age.ParseIdentities(identityFile)
	if err != nil {
		return nil, errors.Join(ErrDecrypt, fmt.Errorf("parsing identity file: %w", err))
	}

	sealed, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening keystore: %w", err)
	}
	defer sealed.Close()

	ks, err := Open(sealed, identities...)
	if err != nil {
		return nil, err
	}

	walletLogger.Info().
		Str("path", path).
		Int("vaults", len(ks.vaults)).
		Bool("registry", ks.registry != nil).
		Msg("Keystore loaded")
	return ks, nil
}

// Open decrypts and parses a sealed keystore.
func Open(sealed io.Reader, identities ...age.Identity) (*Keystore, error) {
	reader, err := age.Decrypt(sealed, identities...)
	if err != nil {
		return nil, errors.Join(ErrDecrypt, err)
	}
	plaintext, err := io.ReadAll(reader)
	if err != nil {
		return nil, errors.Join(ErrDecrypt, err)
	}
	defer zero(plaintext)

	var file File
	decoder := yaml.NewDecoder(bytes.NewReader(plaintext))
	decoder.KnownFields(true)
	if err := decoder.Decode(&file); err != nil {
		return nil, errors.Join(ErrInvalidKeystore, fmt.Errorf("parsing keystore: %w", err))
	}
	return build(file)
}

// Seal encrypts file to the given age recipients (age1... public keys).
func Seal(w io.Writer, file File, recipientKeys ...string) error {
	if len(recipientKeys) == 0 {
		return fmt.Errorf("at least one recipient is required")
	}
	if _, err := build(file); err != nil {
		return err
	}

	recipients := make([]age.Recipient, 0, len(recipientKeys))
	for _, key := range recipientKeys {
		recipient, err := age.ParseX25519Recipient(key)
		if err != nil {
			return fmt.Errorf("parsing recipient key %q: %w", key, err)
		}
		recipients = append(recipients, recipient)
	}

	plaintext, err := yaml.Marshal(file)
	if err != nil {
		return fmt.Errorf("encoding keystore: %w", err)
	}
	defer zero(plaintext)

	writer, err := age.Encrypt(w, recipients...)
	if err != nil {
		return fmt.Errorf("creating age encryptor: %w", err)
	}
	if _, err := writer.Write(plaintext); err != nil {
		return fmt.Errorf("writing plaintext to age encryptor: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("finalizing age encryption: %w", err)
	}
	return nil
}

func build(file File) (*Keystore, error) {
	ks := &Keystore{vaults: make(map[string]ledger.Signer)}

	if file.Registry != nil {
		if err := validateCredential(*file.Registry); err != nil {
			return nil, errors.Join(ErrInvalidKeystore, fmt.Errorf("registry: %w", err))
		}
		signer := ledger.Signer{Address: file.Registry.Address, Secret: file.Registry.Secret}
		ks.registry = &signer
	}

	for i, entry := range file.Vaults {
		if err := validateCredential(entry.Credential); err != nil {
			return nil, errors.Join(ErrInvalidKeystore, fmt.Errorf("vault %d: %w", i, err))
		}
		if _, dup := ks.vaults[entry.Address]; dup {
			return nil, errors.Join(ErrInvalidKeystore, fmt.Errorf("vault %s listed twice", entry.Address))
		}
		ks.vaults[entry.Address] = ledger.Signer{Address: entry.Address, Secret: entry.Secret}

		if entry.Descriptor == nil {
			continue
		}
		d := entry.Descriptor.toDescriptor(entry.Address)
		if err := d.Validate(); err != nil {
			return nil, errors.Join(ErrInvalidKeystore, fmt.Errorf("vault %s descriptor: %w", entry.Address, err))
		}
		if d.CreatedAt.IsZero() {
			return nil, errors.Join(ErrInvalidKeystore, fmt.Errorf("vault %s descriptor: created_at is required", entry.Address))
		}
		ks.descriptors = append(ks.descriptors, d)
	}
	return ks, nil
}

func validateCredential(c Credential) error {
	if strings.TrimSpace(c.Address) == "" {
		return errors.New("address cannot be empty")
	}
	if c.Secret == "" {
		return fmt.Errorf("secret for %s cannot be empty", c.Address)
	}
	return nil
}

func (e DescriptorEntry) toDescriptor(address string) types.VaultDescriptor {
	return types.VaultDescriptor{
		Address:     address,
		ShareSymbol: e.ShareSymbol,
		Accepted:    types.Asset{Currency: e.Currency, Issuer: e.Issuer},
		Strategy:    types.StrategyKind(e.Strategy),
		Beneficiary: e.Beneficiary,
		Name:        e.Name,
		Description: e.Description,
		CreatedAt:   e.CreatedAt.UTC().Truncate(time.Second),
		PoolRef:     e.PoolRef,
		YieldAsset:  types.Asset{Currency: e.YieldCurrency, Issuer: e.YieldIssuer},
	}
}

// SignerFor returns the signing identity of a vault account.
func (k *Keystore) SignerFor(address string) (ledger.Signer, error) {
	signer, ok := k.vaults[address]
	if !ok {
		return ledger.Signer{}, fmt.Errorf("%w: %s", ErrUnknownVault, address)
	}
	return signer, nil
}

// RegistrySigner returns the registry credential.
func (k *Keystore) RegistrySigner() (ledger.Signer, error) {
	if k.registry == nil {
		return ledger.Signer{}, ErrNoRegistryKey
	}
	return *k.registry, nil
}

// Has reports whether the keystore signs for address.
func (k *Keystore) Has(address string) bool {
	_, ok := k.vaults[address]
	return ok
}

// Vaults returns the vault addresses in the keystore, sorted.
func (k *Keystore) Vaults() []string {
	out := make([]string, 0, len(k.vaults))
	for address := range k.vaults {
		out = append(out, address)
	}
	sort.Strings(out)
	return out
}

// Descriptors returns the descriptors this operator wants published.
func (k *Keystore) Descriptors() []types.VaultDescriptor {
	return append([]types.VaultDescriptor(nil), k.descriptors...)
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
