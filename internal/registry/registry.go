// Package registry publishes vault descriptors to the ledger and discovers the
// vaults other operators have published.
//
// A vault is listed once the registry account holds a positive balance of the
// vault's share token. Publishing therefore writes the descriptor into the vault
// account's metadata field, opens a trust line from the registry to the share
// token and finally sends one share unit to the registry.
package registry

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/dgraph-io/ristretto"
	"github.com/rs/zerolog"

	"github.com/elys-network/vaultd/internal/ledger"
	"github.com/elys-network/vaultd/internal/logger"
	"github.com/elys-network/vaultd/internal/metadata"
	"github.com/elys-network/vaultd/internal/observability"
	"github.com/elys-network/vaultd/internal/state"
	"github.com/elys-network/vaultd/internal/types"
)

var (
	ErrFieldCapacityExceeded = errors.New("encoded descriptor exceeds metadata field capacity")
	ErrNotFound              = errors.New("vault descriptor not found")
	ErrDescriptorConflict    = errors.New("vault already published with a different descriptor")
	ErrMissingCredential     = errors.New("no signing credential for vault")
	ErrInvalidConfig         = errors.New("invalid registry configuration")
)

// List warning reasons.
const (
	warnMetadataMissing = "metadata_missing"
	warnMetadataInvalid = "metadata_invalid"
	warnAddressMismatch = "address_mismatch"
	warnLookupFailed    = "lookup_failed"
)

// Publish steps, journaled under "publish/<vault>".
const (
	stepMetadata = "metadata"
	stepTrust    = "trust"
	stepActivate = "activate"
)

// Credentials resolves the signing identity of a vault account.
type Credentials interface {
	SignerFor(address string) (ledger.Signer, error)
}

// Config configures a Registry.
type Config struct {
	// Signer controls the registry account. Its address is the registry address.
	Signer ledger.Signer
	// ShareNamespace, when set, restricts discovery to share currencies with this prefix.
	ShareNamespace string
	Params         types.VaultParameters
}

// Registry publishes and discovers vault descriptors.
type Registry struct {
	config      Config
	submitter   *ledger.Submitter
	gateway     ledger.Gateway
	store       state.PublishStore
	credentials Credentials
	metrics     *observability.Metrics
	cache       *ristretto.Cache
	logger      zerolog.Logger
}

// Warning describes a counterparty skipped while listing.
type Warning struct {
	Account string `json:"account"`
	Reason  string `json:"reason"`
	Detail  string `json:"detail"`
}

// ListResult is the outcome of a best-effort enumeration.
type ListResult struct {
	Descriptors []types.VaultDescriptor `json:"descriptors"`
	Warnings    []Warning               `json:"warnings,omitempty"`
}

// New creates a Registry. credentials may be nil for a read-only registry.
func New(config Config, submitter *ledger.Submitter, store state.PublishStore, credentials Credentials, metrics *observability.Metrics) (*Registry, error) {
	if err := validateConfig(config); err != nil {
		return nil, err
	}
	if submitter == nil || store == nil {
		return nil, fmt.Errorf("%w: submitter and store are required", ErrInvalidConfig)
	}

	budget := config.Params.DescriptorCacheMB
	if budget <= 0 {
		budget = 8
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 10_000,
		MaxCost:     budget << 20,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create descriptor cache: %w", err)
	}

	return &Registry{
		config:      config,
		submitter:   submitter,
		gateway:     submitter.Gateway(),
		store:       store,
		credentials: credentials,
		metrics:     metrics,
		cache:       cache,
		logger:      logger.GetForComponent("registry").With().Str("registry", config.Signer.Address).Logger(),
	}, nil
}

func validateConfig(config Config) error {
	if config.Signer.Address == "" {
		return fmt.Errorf("%w: registry address is required", ErrInvalidConfig)
	}
	if config.Params.MetadataFieldCapacity <= 0 {
		return fmt.Errorf("%w: metadata field capacity must be positive", ErrInvalidConfig)
	}
	if _, err := sdkmath.LegacyNewDecFromStr(config.Params.RegistryTrustLimit); err != nil {
		return fmt.Errorf("%w: registry trust limit %q: %v", ErrInvalidConfig, config.Params.RegistryTrustLimit, err)
	}
	return nil
}

// Address returns the registry account address.
func (r *Registry) Address() string {
	return r.config.Signer.Address
}

// Close releases the descriptor cache.
func (r *Registry) Close() {
	r.cache.Close()
}

// Publish registers d for discovery. The capacity check happens before any
// ledger transaction. Publishing again resumes from the last completed stage
// and is a no-op once the vault is activated.
func (r *Registry) Publish(ctx context.Context, vaultAddress string, d types.VaultDescriptor) error {
	if d.Address != vaultAddress {
		return fmt.Errorf("%w: descriptor address %s does not match vault %s", types.ErrInvalidDescriptor, d.Address, vaultAddress)
	}
	if err := d.Validate(); err != nil {
		return err
	}
	encoded, err := metadata.Encode(d)
	if err != nil {
		return err
	}
	if len(encoded) > r.config.Params.MetadataFieldCapacity {
		return fmt.Errorf("%w: %d bytes, capacity %d", ErrFieldCapacityExceeded, len(encoded), r.config.Params.MetadataFieldCapacity)
	}

	progress, err := r.store.GetPublishProgress(ctx, vaultAddress)
	switch {
	case errors.Is(err, state.ErrNotFound):
		progress = types.PublishProgress{Vault: vaultAddress, Stage: types.PublishNone, Encoded: encoded}
		if err := r.saveProgress(ctx, progress); err != nil {
			return err
		}
	case err != nil:
		return fmt.Errorf("failed to load publish progress: %w", err)
	case progress.Stage != types.PublishNone && !bytes.Equal(progress.Encoded, encoded):
		return fmt.Errorf("%w: %s", ErrDescriptorConflict, vaultAddress)
	default:
		progress.Encoded = encoded
	}

	return r.advance(ctx, d, progress)
}

// Resume drives every persisted incomplete publish to activation. A vault
// without a credential is skipped and reported in the joined error.
func (r *Registry) Resume(ctx context.Context) error {
	pending, err := r.store.IncompletePublishes(ctx)
	if err != nil {
		return fmt.Errorf("failed to load incomplete publishes: %w", err)
	}

	var errs []error
	for _, progress := range pending {
		d, err := metadata.Decode(progress.Encoded)
		if err != nil {
			errs = append(errs, fmt.Errorf("publish of %s: %w", progress.Vault, err))
			continue
		}
		r.logger.Info().Str("vault", progress.Vault).Str("stage", string(progress.Stage)).Msg("Resuming publish")
		if err := r.advance(ctx, d, progress); err != nil {
			errs = append(errs, fmt.Errorf("publish of %s: %w", progress.Vault, err))
		}
	}
	return errors.Join(errs...)
}

func (r *Registry) advance(ctx context.Context, d types.VaultDescriptor, progress types.PublishProgress) error {
	if progress.Stage == types.PublishActivated {
		return nil
	}
	if r.credentials == nil {
		return fmt.Errorf("%w: %s", ErrMissingCredential, d.Address)
	}
	vaultSigner, err := r.credentials.SignerFor(d.Address)
	if err != nil {
		return errors.Join(ErrMissingCredential, err)
	}

	ctx = ledger.WithOperation(ctx, "publish/"+d.Address)
	log := r.logger.With().Str("vault", d.Address).Logger()

	for progress.Stage != types.PublishActivated {
		var (
			tx   ledger.Transaction
			step string
			by   ledger.Signer
			next types.PublishStage
		)
		switch progress.Stage {
		case types.PublishNone:
			field, err := metadata.EncodeHex(d)
			if err != nil {
				return err
			}
			tx, err = ledger.NewSetMetadata(d.Address, field)
			if err != nil {
				return err
			}
			step, by, next = stepMetadata, vaultSigner, types.PublishMetadataWritten

		case types.PublishMetadataWritten:
			limit := sdkmath.LegacyMustNewDecFromStr(r.config.Params.RegistryTrustLimit)
			tx, err = ledger.NewTrustSet(r.Address(), types.NewAmount(d.ShareAsset(), limit))
			if err != nil {
				return err
			}
			step, by, next = stepTrust, r.config.Signer, types.PublishTrustEstablished

		case types.PublishTrustEstablished:
			tx, err = ledger.NewPayment(d.Address, r.Address(), types.NewAmount(d.ShareAsset(), sdkmath.LegacyOneDec()))
			if err != nil {
				return err
			}
			step, by, next = stepActivate, vaultSigner, types.PublishActivated

		default:
			return fmt.Errorf("unknown publish stage %q for %s", progress.Stage, d.Address)
		}

		res, err := r.submitter.Submit(ctx, step, tx, by)
		if err != nil {
			return fmt.Errorf("publish step %s failed: %w", step, err)
		}

		progress.Stage = next
		if err := r.saveProgress(ctx, progress); err != nil {
			return err
		}
		log.Info().Str("stage", string(next)).Str("txHash", res.Hash).Msg("Publish stage completed")
	}

	r.cache.Set(d.Address, d, int64(len(progress.Encoded)))
	return nil
}

func (r *Registry) saveProgress(ctx context.Context, progress types.PublishProgress) error {
	progress.UpdatedAt = time.Now().UTC()
	if err := r.store.SavePublishProgress(ctx, progress); err != nil {
		return fmt.Errorf("failed to persist publish progress: %w", err)
	}
	return nil
}

// PublishStatus returns the persisted publish stage of a vault.
func (r *Registry) PublishStatus(ctx context.Context, vaultAddress string) (types.PublishStage, error) {
	progress, err := r.store.GetPublishProgress(ctx, vaultAddress)
	if errors.Is(err, state.ErrNotFound) {
		return types.PublishNone, nil
	}
	if err != nil {
		return "", err
	}
	return progress.Stage, nil
}

// List enumerates published vaults. A bad counterparty produces a warning and
// is skipped; only a failure to read the registry's trust lines is an error.
func (r *Registry) List(ctx context.Context) (*ListResult, error) {
	lines, err := r.gateway.TrustLines(ctx, r.Address())
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate registry trust lines: %w", err)
	}

	result := &ListResult{Descriptors: []types.VaultDescriptor{}}
	seen := make(map[string]bool)
	for _, line := range lines {
		if r.config.ShareNamespace != "" && !strings.HasPrefix(line.Currency, r.config.ShareNamespace) {
			continue
		}
		if seen[line.Account] {
			continue
		}
		if !line.Balance.IsPositive() {
			r.logger.Debug().Str("account", line.Account).Str("currency", line.Currency).Msg("Skipping trust line that is not activated")
			continue
		}
		seen[line.Account] = true

		d, err := r.lookup(ctx, line.Account)
		if err != nil {
			w := Warning{Account: line.Account, Reason: warningReason(err), Detail: err.Error()}
			result.Warnings = append(result.Warnings, w)
			r.metrics.ListWarning(w.Reason)
			r.logger.Warn().Err(err).Str("account", line.Account).Str("reason", w.Reason).Msg("Skipping vault")
			continue
		}
		result.Descriptors = append(result.Descriptors, d)
	}

	r.metrics.SetDiscovered(len(result.Descriptors))
	r.logger.Debug().Int("vaults", len(result.Descriptors)).Int("warnings", len(result.Warnings)).Msg("Listed vaults")
	return result, nil
}

// GetDescriptor reads the descriptor published by address. It returns
// ErrNotFound when the account carries no metadata and a *metadata.DecodeError
// when the metadata is not a valid descriptor.
func (r *Registry) GetDescriptor(ctx context.Context, address string) (types.VaultDescriptor, error) {
	return r.lookup(ctx, address)
}

func (r *Registry) lookup(ctx context.Context, address string) (types.VaultDescriptor, error) {
	if cached, ok := r.cache.Get(address); ok {
		return cached.(types.VaultDescriptor), nil
	}

	data, err := r.gateway.AccountMetadata(ctx, address)
	if errors.Is(err, ledger.ErrNotFound) {
		return types.VaultDescriptor{}, errors.Join(ErrNotFound, err)
	}
	if err != nil {
		return types.VaultDescriptor{}, fmt.Errorf("failed to read metadata of %s: %w", address, err)
	}

	d, err := metadata.Decode(data)
	if err != nil {
		return types.VaultDescriptor{}, err
	}
	if d.Address != address {
		return types.VaultDescriptor{}, &metadata.DecodeError{
			Reason: fmt.Sprintf("descriptor names %s but is published by %s", d.Address, address),
			Err:    errAddressMismatch,
		}
	}

	r.cache.Set(address, d, int64(len(data)))
	r.cache.Wait()
	return d, nil
}

var errAddressMismatch = errors.New("address mismatch")

func warningReason(err error) string {
	switch {
	case errors.Is(err, ErrNotFound):
		return warnMetadataMissing
	case errors.Is(err, errAddressMismatch):
		return warnAddressMismatch
	case errors.Is(err, metadata.ErrDecode):
		return warnMetadataInvalid
	default:
		return warnLookupFailed
	}
}
