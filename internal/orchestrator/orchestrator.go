// Package orchestrator keeps one running vault account per published vault the
// operator holds a credential for, and drives the periodic maintenance cycle.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/elys-network/vaultd/internal/ledger"
	"github.com/elys-network/vaultd/internal/logger"
	"github.com/elys-network/vaultd/internal/observability"
	"github.com/elys-network/vaultd/internal/registry"
	"github.com/elys-network/vaultd/internal/state"
	"github.com/elys-network/vaultd/internal/strategy"
	"github.com/elys-network/vaultd/internal/types"
	"github.com/elys-network/vaultd/internal/vault"
)

// maxParallelVaults bounds how many vaults are serviced at once in a cycle.
const maxParallelVaults = 8

var (
	ErrInvalidConfig = errors.New("invalid orchestrator configuration")
	ErrUnknownVault  = errors.New("vault is not running on this node")
)

// Directory is the part of the registry the orchestrator depends on.
type Directory interface {
	Publish(ctx context.Context, vaultAddress string, d types.VaultDescriptor) error
	Resume(ctx context.Context) error
	List(ctx context.Context) (*registry.ListResult, error)
}

// Credentials resolves vault signers.
type Credentials interface {
	Has(address string) bool
	SignerFor(address string) (ledger.Signer, error)
}

// Factory builds a vault for a descriptor the operator can sign for.
type Factory func(ctx context.Context, d types.VaultDescriptor, signer ledger.Signer) (vault.Manager, error)

// Config holds the dependencies of an Orchestrator.
type Config struct {
	Directory   Directory
	Credentials Credentials
	NewVault    Factory

	// Publish lists descriptors this operator wants registered. Publishing is
	// idempotent, so they are offered to the registry on every cycle until activated.
	Publish []types.VaultDescriptor

	HarvestInterval time.Duration
	Metrics         *observability.Metrics
}

// Orchestrator owns the set of running vaults.
type Orchestrator struct {
	logger      zerolog.Logger
	directory   Directory
	credentials Credentials
	newVault    Factory
	publish     []types.VaultDescriptor
	interval    time.Duration
	metrics     *observability.Metrics

	mu          sync.RWMutex
	vaults      map[string]vault.Manager
	published   map[string]bool
	lastHarvest time.Time
	cycleCount  int
	now         func() time.Time
}

// New creates an Orchestrator with no running vaults.
func New(cfg Config) (*Orchestrator, error) {
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	o := &Orchestrator{
		logger:      logger.GetForComponent("orchestrator"),
		directory:   cfg.Directory,
		credentials: cfg.Credentials,
		newVault:    cfg.NewVault,
		publish:     cfg.Publish,
		interval:    cfg.HarvestInterval,
		metrics:     cfg.Metrics,
		vaults:      make(map[string]vault.Manager),
		published:   make(map[string]bool),
		now:         time.Now,
	}

	o.logger.Info().
		Int("toPublish", len(o.publish)).
		Dur("harvestInterval", o.interval).
		Msg("Orchestrator created")
	return o, nil
}

func validateConfig(cfg Config) error {
	if cfg.Directory == nil {
		return fmt.Errorf("%w: directory cannot be nil", ErrInvalidConfig)
	}
	if cfg.Credentials == nil {
		return fmt.Errorf("%w: credentials cannot be nil", ErrInvalidConfig)
	}
	if cfg.NewVault == nil {
		return fmt.Errorf("%w: vault factory cannot be nil", ErrInvalidConfig)
	}
	if cfg.HarvestInterval <= 0 {
		return fmt.Errorf("%w: harvest interval must be positive", ErrInvalidConfig)
	}
	return nil
}

// RunLoop runs a cycle immediately and then on every tick until ctx is
// cancelled, after which every vault is stopped.
func (o *Orchestrator) RunLoop(ctx context.Context, interval time.Duration) {
	o.logger.Info().Dur("interval", interval).Msg("Starting orchestrator loop")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	defer o.Stop()

	o.RunCycle(ctx)
	for {
		select {
		case <-ctx.Done():
			o.logger.Info().Msg("Orchestrator loop stopped due to context cancellation")
			return
		case <-ticker.C:
			o.RunCycle(ctx)
		}
	}
}

// RunCycle publishes pending descriptors, starts newly discovered vaults,
// retries pending operations and harvests when the interval has elapsed.
// Vaults are serviced in parallel, so a slow or failing vault never holds
// up the others.
func (o *Orchestrator) RunCycle(ctx context.Context) {
	cycleStart := o.now()

	o.mu.Lock()
	o.cycleCount++
	cycle := o.cycleCount
	o.mu.Unlock()

	cycleLogger := o.logger.With().Str("cycle_id", uuid.New().String()).Int("cycle", cycle).Logger()
	cycleLogger.Info().Msg("--- Starting cycle ---")

	cycleLogger.Debug().Msg("Step 1: Publishing descriptors...")
	o.publishPending(ctx, cycleLogger)

	cycleLogger.Debug().Msg("Step 2: Resuming interrupted publishes...")
	if err := o.directory.Resume(ctx); err != nil {
		cycleLogger.Warn().Err(err).Msg("Some publishes could not be resumed")
	}

	cycleLogger.Debug().Msg("Step 3: Refreshing registry...")
	if err := o.refresh(ctx, cycleLogger); err != nil {
		cycleLogger.Error().Err(err).Msg("Registry refresh failed, continuing with running vaults")
	}

	harvest := o.harvestDue(cycleStart)
	cycleLogger.Debug().Bool("harvest", harvest).Msg("Step 4: Retrying pending operations and harvesting...")
	o.forEachVault(func(m vault.Manager) {
		m.TriggerBackfill()
		if err := m.RetryPending(ctx); err != nil {
			cycleLogger.Warn().Err(err).Str("vault", m.Descriptor().Address).Msg("Pending operations remain")
		}
		if harvest {
			o.harvest(ctx, m)
		}
	})

	o.metrics.SetRunning(len(o.Vaults()))
	cycleLogger.Info().
		Int("vaults", len(o.Vaults())).
		Str("cycleDuration", o.now().Sub(cycleStart).String()).
		Msg("--- Cycle completed ---")
}

func (o *Orchestrator) publishPending(ctx context.Context, log zerolog.Logger) {
	for _, d := range o.publish {
		o.mu.RLock()
		done := o.published[d.Address]
		o.mu.RUnlock()
		if done {
			continue
		}
		if err := o.directory.Publish(ctx, d.Address, d); err != nil {
			log.Error().Err(err).Str("vault", d.Address).Msg("Publish failed")
			continue
		}
		o.mu.Lock()
		o.published[d.Address] = true
		o.mu.Unlock()
		log.Info().Str("vault", d.Address).Str("name", d.Name).Msg("Vault published")
	}
}

// refresh starts a vault for every listed descriptor with a credential that
// is not yet running.
func (o *Orchestrator) refresh(ctx context.Context, log zerolog.Logger) error {
	listed, err := o.directory.List(ctx)
	if err != nil {
		return err
	}

	var errs []error
	for _, d := range listed.Descriptors {
		if o.running(d.Address) || !o.credentials.Has(d.Address) {
			continue
		}
		if err := o.startVault(ctx, d); err != nil {
			log.Error().Err(err).Str("vault", d.Address).Msg("Failed to start vault")
			errs = append(errs, err)
			continue
		}
		log.Info().Str("vault", d.Address).Str("strategy", string(d.Strategy)).Msg("Vault started")
	}
	return errors.Join(errs...)
}

func (o *Orchestrator) startVault(ctx context.Context, d types.VaultDescriptor) error {
	signer, err := o.credentials.SignerFor(d.Address)
	if err != nil {
		return err
	}
	m, err := o.newVault(ctx, d, signer)
	if err != nil {
		return fmt.Errorf("failed to build vault %s: %w", d.Address, err)
	}
	if err := m.Start(ctx); err != nil {
		return fmt.Errorf("failed to start vault %s: %w", d.Address, err)
	}

	o.mu.Lock()
	o.vaults[d.Address] = m
	o.mu.Unlock()
	return nil
}

func (o *Orchestrator) harvestDue(now time.Time) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.lastHarvest.IsZero() && now.Sub(o.lastHarvest) < o.interval {
		return false
	}
	o.lastHarvest = now
	return true
}

// HarvestAll harvests every running vault to its default beneficiary.
func (o *Orchestrator) HarvestAll(ctx context.Context) {
	o.forEachVault(func(m vault.Manager) {
		o.harvest(ctx, m)
	})
}

func (o *Orchestrator) harvest(ctx context.Context, m vault.Manager) {
	address := m.Descriptor().Address
	res, err := m.Harvest(ctx, "")
	if err != nil {
		o.logger.Error().Err(err).Str("vault", address).Msg("Harvest failed")
		return
	}
	if res.Amount.IsPositive() {
		o.logger.Info().Str("vault", address).Str("amount", res.Amount.String()).Str("beneficiary", res.Beneficiary).Msg("Harvested")
	}
}

// forEachVault runs fn for every running vault concurrently and waits for
// all of them. Each vault serializes its own operations.
func (o *Orchestrator) forEachVault(fn func(m vault.Manager)) {
	var g errgroup.Group
	g.SetLimit(maxParallelVaults)
	for _, m := range o.Vaults() {
		m := m
		g.Go(func() error {
			fn(m)
			return nil
		})
	}
	_ = g.Wait()
}

func (o *Orchestrator) running(address string) bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	_, ok := o.vaults[address]
	return ok
}

// Vault returns the running vault at address.
func (o *Orchestrator) Vault(address string) (vault.Manager, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	m, ok := o.vaults[address]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownVault, address)
	}
	return m, nil
}

// Vaults returns the running vaults ordered by address.
func (o *Orchestrator) Vaults() []vault.Manager {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]vault.Manager, 0, len(o.vaults))
	for _, m := range o.vaults {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Descriptor().Address < out[j].Descriptor().Address
	})
	return out
}

// Stop stops every running vault.
func (o *Orchestrator) Stop() {
	for _, m := range o.Vaults() {
		m.Stop()
	}
	o.mu.Lock()
	o.vaults = make(map[string]vault.Manager)
	o.mu.Unlock()
	o.metrics.SetRunning(0)
}

// AccountFactory builds vault.Account instances bound to the strategy their
// descriptor names, sharing one submitter and store.
func AccountFactory(submitter *ledger.Submitter, store state.Store, params types.VaultParameters, metrics *observability.Metrics) Factory {
	return func(ctx context.Context, d types.VaultDescriptor, signer ledger.Signer) (vault.Manager, error) {
		s, err := strategy.FromDescriptor(ctx, d, strategy.Deps{
			Submitter: submitter,
			Signer:    signer,
			Store:     store,
			Params:    params,
			Metrics:   metrics,
		})
		if err != nil {
			return nil, err
		}
		account, err := vault.NewAccount(vault.Config{
			Descriptor: d,
			Signer:     signer,
			Strategy:   s,
			Submitter:  submitter,
			Store:      store,
			Params:     params,
			Metrics:    metrics,
		})
		if err != nil {
			return nil, err
		}
		return account, nil
	}
}
