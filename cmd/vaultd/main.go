package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"

	"github.com/elys-network/vaultd/internal/config"
	"github.com/elys-network/vaultd/internal/ledger"
	"github.com/elys-network/vaultd/internal/logger"
	"github.com/elys-network/vaultd/internal/observability"
	"github.com/elys-network/vaultd/internal/orchestrator"
	"github.com/elys-network/vaultd/internal/registry"
	"github.com/elys-network/vaultd/internal/state"
	"github.com/elys-network/vaultd/internal/wallet"
	"github.com/elys-network/vaultd/internal/web"
)

const (
	LOOP_INTERVAL = 1 * time.Minute
)

// main is the entry point for vaultd.
func main() {
	var envFile string
	var once bool

	flagSet := pflag.NewFlagSet("vaultd", pflag.ContinueOnError)
	flagSet.StringVar(&envFile, "env-file", ".env", "environment file to load before reading configuration")
	flagSet.BoolVar(&once, "once", false, "run a single maintenance cycle and exit")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	// --- 1. Initialization Phase ---
	if err := godotenv.Load(envFile); err != nil {
		log.Warn().Str("file", envFile).Msg("Environment file not found. Relying on OS environment variables.")
	}

	if err := config.LoadConfig(); err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logger.Initialize(config.LogLevel, config.LogFormat)
	log.Info().Msg("vaultd starting...")

	// --- 2. Safety Switch ---
	if config.Mode != "live" {
		log.Fatal().Msg("VAULTD_MODE is not set to 'live'. Halting to prevent accidental execution. Set VAULTD_MODE=live to run.")
	}
	log.Warn().Msg("Initializing vaultd in LIVE mode. Real transactions will be submitted.")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	params := config.Params()
	metrics := observability.NewMetrics("vaultd")

	// --- 3. Durable State ---
	dbCfg := state.DBConfig{
		Host: config.DBHost, Port: config.DBPort,
		User: config.DBUser, Password: config.DBPassword,
		DBName: config.DBName, SSLMode: config.DBSSLMode,
	}
	if err := state.InitDB(dbCfg); err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize database")
	}
	defer state.CloseDB()
	if err := state.EnsureSchema(); err != nil {
		log.Fatal().Err(err).Msg("Failed to ensure database schema")
	}
	store := state.NewPostgresStore(state.DB)

	// --- 4. Credentials ---
	keystore, err := wallet.LoadKeystore(config.KeystorePath, config.KeystoreIdentityPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load keystore")
	}
	registrySigner, err := keystore.RegistrySigner()
	if err != nil {
		log.Fatal().Err(err).Msg("Keystore cannot sign for the registry")
	}
	if registrySigner.Address != config.RegistryAddress {
		log.Fatal().
			Str("configured", config.RegistryAddress).
			Str("keystore", registrySigner.Address).
			Msg("Keystore registry credential does not match REGISTRY_ADDRESS")
	}
	log.Info().Strs("vaults", keystore.Vaults()).Msg("Keystore loaded")

	// --- 5. Ledger Connection ---
	wsCfg := ledger.DefaultWSConfig()
	wsCfg.SubmitTimeout = params.SubmitTimeout
	wsCfg.PollInterval = params.PollInterval
	wsCfg.LedgerWindow = params.LedgerWindow
	wsCfg.EventBuffer = params.EventBufferSize

	client, err := ledger.NewWSClient(ctx, config.LedgerWSURL, &wsCfg, metrics)
	if err != nil {
		log.Fatal().Err(err).Str("endpoint", config.LedgerWSURL).Msg("Ledger connection error")
	}
	defer client.Close()
	log.Info().Str("endpoint", config.LedgerWSURL).Msg("Ledger connected")

	submitter := ledger.NewSubmitter(client, store, ledger.SubmitterConfig{
		MaxAttempts:     params.MaxSubmitAttempts,
		PollInterval:    params.PollInterval,
		InitialInterval: 2 * time.Second,
		MaxInterval:     30 * time.Second,
	}, metrics)

	// --- 6. Registry and Orchestrator ---
	reg, err := registry.New(registry.Config{
		Signer:         registrySigner,
		ShareNamespace: config.RegistryShareCurrency,
		Params:         params,
	}, submitter, store, keystore, metrics)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create registry")
	}
	defer reg.Close()

	orch, err := orchestrator.New(orchestrator.Config{
		Directory:       reg,
		Credentials:     keystore,
		NewVault:        orchestrator.AccountFactory(submitter, store, params, metrics),
		Publish:         keystore.Descriptors(),
		HarvestInterval: params.HarvestInterval,
		Metrics:         metrics,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create orchestrator")
	}

	if once {
		orch.RunCycle(ctx)
		orch.Stop()
		log.Info().Msg("Single cycle completed")
		return
	}

	// --- 7. Start Web Server ---
	webServer := web.NewWebServer(config.WebPort, web.Dependencies{
		Registry: reg,
		Vaults:   orch,
		Store:    store,
		Metrics:  metrics,
	})
	go func() {
		log.Info().Str("port", config.WebPort).Str("url", "http://localhost:"+config.WebPort).Msg("Starting vaultd API")
		if err := webServer.Start(); err != nil {
			log.Error().Err(err).Msg("Web server failed")
		}
	}()

	// --- 8. Main Loop ---
	log.Info().Str("interval", LOOP_INTERVAL.String()).Msg("Starting vaultd main loop")
	orch.RunLoop(ctx, LOOP_INTERVAL)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := webServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Web server shutdown failed")
	}
	log.Info().Msg("vaultd stopped")
}
