package main

import (
	"context"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"

	"github.com/elys-network/vaultd/internal/config"
	"github.com/elys-network/vaultd/internal/logger"
	"github.com/elys-network/vaultd/internal/state"
)

// reset_db drops and recreates every vaultd table, or with --rewind-cursor
// only rewinds one vault's ledger cursor so the next start backfills its history.
func main() {
	var envFile string
	var rewindVault string
	var rewindTo uint32

	flagSet := pflag.NewFlagSet("reset_db", pflag.ExitOnError)
	flagSet.StringVar(&envFile, "env-file", ".env", "environment file to load")
	flagSet.StringVar(&rewindVault, "rewind-cursor", "", "vault whose ledger cursor is rewound instead of dropping tables")
	flagSet.Uint32Var(&rewindTo, "ledger", 0, "ledger index the cursor is rewound to")
	_ = flagSet.Parse(os.Args[1:])

	// Load environment variables from .env file
	if err := godotenv.Load(envFile); err != nil {
		log.Warn().Msg("Warning: .env file not found or error loading .env file. Relying on OS environment variables.")
	}

	if err := config.LoadConfig(); err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	logger.Initialize(config.LogLevel, config.LogFormat)
	log.Info().Msg("Starting database reset script...")

	dbCfg := state.DBConfig{
		Host:     config.DBHost,
		Port:     config.DBPort,
		User:     config.DBUser,
		Password: config.DBPassword,
		DBName:   config.DBName,
		SSLMode:  config.DBSSLMode,
	}

	log.Info().
		Str("host", dbCfg.Host).
		Int("port", dbCfg.Port).
		Str("user", dbCfg.User).
		Str("dbname", dbCfg.DBName).
		Msg("Connecting to database")

	if err := state.InitDB(dbCfg); err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize database connection")
	}
	defer state.CloseDB()

	if rewindVault != "" {
		if err := state.ResetLedgerCursor(context.Background(), state.DB, rewindVault, rewindTo); err != nil {
			log.Fatal().Err(err).Msg("Failed to rewind ledger cursor")
		}
		log.Info().Str("vault", rewindVault).Uint32("ledger", rewindTo).Msg("Ledger cursor rewound")
		return
	}

	log.Info().Msg("Connected to database. Attempting to drop all tables...")

	// Drop all tables - this is the "reset" part
	dropTablesQuery := "DROP TABLE IF EXISTS " + strings.Join(state.Tables, ", ") + " CASCADE;"
	if _, err := state.DB.Exec(dropTablesQuery); err != nil {
		log.Fatal().Err(err).Msg("Failed to drop tables")
	}
	log.Info().Msg("Successfully dropped all tables")

	// Recreate the schema
	log.Info().Msg("Recreating database schema...")
	if err := state.EnsureSchema(); err != nil {
		log.Fatal().Err(err).Msg("Failed to recreate database schema")
	}
	log.Info().Msg("Database schema successfully recreated")

	log.Info().Msg("Database reset complete!")
}
