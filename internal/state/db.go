package state

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/rs/zerolog/log"
)

// DB is a global database connection pool.
var DB *sql.DB

// DBConfig holds database connection parameters.
type DBConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string // "disable", "require", "verify-full", etc.
}

// InitDB initializes the database connection pool.
func InitDB(cfg DBConfig) error {
	psqlInfo := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.DBName, cfg.SSLMode)

	db, err := OpenDB(psqlInfo)
	if err != nil {
		return err
	}
	DB = db

	log.Info().Msg("Successfully connected to the PostgreSQL database!")
	return nil
}

// OpenDB opens and pings a pool for the given DSN.
func OpenDB(dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return db, nil
}

// CloseDB closes the database connection pool.
func CloseDB() {
	if DB != nil {
		log.Info().Msg("Closing database connection...")
		if err := DB.Close(); err != nil {
			log.Error().Err(err).Msg("Error closing database connection")
		}
	}
}

// EnsureSchema applies the necessary DDL to create tables if they don't exist.
func EnsureSchema() error {
	if DB == nil {
		return ErrDatabaseNotInitialized
	}
	if err := applySchema(DB); err != nil {
		return err
	}
	log.Info().Msg("Database schema ensured.")
	return nil
}

// Tables lists every table owned by the engine, in drop order.
var Tables = []string{
	"submission_journal",
	"harvest_receipts",
	"ledger_cursors",
	"publish_progress",
	"strategy_states",
	"vault_withdrawals",
	"vault_deposits",
	"vault_positions",
}

func applySchema(db *sql.DB) error {
	schemaSQL := `
		CREATE TABLE IF NOT EXISTS vault_positions (
			vault VARCHAR(64) NOT NULL,
			depositor VARCHAR(64) NOT NULL,
			principal NUMERIC(38, 18) NOT NULL DEFAULT 0,
			shares NUMERIC(38, 18) NOT NULL DEFAULT 0,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (vault, depositor),
			CONSTRAINT positions_non_negative CHECK (principal >= 0 AND shares >= 0)
		);

		CREATE TABLE IF NOT EXISTS vault_deposits (
			vault VARCHAR(64) NOT NULL,
			tx_hash VARCHAR(64) NOT NULL,
			depositor VARCHAR(64) NOT NULL,
			amount NUMERIC(38, 18) NOT NULL,
			ledger_index BIGINT NOT NULL,
			stage VARCHAR(20) NOT NULL,
			share_tx_hash VARCHAR(64) NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (vault, tx_hash)
		);
		CREATE INDEX IF NOT EXISTS idx_vault_deposits_stage ON vault_deposits(vault, stage);

		CREATE TABLE IF NOT EXISTS vault_withdrawals (
			id VARCHAR(64) PRIMARY KEY,
			vault VARCHAR(64) NOT NULL,
			depositor VARCHAR(64) NOT NULL,
			shares NUMERIC(38, 18) NOT NULL,
			capital NUMERIC(38, 18) NOT NULL,
			returned NUMERIC(38, 18) NOT NULL DEFAULT 0,
			stage VARCHAR(20) NOT NULL,
			tx_hashes TEXT[] NOT NULL DEFAULT '{}', -- payout hash, burn hash
			created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS idx_vault_withdrawals_stage ON vault_withdrawals(vault, stage);

		CREATE TABLE IF NOT EXISTS strategy_states (
			vault VARCHAR(64) PRIMARY KEY,
			kind VARCHAR(16) NOT NULL,
			total_deployed NUMERIC(38, 18) NOT NULL,
			position_units NUMERIC(38, 18) NOT NULL,
			last_tx_hash TEXT NOT NULL DEFAULT '',
			updated_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
		);

		CREATE TABLE IF NOT EXISTS publish_progress (
			vault VARCHAR(64) PRIMARY KEY,
			stage VARCHAR(20) NOT NULL,
			descriptor BYTEA NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
		);

		CREATE TABLE IF NOT EXISTS ledger_cursors (
			vault VARCHAR(64) PRIMARY KEY,
			ledger_index BIGINT NOT NULL DEFAULT 0,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
		);

		CREATE TABLE IF NOT EXISTS harvest_receipts (
			id VARCHAR(64) PRIMARY KEY,
			vault VARCHAR(64) NOT NULL,
			beneficiary VARCHAR(64) NOT NULL,
			amount NUMERIC(38, 18) NOT NULL,
			stage VARCHAR(16) NOT NULL DEFAULT 'PAID',
			tx_hash VARCHAR(64) NOT NULL DEFAULT '',
			harvested_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
		ALTER TABLE harvest_receipts ADD COLUMN IF NOT EXISTS stage VARCHAR(16) NOT NULL DEFAULT 'PAID';
		CREATE INDEX IF NOT EXISTS idx_harvest_receipts_vault_time ON harvest_receipts(vault, harvested_at DESC);
		CREATE INDEX IF NOT EXISTS idx_harvest_receipts_pending ON harvest_receipts(vault, stage);

		CREATE TABLE IF NOT EXISTS submission_journal (
			key TEXT PRIMARY KEY,
			tx_hash VARCHAR(64) NOT NULL,
			last_ledger BIGINT NOT NULL,
			tx_type VARCHAR(32) NOT NULL,
			recorded_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema DDL: %w", err)
	}
	return nil
}
