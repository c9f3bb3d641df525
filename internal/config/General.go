package config

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/elys-network/vaultd/internal/types"
)

// AppConfig holds all application configuration loaded from environment variables.
// These are populated at startup by the LoadConfig function.
var (
	// RegistryAddress is the account whose trust lines enumerate published vaults.
	RegistryAddress string
	// RegistryShareCurrency optionally restricts discovery to share currencies with this prefix.
	RegistryShareCurrency string

	// KeystorePath is the age-encrypted credential file.
	KeystorePath string
	// KeystoreIdentityPath is the age identity file that decrypts the keystore.
	KeystoreIdentityPath string

	// AmountPrecision is the number of decimal places amounts are truncated to.
	AmountPrecision uint32
	// SubmitTimeout bounds the wall-clock wait for a single submission.
	SubmitTimeout time.Duration
	// LedgerWindow is the number of ledgers a submitted transaction stays valid for.
	LedgerWindow uint32
	// HarvestInterval is the period between automatic harvests of every vault.
	HarvestInterval time.Duration

	// Mode must be "live" for the daemon to submit transactions.
	Mode string
	// LogLevel is one of debug, info, warn, error.
	LogLevel string
	// LogFormat is "json" or "console".
	LogFormat string
)

// LoadConfig loads configuration from environment variables and sets the global config vars.
// Variables without a documented default are required.
func LoadConfig() error {
	log.Info().Msg("Loading application configuration from environment variables...")

	var err error

	RegistryAddress, err = getEnv("REGISTRY_ADDRESS")
	if err != nil {
		return err
	}
	RegistryShareCurrency = getEnvOrDefault("REGISTRY_SHARE_CURRENCY", "")

	KeystorePath, err = getEnvAsPath("KEYSTORE_PATH")
	if err != nil {
		return err
	}

	KeystoreIdentityPath, err = getEnvAsPath("KEYSTORE_IDENTITY_PATH")
	if err != nil {
		return err
	}

	precision, err := getEnvAsUint64("AMOUNT_PRECISION")
	if err != nil {
		return err
	}
	if precision > 18 {
		return errors.New("environment variable AMOUNT_PRECISION must be at most 18")
	}
	AmountPrecision = uint32(precision)

	SubmitTimeout, err = getEnvAsDuration("SUBMIT_TIMEOUT")
	if err != nil {
		return err
	}

	window, err := getEnvAsUint64("LEDGER_WINDOW")
	if err != nil {
		return err
	}
	if window == 0 || window > 1000 {
		return errors.New("environment variable LEDGER_WINDOW must be between 1 and 1000")
	}
	LedgerWindow = uint32(window)

	HarvestInterval, err = getEnvAsDuration("HARVEST_INTERVAL")
	if err != nil {
		return err
	}

	Mode = getEnvOrDefault("VAULTD_MODE", "")
	LogLevel = getEnvOrDefault("LOG_LEVEL", "info")
	LogFormat = getEnvOrDefault("LOG_FORMAT", "console")

	// Load endpoint configuration
	if err := loadEndpointConfig(); err != nil {
		return err
	}

	log.Debug().
		Str("RegistryAddress", RegistryAddress).
		Str("LedgerWSURL", LedgerWSURL).
		Uint32("AmountPrecision", AmountPrecision).
		Dur("HarvestInterval", HarvestInterval).
		Msg("Configuration loaded successfully.")

	return nil
}

// Params returns DefaultVaultParameters with the values loaded from the environment applied.
func Params() types.VaultParameters {
	params := DefaultVaultParameters
	if AmountPrecision > 0 {
		params.AmountPrecision = AmountPrecision
	}
	if SubmitTimeout > 0 {
		params.SubmitTimeout = SubmitTimeout
	}
	if LedgerWindow > 0 {
		params.LedgerWindow = LedgerWindow
	}
	if HarvestInterval > 0 {
		params.HarvestInterval = HarvestInterval
	}
	return params
}

// getEnv retrieves a string environment variable. Returns error if not set.
func getEnv(key string) (string, error) {
	if value, exists := os.LookupEnv(key); exists {
		return value, nil
	}
	return "", errors.New("environment variable " + key + " is required but not set")
}

// getEnvOrDefault retrieves an optional string environment variable.
func getEnvOrDefault(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists && value != "" {
		return value
	}
	return fallback
}

// getEnvAsUint64 retrieves an environment variable as a uint64. Returns error if not set or invalid.
func getEnvAsUint64(key string) (uint64, error) {
	valueStr, err := getEnv(key)
	if err != nil {
		return 0, err
	}
	value, err := strconv.ParseUint(valueStr, 10, 64)
	if err != nil {
		return 0, errors.New("environment variable " + key + " must be a valid uint64, got: " + valueStr)
	}
	return value, nil
}

// getEnvAsDuration retrieves a positive duration such as "30s". Returns error if not set or invalid.
func getEnvAsDuration(key string) (time.Duration, error) {
	valueStr, err := getEnv(key)
	if err != nil {
		return 0, err
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil || value <= 0 {
		return 0, errors.New("environment variable " + key + " must be a positive duration, got: " + valueStr)
	}
	return value, nil
}

// getEnvAsPath retrieves a file path, expanding a leading tilde to the user's home directory.
func getEnvAsPath(key string) (string, error) {
	path, err := getEnv(key)
	if err != nil {
		return "", err
	}
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[2:])
	}
	return path, nil
}
