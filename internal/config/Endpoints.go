package config

import (
	"errors"
	"net/url"
	"strconv"

	"github.com/rs/zerolog/log"
)

// Endpoint configuration loaded from environment variables.
// These are populated at startup by the LoadConfig function.
var (
	// LedgerWSURL is the WebSocket endpoint of the ledger node.
	LedgerWSURL string

	// WebPort is the port the HTTP API listens on.
	WebPort string

	// Database connection settings.
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string
)

// loadEndpointConfig loads endpoint configuration from environment variables.
// This function is called by LoadConfig() in General.go.
func loadEndpointConfig() error {
	log.Info().Msg("Loading endpoint configuration from environment variables...")

	var err error

	LedgerWSURL, err = getEnv("LEDGER_WS_URL")
	if err != nil {
		return err
	}
	u, err := url.Parse(LedgerWSURL)
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
		return errors.New("environment variable LEDGER_WS_URL must be a ws:// or wss:// URL, got: " + LedgerWSURL)
	}

	WebPort = getEnvOrDefault("WEB_PORT", "8080")

	DBHost, err = getEnv("DB_HOST")
	if err != nil {
		return err
	}
	DBPort, err = strconv.Atoi(getEnvOrDefault("DB_PORT", "5432"))
	if err != nil {
		return errors.New("environment variable DB_PORT must be a valid port")
	}
	DBUser, err = getEnv("DB_USER")
	if err != nil {
		return err
	}
	DBPassword = getEnvOrDefault("DB_PASSWORD", "")
	DBName, err = getEnv("DB_NAME")
	if err != nil {
		return err
	}
	DBSSLMode = getEnvOrDefault("DB_SSLMODE", "disable")

	log.Debug().
		Str("LedgerWSURL", LedgerWSURL).
		Str("WebPort", WebPort).
		Str("DBHost", DBHost).
		Str("DBName", DBName).
		Msg("Endpoint configuration loaded successfully.")

	return nil
}
