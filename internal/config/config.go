// Package config loads the synthetic OTC market core's configuration
// from environment variables, with an optional .env file for local
// development.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds the full set of settings the core's components are wired
// with at startup.
type Config struct {
	DataDir   string // base directory for the sqlite database file
	LogLevel  string // debug, info, warn, error
	LogPretty bool
	Port      int // HTTP/WS server port

	FeedWSURL   string // upstream real-feed push endpoint (spec §4.C)
	FeedPollURL string // upstream real-feed REST quote endpoint, polling fallback

	ArchiveBucket          string
	ArchiveEndpoint        string // S3-compatible endpoint, e.g. an R2 account endpoint
	ArchiveRegion          string
	ArchiveAccessKeyID     string
	ArchiveSecretAccessKey string
	BackupRetention        time.Duration
	BackupMinKeep          int

	PriceHistoryRetention time.Duration

	RiskSeed int64 // deterministic seed for the risk RNG; 0 means seed from time
}

// Load reads configuration from the environment, applying a .env file
// first if one is present (godotenv.Load ignores a missing file).
func Load() (*Config, error) {
	_ = godotenv.Load()

	dataDir := getEnv("OTC_DATA_DIR", "./data")
	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("resolve data directory: %w", err)
	}
	if err := os.MkdirAll(absDataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	cfg := &Config{
		DataDir:   absDataDir,
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogPretty: getEnvAsBool("LOG_PRETTY", false),
		Port:      getEnvAsInt("OTC_PORT", 8080),

		FeedWSURL:   getEnv("OTC_FEED_WS_URL", ""),
		FeedPollURL: getEnv("OTC_FEED_POLL_URL", ""),

		ArchiveBucket:          getEnv("OTC_ARCHIVE_BUCKET", ""),
		ArchiveEndpoint:        getEnv("OTC_ARCHIVE_ENDPOINT", ""),
		ArchiveRegion:          getEnv("OTC_ARCHIVE_REGION", "auto"),
		ArchiveAccessKeyID:     getEnv("OTC_ARCHIVE_ACCESS_KEY_ID", ""),
		ArchiveSecretAccessKey: getEnv("OTC_ARCHIVE_SECRET_ACCESS_KEY", ""),
		BackupRetention:        time.Duration(getEnvAsInt("OTC_BACKUP_RETENTION_DAYS", 30)) * 24 * time.Hour,
		BackupMinKeep:          getEnvAsInt("OTC_BACKUP_MIN_KEEP", 3),

		PriceHistoryRetention: time.Duration(getEnvAsInt("OTC_PRICE_HISTORY_RETENTION_DAYS", 14)) * 24 * time.Hour,

		RiskSeed: int64(getEnvAsInt("OTC_RISK_SEED", 0)),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks invariants Load cannot enforce via defaults alone.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.BackupMinKeep < 1 {
		return fmt.Errorf("backup min-keep must be at least 1, got %d", c.BackupMinKeep)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}
