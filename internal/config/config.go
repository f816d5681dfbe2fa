// Package config provides configuration management for Paddock.
// Runtime settings load from environment variables with the PADDOCK_
// prefix with sensible defaults; per-source settings load from a YAML
// file (see sources.go) because they are structured and reviewed like
// code, not tuned per deployment.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds all runtime configuration for the Paddock engine.
type Config struct {
	Server       ServerConfig
	Storage      StorageConfig
	Orchestrator OrchestratorConfig
	Aggregator   AggregatorConfig
	Security     SecurityConfig
}

// ServerConfig contains HTTP server configuration for paddockd.
type ServerConfig struct {
	Port int    // Server port (default: 7373)
	Host string // Server host (default: 127.0.0.1)
}

// StorageConfig contains database configuration.
type StorageConfig struct {
	StorageEngine string // Storage engine: sqlite, postgres (default: sqlite)
	DataPath      string // SQLite data directory (default: ./data)
	PostgresDSN   string // Connection string when StorageEngine is postgres
}

// OrchestratorConfig contains enrichment-run settings.
type OrchestratorConfig struct {
	DefaultBatchSize int           // Entities per run when the caller doesn't specify (default: 50)
	StalenessWindow  time.Duration // Re-fetch data older than this (default: 720h / 30 days)
	SourceWorkers    int           // Concurrent requests per source; rate limits dominate, keep low (default: 1)
}

// AggregatorConfig contains event-aggregation settings.
type AggregatorConfig struct {
	FlushInterval time.Duration // Scheduled flush period (default: 5m)
	CriticalUsers int           // Distinct-user count that forces an immediate flush (default: 10)
	MaxBuckets    int           // Cap on live fingerprint buckets (default: 1024)
}

// SecurityConfig contains authentication settings for paddockd.
type SecurityConfig struct {
	SecurityMode string // development or production (default: development)
	APIToken     string // Bearer token required in production mode
}

// LoadConfig loads configuration from environment variables with defaults.
func LoadConfig() (*Config, error) {
	return &Config{
		Server: ServerConfig{
			Port: getEnvInt("PADDOCK_PORT", 7373),
			Host: getEnv("PADDOCK_HOST", "127.0.0.1"),
		},
		Storage: StorageConfig{
			StorageEngine: getEnv("PADDOCK_STORAGE_ENGINE", "sqlite"),
			DataPath:      getEnv("PADDOCK_DATA_PATH", "./data"),
			PostgresDSN:   getEnv("PADDOCK_POSTGRES_DSN", ""),
		},
		Orchestrator: OrchestratorConfig{
			DefaultBatchSize: getEnvInt("PADDOCK_BATCH_SIZE", 50),
			StalenessWindow:  getEnvDuration("PADDOCK_STALENESS_WINDOW", 720*time.Hour),
			SourceWorkers:    getEnvInt("PADDOCK_SOURCE_WORKERS", 1),
		},
		Aggregator: AggregatorConfig{
			FlushInterval: getEnvDuration("PADDOCK_FLUSH_INTERVAL", 5*time.Minute),
			CriticalUsers: getEnvInt("PADDOCK_CRITICAL_USERS", 10),
			MaxBuckets:    getEnvInt("PADDOCK_MAX_BUCKETS", 1024),
		},
		Security: SecurityConfig{
			SecurityMode: getEnv("PADDOCK_SECURITY_MODE", "development"),
			APIToken:     getEnv("PADDOCK_API_TOKEN", ""),
		},
	}, nil
}

// getEnv retrieves a string environment variable or returns a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt retrieves an integer environment variable or returns a default
// value. Unparseable values fall back to the default.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvDuration retrieves a duration environment variable (Go duration
// syntax, e.g. "5m") or returns a default value.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
