// Package config loads process configuration from environment variables and
// per-organization voice profiles from YAML files.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds server configuration.
type Config struct {
	Port     string
	LogLevel string

	// DatabaseDriver selects "sqlite" or "postgres".
	DatabaseDriver string
	DatabaseURL    string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	StreamName    string
	ConsumerGroup string
	ConsumerName  string

	TSAURL        string
	TSAPolicyOID  string
	TSATimeout    time.Duration
	TSARatePerSec float64

	// ExportStorage selects "fs", "s3", or "gcs" for sealed bundle exports.
	ExportStorage string
	ExportBucket  string
	ExportDir     string

	ProfilesDir  string
	OTLPEndpoint string
}

// Load loads configuration from environment variables.
func Load() *Config {
	cfg := &Config{
		Port:           getenv("PORT", "8080"),
		LogLevel:       getenv("LOG_LEVEL", "INFO"),
		DatabaseDriver: getenv("DATABASE_DRIVER", "sqlite"),
		DatabaseURL:    getenv("DATABASE_URL", "file:evidence.db?_pragma=journal_mode(WAL)"),
		RedisAddr:      getenv("REDIS_ADDR", ""),
		RedisPassword:  getenv("REDIS_PASSWORD", ""),
		RedisDB:        getenvInt("REDIS_DB", 0),
		StreamName:     getenv("ARTIFACT_STREAM", "evidence:artifact-events"),
		ConsumerGroup:  getenv("ARTIFACT_CONSUMER_GROUP", "evidence-tracker"),
		ConsumerName:   getenv("ARTIFACT_CONSUMER_NAME", "tracker-1"),
		TSAURL:         getenv("TSA_URL", ""),
		TSAPolicyOID:   getenv("TSA_POLICY_OID", ""),
		TSATimeout:     getenvDuration("TSA_TIMEOUT", 10*time.Second),
		TSARatePerSec:  getenvFloat("TSA_RATE_PER_SEC", 0),
		ExportStorage:  getenv("EXPORT_STORAGE", "fs"),
		ExportBucket:   getenv("EXPORT_BUCKET", ""),
		ExportDir:      getenv("EXPORT_DIR", "./exports"),
		ProfilesDir:    getenv("PROFILES_DIR", ""),
		OTLPEndpoint:   getenv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
	}
	return cfg
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getenvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
