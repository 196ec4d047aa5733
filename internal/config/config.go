package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds all sync-core configuration.
// Values are loaded from environment variables with sensible defaults.
type Config struct {
	// Daemon
	Port     int
	LogLevel string

	// Local store
	StoreDir string
	AppSalt  string
	DevMode  bool

	// Remote backend
	RemoteURL    string
	RemoteSecret string
	HTTPTimeout  time.Duration

	// Replication
	BatchSize     int
	SyncInterval  time.Duration
	BatchTimeout  time.Duration
	MaxConcurrent int

	// Resilience
	MaxRetries     int
	InitialBackoff time.Duration

	// Aging job
	ArrearsAfter time.Duration

	// Observability
	OTLPEndpoint string
	TracingOn    bool
}

// Load reads configuration from environment variables with defaults.
func Load() *Config {
	return &Config{
		Port:     getEnvInt("PORT", 8090),
		LogLevel: getEnv("LOG_LEVEL", "info"),

		StoreDir: getEnv("STORE_DIR", "./data"),
		AppSalt:  getEnv("APP_SALT", ""),
		DevMode:  getEnv("DEV_MODE", "false") == "true",

		RemoteURL:    getEnv("REMOTE_URL", "http://localhost:8080"),
		RemoteSecret: getEnv("REMOTE_SECRET", ""),
		HTTPTimeout:  getEnvDuration("HTTP_TIMEOUT", 10*time.Second),

		BatchSize:     getEnvInt("SYNC_BATCH_SIZE", 100),
		SyncInterval:  getEnvDuration("SYNC_INTERVAL", 30*time.Second),
		BatchTimeout:  getEnvDuration("SYNC_BATCH_TIMEOUT", 15*time.Second),
		MaxConcurrent: getEnvInt("SYNC_MAX_CONCURRENT", 3),

		MaxRetries:     getEnvInt("MAX_RETRIES", 3),
		InitialBackoff: getEnvDuration("INITIAL_BACKOFF", 100*time.Millisecond),

		ArrearsAfter: getEnvDuration("ARREARS_AFTER", 30*24*time.Hour),

		OTLPEndpoint: getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
		TracingOn:    getEnv("TRACING_ON", "false") == "true",
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
