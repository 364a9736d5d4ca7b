// Package config loads configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all server configuration.
type Config struct {
	// Server
	ListenAddr      string
	MetricsAddr     string
	MetricsEnabled  bool
	ShutdownTimeout time.Duration

	// Logging
	LogLevel  string
	LogFormat string

	// Database (optional). Without it mounts come from MountsFile and file
	// records are not persisted.
	DatabaseURL string
	// MountSecret derives the key that seals mount credentials in the
	// database.
	MountSecret string

	// MountsFile is a YAML list of bucket mounts, used without a database.
	MountsFile string

	// LocalRoot holds per-user local storage; empty disables it.
	LocalRoot string

	// Object storage
	UploadSessionTTL      time.Duration
	HousekeepingInterval  time.Duration
	CopyConcurrency       int
	ReplayMemoryThreshold int64
	TempDir               string
	PresignExpiry         time.Duration
}

// Load reads configuration from environment variables with defaults.
func Load() (*Config, error) {
	cfg := &Config{
		ListenAddr:            envOr("LISTEN_ADDR", ":8080"),
		MetricsAddr:           envOr("METRICS_ADDR", ":9090"),
		MetricsEnabled:        envBool("METRICS_ENABLED", true),
		ShutdownTimeout:       envDuration("SHUTDOWN_TIMEOUT", 30*time.Second),
		LogLevel:              envOr("LOG_LEVEL", "info"),
		LogFormat:             envOr("LOG_FORMAT", "json"),
		DatabaseURL:           envOr("DATABASE_URL", ""),
		MountSecret:           envOr("MOUNT_SECRET", ""),
		MountsFile:            envOr("MOUNTS_FILE", ""),
		LocalRoot:             envOr("LOCAL_ROOT", "/data/storage"),
		UploadSessionTTL:      envDuration("UPLOAD_SESSION_TTL", 24*time.Hour),
		HousekeepingInterval:  envDuration("HOUSEKEEPING_INTERVAL", 15*time.Minute),
		CopyConcurrency:       envInt("COPY_CONCURRENCY", 8),
		ReplayMemoryThreshold: envInt64("REPLAY_MEMORY_THRESHOLD", 20*1024*1024), // 20 MiB
		TempDir:               envOr("TEMP_DIR", ""),
		PresignExpiry:         envDuration("PRESIGN_EXPIRY", 15*time.Minute),
	}

	if cfg.DatabaseURL != "" && cfg.MountSecret == "" {
		return nil, fmt.Errorf("MOUNT_SECRET is required when DATABASE_URL is set")
	}
	if cfg.CopyConcurrency < 1 {
		return nil, fmt.Errorf("COPY_CONCURRENCY must be at least 1")
	}
	if cfg.ReplayMemoryThreshold < 0 {
		return nil, fmt.Errorf("REPLAY_MEMORY_THRESHOLD must not be negative")
	}

	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func envInt64(key string, fallback int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return i
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
