package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	for _, k := range []string{"DATABASE_URL", "MOUNT_SECRET", "COPY_CONCURRENCY", "UPLOAD_SESSION_TTL", "REPLAY_MEMORY_THRESHOLD"} {
		t.Setenv(k, "")
	}
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ListenAddr != ":8080" {
		t.Errorf("expected :8080, got %s", cfg.ListenAddr)
	}
	if cfg.ReplayMemoryThreshold != 20*1024*1024 {
		t.Errorf("expected 20 MiB replay threshold, got %d", cfg.ReplayMemoryThreshold)
	}
	if cfg.UploadSessionTTL != 24*time.Hour {
		t.Errorf("expected 24h session TTL, got %s", cfg.UploadSessionTTL)
	}
	if !cfg.MetricsEnabled {
		t.Error("metrics should be enabled by default")
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("UPLOAD_SESSION_TTL", "2h")
	t.Setenv("COPY_CONCURRENCY", "3")
	t.Setenv("METRICS_ENABLED", "false")
	t.Setenv("HOUSEKEEPING_INTERVAL", "not-a-duration")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.UploadSessionTTL != 2*time.Hour {
		t.Errorf("expected 2h, got %s", cfg.UploadSessionTTL)
	}
	if cfg.CopyConcurrency != 3 {
		t.Errorf("expected 3, got %d", cfg.CopyConcurrency)
	}
	if cfg.MetricsEnabled {
		t.Error("expected metrics disabled")
	}
	if cfg.HousekeepingInterval != 15*time.Minute {
		t.Errorf("invalid duration should fall back, got %s", cfg.HousekeepingInterval)
	}
}

func TestLoadValidation(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/objstore")
	t.Setenv("MOUNT_SECRET", "")
	if _, err := Load(); err == nil {
		t.Error("expected error without MOUNT_SECRET")
	}

	t.Setenv("MOUNT_SECRET", "a-long-enough-secret")
	t.Setenv("COPY_CONCURRENCY", "0")
	if _, err := Load(); err == nil {
		t.Error("expected error for zero copy concurrency")
	}
}
