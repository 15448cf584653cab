package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BindAddr != ":8085" {
		t.Fatalf("BindAddr = %q, want :8085", cfg.BindAddr)
	}
	if cfg.SnapshotTTL != 5*time.Minute {
		t.Fatalf("SnapshotTTL = %v, want 5m", cfg.SnapshotTTL)
	}
	if cfg.MaxReconnects != 5 {
		t.Fatalf("MaxReconnects = %d, want 5", cfg.MaxReconnects)
	}
	if cfg.UpstreamWSURL != "ws://127.0.0.1:8080" {
		t.Fatalf("UpstreamWSURL = %q, want derived ws url", cfg.UpstreamWSURL)
	}
}

func TestLoadOverridesAndValidation(t *testing.T) {
	t.Setenv("APP_SNAPSHOT_TTL", "2m")
	t.Setenv("APP_STREAM_MAX_RECONNECTS", "3")
	t.Setenv("UPSTREAM_BASE_URL", "https://tasks.example.com")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.SnapshotTTL != 2*time.Minute {
		t.Fatalf("SnapshotTTL = %v, want 2m", cfg.SnapshotTTL)
	}
	if cfg.MaxReconnects != 3 {
		t.Fatalf("MaxReconnects = %d, want 3", cfg.MaxReconnects)
	}
	if cfg.UpstreamWSURL != "wss://tasks.example.com" {
		t.Fatalf("UpstreamWSURL = %q, want wss derivation", cfg.UpstreamWSURL)
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	t.Setenv("APP_SNAPSHOT_TTL", "1s")
	if _, err := Load(); err == nil {
		t.Fatalf("Load() accepted too-small snapshot ttl")
	}
}

func TestLoadRejectsDecreasingPollTiers(t *testing.T) {
	t.Setenv("APP_POLL_TIER_FAST", "5s")
	t.Setenv("APP_POLL_TIER_MID", "2s")
	if _, err := Load(); err == nil {
		t.Fatalf("Load() accepted decreasing poll tiers")
	}
}
