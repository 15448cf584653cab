package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the task mirror daemon.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string

	UpstreamBaseURL string
	UpstreamWSURL   string
	DatabaseURL     string

	SnapshotTTL      time.Duration
	CommitInterval   time.Duration
	MaxReconnects    int
	HandshakeTimeout time.Duration

	PollTierFast time.Duration
	PollTierMid  time.Duration
	PollTierSlow time.Duration
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:         envOrDefault("APP_BIND_ADDR", ":8085"),
		MetricsNamespace: envOrDefault("APP_METRICS_NAMESPACE", "taskmirror"),
		UpstreamBaseURL:  envOrDefault("UPSTREAM_BASE_URL", "http://127.0.0.1:8080"),
		UpstreamWSURL:    trimmedEnv("UPSTREAM_WS_URL"),
		DatabaseURL:      trimmedEnv("DATABASE_URL"),
		ShutdownTimeout:  15 * time.Second,
		SnapshotTTL:      5 * time.Minute,
		CommitInterval:   33 * time.Millisecond,
		MaxReconnects:    5,
		HandshakeTimeout: 60 * time.Second,
		PollTierFast:     2 * time.Second,
		PollTierMid:      3 * time.Second,
		PollTierSlow:     5 * time.Second,
	}

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.SnapshotTTL, err = durationFromEnv("APP_SNAPSHOT_TTL", cfg.SnapshotTTL)
	if err != nil {
		return Config{}, err
	}
	cfg.CommitInterval, err = durationFromEnv("APP_COMMIT_INTERVAL", cfg.CommitInterval)
	if err != nil {
		return Config{}, err
	}
	cfg.HandshakeTimeout, err = durationFromEnv("APP_STREAM_HANDSHAKE_TIMEOUT", cfg.HandshakeTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.MaxReconnects, err = intFromEnv("APP_STREAM_MAX_RECONNECTS", cfg.MaxReconnects)
	if err != nil {
		return Config{}, err
	}
	cfg.PollTierFast, err = durationFromEnv("APP_POLL_TIER_FAST", cfg.PollTierFast)
	if err != nil {
		return Config{}, err
	}
	cfg.PollTierMid, err = durationFromEnv("APP_POLL_TIER_MID", cfg.PollTierMid)
	if err != nil {
		return Config{}, err
	}
	cfg.PollTierSlow, err = durationFromEnv("APP_POLL_TIER_SLOW", cfg.PollTierSlow)
	if err != nil {
		return Config{}, err
	}

	if cfg.UpstreamWSURL == "" {
		cfg.UpstreamWSURL = deriveWSURL(cfg.UpstreamBaseURL)
	}
	if cfg.SnapshotTTL < 10*time.Second {
		return Config{}, fmt.Errorf("APP_SNAPSHOT_TTL must be at least 10s")
	}
	if cfg.CommitInterval <= 0 {
		return Config{}, fmt.Errorf("APP_COMMIT_INTERVAL must be positive")
	}
	if cfg.MaxReconnects <= 0 {
		return Config{}, fmt.Errorf("APP_STREAM_MAX_RECONNECTS must be positive")
	}
	if cfg.PollTierFast <= 0 || cfg.PollTierMid < cfg.PollTierFast || cfg.PollTierSlow < cfg.PollTierMid {
		return Config{}, fmt.Errorf("poll tiers must be positive and non-decreasing")
	}

	return cfg, nil
}

func deriveWSURL(baseURL string) string {
	u := strings.TrimSpace(baseURL)
	switch {
	case strings.HasPrefix(u, "https://"):
		return "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		return "ws://" + strings.TrimPrefix(u, "http://")
	default:
		return u
	}
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func trimmedEnv(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := trimmedEnv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := trimmedEnv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}
