package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"taskmirror/internal/accumulator"
	"taskmirror/internal/config"
	"taskmirror/internal/coordinator"
	"taskmirror/internal/httpapi"
	"taskmirror/internal/observability"
	"taskmirror/internal/polling"
	"taskmirror/internal/recovery"
	"taskmirror/internal/stream"
	"taskmirror/internal/tasks"
	"taskmirror/internal/upstream"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	ctx := context.Background()
	snaps, err := recovery.NewStore(ctx, cfg.DatabaseURL, cfg.SnapshotTTL)
	if err != nil {
		log.Fatalf("snapshot store init failed: %v", err)
	}
	defer snaps.Close()

	snapshotMode := "in-memory"
	if strings.TrimSpace(cfg.DatabaseURL) != "" {
		snapshotMode = "postgres"
	}
	log.Printf("snapshot store: %s (ttl %s)", snapshotMode, cfg.SnapshotTTL)

	cache := tasks.NewCache()
	acc := accumulator.New(cache, snaps, cfg.CommitInterval, metrics)

	streams := stream.NewManager(stream.Config{
		WSBaseURL:        cfg.UpstreamWSURL,
		MaxReconnects:    cfg.MaxReconnects,
		HandshakeTimeout: cfg.HandshakeTimeout,
	}, cache, acc, snaps, metrics)

	client := upstream.New(cfg.UpstreamBaseURL)
	polls := polling.NewController(client, cache, polling.Tiers{
		Fast: cfg.PollTierFast,
		Mid:  cfg.PollTierMid,
		Slow: cfg.PollTierSlow,
	}, metrics)

	coord := coordinator.New(client, streams, polls, cache, snaps, metrics)

	api := httpapi.New(cfg, coord, cache, metrics, snapshotMode)
	httpServer := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("server listening on %s (upstream %s)", cfg.BindAddr, cfg.UpstreamBaseURL)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Printf("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
		_ = httpServer.Close()
	}

	coord.Close()
	log.Printf("shutdown complete")
}
