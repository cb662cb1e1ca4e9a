// Command syncagent drains a device's durable offline queue against a
// veritas server. It is the headless core of the client sync loop: diary
// apps enqueue drafts locally and this loop pushes them, reconciling
// sequence conflicts along the way.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"veritas/internal/conflict"
	"veritas/internal/offline"
	"veritas/internal/offline/client"
	"veritas/internal/platform/config"
	"veritas/internal/platform/logger"
)

func main() {
	if err := run(); err != nil {
		slog.Error("syncagent exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	serverURL := os.Getenv("VERITAS_SERVER_URL")
	token := os.Getenv("VERITAS_TOKEN")
	if serverURL == "" || token == "" {
		return fmt.Errorf("VERITAS_SERVER_URL and VERITAS_TOKEN are required")
	}
	queuePath := envOr("SYNC_QUEUE_PATH", "veritas-queue.db")
	interval := envDurationOr("SYNC_INTERVAL", 30*time.Second)

	log := logger.New()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := offline.OpenSQLite(ctx, queuePath)
	if err != nil {
		return fmt.Errorf("open queue: %w", err)
	}
	defer store.Close()

	// Client-side resolution mirrors the server's policy so a device that
	// reconciles offline reaches the same outcome the server would.
	resolver := conflict.NewResolver(conflict.NewInMemoryStore(),
		conflict.LastWriteWins{Clock: config.FromEnv().Conflict.Clock}, log)
	resolver.RegisterStrategy(conflict.FieldMerge{})

	remote := client.New(serverURL, token, nil)
	manager := offline.NewManager(store, remote, resolver, log)

	log.Info("syncagent starting",
		"server", serverURL,
		"queue", queuePath,
		"interval", interval,
	)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := manager.Drain(ctx); err != nil {
			if ctx.Err() != nil {
				log.Info("syncagent stopped")
				return nil
			}
			log.Warn("drain pass failed, will retry", "error", err)
		}
		if depth, err := manager.Depth(ctx); err == nil {
			log.Info("queue state", "pending", depth.Pending, "failed", depth.Failed)
		}

		select {
		case <-ctx.Done():
			log.Info("syncagent stopped")
			return nil
		case <-ticker.C:
		}
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envDurationOr(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
