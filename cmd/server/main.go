// Command server runs the veritas core: the HTTP API plus the background
// workers that fold views, form Merkle batches, and export committed events.
package main

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"veritas/internal/conflict"
	conflicthandler "veritas/internal/conflict/handler"
	"veritas/internal/eventstore"
	eventhandler "veritas/internal/eventstore/handler"
	esmetrics "veritas/internal/eventstore/metrics"
	"veritas/internal/evidence/batch"
	batchmetrics "veritas/internal/evidence/batch/metrics"
	"veritas/internal/evidence/tsa"
	"veritas/internal/export"
	exporthandler "veritas/internal/export/handler"
	jwttoken "veritas/internal/jwt_token"
	"veritas/internal/platform/config"
	"veritas/internal/platform/httpserver"
	"veritas/internal/platform/logger"
	"veritas/internal/platform/postgres"
	platformredis "veritas/internal/platform/redis"
	"veritas/internal/projection"
	projectionhandler "veritas/internal/projection/handler"
	projmetrics "veritas/internal/projection/metrics"
	httptransport "veritas/internal/transport/http"
	"veritas/pkg/platform/circuit"

	"github.com/go-chi/chi/v5"
)

const (
	tokenIssuer   = "veritas"
	tokenAudience = "veritas-api"

	shutdownGrace = 10 * time.Second
)

func main() {
	if err := run(); err != nil {
		slog.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := config.FromEnv()
	log := logger.New()
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := postgres.Open(ctx, cfg.Postgres)
	if err != nil {
		return fmt.Errorf("open postgres: %w", err)
	}
	defer db.Close()
	if err := postgres.Migrate(ctx, db); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	redisClient, err := platformredis.New(cfg.Redis)
	if err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}
	if redisClient != nil {
		defer redisClient.Close()
	}

	// Event store.
	store := eventstore.NewPostgres(db)
	storeOpts := []eventstore.Option{eventstore.WithMetrics(esmetrics.New())}
	if redisClient != nil {
		storeOpts = append(storeOpts, eventstore.WithDedupCache(redisClient.Client, cfg.Redis.DedupTTL))
	}
	events := eventstore.NewService(store, log, storeOpts...)
	events.RegisterEventType(projection.EventEntryCreated, 1)
	events.RegisterEventType(projection.EventEntryUpdated, 1)
	events.RegisterEventType(projection.EventEntryWithdrawn, 1)
	events.RegisterEventType(conflict.EventConflictProposal, 1)

	// Conflict resolution.
	resolver := conflict.NewResolver(conflict.NewPostgresStore(db),
		conflict.LastWriteWins{Clock: cfg.Conflict.Clock}, log)
	resolver.RegisterStrategy(conflict.LastWriteWins{Clock: config.ClockClient})
	resolver.RegisterStrategy(conflict.FieldMerge{})

	// Materialized views.
	engineOpts := []projection.Option{projection.WithMetrics(projmetrics.New())}
	if redisClient != nil {
		engineOpts = append(engineOpts, projection.WithViewCache(redisClient.Client, cfg.Redis.ViewTTL))
	}
	engine := projection.NewEngine(projection.NewPostgresViewStore(db), store,
		projection.NewDiaryProjector(), log, engineOpts...)
	listener := eventstore.NewPGListener(cfg.Postgres.DSN, log)
	runner := projection.NewRunner(engine, store, listener, log)

	// Merkle batching and attestation. The breaker keeps a flapping
	// authority from stalling every scheduler pass.
	authority, err := buildAuthority(cfg.Batch)
	if err != nil {
		return fmt.Errorf("configure attestation backend: %w", err)
	}
	authority = tsa.WithBreaker(authority, circuit.New("attestation"), log)
	batches := batch.NewService(batch.NewPostgresStore(db), store, authority, log,
		batch.WithMetrics(batchmetrics.New()))
	scheduler := batch.NewScheduler(batches, cfg.Batch.Window, cfg.Batch.PollInterval, log)

	// Export legs: regulator bundles always; Kafka fan-out when brokers are
	// configured.
	bundle := export.NewBundleService(store, batches)
	var publisher *export.KafkaPublisher
	if len(cfg.Kafka.Brokers) > 0 {
		publisher, err = export.NewKafkaPublisher(ctx, cfg.Kafka.Brokers,
			cfg.Kafka.EventsTopic, cfg.Kafka.Partitions, log)
		if err != nil {
			return fmt.Errorf("connect kafka: %w", err)
		}
		defer publisher.Close()
	}

	tokens := jwttoken.NewService(cfg.JWTSigningKey, tokenIssuer, tokenAudience)
	views := projectionhandler.New(engine, log)
	router := httptransport.NewRouter(httptransport.Deps{
		Logger:    log,
		Validator: tokens,
		Streams:   eventhandler.New(events, resolver, log),
		Views:     views,
		Exports:   exporthandler.New(bundle, log),
		Reviewer: httptransport.RegistrarFunc(func(r chi.Router) {
			conflicthandler.New(resolver, log).Register(r)
			views.RegisterRebuild(r)
		}),
		ReviewerRoles: []string{"investigator", "sponsor"},
		Health: func(ctx context.Context) error {
			if err := db.PingContext(ctx); err != nil {
				return fmt.Errorf("postgres: %w", err)
			}
			if redisClient != nil {
				if err := redisClient.Health(ctx); err != nil {
					return fmt.Errorf("redis: %w", err)
				}
			}
			return nil
		},
	})

	srv := httpserver.New(cfg.Addr, router)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info("http server starting", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		log.Info("projection runner starting")
		return ignoreCancel(runner.Run(ctx))
	})
	g.Go(func() error {
		log.Info("batch scheduler starting",
			"window", cfg.Batch.Window,
			"poll_interval", cfg.Batch.PollInterval,
			"backend", authority.Name())
		return ignoreCancel(scheduler.Run(ctx))
	})
	if publisher != nil {
		worker := export.NewWorker(store, export.NewPostgresCursorStore(db), publisher, listener, log)
		g.Go(func() error {
			log.Info("export worker starting", "topic", cfg.Kafka.EventsTopic)
			return ignoreCancel(worker.Run(ctx))
		})
	}

	err = g.Wait()
	log.Info("server stopped")
	return err
}

// buildAuthority picks the attestation backend: an RFC 3161 TSA when an
// endpoint is configured, otherwise the anchoring calendar.
func buildAuthority(cfg config.BatchConfig) (tsa.Authority, error) {
	if cfg.TSAEndpoint != "" {
		return tsa.NewRFC3161(cfg.TSAEndpoint, nil), nil
	}
	if cfg.CalendarURL == "" {
		return nil, errors.New("one of TSA_ENDPOINT or CALENDAR_URL is required")
	}
	rawKey, err := hex.DecodeString(cfg.CalendarKey)
	if err != nil || len(rawKey) != ed25519.PublicKeySize {
		return nil, errors.New("CALENDAR_PUBLIC_KEY must be a hex ed25519 public key")
	}
	return tsa.NewAnchor("anchor", cfg.CalendarURL, ed25519.PublicKey(rawKey), nil), nil
}

func ignoreCancel(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
