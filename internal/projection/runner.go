package projection

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"veritas/internal/eventstore"
)

// globalReader is the slice of the event store the runner needs.
type globalReader interface {
	ReadGlobal(ctx context.Context, fromSequence int64, limit int) ([]eventstore.Event, error)
}

// Runner drives the engine from the global stream. Notifications are only a
// wakeup: the runner always re-polls from its cursor, so lost or coalesced
// notifications are harmless, and a poll interval catches anything missed
// while a listener was reconnecting.
type Runner struct {
	engine       *Engine
	events       globalReader
	sub          eventstore.Subscription
	logger       *slog.Logger
	pollInterval time.Duration
	pageSize     int
}

func NewRunner(engine *Engine, events globalReader, sub eventstore.Subscription, logger *slog.Logger) *Runner {
	return &Runner{
		engine:       engine,
		events:       events,
		sub:          sub,
		logger:       logger,
		pollInterval: 5 * time.Second,
		pageSize:     200,
	}
}

// Run blocks until ctx is cancelled. On start it resumes from the highest
// sequence any view has folded; events at or below that were already
// applied, and reapplying stragglers is a no-op anyway.
func (r *Runner) Run(ctx context.Context) error {
	cursor, err := r.engine.views.MaxSequence(ctx)
	if err != nil {
		return fmt.Errorf("projection runner: resume cursor: %w", err)
	}
	r.logger.InfoContext(ctx, "projection runner starting", "from_sequence", cursor)

	var wake <-chan int64
	if r.sub != nil {
		ch, cancel, err := r.sub.Subscribe(ctx)
		if err != nil {
			return fmt.Errorf("projection runner: subscribe: %w", err)
		}
		defer cancel()
		wake = ch
	}

	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		advanced, err := r.catchUp(ctx, &cursor)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			r.logger.ErrorContext(ctx, "projection catch-up failed", "error", err, "cursor", cursor)
		}
		if advanced {
			// More may already be committed; drain before sleeping.
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-wake:
		case <-ticker.C:
		}
	}
}

// catchUp applies everything committed past the cursor. Returns whether the
// cursor moved.
func (r *Runner) catchUp(ctx context.Context, cursor *int64) (bool, error) {
	start := *cursor
	events, err := r.events.ReadGlobal(ctx, *cursor, r.pageSize)
	if err != nil {
		return false, fmt.Errorf("read global from %d: %w", *cursor, err)
	}
	for _, event := range events {
		if _, err := r.engine.ApplyEvent(ctx, event); err != nil {
			// Stop at the failed event; the cursor stays behind it so the
			// next pass retries. A poison event stalls the projection,
			// never the ledger.
			return *cursor > start, fmt.Errorf("apply seq=%d: %w", event.Sequence, err)
		}
		*cursor = event.Sequence
	}
	return *cursor > start, nil
}
