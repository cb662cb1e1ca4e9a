package export

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"veritas/internal/eventstore"
)

const (
	workerPageSize     = 200
	workerPollInterval = 5 * time.Second
)

// globalReader is the slice of the event store the worker needs.
type globalReader interface {
	ReadGlobal(ctx context.Context, fromSequence int64, limit int) ([]eventstore.Event, error)
}

// Worker tails the ledger and publishes every committed event past the
// export cursor. Delivery is at-least-once: the cursor advances only after
// the broker accepted the record, so a crash between publish and advance
// re-publishes and consumers dedup on event_id.
type Worker struct {
	events    globalReader
	cursor    CursorStore
	publisher Publisher
	sub       eventstore.Subscription
	logger    *slog.Logger

	pollInterval time.Duration
	pageSize     int
}

// NewWorker builds an export worker. sub may be nil; the worker then runs
// on its poll ticker alone.
func NewWorker(events globalReader, cursor CursorStore, publisher Publisher, sub eventstore.Subscription, logger *slog.Logger) *Worker {
	return &Worker{
		events:       events,
		cursor:       cursor,
		publisher:    publisher,
		sub:          sub,
		logger:       logger,
		pollInterval: workerPollInterval,
		pageSize:     workerPageSize,
	}
}

// Run blocks until ctx is cancelled, waking on commit notifications and on
// the poll ticker. Publish failures are logged and retried from the cursor
// on the next wake.
func (w *Worker) Run(ctx context.Context) error {
	var wake <-chan int64
	if w.sub != nil {
		ch, stop, err := w.sub.Subscribe(ctx)
		if err != nil {
			return fmt.Errorf("subscribe export worker: %w", err)
		}
		defer stop()
		wake = ch
	}

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		if err := w.drain(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.logger.Error("export pass failed", slog.String("error", err.Error()))
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-wake:
		case <-ticker.C:
		}
	}
}

// drain publishes everything past the cursor, one page at a time.
func (w *Worker) drain(ctx context.Context) error {
	last, err := w.cursor.Last(ctx)
	if err != nil {
		return err
	}

	for {
		events, err := w.events.ReadGlobal(ctx, last, w.pageSize)
		if err != nil {
			return fmt.Errorf("read events after %d: %w", last, err)
		}
		for _, event := range events {
			if err := w.publisher.Publish(ctx, event); err != nil {
				return err
			}
			last = event.Sequence
			if err := w.cursor.Advance(ctx, last); err != nil {
				return err
			}
		}
		if len(events) < w.pageSize {
			return nil
		}
	}
}
