package projection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"veritas/internal/eventstore"
	"veritas/internal/projection/metrics"
	"veritas/pkg/domain"
	"veritas/pkg/platform/sentinel"
)

// streamReader is the slice of the event store the engine needs.
type streamReader interface {
	ReadStream(ctx context.Context, aggregateID domain.AggregateID, fromSequence int64, limit int) ([]eventstore.Event, error)
}

// Engine folds committed events into materialized views. Application is
// idempotent: an event at or below the view's latest_sequence is a no-op,
// which makes at-least-once delivery from the global stream safe.
type Engine struct {
	views     ViewStore
	events    streamReader
	projector Projector
	logger    *slog.Logger
	metrics   *metrics.Metrics
	cache     *redis.Client
	cacheTTL  time.Duration
}

// Option configures the Engine.
type Option func(*Engine)

// WithMetrics sets the metrics collector.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithViewCache enables a redis read-through cache for GetView. Writes
// invalidate; reads populate. The store remains the source of the row.
func WithViewCache(client *redis.Client, ttl time.Duration) Option {
	return func(e *Engine) {
		e.cache = client
		e.cacheTTL = ttl
	}
}

func NewEngine(views ViewStore, events streamReader, projector Projector, logger *slog.Logger, opts ...Option) *Engine {
	e := &Engine{
		views:     views,
		events:    events,
		projector: projector,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ApplyEvent folds one committed event into its aggregate's view.
// Reapplying an already-folded event returns the current view unchanged.
func (e *Engine) ApplyEvent(ctx context.Context, event eventstore.Event) (View, error) {
	start := time.Now()

	view, err := e.views.Get(ctx, event.AggregateID)
	switch {
	case errors.Is(err, sentinel.ErrNotFound):
		view = View{AggregateID: event.AggregateID}
	case err != nil:
		return View{}, fmt.Errorf("load view %s: %w", event.AggregateID, err)
	}

	if event.Sequence <= view.LatestSequence {
		if e.metrics != nil {
			e.metrics.EventsSkipped.Inc()
		}
		return view, nil
	}

	state, err := e.projector.Apply(view.State, event)
	if err != nil {
		if e.metrics != nil {
			e.metrics.ApplyFailures.Inc()
		}
		return View{}, fmt.Errorf("fold event seq=%d into %s: %w", event.Sequence, event.AggregateID, err)
	}

	view.LatestSequence = event.Sequence
	view.State = state
	// Derived from the event, not the wall clock, so a rebuild lands on
	// the identical row.
	view.UpdatedAt = event.ServerTimestamp.UTC()

	if len(state) > 0 {
		if err := e.views.Save(ctx, view); err != nil {
			return View{}, fmt.Errorf("save view %s: %w", event.AggregateID, err)
		}
		e.invalidate(ctx, event.AggregateID)
	}

	if e.metrics != nil {
		e.metrics.EventsApplied.Inc()
		e.metrics.ApplyDuration.Observe(time.Since(start).Seconds())
	}
	return view, nil
}

// GetView returns the current projected state, or sentinel.ErrNotFound.
// Staleness is acceptable: the row's latest_sequence tells the caller how
// far the projection has caught up.
func (e *Engine) GetView(ctx context.Context, aggregateID domain.AggregateID) (View, error) {
	if view, ok := e.cachedView(ctx, aggregateID); ok {
		return view, nil
	}

	view, err := e.views.Get(ctx, aggregateID)
	if err != nil {
		return View{}, err
	}
	e.cacheView(ctx, view)
	return view, nil
}

// Rebuild replays the aggregate's stream from zero and replaces the view.
// The result must be identical to what incremental application produced.
func (e *Engine) Rebuild(ctx context.Context, aggregateID domain.AggregateID) (View, error) {
	if e.metrics != nil {
		e.metrics.Rebuilds.Inc()
	}

	view := View{AggregateID: aggregateID}
	from := int64(0)
	for {
		events, err := e.events.ReadStream(ctx, aggregateID, from, rebuildPageSize)
		if err != nil {
			return View{}, fmt.Errorf("rebuild %s: read stream: %w", aggregateID, err)
		}
		if len(events) == 0 {
			break
		}
		for _, event := range events {
			state, err := e.projector.Apply(view.State, event)
			if err != nil {
				return View{}, fmt.Errorf("rebuild %s: fold seq=%d: %w", aggregateID, event.Sequence, err)
			}
			view.State = state
			view.LatestSequence = event.Sequence
			view.UpdatedAt = event.ServerTimestamp.UTC()
		}
		from = events[len(events)-1].Sequence
	}

	if view.LatestSequence == 0 {
		return View{}, sentinel.ErrNotFound
	}

	if err := e.views.Save(ctx, view); err != nil {
		return View{}, fmt.Errorf("rebuild %s: save: %w", aggregateID, err)
	}
	e.invalidate(ctx, aggregateID)

	e.logger.InfoContext(ctx, "view rebuilt",
		"aggregate_id", aggregateID,
		"latest_sequence", view.LatestSequence)
	return view, nil
}

const rebuildPageSize = 500

func cacheKey(aggregateID domain.AggregateID) string {
	return "veritas:view:" + string(aggregateID)
}

func (e *Engine) cachedView(ctx context.Context, aggregateID domain.AggregateID) (View, bool) {
	if e.cache == nil {
		return View{}, false
	}
	raw, err := e.cache.Get(ctx, cacheKey(aggregateID)).Bytes()
	if err != nil {
		if e.metrics != nil && errors.Is(err, redis.Nil) {
			e.metrics.CacheMisses.Inc()
		}
		return View{}, false
	}
	var view View
	if err := json.Unmarshal(raw, &view); err != nil {
		return View{}, false
	}
	if e.metrics != nil {
		e.metrics.CacheHits.Inc()
	}
	return view, true
}

func (e *Engine) cacheView(ctx context.Context, view View) {
	if e.cache == nil {
		return
	}
	raw, err := json.Marshal(view)
	if err != nil {
		return
	}
	if err := e.cache.Set(ctx, cacheKey(view.AggregateID), raw, e.cacheTTL).Err(); err != nil {
		e.logger.WarnContext(ctx, "view cache write failed", "error", err)
	}
}

func (e *Engine) invalidate(ctx context.Context, aggregateID domain.AggregateID) {
	if e.cache == nil {
		return
	}
	if err := e.cache.Del(ctx, cacheKey(aggregateID)).Err(); err != nil {
		e.logger.WarnContext(ctx, "view cache invalidation failed", "error", err)
	}
}
