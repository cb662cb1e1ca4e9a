package conflict

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"veritas/internal/eventstore"
	"veritas/pkg/domain"
)

// Resolver picks and runs a strategy for a losing command, then records the
// outcome. It never appends anything itself: the caller owns the retry, so
// retry policy stays outside the store exactly like the append path.
type Resolver struct {
	store      Store
	fallback   Strategy
	strategies map[string]Strategy
	logger     *slog.Logger
}

func NewResolver(store Store, fallback Strategy, logger *slog.Logger) *Resolver {
	r := &Resolver{
		store:      store,
		fallback:   fallback,
		strategies: make(map[string]Strategy),
		logger:     logger,
	}
	r.RegisterStrategy(fallback)
	return r
}

// RegisterStrategy makes a strategy selectable by name.
func (r *Resolver) RegisterStrategy(s Strategy) {
	r.strategies[s.Name()] = s
}

// Resolve applies the named strategy (or the default when name is empty) to
// a losing command. The returned resolution carries the command to append;
// the caller appends it and then calls Record with the committed event id.
func (r *Resolver) Resolve(ctx context.Context, losing eventstore.AppendRequest, winning eventstore.Event, strategyName string) (Resolution, error) {
	strategy, err := r.strategy(strategyName)
	if err != nil {
		return Resolution{}, err
	}

	resolution, err := strategy.Resolve(losing, winning)
	if err != nil {
		return Resolution{}, fmt.Errorf("strategy %s: %w", strategy.Name(), err)
	}

	r.logger.InfoContext(ctx, "conflict resolved",
		"aggregate_id", losing.AggregateID,
		"strategy", strategy.Name(),
		"outcome", resolution.Outcome,
		"superseded", resolution.Superseded)
	return resolution, nil
}

// Record persists the trace of a resolution after the caller has appended
// the resolution's command. losingEventID is the id that append assigned.
func (r *Resolver) Record(ctx context.Context, resolution Resolution, losingEventID domain.EventID, winning eventstore.Event, strategyName string) (Record, error) {
	strategy, err := r.strategy(strategyName)
	if err != nil {
		return Record{}, err
	}

	rec := Record{
		ID:             domain.NewConflictID(),
		AggregateID:    winning.AggregateID,
		LosingEventID:  losingEventID,
		WinningEventID: winning.EventID,
		Strategy:       strategy.Name(),
	}
	switch resolution.Outcome {
	case OutcomeManualReview:
		rec.Status = StatusManualReview
	default:
		now := time.Now().UTC()
		rec.Status = StatusResolved
		rec.ResolvedAt = &now
	}

	if err := r.store.Save(ctx, rec); err != nil {
		return Record{}, fmt.Errorf("record conflict: %w", err)
	}
	return rec, nil
}

// PendingReview lists conflicts awaiting a human decision.
func (r *Resolver) PendingReview(ctx context.Context, limit int) ([]Record, error) {
	return r.store.ListByStatus(ctx, StatusManualReview, limit)
}

// CloseReview marks a manual-review conflict as resolved by a reviewer.
func (r *Resolver) CloseReview(ctx context.Context, id domain.ConflictID) error {
	return r.store.MarkResolved(ctx, id, time.Now().UTC())
}

func (r *Resolver) strategy(name string) (Strategy, error) {
	if name == "" {
		return r.fallback, nil
	}
	strategy, ok := r.strategies[name]
	if !ok {
		return nil, fmt.Errorf("unknown conflict strategy %q", name)
	}
	return strategy, nil
}
