package offline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"veritas/internal/conflict"
	"veritas/internal/eventstore"
	"veritas/pkg/domain"
)

// Remote is the ledger as seen from the client: append plus enough read
// access to rebase after a conflict. Implemented by the HTTP sync client
// and by the in-process service in tests.
type Remote interface {
	Append(ctx context.Context, req eventstore.AppendRequest) (eventstore.AppendResult, error)
	// Head returns the newest committed event for an aggregate.
	Head(ctx context.Context, aggregateID domain.AggregateID) (eventstore.Event, error)
}

// Manager owns the durable queue and its drain loop.
type Manager struct {
	store    Store
	remote   Remote
	resolver *conflict.Resolver
	logger   *slog.Logger

	maxElapsed time.Duration
	maxRebases int
}

// ManagerOption configures the Manager.
type ManagerOption func(*Manager)

// WithMaxElapsed bounds how long one entry is retried per drain pass.
func WithMaxElapsed(d time.Duration) ManagerOption {
	return func(m *Manager) { m.maxElapsed = d }
}

func NewManager(store Store, remote Remote, resolver *conflict.Resolver, logger *slog.Logger, opts ...ManagerOption) *Manager {
	m := &Manager{
		store:      store,
		remote:     remote,
		resolver:   resolver,
		logger:     logger,
		maxElapsed: 2 * time.Minute,
		maxRebases: 5,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Enqueue stores a draft durably, synchronously with the user action that
// produced it. The assigned local id is the idempotency key for every later
// sync attempt.
func (m *Manager) Enqueue(ctx context.Context, req eventstore.AppendRequest) (Entry, error) {
	localID := domain.NewLocalID()
	if req.LocalID != nil {
		localID = *req.LocalID
	}
	req.LocalID = &localID

	entry := Entry{
		LocalID:    localID,
		Request:    req,
		Status:     StatusPending,
		EnqueuedAt: time.Now().UTC(),
	}
	if err := m.store.Enqueue(ctx, entry); err != nil {
		return Entry{}, err
	}
	m.logger.InfoContext(ctx, "event captured offline",
		"local_id", localID,
		"aggregate_id", req.AggregateID,
		"event_type", req.Type)
	return entry, nil
}

// Drain pushes every pending entry to the ledger in FIFO order. Transient
// failures (network down, ledger unavailable) back off and retry; a
// sequence conflict runs the resolution policy and resubmits; a validation
// rejection is permanent and marks the entry failed for the user. Returns
// when the queue has no more pending entries or ctx is cancelled.
func (m *Manager) Drain(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		pending, err := m.store.Pending(ctx, 50)
		if err != nil {
			return fmt.Errorf("drain: %w", err)
		}
		if len(pending) == 0 {
			return nil
		}
		for _, entry := range pending {
			if err := m.sync(ctx, entry); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return fmt.Errorf("drain %s: %w", entry.LocalID, err)
			}
		}
	}
}

// sync pushes one entry through append, conflict resolution, and removal.
func (m *Manager) sync(ctx context.Context, entry Entry) error {
	req := entry.Request

	for rebase := 0; ; rebase++ {
		result, err := m.appendWithRetry(ctx, entry.LocalID, req)
		if err == nil {
			if result.Deduplicated {
				m.logger.InfoContext(ctx, "entry already committed, removing",
					"local_id", entry.LocalID, "event_id", result.Event.EventID)
			}
			return m.store.Remove(ctx, entry.LocalID)
		}

		var validation *eventstore.ValidationError
		if errors.As(err, &validation) {
			m.logger.WarnContext(ctx, "entry permanently rejected",
				"local_id", entry.LocalID, "reason", validation.Error())
			return m.store.MarkFailed(ctx, entry.LocalID, validation.Error())
		}

		var conflictErr *eventstore.ConflictError
		if !errors.As(err, &conflictErr) {
			return err
		}
		if rebase >= m.maxRebases {
			m.logger.WarnContext(ctx, "entry kept losing races, needs review",
				"local_id", entry.LocalID, "rebases", rebase)
			return m.store.MarkFailed(ctx, entry.LocalID, "repeated sequence conflicts")
		}

		winning, err := m.remote.Head(ctx, req.AggregateID)
		if err != nil {
			return fmt.Errorf("fetch winning event: %w", err)
		}
		resolution, err := m.resolver.Resolve(ctx, req, winning, "")
		if err != nil {
			return err
		}
		req = resolution.Command

		retried, err := m.appendWithRetry(ctx, entry.LocalID, req)
		if err != nil {
			if errors.As(err, &conflictErr) {
				// Lost another race while resolving; go around again.
				continue
			}
			return err
		}
		if _, err := m.resolver.Record(ctx, resolution, retried.Event.EventID, winning, ""); err != nil {
			m.logger.WarnContext(ctx, "conflict trace not recorded", "error", err)
		}
		return m.store.Remove(ctx, entry.LocalID)
	}
}

// appendWithRetry retries transient failures with exponential backoff.
// Conflict and validation errors are the caller's problem and returned
// immediately.
func (m *Manager) appendWithRetry(ctx context.Context, localID domain.LocalID, req eventstore.AppendRequest) (eventstore.AppendResult, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 200 * time.Millisecond
	policy.MaxElapsedTime = m.maxElapsed

	var result eventstore.AppendResult
	operation := func() error {
		if err := m.store.IncrementAttempts(ctx, localID); err != nil {
			return backoff.Permanent(err)
		}
		res, err := m.remote.Append(ctx, req)
		if err != nil {
			var conflictErr *eventstore.ConflictError
			var validation *eventstore.ValidationError
			if errors.As(err, &conflictErr) || errors.As(err, &validation) {
				return backoff.Permanent(err)
			}
			return err
		}
		result = res
		return nil
	}
	if err := backoff.Retry(operation, backoff.WithContext(policy, ctx)); err != nil {
		permanent := &backoff.PermanentError{}
		if errors.As(err, &permanent) {
			return eventstore.AppendResult{}, permanent.Err
		}
		return eventstore.AppendResult{}, err
	}
	return result, nil
}

// Depth reports queue counts for the UI layer.
func (m *Manager) Depth(ctx context.Context) (Depth, error) {
	return m.store.Depth(ctx)
}

// Entries lists every queued entry with its user-facing state.
func (m *Manager) Entries(ctx context.Context) ([]Entry, error) {
	return m.store.List(ctx)
}

// StateOf maps an entry to what the user should see.
func StateOf(entry Entry) SyncState {
	switch entry.Status {
	case StatusFailed:
		return SyncStateNeedsReview
	default:
		if entry.Attempts > 0 {
			return SyncStateReconciling
		}
		return SyncStatePendingSync
	}
}
