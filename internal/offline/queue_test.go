package offline_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"veritas/internal/conflict"
	"veritas/internal/eventstore"
	"veritas/internal/offline"
	"veritas/internal/platform/config"
	"veritas/pkg/domain"
	"veritas/pkg/platform/sentinel"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// fakeRemote exposes an in-memory ledger the way the sync client sees the
// real one, including idempotent resolution of duplicate local ids and a
// configurable number of simulated network failures.
type fakeRemote struct {
	store *eventstore.InMemoryStore

	mu            sync.Mutex
	transientLeft int
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{store: eventstore.NewInMemoryStore()}
}

func (r *fakeRemote) failNext(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transientLeft = n
}

func (r *fakeRemote) Append(ctx context.Context, req eventstore.AppendRequest) (eventstore.AppendResult, error) {
	r.mu.Lock()
	if r.transientLeft > 0 {
		r.transientLeft--
		r.mu.Unlock()
		return eventstore.AppendResult{}, fmt.Errorf("dial ledger: %w", sentinel.ErrUnavailable)
	}
	r.mu.Unlock()

	event, err := r.store.Append(ctx, req, eventstore.PreparedEvent{
		EventID: domain.NewEventID(),
		Actor:   domain.Principal{ActorID: "participant-1"},
	})
	if errors.Is(err, sentinel.ErrDuplicate) {
		committed, findErr := r.store.FindByLocalID(ctx, *req.LocalID)
		if findErr != nil {
			return eventstore.AppendResult{}, findErr
		}
		return eventstore.AppendResult{Event: committed, Deduplicated: true}, nil
	}
	if err != nil {
		return eventstore.AppendResult{}, err
	}
	return eventstore.AppendResult{Event: event}, nil
}

func (r *fakeRemote) Head(ctx context.Context, aggregateID domain.AggregateID) (eventstore.Event, error) {
	latest, err := r.store.LatestSequence(ctx, aggregateID)
	if err != nil {
		return eventstore.Event{}, err
	}
	if latest == 0 {
		return eventstore.Event{}, sentinel.ErrNotFound
	}
	events, err := r.store.ReadStream(ctx, aggregateID, latest-1, 1)
	if err != nil {
		return eventstore.Event{}, err
	}
	return events[0], nil
}

func newResolver() *conflict.Resolver {
	return conflict.NewResolver(conflict.NewInMemoryStore(),
		conflict.LastWriteWins{Clock: config.ClockServer}, discardLogger())
}

func openQueue(t *testing.T, path string) *offline.SQLiteStore {
	t.Helper()
	store, err := offline.OpenSQLite(context.Background(), path)
	require.NoError(t, err)
	return store
}

func draft(aggregateID domain.AggregateID, expected int64, payload string) eventstore.AppendRequest {
	return eventstore.AppendRequest{
		AggregateID:      aggregateID,
		ExpectedSequence: expected,
		Type:             "EntryCreated",
		SchemaVersion:    1,
		Payload:          json.RawMessage(payload),
		ClientTimestamp:  time.Now().UTC(),
	}
}

func TestEnqueueSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "queue.db")

	store := openQueue(t, path)
	manager := offline.NewManager(store, newFakeRemote(), newResolver(), discardLogger())

	for i := 0; i < 3; i++ {
		_, err := manager.Enqueue(ctx, draft(domain.AggregateID(fmt.Sprintf("diary-%d", i)), 0, `{"severity":1}`))
		require.NoError(t, err)
	}
	require.NoError(t, store.Close())

	reopened := openQueue(t, path)
	defer reopened.Close()

	pending, err := reopened.Pending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 3)
	// FIFO order preserved across the restart.
	for i, entry := range pending {
		assert.Equal(t, domain.AggregateID(fmt.Sprintf("diary-%d", i)), entry.Request.AggregateID)
		assert.Equal(t, offline.StatusPending, entry.Status)
	}
}

func TestDrainCommitsInOrder(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote()
	store := openQueue(t, filepath.Join(t.TempDir(), "queue.db"))
	defer store.Close()
	manager := offline.NewManager(store, remote, newResolver(), discardLogger())

	_, err := manager.Enqueue(ctx, draft("diary-42", 0, `{"severity":3}`))
	require.NoError(t, err)
	second := draft("diary-42", 1, `{"note":"pm"}`)
	second.Type = "EntryUpdated"
	_, err = manager.Enqueue(ctx, second)
	require.NoError(t, err)

	require.NoError(t, manager.Drain(ctx))

	depth, err := manager.Depth(ctx)
	require.NoError(t, err)
	assert.Zero(t, depth.Pending)
	assert.Zero(t, depth.Failed)

	events, err := remote.store.ReadStream(ctx, "diary-42", 0, 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "EntryCreated", events[0].Type)
	assert.Equal(t, "EntryUpdated", events[1].Type)
}

func TestDrainRetriesThroughOutage(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote()
	remote.failNext(3)
	store := openQueue(t, filepath.Join(t.TempDir(), "queue.db"))
	defer store.Close()
	manager := offline.NewManager(store, remote, newResolver(), discardLogger())

	_, err := manager.Enqueue(ctx, draft("diary-42", 0, `{"severity":3}`))
	require.NoError(t, err)

	require.NoError(t, manager.Drain(ctx))

	head, err := remote.store.Head(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), head)
}

// TestRestartMidDrainCommitsExactlyOnce simulates the lost-response crash:
// the first drain commits the event but dies before removing it from the
// queue. After restart the retry resolves through local_id deduplication.
func TestRestartMidDrainCommitsExactlyOnce(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote()
	path := filepath.Join(t.TempDir(), "queue.db")

	store := openQueue(t, path)
	manager := offline.NewManager(store, remote, newResolver(), discardLogger())
	entry, err := manager.Enqueue(ctx, draft("diary-42", 0, `{"severity":3}`))
	require.NoError(t, err)

	// The append reached the server, the response did not reach us.
	_, err = remote.Append(ctx, entry.Request)
	require.NoError(t, err)
	require.NoError(t, store.Close()) // process dies with the entry still queued

	reopened := openQueue(t, path)
	defer reopened.Close()
	manager = offline.NewManager(reopened, remote, newResolver(), discardLogger())
	require.NoError(t, manager.Drain(ctx))

	head, err := remote.store.Head(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), head, "retry after restart must not duplicate the event")

	depth, err := manager.Depth(ctx)
	require.NoError(t, err)
	assert.Zero(t, depth.Pending)
}

func TestDrainResolvesConflicts(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote()
	store := openQueue(t, filepath.Join(t.TempDir(), "queue.db"))
	defer store.Close()
	manager := offline.NewManager(store, remote, newResolver(), discardLogger())

	// Both clients read sequence 1. The other client commits first.
	base, err := remote.Append(ctx, draft("diary-42", 0, `{"severity":1}`))
	require.NoError(t, err)
	update := draft("diary-42", base.Event.Sequence, `{"severity":4}`)
	update.Type = "EntryUpdated"
	_, err = remote.Append(ctx, update)
	require.NoError(t, err)

	stale := draft("diary-42", base.Event.Sequence, `{"severity":2}`)
	stale.Type = "EntryUpdated"
	_, err = manager.Enqueue(ctx, stale)
	require.NoError(t, err)

	require.NoError(t, manager.Drain(ctx))

	// Both intents survive in the log: seq 2 (winner) and seq 3 (rebased).
	events, err := remote.store.ReadStream(ctx, "diary-42", 0, 10)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.JSONEq(t, `{"severity":4}`, string(events[1].Payload))
	assert.JSONEq(t, `{"severity":2}`, string(events[2].Payload))

	depth, err := manager.Depth(ctx)
	require.NoError(t, err)
	assert.Zero(t, depth.Pending)
}

func TestDrainMarksValidationFailuresForReview(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote()
	store := openQueue(t, filepath.Join(t.TempDir(), "queue.db"))
	defer store.Close()
	manager := offline.NewManager(store, remote, newResolver(), discardLogger())

	bad := draft("diary-42", 0, `{"severity":3}`)
	entry, err := manager.Enqueue(ctx, bad)
	require.NoError(t, err)

	rejecting := &validationRejectingRemote{}
	manager = offline.NewManager(store, rejecting, newResolver(), discardLogger())
	require.NoError(t, manager.Drain(ctx))

	depth, err := manager.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, depth.Failed)

	failed, err := store.Get(ctx, entry.LocalID)
	require.NoError(t, err)
	assert.Equal(t, offline.StatusFailed, failed.Status)
	assert.NotEmpty(t, failed.FailureReason)
	assert.Equal(t, offline.SyncStateNeedsReview, offline.StateOf(failed))
}

type validationRejectingRemote struct{}

func (validationRejectingRemote) Append(context.Context, eventstore.AppendRequest) (eventstore.AppendResult, error) {
	return eventstore.AppendResult{}, &eventstore.ValidationError{Field: "event_type", Reason: "unknown type"}
}

func (validationRejectingRemote) Head(context.Context, domain.AggregateID) (eventstore.Event, error) {
	return eventstore.Event{}, sentinel.ErrNotFound
}

func TestStateOf(t *testing.T) {
	assert.Equal(t, offline.SyncStatePendingSync, offline.StateOf(offline.Entry{Status: offline.StatusPending}))
	assert.Equal(t, offline.SyncStateReconciling, offline.StateOf(offline.Entry{Status: offline.StatusPending, Attempts: 2}))
	assert.Equal(t, offline.SyncStateNeedsReview, offline.StateOf(offline.Entry{Status: offline.StatusFailed}))
}
