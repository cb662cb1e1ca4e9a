package export

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"veritas/internal/eventstore"
	"veritas/internal/evidence/batch"
	"veritas/internal/evidence/merkle"
	"veritas/internal/evidence/tsa"
	"veritas/pkg/domain"
	"veritas/pkg/platform/sentinel"
)

type capturingPublisher struct {
	mu        sync.Mutex
	published []eventstore.Event
	failNext  int
}

func (p *capturingPublisher) Publish(_ context.Context, event eventstore.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failNext > 0 {
		p.failNext--
		return errors.New("broker unavailable")
	}
	p.published = append(p.published, event)
	return nil
}

func (p *capturingPublisher) sequences() []int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]int64, len(p.published))
	for i, e := range p.published {
		out[i] = e.Sequence
	}
	return out
}

func commitEvents(t *testing.T, store *eventstore.InMemoryStore, n int) []eventstore.Event {
	t.Helper()
	out := make([]eventstore.Event, 0, n)
	for i := range n {
		event, err := store.Append(context.Background(), eventstore.AppendRequest{
			AggregateID:      domain.AggregateID(fmt.Sprintf("diary-%d", i)),
			ExpectedSequence: 0,
			Type:             "EntryCreated",
			SchemaVersion:    1,
			Payload:          json.RawMessage(fmt.Sprintf(`{"severity":%d}`, i)),
			ClientTimestamp:  time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC),
		}, eventstore.PreparedEvent{
			EventID: domain.NewEventID(),
			Actor:   domain.Principal{ActorID: "participant-1"},
		})
		require.NoError(t, err)
		out = append(out, event)
	}
	return out
}

func newWorker(events globalReader, cursor CursorStore, publisher Publisher) *Worker {
	return NewWorker(events, cursor, publisher, nil, slog.New(slog.DiscardHandler))
}

func TestDrainPublishesInLedgerOrder(t *testing.T) {
	ctx := context.Background()
	store := eventstore.NewInMemoryStore()
	committed := commitEvents(t, store, 7)

	cursor := NewInMemoryCursorStore()
	publisher := &capturingPublisher{}
	w := newWorker(store, cursor, publisher)
	w.pageSize = 3

	require.NoError(t, w.drain(ctx))

	want := make([]int64, len(committed))
	for i, e := range committed {
		want[i] = e.Sequence
	}
	assert.Equal(t, want, publisher.sequences())

	last, err := cursor.Last(ctx)
	require.NoError(t, err)
	assert.Equal(t, committed[len(committed)-1].Sequence, last)

	// Nothing new: a second pass publishes nothing.
	require.NoError(t, w.drain(ctx))
	assert.Len(t, publisher.sequences(), len(committed))
}

func TestDrainResumesAfterBrokerFailure(t *testing.T) {
	ctx := context.Background()
	store := eventstore.NewInMemoryStore()
	committed := commitEvents(t, store, 4)

	cursor := NewInMemoryCursorStore()
	publisher := &capturingPublisher{failNext: 1}
	w := newWorker(store, cursor, publisher)

	// First event fails; the cursor must not move past it.
	require.Error(t, w.drain(ctx))
	last, err := cursor.Last(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), last)

	require.NoError(t, w.drain(ctx))
	want := make([]int64, len(committed))
	for i, e := range committed {
		want[i] = e.Sequence
	}
	assert.Equal(t, want, publisher.sequences())
}

func TestDrainFailureMidPageRepublishesNothingBeforeCursor(t *testing.T) {
	ctx := context.Background()
	store := eventstore.NewInMemoryStore()
	commitEvents(t, store, 4)

	cursor := NewInMemoryCursorStore()
	publisher := &capturingPublisher{}
	w := newWorker(store, cursor, publisher)

	require.NoError(t, w.drain(ctx))
	before := len(publisher.sequences())

	// Two more events, with the broker down for the first attempt.
	commitEvents(t, store, 2)
	publisher.failNext = 1
	require.Error(t, w.drain(ctx))
	require.NoError(t, w.drain(ctx))

	sequences := publisher.sequences()
	assert.Len(t, sequences, before+2)
	// Already-exported events were not republished.
	assert.Equal(t, int64(5), sequences[before])
	assert.Equal(t, int64(6), sequences[before+1])
}

func TestWorkerRunFollowsCommits(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := eventstore.NewInMemoryStore()
	cursor := NewInMemoryCursorStore()
	publisher := &capturingPublisher{}
	w := newWorker(store, cursor, publisher)
	w.pollInterval = 10 * time.Millisecond

	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	committed := commitEvents(t, store, 3)
	require.Eventually(t, func() bool {
		return len(publisher.sequences()) == len(committed)
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop on cancellation")
	}
}

func TestBundleServeEventPages(t *testing.T) {
	ctx := context.Background()
	store := eventstore.NewInMemoryStore()
	committed := commitEvents(t, store, 5)

	svc := NewBundleService(store, nil)

	page, err := svc.Events(ctx, "", 0, 3)
	require.NoError(t, err)
	require.Len(t, page.Events, 3)
	assert.Equal(t, page.Events[2].Sequence, page.NextFrom)

	rest, err := svc.Events(ctx, "", page.NextFrom, 3)
	require.NoError(t, err)
	require.Len(t, rest.Events, 2)
	assert.Zero(t, rest.NextFrom)

	// Per-aggregate stream.
	single, err := svc.Events(ctx, committed[1].AggregateID, 0, 10)
	require.NoError(t, err)
	require.Len(t, single.Events, 1)
	assert.Equal(t, committed[1].EventID, single.Events[0].EventID)
}

func TestBundleEventJSONIsStable(t *testing.T) {
	ctx := context.Background()
	store := eventstore.NewInMemoryStore()
	committed := commitEvents(t, store, 1)

	svc := NewBundleService(store, nil)
	page, err := svc.Events(ctx, "", 0, 10)
	require.NoError(t, err)

	raw, err := json.Marshal(page.Events[0])
	require.NoError(t, err)

	var decoded eventstore.Event
	require.NoError(t, json.Unmarshal(raw, &decoded))

	// The content hash must survive the export encoding, or offline
	// verification would break.
	wantHash, err := committed[0].ContentHash()
	require.NoError(t, err)
	gotHash, err := decoded.ContentHash()
	require.NoError(t, err)
	assert.Equal(t, wantHash, gotHash)
}

func TestProofBundleIsSelfContained(t *testing.T) {
	ctx := context.Background()
	store := eventstore.NewInMemoryStore()
	committed := commitEvents(t, store, 3)

	fake := tsa.NewFake()
	batchSvc := batch.NewService(batch.NewInMemoryStore(), store, fake, slog.New(slog.DiscardHandler))
	_, err := batchSvc.FormBatch(ctx)
	require.NoError(t, err)
	require.NoError(t, batchSvc.SubmitPending(ctx))
	require.NoError(t, batchSvc.PollSubmitted(ctx))

	svc := NewBundleService(store, batchSvc)

	bundle, err := svc.ProofBundle(ctx, committed[1].EventID)
	require.NoError(t, err)
	assert.Equal(t, committed[1].EventID, bundle.Event.EventID)
	assert.True(t, bundle.Proof.Attested())

	// Round-trip through JSON, then re-verify from the decoded copy alone.
	raw, err := json.Marshal(bundle)
	require.NoError(t, err)
	var decoded ProofBundle
	require.NoError(t, json.Unmarshal(raw, &decoded))

	contentHash, err := decoded.Event.ContentHash()
	require.NoError(t, err)
	leaf := merkle.LeafHash(contentHash)

	var root [32]byte
	rawRoot := decodeHex(t, decoded.Proof.MerkleRoot)
	copy(root[:], rawRoot)
	assert.True(t, merkle.VerifyInclusion(leaf, decoded.Proof.InclusionPath, root))

	_, err = svc.ProofBundle(ctx, domain.NewEventID())
	assert.ErrorIs(t, err, sentinel.ErrNotFound)
}

func decodeHex(t *testing.T, s string) []byte {
	t.Helper()
	raw, err := hex.DecodeString(s)
	require.NoError(t, err)
	return raw
}
