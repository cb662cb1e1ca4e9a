package export

import (
	"context"
	"time"

	"veritas/internal/eventstore"
	"veritas/internal/evidence"
	"veritas/pkg/domain"
)

const maxBundlePage = 1000

// streamReader is the slice of the event store the bundle service needs.
type streamReader interface {
	ReadStream(ctx context.Context, aggregateID domain.AggregateID, fromSequence int64, limit int) ([]eventstore.Event, error)
	ReadGlobal(ctx context.Context, fromSequence int64, limit int) ([]eventstore.Event, error)
	FindByEventID(ctx context.Context, eventID domain.EventID) (eventstore.Event, error)
}

// proofSource serves inclusion proofs for committed events.
type proofSource interface {
	GetProof(ctx context.Context, eventID domain.EventID) (evidence.Proof, error)
}

// ProofBundle pairs an event with its inclusion proof. Together with the
// authority's public verification material it is everything a regulator
// needs to re-verify offline.
type ProofBundle struct {
	GeneratedAt time.Time        `json:"generated_at"`
	Event       eventstore.Event `json:"event"`
	Proof       evidence.Proof   `json:"proof"`
}

// EventPage is one page of the compliance export stream. NextFrom feeds
// the next request; zero means the stream is exhausted.
type EventPage struct {
	GeneratedAt time.Time          `json:"generated_at"`
	Events      []eventstore.Event `json:"events"`
	NextFrom    int64              `json:"next_from,omitempty"`
}

// BundleService assembles regulator-facing export documents. Events are
// serialized exactly as committed; nothing is redacted or reordered.
type BundleService struct {
	events streamReader
	proofs proofSource
}

func NewBundleService(events streamReader, proofs proofSource) *BundleService {
	return &BundleService{events: events, proofs: proofs}
}

// Events returns a page of committed events with sequence > from, for one
// aggregate or, with an empty aggregate id, across the whole ledger.
func (s *BundleService) Events(ctx context.Context, aggregateID domain.AggregateID, from int64, limit int) (EventPage, error) {
	if limit <= 0 || limit > maxBundlePage {
		limit = maxBundlePage
	}

	var (
		events []eventstore.Event
		err    error
	)
	if aggregateID.IsNil() {
		events, err = s.events.ReadGlobal(ctx, from, limit)
	} else {
		events, err = s.events.ReadStream(ctx, aggregateID, from, limit)
	}
	if err != nil {
		return EventPage{}, err
	}

	page := EventPage{
		GeneratedAt: time.Now().UTC(),
		Events:      events,
	}
	if len(events) == limit {
		page.NextFrom = events[len(events)-1].Sequence
	}
	return page, nil
}

// ProofBundle fetches the event and its proof. Returns the underlying
// sentinel.ErrNotFound when the event does not exist or no batch has
// covered it yet.
func (s *BundleService) ProofBundle(ctx context.Context, eventID domain.EventID) (ProofBundle, error) {
	event, err := s.events.FindByEventID(ctx, eventID)
	if err != nil {
		return ProofBundle{}, err
	}
	proof, err := s.proofs.GetProof(ctx, eventID)
	if err != nil {
		return ProofBundle{}, err
	}
	return ProofBundle{
		GeneratedAt: time.Now().UTC(),
		Event:       event,
		Proof:       proof,
	}, nil
}
