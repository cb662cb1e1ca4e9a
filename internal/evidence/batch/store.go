package batch

import (
	"context"
	"sort"
	"sync"
	"time"

	"veritas/internal/evidence"
	"veritas/pkg/domain"
	"veritas/pkg/platform/sentinel"
)

// Store persists batches and their leaf layout.
type Store interface {
	// SaveBatch writes a batch and its leaves together.
	SaveBatch(ctx context.Context, b Batch, leaves []Leaf) error

	// GetBatch returns a batch by id, or sentinel.ErrNotFound.
	GetBatch(ctx context.Context, id domain.BatchID) (Batch, error)

	// ListByStatus returns up to limit batches in the given lifecycle
	// state, oldest first.
	ListByStatus(ctx context.Context, status string, limit int) ([]Batch, error)

	// Leaves returns a batch's leaves ordered by index.
	Leaves(ctx context.Context, id domain.BatchID) ([]Leaf, error)

	// FindLeaf locates the newest leaf covering the event, or
	// sentinel.ErrNotFound if no batch has included it yet.
	FindLeaf(ctx context.Context, eventID domain.EventID) (Leaf, error)

	// LatestUntilSequence returns the highest until_sequence across all
	// batches, 0 when none exist. The next window starts there.
	LatestUntilSequence(ctx context.Context) (int64, error)

	// MarkSubmitted moves a batch to submitted with the authority handle.
	MarkSubmitted(ctx context.Context, id domain.BatchID, backend, handle string) error

	// MarkAttested stores the attestation and moves the batch to attested.
	MarkAttested(ctx context.Context, id domain.BatchID, attestation []byte, attestedAt time.Time) error
}

// InMemoryStore backs unit tests.
type InMemoryStore struct {
	mu      sync.RWMutex
	batches map[domain.BatchID]Batch
	leaves  map[domain.BatchID][]Leaf
	order   []domain.BatchID
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		batches: map[domain.BatchID]Batch{},
		leaves:  map[domain.BatchID][]Leaf{},
	}
}

func (s *InMemoryStore) SaveBatch(_ context.Context, b Batch, leaves []Leaf) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.batches[b.ID]; !exists {
		s.order = append(s.order, b.ID)
	}
	s.batches[b.ID] = cloneBatch(b)
	cp := make([]Leaf, len(leaves))
	copy(cp, leaves)
	sort.Slice(cp, func(i, j int) bool { return cp[i].LeafIndex < cp[j].LeafIndex })
	s.leaves[b.ID] = cp
	return nil
}

func (s *InMemoryStore) GetBatch(_ context.Context, id domain.BatchID) (Batch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.batches[id]
	if !ok {
		return Batch{}, sentinel.ErrNotFound
	}
	return cloneBatch(b), nil
}

func (s *InMemoryStore) ListByStatus(_ context.Context, status string, limit int) ([]Batch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Batch
	for _, id := range s.order {
		if len(out) == limit {
			break
		}
		if b := s.batches[id]; b.Status == status {
			out = append(out, cloneBatch(b))
		}
	}
	return out, nil
}

func (s *InMemoryStore) Leaves(_ context.Context, id domain.BatchID) ([]Leaf, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	leaves, ok := s.leaves[id]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	out := make([]Leaf, len(leaves))
	copy(out, leaves)
	return out, nil
}

func (s *InMemoryStore) FindLeaf(_ context.Context, eventID domain.EventID) (Leaf, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	// Newest batch wins when an event appears more than once.
	for i := len(s.order) - 1; i >= 0; i-- {
		for _, leaf := range s.leaves[s.order[i]] {
			if leaf.EventID == eventID {
				return leaf, nil
			}
		}
	}
	return Leaf{}, sentinel.ErrNotFound
}

func (s *InMemoryStore) LatestUntilSequence(_ context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var max int64
	for _, b := range s.batches {
		if b.UntilSequence > max {
			max = b.UntilSequence
		}
	}
	return max, nil
}

func (s *InMemoryStore) MarkSubmitted(_ context.Context, id domain.BatchID, backend, handle string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.batches[id]
	if !ok {
		return sentinel.ErrNotFound
	}
	b.Status = evidence.StatusSubmitted
	b.Backend = backend
	b.PendingHandle = handle
	s.batches[id] = b
	return nil
}

func (s *InMemoryStore) MarkAttested(_ context.Context, id domain.BatchID, attestation []byte, attestedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.batches[id]
	if !ok {
		return sentinel.ErrNotFound
	}
	b.Status = evidence.StatusAttested
	b.Attestation = append([]byte(nil), attestation...)
	at := attestedAt
	b.AttestedAt = &at
	s.batches[id] = b
	return nil
}

func cloneBatch(b Batch) Batch {
	out := b
	out.Attestation = append([]byte(nil), b.Attestation...)
	if b.AttestedAt != nil {
		at := *b.AttestedAt
		out.AttestedAt = &at
	}
	if b.RenewsBatchID != nil {
		id := *b.RenewsBatchID
		out.RenewsBatchID = &id
	}
	return out
}
