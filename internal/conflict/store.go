package conflict

import (
	"context"
	"sync"
	"time"

	"veritas/pkg/domain"
	"veritas/pkg/platform/sentinel"
)

// Store persists conflict records.
type Store interface {
	// Save inserts a conflict record.
	Save(ctx context.Context, rec Record) error

	// Get returns a record by id, or sentinel.ErrNotFound.
	Get(ctx context.Context, id domain.ConflictID) (Record, error)

	// ListByStatus returns records in resolution order, newest first.
	ListByStatus(ctx context.Context, status string, limit int) ([]Record, error)

	// MarkResolved flips a manual-review record to resolved.
	MarkResolved(ctx context.Context, id domain.ConflictID, at time.Time) error
}

// InMemoryStore is the test double mirroring the postgres store.
type InMemoryStore struct {
	mu      sync.RWMutex
	records []Record
	byID    map[domain.ConflictID]int
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{byID: make(map[domain.ConflictID]int)}
}

func (s *InMemoryStore) Save(_ context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID[rec.ID] = len(s.records)
	s.records = append(s.records, rec)
	return nil
}

func (s *InMemoryStore) Get(_ context.Context, id domain.ConflictID) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx, ok := s.byID[id]
	if !ok {
		return Record{}, sentinel.ErrNotFound
	}
	return s.records[idx], nil
}

func (s *InMemoryStore) ListByStatus(_ context.Context, status string, limit int) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 {
		limit = len(s.records)
	}
	var out []Record
	for i := len(s.records) - 1; i >= 0 && len(out) < limit; i-- {
		if s.records[i].Status == status {
			out = append(out, s.records[i])
		}
	}
	return out, nil
}

func (s *InMemoryStore) MarkResolved(_ context.Context, id domain.ConflictID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx, ok := s.byID[id]
	if !ok {
		return sentinel.ErrNotFound
	}
	resolved := at
	s.records[idx].Status = StatusResolved
	s.records[idx].ResolvedAt = &resolved
	return nil
}
