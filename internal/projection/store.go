package projection

import (
	"context"
	"sort"
	"sync"

	"veritas/pkg/domain"
	"veritas/pkg/platform/sentinel"
)

// ViewStore persists materialized rows. Implementations do not enforce
// ordering or idempotency; the Engine owns those.
type ViewStore interface {
	// Get returns the view for an aggregate, or sentinel.ErrNotFound.
	Get(ctx context.Context, aggregateID domain.AggregateID) (View, error)

	// Save upserts a view row.
	Save(ctx context.Context, view View) error

	// Delete removes a view row. Missing rows are not an error.
	Delete(ctx context.Context, aggregateID domain.AggregateID) error

	// MaxSequence returns the highest latest_sequence across all rows, or 0.
	// The runner resumes from here: events at or below it were already folded.
	MaxSequence(ctx context.Context) (int64, error)

	// List returns all views ordered by aggregate id.
	List(ctx context.Context) ([]View, error)
}

// InMemoryViewStore is the test double mirroring the postgres store.
type InMemoryViewStore struct {
	mu    sync.RWMutex
	views map[domain.AggregateID]View
}

func NewInMemoryViewStore() *InMemoryViewStore {
	return &InMemoryViewStore{views: make(map[domain.AggregateID]View)}
}

func (s *InMemoryViewStore) Get(_ context.Context, aggregateID domain.AggregateID) (View, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	view, ok := s.views[aggregateID]
	if !ok {
		return View{}, sentinel.ErrNotFound
	}
	return cloneView(view), nil
}

func (s *InMemoryViewStore) Save(_ context.Context, view View) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.views[view.AggregateID] = cloneView(view)
	return nil
}

func (s *InMemoryViewStore) Delete(_ context.Context, aggregateID domain.AggregateID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.views, aggregateID)
	return nil
}

func (s *InMemoryViewStore) MaxSequence(_ context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var max int64
	for _, view := range s.views {
		if view.LatestSequence > max {
			max = view.LatestSequence
		}
	}
	return max, nil
}

func (s *InMemoryViewStore) List(_ context.Context) ([]View, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	views := make([]View, 0, len(s.views))
	for _, view := range s.views {
		views = append(views, cloneView(view))
	}
	sort.Slice(views, func(i, j int) bool { return views[i].AggregateID < views[j].AggregateID })
	return views, nil
}

func cloneView(view View) View {
	out := view
	out.State = append([]byte(nil), view.State...)
	return out
}
