package eventstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"veritas/pkg/domain"
	"veritas/pkg/platform/sentinel"
)

// InMemoryStore mirrors the postgres store for unit tests and local runs.
// One mutex serializes appends; that is exactly the semantics the postgres
// implementation provides with its advisory lock plus counter row.
type InMemoryStore struct {
	mu          sync.RWMutex
	events      []Event // index i holds sequence i+1
	byAggregate map[domain.AggregateID][]int64
	byLocalID   map[domain.LocalID]int64
	byEventID   map[domain.EventID]int64
	subs        map[int]chan int64
	nextSub     int
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		byAggregate: make(map[domain.AggregateID][]int64),
		byLocalID:   make(map[domain.LocalID]int64),
		byEventID:   make(map[domain.EventID]int64),
		subs:        make(map[int]chan int64),
	}
}

func (s *InMemoryStore) Append(_ context.Context, rec AppendRequest, prepared PreparedEvent) (Event, error) {
	s.mu.Lock()

	if rec.LocalID != nil {
		if _, ok := s.byLocalID[*rec.LocalID]; ok {
			s.mu.Unlock()
			return Event{}, fmt.Errorf("local id %s: %w", rec.LocalID, sentinel.ErrDuplicate)
		}
	}

	current := s.latestLocked(rec.AggregateID)
	if current != rec.ExpectedSequence {
		s.mu.Unlock()
		return Event{}, &ConflictError{
			AggregateID:      rec.AggregateID.String(),
			ExpectedSequence: rec.ExpectedSequence,
			CurrentSequence:  current,
		}
	}

	seq := int64(len(s.events)) + 1
	event := Event{
		Sequence:        seq,
		EventID:         prepared.EventID,
		AggregateID:     rec.AggregateID,
		Type:            rec.Type,
		SchemaVersion:   rec.SchemaVersion,
		Payload:         append([]byte(nil), rec.Payload...),
		CausationID:     rec.CausationID,
		LocalID:         rec.LocalID,
		Actor:           prepared.Actor,
		DevicePlatform:  prepared.DevicePlatform,
		ClientTimestamp: rec.ClientTimestamp,
		ServerTimestamp: time.Now().UTC(),
	}

	s.events = append(s.events, event)
	s.byAggregate[rec.AggregateID] = append(s.byAggregate[rec.AggregateID], seq)
	s.byEventID[event.EventID] = seq
	if rec.LocalID != nil {
		s.byLocalID[*rec.LocalID] = seq
	}

	subs := make([]chan int64, 0, len(s.subs))
	for _, ch := range s.subs {
		subs = append(subs, ch)
	}
	s.mu.Unlock()

	// Best-effort notify; subscribers that fall behind re-poll.
	for _, ch := range subs {
		select {
		case ch <- seq:
		default:
		}
	}

	return event, nil
}

func (s *InMemoryStore) latestLocked(aggregateID domain.AggregateID) int64 {
	seqs := s.byAggregate[aggregateID]
	if len(seqs) == 0 {
		return 0
	}
	return seqs[len(seqs)-1]
}

func (s *InMemoryStore) ReadStream(_ context.Context, aggregateID domain.AggregateID, fromSequence int64, limit int) ([]Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Event
	for _, seq := range s.byAggregate[aggregateID] {
		if seq <= fromSequence {
			continue
		}
		out = append(out, s.events[seq-1])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *InMemoryStore) ReadGlobal(_ context.Context, fromSequence int64, limit int) ([]Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if fromSequence < 0 {
		fromSequence = 0
	}
	if fromSequence >= int64(len(s.events)) {
		return nil, nil
	}
	rest := s.events[fromSequence:]
	if limit > 0 && len(rest) > limit {
		rest = rest[:limit]
	}
	return append([]Event(nil), rest...), nil
}

func (s *InMemoryStore) LatestSequence(_ context.Context, aggregateID domain.AggregateID) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.latestLocked(aggregateID), nil
}

func (s *InMemoryStore) Head(_ context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.events)), nil
}

func (s *InMemoryStore) FindByEventID(_ context.Context, eventID domain.EventID) (Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seq, ok := s.byEventID[eventID]
	if !ok {
		return Event{}, fmt.Errorf("event %s: %w", eventID, sentinel.ErrNotFound)
	}
	return s.events[seq-1], nil
}

func (s *InMemoryStore) FindByLocalID(_ context.Context, localID domain.LocalID) (Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seq, ok := s.byLocalID[localID]
	if !ok {
		return Event{}, fmt.Errorf("local id %s: %w", localID, sentinel.ErrNotFound)
	}
	return s.events[seq-1], nil
}

// Subscribe returns a channel that receives the sequence of each new commit.
// The channel drops notifications when the subscriber lags; consumers are
// expected to poll ReadGlobal from their own cursor regardless.
func (s *InMemoryStore) Subscribe(ctx context.Context) (<-chan int64, func(), error) {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	ch := make(chan int64, 64)
	s.subs[id] = ch
	s.mu.Unlock()

	cancel := func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
	return ch, cancel, nil
}
