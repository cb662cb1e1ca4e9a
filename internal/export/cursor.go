package export

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	txcontext "veritas/pkg/platform/tx"
)

// CursorStore tracks the publish frontier: every event at or below the
// cursor has been handed to the broker. Advancing after publish gives
// at-least-once delivery; consumers dedup on event_id.
type CursorStore interface {
	Last(ctx context.Context) (int64, error)
	Advance(ctx context.Context, sequence int64) error
}

// PostgresCursorStore keeps the cursor in the single-row export_cursor
// table.
type PostgresCursorStore struct {
	db *sql.DB
}

func NewPostgresCursorStore(db *sql.DB) *PostgresCursorStore {
	return &PostgresCursorStore{db: db}
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *PostgresCursorStore) querier(ctx context.Context) querier {
	if tx, ok := txcontext.From(ctx); ok {
		return tx
	}
	return s.db
}

func (s *PostgresCursorStore) Last(ctx context.Context) (int64, error) {
	var last int64
	err := s.querier(ctx).QueryRowContext(ctx,
		`SELECT last_sequence FROM export_cursor WHERE singleton`).Scan(&last)
	if err != nil {
		return 0, fmt.Errorf("read export cursor: %w", err)
	}
	return last, nil
}

func (s *PostgresCursorStore) Advance(ctx context.Context, sequence int64) error {
	// Guard against regressions from a stale worker instance.
	_, err := s.querier(ctx).ExecContext(ctx, `
		UPDATE export_cursor
		SET last_sequence = $1
		WHERE singleton AND last_sequence < $1`, sequence)
	if err != nil {
		return fmt.Errorf("advance export cursor to %d: %w", sequence, err)
	}
	return nil
}

// InMemoryCursorStore backs unit tests.
type InMemoryCursorStore struct {
	mu   sync.Mutex
	last int64
}

func NewInMemoryCursorStore() *InMemoryCursorStore {
	return &InMemoryCursorStore{}
}

func (s *InMemoryCursorStore) Last(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last, nil
}

func (s *InMemoryCursorStore) Advance(_ context.Context, sequence int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sequence > s.last {
		s.last = sequence
	}
	return nil
}
