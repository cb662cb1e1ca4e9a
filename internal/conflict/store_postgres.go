package conflict

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"veritas/pkg/domain"
	"veritas/pkg/platform/sentinel"
	txcontext "veritas/pkg/platform/tx"
)

// PostgresStore keeps conflict records in the conflicts table.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *PostgresStore) querier(ctx context.Context) querier {
	if tx, ok := txcontext.From(ctx); ok {
		return tx
	}
	return s.db
}

func (s *PostgresStore) Save(ctx context.Context, rec Record) error {
	_, err := s.querier(ctx).ExecContext(ctx, `
		INSERT INTO conflicts (id, aggregate_id, losing_event_id, winning_event_id, strategy, status, resolved_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		rec.ID.String(), string(rec.AggregateID), rec.LosingEventID.String(),
		rec.WinningEventID.String(), rec.Strategy, rec.Status, rec.ResolvedAt)
	if err != nil {
		return fmt.Errorf("save conflict %s: %w", rec.ID, err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id domain.ConflictID) (Record, error) {
	row := s.querier(ctx).QueryRowContext(ctx, `
		SELECT id, aggregate_id, losing_event_id, winning_event_id, strategy, status, resolved_at
		FROM conflicts
		WHERE id = $1`, id.String())
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, sentinel.ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("get conflict %s: %w", id, err)
	}
	return rec, nil
}

func (s *PostgresStore) ListByStatus(ctx context.Context, status string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.querier(ctx).QueryContext(ctx, `
		SELECT id, aggregate_id, losing_event_id, winning_event_id, strategy, status, resolved_at
		FROM conflicts
		WHERE status = $1
		ORDER BY resolved_at DESC NULLS FIRST, id
		LIMIT $2`, status, limit)
	if err != nil {
		return nil, fmt.Errorf("list conflicts by status %q: %w", status, err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan conflict: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (s *PostgresStore) MarkResolved(ctx context.Context, id domain.ConflictID, at time.Time) error {
	res, err := s.querier(ctx).ExecContext(ctx, `
		UPDATE conflicts SET status = $1, resolved_at = $2 WHERE id = $3`,
		StatusResolved, at, id.String())
	if err != nil {
		return fmt.Errorf("mark conflict %s resolved: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark conflict %s resolved: %w", id, err)
	}
	if n == 0 {
		return sentinel.ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (Record, error) {
	var (
		rec                 Record
		id, losing, winning string
		resolvedAt          sql.NullTime
	)
	if err := row.Scan(&id, &rec.AggregateID, &losing, &winning, &rec.Strategy, &rec.Status, &resolvedAt); err != nil {
		return Record{}, err
	}
	conflictID, err := domain.ParseConflictID(id)
	if err != nil {
		return Record{}, err
	}
	losingID, err := domain.ParseEventID(losing)
	if err != nil {
		return Record{}, err
	}
	winningID, err := domain.ParseEventID(winning)
	if err != nil {
		return Record{}, err
	}
	rec.ID = conflictID
	rec.LosingEventID = losingID
	rec.WinningEventID = winningID
	if resolvedAt.Valid {
		rec.ResolvedAt = &resolvedAt.Time
	}
	return rec, nil
}
