package offline

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"veritas/internal/offline/migrations"
	"veritas/pkg/domain"
	"veritas/pkg/platform/sentinel"
)

// Store is the durable queue storage.
type Store interface {
	Enqueue(ctx context.Context, entry Entry) error
	// Pending returns pending entries in FIFO order.
	Pending(ctx context.Context, limit int) ([]Entry, error)
	Get(ctx context.Context, localID domain.LocalID) (Entry, error)
	// Remove deletes a committed entry.
	Remove(ctx context.Context, localID domain.LocalID) error
	MarkFailed(ctx context.Context, localID domain.LocalID, reason string) error
	IncrementAttempts(ctx context.Context, localID domain.LocalID) error
	Depth(ctx context.Context) (Depth, error)
	List(ctx context.Context) ([]Entry, error)
	Close() error
}

// SQLiteStore keeps the queue in a local sqlite file so it survives process
// restarts and crashes mid-drain.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the queue database and applies
// embedded migrations.
func OpenSQLite(ctx context.Context, dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open queue db: %w", err)
	}
	// One writer at a time keeps sqlite's locking out of the way; the
	// queue is low-volume by nature.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("configure queue db: %w", err)
	}

	goose.SetBaseFS(migrations.Migrations)
	if err := goose.SetDialect("sqlite3"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set migration dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db, "."); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate queue db: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) Enqueue(ctx context.Context, entry Entry) error {
	var causation any
	if entry.Request.CausationID != nil {
		causation = entry.Request.CausationID.String()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO queue (local_id, aggregate_id, event_type, schema_version, payload,
			causation_id, expected_sequence, client_timestamp, status, attempts, enqueued_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?)`,
		entry.LocalID.String(),
		string(entry.Request.AggregateID),
		entry.Request.Type,
		entry.Request.SchemaVersion,
		string(entry.Request.Payload),
		causation,
		entry.Request.ExpectedSequence,
		entry.Request.ClientTimestamp.UTC().Format(time.RFC3339Nano),
		entry.Status,
		entry.EnqueuedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", entry.LocalID, err)
	}
	return nil
}

const entryColumns = `local_id, aggregate_id, event_type, schema_version, payload,
	causation_id, expected_sequence, client_timestamp, status,
	COALESCE(failure_reason, ''), attempts, enqueued_at`

func (s *SQLiteStore) Pending(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+entryColumns+` FROM queue WHERE status = ? ORDER BY enqueued_at, rowid LIMIT ?`,
		StatusPending, limit)
	if err != nil {
		return nil, fmt.Errorf("list pending: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

func (s *SQLiteStore) Get(ctx context.Context, localID domain.LocalID) (Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+entryColumns+` FROM queue WHERE local_id = ?`, localID.String())
	if err != nil {
		return Entry{}, fmt.Errorf("get entry %s: %w", localID, err)
	}
	defer rows.Close()

	entries, err := scanEntries(rows)
	if err != nil {
		return Entry{}, err
	}
	if len(entries) == 0 {
		return Entry{}, sentinel.ErrNotFound
	}
	return entries[0], nil
}

func (s *SQLiteStore) Remove(ctx context.Context, localID domain.LocalID) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM queue WHERE local_id = ?`, localID.String())
	if err != nil {
		return fmt.Errorf("remove entry %s: %w", localID, err)
	}
	return nil
}

func (s *SQLiteStore) MarkFailed(ctx context.Context, localID domain.LocalID, reason string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE queue SET status = ?, failure_reason = ? WHERE local_id = ?`,
		StatusFailed, reason, localID.String())
	if err != nil {
		return fmt.Errorf("mark entry %s failed: %w", localID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark entry %s failed: %w", localID, err)
	}
	if n == 0 {
		return sentinel.ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) IncrementAttempts(ctx context.Context, localID domain.LocalID) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE queue SET attempts = attempts + 1 WHERE local_id = ?`, localID.String())
	if err != nil {
		return fmt.Errorf("bump attempts for %s: %w", localID, err)
	}
	return nil
}

func (s *SQLiteStore) Depth(ctx context.Context) (Depth, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM queue GROUP BY status`)
	if err != nil {
		return Depth{}, fmt.Errorf("queue depth: %w", err)
	}
	defer rows.Close()

	var depth Depth
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return Depth{}, fmt.Errorf("scan depth: %w", err)
		}
		switch status {
		case StatusPending:
			depth.Pending = count
		case StatusFailed:
			depth.Failed = count
		}
	}
	return depth, rows.Err()
}

func (s *SQLiteStore) List(ctx context.Context) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+entryColumns+` FROM queue ORDER BY enqueued_at, rowid`)
	if err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

func scanEntries(rows *sql.Rows) ([]Entry, error) {
	var entries []Entry
	for rows.Next() {
		var (
			entry              Entry
			localID            string
			aggregateID        string
			payload            string
			causation          sql.NullString
			clientTS, enqueued string
		)
		if err := rows.Scan(&localID, &aggregateID, &entry.Request.Type, &entry.Request.SchemaVersion,
			&payload, &causation, &entry.Request.ExpectedSequence, &clientTS,
			&entry.Status, &entry.FailureReason, &entry.Attempts, &enqueued); err != nil {
			return nil, fmt.Errorf("scan queue entry: %w", err)
		}

		parsedLocal, err := domain.ParseLocalID(localID)
		if err != nil {
			return nil, err
		}
		entry.LocalID = parsedLocal
		entry.Request.LocalID = &parsedLocal
		entry.Request.AggregateID = domain.AggregateID(aggregateID)
		entry.Request.Payload = json.RawMessage(payload)
		if causation.Valid {
			causationID, err := domain.ParseEventID(causation.String)
			if err != nil {
				return nil, err
			}
			entry.Request.CausationID = &causationID
		}
		if entry.Request.ClientTimestamp, err = time.Parse(time.RFC3339Nano, clientTS); err != nil {
			return nil, fmt.Errorf("parse client timestamp: %w", err)
		}
		if entry.EnqueuedAt, err = time.Parse(time.RFC3339Nano, enqueued); err != nil {
			return nil, fmt.Errorf("parse enqueued_at: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

var _ Store = (*SQLiteStore)(nil)
