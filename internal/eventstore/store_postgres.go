package eventstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"veritas/pkg/domain"
	"veritas/pkg/platform/sentinel"
	txcontext "veritas/pkg/platform/tx"
)

// NotifyChannel is the postgres LISTEN/NOTIFY channel carrying committed
// sequence numbers. The projection runner and batch sweeper listen on it.
const NotifyChannel = "veritas_events"

const uniqueViolation = "23505"

// PostgresStore is the authoritative ledger. The append transaction holds a
// per-aggregate advisory lock for the compare-and-assign step only, so
// unrelated aggregates commit fully in parallel; the single-row counter
// update is the one cross-aggregate serialization point and keeps the global
// sequence gap-free (an aborted transaction rolls the counter back with it).
type PostgresStore struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *PostgresStore {
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

const eventColumns = `sequence, event_id, aggregate_id, event_type, schema_version, payload,
	causation_id, local_id, actor_id, actor_role, actor_site, actor_sponsor,
	device_platform, client_timestamp, server_timestamp`

func (s *PostgresStore) Append(ctx context.Context, rec AppendRequest, prepared PreparedEvent) (Event, error) {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Event{}, &StorageError{Op: "append begin", Err: err}
	}
	defer sqlTx.Rollback() //nolint:errcheck // no-op after commit

	// Per-aggregate mutex, held until commit/rollback.
	if _, err := sqlTx.ExecContext(ctx,
		`SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, rec.AggregateID.String()); err != nil {
		return Event{}, &StorageError{Op: "append lock", Err: err}
	}

	var current int64
	err = sqlTx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) FROM events WHERE aggregate_id = $1`,
		rec.AggregateID.String()).Scan(&current)
	if err != nil {
		return Event{}, &StorageError{Op: "append read sequence", Err: err}
	}
	if current != rec.ExpectedSequence {
		return Event{}, &ConflictError{
			AggregateID:      rec.AggregateID.String(),
			ExpectedSequence: rec.ExpectedSequence,
			CurrentSequence:  current,
		}
	}

	var seq int64
	err = sqlTx.QueryRowContext(ctx,
		`UPDATE ledger_sequence SET value = value + 1 RETURNING value`).Scan(&seq)
	if err != nil {
		return Event{}, &StorageError{Op: "append assign sequence", Err: err}
	}

	serverTS := time.Now().UTC()
	event := Event{
		Sequence:        seq,
		EventID:         prepared.EventID,
		AggregateID:     rec.AggregateID,
		Type:            rec.Type,
		SchemaVersion:   rec.SchemaVersion,
		Payload:         rec.Payload,
		CausationID:     rec.CausationID,
		LocalID:         rec.LocalID,
		Actor:           prepared.Actor,
		DevicePlatform:  prepared.DevicePlatform,
		ClientTimestamp: rec.ClientTimestamp.UTC(),
		ServerTimestamp: serverTS,
	}

	_, err = sqlTx.ExecContext(ctx, `
		INSERT INTO events (`+eventColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`,
		event.Sequence,
		uuid.UUID(event.EventID),
		event.AggregateID.String(),
		event.Type,
		event.SchemaVersion,
		[]byte(event.Payload),
		nullableEventID(event.CausationID),
		nullableLocalID(event.LocalID),
		event.Actor.ActorID,
		event.Actor.Role,
		event.Actor.Site,
		event.Actor.Sponsor,
		event.DevicePlatform,
		event.ClientTimestamp,
		event.ServerTimestamp,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation && pgErr.ConstraintName == "events_local_id_key" {
			return Event{}, fmt.Errorf("local id %s: %w", rec.LocalID, sentinel.ErrDuplicate)
		}
		return Event{}, &StorageError{Op: "append insert", Err: err}
	}

	if _, err := sqlTx.ExecContext(ctx,
		`SELECT pg_notify($1, $2)`, NotifyChannel, fmt.Sprintf("%d", seq)); err != nil {
		return Event{}, &StorageError{Op: "append notify", Err: err}
	}

	if err := sqlTx.Commit(); err != nil {
		return Event{}, &StorageError{Op: "append commit", Err: err}
	}
	return event, nil
}

func (s *PostgresStore) ReadStream(ctx context.Context, aggregateID domain.AggregateID, fromSequence int64, limit int) ([]Event, error) {
	rows, err := s.querier(ctx).QueryContext(ctx, `
		SELECT `+eventColumns+`
		FROM events
		WHERE aggregate_id = $1 AND sequence > $2
		ORDER BY sequence ASC
		LIMIT $3
	`, aggregateID.String(), fromSequence, normalizeLimit(limit))
	if err != nil {
		return nil, &StorageError{Op: "read stream", Err: err}
	}
	defer rows.Close()
	return scanEvents(rows)
}

func (s *PostgresStore) ReadGlobal(ctx context.Context, fromSequence int64, limit int) ([]Event, error) {
	rows, err := s.querier(ctx).QueryContext(ctx, `
		SELECT `+eventColumns+`
		FROM events
		WHERE sequence > $1
		ORDER BY sequence ASC
		LIMIT $2
	`, fromSequence, normalizeLimit(limit))
	if err != nil {
		return nil, &StorageError{Op: "read global", Err: err}
	}
	defer rows.Close()
	return scanEvents(rows)
}

func (s *PostgresStore) LatestSequence(ctx context.Context, aggregateID domain.AggregateID) (int64, error) {
	var seq int64
	err := s.querier(ctx).QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) FROM events WHERE aggregate_id = $1`,
		aggregateID.String()).Scan(&seq)
	if err != nil {
		return 0, &StorageError{Op: "latest sequence", Err: err}
	}
	return seq, nil
}

func (s *PostgresStore) Head(ctx context.Context) (int64, error) {
	var seq int64
	err := s.querier(ctx).QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) FROM events`).Scan(&seq)
	if err != nil {
		return 0, &StorageError{Op: "head", Err: err}
	}
	return seq, nil
}

func (s *PostgresStore) FindByEventID(ctx context.Context, eventID domain.EventID) (Event, error) {
	return s.findOne(ctx, `event_id = $1`, uuid.UUID(eventID))
}

func (s *PostgresStore) FindByLocalID(ctx context.Context, localID domain.LocalID) (Event, error) {
	return s.findOne(ctx, `local_id = $1`, uuid.UUID(localID))
}

func (s *PostgresStore) findOne(ctx context.Context, where string, arg any) (Event, error) {
	rows, err := s.querier(ctx).QueryContext(ctx,
		`SELECT `+eventColumns+` FROM events WHERE `+where, arg)
	if err != nil {
		return Event{}, &StorageError{Op: "find event", Err: err}
	}
	defer rows.Close()

	events, err := scanEvents(rows)
	if err != nil {
		return Event{}, err
	}
	if len(events) == 0 {
		return Event{}, fmt.Errorf("event: %w", sentinel.ErrNotFound)
	}
	return events[0], nil
}

func scanEvents(rows *sql.Rows) ([]Event, error) {
	var events []Event
	for rows.Next() {
		var (
			event       Event
			eventID     uuid.UUID
			aggregateID string
			payload     []byte
			causationID *uuid.UUID
			localID     *uuid.UUID
		)
		err := rows.Scan(
			&event.Sequence,
			&eventID,
			&aggregateID,
			&event.Type,
			&event.SchemaVersion,
			&payload,
			&causationID,
			&localID,
			&event.Actor.ActorID,
			&event.Actor.Role,
			&event.Actor.Site,
			&event.Actor.Sponsor,
			&event.DevicePlatform,
			&event.ClientTimestamp,
			&event.ServerTimestamp,
		)
		if err != nil {
			return nil, &StorageError{Op: "scan event", Err: err}
		}
		event.EventID = domain.EventID(eventID)
		event.AggregateID = domain.AggregateID(aggregateID)
		event.Payload = json.RawMessage(payload)
		if causationID != nil {
			cid := domain.EventID(*causationID)
			event.CausationID = &cid
		}
		if localID != nil {
			lid := domain.LocalID(*localID)
			event.LocalID = &lid
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, &StorageError{Op: "iterate events", Err: err}
	}
	return events, nil
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return 1000
	}
	return limit
}

func nullableEventID(id *domain.EventID) any {
	if id == nil {
		return nil
	}
	return uuid.UUID(*id)
}

func nullableLocalID(id *domain.LocalID) any {
	if id == nil {
		return nil
	}
	return uuid.UUID(*id)
}
