package projection

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"veritas/pkg/domain"
	"veritas/pkg/platform/sentinel"
	txcontext "veritas/pkg/platform/tx"
)

// PostgresViewStore keeps materialized rows in the aggregate_views table.
type PostgresViewStore struct {
	db *sql.DB
}

func NewPostgresViewStore(db *sql.DB) *PostgresViewStore {
	return &PostgresViewStore{db: db}
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *PostgresViewStore) querier(ctx context.Context) querier {
	if tx, ok := txcontext.From(ctx); ok {
		return tx
	}
	return s.db
}

func (s *PostgresViewStore) Get(ctx context.Context, aggregateID domain.AggregateID) (View, error) {
	row := s.querier(ctx).QueryRowContext(ctx, `
		SELECT aggregate_id, latest_sequence, state, updated_at
		FROM aggregate_views
		WHERE aggregate_id = $1`, string(aggregateID))

	var view View
	err := row.Scan(&view.AggregateID, &view.LatestSequence, &view.State, &view.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return View{}, sentinel.ErrNotFound
	}
	if err != nil {
		return View{}, fmt.Errorf("get view %s: %w", aggregateID, err)
	}
	return view, nil
}

func (s *PostgresViewStore) Save(ctx context.Context, view View) error {
	_, err := s.querier(ctx).ExecContext(ctx, `
		INSERT INTO aggregate_views (aggregate_id, latest_sequence, state, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (aggregate_id) DO UPDATE SET
			latest_sequence = EXCLUDED.latest_sequence,
			state           = EXCLUDED.state,
			updated_at      = EXCLUDED.updated_at`,
		string(view.AggregateID), view.LatestSequence, []byte(view.State), view.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save view %s: %w", view.AggregateID, err)
	}
	return nil
}

func (s *PostgresViewStore) Delete(ctx context.Context, aggregateID domain.AggregateID) error {
	_, err := s.querier(ctx).ExecContext(ctx,
		`DELETE FROM aggregate_views WHERE aggregate_id = $1`, string(aggregateID))
	if err != nil {
		return fmt.Errorf("delete view %s: %w", aggregateID, err)
	}
	return nil
}

func (s *PostgresViewStore) MaxSequence(ctx context.Context) (int64, error) {
	var max int64
	err := s.querier(ctx).QueryRowContext(ctx,
		`SELECT COALESCE(MAX(latest_sequence), 0) FROM aggregate_views`).Scan(&max)
	if err != nil {
		return 0, fmt.Errorf("max view sequence: %w", err)
	}
	return max, nil
}

func (s *PostgresViewStore) List(ctx context.Context) ([]View, error) {
	rows, err := s.querier(ctx).QueryContext(ctx, `
		SELECT aggregate_id, latest_sequence, state, updated_at
		FROM aggregate_views
		ORDER BY aggregate_id`)
	if err != nil {
		return nil, fmt.Errorf("list views: %w", err)
	}
	defer rows.Close()

	var views []View
	for rows.Next() {
		var view View
		if err := rows.Scan(&view.AggregateID, &view.LatestSequence, &view.State, &view.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan view: %w", err)
		}
		views = append(views, view)
	}
	return views, rows.Err()
}
