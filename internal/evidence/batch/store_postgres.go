package batch

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

// PostgresStore keeps batches in the batches and batch_leaves tables.
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

const batchColumns = `batch_id, since_sequence, until_sequence, merkle_root,
	padding_rule, leaf_count, created_at, status, backend, pending_handle,
	attestation, attested_at, renews_batch_id`

// SaveBatch writes the batch row and its leaves in one transaction so a
// crash can never leave a batch without its layout.
func (s *PostgresStore) SaveBatch(ctx context.Context, b Batch, leaves []Leaf) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save batch: %w", err)
	}
	defer tx.Rollback()

	var renews *string
	if b.RenewsBatchID != nil {
		v := b.RenewsBatchID.String()
		renews = &v
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO batches (`+batchColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		b.ID.String(), b.SinceSequence, b.UntilSequence, b.MerkleRoot,
		b.PaddingRule, b.LeafCount, b.CreatedAt, b.Status, b.Backend,
		b.PendingHandle, b.Attestation, b.AttestedAt, renews)
	if err != nil {
		return fmt.Errorf("insert batch %s: %w", b.ID, err)
	}

	for _, leaf := range leaves {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO batch_leaves (batch_id, leaf_index, sequence, event_id, leaf_hash)
			VALUES ($1, $2, $3, $4, $5)`,
			b.ID.String(), leaf.LeafIndex, leaf.Sequence, leaf.EventID.String(), leaf.LeafHash)
		if err != nil {
			return fmt.Errorf("insert leaf %d of batch %s: %w", leaf.LeafIndex, b.ID, err)
		}
	}
	return tx.Commit()
}

func (s *PostgresStore) GetBatch(ctx context.Context, id domain.BatchID) (Batch, error) {
	row := s.querier(ctx).QueryRowContext(ctx, `
		SELECT `+batchColumns+`
		FROM batches
		WHERE batch_id = $1`, id.String())
	return scanBatch(row)
}

func (s *PostgresStore) ListByStatus(ctx context.Context, status string, limit int) ([]Batch, error) {
	rows, err := s.querier(ctx).QueryContext(ctx, `
		SELECT `+batchColumns+`
		FROM batches
		WHERE status = $1
		ORDER BY created_at
		LIMIT $2`, status, limit)
	if err != nil {
		return nil, fmt.Errorf("list %s batches: %w", status, err)
	}
	defer rows.Close()

	var out []Batch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Leaves(ctx context.Context, id domain.BatchID) ([]Leaf, error) {
	rows, err := s.querier(ctx).QueryContext(ctx, `
		SELECT batch_id, leaf_index, sequence, event_id, leaf_hash
		FROM batch_leaves
		WHERE batch_id = $1
		ORDER BY leaf_index`, id.String())
	if err != nil {
		return nil, fmt.Errorf("load leaves of batch %s: %w", id, err)
	}
	defer rows.Close()

	var out []Leaf
	for rows.Next() {
		leaf, err := scanLeaf(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, leaf)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, sentinel.ErrNotFound
	}
	return out, nil
}

func (s *PostgresStore) FindLeaf(ctx context.Context, eventID domain.EventID) (Leaf, error) {
	row := s.querier(ctx).QueryRowContext(ctx, `
		SELECT l.batch_id, l.leaf_index, l.sequence, l.event_id, l.leaf_hash
		FROM batch_leaves l
		JOIN batches b ON b.batch_id = l.batch_id
		WHERE l.event_id = $1
		ORDER BY b.created_at DESC
		LIMIT 1`, eventID.String())
	leaf, err := scanLeaf(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Leaf{}, sentinel.ErrNotFound
	}
	if err != nil {
		return Leaf{}, fmt.Errorf("find leaf for event %s: %w", eventID, err)
	}
	return leaf, nil
}

func (s *PostgresStore) LatestUntilSequence(ctx context.Context) (int64, error) {
	var max int64
	err := s.querier(ctx).QueryRowContext(ctx,
		`SELECT COALESCE(MAX(until_sequence), 0) FROM batches`).Scan(&max)
	if err != nil {
		return 0, fmt.Errorf("latest batched sequence: %w", err)
	}
	return max, nil
}

func (s *PostgresStore) MarkSubmitted(ctx context.Context, id domain.BatchID, backend, handle string) error {
	res, err := s.querier(ctx).ExecContext(ctx, `
		UPDATE batches
		SET status = 'submitted', backend = $2, pending_handle = $3
		WHERE batch_id = $1`, id.String(), backend, handle)
	if err != nil {
		return fmt.Errorf("mark batch %s submitted: %w", id, err)
	}
	return requireRow(res)
}

func (s *PostgresStore) MarkAttested(ctx context.Context, id domain.BatchID, attestation []byte, attestedAt time.Time) error {
	res, err := s.querier(ctx).ExecContext(ctx, `
		UPDATE batches
		SET status = 'attested', attestation = $2, attested_at = $3
		WHERE batch_id = $1`, id.String(), attestation, attestedAt)
	if err != nil {
		return fmt.Errorf("mark batch %s attested: %w", id, err)
	}
	return requireRow(res)
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return sentinel.ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBatch(row rowScanner) (Batch, error) {
	var (
		b        Batch
		id       string
		renews   sql.NullString
		attested sql.NullTime
	)
	err := row.Scan(&id, &b.SinceSequence, &b.UntilSequence, &b.MerkleRoot,
		&b.PaddingRule, &b.LeafCount, &b.CreatedAt, &b.Status, &b.Backend,
		&b.PendingHandle, &b.Attestation, &attested, &renews)
	if errors.Is(err, sql.ErrNoRows) {
		return Batch{}, sentinel.ErrNotFound
	}
	if err != nil {
		return Batch{}, fmt.Errorf("scan batch: %w", err)
	}

	if b.ID, err = domain.ParseBatchID(id); err != nil {
		return Batch{}, fmt.Errorf("stored batch id: %w", err)
	}
	if attested.Valid {
		at := attested.Time
		b.AttestedAt = &at
	}
	if renews.Valid {
		parsed, err := domain.ParseBatchID(renews.String)
		if err != nil {
			return Batch{}, fmt.Errorf("stored renewal link: %w", err)
		}
		b.RenewsBatchID = &parsed
	}
	return b, nil
}

func scanLeaf(row rowScanner) (Leaf, error) {
	var (
		leaf    Leaf
		batchID string
		eventID string
	)
	err := row.Scan(&batchID, &leaf.LeafIndex, &leaf.Sequence, &eventID, &leaf.LeafHash)
	if err != nil {
		return Leaf{}, err
	}
	if leaf.BatchID, err = domain.ParseBatchID(batchID); err != nil {
		return Leaf{}, fmt.Errorf("stored leaf batch id: %w", err)
	}
	if leaf.EventID, err = domain.ParseEventID(eventID); err != nil {
		return Leaf{}, fmt.Errorf("stored leaf event id: %w", err)
	}
	return leaf, nil
}
