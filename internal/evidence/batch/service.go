// Package batch sweeps committed events into Merkle trees and has their
// roots attested by an external timestamp authority. The pipeline is fully
// decoupled from the append path: a slow or unreachable authority delays
// attestation, never a commit.
package batch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"veritas/internal/eventstore"
	"veritas/internal/evidence"
	"veritas/internal/evidence/batch/metrics"
	"veritas/internal/evidence/merkle"
	"veritas/internal/evidence/tsa"
	"veritas/pkg/domain"
	"veritas/pkg/platform/sentinel"
)

// ErrNoNewEvents means the window since the last batch is empty. Not a
// failure: the scheduler just waits for the next window.
var ErrNoNewEvents = errors.New("no events since last batch")

// renewalHashPrefix domain-separates the leaf content of a renewal batch
// (the old batch's attestation bytes) from event content hashes.
const renewalHashPrefix = "veritas:renewal:v1\x00"

const (
	sweepPageSize  = 500
	statusPageSize = 50
)

// globalReader is the slice of the event store the batcher needs.
type globalReader interface {
	ReadGlobal(ctx context.Context, fromSequence int64, limit int) ([]eventstore.Event, error)
}

// Service forms batches, drives them through the attestation lifecycle,
// and serves inclusion proofs.
type Service struct {
	store     Store
	events    globalReader
	authority tsa.Authority
	logger    *slog.Logger
	metrics   *metrics.Metrics

	// submitMaxElapsed bounds one submission attempt including its
	// backoff retries. The batch stays pending past it and is retried on
	// the next sweep.
	submitMaxElapsed time.Duration
}

// Option configures a Service.
type Option func(*Service)

// WithMetrics attaches Prometheus metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithSubmitMaxElapsed bounds the per-batch submission retry budget.
func WithSubmitMaxElapsed(d time.Duration) Option {
	return func(s *Service) { s.submitMaxElapsed = d }
}

func NewService(store Store, events globalReader, authority tsa.Authority, logger *slog.Logger, opts ...Option) *Service {
	s := &Service{
		store:            store,
		events:           events,
		authority:        authority,
		logger:           logger,
		submitMaxElapsed: time.Minute,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// FormBatch sweeps every event committed since the last batch into a new
// pending batch. Returns ErrNoNewEvents when the window is empty.
func (s *Service) FormBatch(ctx context.Context) (Batch, error) {
	start := time.Now()
	ctx, span := otel.Tracer("veritas/batch").Start(ctx, "batch.Form")
	defer span.End()

	since, err := s.store.LatestUntilSequence(ctx)
	if err != nil {
		return Batch{}, err
	}

	var (
		hashes [][32]byte
		leaves []Leaf
		cursor = since
	)
	for {
		events, err := s.events.ReadGlobal(ctx, cursor, sweepPageSize)
		if err != nil {
			return Batch{}, fmt.Errorf("sweep events after %d: %w", cursor, err)
		}
		for _, event := range events {
			contentHash, err := event.ContentHash()
			if err != nil {
				return Batch{}, fmt.Errorf("hash event %s: %w", event.EventID, err)
			}
			leafHash := merkle.LeafHash(contentHash)
			hashes = append(hashes, leafHash)
			leaves = append(leaves, Leaf{
				LeafIndex: len(leaves),
				Sequence:  event.Sequence,
				EventID:   event.EventID,
				LeafHash:  hex.EncodeToString(leafHash[:]),
			})
			cursor = event.Sequence
		}
		if len(events) < sweepPageSize {
			break
		}
	}
	if len(leaves) == 0 {
		return Batch{}, ErrNoNewEvents
	}

	tree, err := merkle.Build(hashes)
	if err != nil {
		return Batch{}, fmt.Errorf("build batch tree: %w", err)
	}
	root := tree.Root()

	b := Batch{
		ID:            domain.NewBatchID(),
		SinceSequence: since,
		UntilSequence: cursor,
		MerkleRoot:    hex.EncodeToString(root[:]),
		PaddingRule:   evidence.PaddingDupLast,
		LeafCount:     len(leaves),
		CreatedAt:     time.Now().UTC(),
		Status:        evidence.StatusPending,
	}
	for i := range leaves {
		leaves[i].BatchID = b.ID
	}
	if err := s.store.SaveBatch(ctx, b, leaves); err != nil {
		return Batch{}, fmt.Errorf("save batch %s: %w", b.ID, err)
	}

	span.SetAttributes(
		attribute.String("batch_id", b.ID.String()),
		attribute.Int("leaf_count", b.LeafCount),
	)
	if s.metrics != nil {
		s.metrics.BatchesFormed.Inc()
		s.metrics.LeavesBatched.Add(float64(len(leaves)))
		s.metrics.FormDuration.Observe(time.Since(start).Seconds())
	}
	s.logger.Info("batch formed",
		slog.String("batch_id", b.ID.String()),
		slog.Int64("since", b.SinceSequence),
		slog.Int64("until", b.UntilSequence),
		slog.Int("leaves", b.LeafCount))
	return b, nil
}

// SubmitPending sends every pending batch root to the authority. Failures
// are logged and the batch stays pending for the next pass.
func (s *Service) SubmitPending(ctx context.Context) error {
	pending, err := s.store.ListByStatus(ctx, evidence.StatusPending, statusPageSize)
	if err != nil {
		return err
	}
	for _, b := range pending {
		if err := s.submit(ctx, b); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if s.metrics != nil {
				s.metrics.SubmitFailures.Inc()
			}
			s.logger.Warn("batch submission failed",
				slog.String("batch_id", b.ID.String()),
				slog.String("error", err.Error()))
		}
	}
	return nil
}

func (s *Service) submit(ctx context.Context, b Batch) error {
	root, err := decodeHash(b.MerkleRoot)
	if err != nil {
		return fmt.Errorf("stored root of batch %s: %w", b.ID, err)
	}

	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = s.submitMaxElapsed

	var handle string
	submit := func() error {
		var err error
		handle, err = s.authority.Submit(ctx, root)
		return err
	}
	if err := backoff.Retry(submit, backoff.WithContext(policy, ctx)); err != nil {
		return &evidence.AttestationUnavailableError{Backend: s.authority.Name(), Err: err}
	}

	if err := s.store.MarkSubmitted(ctx, b.ID, s.authority.Name(), handle); err != nil {
		return err
	}
	s.logger.Info("batch submitted",
		slog.String("batch_id", b.ID.String()),
		slog.String("backend", s.authority.Name()))
	return nil
}

// PollSubmitted asks the authority about every submitted batch. A granted
// attestation is verified against the root before it is stored.
func (s *Service) PollSubmitted(ctx context.Context) error {
	submitted, err := s.store.ListByStatus(ctx, evidence.StatusSubmitted, statusPageSize)
	if err != nil {
		return err
	}
	for _, b := range submitted {
		if err := s.poll(ctx, b); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if s.metrics != nil {
				s.metrics.PollFailures.Inc()
			}
			s.logger.Warn("attestation poll failed",
				slog.String("batch_id", b.ID.String()),
				slog.String("error", err.Error()))
		}
	}
	return nil
}

func (s *Service) poll(ctx context.Context, b Batch) error {
	attestation, err := s.authority.Poll(ctx, b.PendingHandle)
	if errors.Is(err, tsa.ErrStillPending) {
		return nil
	}
	if err != nil {
		return &evidence.AttestationUnavailableError{Backend: b.Backend, Err: err}
	}

	root, err := decodeHash(b.MerkleRoot)
	if err != nil {
		return fmt.Errorf("stored root of batch %s: %w", b.ID, err)
	}
	attestedAt, err := s.authority.Verify(attestation, root)
	if err != nil {
		return fmt.Errorf("authority returned unverifiable attestation for batch %s: %w", b.ID, err)
	}

	if err := s.store.MarkAttested(ctx, b.ID, attestation, attestedAt); err != nil {
		return err
	}
	if s.metrics != nil {
		s.metrics.AttestationsGranted.Inc()
	}
	s.logger.Info("batch attested",
		slog.String("batch_id", b.ID.String()),
		slog.Time("attested_at", attestedAt))
	return nil
}

// GetProof rebuilds the inclusion proof for one event from the stored
// batch layout. Returns sentinel.ErrNotFound when no batch has covered the
// event yet; a covered-but-unattested event gets a proof without an
// attestation.
func (s *Service) GetProof(ctx context.Context, eventID domain.EventID) (evidence.Proof, error) {
	leaf, err := s.store.FindLeaf(ctx, eventID)
	if err != nil {
		return evidence.Proof{}, err
	}
	b, err := s.store.GetBatch(ctx, leaf.BatchID)
	if err != nil {
		return evidence.Proof{}, err
	}
	leaves, err := s.store.Leaves(ctx, leaf.BatchID)
	if err != nil {
		return evidence.Proof{}, err
	}

	hashes := make([][32]byte, len(leaves))
	for i, l := range leaves {
		if hashes[i], err = decodeHash(l.LeafHash); err != nil {
			return evidence.Proof{}, fmt.Errorf("stored leaf %d of batch %s: %w", i, b.ID, err)
		}
	}
	tree, err := merkle.Build(hashes)
	if err != nil {
		return evidence.Proof{}, fmt.Errorf("rebuild tree of batch %s: %w", b.ID, err)
	}
	root := tree.Root()
	if hex.EncodeToString(root[:]) != b.MerkleRoot {
		return evidence.Proof{}, fmt.Errorf("batch %s leaves do not reproduce the stored root", b.ID)
	}

	path, err := tree.Proof(leaf.LeafIndex)
	if err != nil {
		return evidence.Proof{}, err
	}
	return evidence.Proof{
		BatchID:       b.ID,
		EventID:       eventID,
		LeafIndex:     leaf.LeafIndex,
		LeafCount:     b.LeafCount,
		PaddingRule:   b.PaddingRule,
		LeafHash:      leaf.LeafHash,
		MerkleRoot:    b.MerkleRoot,
		InclusionPath: path,
		Backend:       b.Backend,
		Attestation:   append([]byte(nil), b.Attestation...),
		AttestedAt:    b.AttestedAt,
	}, nil
}

// Renew re-anchors an attested batch before its attestation's crypto ages
// out: the old attestation bytes become the single leaf of a new batch,
// which then goes through the normal submit/poll lifecycle. The old batch
// and every proof minted from it remain untouched and valid.
func (s *Service) Renew(ctx context.Context, id domain.BatchID) (Batch, error) {
	old, err := s.store.GetBatch(ctx, id)
	if err != nil {
		return Batch{}, err
	}
	if old.Status != evidence.StatusAttested {
		return Batch{}, fmt.Errorf("batch %s is %s, only attested batches renew: %w",
			id, old.Status, sentinel.ErrInvalidState)
	}

	content := sha256.Sum256(append([]byte(renewalHashPrefix), old.Attestation...))
	leafHash := merkle.LeafHash(content)
	tree, err := merkle.Build([][32]byte{leafHash})
	if err != nil {
		return Batch{}, err
	}
	root := tree.Root()

	renews := old.ID
	b := Batch{
		ID:            domain.NewBatchID(),
		SinceSequence: old.UntilSequence,
		UntilSequence: old.UntilSequence,
		MerkleRoot:    hex.EncodeToString(root[:]),
		PaddingRule:   evidence.PaddingDupLast,
		LeafCount:     1,
		CreatedAt:     time.Now().UTC(),
		Status:        evidence.StatusPending,
		RenewsBatchID: &renews,
	}
	leaf := Leaf{
		BatchID:  b.ID,
		Sequence: 0,
		EventID:  domain.EventID(old.ID),
		LeafHash: hex.EncodeToString(leafHash[:]),
	}
	if err := s.store.SaveBatch(ctx, b, []Leaf{leaf}); err != nil {
		return Batch{}, fmt.Errorf("save renewal of batch %s: %w", id, err)
	}

	s.logger.Info("batch renewal opened",
		slog.String("batch_id", b.ID.String()),
		slog.String("renews", id.String()))
	return b, nil
}

func decodeHash(s string) ([32]byte, error) {
	var out [32]byte
	raw, err := hex.DecodeString(s)
	if err != nil {
		return out, err
	}
	if len(raw) != len(out) {
		return out, fmt.Errorf("hash is %d bytes, want %d", len(raw), len(out))
	}
	copy(out[:], raw)
	return out, nil
}
