package eventstore

import (
	"context"

	"veritas/pkg/domain"
)

// Store is the durable, ordered, append-only ledger. Implementations must
// make Append atomic: either the event is persisted with its sequence number
// or nothing happened. Sequence numbers are global, strictly increasing and
// gap-free once committed; a failed append never consumes one.
//
// Stores are interface-driven to keep the domain logic testable and to allow
// swapping in-memory and postgres persistence without rewiring business code.
type Store interface {
	// Append performs the compare-and-assign-sequence step under a
	// per-aggregate lock. Returns *ConflictError if rec.ExpectedSequence is
	// stale and sentinel.ErrDuplicate (wrapped) if rec.LocalID was already
	// committed.
	Append(ctx context.Context, rec AppendRequest, prepared PreparedEvent) (Event, error)

	// ReadStream returns up to limit events for one aggregate with
	// sequence > fromSequence, ascending. Restartable: callers page by
	// passing the last sequence they saw.
	ReadStream(ctx context.Context, aggregateID domain.AggregateID, fromSequence int64, limit int) ([]Event, error)

	// ReadGlobal returns up to limit events across all aggregates with
	// sequence > fromSequence, ascending. Feed for the projection runner,
	// the batch sweeper, and the export worker.
	ReadGlobal(ctx context.Context, fromSequence int64, limit int) ([]Event, error)

	// LatestSequence returns the global sequence of the aggregate's newest
	// event, 0 if the aggregate has none.
	LatestSequence(ctx context.Context, aggregateID domain.AggregateID) (int64, error)

	// Head returns the highest committed global sequence.
	Head(ctx context.Context) (int64, error)

	// FindByEventID fetches one committed event.
	FindByEventID(ctx context.Context, eventID domain.EventID) (Event, error)

	// FindByLocalID fetches the committed event carrying a client
	// idempotency key, for dedup resolution after ErrDuplicate.
	FindByLocalID(ctx context.Context, localID domain.LocalID) (Event, error)
}

// PreparedEvent holds the server-side fields the service resolves before the
// store assigns sequence and server timestamp.
type PreparedEvent struct {
	EventID        domain.EventID
	Actor          domain.Principal
	DevicePlatform string
}
