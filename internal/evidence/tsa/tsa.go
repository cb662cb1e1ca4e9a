// Package tsa abstracts the external timestamp authority behind the three
// operations the core needs: submit a hash, poll for the attestation, and
// verify an attestation against a hash. Backends are interchangeable; the
// batch service and verifier depend only on the Authority interface.
package tsa

import (
	"context"
	"errors"
	"time"
)

// ErrStillPending means the authority accepted the submission but has not
// attested yet. This is a state, not a failure: blockchain anchoring can
// take an hour to confirm.
var ErrStillPending = errors.New("attestation still pending")

// Authority is a third-party timestamping service.
type Authority interface {
	// Name identifies the backend inside proofs.
	Name() string

	// Submit sends a hash for attestation and returns an opaque handle for
	// polling. Implementations must make the handle durable-friendly: a
	// restarted process holding only the handle string can still poll.
	Submit(ctx context.Context, hash [32]byte) (handle string, err error)

	// Poll exchanges a handle for the attestation blob, or ErrStillPending.
	Poll(ctx context.Context, handle string) ([]byte, error)

	// Verify checks an attestation against the hash it supposedly covers
	// and returns the authoritative attested time. Verification must not
	// depend on any state of the live system.
	Verify(attestation []byte, hash [32]byte) (time.Time, error)
}
