package tsa

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"veritas/pkg/platform/circuit"
)

// ErrAuthorityOpen means the breaker has taken the authority out of rotation
// after repeated failures. Batches stay pending and resubmit next pass.
var ErrAuthorityOpen = errors.New("attestation authority circuit open")

// Breaking wraps an Authority with a circuit breaker so a flapping TSA or
// calendar does not hold every scheduler pass hostage to its timeouts.
type Breaking struct {
	inner   Authority
	breaker *circuit.Breaker
	logger  *slog.Logger
}

// WithBreaker decorates an authority. Verify stays untouched: it is a pure
// computation over bytes already in hand.
func WithBreaker(inner Authority, breaker *circuit.Breaker, logger *slog.Logger) *Breaking {
	return &Breaking{inner: inner, breaker: breaker, logger: logger}
}

func (b *Breaking) Name() string { return b.inner.Name() }

func (b *Breaking) Submit(ctx context.Context, hash [32]byte) (string, error) {
	if b.breaker.IsOpen() {
		return "", ErrAuthorityOpen
	}
	handle, err := b.inner.Submit(ctx, hash)
	b.record(ctx, err)
	return handle, err
}

// Poll always goes through, even with the circuit open: poll calls are the
// cheap probes whose successes close the breaker again.
func (b *Breaking) Poll(ctx context.Context, handle string) ([]byte, error) {
	attestation, err := b.inner.Poll(ctx, handle)
	if errors.Is(err, ErrStillPending) {
		// Pending is the authority working as intended.
		b.record(ctx, nil)
	} else {
		b.record(ctx, err)
	}
	return attestation, err
}

func (b *Breaking) Verify(attestation []byte, hash [32]byte) (time.Time, error) {
	return b.inner.Verify(attestation, hash)
}

func (b *Breaking) record(ctx context.Context, err error) {
	if err == nil {
		if _, change := b.breaker.RecordSuccess(); change.Closed {
			b.logger.InfoContext(ctx, "attestation authority recovered",
				"authority", b.inner.Name())
		}
		return
	}
	if _, change := b.breaker.RecordFailure(); change.Opened {
		b.logger.WarnContext(ctx, "attestation authority circuit opened",
			"authority", b.inner.Name(), "error", err)
	}
}
