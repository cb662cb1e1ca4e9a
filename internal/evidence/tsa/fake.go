package tsa

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// Fake is an in-memory Authority for tests. Each submitted digest
// confirms after PendingPolls poll attempts, and the attestation is a
// JSON record the fake itself validates on Verify.
type Fake struct {
	// PendingPolls is how many Poll calls return ErrStillPending
	// before a handle confirms. Zero confirms on the first poll.
	PendingPolls int

	// Now supplies attestation times. Defaults to time.Now.
	Now func() time.Time

	// SubmitErr and PollErr, when set, fail the next call.
	SubmitErr error
	PollErr   error

	mu      sync.Mutex
	nextID  int
	pending map[string]*fakeSubmission
}

type fakeSubmission struct {
	digest []byte
	polls  int
}

type fakeAttestation struct {
	Digest     []byte    `json:"digest"`
	AttestedAt time.Time `json:"attested_at"`
}

func NewFake() *Fake {
	return &Fake{pending: map[string]*fakeSubmission{}}
}

func (f *Fake) Name() string { return "fake" }

func (f *Fake) Submit(ctx context.Context, hash [32]byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.SubmitErr; err != nil {
		f.SubmitErr = nil
		return "", err
	}

	f.nextID++
	handle := fmt.Sprintf("fake-%d", f.nextID)
	f.pending[handle] = &fakeSubmission{digest: append([]byte(nil), hash[:]...)}
	return handle, nil
}

func (f *Fake) Poll(ctx context.Context, handle string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.PollErr; err != nil {
		f.PollErr = nil
		return nil, err
	}

	sub, ok := f.pending[handle]
	if !ok {
		return nil, fmt.Errorf("unknown handle %q", handle)
	}
	if sub.polls < f.PendingPolls {
		sub.polls++
		return nil, ErrStillPending
	}

	now := time.Now
	if f.Now != nil {
		now = f.Now
	}
	att, err := json.Marshal(fakeAttestation{
		Digest:     sub.digest,
		AttestedAt: now().UTC(),
	})
	if err != nil {
		return nil, err
	}
	delete(f.pending, handle)
	return att, nil
}

func (f *Fake) Verify(attestation []byte, hash [32]byte) (time.Time, error) {
	var att fakeAttestation
	if err := json.Unmarshal(attestation, &att); err != nil {
		return time.Time{}, fmt.Errorf("decode attestation: %w", err)
	}
	if !bytes.Equal(att.Digest, hash[:]) {
		return time.Time{}, fmt.Errorf("attestation covers a different digest")
	}
	return att.AttestedAt, nil
}
