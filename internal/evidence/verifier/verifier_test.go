package verifier

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"veritas/internal/eventstore"
	"veritas/internal/evidence"
	"veritas/internal/evidence/batch"
	"veritas/internal/evidence/tsa"
	"veritas/pkg/domain"
)

// attested builds a committed event, batches it alongside siblings, drives
// the batch to attested, and returns the event with its proof.
func attested(t *testing.T, fake *tsa.Fake) (eventstore.Event, evidence.Proof) {
	t.Helper()
	ctx := context.Background()
	events := eventstore.NewInMemoryStore()
	svc := batch.NewService(batch.NewInMemoryStore(), events, fake, slog.New(slog.DiscardHandler))

	var target eventstore.Event
	for i := range 5 {
		event, err := events.Append(ctx, eventstore.AppendRequest{
			AggregateID:      domain.AggregateID(fmt.Sprintf("diary-%d", i)),
			ExpectedSequence: 0,
			Type:             "EntryCreated",
			SchemaVersion:    1,
			Payload:          json.RawMessage(fmt.Sprintf(`{"severity":%d,"note":"morning dose"}`, i)),
			ClientTimestamp:  time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC),
		}, eventstore.PreparedEvent{
			EventID: domain.NewEventID(),
			Actor:   domain.Principal{ActorID: "participant-1"},
		})
		require.NoError(t, err)
		if i == 2 {
			target = event
		}
	}

	_, err := svc.FormBatch(ctx)
	require.NoError(t, err)
	require.NoError(t, svc.SubmitPending(ctx))
	require.NoError(t, svc.PollSubmitted(ctx))

	proof, err := svc.GetProof(ctx, target.EventID)
	require.NoError(t, err)
	require.True(t, proof.Attested())
	return target, proof
}

func TestVerifyRoundTrip(t *testing.T) {
	fake := tsa.NewFake()
	attestedAt := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	fake.Now = func() time.Time { return attestedAt }

	event, proof := attested(t, fake)

	result, err := Verify(event, proof, fake)
	require.NoError(t, err)
	require.NotNil(t, result.AttestedAt)
	assert.Equal(t, attestedAt, *result.AttestedAt)
}

func TestVerifyDetectsTampering(t *testing.T) {
	fake := tsa.NewFake()
	event, proof := attested(t, fake)

	assertInvalid := func(t *testing.T, err error) {
		t.Helper()
		var invalidErr *evidence.ProofInvalidError
		require.ErrorAs(t, err, &invalidErr)
	}

	t.Run("payload bit flip", func(t *testing.T) {
		tampered := event
		tampered.Payload = json.RawMessage(`{"severity":9,"note":"morning dose"}`)
		_, err := Verify(tampered, proof, fake)
		assertInvalid(t, err)
	})

	t.Run("rewritten timestamp", func(t *testing.T) {
		tampered := event
		tampered.ServerTimestamp = tampered.ServerTimestamp.Add(time.Hour)
		_, err := Verify(tampered, proof, fake)
		assertInvalid(t, err)
	})

	t.Run("swapped inclusion path side", func(t *testing.T) {
		bad := proof
		bad.InclusionPath = append([]evidence.ProofStep(nil), proof.InclusionPath...)
		if bad.InclusionPath[0].Side == "L" {
			bad.InclusionPath[0].Side = "R"
		} else {
			bad.InclusionPath[0].Side = "L"
		}
		_, err := Verify(event, bad, fake)
		assertInvalid(t, err)
	})

	t.Run("foreign root", func(t *testing.T) {
		bad := proof
		bad.MerkleRoot = "0000000000000000000000000000000000000000000000000000000000000000"
		_, err := Verify(event, bad, fake)
		assertInvalid(t, err)
	})

	t.Run("proof for another event", func(t *testing.T) {
		other := event
		other.EventID = domain.NewEventID()
		_, err := Verify(other, proof, fake)
		assertInvalid(t, err)
	})

	t.Run("unknown padding rule", func(t *testing.T) {
		bad := proof
		bad.PaddingRule = "zero-fill"
		_, err := Verify(event, bad, fake)
		assertInvalid(t, err)
	})

	t.Run("attestation covers different root", func(t *testing.T) {
		otherFake := tsa.NewFake()
		_, otherProof := attested(t, otherFake)
		bad := proof
		bad.Attestation = otherProof.Attestation
		_, err := Verify(event, bad, fake)
		assertInvalid(t, err)
	})

	t.Run("wrong authority for backend", func(t *testing.T) {
		anchor := tsa.NewAnchor("anchor", "http://unused", nil, nil)
		_, err := Verify(event, proof, anchor)
		assertInvalid(t, err)
	})
}

func TestVerifyPendingProofHasNoAttestedTime(t *testing.T) {
	ctx := context.Background()
	fake := tsa.NewFake()
	events := eventstore.NewInMemoryStore()
	svc := batch.NewService(batch.NewInMemoryStore(), events, fake, slog.New(slog.DiscardHandler))

	event, err := events.Append(ctx, eventstore.AppendRequest{
		AggregateID:      "diary-1",
		ExpectedSequence: 0,
		Type:             "EntryCreated",
		SchemaVersion:    1,
		Payload:          json.RawMessage(`{"severity":2}`),
		ClientTimestamp:  time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC),
	}, eventstore.PreparedEvent{
		EventID: domain.NewEventID(),
		Actor:   domain.Principal{ActorID: "participant-1"},
	})
	require.NoError(t, err)

	_, err = svc.FormBatch(ctx)
	require.NoError(t, err)

	proof, err := svc.GetProof(ctx, event.EventID)
	require.NoError(t, err)
	require.False(t, proof.Attested())

	result, err := Verify(event, proof, fake)
	require.NoError(t, err)
	assert.Nil(t, result.AttestedAt)
}
