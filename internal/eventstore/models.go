package eventstore

import (
	"bytes"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"veritas/pkg/domain"
)

// Event is one committed, immutable fact in the ledger. Once a sequence
// number has been assigned, no field ever changes and deletion is forbidden;
// corrections happen through compensating events.
type Event struct {
	Sequence        int64              `json:"sequence"`
	EventID         domain.EventID     `json:"event_id"`
	AggregateID     domain.AggregateID `json:"aggregate_id"`
	Type            string             `json:"event_type"`
	SchemaVersion   int                `json:"schema_version"`
	Payload         json.RawMessage    `json:"payload"`
	CausationID     *domain.EventID    `json:"causation_id,omitempty"`
	LocalID         *domain.LocalID    `json:"local_id,omitempty"`
	Actor           domain.Principal   `json:"actor"`
	DevicePlatform  string             `json:"device_platform,omitempty"`
	ClientTimestamp time.Time          `json:"client_timestamp"`
	ServerTimestamp time.Time          `json:"server_timestamp"`
}

// hashPrefix domain-separates event leaf hashes from every other sha256 use
// in the system.
const hashPrefix = "veritas:event:v1"

// ContentHash returns the canonical sha256 digest of the event. This is the
// Merkle leaf input, so it must be reproducible by an external verifier from
// the exported event alone: fields are written in a fixed order with NUL
// separators, and the payload is canonicalized (decoded and re-encoded with
// sorted object keys) because jsonb storage does not preserve byte form.
func (e Event) ContentHash() ([32]byte, error) {
	canonical, err := canonicalJSON(e.Payload)
	if err != nil {
		return [32]byte{}, fmt.Errorf("canonicalize payload: %w", err)
	}

	var buf bytes.Buffer
	buf.WriteString(hashPrefix)
	buf.WriteByte(0)
	buf.WriteString(strconv.FormatInt(e.Sequence, 10))
	buf.WriteByte(0)
	buf.WriteString(e.EventID.String())
	buf.WriteByte(0)
	buf.WriteString(e.AggregateID.String())
	buf.WriteByte(0)
	buf.WriteString(e.Type)
	buf.WriteByte(0)
	buf.WriteString(strconv.Itoa(e.SchemaVersion))
	buf.WriteByte(0)
	buf.Write(canonical)
	buf.WriteByte(0)
	buf.WriteString(e.Actor.ActorID)
	buf.WriteByte(0)
	buf.WriteString(e.ClientTimestamp.UTC().Format(time.RFC3339Nano))
	buf.WriteByte(0)
	buf.WriteString(e.ServerTimestamp.UTC().Format(time.RFC3339Nano))

	return sha256.Sum256(buf.Bytes()), nil
}

// canonicalJSON decodes raw and re-encodes it. encoding/json sorts map keys
// on marshal, which gives a stable byte form for any jsonb round-trip.
func canonicalJSON(raw json.RawMessage) ([]byte, error) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return json.Marshal(v)
}

// AppendRequest carries a caller's proposed event. ExpectedSequence is the
// optimistic-concurrency token: the global sequence of the aggregate's latest
// event as the caller last saw it (0 for a new aggregate).
type AppendRequest struct {
	AggregateID      domain.AggregateID
	ExpectedSequence int64
	Type             string
	SchemaVersion    int
	Payload          json.RawMessage
	CausationID      *domain.EventID
	LocalID          *domain.LocalID
	ClientTimestamp  time.Time
}

// AppendResult is the committed event plus whether it was deduplicated (a
// retry of a write that had already succeeded, matched by LocalID).
type AppendResult struct {
	Event        Event
	Deduplicated bool
}
