package domain

import (
	"strings"

	"github.com/google/uuid"

	dErrors "veritas/pkg/domain-errors"
)

// Typed IDs prevent cross-type assignment at compile time. An EventID can
// never be passed where a BatchID is expected, which matters in a codebase
// whose core tables are joined almost entirely on identifiers.
type (
	// EventID identifies one committed event. Server-assigned at commit.
	EventID uuid.UUID
	// BatchID identifies one timestamping batch.
	BatchID uuid.UUID
	// LocalID is the client-generated idempotency key carried from the
	// offline queue through to the committed event.
	LocalID uuid.UUID
	// ConflictID identifies one recorded conflict resolution.
	ConflictID uuid.UUID
)

func (id EventID) String() string { return uuid.UUID(id).String() }
func (id EventID) IsNil() bool    { return uuid.UUID(id) == uuid.Nil }

func (id BatchID) String() string { return uuid.UUID(id).String() }
func (id BatchID) IsNil() bool    { return uuid.UUID(id) == uuid.Nil }

func (id LocalID) String() string { return uuid.UUID(id).String() }
func (id LocalID) IsNil() bool    { return uuid.UUID(id) == uuid.Nil }

func (id ConflictID) String() string { return uuid.UUID(id).String() }
func (id ConflictID) IsNil() bool    { return uuid.UUID(id) == uuid.Nil }

// NewEventID returns a fresh random EventID.
func NewEventID() EventID { return EventID(uuid.New()) }

// NewBatchID returns a fresh random BatchID.
func NewBatchID() BatchID { return BatchID(uuid.New()) }

// NewLocalID returns a fresh random LocalID.
func NewLocalID() LocalID { return LocalID(uuid.New()) }

// NewConflictID returns a fresh random ConflictID.
func NewConflictID() ConflictID { return ConflictID(uuid.New()) }

// ParseEventID validates and returns an EventID. IDs must be valid, non-nil
// UUIDs; anything else is rejected at the trust boundary.
func ParseEventID(s string) (EventID, error) {
	u, err := parseUUID(s, "event id")
	return EventID(u), err
}

// ParseBatchID validates and returns a BatchID.
func ParseBatchID(s string) (BatchID, error) {
	u, err := parseUUID(s, "batch id")
	return BatchID(u), err
}

// ParseLocalID validates and returns a LocalID.
func ParseLocalID(s string) (LocalID, error) {
	u, err := parseUUID(s, "local id")
	return LocalID(u), err
}

// ParseConflictID validates and returns a ConflictID.
func ParseConflictID(s string) (ConflictID, error) {
	u, err := parseUUID(s, "conflict id")
	return ConflictID(u), err
}

func parseUUID(s, what string) (uuid.UUID, error) {
	if s == "" {
		return uuid.Nil, dErrors.New(dErrors.CodeInvalidInput, what+" must not be empty")
	}
	u, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, dErrors.Wrap(dErrors.CodeInvalidInput, "malformed "+what, err)
	}
	if u == uuid.Nil {
		return uuid.Nil, dErrors.New(dErrors.CodeInvalidInput, what+" must not be the nil UUID")
	}
	return u, nil
}

// AggregateID identifies the entity an event mutates (e.g. "diary-42").
// Aggregate ids come from clients, so they are validated strings rather than
// UUIDs: external systems assign them and we must round-trip them unchanged.
type AggregateID string

const maxAggregateIDLen = 128

// ParseAggregateID validates a client-supplied aggregate identifier.
func ParseAggregateID(s string) (AggregateID, error) {
	if s == "" {
		return "", dErrors.New(dErrors.CodeInvalidInput, "aggregate id must not be empty")
	}
	if len(s) > maxAggregateIDLen {
		return "", dErrors.New(dErrors.CodeInvalidInput, "aggregate id too long")
	}
	if strings.TrimSpace(s) != s {
		return "", dErrors.New(dErrors.CodeInvalidInput, "aggregate id must not contain leading or trailing whitespace")
	}
	for _, r := range s {
		if r < 0x21 || r > 0x7e {
			return "", dErrors.New(dErrors.CodeInvalidInput, "aggregate id must be printable ASCII")
		}
	}
	return AggregateID(s), nil
}

func (id AggregateID) String() string { return string(id) }
func (id AggregateID) IsNil() bool    { return id == "" }
