package handler

import (
	"encoding/json"
	"strings"
	"time"

	"veritas/pkg/domain"
	dErrors "veritas/pkg/domain-errors"
)

// AppendEventRequest is the HTTP request body for
// POST /streams/{aggregateID}/events.
type AppendEventRequest struct {
	Type             string          `json:"event_type"`
	SchemaVersion    int             `json:"schema_version"`
	Payload          json.RawMessage `json:"payload"`
	ExpectedSequence int64           `json:"expected_sequence"`
	CausationID      string          `json:"causation_id,omitempty"`
	LocalID          string          `json:"local_id,omitempty"`
	ClientTimestamp  time.Time       `json:"client_timestamp"`
	// Strategy opts in to server-side conflict settlement when the expected
	// sequence turns out stale: "default" selects the deployment policy, any
	// other value a registered strategy. Empty means the append fails with a
	// conflict and the client reconciles itself.
	Strategy string `json:"strategy,omitempty"`

	// Parsed values (populated by Validate)
	parsedCausationID *domain.EventID
	parsedLocalID     *domain.LocalID
}

// Validate validates and parses the request.
// Implements the Validatable interface for httputil.DecodeAndPrepare.
func (r *AppendEventRequest) Validate() error {
	if r == nil {
		return dErrors.New(dErrors.CodeInvalidInput, "request body is required")
	}

	r.Type = strings.TrimSpace(r.Type)
	if r.Type == "" {
		return dErrors.New(dErrors.CodeInvalidInput, "event_type is required")
	}
	if r.SchemaVersion < 1 {
		return dErrors.New(dErrors.CodeInvalidInput, "schema_version must be >= 1")
	}
	if r.ExpectedSequence < 0 {
		return dErrors.New(dErrors.CodeInvalidInput, "expected_sequence must be >= 0")
	}
	if len(r.Payload) == 0 {
		return dErrors.New(dErrors.CodeInvalidInput, "payload is required")
	}
	if r.ClientTimestamp.IsZero() {
		return dErrors.New(dErrors.CodeInvalidInput, "client_timestamp is required")
	}

	if r.CausationID != "" {
		causationID, err := domain.ParseEventID(r.CausationID)
		if err != nil {
			return dErrors.New(dErrors.CodeInvalidInput, "causation_id is not a valid event id")
		}
		r.parsedCausationID = &causationID
	}
	if r.LocalID != "" {
		localID, err := domain.ParseLocalID(r.LocalID)
		if err != nil {
			return dErrors.New(dErrors.CodeInvalidInput, "local_id is not a valid local id")
		}
		r.parsedLocalID = &localID
	}

	return nil
}

// ParsedCausationID returns the validated causation id, nil when absent.
func (r *AppendEventRequest) ParsedCausationID() *domain.EventID {
	return r.parsedCausationID
}

// ParsedLocalID returns the validated local id, nil when absent.
func (r *AppendEventRequest) ParsedLocalID() *domain.LocalID {
	return r.parsedLocalID
}
