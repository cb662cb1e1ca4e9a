package handler

import (
	"veritas/internal/conflict"
	"veritas/internal/eventstore"
)

// AppendEventResponse is the HTTP response body for a committed append.
type AppendEventResponse struct {
	Event        eventstore.Event    `json:"event"`
	Deduplicated bool                `json:"deduplicated,omitempty"`
	Conflict     *ConflictResolution `json:"conflict,omitempty"`
}

// ConflictResolution reports how a stale-sequence append was settled.
type ConflictResolution struct {
	ID             string `json:"id"`
	Outcome        string `json:"outcome"`
	Strategy       string `json:"strategy"`
	WinningEventID string `json:"winning_event_id"`
	// Superseded is true when the command lost: its proposal was recorded
	// for audit but the winning event keeps the materialized view.
	Superseded bool `json:"superseded"`
}

// EventPageResponse is the HTTP response body for stream and ledger reads.
type EventPageResponse struct {
	Events []eventstore.Event `json:"events"`
	// NextFrom is the cursor for the following page, 0 when exhausted.
	NextFrom int64 `json:"next_from"`
}

// HeadResponse reports an aggregate's newest committed sequence.
type HeadResponse struct {
	AggregateID    string `json:"aggregate_id"`
	LatestSequence int64  `json:"latest_sequence"`
}

func fromConflict(rec conflict.Record, res conflict.Resolution) *ConflictResolution {
	return &ConflictResolution{
		ID:             rec.ID.String(),
		Outcome:        string(res.Outcome),
		Strategy:       rec.Strategy,
		WinningEventID: rec.WinningEventID.String(),
		Superseded:     res.Superseded,
	}
}
