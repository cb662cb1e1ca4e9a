// Package projection maintains current-state views derived from the event
// log. Views are never authoritative: any view can be dropped and rebuilt
// from the log, and incremental application must land on the same bytes as
// a full rebuild.
package projection

import (
	"encoding/json"
	"time"

	"veritas/pkg/domain"
)

// View is one materialized row: the folded state of a single aggregate plus
// the global sequence of the last event folded into it.
type View struct {
	AggregateID    domain.AggregateID `json:"aggregate_id"`
	LatestSequence int64              `json:"latest_sequence"`
	State          json.RawMessage    `json:"state"`
	UpdatedAt      time.Time          `json:"updated_at"`
}

// Entry status values for the diary projection.
const (
	EntryStatusActive    = "active"
	EntryStatusWithdrawn = "withdrawn"
)

// DiaryEntry is the projected state of one participant diary aggregate.
// Field order and types are fixed so that marshaling is byte-stable: a
// rebuild must reproduce the incrementally-built row bit for bit.
type DiaryEntry struct {
	Fields    map[string]any `json:"fields"`
	Status    string         `json:"status"`
	Revision  int            `json:"revision"`
	CreatedBy string         `json:"created_by"`
	UpdatedBy string         `json:"updated_by"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}
