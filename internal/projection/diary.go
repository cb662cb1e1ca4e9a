package projection

import (
	"encoding/json"
	"fmt"

	"veritas/internal/eventstore"
)

// Event types folded by the diary projector.
const (
	EventEntryCreated   = "EntryCreated"
	EventEntryUpdated   = "EntryUpdated"
	EventEntryWithdrawn = "EntryWithdrawn"
)

// Projector folds one event into the prior state of its aggregate. It must
// be a pure function of (prior, event): no clocks, no randomness, no I/O,
// so that replaying the same events always lands on the same bytes.
type Projector interface {
	Apply(prior json.RawMessage, event eventstore.Event) (json.RawMessage, error)
}

// DiaryProjector folds diary entry events into a DiaryEntry row.
type DiaryProjector struct{}

func NewDiaryProjector() *DiaryProjector {
	return &DiaryProjector{}
}

func (p *DiaryProjector) Apply(prior json.RawMessage, event eventstore.Event) (json.RawMessage, error) {
	var entry DiaryEntry
	if len(prior) > 0 {
		if err := json.Unmarshal(prior, &entry); err != nil {
			return nil, fmt.Errorf("decode prior state for %s: %w", event.AggregateID, err)
		}
	}

	switch event.Type {
	case EventEntryCreated:
		fields, err := decodeFields(event.Payload)
		if err != nil {
			return nil, err
		}
		entry = DiaryEntry{
			Fields:    fields,
			Status:    EntryStatusActive,
			Revision:  1,
			CreatedBy: event.Actor.ActorID,
			UpdatedBy: event.Actor.ActorID,
			CreatedAt: event.ClientTimestamp.UTC(),
			UpdatedAt: event.ClientTimestamp.UTC(),
		}

	case EventEntryUpdated:
		fields, err := decodeFields(event.Payload)
		if err != nil {
			return nil, err
		}
		if entry.Fields == nil {
			entry.Fields = make(map[string]any, len(fields))
		}
		for k, v := range fields {
			entry.Fields[k] = v
		}
		entry.Revision++
		entry.UpdatedBy = event.Actor.ActorID
		entry.UpdatedAt = event.ClientTimestamp.UTC()

	case EventEntryWithdrawn:
		entry.Status = EntryStatusWithdrawn
		entry.Revision++
		entry.UpdatedBy = event.Actor.ActorID
		entry.UpdatedAt = event.ClientTimestamp.UTC()

	default:
		// Unknown types leave state untouched; new event types must not
		// break existing projections.
		return prior, nil
	}

	state, err := json.Marshal(entry)
	if err != nil {
		return nil, fmt.Errorf("encode state for %s: %w", event.AggregateID, err)
	}
	return state, nil
}

func decodeFields(payload json.RawMessage) (map[string]any, error) {
	var fields map[string]any
	if err := json.Unmarshal(payload, &fields); err != nil {
		return nil, fmt.Errorf("decode payload fields: %w", err)
	}
	return fields, nil
}
