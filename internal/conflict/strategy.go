package conflict

import (
	"encoding/json"
	"fmt"

	"veritas/internal/eventstore"
	"veritas/internal/platform/config"
	"veritas/pkg/domain"
)

// EventConflictProposal is the event type wrapping a losing command that
// must not drive the view. Projectors ignore it; the log keeps it forever.
const EventConflictProposal = "ConflictProposalRecorded"

// ProposalPayload preserves the losing command verbatim inside a
// ConflictProposalRecorded event.
type ProposalPayload struct {
	OriginalType  string          `json:"original_type"`
	SchemaVersion int             `json:"schema_version"`
	Payload       json.RawMessage `json:"payload"`
	SupersededBy  domain.EventID  `json:"superseded_by"`
	Disposition   string          `json:"disposition"` // superseded | manual_review
}

// Strategy decides what a losing command does after a sequence conflict.
// Implementations must be pure: same inputs, same resolution.
type Strategy interface {
	Name() string
	Resolve(losing eventstore.AppendRequest, winning eventstore.Event) (Resolution, error)
}

// LastWriteWins resolves by timestamp. Which timestamp is a deployment
// policy (config.ConflictClock): server commit time by default, since client
// clocks are untrusted; device-asserted time where the protocol demands it.
type LastWriteWins struct {
	Clock config.ConflictClock
}

func (s LastWriteWins) Name() string {
	return "last_write_wins_" + string(s.Clock)
}

func (s LastWriteWins) Resolve(losing eventstore.AppendRequest, winning eventstore.Event) (Resolution, error) {
	if s.Clock == config.ClockClient && !losing.ClientTimestamp.After(winning.ClientTimestamp) {
		// The committed event wins under the device clock (ties go to the
		// committed event). Log the loser as a superseded proposal.
		command, err := wrapProposal(losing, winning, "superseded")
		if err != nil {
			return Resolution{}, err
		}
		return Resolution{Outcome: OutcomeRetry, Command: command, Superseded: true}, nil
	}

	// Under the server clock the retry commits after the winner and is by
	// definition the last write; under the client clock the loser carries
	// the later device time. Either way it rebases and drives the view.
	command := losing
	command.ExpectedSequence = winning.Sequence
	if command.CausationID == nil {
		causation := winning.EventID
		command.CausationID = &causation
	}
	return Resolution{Outcome: OutcomeRetry, Command: command}, nil
}

// FieldMerge auto-merges edits that touch disjoint fields. Overlapping
// edits cannot be merged mechanically and escalate to manual review.
type FieldMerge struct{}

func (FieldMerge) Name() string { return "field_merge" }

func (FieldMerge) Resolve(losing eventstore.AppendRequest, winning eventstore.Event) (Resolution, error) {
	losingFields, err := objectKeys(losing.Payload)
	if err != nil {
		return escalate(losing, winning)
	}
	winningFields, err := objectKeys(winning.Payload)
	if err != nil {
		return escalate(losing, winning)
	}

	for key := range losingFields {
		if _, clash := winningFields[key]; clash {
			return escalate(losing, winning)
		}
	}

	// Disjoint edits: replaying the losing command on the new base yields
	// both changes, so the command itself needs no rewriting.
	command := losing
	command.ExpectedSequence = winning.Sequence
	if command.CausationID == nil {
		causation := winning.EventID
		command.CausationID = &causation
	}
	return Resolution{Outcome: OutcomeMerged, Command: command}, nil
}

func escalate(losing eventstore.AppendRequest, winning eventstore.Event) (Resolution, error) {
	command, err := wrapProposal(losing, winning, "manual_review")
	if err != nil {
		return Resolution{}, err
	}
	return Resolution{Outcome: OutcomeManualReview, Command: command, Superseded: true}, nil
}

func wrapProposal(losing eventstore.AppendRequest, winning eventstore.Event, disposition string) (eventstore.AppendRequest, error) {
	payload, err := json.Marshal(ProposalPayload{
		OriginalType:  losing.Type,
		SchemaVersion: losing.SchemaVersion,
		Payload:       losing.Payload,
		SupersededBy:  winning.EventID,
		Disposition:   disposition,
	})
	if err != nil {
		return eventstore.AppendRequest{}, fmt.Errorf("wrap conflict proposal: %w", err)
	}
	causation := winning.EventID
	return eventstore.AppendRequest{
		AggregateID:      losing.AggregateID,
		ExpectedSequence: winning.Sequence,
		Type:             EventConflictProposal,
		SchemaVersion:    1,
		Payload:          payload,
		CausationID:      &causation,
		LocalID:          losing.LocalID,
		ClientTimestamp:  losing.ClientTimestamp,
	}, nil
}

func objectKeys(payload json.RawMessage) (map[string]struct{}, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil {
		return nil, fmt.Errorf("payload is not a field object: %w", err)
	}
	keys := make(map[string]struct{}, len(fields))
	for key := range fields {
		keys[key] = struct{}{}
	}
	return keys, nil
}
