// Package conflict supplies the resolution policy invoked after an append
// fails with a sequence conflict. Detection lives in the event store; this
// package only decides what the loser does next. Whatever the outcome, the
// losing intent is appended to the log too: resolution changes what the view
// shows, never what the log contains.
package conflict

import (
	"time"

	"veritas/internal/eventstore"
	"veritas/pkg/domain"
)

// Outcome is what the caller should do with the losing command.
type Outcome string

const (
	// OutcomeRetry means resubmit the command with the corrected base
	// sequence; it becomes the aggregate's newest event.
	OutcomeRetry Outcome = "retry_with_new_base"
	// OutcomeMerged means the command was rewritten (e.g. field-level merge)
	// and should be resubmitted with the corrected base sequence.
	OutcomeMerged Outcome = "merged_command"
	// OutcomeManualReview means no strategy could auto-resolve: the proposal
	// is preserved in the log but the view stays at its last-good state
	// until a human decides.
	OutcomeManualReview Outcome = "manual_review_required"
)

// Conflict record status values.
const (
	StatusResolved     = "resolved"
	StatusManualReview = "manual_review"
)

// Resolution is a strategy's decision for one losing command.
type Resolution struct {
	Outcome Outcome
	// Command is the append to resubmit, already rebased onto the winning
	// event's sequence. For superseded or manual-review outcomes it carries
	// the wrapped proposal rather than the original command.
	Command eventstore.AppendRequest
	// Superseded is true when the command lost under the strategy's clock:
	// the proposal is logged but the winner keeps the view.
	Superseded bool
}

// Record is the durable trace of one resolved (or escalated) conflict.
type Record struct {
	ID             domain.ConflictID  `json:"id"`
	AggregateID    domain.AggregateID `json:"aggregate_id"`
	LosingEventID  domain.EventID     `json:"losing_event_id"`
	WinningEventID domain.EventID     `json:"winning_event_id"`
	Strategy       string             `json:"strategy"`
	Status         string             `json:"status"`
	ResolvedAt     *time.Time         `json:"resolved_at,omitempty"`
}
