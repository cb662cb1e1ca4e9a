// Package offline is the client-side durable queue: every event the device
// captures lands here synchronously with the user action, and a drain loop
// pushes it to the ledger when connectivity allows. The queue, not the
// network, is what guarantees no captured event is ever lost.
package offline

import (
	"time"

	"veritas/internal/eventstore"
	"veritas/pkg/domain"
)

// Entry statuses. Committed entries are deleted, so there is no status for
// them: absence from the queue means the server has the event.
const (
	StatusPending = "pending"
	StatusFailed  = "failed"
)

// Entry is one queued event draft.
type Entry struct {
	LocalID       domain.LocalID
	Request       eventstore.AppendRequest
	Status        string
	FailureReason string
	Attempts      int
	EnqueuedAt    time.Time
}

// SyncState is the user-facing rendering of queue state. The UI never sees
// raw storage or network errors.
type SyncState string

const (
	SyncStatePendingSync = SyncState("saved locally, syncing")
	SyncStateSaved       = SyncState("saved")
	SyncStateReconciling = SyncState("a more recent change exists, reconciling")
	SyncStateNeedsReview = SyncState("needs your attention")
)

// Depth summarizes the queue for the UI layer.
type Depth struct {
	Pending int `json:"pending"`
	Failed  int `json:"failed"`
}
