// Package evidence defines the proof format shared by the batching service
// and the verifier. A Proof is self-contained: together with the event
// itself and the authority's public verification material it is everything
// a third party needs, with no access to the live ledger.
package evidence

import (
	"fmt"
	"time"

	"veritas/pkg/domain"
)

// PaddingDupLast names the documented padding rule: leaves are padded to
// the next power of two by duplicating the last leaf. The rule travels
// inside the proof because submitter and verifier must agree on it.
const PaddingDupLast = "dup-last"

// Batch statuses.
const (
	StatusPending   = "pending"
	StatusSubmitted = "submitted"
	StatusAttested  = "attested"
)

// ProofStep is one inclusion-path element. Side says where the sibling
// sits: "L" means sibling-then-current, "R" means current-then-sibling.
type ProofStep struct {
	Side        string `json:"side"`
	SiblingHash string `json:"sibling_hash"`
}

// Proof is an exportable evidence bundle for one event.
type Proof struct {
	BatchID       domain.BatchID `json:"batch_id"`
	EventID       domain.EventID `json:"event_id"`
	LeafIndex     int            `json:"leaf_index"`
	LeafCount     int            `json:"leaf_count"`
	PaddingRule   string         `json:"padding_rule"`
	LeafHash      string         `json:"leaf_hash"`
	MerkleRoot    string         `json:"merkle_root"`
	InclusionPath []ProofStep    `json:"inclusion_path"`
	Backend       string         `json:"backend"`
	Attestation   []byte         `json:"attestation,omitempty"`
	AttestedAt    *time.Time     `json:"attested_at,omitempty"`
}

// Attested reports whether the proof carries a third-party attestation.
// A proof without one is pending, which is a state and not an error.
func (p Proof) Attested() bool {
	return len(p.Attestation) > 0 && p.AttestedAt != nil
}

// AttestationUnavailableError: the external authority is unreachable or
// slow. Retried with backoff by the batch service; never surfaces to the
// append path or to users.
type AttestationUnavailableError struct {
	Backend string
	Err     error
}

func (e *AttestationUnavailableError) Error() string {
	return fmt.Sprintf("attestation backend %s unavailable: %v", e.Backend, e.Err)
}

func (e *AttestationUnavailableError) Unwrap() error { return e.Err }

// ProofInvalidError: verification failed. Always surfaced, never treated
// as valid; distinct from "proof not yet attested".
type ProofInvalidError struct {
	Reason string
}

func (e *ProofInvalidError) Error() string {
	return "proof invalid: " + e.Reason
}
