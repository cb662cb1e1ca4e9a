package batch

import (
	"time"

	"veritas/pkg/domain"
)

// Batch is one timestamping window: a contiguous slice of the global
// ledger whose leaf hashes were folded into a single Merkle root and sent
// to an external authority. SinceSequence is exclusive, UntilSequence
// inclusive, so consecutive batches tile the ledger without overlap.
type Batch struct {
	ID            domain.BatchID
	SinceSequence int64
	UntilSequence int64
	MerkleRoot    string
	PaddingRule   string
	LeafCount     int
	CreatedAt     time.Time
	Status        string
	Backend       string
	PendingHandle string
	Attestation   []byte
	AttestedAt    *time.Time
	// RenewsBatchID links a renewal batch to the batch whose attestation
	// it re-anchors. The old batch and its proofs stay valid.
	RenewsBatchID *domain.BatchID
}

// Leaf records which event sits at which position in a batch's tree.
// Stored so proofs can be rebuilt without replaying the ledger. Renewal
// batches store the renewed batch's id in EventID with Sequence 0.
type Leaf struct {
	BatchID   domain.BatchID
	LeafIndex int
	Sequence  int64
	EventID   domain.EventID
	LeafHash  string
}
