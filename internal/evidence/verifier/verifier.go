// Package verifier checks evidence proofs. It is deliberately stateless:
// everything it needs arrives in the call, so a sponsor or regulator can
// run the same check offline against an exported event and proof bundle.
package verifier

import (
	"encoding/hex"
	"fmt"
	"time"

	"veritas/internal/eventstore"
	"veritas/internal/evidence"
	"veritas/internal/evidence/merkle"
	"veritas/internal/evidence/tsa"
)

// Result is a successful verification. AttestedAt is nil when the proof
// has no attestation yet: inclusion checked out, but no third party has
// vouched for the time.
type Result struct {
	AttestedAt *time.Time
}

// Verify recomputes the event's leaf hash, walks the inclusion path to the
// root, and, when the proof carries an attestation, has the authority
// verify it. Any mismatch returns *evidence.ProofInvalidError.
func Verify(event eventstore.Event, proof evidence.Proof, authority tsa.Authority) (Result, error) {
	if proof.EventID != event.EventID {
		return Result{}, invalid("proof was issued for event %s, not %s", proof.EventID, event.EventID)
	}
	if proof.PaddingRule != evidence.PaddingDupLast {
		return Result{}, invalid("unknown padding rule %q", proof.PaddingRule)
	}

	contentHash, err := event.ContentHash()
	if err != nil {
		return Result{}, invalid("event content cannot be canonicalized: %v", err)
	}
	leaf := merkle.LeafHash(contentHash)
	if hex.EncodeToString(leaf[:]) != proof.LeafHash {
		return Result{}, invalid("leaf hash does not match the event content")
	}

	root, err := decodeHash(proof.MerkleRoot)
	if err != nil {
		return Result{}, invalid("merkle root is not a sha256 digest: %v", err)
	}
	if !merkle.VerifyInclusion(leaf, proof.InclusionPath, root) {
		return Result{}, invalid("inclusion path does not reach the batch root")
	}

	if !proof.Attested() {
		return Result{}, nil
	}

	if authority == nil {
		return Result{}, invalid("proof carries a %s attestation but no authority was supplied", proof.Backend)
	}
	if authority.Name() != proof.Backend {
		return Result{}, invalid("proof was attested by %s, verifier holds %s", proof.Backend, authority.Name())
	}
	attestedAt, err := authority.Verify(proof.Attestation, root)
	if err != nil {
		return Result{}, invalid("attestation does not verify: %v", err)
	}
	return Result{AttestedAt: &attestedAt}, nil
}

func invalid(format string, args ...any) error {
	return &evidence.ProofInvalidError{Reason: fmt.Sprintf(format, args...)}
}

func decodeHash(s string) ([32]byte, error) {
	var out [32]byte
	raw, err := hex.DecodeString(s)
	if err != nil {
		return out, err
	}
	if len(raw) != len(out) {
		return out, fmt.Errorf("digest is %d bytes, want %d", len(raw), len(out))
	}
	copy(out[:], raw)
	return out, nil
}
