// Package merkle builds the binary hash trees behind batch timestamping.
// Hashing is domain-separated: leaf and node prefixes differ from each
// other and from the event content-hash prefix, so no hash computed in one
// role can be replayed in another.
package merkle

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/bits"

	"veritas/internal/evidence"
)

const (
	leafPrefix = "veritas:evidence:leaf:v1\x00"
	nodePrefix = "veritas:evidence:node:v1\x00"
)

// LeafHash derives a leaf from an event's content hash.
func LeafHash(contentHash [32]byte) [32]byte {
	h := sha256.New()
	h.Write([]byte(leafPrefix))
	h.Write(contentHash[:])
	var out [32]byte
	h.Sum(out[:0])
	return out
}

func nodeHash(left, right [32]byte) [32]byte {
	h := sha256.New()
	h.Write([]byte(nodePrefix))
	h.Write(left[:])
	h.Write(right[:])
	var out [32]byte
	h.Sum(out[:0])
	return out
}

// Tree is a complete binary Merkle tree over padded leaves. Padding follows
// the dup-last rule: the leaf list is extended to the next power of two by
// repeating the final leaf.
type Tree struct {
	realCount int
	levels    [][][32]byte // levels[0] = padded leaves, last level = [root]
}

// Build constructs a tree over the given leaf hashes in order.
func Build(leaves [][32]byte) (*Tree, error) {
	if len(leaves) == 0 {
		return nil, fmt.Errorf("merkle: cannot build a tree with no leaves")
	}

	padded := pad(leaves)
	levels := [][][32]byte{padded}
	current := padded
	for len(current) > 1 {
		next := make([][32]byte, len(current)/2)
		for i := 0; i < len(current); i += 2 {
			next[i/2] = nodeHash(current[i], current[i+1])
		}
		levels = append(levels, next)
		current = next
	}

	return &Tree{realCount: len(leaves), levels: levels}, nil
}

func pad(leaves [][32]byte) [][32]byte {
	n := len(leaves)
	size := 1
	if n > 1 {
		size = 1 << bits.Len(uint(n-1))
	}
	padded := make([][32]byte, size)
	copy(padded, leaves)
	for i := n; i < size; i++ {
		padded[i] = leaves[n-1]
	}
	return padded
}

// Root returns the tree's root hash.
func (t *Tree) Root() [32]byte {
	return t.levels[len(t.levels)-1][0]
}

// LeafCount returns the number of real (unpadded) leaves.
func (t *Tree) LeafCount() int {
	return t.realCount
}

// Proof returns the inclusion path for the leaf at index: the minimal
// sibling hashes needed to recompute the root. Sibling side follows index
// parity at each level.
func (t *Tree) Proof(index int) ([]evidence.ProofStep, error) {
	if index < 0 || index >= t.realCount {
		return nil, fmt.Errorf("merkle: leaf index %d out of range [0,%d)", index, t.realCount)
	}

	var steps []evidence.ProofStep
	for _, level := range t.levels[:len(t.levels)-1] {
		if index%2 == 0 {
			sibling := level[index+1]
			steps = append(steps, evidence.ProofStep{Side: "R", SiblingHash: hex.EncodeToString(sibling[:])})
		} else {
			sibling := level[index-1]
			steps = append(steps, evidence.ProofStep{Side: "L", SiblingHash: hex.EncodeToString(sibling[:])})
		}
		index /= 2
	}
	return steps, nil
}

// VerifyInclusion recomputes the root from one leaf and its path. It is
// pure and needs nothing beyond its arguments.
func VerifyInclusion(leafHash [32]byte, path []evidence.ProofStep, root [32]byte) bool {
	current := leafHash
	for _, step := range path {
		sibling, err := hex.DecodeString(step.SiblingHash)
		if err != nil || len(sibling) != sha256.Size {
			return false
		}
		var sib [32]byte
		copy(sib[:], sibling)
		switch step.Side {
		case "L":
			current = nodeHash(sib, current)
		case "R":
			current = nodeHash(current, sib)
		default:
			return false
		}
	}
	return current == root
}
