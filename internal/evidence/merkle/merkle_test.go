package merkle_test

import (
	"crypto/sha256"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"veritas/internal/evidence"
	"veritas/internal/evidence/merkle"
)

func leaves(n int) [][32]byte {
	out := make([][32]byte, n)
	for i := range out {
		content := sha256.Sum256([]byte(fmt.Sprintf("event-%d", i)))
		out[i] = merkle.LeafHash(content)
	}
	return out
}

func TestProofRoundTripAllSizes(t *testing.T) {
	for _, n := range []int{1, 2, 3, 7, 8, 1000} {
		t.Run(fmt.Sprintf("n=%d", n), func(t *testing.T) {
			tree, err := merkle.Build(leaves(n))
			require.NoError(t, err)
			require.Equal(t, n, tree.LeafCount())

			root := tree.Root()
			for i, leaf := range leaves(n) {
				path, err := tree.Proof(i)
				require.NoError(t, err)
				assert.True(t, merkle.VerifyInclusion(leaf, path, root),
					"leaf %d of %d must verify", i, n)
			}
		})
	}
}

func TestBitFlipInvalidatesProof(t *testing.T) {
	all := leaves(7)
	tree, err := merkle.Build(all)
	require.NoError(t, err)
	root := tree.Root()

	for i := range all {
		path, err := tree.Proof(i)
		require.NoError(t, err)

		// Flip one bit in the underlying content and re-derive the leaf.
		content := sha256.Sum256([]byte(fmt.Sprintf("event-%d", i)))
		content[0] ^= 0x01
		tampered := merkle.LeafHash(content)

		assert.False(t, merkle.VerifyInclusion(tampered, path, root),
			"tampered leaf %d must not verify", i)
	}
}

func TestTamperedPathInvalidatesProof(t *testing.T) {
	all := leaves(8)
	tree, err := merkle.Build(all)
	require.NoError(t, err)

	path, err := tree.Proof(3)
	require.NoError(t, err)
	require.NotEmpty(t, path)

	tampered := make([]evidence.ProofStep, len(path))
	copy(tampered, path)
	if tampered[1].Side == "L" {
		tampered[1].Side = "R"
	} else {
		tampered[1].Side = "L"
	}
	assert.False(t, merkle.VerifyInclusion(all[3], tampered, tree.Root()))
}

func TestDupLastPaddingIsDeterministic(t *testing.T) {
	// Padding duplicates the last leaf, so a 3-leaf tree equals the 4-leaf
	// tree whose fourth leaf repeats the third.
	three := leaves(3)
	padded := append(append([][32]byte{}, three...), three[2])

	a, err := merkle.Build(three)
	require.NoError(t, err)
	b, err := merkle.Build(padded)
	require.NoError(t, err)
	assert.Equal(t, a.Root(), b.Root())
}

func TestSingleLeafTree(t *testing.T) {
	single := leaves(1)
	tree, err := merkle.Build(single)
	require.NoError(t, err)

	path, err := tree.Proof(0)
	require.NoError(t, err)
	assert.Empty(t, path, "a one-leaf tree is its own root")
	assert.True(t, merkle.VerifyInclusion(single[0], path, tree.Root()))
	assert.Equal(t, single[0], tree.Root())
}

func TestBuildRejectsEmpty(t *testing.T) {
	_, err := merkle.Build(nil)
	require.Error(t, err)
}

func TestLeavesAreDomainSeparated(t *testing.T) {
	content := sha256.Sum256([]byte("event-0"))
	assert.NotEqual(t, content, merkle.LeafHash(content),
		"leaf hash must not equal the raw content hash")
}
