package trie

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func hashes(n int) []common.Hash {
	out := make([]common.Hash, n)
	for i := range out {
		out[i] = common.BytesToHash([]byte{byte(i + 1)})
	}
	return out
}

func TestMerkleRoot(t *testing.T) {
	leaves := hashes(3)

	// Empty and single-leaf roots are degenerate by definition.
	assert.Equal(t, common.Hash{}, MerkleRoot(nil))
	assert.Equal(t, leaves[0], MerkleRoot(leaves[:1]))

	// Two leaves hash pairwise; the lonely third is promoted.
	want := hashPair(hashPair(leaves[0], leaves[1]), leaves[2])
	assert.Equal(t, want, MerkleRoot(leaves))
}

func TestLedgerTreeIncrementalRoot(t *testing.T) {
	leaves := hashes(7)

	tree := NewLedgerTree()
	for i, leaf := range leaves {
		tree.Add(leaf)
		assert.Equal(t, MerkleRoot(leaves[:i+1]), tree.Root(), "root mismatch after %d leaves", i+1)
	}
	assert.Equal(t, len(leaves), tree.Len())

	// A rebuilt tree over the same leaves agrees.
	assert.Equal(t, tree.Root(), NewLedgerTree(leaves...).Root())
}

func TestLedgerTreeProofs(t *testing.T) {
	for _, size := range []int{1, 2, 3, 5, 8, 13} {
		leaves := hashes(size)
		tree := NewLedgerTree(leaves...)
		root := tree.Root()

		for i := range leaves {
			leaf, path, ok := tree.Prove(i)
			require.True(t, ok, "missing proof for leaf %d of %d", i, size)
			assert.Equal(t, leaves[i], leaf)
			assert.True(t, VerifyProof(root, leaf, path), "proof for leaf %d of %d failed", i, size)
		}
		// A proof replayed against the wrong leaf fails.
		if size > 1 {
			_, path, _ := tree.Prove(0)
			assert.False(t, VerifyProof(root, leaves[1], path))
		}
	}
	_, _, ok := NewLedgerTree(hashes(2)...).Prove(2)
	assert.False(t, ok)
}
