// Copyright 2021 The go-corvid Authors
// This file is part of the go-corvid library.
//
// The go-corvid library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The go-corvid library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the go-corvid library. If not, see <http://www.gnu.org/licenses/>.

// Package trie implements the Merkle accumulators backing the ledger root
// and the transaction roots.
package trie

import (
	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/crypto/sha3"
)

// LedgerTree is an append-only Merkle accumulator over a sequence of hashes.
// The root over the canonical block hashes is the ledger root. A lonely node
// at the end of a level is promoted unchanged, so the root of a single leaf
// is the leaf itself.
type LedgerTree struct {
	leaves []common.Hash

	root  common.Hash
	dirty bool
}

// NewLedgerTree builds a tree over the given leaves, in order.
func NewLedgerTree(leaves ...common.Hash) *LedgerTree {
	t := &LedgerTree{dirty: true}
	t.leaves = append(t.leaves, leaves...)
	return t
}

// Add appends a leaf to the accumulator.
func (t *LedgerTree) Add(leaf common.Hash) {
	t.leaves = append(t.leaves, leaf)
	t.dirty = true
}

// Len returns the number of leaves.
func (t *LedgerTree) Len() int {
	return len(t.leaves)
}

// Root returns the Merkle root over all leaves added so far.
func (t *LedgerTree) Root() common.Hash {
	if t.dirty {
		t.root = MerkleRoot(t.leaves)
		t.dirty = false
	}
	return t.root
}

// Prove returns the sibling path for the leaf at the given index. The path
// is ordered bottom-up; entries for levels where the node had no sibling are
// omitted, mirroring the lonely-node promotion rule.
func (t *LedgerTree) Prove(index int) (common.Hash, []ProofStep, bool) {
	if index < 0 || index >= len(t.leaves) {
		return common.Hash{}, nil, false
	}
	leaf := t.leaves[index]
	level := make([]common.Hash, len(t.leaves))
	copy(level, t.leaves)

	var path []ProofStep
	for len(level) > 1 {
		sibling := index ^ 1
		if sibling < len(level) {
			path = append(path, ProofStep{Hash: level[sibling], Left: sibling < index})
		}
		level = reduce(level)
		index /= 2
	}
	return leaf, path, true
}

// ProofStep is one sibling in a Merkle path. Left reports whether the
// sibling hash is the left input of the parent.
type ProofStep struct {
	Hash common.Hash
	Left bool
}

// VerifyProof replays a sibling path and reports whether it commits the leaf
// to the given root.
func VerifyProof(root, leaf common.Hash, path []ProofStep) bool {
	node := leaf
	for _, step := range path {
		if step.Left {
			node = hashPair(step.Hash, node)
		} else {
			node = hashPair(node, step.Hash)
		}
	}
	return node == root
}

// MerkleRoot computes the root over the given hashes. The root of a single
// hash is the hash itself; the root of no hashes is the zero hash.
func MerkleRoot(hashes []common.Hash) common.Hash {
	if len(hashes) == 0 {
		return common.Hash{}
	}
	level := make([]common.Hash, len(hashes))
	copy(level, hashes)
	for len(level) > 1 {
		level = reduce(level)
	}
	return level[0]
}

// reduce collapses one tree level, promoting a trailing lonely node.
func reduce(level []common.Hash) []common.Hash {
	next := make([]common.Hash, 0, (len(level)+1)/2)
	for i := 0; i+1 < len(level); i += 2 {
		next = append(next, hashPair(level[i], level[i+1]))
	}
	if len(level)%2 == 1 {
		next = append(next, level[len(level)-1])
	}
	return next
}

func hashPair(left, right common.Hash) common.Hash {
	h := sha3.New256()
	h.Write(left[:])
	h.Write(right[:])
	return common.BytesToHash(h.Sum(nil))
}
