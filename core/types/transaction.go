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

package types

import (
	"io"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"
	"golang.org/x/crypto/sha3"

	"github.com/corvidnetwork/go-corvid/trie"
)

// Transition is one state transition inside a transaction. The proof is an
// opaque blob produced by the external proof system; this layer only carries
// and indexes it.
type Transition struct {
	Commitments   []common.Hash
	CiphertextIDs []common.Hash
	Ciphertexts   [][]byte
	Proof         []byte

	id atomic.Value
}

// ID returns the content hash of the transition.
func (ts *Transition) ID() common.Hash {
	if id := ts.id.Load(); id != nil {
		return id.(common.Hash)
	}
	id := rlpHash([]interface{}{ts.Commitments, ts.CiphertextIDs, ts.Ciphertexts, ts.Proof})
	ts.id.Store(id)
	return id
}

// IsValid performs the structural checks this layer owns: every ciphertext
// must carry an ID, and the transition must commit to something.
func (ts *Transition) IsValid() bool {
	return len(ts.Commitments) > 0 && len(ts.CiphertextIDs) == len(ts.Ciphertexts)
}

// Transaction is an ordered list of transitions with a stable identity.
type Transaction struct {
	Transitions []*Transition

	id atomic.Value
}

// ID returns the Merkle root of the transition IDs.
func (tx *Transaction) ID() common.Hash {
	if id := tx.id.Load(); id != nil {
		return id.(common.Hash)
	}
	ids := make([]common.Hash, len(tx.Transitions))
	for i, ts := range tx.Transitions {
		ids[i] = ts.ID()
	}
	id := trie.MerkleRoot(ids)
	tx.id.Store(id)
	return id
}

// Commitments returns the commitments of all transitions, in order.
func (tx *Transaction) Commitments() []common.Hash {
	var commitments []common.Hash
	for _, ts := range tx.Transitions {
		commitments = append(commitments, ts.Commitments...)
	}
	return commitments
}

// CiphertextIDs returns the ciphertext IDs of all transitions, in order.
func (tx *Transaction) CiphertextIDs() []common.Hash {
	var ids []common.Hash
	for _, ts := range tx.Transitions {
		ids = append(ids, ts.CiphertextIDs...)
	}
	return ids
}

// Transition returns the transition with the given ID, if present.
func (tx *Transaction) Transition(id common.Hash) *Transition {
	for _, ts := range tx.Transitions {
		if ts.ID() == id {
			return ts
		}
	}
	return nil
}

// IsValid checks the transaction structure. Cryptographic verification of
// the transition proofs is delegated to the proof system.
func (tx *Transaction) IsValid() bool {
	if len(tx.Transitions) == 0 {
		return false
	}
	for _, ts := range tx.Transitions {
		if !ts.IsValid() {
			return false
		}
	}
	return true
}

// Transactions is a list of transactions.
type Transactions []*Transaction

// Root returns the Merkle root of the transaction IDs.
func (txs Transactions) Root() common.Hash {
	ids := make([]common.Hash, len(txs))
	for i, tx := range txs {
		ids[i] = tx.ID()
	}
	return trie.MerkleRoot(ids)
}

// Find returns the transaction with the given ID and its index, if present.
func (txs Transactions) Find(id common.Hash) (*Transaction, int) {
	for i, tx := range txs {
		if tx.ID() == id {
			return tx, i
		}
	}
	return nil, -1
}

// extTransition mirrors Transition for wire and storage encoding.
type extTransition struct {
	Commitments   []common.Hash
	CiphertextIDs []common.Hash
	Ciphertexts   [][]byte
	Proof         []byte
}

// EncodeRLP implements rlp.Encoder.
func (ts *Transition) EncodeRLP(w io.Writer) error {
	return rlp.Encode(w, extTransition{
		Commitments:   ts.Commitments,
		CiphertextIDs: ts.CiphertextIDs,
		Ciphertexts:   ts.Ciphertexts,
		Proof:         ts.Proof,
	})
}

// DecodeRLP implements rlp.Decoder.
func (ts *Transition) DecodeRLP(s *rlp.Stream) error {
	var ext extTransition
	if err := s.Decode(&ext); err != nil {
		return err
	}
	ts.Commitments, ts.CiphertextIDs = ext.Commitments, ext.CiphertextIDs
	ts.Ciphertexts, ts.Proof = ext.Ciphertexts, ext.Proof
	return nil
}

// EncodeRLP implements rlp.Encoder.
func (tx *Transaction) EncodeRLP(w io.Writer) error {
	return rlp.Encode(w, tx.Transitions)
}

// DecodeRLP implements rlp.Decoder.
func (tx *Transaction) DecodeRLP(s *rlp.Stream) error {
	return s.Decode(&tx.Transitions)
}

// rlpHash encodes x with RLP and returns its SHA3-256 digest.
func rlpHash(x interface{}) (h common.Hash) {
	hw := sha3.New256()
	rlp.Encode(hw, x)
	hw.Sum(h[:0])
	return h
}
