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

// Package rawdb contains the chain database schema and accessor functions.
package rawdb

import (
	"encoding/binary"

	"github.com/ethereum/go-ethereum/common"
)

// The fields below define the low level database schema.
var (
	// headHeightKey tracks the height of the last fully committed block.
	headHeightKey = []byte("LastBlockHeight")

	// canonicalHashPrefix + height -> block hash
	canonicalHashPrefix = []byte("H")

	// headerPrefix + height -> rlp(header)
	headerPrefix = []byte("h")

	// blockPrefix + height -> rlp(block)
	blockPrefix = []byte("B")

	// blockHeightPrefix + hash -> height
	blockHeightPrefix = []byte("n")

	// txLookupPrefix + transaction id -> rlp(TxLookupEntry)
	txLookupPrefix = []byte("l")

	// transitionLookupPrefix + transition id -> rlp(TransitionLookupEntry)
	transitionLookupPrefix = []byte("t")

	// ciphertextPrefix + ciphertext id -> ciphertext
	ciphertextPrefix = []byte("c")

	// commitmentPrefix + commitment -> rlp(CommitmentLookupEntry)
	commitmentPrefix = []byte("m")
)

// TxLookupEntry positions a transaction within the canonical chain.
type TxLookupEntry struct {
	BlockHeight uint32
	Index       uint32
}

// TransitionLookupEntry positions a transition within the canonical chain.
type TransitionLookupEntry struct {
	BlockHeight     uint32
	TxIndex         uint32
	TransitionIndex uint32
}

// CommitmentLookupEntry positions a record commitment within the chain.
type CommitmentLookupEntry struct {
	BlockHeight  uint32
	TransitionID common.Hash
}

// encodeBlockHeight encodes a block height as a big endian uint32.
func encodeBlockHeight(height uint32) []byte {
	enc := make([]byte, 4)
	binary.BigEndian.PutUint32(enc, height)
	return enc
}

func canonicalHashKey(height uint32) []byte {
	return append(canonicalHashPrefix, encodeBlockHeight(height)...)
}

func headerKey(height uint32) []byte {
	return append(headerPrefix, encodeBlockHeight(height)...)
}

func blockKey(height uint32) []byte {
	return append(blockPrefix, encodeBlockHeight(height)...)
}

func blockHeightKey(hash common.Hash) []byte {
	return append(blockHeightPrefix, hash.Bytes()...)
}

func txLookupKey(id common.Hash) []byte {
	return append(txLookupPrefix, id.Bytes()...)
}

func transitionLookupKey(id common.Hash) []byte {
	return append(transitionLookupPrefix, id.Bytes()...)
}

func ciphertextKey(id common.Hash) []byte {
	return append(ciphertextPrefix, id.Bytes()...)
}

func commitmentKey(commitment common.Hash) []byte {
	return append(commitmentPrefix, commitment.Bytes()...)
}
