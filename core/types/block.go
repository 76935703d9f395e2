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

// Package types contains the value types of the corvid chain.
package types

import (
	"fmt"
	"io"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"
)

// BlockHeader carries the consensus-relevant commitments of a block.
type BlockHeader struct {
	TransactionsRoot common.Hash
	Height           uint32
	Timestamp        int64
	DifficultyTarget uint64
	Nonce            uint64

	hash atomic.Value
}

// Hash returns the content hash of the header.
func (h *BlockHeader) Hash() common.Hash {
	if hash := h.hash.Load(); hash != nil {
		return hash.(common.Hash)
	}
	hash := rlpHash(extHeader{h.TransactionsRoot, h.Height, uint64(h.Timestamp), h.DifficultyTarget, h.Nonce})
	h.hash.Store(hash)
	return hash
}

// IsGenesis reports whether this is a height-zero header.
func (h *BlockHeader) IsGenesis() bool {
	return h.Height == 0
}

// IsValid performs the structural header checks. The difficulty retarget and
// proof-of-work rules live with the external consensus collaborator.
func (h *BlockHeader) IsValid() bool {
	if h.TransactionsRoot == (common.Hash{}) || h.Timestamp <= 0 {
		return false
	}
	if h.IsGenesis() {
		return h.Nonce == 0
	}
	return h.DifficultyTarget > 0
}

func (h *BlockHeader) String() string {
	return fmt.Sprintf("header(height=%d, hash=%x)", h.Height, h.Hash().Bytes()[:8])
}

type extHeader struct {
	TransactionsRoot common.Hash
	Height           uint32
	Timestamp        uint64
	DifficultyTarget uint64
	Nonce            uint64
}

// EncodeRLP implements rlp.Encoder.
func (h *BlockHeader) EncodeRLP(w io.Writer) error {
	return rlp.Encode(w, extHeader{h.TransactionsRoot, h.Height, uint64(h.Timestamp), h.DifficultyTarget, h.Nonce})
}

// DecodeRLP implements rlp.Decoder.
func (h *BlockHeader) DecodeRLP(s *rlp.Stream) error {
	var ext extHeader
	if err := s.Decode(&ext); err != nil {
		return err
	}
	h.TransactionsRoot, h.Height = ext.TransactionsRoot, ext.Height
	h.Timestamp, h.DifficultyTarget, h.Nonce = int64(ext.Timestamp), ext.DifficultyTarget, ext.Nonce
	return nil
}

// Block ties a header and its transactions to the previous block.
type Block struct {
	PreviousHash common.Hash
	Header       *BlockHeader
	Transactions Transactions

	hash atomic.Value
}

// NewBlock assembles a block from its parts.
func NewBlock(previousHash common.Hash, header *BlockHeader, txs Transactions) *Block {
	return &Block{PreviousHash: previousHash, Header: header, Transactions: txs}
}

// Hash returns the block hash, computed over the previous hash and header.
func (b *Block) Hash() common.Hash {
	if hash := b.hash.Load(); hash != nil {
		return hash.(common.Hash)
	}
	hash := rlpHash([]interface{}{b.PreviousHash, b.Header.Hash()})
	b.hash.Store(hash)
	return hash
}

// Height returns the block height recorded in the header.
func (b *Block) Height() uint32 {
	return b.Header.Height
}

// Timestamp returns the block timestamp recorded in the header.
func (b *Block) Timestamp() int64 {
	return b.Header.Timestamp
}

// DifficultyTarget returns the difficulty target recorded in the header.
func (b *Block) DifficultyTarget() uint64 {
	return b.Header.DifficultyTarget
}

// IsGenesis reports whether this is the height-zero block.
func (b *Block) IsGenesis() bool {
	return b.Header.IsGenesis()
}

// IsValid performs the structural block checks: a coherent header, a
// transactions root matching the body, and at least the coinbase transaction.
func (b *Block) IsValid() bool {
	if b.Header == nil || !b.Header.IsValid() {
		return false
	}
	if len(b.Transactions) == 0 {
		return false
	}
	if b.Header.TransactionsRoot != b.Transactions.Root() {
		return false
	}
	for _, tx := range b.Transactions {
		if !tx.IsValid() {
			return false
		}
	}
	return true
}

func (b *Block) String() string {
	return fmt.Sprintf("block(height=%d, hash=%x)", b.Height(), b.Hash().Bytes()[:8])
}

type extBlock struct {
	PreviousHash common.Hash
	Header       *BlockHeader
	Transactions Transactions
}

// EncodeRLP implements rlp.Encoder.
func (b *Block) EncodeRLP(w io.Writer) error {
	return rlp.Encode(w, extBlock{b.PreviousHash, b.Header, b.Transactions})
}

// DecodeRLP implements rlp.Decoder.
func (b *Block) DecodeRLP(s *rlp.Stream) error {
	var ext extBlock
	if err := s.Decode(&ext); err != nil {
		return err
	}
	b.PreviousHash, b.Header, b.Transactions = ext.PreviousHash, ext.Header, ext.Transactions
	return nil
}
