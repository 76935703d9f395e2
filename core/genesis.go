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

package core

import (
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/corvidnetwork/go-corvid/core/types"
	"github.com/corvidnetwork/go-corvid/params"
)

var (
	genesisOnce  sync.Once
	genesisBlock *types.Block
)

// GenesisBlock returns the fixed genesis block. Every node derives the same
// block from the chain constants; a peer disagreeing on it fails the
// handshake challenge.
func GenesisBlock() *types.Block {
	genesisOnce.Do(func() {
		coinbase := NewCoinbaseTransaction(common.Hash{}, 0, params.GenesisTimestamp)
		txs := types.Transactions{coinbase}
		header := &types.BlockHeader{
			TransactionsRoot: txs.Root(),
			Height:           0,
			Timestamp:        params.GenesisTimestamp,
			DifficultyTarget: params.GenesisDifficulty,
			Nonce:            params.GenesisNonce,
		}
		genesisBlock = types.NewBlock(common.Hash{}, header, txs)
	})
	return genesisBlock
}

// NewCoinbaseTransaction builds the reward transaction for a block paying
// out to the given recipient. The commitment binds the recipient to the
// block position; the ciphertext stands in for the encrypted record.
func NewCoinbaseTransaction(recipient common.Hash, height uint32, timestamp int64) *types.Transaction {
	commitment := hashItems(recipient, uint64(height), uint64(timestamp))
	ciphertext := commitment.Bytes()
	return &types.Transaction{
		Transitions: []*types.Transition{{
			Commitments:   []common.Hash{commitment},
			CiphertextIDs: []common.Hash{hashItems(commitment)},
			Ciphertexts:   [][]byte{ciphertext},
			Proof:         commitment.Bytes(),
		}},
	}
}
