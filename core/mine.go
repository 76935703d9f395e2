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
	"encoding/binary"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"

	"github.com/corvidnetwork/go-corvid/core/types"
)

// maxMineAttempts bounds the nonce search; the structural difficulty rule
// accepts almost every nonce, so this only guards against a misconfigured
// zero target.
const maxMineAttempts = 1 << 20

// MineNextBlock assembles and seals a candidate block on the current tip,
// paying the block reward to the given recipient. Difficulty retargeting is
// delegated to the consensus collaborator; the target is carried over.
func (ls *LedgerState) MineNextBlock(recipient common.Hash, txs types.Transactions) (*types.Block, error) {
	ls.mu.RLock()
	tip := ls.currentBlock
	ls.mu.RUnlock()

	height := tip.Height() + 1
	timestamp := time.Now().Unix()
	target := tip.DifficultyTarget()

	coinbase := NewCoinbaseTransaction(recipient, height, timestamp)
	transactions := append(types.Transactions{coinbase}, txs...)

	header := &types.BlockHeader{
		TransactionsRoot: transactions.Root(),
		Height:           height,
		Timestamp:        timestamp,
		DifficultyTarget: target,
	}
	for nonce := uint64(0); nonce < maxMineAttempts; nonce++ {
		sealed := &types.BlockHeader{
			TransactionsRoot: header.TransactionsRoot,
			Height:           header.Height,
			Timestamp:        header.Timestamp,
			DifficultyTarget: header.DifficultyTarget,
			Nonce:            nonce,
		}
		block := types.NewBlock(tip.Hash(), sealed, transactions)
		if meetsDifficulty(block.Hash(), target) {
			return block, nil
		}
	}
	return nil, errors.Errorf("no valid nonce found for height %d", height)
}

// meetsDifficulty reports whether the hash satisfies the difficulty target.
// Higher targets are easier; the hash prefix is interpreted big endian.
func meetsDifficulty(hash common.Hash, target uint64) bool {
	return binary.BigEndian.Uint64(hash[:8]) <= target
}
