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

package rawdb

import (
	"encoding/binary"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/rlp"

	"github.com/corvidnetwork/go-corvid/core/types"
	"github.com/corvidnetwork/go-corvid/cvdb"
)

// ReadHeadBlockHeight retrieves the height of the last committed block.
func ReadHeadBlockHeight(db cvdb.KeyValueReader) *uint32 {
	data, _ := db.Get(headHeightKey)
	if len(data) != 4 {
		return nil
	}
	height := binary.BigEndian.Uint32(data)
	return &height
}

// WriteHeadBlockHeight stores the height of the last committed block.
func WriteHeadBlockHeight(db cvdb.KeyValueWriter, height uint32) {
	if err := db.Put(headHeightKey, encodeBlockHeight(height)); err != nil {
		log.Crit("Failed to store head block height", "err", err)
	}
}

// ReadCanonicalHash retrieves the hash of the canonical block at a height.
func ReadCanonicalHash(db cvdb.KeyValueReader, height uint32) common.Hash {
	data, _ := db.Get(canonicalHashKey(height))
	if len(data) == 0 {
		return common.Hash{}
	}
	return common.BytesToHash(data)
}

// WriteCanonicalHash stores the canonical hash for a height.
func WriteCanonicalHash(db cvdb.KeyValueWriter, height uint32, hash common.Hash) {
	if err := db.Put(canonicalHashKey(height), hash.Bytes()); err != nil {
		log.Crit("Failed to store canonical hash", "err", err)
	}
}

// DeleteCanonicalHash removes the canonical hash mapping for a height.
func DeleteCanonicalHash(db cvdb.KeyValueWriter, height uint32) {
	if err := db.Delete(canonicalHashKey(height)); err != nil {
		log.Crit("Failed to delete canonical hash", "err", err)
	}
}

// ReadBlockHeight retrieves the height of the block with the given hash.
func ReadBlockHeight(db cvdb.KeyValueReader, hash common.Hash) *uint32 {
	data, _ := db.Get(blockHeightKey(hash))
	if len(data) != 4 {
		return nil
	}
	height := binary.BigEndian.Uint32(data)
	return &height
}

// WriteBlockHeight stores the hash to height mapping.
func WriteBlockHeight(db cvdb.KeyValueWriter, hash common.Hash, height uint32) {
	if err := db.Put(blockHeightKey(hash), encodeBlockHeight(height)); err != nil {
		log.Crit("Failed to store block height", "err", err)
	}
}

// DeleteBlockHeight removes the hash to height mapping.
func DeleteBlockHeight(db cvdb.KeyValueWriter, hash common.Hash) {
	if err := db.Delete(blockHeightKey(hash)); err != nil {
		log.Crit("Failed to delete block height", "err", err)
	}
}

// ReadHeader retrieves the header of the canonical block at a height.
func ReadHeader(db cvdb.KeyValueReader, height uint32) *types.BlockHeader {
	data, _ := db.Get(headerKey(height))
	if len(data) == 0 {
		return nil
	}
	header := new(types.BlockHeader)
	if err := rlp.DecodeBytes(data, header); err != nil {
		log.Error("Invalid block header RLP", "height", height, "err", err)
		return nil
	}
	return header
}

// WriteHeader stores the header of the canonical block at a height.
func WriteHeader(db cvdb.KeyValueWriter, header *types.BlockHeader) {
	enc, err := rlp.EncodeToBytes(header)
	if err != nil {
		log.Crit("Failed to encode block header", "err", err)
	}
	if err := db.Put(headerKey(header.Height), enc); err != nil {
		log.Crit("Failed to store block header", "err", err)
	}
}

// DeleteHeader removes the header of the canonical block at a height.
func DeleteHeader(db cvdb.KeyValueWriter, height uint32) {
	if err := db.Delete(headerKey(height)); err != nil {
		log.Crit("Failed to delete block header", "err", err)
	}
}

// ReadBlock retrieves the canonical block at a height.
func ReadBlock(db cvdb.KeyValueReader, height uint32) *types.Block {
	data, _ := db.Get(blockKey(height))
	if len(data) == 0 {
		return nil
	}
	block := new(types.Block)
	if err := rlp.DecodeBytes(data, block); err != nil {
		log.Error("Invalid block RLP", "height", height, "err", err)
		return nil
	}
	return block
}

// WriteBlock stores a canonical block along with its hash and header indices.
func WriteBlock(db cvdb.KeyValueWriter, block *types.Block) {
	enc, err := rlp.EncodeToBytes(block)
	if err != nil {
		log.Crit("Failed to encode block", "err", err)
	}
	if err := db.Put(blockKey(block.Height()), enc); err != nil {
		log.Crit("Failed to store block", "err", err)
	}
	WriteHeader(db, block.Header)
	WriteCanonicalHash(db, block.Height(), block.Hash())
	WriteBlockHeight(db, block.Hash(), block.Height())
}

// DeleteBlock removes a block and the indices written by WriteBlock.
func DeleteBlock(db cvdb.KeyValueWriter, block *types.Block) {
	if err := db.Delete(blockKey(block.Height())); err != nil {
		log.Crit("Failed to delete block", "err", err)
	}
	DeleteHeader(db, block.Height())
	DeleteCanonicalHash(db, block.Height())
	DeleteBlockHeight(db, block.Hash())
}

// ReadTxLookupEntry retrieves the chain position of a transaction.
func ReadTxLookupEntry(db cvdb.KeyValueReader, id common.Hash) *TxLookupEntry {
	data, _ := db.Get(txLookupKey(id))
	if len(data) == 0 {
		return nil
	}
	entry := new(TxLookupEntry)
	if err := rlp.DecodeBytes(data, entry); err != nil {
		log.Error("Invalid transaction lookup entry RLP", "id", id, "err", err)
		return nil
	}
	return entry
}

// ReadTransitionLookupEntry retrieves the chain position of a transition.
func ReadTransitionLookupEntry(db cvdb.KeyValueReader, id common.Hash) *TransitionLookupEntry {
	data, _ := db.Get(transitionLookupKey(id))
	if len(data) == 0 {
		return nil
	}
	entry := new(TransitionLookupEntry)
	if err := rlp.DecodeBytes(data, entry); err != nil {
		log.Error("Invalid transition lookup entry RLP", "id", id, "err", err)
		return nil
	}
	return entry
}

// ReadCommitmentLookupEntry retrieves the chain position of a commitment.
func ReadCommitmentLookupEntry(db cvdb.KeyValueReader, commitment common.Hash) *CommitmentLookupEntry {
	data, _ := db.Get(commitmentKey(commitment))
	if len(data) == 0 {
		return nil
	}
	entry := new(CommitmentLookupEntry)
	if err := rlp.DecodeBytes(data, entry); err != nil {
		log.Error("Invalid commitment lookup entry RLP", "commitment", commitment, "err", err)
		return nil
	}
	return entry
}

// ReadCiphertext retrieves a record ciphertext by its ID.
func ReadCiphertext(db cvdb.KeyValueReader, id common.Hash) []byte {
	data, _ := db.Get(ciphertextKey(id))
	return data
}

// WriteLookupEntries stores all secondary indices for the block's
// transactions: transaction, transition, commitment and ciphertext entries.
func WriteLookupEntries(db cvdb.KeyValueWriter, block *types.Block) {
	height := block.Height()
	for txIndex, tx := range block.Transactions {
		entry, err := rlp.EncodeToBytes(&TxLookupEntry{BlockHeight: height, Index: uint32(txIndex)})
		if err != nil {
			log.Crit("Failed to encode transaction lookup entry", "err", err)
		}
		if err := db.Put(txLookupKey(tx.ID()), entry); err != nil {
			log.Crit("Failed to store transaction lookup entry", "err", err)
		}
		for tsIndex, ts := range tx.Transitions {
			enc, err := rlp.EncodeToBytes(&TransitionLookupEntry{
				BlockHeight:     height,
				TxIndex:         uint32(txIndex),
				TransitionIndex: uint32(tsIndex),
			})
			if err != nil {
				log.Crit("Failed to encode transition lookup entry", "err", err)
			}
			if err := db.Put(transitionLookupKey(ts.ID()), enc); err != nil {
				log.Crit("Failed to store transition lookup entry", "err", err)
			}
			for _, commitment := range ts.Commitments {
				enc, err := rlp.EncodeToBytes(&CommitmentLookupEntry{BlockHeight: height, TransitionID: ts.ID()})
				if err != nil {
					log.Crit("Failed to encode commitment lookup entry", "err", err)
				}
				if err := db.Put(commitmentKey(commitment), enc); err != nil {
					log.Crit("Failed to store commitment lookup entry", "err", err)
				}
			}
			for i, id := range ts.CiphertextIDs {
				if err := db.Put(ciphertextKey(id), ts.Ciphertexts[i]); err != nil {
					log.Crit("Failed to store ciphertext", "err", err)
				}
			}
		}
	}
}

// DeleteLookupEntries reverses the index insertions of WriteLookupEntries.
func DeleteLookupEntries(db cvdb.KeyValueWriter, block *types.Block) {
	for _, tx := range block.Transactions {
		if err := db.Delete(txLookupKey(tx.ID())); err != nil {
			log.Crit("Failed to delete transaction lookup entry", "err", err)
		}
		for _, ts := range tx.Transitions {
			if err := db.Delete(transitionLookupKey(ts.ID())); err != nil {
				log.Crit("Failed to delete transition lookup entry", "err", err)
			}
			for _, commitment := range ts.Commitments {
				if err := db.Delete(commitmentKey(commitment)); err != nil {
					log.Crit("Failed to delete commitment lookup entry", "err", err)
				}
			}
			for _, id := range ts.CiphertextIDs {
				if err := db.Delete(ciphertextKey(id)); err != nil {
					log.Crit("Failed to delete ciphertext", "err", err)
				}
			}
		}
	}
}
