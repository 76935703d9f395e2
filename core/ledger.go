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

// Package core implements the canonical chain state machine.
package core

import (
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/rlp"
	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"
	"golang.org/x/crypto/sha3"

	"github.com/corvidnetwork/go-corvid/core/rawdb"
	"github.com/corvidnetwork/go-corvid/core/types"
	"github.com/corvidnetwork/go-corvid/cvdb"
	"github.com/corvidnetwork/go-corvid/params"
	"github.com/corvidnetwork/go-corvid/trie"
)

const (
	blockCacheLimit  = 256
	headerCacheLimit = 512
)

var (
	// ErrGenesisMismatch is returned when opening a database whose genesis
	// block differs from the chain constants.
	ErrGenesisMismatch = errors.New("database genesis mismatch")

	// ErrHeightGap is returned when a block does not extend the tip.
	ErrHeightGap = errors.New("block height does not extend the canonical tip")

	// ErrParentMismatch is returned when a block's previous hash is not the
	// canonical tip hash.
	ErrParentMismatch = errors.New("block previous hash does not match the canonical tip")

	// ErrInvalidBlock is returned when a block fails validation.
	ErrInvalidBlock = errors.New("invalid block")

	// ErrBlockNotFound is returned for heights outside the canonical range.
	ErrBlockNotFound = errors.New("block not found")

	// ErrUnknownID is returned for lookups of unknown identifiers.
	ErrUnknownID = errors.New("unknown identifier")
)

// LedgerState owns the canonical chain: block storage, secondary indices,
// the ledger Merkle tree, and the block locators of the current tip.
// Writers are serialized; readers observe fully applied transitions only.
type LedgerState struct {
	db cvdb.Database

	mu           sync.RWMutex
	currentBlock *types.Block
	tree         *trie.LedgerTree
	locators     BlockLocators

	blockCache  *lru.Cache
	headerCache *lru.Cache

	logger log.Logger
}

// Open loads the ledger from the given database, recovering to the last
// fully committed tip. An empty database is seeded with the genesis block.
func Open(db cvdb.Database) (*LedgerState, error) {
	blockCache, _ := lru.New(blockCacheLimit)
	headerCache, _ := lru.New(headerCacheLimit)

	ls := &LedgerState{
		db:          db,
		blockCache:  blockCache,
		headerCache: headerCache,
		logger:      log.New("module", "ledger"),
	}

	head := rawdb.ReadHeadBlockHeight(db)
	if head == nil {
		genesis := GenesisBlock()
		batch := db.NewBatch()
		rawdb.WriteBlock(batch, genesis)
		rawdb.WriteLookupEntries(batch, genesis)
		rawdb.WriteHeadBlockHeight(batch, 0)
		if err := batch.Write(); err != nil {
			return nil, errors.Wrap(err, "failed to commit genesis block")
		}
		ls.logger.Info("Initialized new ledger", "genesis", genesis.Hash())
		head = new(uint32)
	}
	if rawdb.ReadCanonicalHash(db, 0) != GenesisBlock().Hash() {
		return nil, ErrGenesisMismatch
	}

	// Rebuild the ledger tree from the canonical hashes.
	hashes := make([]common.Hash, 0, *head+1)
	for height := uint32(0); height <= *head; height++ {
		hash := rawdb.ReadCanonicalHash(db, height)
		if hash == (common.Hash{}) {
			return nil, errors.Errorf("missing canonical hash at height %d", height)
		}
		hashes = append(hashes, hash)
	}
	ls.tree = trie.NewLedgerTree(hashes...)

	ls.currentBlock = rawdb.ReadBlock(db, *head)
	if ls.currentBlock == nil {
		return nil, errors.Errorf("missing canonical block at height %d", *head)
	}
	locators, err := ls.blockLocators(*head)
	if err != nil {
		return nil, err
	}
	ls.locators = locators

	ls.logger.Info("Loaded ledger state", "height", *head, "hash", ls.currentBlock.Hash(), "root", ls.tree.Root())
	return ls, nil
}

// Close releases the backing database after flushing pending writes.
func (ls *LedgerState) Close() error {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	return ls.db.Close()
}

// LatestBlock returns the block at the canonical tip.
func (ls *LedgerState) LatestBlock() *types.Block {
	ls.mu.RLock()
	defer ls.mu.RUnlock()
	return ls.currentBlock
}

// LatestBlockHeight returns the height of the canonical tip.
func (ls *LedgerState) LatestBlockHeight() uint32 {
	ls.mu.RLock()
	defer ls.mu.RUnlock()
	return ls.currentBlock.Height()
}

// LatestBlockHash returns the hash of the canonical tip.
func (ls *LedgerState) LatestBlockHash() common.Hash {
	ls.mu.RLock()
	defer ls.mu.RUnlock()
	return ls.currentBlock.Hash()
}

// LatestBlockHeader returns the header of the canonical tip.
func (ls *LedgerState) LatestBlockHeader() *types.BlockHeader {
	ls.mu.RLock()
	defer ls.mu.RUnlock()
	return ls.currentBlock.Header
}

// LatestBlockTransactions returns the transactions of the canonical tip.
func (ls *LedgerState) LatestBlockTransactions() types.Transactions {
	ls.mu.RLock()
	defer ls.mu.RUnlock()
	return ls.currentBlock.Transactions
}

// LatestLedgerRoot returns the Merkle root over all canonical block hashes.
func (ls *LedgerState) LatestLedgerRoot() common.Hash {
	ls.mu.RLock()
	defer ls.mu.RUnlock()
	return ls.tree.Root()
}

// LatestBlockLocators returns the block locators of the canonical tip.
func (ls *LedgerState) LatestBlockLocators() BlockLocators {
	ls.mu.RLock()
	defer ls.mu.RUnlock()
	return ls.locators
}

// GetBlock returns the canonical block at the given height.
func (ls *LedgerState) GetBlock(height uint32) (*types.Block, error) {
	ls.mu.RLock()
	defer ls.mu.RUnlock()
	return ls.getBlock(height)
}

func (ls *LedgerState) getBlock(height uint32) (*types.Block, error) {
	if height > ls.currentBlock.Height() {
		return nil, errors.Wrapf(ErrBlockNotFound, "height %d", height)
	}
	if cached, ok := ls.blockCache.Get(height); ok {
		return cached.(*types.Block), nil
	}
	block := rawdb.ReadBlock(ls.db, height)
	if block == nil {
		return nil, errors.Wrapf(ErrBlockNotFound, "height %d", height)
	}
	ls.blockCache.Add(height, block)
	return block, nil
}

// GetBlocks returns the canonical blocks in [start, end], inclusive.
func (ls *LedgerState) GetBlocks(start, end uint32) ([]*types.Block, error) {
	ls.mu.RLock()
	defer ls.mu.RUnlock()

	if start > end {
		return nil, errors.Errorf("invalid block range [%d, %d]", start, end)
	}
	blocks := make([]*types.Block, 0, end-start+1)
	for height := start; height <= end; height++ {
		block, err := ls.getBlock(height)
		if err != nil {
			return nil, err
		}
		blocks = append(blocks, block)
	}
	return blocks, nil
}

// GetBlockHash returns the canonical hash at the given height.
func (ls *LedgerState) GetBlockHash(height uint32) (common.Hash, error) {
	ls.mu.RLock()
	defer ls.mu.RUnlock()

	if height > ls.currentBlock.Height() {
		return common.Hash{}, errors.Wrapf(ErrBlockNotFound, "height %d", height)
	}
	hash := rawdb.ReadCanonicalHash(ls.db, height)
	if hash == (common.Hash{}) {
		return common.Hash{}, errors.Wrapf(ErrBlockNotFound, "height %d", height)
	}
	return hash, nil
}

// GetBlockHashes returns the canonical hashes in [start, end], inclusive.
func (ls *LedgerState) GetBlockHashes(start, end uint32) ([]common.Hash, error) {
	ls.mu.RLock()
	defer ls.mu.RUnlock()

	if start > end {
		return nil, errors.Errorf("invalid block range [%d, %d]", start, end)
	}
	hashes := make([]common.Hash, 0, end-start+1)
	for height := start; height <= end; height++ {
		if height > ls.currentBlock.Height() {
			return nil, errors.Wrapf(ErrBlockNotFound, "height %d", height)
		}
		hashes = append(hashes, rawdb.ReadCanonicalHash(ls.db, height))
	}
	return hashes, nil
}

// GetBlockHeight returns the height of the canonical block with the hash.
func (ls *LedgerState) GetBlockHeight(hash common.Hash) (uint32, error) {
	ls.mu.RLock()
	defer ls.mu.RUnlock()

	height := rawdb.ReadBlockHeight(ls.db, hash)
	if height == nil {
		return 0, errors.Wrapf(ErrUnknownID, "block hash %s", hash)
	}
	return *height, nil
}

// GetBlockHeader returns the canonical header at the given height.
func (ls *LedgerState) GetBlockHeader(height uint32) (*types.BlockHeader, error) {
	ls.mu.RLock()
	defer ls.mu.RUnlock()
	return ls.getBlockHeader(height)
}

func (ls *LedgerState) getBlockHeader(height uint32) (*types.BlockHeader, error) {
	if height > ls.currentBlock.Height() {
		return nil, errors.Wrapf(ErrBlockNotFound, "height %d", height)
	}
	if cached, ok := ls.headerCache.Get(height); ok {
		return cached.(*types.BlockHeader), nil
	}
	header := rawdb.ReadHeader(ls.db, height)
	if header == nil {
		return nil, errors.Wrapf(ErrBlockNotFound, "height %d", height)
	}
	ls.headerCache.Add(height, header)
	return header, nil
}

// GetBlockTransactions returns the transactions of the block at the height.
func (ls *LedgerState) GetBlockTransactions(height uint32) (types.Transactions, error) {
	block, err := ls.GetBlock(height)
	if err != nil {
		return nil, err
	}
	return block.Transactions, nil
}

// ContainsBlockHash reports whether the hash is on the canonical chain.
func (ls *LedgerState) ContainsBlockHash(hash common.Hash) bool {
	ls.mu.RLock()
	defer ls.mu.RUnlock()
	return rawdb.ReadBlockHeight(ls.db, hash) != nil
}

// ContainsTransaction reports whether the transaction is on the chain.
func (ls *LedgerState) ContainsTransaction(id common.Hash) bool {
	ls.mu.RLock()
	defer ls.mu.RUnlock()
	return rawdb.ReadTxLookupEntry(ls.db, id) != nil
}

// TxMetadata positions a confirmed transaction in the canonical chain.
type TxMetadata struct {
	BlockHeight uint32      `json:"blockHeight"`
	BlockHash   common.Hash `json:"blockHash"`
	Index       uint32      `json:"index"`
}

// GetTransaction returns a confirmed transaction by its ID.
func (ls *LedgerState) GetTransaction(id common.Hash) (*types.Transaction, error) {
	tx, _, err := ls.getTransaction(id)
	return tx, err
}

// GetTransactionMetadata returns the chain position of a transaction.
func (ls *LedgerState) GetTransactionMetadata(id common.Hash) (*TxMetadata, error) {
	_, metadata, err := ls.getTransaction(id)
	return metadata, err
}

func (ls *LedgerState) getTransaction(id common.Hash) (*types.Transaction, *TxMetadata, error) {
	ls.mu.RLock()
	defer ls.mu.RUnlock()

	entry := rawdb.ReadTxLookupEntry(ls.db, id)
	if entry == nil {
		return nil, nil, errors.Wrapf(ErrUnknownID, "transaction %s", id)
	}
	block, err := ls.getBlock(entry.BlockHeight)
	if err != nil {
		return nil, nil, err
	}
	if int(entry.Index) >= len(block.Transactions) {
		return nil, nil, errors.Wrapf(ErrUnknownID, "transaction %s", id)
	}
	metadata := &TxMetadata{BlockHeight: entry.BlockHeight, BlockHash: block.Hash(), Index: entry.Index}
	return block.Transactions[entry.Index], metadata, nil
}

// GetTransition returns a confirmed transition by its ID.
func (ls *LedgerState) GetTransition(id common.Hash) (*types.Transition, error) {
	ls.mu.RLock()
	defer ls.mu.RUnlock()

	entry := rawdb.ReadTransitionLookupEntry(ls.db, id)
	if entry == nil {
		return nil, errors.Wrapf(ErrUnknownID, "transition %s", id)
	}
	block, err := ls.getBlock(entry.BlockHeight)
	if err != nil {
		return nil, err
	}
	if int(entry.TxIndex) >= len(block.Transactions) {
		return nil, errors.Wrapf(ErrUnknownID, "transition %s", id)
	}
	tx := block.Transactions[entry.TxIndex]
	if int(entry.TransitionIndex) >= len(tx.Transitions) {
		return nil, errors.Wrapf(ErrUnknownID, "transition %s", id)
	}
	return tx.Transitions[entry.TransitionIndex], nil
}

// GetCiphertext returns a record ciphertext by its ID.
func (ls *LedgerState) GetCiphertext(id common.Hash) ([]byte, error) {
	ls.mu.RLock()
	defer ls.mu.RUnlock()

	data := rawdb.ReadCiphertext(ls.db, id)
	if len(data) == 0 {
		return nil, errors.Wrapf(ErrUnknownID, "ciphertext %s", id)
	}
	return data, nil
}

// LedgerProof proves the inclusion of a record commitment: the transition
// holding the commitment, the block it was confirmed in, and the Merkle path
// binding that block hash to the ledger root.
type LedgerProof struct {
	Commitment   common.Hash
	TransitionID common.Hash
	BlockHeight  uint32
	BlockHash    common.Hash
	LedgerRoot   common.Hash
	Path         []trie.ProofStep
}

// Bytes returns the canonical encoding of the proof.
func (p *LedgerProof) Bytes() ([]byte, error) {
	return rlp.EncodeToBytes(p)
}

// GetLedgerProof returns the inclusion proof for a record commitment.
func (ls *LedgerState) GetLedgerProof(commitment common.Hash) (*LedgerProof, error) {
	ls.mu.RLock()
	defer ls.mu.RUnlock()

	entry := rawdb.ReadCommitmentLookupEntry(ls.db, commitment)
	if entry == nil {
		return nil, errors.Wrapf(ErrUnknownID, "commitment %s", commitment)
	}
	blockHash, path, ok := ls.tree.Prove(int(entry.BlockHeight))
	if !ok {
		return nil, errors.Wrapf(ErrBlockNotFound, "height %d", entry.BlockHeight)
	}
	return &LedgerProof{
		Commitment:   commitment,
		TransitionID: entry.TransitionID,
		BlockHeight:  entry.BlockHeight,
		BlockHash:    blockHash,
		LedgerRoot:   ls.tree.Root(),
		Path:         path,
	}, nil
}

// AddNextBlock appends a block to the canonical chain. The block must extend
// the tip by exactly one height and link the tip hash. Storage writes are
// committed in a single atomic batch.
func (ls *LedgerState) AddNextBlock(block *types.Block) error {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	tip := ls.currentBlock
	if block.Height() != tip.Height()+1 {
		return errors.Wrapf(ErrHeightGap, "got %d, tip %d", block.Height(), tip.Height())
	}
	if block.PreviousHash != tip.Hash() {
		return errors.Wrapf(ErrParentMismatch, "got %s", block.PreviousHash)
	}
	if !block.IsValid() {
		return errors.Wrapf(ErrInvalidBlock, "height %d", block.Height())
	}
	for _, tx := range block.Transactions {
		if rawdb.ReadTxLookupEntry(ls.db, tx.ID()) != nil {
			return errors.Wrapf(ErrInvalidBlock, "transaction %s already confirmed", tx.ID())
		}
	}

	batch := ls.db.NewBatch()
	rawdb.WriteBlock(batch, block)
	rawdb.WriteLookupEntries(batch, block)
	rawdb.WriteHeadBlockHeight(batch, block.Height())
	if err := batch.Write(); err != nil {
		return errors.Wrap(err, "failed to commit block")
	}

	ls.tree.Add(block.Hash())
	ls.currentBlock = block
	ls.blockCache.Add(block.Height(), block)
	ls.headerCache.Add(block.Height(), block.Header)

	locators, err := ls.blockLocators(block.Height())
	if err != nil {
		return err
	}
	ls.locators = locators

	ls.logger.Info("Advanced ledger to next block", "height", block.Height(), "hash", block.Hash(), "root", ls.tree.Root())
	return nil
}

// RevertToBlockHeight truncates the canonical chain back to the given
// height, reversing all index insertions of the removed blocks. The removed
// blocks are returned in ascending height order.
func (ls *LedgerState) RevertToBlockHeight(height uint32) ([]*types.Block, error) {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	tip := ls.currentBlock.Height()
	if height > tip {
		return nil, errors.Errorf("cannot revert to height %d above tip %d", height, tip)
	}
	if height == tip {
		return nil, nil
	}

	removed := make([]*types.Block, 0, tip-height)
	batch := ls.db.NewBatch()
	for h := tip; h > height; h-- {
		block := rawdb.ReadBlock(ls.db, h)
		if block == nil {
			return nil, errors.Wrapf(ErrBlockNotFound, "height %d", h)
		}
		rawdb.DeleteLookupEntries(batch, block)
		rawdb.DeleteBlock(batch, block)
		removed = append(removed, block)
	}
	rawdb.WriteHeadBlockHeight(batch, height)
	if err := batch.Write(); err != nil {
		return nil, errors.Wrap(err, "failed to commit revert")
	}

	// Reverse into ascending height order.
	for i, j := 0, len(removed)-1; i < j; i, j = i+1, j-1 {
		removed[i], removed[j] = removed[j], removed[i]
	}
	for _, block := range removed {
		ls.blockCache.Remove(block.Height())
		ls.headerCache.Remove(block.Height())
	}

	// Rebuild the ledger tree from the surviving prefix.
	hashes := make([]common.Hash, 0, height+1)
	for h := uint32(0); h <= height; h++ {
		hashes = append(hashes, rawdb.ReadCanonicalHash(ls.db, h))
	}
	ls.tree = trie.NewLedgerTree(hashes...)

	ls.currentBlock = rawdb.ReadBlock(ls.db, height)
	if ls.currentBlock == nil {
		return nil, errors.Wrapf(ErrBlockNotFound, "height %d", height)
	}
	locators, err := ls.blockLocators(height)
	if err != nil {
		return nil, err
	}
	ls.locators = locators

	ls.logger.Info("Reverted ledger", "height", height, "removed", len(removed), "root", ls.tree.Root())
	return removed, nil
}

// GetBlockLocators builds the locator set for the given tip height: the
// most recent heights carry full headers, older heights are sampled at
// exponentially growing gaps with hashes only, and genesis is always pinned.
func (ls *LedgerState) GetBlockLocators(tip uint32) (BlockLocators, error) {
	ls.mu.RLock()
	defer ls.mu.RUnlock()
	return ls.blockLocators(tip)
}

func (ls *LedgerState) blockLocators(tip uint32) (BlockLocators, error) {
	if tip > ls.currentBlock.Height() {
		return nil, errors.Wrapf(ErrBlockNotFound, "height %d", tip)
	}
	locators := make(BlockLocators)
	if tip == 0 {
		locators[0] = BlockLocator{Hash: ls.currentHash(0)}
		return locators, nil
	}

	// Recent heights, tip downward, with headers.
	stop := uint32(1)
	if tip > params.NumRecentLocators {
		stop = tip - params.NumRecentLocators + 1
	}
	for height := tip; height >= stop; height-- {
		header, err := ls.getBlockHeader(height)
		if err != nil {
			return nil, err
		}
		locators[height] = BlockLocator{Hash: ls.currentHash(height), Header: header}
	}

	// Sparse region: hash-only samples at exponentially growing gaps.
	height, gap := stop, uint32(1)
	for height > gap {
		height -= gap
		if height == 0 {
			break
		}
		locators[height] = BlockLocator{Hash: ls.currentHash(height)}
		gap *= 2
	}

	// Genesis is always pinned, hash only.
	locators[0] = BlockLocator{Hash: ls.currentHash(0)}
	return locators, nil
}

func (ls *LedgerState) currentHash(height uint32) common.Hash {
	return rawdb.ReadCanonicalHash(ls.db, height)
}

// CheckBlockLocators validates a claimed locator set against the canonical
// chain: genesis must match hash-only, the tip must carry a coherent header,
// every header must embed its key height, and every height shared with the
// local chain must agree on the recorded hash and header. A disagreement at
// a shared height signals a fork.
func (ls *LedgerState) CheckBlockLocators(locators BlockLocators) bool {
	ls.mu.RLock()
	defer ls.mu.RUnlock()

	if len(locators) == 0 {
		return false
	}
	genesis, ok := locators[0]
	if !ok || genesis.Header != nil || genesis.Hash != GenesisBlock().Hash() {
		return false
	}
	tip := locators.Tip()
	if tip != 0 && locators[tip].Header == nil {
		return false
	}
	local := ls.currentBlock.Height()
	for height, locator := range locators {
		if locator.Header != nil {
			if locator.Header.Height != height || !locator.Header.IsValid() {
				return false
			}
		}
		if height > local {
			continue
		}
		if locator.Hash != ls.currentHash(height) {
			return false
		}
		if locator.Header != nil {
			header, err := ls.getBlockHeader(height)
			if err != nil || header.Hash() != locator.Header.Hash() {
				return false
			}
		}
	}
	return true
}

// hashItems encodes the items with RLP and returns the SHA3-256 digest.
func hashItems(items ...interface{}) (h common.Hash) {
	hw := sha3.New256()
	rlp.Encode(hw, items)
	hw.Sum(h[:0])
	return h
}
