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

// Package ledger runs the event loop that bridges the peer layer and the
// canonical chain: ping/pong synchronization, block serving, gossip
// admission, and the memory pool.
package ledger

import (
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"

	"github.com/corvidnetwork/go-corvid/core"
	"github.com/corvidnetwork/go-corvid/core/types"
	"github.com/corvidnetwork/go-corvid/p2p"
	"github.com/corvidnetwork/go-corvid/params"
)

// maxMempoolSize bounds the number of unconfirmed transactions held.
const maxMempoolSize = 4096

// peerState is the last chain view a peer reported.
type peerState struct {
	version     uint32
	blockHeight uint32
	blockHash   common.Hash
	isFork      p2p.ForkStatus
}

// Ledger consumes protocol events from the peer layer, mutates the chain
// state, and initiates outbound propagation through the peer manager.
type Ledger struct {
	state *core.LedgerState

	requests chan p2p.LedgerRequest
	peers    p2p.PeersRouter

	peerStates map[string]*peerState
	mempool    map[common.Hash]*types.Transaction

	quit chan struct{}
	wg   sync.WaitGroup
	log  log.Logger
}

// New creates the ledger loop over the given chain state. The peer manager
// router is bound with SetPeers before Start; the two sides are constructed
// against each other's queues.
func New(state *core.LedgerState) *Ledger {
	return &Ledger{
		state:      state,
		requests:   make(chan p2p.LedgerRequest, params.RequestQueueSize),
		peerStates: make(map[string]*peerState),
		mempool:    make(map[common.Hash]*types.Transaction),
		quit:       make(chan struct{}),
		log:        log.New("module", "ledger"),
	}
}

// SetPeers binds the peer manager request queue. Must be called before
// Start.
func (l *Ledger) SetPeers(peers p2p.PeersRouter) {
	l.peers = peers
}

// Router returns the producer half of the request queue.
func (l *Ledger) Router() p2p.LedgerRouter {
	return l.requests
}

// State returns the underlying chain state, shared for concurrent reads.
func (l *Ledger) State() *core.LedgerState {
	return l.state
}

// Start launches the event loop.
func (l *Ledger) Start() {
	l.wg.Add(1)
	go l.loop()
}

// Stop terminates the event loop and waits for it to drain.
func (l *Ledger) Stop() {
	close(l.quit)
	l.wg.Wait()
}

func (l *Ledger) loop() {
	defer l.wg.Done()
	for {
		select {
		case req := <-l.requests:
			l.handle(req)
		case <-l.quit:
			return
		}
	}
}

func (l *Ledger) handle(req p2p.LedgerRequest) {
	switch req := req.(type) {
	case p2p.LedgerSendPing:
		l.sendPing(req.Peer)

	case p2p.LedgerPing:
		l.handlePing(req)

	case p2p.LedgerPong:
		l.handlePong(req)

	case p2p.LedgerBlockRequest:
		l.serveBlocks(req)

	case p2p.LedgerBlockResponse:
		l.addBlock(req.Peer, req.Block, false)

	case p2p.LedgerUnconfirmedBlock:
		l.addBlock(req.Peer, req.Block, true)

	case p2p.LedgerUnconfirmedTransaction:
		l.addTransaction(req.Peer, req.Tx)

	case p2p.LedgerDisconnect:
		delete(l.peerStates, req.Peer)
		l.route(p2p.PeerDisconnectedRequest{Addr: req.Peer})

	default:
		l.log.Error("Unknown ledger request", "req", req)
	}
}

// sendPing advertises the local tip to a peer.
func (l *Ledger) sendPing(peer string) {
	l.send(peer, p2p.NewMessage(p2p.PingMsg, &p2p.Ping{
		Version:     params.MessageVersion,
		BlockHeight: l.state.LatestBlockHeight(),
		BlockHash:   l.state.LatestBlockHash(),
	}))
}

// handlePing records the peer's claimed tip and answers with our fork view
// and the locators of our canonical tip.
func (l *Ledger) handlePing(req p2p.LedgerPing) {
	state := l.peerState(req.Peer)
	state.version = req.Version
	state.blockHeight = req.BlockHeight
	state.blockHash = req.BlockHash

	// Judge the peer's claimed tip against the canonical chain.
	isFork := p2p.ForkUnknown
	if req.BlockHeight <= l.state.LatestBlockHeight() {
		if hash, err := l.state.GetBlockHash(req.BlockHeight); err == nil {
			if hash == req.BlockHash {
				isFork = p2p.ForkNone
			} else {
				isFork = p2p.ForkDetected
			}
		}
	}
	l.send(req.Peer, p2p.NewMessage(p2p.PongMsg, &p2p.Pong{
		IsFork:   isFork,
		Locators: l.state.LatestBlockLocators(),
	}))
}

// handlePong validates the peer's locators, records its chain view, and
// drives synchronization: walking back to a common ancestor on a fork and
// requesting the missing block range when the peer is ahead.
func (l *Ledger) handlePong(req p2p.LedgerPong) {
	if !l.state.CheckBlockLocators(req.Locators) {
		// A protocol error, not abuse: the connection goes, the address
		// stays a candidate.
		l.log.Warn("Peer sent invalid block locators", "peer", req.Peer)
		l.send(req.Peer, p2p.NewMessage(p2p.DisconnectMsg, nil))
		return
	}
	peerTip := req.Locators.Tip()

	state := l.peerState(req.Peer)
	state.isFork = req.IsFork
	if peerTip > state.blockHeight {
		state.blockHeight = peerTip
	}

	localTip := l.state.LatestBlockHeight()
	if req.IsFork == p2p.ForkDetected && peerTip > localTip {
		// The peer's chain is longer and disagrees with ours. Rewind to the
		// highest locator height both chains share before resyncing.
		ancestor := l.commonAncestor(req.Locators)
		if ancestor < localTip {
			l.log.Warn("Fork detected, reverting", "peer", req.Peer, "ancestor", ancestor, "tip", localTip)
			if _, err := l.state.RevertToBlockHeight(ancestor); err != nil {
				l.log.Error("Failed to revert to common ancestor", "err", err)
				return
			}
			localTip = ancestor
		}
	}
	if peerTip > localTip {
		start := localTip + 1
		end := peerTip
		if end-start+1 > params.MaxBlockRequest {
			end = start + params.MaxBlockRequest - 1
		}
		l.log.Debug("Requesting blocks", "peer", req.Peer, "start", start, "end", end)
		l.send(req.Peer, p2p.NewMessage(p2p.BlockRequestMsg, &p2p.BlockRequest{StartHeight: start, EndHeight: end}))
	}
}

// commonAncestor returns the highest locator height that matches the
// canonical chain. Genesis always matches for validated locators.
func (l *Ledger) commonAncestor(locators core.BlockLocators) uint32 {
	var ancestor uint32
	localTip := l.state.LatestBlockHeight()
	for height, locator := range locators {
		if height <= localTip && height > ancestor {
			if hash, err := l.state.GetBlockHash(height); err == nil && hash == locator.Hash {
				ancestor = height
			}
		}
	}
	return ancestor
}

// serveBlocks answers a block request, clipped to the request limit.
func (l *Ledger) serveBlocks(req p2p.LedgerBlockRequest) {
	start, end := req.StartHeight, req.EndHeight
	if end < start {
		l.log.Debug("Ignoring invalid block request", "peer", req.Peer, "start", start, "end", end)
		return
	}
	if end-start+1 > params.MaxBlockRequest {
		start = end - params.MaxBlockRequest + 1
	}
	if tip := l.state.LatestBlockHeight(); end > tip {
		end = tip
	}
	for height := start; height <= end; height++ {
		block, err := l.state.GetBlock(height)
		if err != nil {
			l.log.Debug("Failed to serve block", "height", height, "err", err)
			return
		}
		l.send(req.Peer, p2p.NewMessage(p2p.BlockResponseMsg, &p2p.BlockResponse{Block: block}))
	}
}

// addBlock applies a block received from the network. Gossiped blocks are
// re-propagated when they advance the chain; sync responses are not.
func (l *Ledger) addBlock(peer string, block *types.Block, gossip bool) {
	if block == nil || l.state.ContainsBlockHash(block.Hash()) {
		return
	}
	if err := l.state.AddNextBlock(block); err != nil {
		l.log.Trace("Skipping block", "peer", peer, "height", block.Height(), "err", err)
		// A gossiped block further ahead hints that we are behind; ask the
		// sender for the gap.
		if gossip && block.Height() > l.state.LatestBlockHeight()+1 {
			l.send(peer, p2p.NewMessage(p2p.BlockRequestMsg, &p2p.BlockRequest{
				StartHeight: l.state.LatestBlockHeight() + 1,
				EndHeight:   block.Height(),
			}))
		}
		return
	}
	// Drop confirmed transactions from the memory pool.
	for _, tx := range block.Transactions {
		delete(l.mempool, tx.ID())
	}
	if gossip {
		l.route(p2p.MessagePropagateRequest{
			Sender:  peer,
			Message: p2p.NewMessage(p2p.UnconfirmedBlockMsg, &p2p.UnconfirmedBlock{Block: block}),
		})
	}
}

// addTransaction admits a transaction to the memory pool and propagates it.
func (l *Ledger) addTransaction(peer string, tx *types.Transaction) {
	if tx == nil || !tx.IsValid() {
		l.log.Trace("Skipping invalid transaction", "peer", peer)
		return
	}
	id := tx.ID()
	if _, ok := l.mempool[id]; ok || l.state.ContainsTransaction(id) {
		return
	}
	if len(l.mempool) >= maxMempoolSize {
		l.log.Debug("Memory pool is full, dropping transaction", "id", id)
		return
	}
	l.mempool[id] = tx
	l.log.Debug("Added transaction to memory pool", "id", id, "poolsize", len(l.mempool))

	l.route(p2p.MessagePropagateRequest{
		Sender:  peer,
		Message: p2p.NewMessage(p2p.UnconfirmedTransactionMsg, &p2p.UnconfirmedTransaction{Tx: tx}),
	})
}

// MemoryPoolSize returns the number of pooled transactions. The loop owns
// the map, so the count is approximate while the loop is running.
func (l *Ledger) MemoryPoolSize() int {
	return len(l.mempool)
}

func (l *Ledger) peerState(peer string) *peerState {
	state, ok := l.peerStates[peer]
	if !ok {
		state = new(peerState)
		l.peerStates[peer] = state
	}
	return state
}

// send routes a message to one peer through the manager.
func (l *Ledger) send(peer string, msg p2p.Message) {
	l.route(p2p.MessageSendRequest{Addr: peer, Message: msg})
}

// route posts a request to the peer manager. Failures to enqueue during
// shutdown are logged and dropped.
func (l *Ledger) route(req p2p.PeersRequest) {
	select {
	case l.peers <- req:
	case <-l.quit:
		l.log.Warn("Dropping peers request during shutdown")
	}
}
