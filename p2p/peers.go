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

package p2p

import (
	crand "crypto/rand"
	"encoding/binary"
	"math/rand"
	"net"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"

	"github.com/corvidnetwork/go-corvid/params"
)

// connectedPeer is the manager's handle on one registered peer.
type connectedPeer struct {
	nonce    uint64
	outbound chan Message
}

// inboundTracker records repeated inbound attempts from one host. The first
// seen port anchors the comparison that catches port-scanning reconnects.
type inboundTracker struct {
	initialPort uint16
	attempts    uint32
	lastSeen    time.Time
}

// Peers is the process-wide registry of connections, candidates and
// restricted peers. All state mutations happen inside its single event
// loop; the request queue is the source of linearizability for peer-set
// queries.
type Peers struct {
	localAddr  string
	localNonce uint64
	nodeType   params.NodeType

	syncNodes map[string]struct{}
	peerNodes map[string]struct{}

	requests chan PeersRequest
	ledger   LedgerRouter

	connected  map[string]*connectedPeer
	candidates mapset.Set
	restricted map[string]time.Time

	seenInbound        map[string]*inboundTracker
	seenOutbound       map[string]time.Time
	seenOutboundBlocks map[string]map[common.Hash]time.Time
	seenOutboundTxs    map[string]map[common.Hash]time.Time

	rand *rand.Rand
	quit chan struct{}
	wg   sync.WaitGroup
	log  log.Logger
}

// NewPeers creates the peer manager for a node listening on localAddr. The
// session nonce is random per process lifetime.
func NewPeers(localAddr string, nodeType params.NodeType, ledger LedgerRouter) *Peers {
	var seed [16]byte
	crand.Read(seed[:])

	ps := &Peers{
		localAddr:          localAddr,
		localNonce:         binary.BigEndian.Uint64(seed[:8]),
		nodeType:           nodeType,
		syncNodes:          make(map[string]struct{}),
		peerNodes:          make(map[string]struct{}),
		requests:           make(chan PeersRequest, params.RequestQueueSize),
		ledger:             ledger,
		connected:          make(map[string]*connectedPeer),
		candidates:         mapset.NewSet(),
		restricted:         make(map[string]time.Time),
		seenInbound:        make(map[string]*inboundTracker),
		seenOutbound:       make(map[string]time.Time),
		seenOutboundBlocks: make(map[string]map[common.Hash]time.Time),
		seenOutboundTxs:    make(map[string]map[common.Hash]time.Time),
		rand:               rand.New(rand.NewSource(int64(binary.BigEndian.Uint64(seed[8:])))),
		quit:               make(chan struct{}),
		log:                log.New("module", "peers"),
	}
	for _, addr := range params.SyncNodes {
		ps.syncNodes[addr] = struct{}{}
	}
	for _, addr := range params.PeerNodes {
		ps.peerNodes[addr] = struct{}{}
	}
	return ps
}

// Router returns the producer half of the request queue.
func (ps *Peers) Router() PeersRouter {
	return ps.requests
}

// LocalNonce returns the session nonce of this node.
func (ps *Peers) LocalNonce() uint64 {
	return ps.localNonce
}

// Start launches the manager event loop.
func (ps *Peers) Start() {
	ps.wg.Add(1)
	go ps.loop()
}

// Stop terminates the event loop and waits for it to drain.
func (ps *Peers) Stop() {
	close(ps.quit)
	ps.wg.Wait()
}

// Connections returns the connected peer addresses, linearized through the
// request queue. Safe to call from any goroutine.
func (ps *Peers) Connections() []string {
	reply := make(chan []string, 1)
	select {
	case ps.requests <- ConnectedPeersRequest{Reply: reply}:
	case <-ps.quit:
		return nil
	}
	select {
	case addrs := <-reply:
		return addrs
	case <-ps.quit:
		return nil
	}
}

func (ps *Peers) loop() {
	defer ps.wg.Done()
	for {
		select {
		case req := <-ps.requests:
			ps.handle(req)
		case <-ps.quit:
			return
		}
	}
}

// handle performs one request. All requests go through here, so a unified
// view is preserved.
func (ps *Peers) handle(req PeersRequest) {
	switch req := req.(type) {
	case ConnectRequest:
		ps.connect(req.Addr)

	case HeartbeatRequest:
		ps.heartbeat()

	case MessageSendRequest:
		ps.send(req.Addr, req.Message)

	case MessagePropagateRequest:
		ps.propagate(req.Sender, req.Message)

	case PeerConnectingRequest:
		ps.admit(req.Conn, req.Addr)

	case PeerConnectedRequest:
		ps.connected[req.Addr] = &connectedPeer{nonce: req.Nonce, outbound: req.Outbound}
		ps.candidates.Remove(req.Addr)

	case PeerDisconnectedRequest:
		delete(ps.connected, req.Addr)
		ps.candidates.Add(req.Addr)
		delete(ps.seenOutboundBlocks, req.Addr)
		delete(ps.seenOutboundTxs, req.Addr)

	case PeerRestrictedRequest:
		ps.restricted[req.Addr] = time.Now()

	case SendPeerResponseRequest:
		ps.send(req.Addr, NewMessage(PeerResponseMsg, &PeerResponse{Addresses: ps.connectedAddrs()}))

	case ReceivePeerResponseRequest:
		ps.addCandidates(req.Addrs)

	case ConnectedPeersRequest:
		req.Reply <- ps.connectedAddrs()

	case dialFailedRequest:
		ps.candidates.Remove(req.Addr)

	default:
		ps.log.Error("Unknown peers request", "req", req)
	}
}

// connect dials a candidate peer and hands the stream to a new peer actor.
func (ps *Peers) connect(addr string) {
	switch {
	case ps.isSelf(addr):
		ps.log.Debug("Skipping connection request (attempted to self-connect)", "addr", addr)
	case len(ps.connected) >= params.MaxPeers:
		ps.log.Debug("Skipping connection request (maximum peers reached)", "addr", addr)
	case ps.isConnected(addr):
		ps.log.Debug("Skipping connection request (already connected)", "addr", addr)
	case ps.isRestricted(addr):
		ps.log.Debug("Skipping connection request (restricted)", "addr", addr)
	default:
		// Respect the redial frequency limit.
		if last, ok := ps.seenOutbound[addr]; ok {
			if elapsed := time.Since(last); elapsed < params.RadioSilence {
				ps.log.Trace("Skipping connection request (dialed recently)", "addr", addr, "elapsed", elapsed)
				return
			}
		}
		ps.seenOutbound[addr] = time.Now()

		// Dial off the event loop so a slow peer cannot stall the manager.
		ps.log.Debug("Connecting", "addr", addr)
		nonces := ps.connectedNonces()
		go func() {
			conn, err := net.DialTimeout("tcp", addr, params.ConnectionTimeout)
			if err != nil {
				ps.log.Trace("Failed to connect", "addr", addr, "err", err)
				select {
				case ps.requests <- dialFailedRequest{Addr: addr}:
				case <-ps.quit:
				}
				return
			}
			ps.runPeer(conn, nonces)
		}()
	}
}

// dialFailedRequest reports an outbound dial failure back into the loop so
// the candidate entry can be dropped.
type dialFailedRequest struct {
	Addr string
}

// admit applies inbound admission control to an accepted connection.
func (ps *Peers) admit(conn net.Conn, addr string) {
	switch {
	case ps.isSelf(addr):
		ps.log.Debug("Dropping connection request (attempted to self-connect)", "addr", addr)
		conn.Close()
	case len(ps.connected) >= params.MaxPeers:
		ps.log.Debug("Dropping connection request (maximum peers reached)", "addr", addr)
		conn.Close()
	case ps.isConnected(addr):
		ps.log.Debug("Dropping connection request (already connected)", "addr", addr)
		conn.Close()
	case ps.isRestricted(addr):
		ps.log.Debug("Dropping connection request (restricted)", "addr", addr)
		conn.Close()
	default:
		remote, err := splitAddr(addr)
		if err != nil {
			conn.Close()
			return
		}
		// Collapse the ephemeral ports of a remote host into one tracker
		// entry; loopback keeps the real port so local multi-node setups
		// stay distinguishable.
		lookup := addr
		if ip := net.ParseIP(remote.host); ip != nil && !ip.IsLoopback() {
			lookup = net.JoinHostPort(remote.host, "65535")
		}
		tracker, ok := ps.seenInbound[lookup]
		if !ok {
			tracker = &inboundTracker{initialPort: remote.port}
			ps.seenInbound[lookup] = tracker
		}
		// Reset the tracker once the silence window has passed.
		if time.Since(tracker.lastSeen) > params.RadioSilence {
			tracker.initialPort = remote.port
			tracker.attempts = 0
			tracker.lastSeen = time.Now()
		}
		if tracker.initialPort < remote.port && tracker.attempts > params.MaxConnectionFailures {
			ps.log.Trace("Dropping connection request (too many attempts)", "addr", addr, "attempts", tracker.attempts)
			conn.Close()
			return
		}
		tracker.attempts++
		ps.log.Debug("Received a connection request", "addr", addr)
		go ps.runPeer(conn, ps.connectedNonces())
	}
}

// heartbeat rebalances connections: sheds peers above the maximum, then
// recruits candidates toward the minimum and asks the network for more.
func (ps *Peers) heartbeat() {
	if excess := len(ps.connected) - params.MaxPeers; excess > 0 {
		ps.log.Debug("Exceeded maximum number of connected peers", "excess", excess)
		for addr := range ps.connected {
			if excess == 0 {
				break
			}
			if _, ok := ps.syncNodes[addr]; ok {
				continue
			}
			if _, ok := ps.peerNodes[addr]; ok {
				continue
			}
			ps.log.Info("Disconnecting (exceeded maximum connections)", "addr", addr)
			ps.send(addr, NewMessage(DisconnectMsg, nil))
			excess--
		}
	}
	if len(ps.connected) >= params.MinPeers {
		return
	}
	ps.log.Trace("Requesting more peer connections")

	// Seed the candidate set with the bootnodes. Sync nodes are skipped if
	// this node is itself a sync node.
	if ps.nodeType != params.NodeSync {
		ps.addCandidates(params.SyncNodes)
	}
	ps.addCandidates(params.PeerNodes)

	// Dial a random selection of candidates.
	candidates := make([]string, 0, ps.candidates.Cardinality())
	for _, c := range ps.candidates.ToSlice() {
		if addr := c.(string); !ps.isConnected(addr) {
			candidates = append(candidates, addr)
		}
	}
	ps.rand.Shuffle(len(candidates), func(i, j int) {
		candidates[i], candidates[j] = candidates[j], candidates[i]
	})
	if len(candidates) > params.MinPeers {
		candidates = candidates[:params.MinPeers]
	}
	for _, addr := range candidates {
		ps.log.Trace("Attempting connection", "addr", addr)
		ps.connect(addr)
	}

	// Ask the network for more peers.
	ps.propagate(ps.localAddr, NewMessage(PeerRequestMsg, nil))
}

// send delivers a message to one connected peer, applying the gossip dedup
// window to unconfirmed items. A full outbound queue drops the message.
func (ps *Peers) send(addr string, msg Message) {
	peer, ok := ps.connected[addr]
	if !ok {
		ps.log.Warn("Attempted to send to a non-connected peer", "addr", addr)
		return
	}
	switch data := msg.Data.(type) {
	case *UnconfirmedBlock:
		if !ps.readyToSend(ps.seenOutboundBlocks, addr, data.Block.Hash()) {
			return
		}
		ps.log.Trace("Preparing to send unconfirmed block", "height", data.Block.Height(), "addr", addr)
	case *UnconfirmedTransaction:
		if !ps.readyToSend(ps.seenOutboundTxs, addr, data.Tx.ID()) {
			return
		}
		ps.log.Trace("Preparing to send unconfirmed transaction", "id", data.Tx.ID(), "addr", addr)
	}
	select {
	case peer.outbound <- msg:
	default:
		ps.log.Debug("Dropping message (outbound queue full)", "msg", msg.Name(), "addr", addr)
	}
}

// readyToSend applies the per-peer, per-item silence window and refreshes
// the last-sent timestamp.
func (ps *Peers) readyToSend(seen map[string]map[common.Hash]time.Time, addr string, item common.Hash) bool {
	items, ok := seen[addr]
	if !ok {
		items = make(map[common.Hash]time.Time)
		seen[addr] = items
	}
	last, sent := items[item]
	items[item] = time.Now()
	return !sent || time.Since(last) > params.RadioSilence
}

// propagate sends a message to every connected peer except the sender.
func (ps *Peers) propagate(sender string, msg Message) {
	for addr := range ps.connected {
		if addr != sender {
			ps.send(addr, msg)
		}
	}
}

// addCandidates folds addresses into the candidate set. A list that would
// push the set past the threshold is rejected wholesale, since the peer
// providing it could be subverting the protocol.
func (ps *Peers) addCandidates(addrs []string) {
	if ps.candidates.Cardinality()+len(addrs) >= params.MaxCandidatePeers {
		return
	}
	for _, addr := range addrs {
		if !ps.isSelf(addr) && !ps.isConnected(addr) {
			ps.candidates.Add(addr)
		}
	}
}

func (ps *Peers) connectedAddrs() []string {
	addrs := make([]string, 0, len(ps.connected))
	for addr := range ps.connected {
		addrs = append(addrs, addr)
	}
	return addrs
}

func (ps *Peers) connectedNonces() []uint64 {
	nonces := make([]uint64, 0, len(ps.connected))
	for _, peer := range ps.connected {
		nonces = append(nonces, peer.nonce)
	}
	return nonces
}

func (ps *Peers) isConnected(addr string) bool {
	_, ok := ps.connected[addr]
	return ok
}

// isRestricted reports whether an address is inside its restriction window.
func (ps *Peers) isRestricted(addr string) bool {
	since, ok := ps.restricted[addr]
	return ok && time.Since(since) < params.RadioSilence
}

// isSelf reports whether an address identifies this node: an exact match,
// or an unspecified/loopback host with the local listener port.
func (ps *Peers) isSelf(addr string) bool {
	if addr == ps.localAddr {
		return true
	}
	remote, err := splitAddr(addr)
	if err != nil {
		return false
	}
	if remote.port != ps.localPort() {
		return false
	}
	ip := net.ParseIP(remote.host)
	return ip != nil && (ip.IsUnspecified() || ip.IsLoopback())
}

// localPort returns the listener port of this node.
func (ps *Peers) localPort() uint16 {
	local, err := splitAddr(ps.localAddr)
	if err != nil {
		return 0
	}
	return local.port
}

// restrictedAddrs returns the addresses currently inside their restriction
// window.
func (ps *Peers) restrictedAddrs() []string {
	addrs := make([]string, 0, len(ps.restricted))
	for addr, since := range ps.restricted {
		if time.Since(since) < params.RadioSilence {
			addrs = append(addrs, addr)
		}
	}
	return addrs
}
