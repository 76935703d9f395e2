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
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"

	"github.com/corvidnetwork/go-corvid/core"
	"github.com/corvidnetwork/go-corvid/params"
)

var (
	errOutdatedVersion  = errors.New("peer message version is outdated")
	errSelfConnection   = errors.New("attempted to connect to self")
	errDuplicateNonce   = errors.New("already connected to a peer with this nonce")
	errUnexpectedMsg    = errors.New("unexpected handshake message")
	errChallengeFailed  = errors.New("challenge response failed")
	errUnreachablePort  = errors.New("advertised listener port is unreachable")
	errProtocolViolated = errors.New("peer is not following the protocol")
)

// peer is the state of one live connection, owned by its actor goroutine.
type peer struct {
	// addr is the peer's canonical identity: its advertised listener
	// address, not the ephemeral address of the connection.
	addr    string
	nonce   uint64
	version uint32

	codec    *Codec
	outbound chan Message
	lastSeen time.Time

	// seenBlocks and seenTxs track inbound gossip for the abuse check and
	// the radio-silence dedup window.
	seenBlocks map[common.Hash]time.Time
	seenTxs    map[common.Hash]time.Time

	log log.Logger
}

// runPeer owns a connection from handshake to teardown. It registers the
// peer with the manager on success and reports the disconnect to the ledger
// when the connected peer's loop exits. A failed handshake or a shutdown
// before the peer loop starts closes the connection without a report.
func (ps *Peers) runPeer(conn net.Conn, nonces []uint64) {
	codec := NewCodec(conn)
	p, err := ps.handshake(codec, nonces)
	if err != nil {
		log.Trace("Handshake failed", "addr", conn.RemoteAddr(), "err", err)
		codec.Close()
		return
	}
	p.log.Info("Peer connected")

	// Register with the manager, then open the ping sequence.
	select {
	case ps.requests <- PeerConnectedRequest{Addr: p.addr, Nonce: p.nonce, Outbound: p.outbound}:
	case <-ps.quit:
		codec.Close()
		return
	}
	select {
	case ps.ledger <- LedgerSendPing{Peer: p.addr}:
	case <-ps.quit:
		codec.Close()
		return
	}

	p.run(ps)

	p.codec.Close()
	select {
	case ps.ledger <- LedgerDisconnect{Peer: p.addr}:
	case <-ps.quit:
	}
}

// handshake executes the two-phase challenge exchange and returns the
// connected peer on success.
func (ps *Peers) handshake(codec *Codec, nonces []uint64) (*peer, error) {
	codec.SetDeadline(time.Now().Add(params.HandshakeTimeout))
	defer codec.SetDeadline(time.Time{})

	remote, err := splitAddr(codec.RemoteAddr().String())
	if err != nil {
		return nil, err
	}
	genesis := core.GenesisBlock().Header

	// Step 1: send our challenge.
	err = Send(codec, ChallengeRequestMsg, &ChallengeRequest{
		Version:      params.MessageVersion,
		ListenerPort: ps.localPort(),
		Nonce:        ps.localNonce,
		BlockHeight:  params.ChallengeHeight,
	})
	if err != nil {
		return nil, err
	}

	// Step 2: await the counterparty challenge.
	msg, err := codec.ReadMsg()
	if err != nil {
		return nil, err
	}
	if msg.Code != ChallengeRequestMsg {
		return nil, fmt.Errorf("%w: got %s", errUnexpectedMsg, msg.Name())
	}
	var challenge ChallengeRequest
	if err := msg.Decode(&challenge); err != nil {
		return nil, err
	}
	if challenge.Version < params.MessageVersion {
		return nil, fmt.Errorf("%w: %d < %d", errOutdatedVersion, challenge.Version, params.MessageVersion)
	}
	// The source port of an inbound connection is ephemeral. Adopt the
	// advertised listener port after verifying it is reachable.
	peerAddr := codec.RemoteAddr().String()
	if remote.port != challenge.ListenerPort {
		peerAddr = net.JoinHostPort(remote.host, fmt.Sprintf("%d", challenge.ListenerPort))
		probe, err := net.DialTimeout("tcp", peerAddr, params.ConnectionTimeout)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", errUnreachablePort, err)
		}
		probe.Close()
	}
	if challenge.Nonce == ps.localNonce {
		return nil, fmt.Errorf("%w (nonce = %d)", errSelfConnection, challenge.Nonce)
	}
	for _, nonce := range nonces {
		if challenge.Nonce == nonce {
			return nil, fmt.Errorf("%w (nonce = %d)", errDuplicateNonce, challenge.Nonce)
		}
	}

	// Step 3: answer with our genesis header.
	if err := Send(codec, ChallengeResponseMsg, &ChallengeResponse{Header: genesis}); err != nil {
		return nil, err
	}

	// Step 4: await the counterparty response and verify the chain origin.
	msg, err = codec.ReadMsg()
	if err != nil {
		return nil, err
	}
	if msg.Code != ChallengeResponseMsg {
		return nil, fmt.Errorf("%w: got %s", errUnexpectedMsg, msg.Name())
	}
	var response ChallengeResponse
	if err := msg.Decode(&response); err != nil {
		return nil, err
	}
	header := response.Header
	if header == nil || header.Height != params.ChallengeHeight || header.Hash() != genesis.Hash() || !header.IsValid() {
		return nil, errChallengeFailed
	}

	return &peer{
		addr:       peerAddr,
		nonce:      challenge.Nonce,
		codec:      codec,
		outbound:   make(chan Message, params.OutboundQueueSize),
		lastSeen:   time.Now(),
		seenBlocks: make(map[common.Hash]time.Time),
		seenTxs:    make(map[common.Hash]time.Time),
		log:        log.New("peer", peerAddr),
	}, nil
}

// run multiplexes the outbound queue and the socket until the connection
// fails, the peer misbehaves, or the node shuts down.
func (p *peer) run(ps *Peers) {
	var (
		inbound = make(chan Msg)
		readErr = make(chan error, 1)
		done    = make(chan struct{})
	)
	defer close(done)

	go func() {
		for {
			msg, err := p.codec.ReadMsg()
			if err != nil {
				readErr <- err
				return
			}
			select {
			case inbound <- msg:
			case <-done:
				return
			}
		}
	}()

	for {
		select {
		case msg := <-p.outbound:
			// Disconnect if the peer has stayed silent for too long.
			if silent := time.Since(p.lastSeen); silent > params.RadioSilence {
				p.log.Warn("Peer has not communicated recently", "silent", silent)
				return
			}
			if err := Send(p.codec, msg.Code, msg.Data); err != nil {
				p.log.Warn("Failed to send message", "msg", msg.Name(), "err", err)
			}

		case msg := <-inbound:
			if silent := time.Since(p.lastSeen); silent > params.RadioSilence {
				p.log.Warn("Peer has not communicated recently", "silent", silent)
				return
			}
			p.lastSeen = time.Now()
			if err := p.handle(msg, ps); err != nil {
				p.log.Debug("Dropping peer", "msg", msg.Name(), "err", err)
				return
			}

		case err := <-readErr:
			if err != io.EOF {
				p.log.Debug("Failed to read message", "err", err)
			}
			return

		case <-ps.quit:
			return
		}
	}
}

// handle dispatches one inbound message. A non-nil error tears the
// connection down.
func (p *peer) handle(msg Msg, ps *Peers) error {
	p.log.Trace("Received message", "msg", msg.Name())
	switch msg.Code {
	case BlockRequestMsg:
		var req BlockRequest
		if err := msg.Decode(&req); err != nil {
			return err
		}
		ps.ledger <- LedgerBlockRequest{Peer: p.addr, StartHeight: req.StartHeight, EndHeight: req.EndHeight}

	case BlockResponseMsg:
		var resp BlockResponse
		if err := msg.Decode(&resp); err != nil {
			return err
		}
		ps.ledger <- LedgerBlockResponse{Peer: p.addr, Block: resp.Block}

	case DisconnectMsg:
		return errors.New("peer requested disconnect")

	case PeerRequestMsg:
		ps.requests <- SendPeerResponseRequest{Addr: p.addr}

	case PeerResponseMsg:
		var resp PeerResponse
		if err := msg.Decode(&resp); err != nil {
			return err
		}
		ps.requests <- ReceivePeerResponseRequest{Addrs: resp.Addresses}

	case PingMsg:
		var ping Ping
		if err := msg.Decode(&ping); err != nil {
			return err
		}
		if ping.Version < params.MessageVersion {
			return fmt.Errorf("%w: %d < %d", errOutdatedVersion, ping.Version, params.MessageVersion)
		}
		p.version = ping.Version
		ps.ledger <- LedgerPing{Peer: p.addr, Version: ping.Version, BlockHeight: ping.BlockHeight, BlockHash: ping.BlockHash}

	case PongMsg:
		var pong Pong
		if err := msg.Decode(&pong); err != nil {
			return err
		}
		ps.ledger <- LedgerPong{Peer: p.addr, IsFork: pong.IsFork, Locators: pong.Locators}

	case UnconfirmedBlockMsg:
		var gossip UnconfirmedBlock
		if err := msg.Decode(&gossip); err != nil {
			return err
		}
		if frequency := countRecent(p.seenBlocks, params.SpamWindow); frequency >= params.SpamBlockLimit {
			ps.requests <- PeerRestrictedRequest{Addr: p.addr}
			return fmt.Errorf("spamming unconfirmed blocks (frequency = %d)", frequency)
		}
		hash := gossip.Block.Hash()
		last, seen := p.seenBlocks[hash]
		p.seenBlocks[hash] = time.Now()
		if !seen || time.Since(last) > params.RadioSilence {
			ps.ledger <- LedgerUnconfirmedBlock{Peer: p.addr, Block: gossip.Block}
		} else {
			p.log.Trace("Skipping unconfirmed block", "height", gossip.Block.Height())
		}

	case UnconfirmedTransactionMsg:
		var gossip UnconfirmedTransaction
		if err := msg.Decode(&gossip); err != nil {
			return err
		}
		if frequency := countRecent(p.seenTxs, params.SpamWindow); frequency >= params.SpamTxLimit {
			ps.requests <- PeerRestrictedRequest{Addr: p.addr}
			return fmt.Errorf("spamming unconfirmed transactions (frequency = %d)", frequency)
		}
		id := gossip.Tx.ID()
		last, seen := p.seenTxs[id]
		p.seenTxs[id] = time.Now()
		if !seen || time.Since(last) > params.RadioSilence {
			ps.ledger <- LedgerUnconfirmedTransaction{Peer: p.addr, Tx: gossip.Tx}
		} else {
			p.log.Trace("Skipping unconfirmed transaction", "id", id)
		}

	case ChallengeRequestMsg, ChallengeResponseMsg:
		return errProtocolViolated

	default:
		return errProtocolViolated
	}
	return nil
}

// countRecent counts entries seen within the given window.
func countRecent(seen map[common.Hash]time.Time, window time.Duration) int {
	frequency := 0
	for _, t := range seen {
		if time.Since(t) <= window {
			frequency++
		}
	}
	return frequency
}

// hostPort is a parsed socket address.
type hostPort struct {
	host string
	port uint16
}

// splitAddr parses "host:port" into its components.
func splitAddr(addr string) (hostPort, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return hostPort{}, err
	}
	var port uint16
	if _, err := fmt.Sscanf(portStr, "%d", &port); err != nil {
		return hostPort{}, err
	}
	return hostPort{host: host, port: port}, nil
}
