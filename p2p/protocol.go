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
	"net"

	"github.com/ethereum/go-ethereum/common"

	"github.com/corvidnetwork/go-corvid/core"
	"github.com/corvidnetwork/go-corvid/core/types"
)

// LocalOrigin marks requests that originate on this node (RPC submissions)
// rather than from a connected peer. Propagation treats it as "exclude
// nobody".
const LocalOrigin = "local"

// LedgerRouter is the producer half of the ledger request queue.
type LedgerRouter chan<- LedgerRequest

// LedgerRequest is an inbound protocol event forwarded to the ledger loop.
type LedgerRequest interface{}

// LedgerPing reports a peer's advertised version and chain tip.
type LedgerPing struct {
	Peer        string
	Version     uint32
	BlockHeight uint32
	BlockHash   common.Hash
}

// LedgerPong reports a peer's fork view and block locators.
type LedgerPong struct {
	Peer     string
	IsFork   ForkStatus
	Locators core.BlockLocators
}

// LedgerBlockRequest asks the ledger to serve blocks to a peer.
type LedgerBlockRequest struct {
	Peer        string
	StartHeight uint32
	EndHeight   uint32
}

// LedgerBlockResponse delivers a block a peer served to us.
type LedgerBlockResponse struct {
	Peer  string
	Block *types.Block
}

// LedgerUnconfirmedBlock delivers a gossiped block.
type LedgerUnconfirmedBlock struct {
	Peer  string
	Block *types.Block
}

// LedgerUnconfirmedTransaction delivers a gossiped transaction.
type LedgerUnconfirmedTransaction struct {
	Peer string
	Tx   *types.Transaction
}

// LedgerSendPing asks the ledger to open the ping sequence with a peer.
type LedgerSendPing struct {
	Peer string
}

// LedgerDisconnect reports that a peer's connection ended.
type LedgerDisconnect struct {
	Peer string
}

// PeersRouter is the producer half of the peer manager request queue.
type PeersRouter chan<- PeersRequest

// PeersRequest is a request processed serially by the peer manager.
type PeersRequest interface{}

// ConnectRequest asks the manager to dial a peer.
type ConnectRequest struct {
	Addr string
}

// HeartbeatRequest triggers one connection rebalancing cycle.
type HeartbeatRequest struct{}

// MessageSendRequest sends a message to one connected peer.
type MessageSendRequest struct {
	Addr    string
	Message Message
}

// MessagePropagateRequest sends a message to every connected peer except
// the sender.
type MessagePropagateRequest struct {
	Sender  string
	Message Message
}

// PeerConnectingRequest submits an accepted inbound connection for
// admission control.
type PeerConnectingRequest struct {
	Conn net.Conn
	Addr string
}

// PeerConnectedRequest registers a peer that completed the handshake.
type PeerConnectedRequest struct {
	Addr     string
	Nonce    uint64
	Outbound chan Message
}

// PeerDisconnectedRequest removes a peer whose connection ended.
type PeerDisconnectedRequest struct {
	Addr string
}

// PeerRestrictedRequest marks a peer as abusive for the silence window.
type PeerRestrictedRequest struct {
	Addr string
}

// SendPeerResponseRequest shares our connected peers with the recipient.
type SendPeerResponseRequest struct {
	Addr string
}

// ReceivePeerResponseRequest folds a peer's shared addresses into the
// candidate set.
type ReceivePeerResponseRequest struct {
	Addrs []string
}

// ConnectedPeersRequest reads the connected peer addresses. The reply is
// produced inside the manager loop, making the query linearizable with all
// mutations.
type ConnectedPeersRequest struct {
	Reply chan []string
}
