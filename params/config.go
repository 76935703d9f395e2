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

package params

import "time"

// NodeType is the role this node plays on the network.
type NodeType int

const (
	NodeClient NodeType = iota
	NodeMiner
	NodeSync
)

func (t NodeType) String() string {
	switch t {
	case NodeClient:
		return "client"
	case NodeMiner:
		return "miner"
	case NodeSync:
		return "sync"
	default:
		return "unknown"
	}
}

const (
	// MessageVersion is the minimum wire protocol version this node speaks.
	// Peers advertising anything lower are dropped during the handshake.
	MessageVersion uint32 = 12

	// ChallengeHeight is the block height exchanged during the handshake
	// challenge. Pinned to genesis so both sides prove the same chain origin.
	ChallengeHeight uint32 = 0

	// MinPeers is the number of connections the heartbeat tries to maintain.
	MinPeers = 2

	// MaxPeers is the hard ceiling on simultaneous connections. The heartbeat
	// disconnects excess peers that are not in the bootnode allowlists.
	MaxPeers = 21

	// MaxCandidatePeers bounds the candidate set; peer lists that would push
	// the set past this threshold are rejected wholesale.
	MaxCandidatePeers = 10000

	// MaxConnectionFailures caps repeated inbound attempts from one host
	// within a radio-silence window.
	MaxConnectionFailures = 5

	// MaxBlockRequest is the most blocks served for a single block request.
	MaxBlockRequest uint32 = 250

	// NumRecentLocators is how many consecutive heights below the tip carry
	// full headers in a block locator set.
	NumRecentLocators uint32 = 64

	// SpamBlockLimit and SpamTxLimit are the most unconfirmed items a peer
	// may deliver within SpamWindow before it is restricted.
	SpamBlockLimit = 5
	SpamTxLimit    = 500
)

const (
	// ConnectionTimeout bounds outbound dials, including the listener-port
	// reachability probe during the handshake.
	ConnectionTimeout = 5 * time.Second

	// RadioSilence is the minimum interval between two equivalent events with
	// the same peer: redials, gossip of the same item, and the duration of a
	// restriction.
	RadioSilence = 150 * time.Second

	// SpamWindow is the sliding window for the unconfirmed item abuse check.
	SpamWindow = 5 * time.Second

	// HeartbeatInterval is how often the peer manager rebalances connections.
	HeartbeatInterval = 15 * time.Second

	// HandshakeTimeout bounds the full two-phase handshake.
	HandshakeTimeout = 5 * time.Second
)

const (
	// OutboundQueueSize is the capacity of each per-peer outbound channel.
	OutboundQueueSize = 1024

	// RequestQueueSize is the capacity of the manager and ledger queues.
	RequestQueueSize = 1024

	// MaxMessageSize is the largest wire frame accepted from a peer.
	MaxMessageSize = 128 * 1024 * 1024
)

// SyncNodes are well-known full archives seeded into the candidate set. They
// are exempt from heartbeat-driven disconnection.
var SyncNodes = []string{
	"144.126.219.193:4132",
	"165.232.145.194:4132",
	"143.198.164.241:4132",
}

// PeerNodes are well-known regular peers, seeded and exempt like SyncNodes.
var PeerNodes = []string{
	"167.99.40.226:4132",
	"188.166.7.13:4132",
}

const (
	// GenesisTimestamp is the fixed timestamp of the genesis block.
	GenesisTimestamp int64 = 1615249200

	// GenesisDifficulty is the starting difficulty target. Higher targets are
	// easier; the genesis target accepts any nonce.
	GenesisDifficulty uint64 = 0xffffffffffffffff

	// GenesisNonce is the fixed nonce recorded in the genesis header.
	GenesisNonce uint64 = 0
)
