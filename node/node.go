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

// Package node wires the ledger, peer layer and RPC server into one
// runnable corvid node.
package node

import (
	"path/filepath"

	"github.com/ethereum/go-ethereum/log"
	"github.com/pkg/errors"

	"github.com/corvidnetwork/go-corvid/core"
	"github.com/corvidnetwork/go-corvid/cvdb"
	"github.com/corvidnetwork/go-corvid/cvdb/leveldb"
	"github.com/corvidnetwork/go-corvid/cvdb/memorydb"
	"github.com/corvidnetwork/go-corvid/ledger"
	"github.com/corvidnetwork/go-corvid/p2p"
	"github.com/corvidnetwork/go-corvid/rpc"
)

// Node assembles and supervises the subsystems of a corvid node.
type Node struct {
	config *Config

	db     cvdb.Database
	state  *core.LedgerState
	ledger *ledger.Ledger
	peers  *p2p.Peers
	server *p2p.Server
	rpc    *rpc.Server

	log log.Logger
}

// New constructs a node from its configuration. The ledger recovers to the
// last committed tip before any networking starts.
func New(config *Config) (*Node, error) {
	if err := config.Sanitize(); err != nil {
		return nil, err
	}
	nodeType, err := config.NodeType()
	if err != nil {
		return nil, err
	}
	externalAddr, err := config.ExternalAddr()
	if err != nil {
		return nil, err
	}

	var db cvdb.Database
	if config.DataDir == "" {
		db = memorydb.New()
	} else {
		db, err = leveldb.New(filepath.Join(config.DataDir, "ledger"), config.DatabaseCache, config.DatabaseHandles)
		if err != nil {
			return nil, errors.Wrap(err, "failed to open ledger database")
		}
	}
	state, err := core.Open(db)
	if err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to open ledger state")
	}

	ldg := ledger.New(state)
	peers := p2p.NewPeers(externalAddr, nodeType, ldg.Router())
	ldg.SetPeers(peers.Router())

	n := &Node{
		config: config,
		db:     db,
		state:  state,
		ledger: ldg,
		peers:  peers,
		server: p2p.NewServer(peers),
		log:    log.New("module", "node"),
	}
	if config.RPCEnabled {
		n.rpc = rpc.NewServer(state, ldg.Router(), peers)
	}
	return n, nil
}

// Start brings the subsystems up: the ledger loop first, then the network
// server, then the RPC surface.
func (n *Node) Start() error {
	n.ledger.Start()
	if err := n.server.Start(n.config.ListenAddr); err != nil {
		n.ledger.Stop()
		return err
	}
	if n.rpc != nil {
		if err := n.rpc.Start(n.config.RPCAddr); err != nil {
			n.server.Stop()
			n.ledger.Stop()
			return err
		}
	}
	n.log.Info("Node started", "listen", n.config.ListenAddr, "type", n.config.Type)
	return nil
}

// Stop tears the subsystems down in reverse order and closes the ledger
// after a final flush.
func (n *Node) Stop() {
	if n.rpc != nil {
		n.rpc.Stop()
	}
	n.server.Stop()
	n.ledger.Stop()
	if err := n.state.Close(); err != nil {
		n.log.Error("Failed to close ledger state", "err", err)
	}
	n.log.Info("Node stopped")
}

// Ledger returns the ledger loop, exposed for the miner integration and
// tests.
func (n *Node) Ledger() *ledger.Ledger {
	return n.ledger
}

// Peers returns the peer manager.
func (n *Node) Peers() *p2p.Peers {
	return n.peers
}
