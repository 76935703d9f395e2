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
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"

	"github.com/corvidnetwork/go-corvid/params"
)

// Server owns the TCP listener and the heartbeat timer. Accepted
// connections are submitted to the peer manager for admission.
type Server struct {
	peers    *Peers
	listener net.Listener

	quit chan struct{}
	wg   sync.WaitGroup
	log  log.Logger
}

// NewServer creates a network server on top of the given peer manager.
func NewServer(peers *Peers) *Server {
	return &Server{
		peers: peers,
		quit:  make(chan struct{}),
		log:   log.New("module", "server"),
	}
}

// Start binds the listener and launches the accept and heartbeat loops.
func (s *Server) Start(listenAddr string) error {
	listener, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return err
	}
	s.listener = listener
	s.log.Info("Listening for peers", "addr", listener.Addr())

	s.peers.Start()

	s.wg.Add(2)
	go s.listenLoop()
	go s.heartbeatLoop()
	return nil
}

// Stop closes the listener and terminates the loops and the peer manager.
func (s *Server) Stop() {
	close(s.quit)
	if s.listener != nil {
		s.listener.Close()
	}
	s.peers.Stop()
	s.wg.Wait()
	s.log.Info("Server stopped")
}

// listenLoop accepts inbound connections and submits them for admission.
func (s *Server) listenLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.quit:
				return
			default:
			}
			s.log.Debug("Failed to accept connection", "err", err)
			time.Sleep(50 * time.Millisecond)
			continue
		}
		addr := conn.RemoteAddr().String()
		select {
		case s.peers.requests <- PeerConnectingRequest{Conn: conn, Addr: addr}:
		case <-s.quit:
			conn.Close()
			return
		}
	}
}

// heartbeatLoop issues periodic rebalancing requests, starting immediately
// so a fresh node dials its bootnodes without waiting a full interval.
func (s *Server) heartbeatLoop() {
	defer s.wg.Done()

	timer := time.NewTicker(params.HeartbeatInterval)
	defer timer.Stop()

	for {
		select {
		case s.peers.requests <- HeartbeatRequest{}:
		case <-s.quit:
			return
		}
		select {
		case <-timer.C:
		case <-s.quit:
			return
		}
	}
}
