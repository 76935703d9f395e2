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

// Package rpc exposes the read-mostly JSON-RPC surface of the node.
package rpc

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/julienschmidt/httprouter"
	"github.com/rs/cors"

	"github.com/corvidnetwork/go-corvid/core"
	"github.com/corvidnetwork/go-corvid/core/types"
	"github.com/corvidnetwork/go-corvid/p2p"
	"github.com/corvidnetwork/go-corvid/params"
)

// jsonrpcMessage is a JSON-RPC 2.0 request or response envelope.
type jsonrpcMessage struct {
	Version string            `json:"jsonrpc"`
	ID      json.RawMessage   `json:"id,omitempty"`
	Method  string            `json:"method,omitempty"`
	Params  []json.RawMessage `json:"params,omitempty"`
	Result  interface{}       `json:"result,omitempty"`
	Error   *jsonError        `json:"error,omitempty"`
}

// handlerFunc serves one RPC method.
type handlerFunc func(params []json.RawMessage) (interface{}, *jsonError)

// Server answers JSON-RPC queries against the ledger and submits
// transactions into the ledger request queue.
type Server struct {
	state  *core.LedgerState
	ledger p2p.LedgerRouter
	peers  *p2p.Peers

	methods map[string]handlerFunc
	http    *http.Server
	log     log.Logger
}

// NewServer creates the RPC façade over the given collaborators.
func NewServer(state *core.LedgerState, ledger p2p.LedgerRouter, peers *p2p.Peers) *Server {
	s := &Server{
		state:  state,
		ledger: ledger,
		peers:  peers,
		log:    log.New("module", "rpc"),
	}
	s.methods = map[string]handlerFunc{
		"latestblock":             s.latestBlock,
		"latestblockheight":       s.latestBlockHeight,
		"latestblockhash":         s.latestBlockHash,
		"latestblockheader":       s.latestBlockHeader,
		"latestblocktransactions": s.latestBlockTransactions,
		"latestledgerroot":        s.latestLedgerRoot,
		"getblock":                s.getBlock,
		"getblocks":               s.getBlocks,
		"getblockhash":            s.getBlockHash,
		"getblockhashes":          s.getBlockHashes,
		"getblockheight":          s.getBlockHeight,
		"getblockheader":          s.getBlockHeader,
		"getblocktransactions":    s.getBlockTransactions,
		"getciphertext":           s.getCiphertext,
		"getledgerproof":          s.getLedgerProof,
		"gettransaction":          s.getTransaction,
		"gettransition":           s.getTransition,
		"getconnectedpeers":       s.getConnectedPeers,
		"sendtransaction":         s.sendTransaction,
	}
	return s
}

// Start binds the HTTP listener and begins serving requests.
func (s *Server) Start(listenAddr string) error {
	router := httprouter.New()
	router.POST("/", s.serveRPC)

	listener, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return err
	}
	s.http = &http.Server{Handler: cors.Default().Handler(router)}
	go s.http.Serve(listener)

	s.log.Info("RPC server started", "addr", listener.Addr())
	return nil
}

// Stop shuts the HTTP server down, waiting for in-flight requests.
func (s *Server) Stop() {
	if s.http == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.http.Shutdown(ctx)
	s.log.Info("RPC server stopped")
}

func (s *Server) serveRPC(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req jsonrpcMessage
	resp := jsonrpcMessage{Version: "2.0"}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		resp.Error = &jsonError{Code: errCodeParse, Message: err.Error()}
		writeJSON(w, &resp)
		return
	}
	resp.ID = req.ID

	method, ok := s.methods[strings.ToLower(req.Method)]
	if !ok {
		resp.Error = &jsonError{Code: errCodeMethodNotFound, Message: "method not found: " + req.Method}
		writeJSON(w, &resp)
		return
	}
	result, rpcErr := method(req.Params)
	if rpcErr != nil {
		resp.Error = rpcErr
	} else {
		resp.Result = result
	}
	writeJSON(w, &resp)
}

func writeJSON(w http.ResponseWriter, resp *jsonrpcMessage) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// Returns the latest block from the canonical chain.
func (s *Server) latestBlock(_ []json.RawMessage) (interface{}, *jsonError) {
	return s.state.LatestBlock(), nil
}

// Returns the latest block height from the canonical chain.
func (s *Server) latestBlockHeight(_ []json.RawMessage) (interface{}, *jsonError) {
	return s.state.LatestBlockHeight(), nil
}

// Returns the latest block hash from the canonical chain.
func (s *Server) latestBlockHash(_ []json.RawMessage) (interface{}, *jsonError) {
	return s.state.LatestBlockHash(), nil
}

// Returns the latest block header from the canonical chain.
func (s *Server) latestBlockHeader(_ []json.RawMessage) (interface{}, *jsonError) {
	return s.state.LatestBlockHeader(), nil
}

// Returns the latest block transactions from the canonical chain.
func (s *Server) latestBlockTransactions(_ []json.RawMessage) (interface{}, *jsonError) {
	return s.state.LatestBlockTransactions(), nil
}

// Returns the latest ledger root from the canonical chain.
func (s *Server) latestLedgerRoot(_ []json.RawMessage) (interface{}, *jsonError) {
	return s.state.LatestLedgerRoot(), nil
}

// Returns the block at the given block height.
func (s *Server) getBlock(raw []json.RawMessage) (interface{}, *jsonError) {
	height, rpcErr := parseHeight(raw, 0)
	if rpcErr != nil {
		return nil, rpcErr
	}
	block, err := s.state.GetBlock(height)
	if err != nil {
		return nil, errServer(err)
	}
	return block, nil
}

// Returns up to MaxBlockRequest blocks ending at the given height.
func (s *Server) getBlocks(raw []json.RawMessage) (interface{}, *jsonError) {
	start, end, rpcErr := parseRange(raw)
	if rpcErr != nil {
		return nil, rpcErr
	}
	blocks, err := s.state.GetBlocks(safeStart(start, end), end)
	if err != nil {
		return nil, errServer(err)
	}
	return blocks, nil
}

// Returns the block hash at the given block height.
func (s *Server) getBlockHash(raw []json.RawMessage) (interface{}, *jsonError) {
	height, rpcErr := parseHeight(raw, 0)
	if rpcErr != nil {
		return nil, rpcErr
	}
	hash, err := s.state.GetBlockHash(height)
	if err != nil {
		return nil, errServer(err)
	}
	return hash, nil
}

// Returns up to MaxBlockRequest block hashes ending at the given height.
func (s *Server) getBlockHashes(raw []json.RawMessage) (interface{}, *jsonError) {
	start, end, rpcErr := parseRange(raw)
	if rpcErr != nil {
		return nil, rpcErr
	}
	hashes, err := s.state.GetBlockHashes(safeStart(start, end), end)
	if err != nil {
		return nil, errServer(err)
	}
	return hashes, nil
}

// Returns the block height of the given block hash.
func (s *Server) getBlockHeight(raw []json.RawMessage) (interface{}, *jsonError) {
	hash, rpcErr := parseHash(raw, 0)
	if rpcErr != nil {
		return nil, rpcErr
	}
	height, err := s.state.GetBlockHeight(hash)
	if err != nil {
		return nil, errServer(err)
	}
	return height, nil
}

// Returns the block header at the given block height.
func (s *Server) getBlockHeader(raw []json.RawMessage) (interface{}, *jsonError) {
	height, rpcErr := parseHeight(raw, 0)
	if rpcErr != nil {
		return nil, rpcErr
	}
	header, err := s.state.GetBlockHeader(height)
	if err != nil {
		return nil, errServer(err)
	}
	return header, nil
}

// Returns the transactions of the block at the given block height.
func (s *Server) getBlockTransactions(raw []json.RawMessage) (interface{}, *jsonError) {
	height, rpcErr := parseHeight(raw, 0)
	if rpcErr != nil {
		return nil, rpcErr
	}
	txs, err := s.state.GetBlockTransactions(height)
	if err != nil {
		return nil, errServer(err)
	}
	return txs, nil
}

// Returns the ciphertext of the given ciphertext ID.
func (s *Server) getCiphertext(raw []json.RawMessage) (interface{}, *jsonError) {
	id, rpcErr := parseHash(raw, 0)
	if rpcErr != nil {
		return nil, rpcErr
	}
	ciphertext, err := s.state.GetCiphertext(id)
	if err != nil {
		return nil, errServer(err)
	}
	return hexutil.Bytes(ciphertext), nil
}

// Returns the ledger inclusion proof for the given record commitment.
func (s *Server) getLedgerProof(raw []json.RawMessage) (interface{}, *jsonError) {
	commitment, rpcErr := parseHash(raw, 0)
	if rpcErr != nil {
		return nil, rpcErr
	}
	proof, err := s.state.GetLedgerProof(commitment)
	if err != nil {
		return nil, errServer(err)
	}
	enc, err := proof.Bytes()
	if err != nil {
		return nil, errServer(err)
	}
	return hexutil.Bytes(enc), nil
}

// Returns the transaction with its chain metadata for the given ID.
func (s *Server) getTransaction(raw []json.RawMessage) (interface{}, *jsonError) {
	id, rpcErr := parseHash(raw, 0)
	if rpcErr != nil {
		return nil, rpcErr
	}
	tx, err := s.state.GetTransaction(id)
	if err != nil {
		return nil, errServer(err)
	}
	metadata, err := s.state.GetTransactionMetadata(id)
	if err != nil {
		return nil, errServer(err)
	}
	return map[string]interface{}{"transaction": tx, "metadata": metadata}, nil
}

// Returns the transition of the given transition ID.
func (s *Server) getTransition(raw []json.RawMessage) (interface{}, *jsonError) {
	id, rpcErr := parseHash(raw, 0)
	if rpcErr != nil {
		return nil, rpcErr
	}
	transition, err := s.state.GetTransition(id)
	if err != nil {
		return nil, errServer(err)
	}
	return transition, nil
}

// Returns the addresses of the connected peers.
func (s *Server) getConnectedPeers(_ []json.RawMessage) (interface{}, *jsonError) {
	return s.peers.Connections(), nil
}

// Decodes a transaction, enqueues it as locally originated, and returns its
// ID without waiting for admission (fire-and-forget).
func (s *Server) sendTransaction(raw []json.RawMessage) (interface{}, *jsonError) {
	if len(raw) < 1 {
		return nil, errMessage("missing transaction parameter")
	}
	var txHex string
	if err := json.Unmarshal(raw[0], &txHex); err != nil {
		return nil, errInvalidParams(err)
	}
	data, err := hex.DecodeString(strings.TrimPrefix(txHex, "0x"))
	if err != nil {
		return nil, errInvalidParams(err)
	}
	tx := new(types.Transaction)
	if err := rlp.DecodeBytes(data, tx); err != nil {
		return nil, errInvalidParams(err)
	}
	select {
	case s.ledger <- p2p.LedgerUnconfirmedTransaction{Peer: p2p.LocalOrigin, Tx: tx}:
	default:
		s.log.Warn("Ledger queue is full, dropping submitted transaction", "id", tx.ID())
	}
	return tx.ID(), nil
}

// parseHeight reads a uint32 block height parameter.
func parseHeight(raw []json.RawMessage, index int) (uint32, *jsonError) {
	if len(raw) <= index {
		return 0, errMessage("missing block height parameter")
	}
	var height uint32
	if err := json.Unmarshal(raw[index], &height); err != nil {
		return 0, errInvalidParams(err)
	}
	return height, nil
}

// parseHash reads a hash parameter.
func parseHash(raw []json.RawMessage, index int) (common.Hash, *jsonError) {
	if len(raw) <= index {
		return common.Hash{}, errMessage("missing hash parameter")
	}
	var hash common.Hash
	if err := json.Unmarshal(raw[index], &hash); err != nil {
		return common.Hash{}, errInvalidParams(err)
	}
	return hash, nil
}

// parseRange reads a (start, end) height range.
func parseRange(raw []json.RawMessage) (uint32, uint32, *jsonError) {
	start, rpcErr := parseHeight(raw, 0)
	if rpcErr != nil {
		return 0, 0, rpcErr
	}
	end, rpcErr := parseHeight(raw, 1)
	if rpcErr != nil {
		return 0, 0, rpcErr
	}
	return start, end, nil
}

// safeStart clips a range to the block request limit: at most
// MaxBlockRequest blocks ending at end.
func safeStart(start, end uint32) uint32 {
	if end >= params.MaxBlockRequest-1 {
		if floor := end - params.MaxBlockRequest + 1; start < floor {
			return floor
		}
	}
	return start
}
