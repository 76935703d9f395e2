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

// Package p2p implements the corvid wire protocol, the per-connection peer
// actors, and the process-wide peer manager.
package p2p

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"

	"github.com/corvidnetwork/go-corvid/core"
	"github.com/corvidnetwork/go-corvid/core/types"
	"github.com/corvidnetwork/go-corvid/params"
)

// Wire protocol message codes.
const (
	ChallengeRequestMsg uint64 = iota
	ChallengeResponseMsg
	DisconnectMsg
	PeerRequestMsg
	PeerResponseMsg
	PingMsg
	PongMsg
	BlockRequestMsg
	BlockResponseMsg
	UnconfirmedBlockMsg
	UnconfirmedTransactionMsg

	// firstUnusedMsg marks the start of the unassigned code space. Anything
	// at or above it is a protocol violation.
	firstUnusedMsg
)

var (
	errMsgTooLarge = errors.New("message too large")
	errFrameShort  = errors.New("message frame truncated")
)

// msgNames is indexed by message code.
var msgNames = [firstUnusedMsg]string{
	"ChallengeRequest", "ChallengeResponse", "Disconnect", "PeerRequest",
	"PeerResponse", "Ping", "Pong", "BlockRequest", "BlockResponse",
	"UnconfirmedBlock", "UnconfirmedTransaction",
}

// MessageName returns a printable name for a message code.
func MessageName(code uint64) string {
	if code < firstUnusedMsg {
		return msgNames[code]
	}
	return fmt.Sprintf("Unused(%d)", code)
}

// ForkStatus is the tri-state fork flag carried by Pong messages.
type ForkStatus uint8

const (
	ForkUnknown ForkStatus = iota
	ForkNone
	ForkDetected
)

// ChallengeRequest opens the handshake: the sender's protocol version,
// advertised listener port, session nonce, and challenge height.
type ChallengeRequest struct {
	Version      uint32
	ListenerPort uint16
	Nonce        uint64
	BlockHeight  uint32
}

// ChallengeResponse answers a challenge with the block header at the
// challenge height.
type ChallengeResponse struct {
	Header *types.BlockHeader
}

// Ping advertises the sender's protocol version and chain tip.
type Ping struct {
	Version     uint32
	BlockHeight uint32
	BlockHash   common.Hash
}

// Pong answers a Ping with the responder's fork view and block locators.
type Pong struct {
	IsFork   ForkStatus
	Locators core.BlockLocators
}

// PeerResponse shares the responder's connected peer addresses.
type PeerResponse struct {
	Addresses []string
}

// BlockRequest asks for the blocks in [StartHeight, EndHeight], inclusive.
type BlockRequest struct {
	StartHeight uint32
	EndHeight   uint32
}

// BlockResponse carries one requested block.
type BlockResponse struct {
	Block *types.Block
}

// UnconfirmedBlock gossips a block that is not yet confirmed locally.
type UnconfirmedBlock struct {
	Block *types.Block
}

// UnconfirmedTransaction gossips a mempool transaction.
type UnconfirmedTransaction struct {
	Tx *types.Transaction
}

// Message is an outbound message: a code and its payload value. It is what
// travels on the per-peer outbound queues.
type Message struct {
	Code uint64
	Data interface{}
}

// Name returns the printable name of the message.
func (m Message) Name() string {
	return MessageName(m.Code)
}

// Msg is a decoded inbound frame. The payload stays RLP-encoded until the
// dispatcher knows the expected shape.
type Msg struct {
	Code    uint64
	Payload rlp.RawValue
}

// Name returns the printable name of the message.
func (m Msg) Name() string {
	return MessageName(m.Code)
}

// Decode parses the payload into the given value.
func (m Msg) Decode(val interface{}) error {
	if err := rlp.DecodeBytes(m.Payload, val); err != nil {
		return fmt.Errorf("invalid %s payload: %v", m.Name(), err)
	}
	return nil
}

// frame is the wire form of every message.
type frame struct {
	Code    uint64
	Payload rlp.RawValue
}

// Codec reads and writes length-delimited message frames over a stream.
// Reads and writes may run concurrently with each other, but each side has
// a single caller: the peer's reader and writer loops.
type Codec struct {
	conn net.Conn
	r    *bufio.Reader
}

// NewCodec wraps a connection in a message codec.
func NewCodec(conn net.Conn) *Codec {
	return &Codec{conn: conn, r: bufio.NewReader(conn)}
}

// RemoteAddr returns the remote address of the underlying connection.
func (c *Codec) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// SetDeadline bounds both directions of the underlying connection.
func (c *Codec) SetDeadline(t time.Time) error {
	return c.conn.SetDeadline(t)
}

// ReadMsg reads one frame and splits it into code and payload. Any framing
// or decoding failure is terminal for the connection.
func (c *Codec) ReadMsg() (Msg, error) {
	var head [4]byte
	if _, err := io.ReadFull(c.r, head[:]); err != nil {
		return Msg{}, err
	}
	size := binary.BigEndian.Uint32(head[:])
	if size > params.MaxMessageSize {
		return Msg{}, errMsgTooLarge
	}
	body := make([]byte, size)
	if _, err := io.ReadFull(c.r, body); err != nil {
		if err == io.EOF {
			err = errFrameShort
		}
		return Msg{}, err
	}
	var f frame
	if err := rlp.DecodeBytes(body, &f); err != nil {
		return Msg{}, err
	}
	return Msg{Code: f.Code, Payload: f.Payload}, nil
}

// WriteMsg encodes and writes one frame.
func (c *Codec) WriteMsg(code uint64, data interface{}) error {
	payload, err := rlp.EncodeToBytes(data)
	if err != nil {
		return err
	}
	body, err := rlp.EncodeToBytes(&frame{Code: code, Payload: payload})
	if err != nil {
		return err
	}
	if len(body) > params.MaxMessageSize {
		return errMsgTooLarge
	}
	var head [4]byte
	binary.BigEndian.PutUint32(head[:], uint32(len(body)))
	if _, err := c.conn.Write(head[:]); err != nil {
		return err
	}
	_, err = c.conn.Write(body)
	return err
}

// Close tears down the underlying connection.
func (c *Codec) Close() error {
	return c.conn.Close()
}

// Send writes a message with the given code and payload to the codec.
func Send(c *Codec, code uint64, data interface{}) error {
	return c.WriteMsg(code, data)
}

// emptyPayload is used for messages without content.
type emptyPayload struct{}

// NewMessage builds an outbound message, substituting an encodable empty
// payload for nil data.
func NewMessage(code uint64, data interface{}) Message {
	if data == nil {
		data = emptyPayload{}
	}
	return Message{Code: code, Data: data}
}
