package p2p

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corvidnetwork/go-corvid/core"
	"github.com/corvidnetwork/go-corvid/core/types"
	"github.com/corvidnetwork/go-corvid/params"
)

// handshakeResult carries one side's handshake outcome.
type handshakeResult struct {
	peer *peer
	err  error
}

// newListeningPeers builds a manager with a real listener so counterparties
// can verify its advertised port.
func newListeningPeers(t *testing.T) (*Peers, net.Listener) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	return NewPeers(ln.Addr().String(), params.NodeClient, make(chan LedgerRequest, 16)), ln
}

// acceptProbes answers reachability probes against the listener.
func acceptProbes(ln net.Listener) {
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()
}

func TestHandshakeSuccess(t *testing.T) {
	psA, lnA := newListeningPeers(t)
	psB, lnB := newListeningPeers(t)
	acceptProbes(lnA)

	acceptResult := make(chan handshakeResult, 1)
	go func() {
		conn, err := lnB.Accept()
		if err != nil {
			acceptResult <- handshakeResult{err: err}
			return
		}
		p, err := psB.handshake(NewCodec(conn), nil)
		acceptResult <- handshakeResult{peer: p, err: err}
	}()

	conn, err := net.Dial("tcp", lnB.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	pA, err := psA.handshake(NewCodec(conn), nil)
	require.NoError(t, err, "dialer handshake failed")

	result := <-acceptResult
	require.NoError(t, result.err, "acceptor handshake failed")

	// Both sides identify the counterparty by its listener address, not the
	// ephemeral connection address.
	assert.Equal(t, lnB.Addr().String(), pA.addr)
	assert.Equal(t, lnA.Addr().String(), result.peer.addr)
	assert.Equal(t, psA.localNonce, result.peer.nonce)
	assert.Equal(t, psB.localNonce, pA.nonce)
}

func TestHandshakeRejectsSelfNonce(t *testing.T) {
	psA, lnA := newListeningPeers(t)
	psB, lnB := newListeningPeers(t)
	acceptProbes(lnA)

	// Forge the counterparty into advertising our own session nonce.
	psB.localNonce = psA.localNonce

	acceptErr := make(chan error, 1)
	go func() {
		conn, err := lnB.Accept()
		if err != nil {
			acceptErr <- err
			return
		}
		_, err = psB.handshake(NewCodec(conn), nil)
		acceptErr <- err
	}()

	conn, err := net.Dial("tcp", lnB.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	_, err = psA.handshake(NewCodec(conn), nil)
	assert.ErrorIs(t, err, errSelfConnection)
	assert.Error(t, <-acceptErr)
}

func TestHandshakeRejectsDuplicateNonce(t *testing.T) {
	psA, lnA := newListeningPeers(t)
	psB, lnB := newListeningPeers(t)
	acceptProbes(lnA)

	acceptErr := make(chan error, 1)
	go func() {
		conn, err := lnB.Accept()
		if err != nil {
			acceptErr <- err
			return
		}
		// The acceptor already has a peer connected under the dialer's nonce.
		_, err = psB.handshake(NewCodec(conn), []uint64{psA.localNonce})
		acceptErr <- err
	}()

	conn, err := net.Dial("tcp", lnB.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	psA.handshake(NewCodec(conn), nil)
	assert.ErrorIs(t, <-acceptErr, errDuplicateNonce)
}

func TestHandshakeRejectsOutdatedVersion(t *testing.T) {
	psB, lnB := newListeningPeers(t)

	acceptErr := make(chan error, 1)
	go func() {
		conn, err := lnB.Accept()
		if err != nil {
			acceptErr <- err
			return
		}
		_, err = psB.handshake(NewCodec(conn), nil)
		acceptErr <- err
	}()

	conn, err := net.Dial("tcp", lnB.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	// Drive the wire by hand with an outdated challenge.
	codec := NewCodec(conn)
	local, _ := splitAddr(conn.LocalAddr().String())
	require.NoError(t, Send(codec, ChallengeRequestMsg, &ChallengeRequest{
		Version:      params.MessageVersion - 1,
		ListenerPort: local.port,
		Nonce:        42,
		BlockHeight:  params.ChallengeHeight,
	}))
	assert.ErrorIs(t, <-acceptErr, errOutdatedVersion)
}

func TestHandshakeRejectsWrongGenesis(t *testing.T) {
	psB, lnB := newListeningPeers(t)

	acceptErr := make(chan error, 1)
	go func() {
		conn, err := lnB.Accept()
		if err != nil {
			acceptErr <- err
			return
		}
		_, err = psB.handshake(NewCodec(conn), nil)
		acceptErr <- err
	}()

	conn, err := net.Dial("tcp", lnB.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	codec := NewCodec(conn)
	local, _ := splitAddr(conn.LocalAddr().String())
	require.NoError(t, Send(codec, ChallengeRequestMsg, &ChallengeRequest{
		Version:      params.MessageVersion,
		ListenerPort: local.port,
		Nonce:        42,
		BlockHeight:  params.ChallengeHeight,
	}))
	// Consume the acceptor's challenge and answer with a forged header.
	msg, err := codec.ReadMsg()
	require.NoError(t, err)
	require.Equal(t, ChallengeRequestMsg, msg.Code)

	genesis := core.GenesisBlock().Header
	forged := &types.BlockHeader{
		TransactionsRoot: genesis.TransactionsRoot,
		Height:           genesis.Height,
		Timestamp:        genesis.Timestamp,
		DifficultyTarget: genesis.DifficultyTarget,
		Nonce:            genesis.Nonce + 1,
	}
	msg, err = codec.ReadMsg()
	require.NoError(t, err)
	require.Equal(t, ChallengeResponseMsg, msg.Code)
	require.NoError(t, Send(codec, ChallengeResponseMsg, &ChallengeResponse{Header: forged}))

	assert.ErrorIs(t, <-acceptErr, errChallengeFailed)
}
