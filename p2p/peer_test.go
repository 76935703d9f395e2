package p2p

import (
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corvidnetwork/go-corvid/core/types"
	"github.com/corvidnetwork/go-corvid/params"
)

// newTestPeer builds a handshaken peer whose dispatch can be driven
// directly.
func newTestPeer(addr string) *peer {
	return &peer{
		addr:       addr,
		nonce:      1,
		version:    params.MessageVersion,
		lastSeen:   time.Now(),
		seenBlocks: make(map[common.Hash]time.Time),
		seenTxs:    make(map[common.Hash]time.Time),
		log:        log.New("peer", addr),
	}
}

// encodeMsg builds an inbound frame the way the codec would deliver it.
func encodeMsg(t *testing.T, code uint64, data interface{}) Msg {
	t.Helper()
	payload, err := rlp.EncodeToBytes(data)
	require.NoError(t, err)
	return Msg{Code: code, Payload: payload}
}

// gossipBlock builds a distinct unconfirmed block message.
func gossipBlock(t *testing.T, nonce uint64) Msg {
	t.Helper()
	txs := types.Transactions{{
		Transitions: []*types.Transition{{
			Commitments:   []common.Hash{common.BytesToHash([]byte{byte(nonce), 1})},
			CiphertextIDs: []common.Hash{common.BytesToHash([]byte{byte(nonce), 2})},
			Ciphertexts:   [][]byte{{byte(nonce)}},
		}},
	}}
	block := types.NewBlock(common.HexToHash("0x01"), &types.BlockHeader{
		TransactionsRoot: txs.Root(),
		Height:           1,
		Timestamp:        1615249260,
		DifficultyTarget: 1 << 62,
		Nonce:            nonce,
	}, txs)
	return encodeMsg(t, UnconfirmedBlockMsg, &UnconfirmedBlock{Block: block})
}

func TestUnconfirmedBlockSpamRestrictsPeer(t *testing.T) {
	ps, ledger := newTestPeers(t)
	p := newTestPeer("10.0.0.1:4132")

	// The first five distinct blocks inside the window pass through.
	for nonce := uint64(0); nonce < params.SpamBlockLimit; nonce++ {
		require.NoError(t, p.handle(gossipBlock(t, nonce), ps))
	}
	assert.Len(t, ledger, params.SpamBlockLimit)

	// The sixth trips the abuse check: the connection is torn down and the
	// address lands in the restricted set with a fresh timestamp.
	err := p.handle(gossipBlock(t, 6), ps)
	require.Error(t, err)

	req := <-ps.requests
	restricted, ok := req.(PeerRestrictedRequest)
	require.True(t, ok, "expected a restriction request, got %T", req)
	assert.Equal(t, "10.0.0.1:4132", restricted.Addr)

	ps.handle(req)
	assert.True(t, ps.isRestricted("10.0.0.1:4132"))
	assert.WithinDuration(t, time.Now(), ps.restricted["10.0.0.1:4132"], time.Second)
}

func TestInboundGossipDedup(t *testing.T) {
	ps, ledger := newTestPeers(t)
	p := newTestPeer("10.0.0.1:4132")

	msg := gossipBlock(t, 1)
	require.NoError(t, p.handle(msg, ps))
	require.NoError(t, p.handle(msg, ps))

	// Only the first copy inside the silence window reaches the ledger.
	assert.Len(t, ledger, 1)

	// Expiring the window lets the same block through again.
	for hash := range p.seenBlocks {
		p.seenBlocks[hash] = time.Now().Add(-params.RadioSilence - time.Second)
	}
	require.NoError(t, p.handle(msg, ps))
	assert.Len(t, ledger, 2)
}

func TestUnconfirmedTransactionDedup(t *testing.T) {
	ps, ledger := newTestPeers(t)
	p := newTestPeer("10.0.0.1:4132")

	tx := &types.Transaction{Transitions: []*types.Transition{{
		Commitments:   []common.Hash{common.HexToHash("0x0a")},
		CiphertextIDs: []common.Hash{common.HexToHash("0x0b")},
		Ciphertexts:   [][]byte{{0x0c}},
	}}}
	msg := encodeMsg(t, UnconfirmedTransactionMsg, &UnconfirmedTransaction{Tx: tx})

	require.NoError(t, p.handle(msg, ps))
	require.NoError(t, p.handle(msg, ps))
	assert.Len(t, ledger, 1)
}

func TestPingDispatch(t *testing.T) {
	ps, ledger := newTestPeers(t)
	p := newTestPeer("10.0.0.1:4132")

	msg := encodeMsg(t, PingMsg, &Ping{
		Version:     params.MessageVersion + 1,
		BlockHeight: 5,
		BlockHash:   common.HexToHash("0x05"),
	})
	require.NoError(t, p.handle(msg, ps))
	assert.Equal(t, params.MessageVersion+1, p.version)

	req := <-ledger
	ping, ok := req.(LedgerPing)
	require.True(t, ok)
	assert.Equal(t, uint32(5), ping.BlockHeight)

	// An outdated version tears the connection down.
	outdated := encodeMsg(t, PingMsg, &Ping{Version: params.MessageVersion - 1})
	assert.ErrorIs(t, p.handle(outdated, ps), errOutdatedVersion)
}

func TestProtocolViolations(t *testing.T) {
	ps, _ := newTestPeers(t)
	p := newTestPeer("10.0.0.1:4132")

	// Challenge messages after the handshake are violations.
	challenge := encodeMsg(t, ChallengeRequestMsg, &ChallengeRequest{Version: params.MessageVersion})
	assert.ErrorIs(t, p.handle(challenge, ps), errProtocolViolated)

	// Unknown variants disconnect immediately.
	unused := Msg{Code: 99, Payload: []byte{0xc0}}
	assert.ErrorIs(t, p.handle(unused, ps), errProtocolViolated)

	// A disconnect request breaks the loop.
	assert.Error(t, p.handle(encodeMsg(t, DisconnectMsg, emptyPayload{}), ps))
}

func TestBlockRequestDispatch(t *testing.T) {
	ps, ledger := newTestPeers(t)
	p := newTestPeer("10.0.0.1:4132")

	msg := encodeMsg(t, BlockRequestMsg, &BlockRequest{StartHeight: 1, EndHeight: 9})
	require.NoError(t, p.handle(msg, ps))

	req := <-ledger
	blockReq, ok := req.(LedgerBlockRequest)
	require.True(t, ok)
	assert.Equal(t, uint32(1), blockReq.StartHeight)
	assert.Equal(t, uint32(9), blockReq.EndHeight)
}

func TestPeerExchangeDispatch(t *testing.T) {
	ps, _ := newTestPeers(t)
	p := newTestPeer("10.0.0.1:4132")

	require.NoError(t, p.handle(encodeMsg(t, PeerRequestMsg, emptyPayload{}), ps))
	req := <-ps.requests
	send, ok := req.(SendPeerResponseRequest)
	require.True(t, ok)
	assert.Equal(t, "10.0.0.1:4132", send.Addr)

	addrs := []string{"10.0.0.2:4132", "10.0.0.3:4132"}
	require.NoError(t, p.handle(encodeMsg(t, PeerResponseMsg, &PeerResponse{Addresses: addrs}), ps))
	req = <-ps.requests
	receive, ok := req.(ReceivePeerResponseRequest)
	require.True(t, ok)
	assert.Equal(t, addrs, receive.Addrs)
}
