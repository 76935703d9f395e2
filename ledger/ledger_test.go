package ledger

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corvidnetwork/go-corvid/core"
	"github.com/corvidnetwork/go-corvid/core/types"
	"github.com/corvidnetwork/go-corvid/cvdb/memorydb"
	"github.com/corvidnetwork/go-corvid/p2p"
	"github.com/corvidnetwork/go-corvid/params"
)

// newTestLedger builds an unstarted ledger loop; tests drive handle
// directly and observe the peers queue.
func newTestLedger(t *testing.T) (*Ledger, chan p2p.PeersRequest) {
	t.Helper()
	state, err := core.Open(memorydb.New())
	require.NoError(t, err)

	peers := make(chan p2p.PeersRequest, 64)
	l := New(state)
	l.SetPeers(peers)
	return l, peers
}

// mineOn extends the ledger by one block and returns it.
func mineOn(t *testing.T, l *Ledger) *types.Block {
	t.Helper()
	block, err := l.state.MineNextBlock(common.HexToHash("0xa1"), nil)
	require.NoError(t, err)
	require.NoError(t, l.state.AddNextBlock(block))
	return block
}

// nextSend pops a MessageSendRequest off the peers queue.
func nextSend(t *testing.T, peers chan p2p.PeersRequest) p2p.MessageSendRequest {
	t.Helper()
	select {
	case req := <-peers:
		send, ok := req.(p2p.MessageSendRequest)
		require.True(t, ok, "expected a send request, got %T", req)
		return send
	default:
		t.Fatal("no request queued")
		return p2p.MessageSendRequest{}
	}
}

func TestSendPingAdvertisesTip(t *testing.T) {
	l, peers := newTestLedger(t)
	block := mineOn(t, l)

	l.handle(p2p.LedgerSendPing{Peer: "10.0.0.1:4132"})

	send := nextSend(t, peers)
	assert.Equal(t, "10.0.0.1:4132", send.Addr)
	require.Equal(t, p2p.PingMsg, send.Message.Code)
	ping := send.Message.Data.(*p2p.Ping)
	assert.Equal(t, params.MessageVersion, ping.Version)
	assert.Equal(t, uint32(1), ping.BlockHeight)
	assert.Equal(t, block.Hash(), ping.BlockHash)
}

func TestPingAnsweredWithPongAndLocators(t *testing.T) {
	l, peers := newTestLedger(t)
	mineOn(t, l)

	// A peer claiming our own tip is on the same chain.
	l.handle(p2p.LedgerPing{
		Peer:        "10.0.0.1:4132",
		Version:     params.MessageVersion,
		BlockHeight: 1,
		BlockHash:   l.state.LatestBlockHash(),
	})
	send := nextSend(t, peers)
	require.Equal(t, p2p.PongMsg, send.Message.Code)
	pong := send.Message.Data.(*p2p.Pong)
	assert.Equal(t, p2p.ForkNone, pong.IsFork)
	assert.Equal(t, l.state.LatestBlockLocators(), pong.Locators)

	// A peer claiming a different hash at a shared height is forked.
	l.handle(p2p.LedgerPing{
		Peer:        "10.0.0.1:4132",
		Version:     params.MessageVersion,
		BlockHeight: 1,
		BlockHash:   common.HexToHash("0xdead"),
	})
	pong = nextSend(t, peers).Message.Data.(*p2p.Pong)
	assert.Equal(t, p2p.ForkDetected, pong.IsFork)

	// A claim beyond our range is undecidable.
	l.handle(p2p.LedgerPing{
		Peer:        "10.0.0.1:4132",
		Version:     params.MessageVersion,
		BlockHeight: 9,
		BlockHash:   common.HexToHash("0x09"),
	})
	pong = nextSend(t, peers).Message.Data.(*p2p.Pong)
	assert.Equal(t, p2p.ForkUnknown, pong.IsFork)
}

func TestPongFromAheadPeerRequestsBlocks(t *testing.T) {
	l, peers := newTestLedger(t)

	// Build the peer's longer chain locators on a second ledger sharing our
	// genesis.
	remote, err := core.Open(memorydb.New())
	require.NoError(t, err)
	var blocks []*types.Block
	for i := 0; i < 3; i++ {
		block, err := remote.MineNextBlock(common.HexToHash("0xb2"), nil)
		require.NoError(t, err)
		require.NoError(t, remote.AddNextBlock(block))
		blocks = append(blocks, block)
	}
	locators, err := remote.GetBlockLocators(3)
	require.NoError(t, err)

	l.handle(p2p.LedgerPong{Peer: "10.0.0.1:4132", IsFork: p2p.ForkNone, Locators: locators})

	send := nextSend(t, peers)
	require.Equal(t, p2p.BlockRequestMsg, send.Message.Code)
	blockReq := send.Message.Data.(*p2p.BlockRequest)
	assert.Equal(t, uint32(1), blockReq.StartHeight)
	assert.Equal(t, uint32(3), blockReq.EndHeight)

	// Serving the responses catches us up.
	for _, block := range blocks {
		l.handle(p2p.LedgerBlockResponse{Peer: "10.0.0.1:4132", Block: block})
	}
	assert.Equal(t, uint32(3), l.state.LatestBlockHeight())
}

func TestPongWithInvalidLocatorsDisconnectsPeer(t *testing.T) {
	l, peers := newTestLedger(t)

	locators := core.BlockLocators{0: {Hash: common.HexToHash("0xbad0")}}
	l.handle(p2p.LedgerPong{Peer: "10.0.0.1:4132", IsFork: p2p.ForkNone, Locators: locators})

	send := nextSend(t, peers)
	assert.Equal(t, p2p.DisconnectMsg, send.Message.Code)
	// A malformed claim is a protocol error, not abuse: no block request
	// follows and nothing else is queued.
	assert.Len(t, peers, 0)
}

func TestServeBlocksClipsRange(t *testing.T) {
	l, peers := newTestLedger(t)
	mineOn(t, l)
	mineOn(t, l)

	l.handle(p2p.LedgerBlockRequest{Peer: "10.0.0.1:4132", StartHeight: 0, EndHeight: 9})

	var served []uint32
	for len(peers) > 0 {
		send := nextSend(t, peers)
		require.Equal(t, p2p.BlockResponseMsg, send.Message.Code)
		served = append(served, send.Message.Data.(*p2p.BlockResponse).Block.Height())
	}
	// The range is clipped to the local tip; one response per block.
	assert.Equal(t, []uint32{0, 1, 2}, served)
}

func TestGossipedBlockIsAppliedAndPropagated(t *testing.T) {
	l, peers := newTestLedger(t)

	block, err := l.state.MineNextBlock(common.HexToHash("0xa1"), nil)
	require.NoError(t, err)

	l.handle(p2p.LedgerUnconfirmedBlock{Peer: "10.0.0.1:4132", Block: block})
	assert.Equal(t, uint32(1), l.state.LatestBlockHeight())

	req := <-peers
	prop, ok := req.(p2p.MessagePropagateRequest)
	require.True(t, ok, "expected a propagate request, got %T", req)
	assert.Equal(t, "10.0.0.1:4132", prop.Sender)
	assert.Equal(t, p2p.UnconfirmedBlockMsg, prop.Message.Code)

	// Replaying the same block neither mutates state nor re-propagates.
	l.handle(p2p.LedgerUnconfirmedBlock{Peer: "10.0.0.2:4132", Block: block})
	assert.Equal(t, uint32(1), l.state.LatestBlockHeight())
	assert.Len(t, peers, 0)
}

func TestGossipedTransactionEntersMempoolAndPropagates(t *testing.T) {
	l, peers := newTestLedger(t)

	tx := &types.Transaction{Transitions: []*types.Transition{{
		Commitments:   []common.Hash{common.HexToHash("0x0a")},
		CiphertextIDs: []common.Hash{common.HexToHash("0x0b")},
		Ciphertexts:   [][]byte{{0x0c}},
	}}}

	l.handle(p2p.LedgerUnconfirmedTransaction{Peer: p2p.LocalOrigin, Tx: tx})
	assert.Equal(t, 1, l.MemoryPoolSize())

	req := <-peers
	prop, ok := req.(p2p.MessagePropagateRequest)
	require.True(t, ok)
	assert.Equal(t, p2p.LocalOrigin, prop.Sender)
	assert.Equal(t, p2p.UnconfirmedTransactionMsg, prop.Message.Code)

	// Duplicates and invalid transactions are dropped.
	l.handle(p2p.LedgerUnconfirmedTransaction{Peer: p2p.LocalOrigin, Tx: tx})
	l.handle(p2p.LedgerUnconfirmedTransaction{Peer: p2p.LocalOrigin, Tx: &types.Transaction{}})
	assert.Equal(t, 1, l.MemoryPoolSize())
	assert.Len(t, peers, 0)
}

func TestConfirmedTransactionsLeaveMempool(t *testing.T) {
	l, _ := newTestLedger(t)

	block, err := l.state.MineNextBlock(common.HexToHash("0xa1"), nil)
	require.NoError(t, err)
	coinbase := block.Transactions[0]

	l.mempool[coinbase.ID()] = coinbase
	l.handle(p2p.LedgerUnconfirmedBlock{Peer: "10.0.0.1:4132", Block: block})

	assert.Equal(t, 0, l.MemoryPoolSize())
}

func TestDisconnectForwardsToManager(t *testing.T) {
	l, peers := newTestLedger(t)
	l.peerStates["10.0.0.1:4132"] = &peerState{blockHeight: 3}

	l.handle(p2p.LedgerDisconnect{Peer: "10.0.0.1:4132"})

	req := <-peers
	disc, ok := req.(p2p.PeerDisconnectedRequest)
	require.True(t, ok)
	assert.Equal(t, "10.0.0.1:4132", disc.Addr)
	assert.NotContains(t, l.peerStates, "10.0.0.1:4132")
}
