package p2p

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corvidnetwork/go-corvid/core"
	"github.com/corvidnetwork/go-corvid/params"
)

// newTestPeers builds an unstarted manager; tests drive handle directly so
// every mutation is synchronous.
func newTestPeers(t *testing.T) (*Peers, chan LedgerRequest) {
	t.Helper()
	ledger := make(chan LedgerRequest, 64)
	return NewPeers("127.0.0.1:4132", params.NodeClient, ledger), ledger
}

// register wires a fake connected peer into the registry.
func register(ps *Peers, addr string, nonce uint64) chan Message {
	outbound := make(chan Message, params.OutboundQueueSize)
	ps.handle(PeerConnectedRequest{Addr: addr, Nonce: nonce, Outbound: outbound})
	return outbound
}

func TestConnectedAndCandidatesStayDisjoint(t *testing.T) {
	ps, _ := newTestPeers(t)

	ps.handle(ReceivePeerResponseRequest{Addrs: []string{"10.0.0.1:4132", "10.0.0.2:4132"}})
	assert.Equal(t, 2, ps.candidates.Cardinality())

	register(ps, "10.0.0.1:4132", 1)
	assert.False(t, ps.candidates.Contains("10.0.0.1:4132"), "connected peer still a candidate")
	assert.True(t, ps.isConnected("10.0.0.1:4132"))

	ps.handle(PeerDisconnectedRequest{Addr: "10.0.0.1:4132"})
	assert.False(t, ps.isConnected("10.0.0.1:4132"))
	assert.True(t, ps.candidates.Contains("10.0.0.1:4132"), "disconnected peer not demoted to candidate")
}

func TestCandidateListRejectedWholesale(t *testing.T) {
	ps, _ := newTestPeers(t)

	// A list that would push the set past the threshold is rejected whole.
	flood := make([]string, params.MaxCandidatePeers+1)
	for i := range flood {
		flood[i] = "10.0.0.1:1"
	}
	ps.handle(ReceivePeerResponseRequest{Addrs: flood})
	assert.Equal(t, 0, ps.candidates.Cardinality())

	// Self, connected and duplicate addresses are skipped individually.
	register(ps, "10.0.0.9:4132", 9)
	ps.handle(ReceivePeerResponseRequest{Addrs: []string{
		"127.0.0.1:4132", // self
		"10.0.0.9:4132",  // connected
		"10.0.0.3:4132",
		"10.0.0.3:4132", // duplicate
	}})
	assert.Equal(t, 1, ps.candidates.Cardinality())
}

func TestRestrictionWindow(t *testing.T) {
	ps, _ := newTestPeers(t)

	ps.handle(PeerRestrictedRequest{Addr: "10.0.0.5:4132"})
	assert.True(t, ps.isRestricted("10.0.0.5:4132"))
	assert.Contains(t, ps.restrictedAddrs(), "10.0.0.5:4132")

	// An expired restriction no longer applies.
	ps.restricted["10.0.0.5:4132"] = time.Now().Add(-params.RadioSilence - time.Second)
	assert.False(t, ps.isRestricted("10.0.0.5:4132"))
}

func TestGossipDedupPerPeer(t *testing.T) {
	ps, _ := newTestPeers(t)
	outbound := register(ps, "10.0.0.1:4132", 1)

	block := core.GenesisBlock()
	msg := NewMessage(UnconfirmedBlockMsg, &UnconfirmedBlock{Block: block})

	ps.handle(MessageSendRequest{Addr: "10.0.0.1:4132", Message: msg})
	ps.handle(MessageSendRequest{Addr: "10.0.0.1:4132", Message: msg})
	assert.Len(t, outbound, 1, "duplicate block sent within the silence window")

	// A different peer has its own window.
	other := register(ps, "10.0.0.2:4132", 2)
	ps.handle(MessageSendRequest{Addr: "10.0.0.2:4132", Message: msg})
	assert.Len(t, other, 1)

	// After the window expires, the same item may be sent again.
	ps.seenOutboundBlocks["10.0.0.1:4132"][block.Hash()] = time.Now().Add(-params.RadioSilence - time.Second)
	ps.handle(MessageSendRequest{Addr: "10.0.0.1:4132", Message: msg})
	assert.Len(t, outbound, 2)

	// Disconnecting clears the dedup state.
	ps.handle(PeerDisconnectedRequest{Addr: "10.0.0.1:4132"})
	assert.NotContains(t, ps.seenOutboundBlocks, "10.0.0.1:4132")
}

func TestPropagateExcludesSender(t *testing.T) {
	ps, _ := newTestPeers(t)
	sender := register(ps, "10.0.0.1:4132", 1)
	other := register(ps, "10.0.0.2:4132", 2)

	ps.handle(MessagePropagateRequest{
		Sender:  "10.0.0.1:4132",
		Message: NewMessage(PingMsg, &Ping{Version: params.MessageVersion}),
	})
	assert.Len(t, sender, 0, "message echoed back to its sender")
	assert.Len(t, other, 1)
}

func TestHeartbeatDisconnectsExcessPeers(t *testing.T) {
	ps, _ := newTestPeers(t)

	// Fill past the maximum, including one allowlisted sync node.
	syncNode := params.SyncNodes[0]
	register(ps, syncNode, 1000)
	outbounds := make(map[string]chan Message)
	for i := 0; i < params.MaxPeers+2; i++ {
		addr := testAddr(i)
		outbounds[addr] = register(ps, addr, uint64(i))
	}
	ps.handle(HeartbeatRequest{})

	disconnects := 0
	for _, outbound := range outbounds {
		select {
		case msg := <-outbound:
			require.Equal(t, DisconnectMsg, msg.Code)
			disconnects++
		default:
		}
	}
	assert.Equal(t, len(ps.connected)-params.MaxPeers, disconnects)

	// The allowlisted node was spared.
	sync := ps.connected[syncNode]
	require.NotNil(t, sync)
	assert.Len(t, sync.outbound, 0, "allowlisted sync node was disconnected")
}

func TestHeartbeatRequestsPeersWhenBelowMinimum(t *testing.T) {
	ps, _ := newTestPeers(t)
	outbound := register(ps, "10.0.0.1:4132", 1)

	// Mark every bootnode as recently dialed so the heartbeat does not
	// attempt real connections from the test.
	for _, addr := range append(append([]string{}, params.SyncNodes...), params.PeerNodes...) {
		ps.seenOutbound[addr] = time.Now()
	}
	ps.handle(HeartbeatRequest{})

	// Bootnodes are folded into the candidate set and the connected peer is
	// asked for more addresses.
	for _, addr := range params.PeerNodes {
		assert.True(t, ps.candidates.Contains(addr), "peer node %s not a candidate", addr)
	}
	require.Len(t, outbound, 1)
	msg := <-outbound
	assert.Equal(t, PeerRequestMsg, msg.Code)
}

func TestSelfDetection(t *testing.T) {
	ps, _ := newTestPeers(t)

	assert.True(t, ps.isSelf("127.0.0.1:4132"))
	assert.True(t, ps.isSelf("0.0.0.0:4132"))
	assert.False(t, ps.isSelf("127.0.0.1:4133"))
	assert.False(t, ps.isSelf("10.0.0.1:4132"))
}

func TestConnectionsLinearizedQuery(t *testing.T) {
	ps, _ := newTestPeers(t)
	ps.Start()
	defer ps.Stop()

	outbound := make(chan Message, 1)
	ps.requests <- PeerConnectedRequest{Addr: "10.0.0.1:4132", Nonce: 7, Outbound: outbound}

	assert.Eventually(t, func() bool {
		addrs := ps.Connections()
		return len(addrs) == 1 && addrs[0] == "10.0.0.1:4132"
	}, time.Second, 10*time.Millisecond)
}

func testAddr(i int) string {
	return "10.0.1." + string(rune('0'+i/10)) + string(rune('0'+i%10)) + ":4132"
}
