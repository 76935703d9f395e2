package node

import (
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corvidnetwork/go-corvid/p2p"
)

// freeAddr reserves a listening port on the loopback interface.
func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

// newTestNode builds and starts an in-memory node on a loopback port.
func newTestNode(t *testing.T) (*Node, string) {
	t.Helper()
	addr := freeAddr(t)
	_, port, err := net.SplitHostPort(addr)
	require.NoError(t, err)

	cfg := DefaultConfig
	cfg.DataDir = ""
	cfg.ListenAddr = fmt.Sprintf("127.0.0.1:%s", port)
	cfg.ExternalIP = "127.0.0.1"
	cfg.RPCEnabled = false

	n, err := New(&cfg)
	require.NoError(t, err)
	require.NoError(t, n.Start())
	t.Cleanup(n.Stop)
	return n, addr
}

func TestConfigSanitize(t *testing.T) {
	cfg := DefaultConfig
	require.NoError(t, cfg.Sanitize())

	cfg.Type = "oracle"
	assert.Error(t, cfg.Sanitize())

	cfg = DefaultConfig
	cfg.ListenAddr = "no-port"
	assert.Error(t, cfg.Sanitize())

	cfg = DefaultConfig
	cfg.RPCEnabled = true
	cfg.RPCAddr = ""
	assert.Error(t, cfg.Sanitize())
}

func TestConfigExternalAddr(t *testing.T) {
	cfg := DefaultConfig
	cfg.ListenAddr = "0.0.0.0:4132"
	cfg.ExternalIP = "203.0.113.7"

	addr, err := cfg.ExternalAddr()
	require.NoError(t, err)
	assert.Equal(t, "203.0.113.7:4132", addr)
}

func TestNodeStartStop(t *testing.T) {
	n, _ := newTestNode(t)
	assert.Empty(t, n.Peers().Connections())
}

func TestTwoNodesConnectAndSync(t *testing.T) {
	nodeA, addrA := newTestNode(t)
	nodeB, addrB := newTestNode(t)

	// Give node A a head start of three blocks.
	for i := 0; i < 3; i++ {
		block, err := nodeA.Ledger().State().MineNextBlock(common.HexToHash("0xa1"), nil)
		require.NoError(t, err)
		require.NoError(t, nodeA.Ledger().State().AddNextBlock(block))
	}

	// Ask node B to dial node A.
	nodeB.Peers().Router() <- p2p.ConnectRequest{Addr: addrA}

	// The handshake registers both sides under their listener addresses.
	assert.Eventually(t, func() bool {
		return contains(nodeA.Peers().Connections(), addrB) &&
			contains(nodeB.Peers().Connections(), addrA)
	}, 5*time.Second, 50*time.Millisecond, "nodes failed to connect")

	// The ping sequence drives node B to request and apply the gap.
	assert.Eventually(t, func() bool {
		return nodeB.Ledger().State().LatestBlockHeight() == 3
	}, 5*time.Second, 50*time.Millisecond, "node B failed to sync")

	assert.Equal(t,
		nodeA.Ledger().State().LatestLedgerRoot(),
		nodeB.Ledger().State().LatestLedgerRoot())
}

func contains(addrs []string, addr string) bool {
	for _, a := range addrs {
		if a == addr {
			return true
		}
	}
	return false
}
