package dht

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestNode(t *testing.T) (*DHTNode, context.Context) {
	t.Helper()
	id, err := GenerateNodeID()
	require.NoError(t, err)
	node, err := NewDHTNode(id, zap.NewNop().Sugar())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- node.ListenAndServe(ctx) }()

	for i := 0; i < 100 && node.Port() == 0; i++ {
		time.Sleep(10 * time.Millisecond)
	}
	require.NotZero(t, node.Port())

	t.Cleanup(func() {
		cancel()
		node.Close()
		<-errCh
	})
	return node, ctx
}

func TestPingBetweenTwoNodes(t *testing.T) {
	a, ctx := newTestNode(t)
	b, _ := newTestNode(t)

	addr := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: b.Port()}
	err := a.Ping(ctx, addr)
	require.NoError(t, err)
	assert.Equal(t, 1, a.RoutingTable().Size())
}

func TestGetPeersReturnsAnnouncedPeer(t *testing.T) {
	a, ctx := newTestNode(t)
	b, _ := newTestNode(t)

	addrB := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: b.Port()}
	require.NoError(t, a.Ping(ctx, addrB))

	infoHash := [20]byte{9, 9, 9}
	b.storage.Announce(infoHash, &net.UDPAddr{IP: net.ParseIP("203.0.113.5"), Port: 4000})

	result, err := a.GetPeers(ctx, infoHash, false, 0)
	require.NoError(t, err)
	require.Len(t, result.Peers, 1)
	assert.Equal(t, "203.0.113.5:4000", result.Peers[0].String())
}

func TestAnnouncePeerRequiresValidToken(t *testing.T) {
	a, ctx := newTestNode(t)
	b, _ := newTestNode(t)

	addrB := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: b.Port()}
	resp, err := a.query(ctx, addrB, MethodAnnounce, func(txID string) []byte {
		return EncodeAnnouncePeer(txID, a.id, [20]byte{1}, 6881, "bogus-token", false)
	})
	require.NoError(t, err)
	assert.Equal(t, TypeError, resp.Type)
}

func TestFindNodeDiscoversThirdNode(t *testing.T) {
	a, ctx := newTestNode(t)
	b, _ := newTestNode(t)
	c, _ := newTestNode(t)

	addrB := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: b.Port()}
	addrC := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: c.Port()}
	require.NoError(t, a.Ping(ctx, addrB))
	require.NoError(t, b.Ping(ctx, addrC))

	nodes, err := a.FindNode(ctx, c.ID())
	require.NoError(t, err)

	var found bool
	for _, n := range nodes {
		if n.ID == c.ID() {
			found = true
		}
	}
	assert.True(t, found)
}

func TestBootstrapPopulatesRoutingTableViaFindNode(t *testing.T) {
	a, ctx := newTestNode(t)
	b, _ := newTestNode(t)
	c, _ := newTestNode(t)

	addrB := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: b.Port()}
	addrC := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: c.Port()}
	require.NoError(t, b.Ping(ctx, addrC))

	a.Bootstrap(ctx, []string{addrB.String()})

	var sawC bool
	for i := 0; i < 100; i++ {
		for _, n := range a.RoutingTable().ClosestNodes(c.ID(), K) {
			if n.ID == c.ID() {
				sawC = true
			}
		}
		if sawC {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	assert.True(t, sawC, "bootstrap via find_node should learn about b's peer c, not just b")
}

func TestDHTNodeClosePersistsRoutingTableAcrossRestart(t *testing.T) {
	statePath := filepath.Join(t.TempDir(), "routing.json")

	a, ctx := newTestNode(t)
	b, _ := newTestNode(t)
	a.UseStateFile(statePath)

	addrB := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: b.Port()}
	require.NoError(t, a.Ping(ctx, addrB))
	require.Equal(t, 1, a.RoutingTable().Size())

	require.NoError(t, a.Close())

	restarted, err := NewDHTNode(a.ID(), zap.NewNop().Sugar())
	require.NoError(t, err)
	restarted.UseStateFile(statePath)

	restartCtx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- restarted.ListenAndServe(restartCtx) }()
	for i := 0; i < 100 && restarted.Port() == 0; i++ {
		time.Sleep(10 * time.Millisecond)
	}
	require.NotZero(t, restarted.Port())
	t.Cleanup(func() {
		cancel()
		restarted.Close()
		<-errCh
	})

	assert.Equal(t, 1, restarted.RoutingTable().Size())
	closest := restarted.RoutingTable().ClosestNodes(b.ID(), K)
	require.Len(t, closest, 1)
	assert.Equal(t, b.ID(), closest[0].ID)
}
