package dht

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoutingTableInsertAndRemove(t *testing.T) {
	self, err := GenerateNodeID()
	require.NoError(t, err)
	rt := NewRoutingTable(self)

	var id NodeID
	id[0] = self[0] ^ 0x80
	node := &NodeInfo{ID: id, Addr: &net.UDPAddr{IP: net.IPv4(192, 168, 1, 1), Port: 6881}}

	assert.Equal(t, Accepted, rt.Insert(node))
	assert.Equal(t, 1, rt.Size())

	rt.Remove(id)
	assert.Equal(t, 0, rt.Size())
}

func TestRoutingTableRejectsSelf(t *testing.T) {
	self, err := GenerateNodeID()
	require.NoError(t, err)
	rt := NewRoutingTable(self)
	assert.Equal(t, Rejected, rt.Insert(&NodeInfo{ID: self, Addr: &net.UDPAddr{}}))
}

func TestRoutingTableRefreshesExistingNode(t *testing.T) {
	self, err := GenerateNodeID()
	require.NoError(t, err)
	rt := NewRoutingTable(self)

	var id NodeID
	id[0] = self[0] ^ 0x80
	addr1 := &net.UDPAddr{IP: net.IPv4(192, 168, 1, 1), Port: 6881}
	addr2 := &net.UDPAddr{IP: net.IPv4(192, 168, 1, 2), Port: 6882}

	require.Equal(t, Accepted, rt.Insert(&NodeInfo{ID: id, Addr: addr1}))
	require.Equal(t, Accepted, rt.Insert(&NodeInfo{ID: id, Addr: addr2}))
	assert.Equal(t, 1, rt.Size())

	nodes := rt.AllNodes()
	require.Len(t, nodes, 1)
	assert.Equal(t, addr2.String(), nodes[0].Addr.String())
}

func TestRoutingTableFullBucketRejects(t *testing.T) {
	self, err := GenerateNodeID()
	require.NoError(t, err)
	rt := NewRoutingTable(self)

	for i := 0; i < K; i++ {
		var id NodeID
		id[0] = self[0] ^ 0x80
		id[19] = byte(i + 1)
		assert.Equal(t, Accepted, rt.Insert(&NodeInfo{ID: id, Addr: &net.UDPAddr{Port: 6881}}))
	}

	var overflow NodeID
	overflow[0] = self[0] ^ 0x80
	overflow[19] = byte(K + 1)
	assert.Equal(t, Rejected, rt.Insert(&NodeInfo{ID: overflow, Addr: &net.UDPAddr{Port: 6881}}))
	assert.Equal(t, K, rt.Size())
}

func TestRoutingTableRemoveStaleNodesEmptiesTable(t *testing.T) {
	self, err := GenerateNodeID()
	require.NoError(t, err)
	rt := NewRoutingTable(self)

	for i := 0; i < 5; i++ {
		var id NodeID
		id[0] = self[0] ^ 0x80
		id[19] = byte(i + 1)
		rt.Insert(&NodeInfo{ID: id, Addr: &net.UDPAddr{Port: 6881}, LastSeen: time.Now()})
	}
	require.Equal(t, 5, rt.Size())

	rt.RemoveStaleNodes(0)
	assert.Equal(t, 0, rt.Size())
}

func TestRoutingTableRemoveStaleNodesKeepsFreshNodes(t *testing.T) {
	self, err := GenerateNodeID()
	require.NoError(t, err)
	rt := NewRoutingTable(self)

	var stale, fresh NodeID
	stale[0] = self[0] ^ 0x80
	stale[19] = 1
	fresh[0] = self[0] ^ 0x80
	fresh[19] = 2

	rt.Insert(&NodeInfo{ID: stale, Addr: &net.UDPAddr{Port: 6881}, LastSeen: time.Now().Add(-time.Hour)})
	rt.Insert(&NodeInfo{ID: fresh, Addr: &net.UDPAddr{Port: 6882}, LastSeen: time.Now()})

	rt.RemoveStaleNodes(time.Minute)

	nodes := rt.AllNodes()
	require.Len(t, nodes, 1)
	assert.Equal(t, fresh, nodes[0].ID)
}

func TestRoutingTableClosestNodesSortedByDistance(t *testing.T) {
	self, err := GenerateNodeID()
	require.NoError(t, err)
	rt := NewRoutingTable(self)

	for i := 0; i < 20; i++ {
		var id NodeID
		id[0] = byte(i)
		id[19] = byte(i)
		rt.Insert(&NodeInfo{ID: id, Addr: &net.UDPAddr{IP: net.IPv4(10, 0, 0, byte(i+1)), Port: 6881}})
	}

	var target NodeID
	target[0] = 5
	closest := rt.ClosestNodes(target, 8)
	require.Len(t, closest, 8)
	for i := 1; i < len(closest); i++ {
		assert.False(t, Less(closest[i].ID, closest[i-1].ID, target))
	}
}
