package dht

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBucketIndexEqualIDsIsZero(t *testing.T) {
	id, err := GenerateNodeID()
	require.NoError(t, err)
	assert.Equal(t, 0, BucketIndex(id, id))
}

func TestBucketIndexFlippedTopBitIs159(t *testing.T) {
	var self, other NodeID
	other[0] = 0x80
	assert.Equal(t, 159, BucketIndex(self, other))
}

func TestBucketIndexFlippedBottomBitIsZero(t *testing.T) {
	var self, other NodeID
	other[19] = 0x01
	assert.Equal(t, 0, BucketIndex(self, other))
}

func TestBucketIndexMidRangeBit(t *testing.T) {
	var self, other NodeID
	// flip bit 0x40 (second-highest) of the first byte: highest set bit
	// of the distance is position 6 within that byte -> bucket 8*19+6=158
	other[0] = 0x40
	assert.Equal(t, 158, BucketIndex(self, other))
}

func TestLessOrdersByXORDistance(t *testing.T) {
	var target, a, b NodeID
	a[0] = 0x01
	b[0] = 0x02
	assert.True(t, Less(a, b, target))
	assert.False(t, Less(b, a, target))
}

func TestCompactIPv4RoundTrip(t *testing.T) {
	node := &NodeInfo{
		ID:   NodeID{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16, 17, 18, 19, 20},
		Addr: &net.UDPAddr{IP: net.IPv4(192, 168, 1, 1), Port: 6881},
	}
	compact, err := node.CompactIPv4()
	require.NoError(t, err)
	require.Len(t, compact, 26)

	parsed, err := ParseCompactIPv4(compact)
	require.NoError(t, err)
	assert.Equal(t, node.ID, parsed.ID)
	assert.True(t, node.Addr.IP.Equal(parsed.Addr.IP))
	assert.Equal(t, node.Addr.Port, parsed.Addr.Port)
}

func TestCompactIPv4RejectsIPv6(t *testing.T) {
	node := &NodeInfo{Addr: &net.UDPAddr{IP: net.ParseIP("2001:db8::1"), Port: 6881}}
	_, err := node.CompactIPv4()
	assert.Error(t, err)
}

func TestParseCompactNodesRejectsBadLength(t *testing.T) {
	_, err := ParseCompactNodes(make([]byte, 10))
	assert.Error(t, err)
}

func TestCompactPeerRoundTrip(t *testing.T) {
	addr := &net.UDPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 6882}
	compact, err := CompactPeer(addr)
	require.NoError(t, err)
	require.Len(t, compact, 6)

	parsed, err := ParseCompactPeer(compact)
	require.NoError(t, err)
	assert.True(t, addr.IP.Equal(parsed.IP))
	assert.Equal(t, addr.Port, parsed.Port)
}
