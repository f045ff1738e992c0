package tracker

import (
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCompactPeers(t *testing.T) {
	// two peers: 1.2.3.4:6881 and 5.6.7.8:6882
	data := []byte{1, 2, 3, 4, 0x1A, 0xE1, 5, 6, 7, 8, 0x1A, 0xE2}
	peers, err := parseCompactPeers(data)
	require.NoError(t, err)
	assert.Equal(t, []string{"1.2.3.4:6881", "5.6.7.8:6882"}, peers)
}

func TestParseCompactPeersRejectsBadLength(t *testing.T) {
	_, err := parseCompactPeers([]byte{1, 2, 3})
	assert.Error(t, err)
}

// fakeTracker answers exactly one connect and one announce request with
// valid BEP-15 responses, echoing the transaction id each time.
func fakeTracker(t *testing.T, conn *net.UDPConn) {
	t.Helper()
	buf := make([]byte, 2048)

	n, addr, err := conn.ReadFromUDP(buf)
	require.NoError(t, err)
	txID := binary.BigEndian.Uint32(buf[12:16])
	_ = n
	connResp := make([]byte, 16)
	binary.BigEndian.PutUint32(connResp[0:4], actionConnect)
	binary.BigEndian.PutUint32(connResp[4:8], txID)
	binary.BigEndian.PutUint64(connResp[8:16], 0xCAFEBABE)
	_, err = conn.WriteToUDP(connResp, addr)
	require.NoError(t, err)

	n, addr, err = conn.ReadFromUDP(buf)
	require.NoError(t, err)
	annTx := binary.BigEndian.Uint32(buf[12:16])
	annResp := make([]byte, 26)
	binary.BigEndian.PutUint32(annResp[0:4], actionAnnounce)
	binary.BigEndian.PutUint32(annResp[4:8], annTx)
	binary.BigEndian.PutUint32(annResp[8:12], 1800) // interval
	binary.BigEndian.PutUint32(annResp[12:16], 2)   // leechers
	binary.BigEndian.PutUint32(annResp[16:20], 3)   // seeders
	copy(annResp[20:26], []byte{1, 2, 3, 4, 0x1A, 0xE1})
	_, err = conn.WriteToUDP(annResp, addr)
	require.NoError(t, err)
}

func TestClientAnnounceAgainstFakeTracker(t *testing.T) {
	serverConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	require.NoError(t, err)
	defer serverConn.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		fakeTracker(t, serverConn)
	}()

	client := &Client{
		Address:  serverConn.LocalAddr().String(),
		InfoHash: [20]byte{1, 2, 3},
		PeerID:   [20]byte{4, 5, 6},
	}
	result, err := client.Announce(0, 1000, 0, EventStarted, 6881)
	require.NoError(t, err)
	assert.Equal(t, 1800, result.Interval)
	assert.Equal(t, 2, result.Leechers)
	assert.Equal(t, 3, result.Seeders)
	assert.Equal(t, []string{"1.2.3.4:6881"}, result.Peers)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("fake tracker goroutine did not complete")
	}
}
