package dht

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestStorageAnnounceAndPeers(t *testing.T) {
	s := NewStorage()
	infoHash := [20]byte{1, 2, 3}
	addr := &net.UDPAddr{IP: net.IPv4(1, 2, 3, 4), Port: 6881}

	s.Announce(infoHash, addr)
	peers := s.Peers(infoHash)
	assert.Len(t, peers, 1)
	assert.Equal(t, addr.String(), peers[0].String())
}

func TestStorageAnnounceDedupsByAddress(t *testing.T) {
	s := NewStorage()
	infoHash := [20]byte{1}
	addr := &net.UDPAddr{IP: net.IPv4(1, 2, 3, 4), Port: 6881}

	s.Announce(infoHash, addr)
	s.Announce(infoHash, addr)
	assert.Len(t, s.Peers(infoHash), 1)
}

func TestStorageAnnounceCapsAtStorageCap(t *testing.T) {
	s := NewStorage()
	infoHash := [20]byte{2}
	for i := 0; i < StorageCap+10; i++ {
		s.Announce(infoHash, &net.UDPAddr{IP: net.IPv4(10, 0, byte(i/256), byte(i%256)), Port: 6881})
	}
	assert.Len(t, s.Peers(infoHash), StorageCap)
}

func TestStorageExpiresPeersPastTTL(t *testing.T) {
	s := NewStorage()
	infoHash := [20]byte{3}
	addr := &net.UDPAddr{IP: net.IPv4(1, 1, 1, 1), Port: 6881}
	s.Announce(infoHash, addr)

	s.mu.Lock()
	entries := s.entries[infoHash]
	entries[0].addedAt = time.Now().Add(-PeerTTL - time.Minute)
	s.entries[infoHash] = entries
	s.mu.Unlock()

	assert.Empty(t, s.Peers(infoHash))
}

func TestStoragePeersForUnknownHashIsEmpty(t *testing.T) {
	s := NewStorage()
	assert.Empty(t, s.Peers([20]byte{9, 9, 9}))
}
