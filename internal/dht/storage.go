package dht

import (
	"net"
	"sync"
	"time"
)

// StorageCap is the maximum number of peers retained per info-hash.
const StorageCap = 100

// PeerTTL is how long a stored peer entry remains valid.
const PeerTTL = 30 * time.Minute

type peerEntry struct {
	addr    *net.UDPAddr
	addedAt time.Time
}

// Storage maps info-hash to announced peers, capped and expiring per
// spec.md's DHTStorage: info_hash → [(addr, port, added_at)].
type Storage struct {
	mu      sync.Mutex
	entries map[[20]byte][]peerEntry
}

// NewStorage creates empty peer storage.
func NewStorage() *Storage {
	return &Storage{entries: make(map[[20]byte][]peerEntry)}
}

// Announce records addr as a peer for infoHash, keeping the newest
// StorageCap entries.
func (s *Storage) Announce(infoHash [20]byte, addr *net.UDPAddr) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := s.entries[infoHash]

	for i, e := range entries {
		if e.addr.String() == addr.String() {
			entries[i].addedAt = time.Now()
			s.entries[infoHash] = entries
			return
		}
	}

	entries = append(entries, peerEntry{addr: addr, addedAt: time.Now()})
	if len(entries) > StorageCap {
		entries = entries[len(entries)-StorageCap:]
	}
	s.entries[infoHash] = entries
}

// Peers returns the non-expired peers stored for infoHash.
func (s *Storage) Peers(infoHash [20]byte) []*net.UDPAddr {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := time.Now().Add(-PeerTTL)
	var live []peerEntry
	var result []*net.UDPAddr
	for _, e := range s.entries[infoHash] {
		if e.addedAt.Before(cutoff) {
			continue
		}
		live = append(live, e)
		result = append(result, e.addr)
	}
	s.entries[infoHash] = live
	return result
}
