package dht

import (
	"crypto/rand"
	"encoding/binary"
	"net"
	"sync"
	"time"

	"github.com/spaolacci/murmur3"
)

// TokenWindow is how long a get_peers token stays valid for the address
// it was issued to.
const TokenWindow = 10 * time.Minute

// TokenSecret derives and rotates the secret mixed into get_peers tokens,
// and validates announce_peer tokens presented against the current or
// previous window so a token issued just before a rotation still works.
type TokenSecret struct {
	mu       sync.Mutex
	current  uint64
	previous uint64
	rotated  time.Time
}

// NewTokenSecret creates a secret seeded with cryptographic randomness.
func NewTokenSecret() (*TokenSecret, error) {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return nil, err
	}
	return &TokenSecret{current: binary.BigEndian.Uint64(buf[:]), rotated: time.Now()}, nil
}

// Rotate replaces the previous secret with the current one and draws a
// fresh current secret, if TokenWindow has elapsed since the last rotation.
func (s *TokenSecret) Rotate() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if time.Since(s.rotated) < TokenWindow {
		return nil
	}
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return err
	}
	s.previous = s.current
	s.current = binary.BigEndian.Uint64(buf[:])
	s.rotated = time.Now()
	return nil
}

// Token derives an 8-byte token for addr from the current secret using
// murmur3, so tokens are opaque, deterministic within a window, and tied
// to the querier's address per BEP-5.
func (s *TokenSecret) Token(addr *net.UDPAddr) string {
	s.mu.Lock()
	current := s.current
	s.mu.Unlock()
	return deriveToken(addr, current)
}

// Valid reports whether token matches addr under the current or previous
// secret.
func (s *TokenSecret) Valid(addr *net.UDPAddr, token string) bool {
	s.mu.Lock()
	current, previous := s.current, s.previous
	s.mu.Unlock()
	return token == deriveToken(addr, current) || token == deriveToken(addr, previous)
}

func deriveToken(addr *net.UDPAddr, secret uint64) string {
	h := murmur3.New64WithSeed(uint32(secret))
	h.Write(addr.IP)
	var portBuf [2]byte
	binary.BigEndian.PutUint16(portBuf[:], uint16(addr.Port))
	h.Write(portBuf[:])
	var secretBuf [8]byte
	binary.BigEndian.PutUint64(secretBuf[:], secret)
	h.Write(secretBuf[:])
	var out [8]byte
	binary.BigEndian.PutUint64(out[:], h.Sum64())
	return string(out[:])
}
