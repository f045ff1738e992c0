// Package dht implements the BitTorrent Kademlia DHT (BEP-5): node
// identity, the routing table, the KRPC wire protocol, peer storage and
// iterative lookups.
//
// Grounded on the teacher's dht/node.go, dht/routing.go and dht/krpc.go,
// consolidated onto internal/bencode instead of the teacher's private
// duplicate codec, and onto internal/bencode for all KRPC (de)serialization.
package dht

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"math/bits"
	"net"
	"time"
)

// NodeID is a 160-bit identifier, shared address space with info-hashes.
type NodeID [20]byte

// NodeInfo is a routing-table entry: id, address and last-contact time.
type NodeInfo struct {
	ID       NodeID
	Addr     *net.UDPAddr
	LastSeen time.Time
}

// GenerateNodeID returns a random 160-bit node id.
func GenerateNodeID() (NodeID, error) {
	var id NodeID
	_, err := rand.Read(id[:])
	return id, err
}

// Distance returns the XOR distance between two node ids.
func Distance(a, b NodeID) NodeID {
	var d NodeID
	for i := range a {
		d[i] = a[i] ^ b[i]
	}
	return d
}

// BucketIndex returns the zero-based bit position of the highest-order
// set bit of the XOR distance between self and other: 0 for equal ids,
// 159 for ids differing in their top bit. The result is the bucket this
// node is assigned to.
func BucketIndex(self, other NodeID) int {
	dist := Distance(self, other)
	for i := 0; i < len(dist); i++ {
		if dist[i] == 0 {
			continue
		}
		highBit := bits.Len8(dist[i]) - 1 // position within byte, 0=LSB
		return (len(dist)-1-i)*8 + highBit
	}
	return 0
}

// Less reports whether a is strictly closer than b to target.
func Less(a, b, target NodeID) bool {
	da, db := Distance(a, target), Distance(b, target)
	for i := range da {
		if da[i] != db[i] {
			return da[i] < db[i]
		}
	}
	return false
}

// CompactIPv4 encodes a node as the 26-byte compact form: 20-byte id +
// 4-byte IPv4 address + 2-byte port (network byte order). IPv6 compact
// nodes are out of scope.
func (n *NodeInfo) CompactIPv4() ([]byte, error) {
	ip4 := n.Addr.IP.To4()
	if ip4 == nil {
		return nil, fmt.Errorf("dht: %s is not an IPv4 address", n.Addr.IP)
	}
	buf := make([]byte, 26)
	copy(buf[:20], n.ID[:])
	copy(buf[20:24], ip4)
	binary.BigEndian.PutUint16(buf[24:26], uint16(n.Addr.Port))
	return buf, nil
}

// ParseCompactIPv4 decodes one 26-byte compact node entry.
func ParseCompactIPv4(data []byte) (*NodeInfo, error) {
	if len(data) != 26 {
		return nil, fmt.Errorf("dht: compact node must be 26 bytes, got %d", len(data))
	}
	var id NodeID
	copy(id[:], data[:20])
	ip := net.IP(data[20:24])
	port := binary.BigEndian.Uint16(data[24:26])
	return &NodeInfo{ID: id, Addr: &net.UDPAddr{IP: ip, Port: int(port)}, LastSeen: time.Now()}, nil
}

// ParseCompactNodes decodes a concatenated string of 26-byte entries.
func ParseCompactNodes(data []byte) ([]*NodeInfo, error) {
	const size = 26
	if len(data)%size != 0 {
		return nil, fmt.Errorf("dht: compact nodes length %d not divisible by %d", len(data), size)
	}
	nodes := make([]*NodeInfo, len(data)/size)
	for i := range nodes {
		n, err := ParseCompactIPv4(data[i*size : (i+1)*size])
		if err != nil {
			return nil, err
		}
		nodes[i] = n
	}
	return nodes, nil
}

// ParseCompactPeer decodes one 6-byte compact peer entry (4 address + 2 port).
func ParseCompactPeer(data []byte) (*net.UDPAddr, error) {
	if len(data) != 6 {
		return nil, fmt.Errorf("dht: compact peer must be 6 bytes, got %d", len(data))
	}
	ip := net.IP(data[0:4])
	port := binary.BigEndian.Uint16(data[4:6])
	return &net.UDPAddr{IP: ip, Port: int(port)}, nil
}

// CompactPeer encodes a UDP address as a 6-byte compact peer entry.
func CompactPeer(addr *net.UDPAddr) ([]byte, error) {
	ip4 := addr.IP.To4()
	if ip4 == nil {
		return nil, fmt.Errorf("dht: %s is not an IPv4 address", addr.IP)
	}
	buf := make([]byte, 6)
	copy(buf[0:4], ip4)
	binary.BigEndian.PutUint16(buf[4:6], uint16(addr.Port))
	return buf, nil
}
