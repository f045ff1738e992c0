// Package tracker implements the BEP-15 UDP tracker protocol: the
// connect/announce handshake and compact peer list parsing.
//
// Grounded on the teacher's torrentfile.go (connectToUDP, getPeersUDP)
// and tracker.go (announceUDP, parseCompactPeers), replacing the
// teacher's hand-rolled doubling-timeout retry loop with
// github.com/cenkalti/backoff and fixed 5s per-step timeouts per spec.
package tracker

import (
	"encoding/binary"
	"fmt"
	"math/rand"
	"net"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	protocolMagic uint64 = 0x41727101980

	actionConnect  uint32 = 0
	actionAnnounce uint32 = 1
)

// Event is the BEP-15 announce event field.
type Event uint32

const (
	EventNone      Event = 0
	EventCompleted Event = 1
	EventStarted   Event = 2
	EventStopped   Event = 3
)

// StepTimeout bounds each individual connect/announce round trip.
const StepTimeout = 5 * time.Second

// AnnounceResult is a tracker's response to an announce request.
type AnnounceResult struct {
	Interval int
	Leechers int
	Seeders  int
	Peers    []string // "ip:port"
}

// Client talks to one UDP tracker.
type Client struct {
	Address  string // host:port
	InfoHash [20]byte
	PeerID   [20]byte
}

// Announce performs the full connect-then-announce exchange, retrying
// the connect step with exponential backoff whenever it fails (timeout,
// short reply, or action/transaction-id mismatch).
func (c *Client) Announce(downloaded, left, uploaded int64, event Event, port uint16) (*AnnounceResult, error) {
	addr, err := net.ResolveUDPAddr("udp", c.Address)
	if err != nil {
		return nil, fmt.Errorf("tracker: resolving %s: %w", c.Address, err)
	}
	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		return nil, fmt.Errorf("tracker: dialing %s: %w", c.Address, err)
	}
	defer conn.Close()

	var connID uint64
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 4 * StepTimeout
	err = backoff.Retry(func() error {
		id, connErr := connect(conn)
		if connErr != nil {
			return connErr
		}
		connID = id
		return nil
	}, b)
	if err != nil {
		return nil, fmt.Errorf("tracker: connect to %s: %w", c.Address, err)
	}

	return announce(conn, connID, c.InfoHash, c.PeerID, downloaded, left, uploaded, event, port)
}

func connect(conn *net.UDPConn) (uint64, error) {
	txID := rand.Uint32()
	req := make([]byte, 16)
	binary.BigEndian.PutUint64(req[0:8], protocolMagic)
	binary.BigEndian.PutUint32(req[8:12], actionConnect)
	binary.BigEndian.PutUint32(req[12:16], txID)

	conn.SetDeadline(time.Now().Add(StepTimeout))
	if _, err := conn.Write(req); err != nil {
		return 0, fmt.Errorf("tracker: writing connect request: %w", err)
	}

	resp := make([]byte, 16)
	n, err := conn.Read(resp)
	if err != nil {
		return 0, fmt.Errorf("tracker: reading connect response: %w", err)
	}
	if n != 16 {
		return 0, fmt.Errorf("tracker: invalid_response: connect response length %d", n)
	}
	action := binary.BigEndian.Uint32(resp[0:4])
	respTx := binary.BigEndian.Uint32(resp[4:8])
	if action != actionConnect || respTx != txID {
		return 0, fmt.Errorf("tracker: invalid_response: action=%d txid match=%v", action, respTx == txID)
	}
	return binary.BigEndian.Uint64(resp[8:16]), nil
}

func announce(conn *net.UDPConn, connID uint64, infoHash, peerID [20]byte, downloaded, left, uploaded int64, event Event, port uint16) (*AnnounceResult, error) {
	txID := rand.Uint32()
	req := make([]byte, 98)
	binary.BigEndian.PutUint64(req[0:8], connID)
	binary.BigEndian.PutUint32(req[8:12], actionAnnounce)
	binary.BigEndian.PutUint32(req[12:16], txID)
	copy(req[16:36], infoHash[:])
	copy(req[36:56], peerID[:])
	binary.BigEndian.PutUint64(req[56:64], uint64(downloaded))
	binary.BigEndian.PutUint64(req[64:72], uint64(left))
	binary.BigEndian.PutUint64(req[72:80], uint64(uploaded))
	binary.BigEndian.PutUint32(req[80:84], uint32(event))
	binary.BigEndian.PutUint32(req[84:88], 0) // ip: 0 means "use sender's"
	binary.BigEndian.PutUint32(req[88:92], rand.Uint32())
	binary.BigEndian.PutUint32(req[92:96], 0xFFFFFFFF) // num_want: all
	binary.BigEndian.PutUint16(req[96:98], port)

	conn.SetDeadline(time.Now().Add(StepTimeout))
	if _, err := conn.Write(req); err != nil {
		return nil, fmt.Errorf("tracker: writing announce request: %w", err)
	}

	resp := make([]byte, 2048)
	n, err := conn.Read(resp)
	if err != nil {
		return nil, fmt.Errorf("tracker: reading announce response: %w", err)
	}
	if n < 20 {
		return nil, fmt.Errorf("tracker: invalid_response: announce response too short: %d", n)
	}
	resp = resp[:n]

	action := binary.BigEndian.Uint32(resp[0:4])
	respTx := binary.BigEndian.Uint32(resp[4:8])
	if action != actionAnnounce || respTx != txID {
		return nil, fmt.Errorf("tracker: invalid_response: action=%d txid match=%v", action, respTx == txID)
	}

	peers, err := parseCompactPeers(resp[20:])
	if err != nil {
		return nil, err
	}

	return &AnnounceResult{
		Interval: int(binary.BigEndian.Uint32(resp[8:12])),
		Leechers: int(binary.BigEndian.Uint32(resp[12:16])),
		Seeders:  int(binary.BigEndian.Uint32(resp[16:20])),
		Peers:    peers,
	}, nil
}

// parseCompactPeers decodes a BEP-23 compact IPv4 peer list: 6 bytes
// per peer (4 address + 2 port, network byte order). IPv6 compact
// peers are out of scope.
func parseCompactPeers(data []byte) ([]string, error) {
	const peerSize = 6
	if len(data)%peerSize != 0 {
		return nil, fmt.Errorf("tracker: peer list length %d not divisible by %d", len(data), peerSize)
	}
	peers := make([]string, 0, len(data)/peerSize)
	for i := 0; i < len(data); i += peerSize {
		ip := net.IP(data[i : i+4])
		port := binary.BigEndian.Uint16(data[i+4 : i+6])
		peers = append(peers, net.JoinHostPort(ip.String(), strconv.Itoa(int(port))))
	}
	return peers, nil
}
