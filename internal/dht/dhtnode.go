package dht

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"
)

// PortRangeStart and PortRangeEnd bound the UDP ports a node will try to
// bind to, matching BitTorrent's conventional listening range.
const (
	PortRangeStart = 6881
	PortRangeEnd   = 6889
	maxPacketSize  = 1500
	sweepInterval  = 10 * time.Second
)

// DefaultBootstrapNodes are well-known public DHT entry points.
var DefaultBootstrapNodes = []string{
	"router.bittorrent.com:6881",
	"router.utorrent.com:6881",
	"dht.transmissionbt.com:6881",
}

// DHTNode is a running Kademlia node: it owns a UDP socket, a routing
// table, peer storage and a token secret, and answers inbound queries
// while driving its own outbound lookups.
//
// Grounded on the teacher's dht/dht.go DHT type, extended to actually
// implement announce_peer (the teacher's comment says it runs read-only
// and never stores announced peers).
type DHTNode struct {
	id        NodeID
	conn      *net.UDPConn
	port      int
	routing   *RoutingTable
	storage   *Storage
	txs       *TransactionTable
	secret    *TokenSecret
	log       *zap.SugaredLogger
	stateFile string
}

// NewDHTNode builds a node around id, which callers generate once and
// persist across restarts if they want a stable identity.
func NewDHTNode(id NodeID, log *zap.SugaredLogger) (*DHTNode, error) {
	secret, err := NewTokenSecret()
	if err != nil {
		return nil, fmt.Errorf("dht: generating token secret: %w", err)
	}
	return &DHTNode{
		id:      id,
		routing: NewRoutingTable(id),
		storage: NewStorage(),
		txs:     NewTransactionTable(),
		secret:  secret,
		log:     log,
	}, nil
}

// ID returns the node's own identifier.
func (d *DHTNode) ID() NodeID { return d.id }

// RoutingTable exposes the table for persistence and diagnostics.
func (d *DHTNode) RoutingTable() *RoutingTable { return d.routing }

// UseStateFile points the node at path for routing-table persistence:
// ListenAndServe loads any nodes saved there before serving, and Close
// saves the table back to it, the way EngineConfig.DHT.StateFile names
// the file a running engine should carry its routing table across
// restarts in.
func (d *DHTNode) UseStateFile(path string) {
	d.stateFile = path
}

// Port reports the UDP port bound by ListenAndServe.
func (d *DHTNode) Port() int { return d.port }

// ListenAndServe binds a UDP socket in [PortRangeStart, PortRangeEnd] and
// runs the read loop and transaction-sweep loop until ctx is cancelled.
func (d *DHTNode) ListenAndServe(ctx context.Context) error {
	var lastErr error
	for port := PortRangeStart; port <= PortRangeEnd; port++ {
		conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: port})
		if err != nil {
			lastErr = err
			continue
		}
		d.conn = conn
		d.port = port
		break
	}
	if d.conn == nil {
		return fmt.Errorf("dht: no free port in %d-%d: %w", PortRangeStart, PortRangeEnd, lastErr)
	}
	d.log.Infow("dht listening", "port", d.port)

	if d.stateFile != "" {
		n, err := d.routing.LoadState(d.stateFile)
		if err != nil {
			d.log.Warnw("dht: loading persisted routing table", "path", d.stateFile, "error", err)
		} else if n > 0 {
			d.log.Infow("dht: loaded persisted nodes", "path", d.stateFile, "count", n)
		}
	}

	go d.sweepLoop(ctx)
	return d.readLoop(ctx)
}

// Close saves the routing table to the configured state file, if any,
// then releases the UDP socket.
func (d *DHTNode) Close() error {
	if d.stateFile != "" {
		if err := d.routing.SaveState(d.stateFile); err != nil {
			d.log.Warnw("dht: saving routing table", "path", d.stateFile, "error", err)
		}
	}
	if d.conn == nil {
		return nil
	}
	return d.conn.Close()
}

func (d *DHTNode) readLoop(ctx context.Context) error {
	buf := make([]byte, maxPacketSize)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		d.conn.SetReadDeadline(time.Now().Add(time.Second))
		n, addr, err := d.conn.ReadFromUDP(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
				d.log.Warnw("dht read error", "error", err)
				continue
			}
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		go d.handlePacket(data, addr)
	}
}

func (d *DHTNode) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.txs.ExpireOlderThan(time.Now().Add(-QueryTimeout))
			d.secret.Rotate()
		}
	}
}

func (d *DHTNode) handlePacket(data []byte, addr *net.UDPAddr) {
	msg, err := DecodeMessage(data)
	if err != nil {
		d.log.Debugw("dht malformed packet", "addr", addr, "error", err)
		return
	}
	switch msg.Type {
	case TypeQuery:
		d.observeSender(msg, addr)
		d.handleQuery(msg, addr)
	case TypeResponse:
		d.observeSender(msg, addr)
		if pq := d.txs.Take(msg.TxID); pq != nil {
			select {
			case pq.Response <- msg:
			default:
			}
		}
	case TypeError:
		d.log.Debugw("dht error reply", "addr", addr, "detail", msg.Error)
		if pq := d.txs.Take(msg.TxID); pq != nil {
			select {
			case pq.Response <- msg:
			default:
			}
		}
	}
}

func (d *DHTNode) observeSender(msg *Message, addr *net.UDPAddr) {
	id, err := msg.NodeIDOf()
	if err != nil {
		return
	}
	d.routing.Insert(&NodeInfo{ID: id, Addr: addr, LastSeen: time.Now()})
}

func (d *DHTNode) send(payload []byte, addr *net.UDPAddr) {
	if _, err := d.conn.WriteToUDP(payload, addr); err != nil {
		d.log.Debugw("dht write error", "addr", addr, "error", err)
	}
}

func (d *DHTNode) handleQuery(msg *Message, addr *net.UDPAddr) {
	switch msg.Query {
	case MethodPing:
		d.send(EncodePingResponse(msg.TxID, d.id), addr)

	case MethodFindNode:
		targetVal, ok := msg.Args["target"]
		if !ok || len(targetVal.Str) != 20 {
			d.send(EncodeError(msg.TxID, ErrProtocol, "invalid target"), addr)
			return
		}
		var target NodeID
		copy(target[:], targetVal.Str)
		nodes := d.compactClosest(target)
		d.send(EncodeFindNodeResponse(msg.TxID, d.id, nodes), addr)

	case MethodGetPeers:
		ihVal, ok := msg.Args["info_hash"]
		if !ok || len(ihVal.Str) != 20 {
			d.send(EncodeError(msg.TxID, ErrProtocol, "invalid info_hash"), addr)
			return
		}
		var infoHash [20]byte
		copy(infoHash[:], ihVal.Str)
		token := d.secret.Token(addr)
		if peers := d.storage.Peers(infoHash); len(peers) > 0 {
			compactPeers := make([][]byte, 0, len(peers))
			for _, p := range peers {
				if cp, err := CompactPeer(p); err == nil {
					compactPeers = append(compactPeers, cp)
				}
			}
			d.send(EncodeGetPeersResponsePeers(msg.TxID, d.id, token, compactPeers), addr)
			return
		}
		nodes := d.compactClosest(NodeID(infoHash))
		d.send(EncodeGetPeersResponseNodes(msg.TxID, d.id, token, nodes), addr)

	case MethodAnnounce:
		ihVal, ok := msg.Args["info_hash"]
		if !ok || len(ihVal.Str) != 20 {
			d.send(EncodeError(msg.TxID, ErrProtocol, "invalid info_hash"), addr)
			return
		}
		tokenVal := msg.Args["token"]
		if !d.secret.Valid(addr, tokenVal.Str) {
			d.send(EncodeError(msg.TxID, ErrProtocol, "bad token"), addr)
			return
		}
		var infoHash [20]byte
		copy(infoHash[:], ihVal.Str)
		port := addr.Port
		if impliedVal, ok := msg.Args["implied_port"]; !ok || impliedVal.Int == 0 {
			if portVal, ok := msg.Args["port"]; ok {
				port = int(portVal.Int)
			}
		}
		d.storage.Announce(infoHash, &net.UDPAddr{IP: addr.IP, Port: port})
		d.send(EncodePingResponse(msg.TxID, d.id), addr)

	default:
		d.send(EncodeError(msg.TxID, ErrMethodUnknown, "unknown method"), addr)
	}
}

func (d *DHTNode) compactClosest(target NodeID) []byte {
	closest := d.routing.ClosestNodes(target, K)
	var buf []byte
	for _, n := range closest {
		if cp, err := n.CompactIPv4(); err == nil {
			buf = append(buf, cp...)
		}
	}
	return buf
}

// query sends payload to addr under method and waits for a matching
// response, a KRPC error, the query timeout, or ctx cancellation.
func (d *DHTNode) query(ctx context.Context, addr *net.UDPAddr, method string, build func(txID string) []byte) (*Message, error) {
	pq := d.txs.Add(method)
	d.send(build(pq.TxID), addr)
	select {
	case resp, ok := <-pq.Response:
		if !ok || resp == nil {
			return nil, fmt.Errorf("dht: %s to %s timed out", method, addr)
		}
		return resp, nil
	case <-time.After(QueryTimeout):
		d.txs.Take(pq.TxID)
		return nil, fmt.Errorf("dht: %s to %s timed out", method, addr)
	case <-ctx.Done():
		d.txs.Take(pq.TxID)
		return nil, ctx.Err()
	}
}

// Ping queries addr and, on success, inserts it into the routing table.
func (d *DHTNode) Ping(ctx context.Context, addr *net.UDPAddr) error {
	resp, err := d.query(ctx, addr, MethodPing, func(txID string) []byte {
		return EncodePing(txID, d.id)
	})
	if err != nil {
		return err
	}
	d.observeSender(resp, addr)
	return nil
}

// Bootstrap queries every seed address with find_node(own_id), the
// standard mainline-DHT cold start: a find_node return carries the
// seed's K closest nodes to own_id, so one round against each seed
// seeds the routing table with nodes near this node's own position
// instead of merely confirming the seeds themselves are reachable.
func (d *DHTNode) Bootstrap(ctx context.Context, seeds []string) {
	for _, s := range seeds {
		addr, err := net.ResolveUDPAddr("udp", s)
		if err != nil {
			d.log.Warnw("dht bootstrap: bad seed address", "seed", s, "error", err)
			continue
		}
		go d.bootstrapSeed(ctx, addr)
	}
}

func (d *DHTNode) bootstrapSeed(ctx context.Context, addr *net.UDPAddr) {
	resp, err := d.query(ctx, addr, MethodFindNode, func(txID string) []byte {
		return EncodeFindNode(txID, d.id, d.id)
	})
	if err != nil {
		d.log.Debugw("dht bootstrap find_node failed", "addr", addr, "error", err)
		return
	}
	d.observeSender(resp, addr)
	nodesVal, ok := resp.Response["nodes"]
	if !ok {
		return
	}
	nodes, err := ParseCompactNodes([]byte(nodesVal.Str))
	if err != nil {
		d.log.Debugw("dht bootstrap: bad compact nodes", "addr", addr, "error", err)
		return
	}
	for _, n := range nodes {
		if n.ID == d.id {
			continue
		}
		d.routing.Insert(n)
	}
}
