package peerconn

import (
	"context"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/gobit/torrentcore/internal/wire"
)

// Transport owns one TCP connection to a peer: it performs the
// handshake, then dispatches decoded messages to a callback and
// serializes outgoing writes in enqueue order.
//
// Grounded on the teacher's newPeer/peer.read, generalized into a
// standalone type so the peer manager owns PeerState/Transport pairs
// instead of one monolithic peer struct.
type Transport struct {
	conn    net.Conn
	dec     *wire.Decoder
	log     *zap.SugaredLogger
	onMsg   func(wire.Message)
	onClose func(error)
}

// DialOptions configures an outbound connection attempt.
type DialOptions struct {
	Address  string
	Timeout  time.Duration
	InfoHash [20]byte
	PeerID   [20]byte
}

// Dial connects to a peer, performs the handshake and returns a
// Transport plus the peer's handshake response.
func Dial(ctx context.Context, opts DialOptions, log *zap.SugaredLogger) (*Transport, wire.Handshake, error) {
	d := net.Dialer{Timeout: opts.Timeout}
	conn, err := d.DialContext(ctx, "tcp", opts.Address)
	if err != nil {
		return nil, wire.Handshake{}, fmt.Errorf("peerconn: dial %s: %w", opts.Address, err)
	}

	out := wire.NewOutboundHandshake(opts.InfoHash, opts.PeerID)
	if _, err := conn.Write(out.Encode()); err != nil {
		conn.Close()
		return nil, wire.Handshake{}, fmt.Errorf("peerconn: sending handshake: %w", err)
	}

	dec := wire.NewDecoder(conn)
	in, err := dec.ReadHandshake()
	if err != nil {
		conn.Close()
		return nil, wire.Handshake{}, fmt.Errorf("peerconn: reading handshake: %w", err)
	}
	if in.InfoHash != opts.InfoHash {
		conn.Close()
		return nil, wire.Handshake{}, fmt.Errorf("peerconn: info-hash mismatch from %s", opts.Address)
	}

	return &Transport{conn: conn, dec: dec, log: log}, in, nil
}

// OnMessage registers the callback invoked for each decoded message.
func (t *Transport) OnMessage(f func(wire.Message)) { t.onMsg = f }

// OnDisconnect registers the callback invoked when the read loop exits.
func (t *Transport) OnDisconnect(f func(error)) { t.onClose = f }

// Run drives the read loop until the connection closes or ctx is
// cancelled, dispatching each decoded message to the registered
// callback. Messages are delivered in arrival order.
func (t *Transport) Run(ctx context.Context) {
	go func() {
		<-ctx.Done()
		t.conn.Close()
	}()
	for {
		msg, err := t.dec.ReadMessage()
		if err != nil {
			if t.onClose != nil {
				t.onClose(err)
			}
			return
		}
		if msg.KeepAlive {
			continue
		}
		if t.onMsg != nil {
			t.onMsg(msg)
		}
	}
}

// Send writes msg to the connection. Callers are expected to serialize
// their own sends (the owning peer manager is single-writer per peer).
func (t *Transport) Send(msg wire.Message) error {
	_, err := t.conn.Write(msg.Encode())
	if err != nil {
		return fmt.Errorf("peerconn: write: %w", err)
	}
	return nil
}

// Close closes the underlying connection.
func (t *Transport) Close() error {
	return t.conn.Close()
}

// RemoteAddr returns the peer's network address.
func (t *Transport) RemoteAddr() string {
	return t.conn.RemoteAddr().String()
}
