package wire

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/gobit/torrentcore/internal/obs"
)

// Decoder reads a handshake followed by zero or more framed messages off
// a stream, blocking until each is fully available. Grounded on the
// teacher's ReadMessage, generalized into a type that first requires
// exactly one handshake read before any message read.
type Decoder struct {
	r io.Reader
}

// NewDecoder wraps r for handshake-then-message reading.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: r}
}

// ReadHandshake consumes exactly HandshakeSize bytes and parses them.
func (d *Decoder) ReadHandshake() (Handshake, error) {
	buf := make([]byte, HandshakeSize)
	if _, err := io.ReadFull(d.r, buf); err != nil {
		return Handshake{}, fmt.Errorf("wire: reading handshake: %w", err)
	}
	return DecodeHandshake(buf)
}

// ReadMessage reads one framed message, returning KeepAlive messages
// rather than silently skipping them so callers can track liveness.
func (d *Decoder) ReadMessage() (Message, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(d.r, lenBuf[:]); err != nil {
		return Message{}, err
	}
	length := binary.BigEndian.Uint32(lenBuf[:])
	if length == 0 {
		return Message{KeepAlive: true}, nil
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(d.r, body); err != nil {
		return Message{}, fmt.Errorf("wire: reading message body: %w", err)
	}
	id := ID(body[0])
	if !id.valid() {
		return Message{}, obs.Wrap(obs.ProtocolErrorKind, "ReadMessage", fmt.Errorf("unknown message id %d", id))
	}
	return Message{ID: id, Payload: body[1:]}, nil
}
