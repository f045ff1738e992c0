package dht

import (
	"fmt"

	"github.com/gobit/torrentcore/internal/bencode"
)

// KRPC message type and query method names, per BEP-5.
const (
	TypeQuery    = "q"
	TypeResponse = "r"
	TypeError    = "e"

	MethodPing     = "ping"
	MethodFindNode = "find_node"
	MethodGetPeers = "get_peers"
	MethodAnnounce = "announce_peer"
)

// KRPC error codes.
const (
	ErrGeneric       = 201
	ErrServer        = 202
	ErrProtocol      = 203
	ErrMethodUnknown = 204
)

// Message is a decoded KRPC envelope: every message carries a
// transaction id and a type; queries add method+args, responses add a
// results dict, errors add a [code, message] pair.
type Message struct {
	TxID     string
	Type     string
	Query    string
	Args     map[string]bencode.Value
	Response map[string]bencode.Value
	Error    []bencode.Value
}

// DecodeMessage parses a bencoded KRPC envelope.
func DecodeMessage(data []byte) (*Message, error) {
	v, err := bencode.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("dht: decoding KRPC message: %w", err)
	}
	tVal, ok := v.Get("t")
	if !ok {
		return nil, fmt.Errorf("dht: KRPC message missing \"t\"")
	}
	yVal, ok := v.Get("y")
	if !ok {
		return nil, fmt.Errorf("dht: KRPC message missing \"y\"")
	}
	msg := &Message{TxID: tVal.Str, Type: yVal.Str}
	switch msg.Type {
	case TypeQuery:
		if qVal, ok := v.Get("q"); ok {
			msg.Query = qVal.Str
		}
		if aVal, ok := v.Get("a"); ok {
			msg.Args = aVal.Dict
		}
	case TypeResponse:
		if rVal, ok := v.Get("r"); ok {
			msg.Response = rVal.Dict
		}
	case TypeError:
		if eVal, ok := v.Get("e"); ok {
			msg.Error = eVal.List
		}
	default:
		return nil, fmt.Errorf("dht: unknown KRPC message type %q", msg.Type)
	}
	return msg, nil
}

// NodeIDOf extracts the "id" field shared by every KRPC message.
func (m *Message) NodeIDOf() (NodeID, error) {
	var id NodeID
	var src map[string]bencode.Value
	if m.Type == TypeQuery {
		src = m.Args
	} else {
		src = m.Response
	}
	idVal, ok := src["id"]
	if !ok || len(idVal.Str) != 20 {
		return id, fmt.Errorf("dht: message has no valid 20-byte \"id\"")
	}
	copy(id[:], idVal.Str)
	return id, nil
}

func idArgs(self NodeID, extra map[string]bencode.Value) bencode.Value {
	dict := map[string]bencode.Value{"id": bencode.Str(string(self[:]))}
	for k, v := range extra {
		dict[k] = v
	}
	return bencode.Dict(dict)
}

func encodeQuery(txID, method string, self NodeID, extra map[string]bencode.Value) []byte {
	v := bencode.Dict(map[string]bencode.Value{
		"t": bencode.Str(txID),
		"y": bencode.Str(TypeQuery),
		"q": bencode.Str(method),
		"a": idArgs(self, extra),
	})
	return bencode.Encode(&v)
}

func encodeResponse(txID string, self NodeID, extra map[string]bencode.Value) []byte {
	v := bencode.Dict(map[string]bencode.Value{
		"t": bencode.Str(txID),
		"y": bencode.Str(TypeResponse),
		"r": idArgs(self, extra),
	})
	return bencode.Encode(&v)
}

// EncodePing builds a ping query.
func EncodePing(txID string, self NodeID) []byte {
	return encodeQuery(txID, MethodPing, self, nil)
}

// EncodePingResponse builds a ping/find_node/get_peers/announce_peer
// acknowledgement carrying only {id}.
func EncodePingResponse(txID string, self NodeID) []byte {
	return encodeResponse(txID, self, nil)
}

// EncodeFindNode builds a find_node query.
func EncodeFindNode(txID string, self, target NodeID) []byte {
	return encodeQuery(txID, MethodFindNode, self, map[string]bencode.Value{
		"target": bencode.Str(string(target[:])),
	})
}

// EncodeFindNodeResponse builds a find_node response carrying compact nodes.
func EncodeFindNodeResponse(txID string, self NodeID, nodes []byte) []byte {
	return encodeResponse(txID, self, map[string]bencode.Value{
		"nodes": bencode.Str(string(nodes)),
	})
}

// EncodeGetPeers builds a get_peers query.
func EncodeGetPeers(txID string, self NodeID, infoHash [20]byte) []byte {
	return encodeQuery(txID, MethodGetPeers, self, map[string]bencode.Value{
		"info_hash": bencode.Str(string(infoHash[:])),
	})
}

// EncodeGetPeersResponseNodes builds a get_peers response with no
// direct peer hits: a token plus the closest compact nodes.
func EncodeGetPeersResponseNodes(txID string, self NodeID, token string, nodes []byte) []byte {
	return encodeResponse(txID, self, map[string]bencode.Value{
		"token": bencode.Str(token),
		"nodes": bencode.Str(string(nodes)),
	})
}

// EncodeGetPeersResponsePeers builds a get_peers response carrying
// compact peer values.
func EncodeGetPeersResponsePeers(txID string, self NodeID, token string, peers [][]byte) []byte {
	values := make([]bencode.Value, len(peers))
	for i, p := range peers {
		values[i] = bencode.Str(string(p))
	}
	return encodeResponse(txID, self, map[string]bencode.Value{
		"token":  bencode.Str(token),
		"values": bencode.List(values...),
	})
}

// EncodeAnnouncePeer builds an announce_peer query.
func EncodeAnnouncePeer(txID string, self NodeID, infoHash [20]byte, port int, token string, impliedPort bool) []byte {
	implied := int64(0)
	if impliedPort {
		implied = 1
	}
	return encodeQuery(txID, MethodAnnounce, self, map[string]bencode.Value{
		"info_hash":    bencode.Str(string(infoHash[:])),
		"port":         bencode.Int(int64(port)),
		"token":        bencode.Str(token),
		"implied_port": bencode.Int(implied),
	})
}

// EncodeError builds a KRPC error message.
func EncodeError(txID string, code int, message string) []byte {
	v := bencode.Dict(map[string]bencode.Value{
		"t": bencode.Str(txID),
		"y": bencode.Str(TypeError),
		"e": bencode.List(bencode.Int(int64(code)), bencode.Str(message)),
	})
	return bencode.Encode(&v)
}
