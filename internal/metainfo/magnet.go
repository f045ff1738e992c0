package metainfo

import (
	"encoding/base32"
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"
)

// Magnet is a parsed magnet URI, per BEP-9/BEP-53.
type Magnet struct {
	InfoHash      [20]byte
	Name          string
	Trackers      []string
	PeerAddresses []string
	WebSeeds      []string
}

// ParseMagnet parses a magnet URI into its components. Both the 40-hex
// and 32-base32 info-hash encodings produce a 20-byte v1 info-hash.
func ParseMagnet(raw string) (*Magnet, error) {
	if !strings.HasPrefix(raw, "magnet:?") {
		return nil, fmt.Errorf("metainfo: not a magnet URI: %q", raw)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("metainfo: parsing magnet URI: %w", err)
	}
	query := u.Query()

	hash, err := parseInfoHashParam(query)
	if err != nil {
		return nil, err
	}

	m := &Magnet{InfoHash: hash}
	if dn := query.Get("dn"); dn != "" {
		m.Name = dn
	}
	if tr, ok := query["tr"]; ok {
		m.Trackers = tr
	}
	if pe, ok := query["x.pe"]; ok {
		m.PeerAddresses = pe
	}
	if ws, ok := query["ws"]; ok {
		m.WebSeeds = ws
	}
	return m, nil
}

func parseInfoHashParam(query url.Values) ([20]byte, error) {
	var hash [20]byte
	xt := query.Get("xt")
	if xt == "" {
		return hash, fmt.Errorf("metainfo: magnet URI missing \"xt\" parameter")
	}
	if !strings.HasPrefix(xt, "urn:btih:") {
		return hash, fmt.Errorf("metainfo: unsupported xt namespace: %q", xt)
	}
	enc := strings.TrimPrefix(xt, "urn:btih:")
	switch len(enc) {
	case 40:
		decoded, err := hex.DecodeString(enc)
		if err != nil {
			return hash, fmt.Errorf("metainfo: invalid hex info-hash: %w", err)
		}
		copy(hash[:], decoded)
	case 32:
		decoded, err := base32.StdEncoding.DecodeString(strings.ToUpper(enc))
		if err != nil {
			return hash, fmt.Errorf("metainfo: invalid base32 info-hash: %w", err)
		}
		copy(hash[:], decoded)
	default:
		return hash, fmt.Errorf("metainfo: invalid info-hash length %d", len(enc))
	}
	return hash, nil
}

// HasTrackers reports whether the magnet names any trackers.
func (m *Magnet) HasTrackers() bool { return len(m.Trackers) > 0 }

// HasPeers reports whether the magnet names any peer addresses.
func (m *Magnet) HasPeers() bool { return len(m.PeerAddresses) > 0 }

// InfoHashHex returns the info-hash's canonical hex text form.
func (m *Magnet) InfoHashHex() string { return hex.EncodeToString(m.InfoHash[:]) }

// DisplayName returns the display name, falling back to a hash prefix.
func (m *Magnet) DisplayName() string {
	if m.Name != "" {
		return m.Name
	}
	return m.InfoHashHex()[:16] + "..."
}

// String re-emits m as a magnet URI: `magnet:?xt=urn:btih:<hex>` plus any
// dn/tr/x.pe/ws parameters, in the same query-parameter order ParseMagnet
// reads them in. Parsing the result with ParseMagnet reproduces m.
func (m *Magnet) String() string {
	var b strings.Builder
	b.WriteString("magnet:?xt=urn:btih:")
	b.WriteString(m.InfoHashHex())
	if m.Name != "" {
		b.WriteString("&dn=")
		b.WriteString(url.QueryEscape(m.Name))
	}
	for _, tr := range m.Trackers {
		b.WriteString("&tr=")
		b.WriteString(url.QueryEscape(tr))
	}
	for _, pe := range m.PeerAddresses {
		b.WriteString("&x.pe=")
		b.WriteString(url.QueryEscape(pe))
	}
	for _, ws := range m.WebSeeds {
		b.WriteString("&ws=")
		b.WriteString(url.QueryEscape(ws))
	}
	return b.String()
}

// Encode is an alias for String, spelled out for callers that want to
// re-emit a magnet URI without relying on the fmt.Stringer interface.
func (m *Magnet) Encode() string { return m.String() }
