package bencode

import "fmt"

// FindDictKeyRange scans a top-level bencoded dictionary for key without
// building a Value tree: it walks byte-by-byte until it finds the key's
// byte-string prefix at the top level, then skips exactly one value by
// structure alone. This lets callers hash the raw source bytes of, e.g.,
// the "info" dictionary even when the surrounding metainfo file is not
// itself canonically encoded — re-encoding would change the hash.
func FindDictKeyRange(data []byte, key string) (Range, error) {
	if len(data) == 0 || data[0] != 'd' {
		return Range{}, fmt.Errorf("bencode: not a dictionary")
	}
	pos := 1
	for pos < len(data) {
		if data[pos] == 'e' {
			return Range{}, fmt.Errorf("bencode: key %q not found", key)
		}
		keyStart := pos
		keyEnd, err := skipValue(data, pos)
		if err != nil {
			return Range{}, err
		}
		valStart := keyEnd
		valEnd, err := skipValue(data, valStart)
		if err != nil {
			return Range{}, err
		}
		if string(data[keyStart:keyEnd]) == lengthPrefixed(key) {
			return Range{Start: valStart, End: valEnd}, nil
		}
		pos = valEnd
	}
	return Range{}, fmt.Errorf("bencode: key %q not found", key)
}

func lengthPrefixed(s string) string {
	return fmt.Sprintf("%d:%s", len(s), s)
}

// skipValue advances past exactly one bencoded value starting at pos,
// returning the offset just past it, without allocating a Value.
func skipValue(data []byte, pos int) (int, error) {
	if pos >= len(data) {
		return 0, fmt.Errorf("bencode: unexpected end while skipping value")
	}
	switch data[pos] {
	case 'i':
		end := indexByte(data, pos+1, 'e')
		if end < 0 {
			return 0, fmt.Errorf("bencode: unterminated integer")
		}
		return end + 1, nil
	case 'l', 'd':
		p := pos + 1
		for {
			if p >= len(data) {
				return 0, fmt.Errorf("bencode: unterminated list/dict")
			}
			if data[p] == 'e' {
				return p + 1, nil
			}
			next, err := skipValue(data, p)
			if err != nil {
				return 0, err
			}
			p = next
		}
	default:
		if data[pos] < '0' || data[pos] > '9' {
			return 0, fmt.Errorf("bencode: unexpected byte %q while skipping", data[pos])
		}
		colon := indexByte(data, pos, ':')
		if colon < 0 {
			return 0, fmt.Errorf("bencode: unterminated string length")
		}
		n, err := parseUintFast(data[pos:colon])
		if err != nil {
			return 0, err
		}
		end := colon + 1 + n
		if end > len(data) {
			return 0, fmt.Errorf("bencode: string shorter than declared length")
		}
		return end, nil
	}
}

func indexByte(data []byte, from int, b byte) int {
	for i := from; i < len(data); i++ {
		if data[i] == b {
			return i
		}
	}
	return -1
}

func parseUintFast(digits []byte) (int, error) {
	n := 0
	for _, d := range digits {
		if d < '0' || d > '9' {
			return 0, fmt.Errorf("bencode: invalid length digit %q", d)
		}
		n = n*10 + int(d-'0')
	}
	return n, nil
}
