package obs

import "fmt"

// ErrorKind classifies an EngineError the way spec.md §7 enumerates the
// engine's error surface, implemented as the idiomatic Go equivalent of
// a sum-typed Result: a sentinel-wrapping error type instead of a
// discriminated union.
type ErrorKind int

const (
	// ParseErrorKind covers bencode, wire-frame, handshake and KRPC
	// decode failures.
	ParseErrorKind ErrorKind = iota
	// ProtocolErrorKind covers unknown message ids, wrong reserved
	// bits and hash mismatches.
	ProtocolErrorKind
	// IoErrorKind covers network, disk and DNS failures.
	IoErrorKind
	// TimeoutErrorKind covers tracker steps, DHT transactions, block
	// requests, metadata waits and completion waits.
	TimeoutErrorKind
	// NotConnectedErrorKind covers operations attempted against a peer
	// or torrent that has no live connection.
	NotConnectedErrorKind
)

func (k ErrorKind) String() string {
	switch k {
	case ParseErrorKind:
		return "ParseError"
	case ProtocolErrorKind:
		return "ProtocolError"
	case IoErrorKind:
		return "IoError"
	case TimeoutErrorKind:
		return "TimeoutError"
	case NotConnectedErrorKind:
		return "NotConnectedError"
	default:
		return "UnknownError"
	}
}

// EngineError is a typed, wrapped error carrying an ErrorKind so callers
// can branch with errors.Is/errors.As without string matching.
type EngineError struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *EngineError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Kind, e.Op)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *EngineError) Unwrap() error { return e.Err }

// Is reports whether target is an *EngineError with the same Kind,
// supporting errors.Is(err, obs.Kind(obs.TimeoutErrorKind)) style checks.
func (e *EngineError) Is(target error) bool {
	other, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return other.Err == nil && other.Op == "" && other.Kind == e.Kind
}

// Kind builds a bare *EngineError usable as an errors.Is sentinel for
// the given kind.
func Kind(kind ErrorKind) error {
	return &EngineError{Kind: kind}
}

// Wrap builds an *EngineError of kind, naming the failing operation op
// and wrapping the underlying cause.
func Wrap(kind ErrorKind, op string, err error) error {
	return &EngineError{Kind: kind, Op: op, Err: err}
}
