package wire

import "fmt"

type ProtocolErrorKind int

const (
	UnknownMessage ProtocolErrorKind = iota + 1
	OversizedMessage
	HandshakeMismatch
	MalformedMessage
)

func (k ProtocolErrorKind) String() string {
	switch k {
	case UnknownMessage:
		return "unknown message"
	case OversizedMessage:
		return "oversized message"
	case HandshakeMismatch:
		return "handshake mismatch"
	case MalformedMessage:
		return "malformed message"
	default:
		return fmt.Sprintf("protocol error %d", int(k))
	}
}

// ProtocolError is returned for input that violates the peer wire protocol.
// It is attributable to the remote peer and only ever fails that peer's session.
type ProtocolError struct {
	Kind   ProtocolErrorKind
	Detail string
}

func (e *ProtocolError) Error() string {
	if e.Detail == "" {
		return e.Kind.String()
	}
	return e.Kind.String() + ": " + e.Detail
}

// Is matches any ProtocolError of the same kind, so errors.Is(err,
// ErrOversizedMessage) holds whatever the detail.
func (e *ProtocolError) Is(target error) bool {
	t, ok := target.(*ProtocolError)
	return ok && t.Kind == e.Kind
}

var (
	ErrUnknownMessage    = &ProtocolError{Kind: UnknownMessage}
	ErrOversizedMessage  = &ProtocolError{Kind: OversizedMessage}
	ErrHandshakeMismatch = &ProtocolError{Kind: HandshakeMismatch}
	ErrMalformedMessage  = &ProtocolError{Kind: MalformedMessage}
)

func protocolErrorf(kind ProtocolErrorKind, format string, args ...any) error {
	return &ProtocolError{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}
