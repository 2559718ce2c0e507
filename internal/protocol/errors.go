package protocol

import (
	"fmt"
)

type DecodeErrorKind uint8

const (
	_ DecodeErrorKind = iota
	// TooLarge means the input exceeded the caller's size limit.
	TooLarge
	// Malformed means the input does not match any variant's layout.
	Malformed
)

func (k DecodeErrorKind) String() string {
	switch k {
	case TooLarge:
		return "too large"
	case Malformed:
		return "malformed"
	default:
		return "unknown"
	}
}

// DecodeError is returned by Decode and its direction-checked variants. Use
// errors.Is with ErrTooLarge or ErrMalformed to check the kind.
type DecodeError struct {
	Kind DecodeErrorKind

	// Size and Limit are set for TooLarge.
	Size  int
	Limit int

	// Reason describes what was wrong with a Malformed input.
	Reason string
}

var (
	ErrTooLarge  = &DecodeError{Kind: TooLarge}
	ErrMalformed = &DecodeError{Kind: Malformed}
)

func (e *DecodeError) Error() string {
	switch e.Kind {
	case TooLarge:
		return fmt.Sprintf("protocol: packet too large (got %d bytes; limit %d)", e.Size, e.Limit)
	default:
		if e.Reason == "" {
			return "protocol: " + e.Kind.String() + " packet"
		}
		return "protocol: " + e.Kind.String() + " packet: " + e.Reason
	}
}

func (e *DecodeError) Is(target error) bool {
	t, ok := target.(*DecodeError)
	return ok && t.Kind == e.Kind
}

func malformed(format string, args ...any) *DecodeError {
	return &DecodeError{Kind: Malformed, Reason: fmt.Sprintf(format, args...)}
}

type ProtocolErrorKind uint8

const (
	_ ProtocolErrorKind = iota
	// UnexpectedVariant means a packet was structurally valid but not the one
	// the receiver expected at that point (e.g. a server hello sent to the
	// server).
	UnexpectedVariant
)

// ProtocolError reports a well-formed packet that makes no sense in context.
type ProtocolError struct {
	Kind ProtocolErrorKind
	Got  Tag
	Want string
}

var ErrUnexpectedVariant = &ProtocolError{Kind: UnexpectedVariant}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol: unexpected variant (got %s; want %s)", e.Got, e.Want)
}

func (e *ProtocolError) Is(target error) bool {
	t, ok := target.(*ProtocolError)
	return ok && t.Kind == e.Kind
}

func unexpected(got Tag, want string) *ProtocolError {
	return &ProtocolError{Kind: UnexpectedVariant, Got: got, Want: want}
}

// Expect returns a *ProtocolError unless p is of the wanted variant.
func Expect(p Packet, want Tag) error {
	if got := p.Tag(); got != want {
		return unexpected(got, want.String())
	}
	return nil
}
