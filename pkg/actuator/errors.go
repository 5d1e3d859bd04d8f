package actuator

import (
	"errors"
	"fmt"
)

type TransportErrorKind int

const (
	OpenFailed TransportErrorKind = iota + 1
	WriteTimeout
	WriteFailed
	ReadFailed
	NoResponse
	UnexpectedReply
)

func (k TransportErrorKind) String() string {
	switch k {
	case OpenFailed:
		return "open failed"
	case WriteTimeout:
		return "write timeout"
	case WriteFailed:
		return "write failed"
	case ReadFailed:
		return "read failed"
	case NoResponse:
		return "no response"
	case UnexpectedReply:
		return "unexpected reply"
	default:
		return "unknown"
	}
}

var (
	ErrWriteTimeout = errors.New("actuator: write timeout")
	ErrNoResponse   = errors.New("actuator: no response")
)

// TransportError describes a failed send. NoResponse and UnexpectedReply
// are recoverable; the caller decides whether to resend.
type TransportError struct {
	Kind    TransportErrorKind
	Address Address
	Wire    string
	Reply   string
	Err     error
}

func (e *TransportError) Error() string {
	msg := fmt.Sprintf("actuator %s %q: %s", e.Address, e.Wire, e.Kind)
	if e.Reply != "" {
		msg += fmt.Sprintf(" (reply %q)", e.Reply)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *TransportError) Unwrap() error { return e.Err }

func (e *TransportError) Is(target error) bool {
	switch target {
	case ErrWriteTimeout:
		return e.Kind == WriteTimeout
	case ErrNoResponse:
		return e.Kind == NoResponse || e.Kind == UnexpectedReply
	}
	return false
}

// Recoverable reports whether err is a reply problem rather than a dead line.
func Recoverable(err error) bool {
	var te *TransportError
	if !errors.As(err, &te) {
		return false
	}
	return te.Kind == NoResponse || te.Kind == UnexpectedReply
}
