// Package mcerr defines the error taxonomy shared by every layer of the
// memcached client: the pool, the protocol engine, and the codec all wrap
// failures in an *Error carrying one of the Kind values below so callers can
// branch with errors.Is/errors.As instead of parsing strings.
package mcerr

import "errors"

// Kind classifies why an operation failed.
type Kind int

const (
	// KindUnknown is the zero value; it should never be returned deliberately.
	KindUnknown Kind = iota
	// KindConfig marks invalid or missing configuration (e.g. no servers).
	KindConfig
	// KindDeadHost marks a host currently in its connect-failure backoff window.
	KindDeadHost
	// KindConnectTimeout marks a connect attempt that did not complete in time.
	KindConnectTimeout
	// KindIO marks a read/write/close failure on a live socket.
	KindIO
	// KindProtocol marks an unexpected or malformed server response line.
	KindProtocol
	// KindCodec marks a serialization, decompression or deserialization failure.
	KindCodec
	// KindNotFound marks a server-level miss (delete/incr/decr/get).
	KindNotFound
	// KindNotStored marks a set/add/replace rejected by server policy.
	KindNotStored
)

func (k Kind) String() string {
	switch k {
	case KindConfig:
		return "config"
	case KindDeadHost:
		return "dead-host"
	case KindConnectTimeout:
		return "connect-timeout"
	case KindIO:
		return "io"
	case KindProtocol:
		return "protocol"
	case KindCodec:
		return "codec"
	case KindNotFound:
		return "not-found"
	case KindNotStored:
		return "not-stored"
	default:
		return "unknown"
	}
}

// Error is the nested-error adapter: it pairs a Kind with the operation that
// was being attempted and, where one exists, the underlying cause.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Op + ": " + e.Kind.String()
	}
	return e.Op + ": " + e.Kind.String() + ": " + e.Err.Error()
}

// Unwrap exposes the wrapped cause for errors.Is/errors.As.
func (e *Error) Unwrap() error {
	return e.Err
}

// New builds an *Error with no underlying cause.
func New(kind Kind, op string) *Error {
	return &Error{Kind: kind, Op: op}
}

// Wrap builds an *Error around an existing cause. Wrap(kind, op, nil) returns nil,
// so call sites can write `return mcerr.Wrap(mcerr.KindIO, "op", err)` unconditionally
// inside an `if err != nil` branch without a redundant nil-check at the call site.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf reports the Kind of err, or KindUnknown if err is nil or was not
// produced by this package.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}
