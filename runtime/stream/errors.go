package stream

import (
	"errors"
	"fmt"
)

// ErrSessionClosed is returned by session emit operations invoked after
// Finalize or Fail. It is non-fatal: callers typically log and move on.
var ErrSessionClosed = errors.New("delivery session is closed")

// TransportErrorKind classifies transport publish failures.
type TransportErrorKind int

const (
	// TransportUnknown covers failures that are neither network nor auth
	// related (serialization errors, broker-side rejections).
	TransportUnknown TransportErrorKind = iota
	// TransportNetwork covers connectivity failures: refused connections,
	// timeouts, broken pipes. Usually transient and worth retrying.
	TransportNetwork
	// TransportAuthFailed covers authentication and authorization
	// rejections from the broker. Retrying without a configuration change
	// will not help.
	TransportAuthFailed
)

// String returns the kind's wire name.
func (k TransportErrorKind) String() string {
	switch k {
	case TransportNetwork:
		return "network"
	case TransportAuthFailed:
		return "auth_failed"
	default:
		return "unknown"
	}
}

// TransportError wraps a failure to deliver an event to a transport. The
// Kind lets callers pick a retry policy without string matching.
type TransportError struct {
	// Kind classifies the failure.
	Kind TransportErrorKind
	// Op names the failed operation (e.g. "pulse add").
	Op string
	// Err is the underlying cause.
	Err error
}

// Error implements error.
func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s (%s): %s", e.Op, e.Kind, e.Err)
}

// Unwrap exposes the underlying cause to errors.Is and errors.As.
func (e *TransportError) Unwrap() error { return e.Err }

// NewTransportError wraps err with the given kind and operation name.
func NewTransportError(kind TransportErrorKind, op string, err error) *TransportError {
	return &TransportError{Kind: kind, Op: op, Err: err}
}
