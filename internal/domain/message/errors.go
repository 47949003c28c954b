package message

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// Kind classifies an error for the delivery pipeline's retry policy.
type Kind int

const (
	// KindUnknown is the default for unclassified handler errors.
	KindUnknown Kind = iota
	// KindMalformed marks envelopes or payloads that can never decode.
	KindMalformed
	// KindUnrecoverable marks errors retrying will not fix (permission
	// denied, not found, failed validation).
	KindUnrecoverable
	// KindTransient marks errors worth retrying (connection, timeout,
	// conflict, open circuit).
	KindTransient
)

func (k Kind) String() string {
	switch k {
	case KindMalformed:
		return "malformed"
	case KindUnrecoverable:
		return "unrecoverable"
	case KindTransient:
		return "transient"
	default:
		return "unknown"
	}
}

// MalformedError reports an envelope or payload that failed to decode
// or failed structural validation. Malformed messages are never retried.
type MalformedError struct {
	Reason string
	Err    error
}

func (e *MalformedError) Error() string {
	if e.Err != nil {
		return "malformed message: " + e.Reason + ": " + e.Err.Error()
	}
	return "malformed message: " + e.Reason
}

func (e *MalformedError) Unwrap() error { return e.Err }

// Malformed wraps err as a MalformedError with the given reason.
func Malformed(reason string, err error) error {
	return &MalformedError{Reason: reason, Err: err}
}

// ErrUnrecoverable and ErrTransient are classification markers. Handler
// code wraps its errors with Unrecoverable or Transient to steer the
// error policy explicitly.
var (
	ErrUnrecoverable = errors.New("unrecoverable")
	ErrTransient     = errors.New("transient")
)

// Unrecoverable marks err as not worth retrying.
func Unrecoverable(err error) error {
	return fmt.Errorf("%w: %w", ErrUnrecoverable, err)
}

// Transient marks err as retriable.
func Transient(err error) error {
	return fmt.Errorf("%w: %w", ErrTransient, err)
}

// Classify maps an error to its Kind. Explicit markers win; otherwise
// common transient shapes (net errors, timeouts, cancellation) are
// detected, then a small set of substring heuristics mirrors the broker
// client's error strings.
func Classify(err error) Kind {
	if err == nil {
		return KindUnknown
	}

	var malformed *MalformedError
	if errors.As(err, &malformed) {
		return KindMalformed
	}
	if errors.Is(err, ErrUnrecoverable) {
		return KindUnrecoverable
	}
	if errors.Is(err, ErrTransient) {
		return KindTransient
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return KindTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindTransient
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "connection"),
		strings.Contains(msg, "timeout"),
		strings.Contains(msg, "timed out"),
		strings.Contains(msg, "conflict"),
		strings.Contains(msg, "circuit breaker"):
		return KindTransient
	case strings.Contains(msg, "permission denied"),
		strings.Contains(msg, "not found"),
		strings.Contains(msg, "validation"):
		return KindUnrecoverable
	}
	return KindUnknown
}
