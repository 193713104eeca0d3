package domain

import (
	"errors"
	"fmt"
)

// Retryable defines errors that carry a retry classification.
// Implementing this interface lets the poller decide whether a failed
// tick burns the attempt budget or aborts immediately.
type Retryable interface {
	error
	Retryable() bool
}

// Sentinel errors for the client-side failure taxonomy - use with errors.Is()
var (
	// ErrTransport marks network/connection failures. Retryable via the
	// poller's backoff schedule, terminal once the attempt budget is spent.
	ErrTransport = errors.New("transport failure")

	// ErrProtocol marks malformed frames. Dropped, non-fatal, logged.
	ErrProtocol = errors.New("protocol violation")

	// ErrApplication marks a failure the server itself reported. Terminal.
	ErrApplication = errors.New("application error")

	// ErrTimeout marks an exhausted poll attempt budget. Terminal, and
	// user-visibly distinct from ErrApplication.
	ErrTimeout = errors.New("poll timeout")

	// ErrNotFound marks a missing session or message resource
	ErrNotFound = errors.New("not found")

	// ErrValidation marks invalid client-side input
	ErrValidation = errors.New("validation failed")
)

// Error types implementing the taxonomy

type (
	// TransportError wraps a network-level failure for an operation
	TransportError struct {
		Op  string // e.g. "submit turn", "poll message"
		Err error
	}

	// ProtocolError wraps a malformed stream frame
	ProtocolError struct {
		Frame string // offending payload, truncated for logging
		Err   error
	}

	// ApplicationError carries a server-reported failure
	ApplicationError struct {
		Message    string
		StatusCode int // HTTP status when delivered out-of-stream, 0 otherwise
	}

	// TimeoutError reports an exhausted poll budget
	TimeoutError struct {
		Attempts int
	}
)

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}
func (e *TransportError) Unwrap() error        { return e.Err }
func (e *TransportError) Is(target error) bool { return target == ErrTransport }
func (e *TransportError) Retryable() bool      { return true }

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("malformed frame %q: %v", e.Frame, e.Err)
}
func (e *ProtocolError) Unwrap() error        { return e.Err }
func (e *ProtocolError) Is(target error) bool { return target == ErrProtocol }
func (e *ProtocolError) Retryable() bool      { return false }

func (e *ApplicationError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("server error (status %d): %s", e.StatusCode, e.Message)
	}
	return e.Message
}
func (e *ApplicationError) Is(target error) bool { return target == ErrApplication }
func (e *ApplicationError) Retryable() bool      { return false }

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("gave up after %d poll attempts", e.Attempts)
}
func (e *TimeoutError) Is(target error) bool { return target == ErrTimeout }
func (e *TimeoutError) Retryable() bool      { return false }
