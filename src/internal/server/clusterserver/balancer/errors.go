package balancer

import (
	"errors"
	"fmt"
)

// Error represents a structured balancer error with a stable code,
// message, optional details and wrapped cause.
type Error struct {
	Code    string
	Message string
	Details string
	Cause   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("[%s] %s: %s", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap supports errors.Unwrap.
func (e *Error) Unwrap() error { return e.Cause }

// Is supports errors.Is by comparing codes.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// WithDetails returns a copy of the error with additional details attached.
func (e *Error) WithDetails(format string, args ...any) *Error {
	return &Error{
		Code:    e.Code,
		Message: e.Message,
		Details: fmt.Sprintf(format, args...),
		Cause:   e.Cause,
	}
}

func newError(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Sentinel errors, one per §7 error kind.
var (
	// ErrNoDataServers indicates Balance was invoked with an empty membership.
	ErrNoDataServers = newError("BAL-NODATA", "no data servers available")

	// ErrInvariantViolation indicates an internal postcondition failed.
	// Callers must treat this as fatal and abandon the round.
	ErrInvariantViolation = newError("BAL-INVARIANT", "balancer invariant violated")

	// ErrDuplicateReplica indicates a server is already leader or follower
	// of the slot a mutation targeted.
	ErrDuplicateReplica = newError("BAL-DUPLICATE", "server already a replica of this slot")

	// ErrOverflow indicates a follower addition would exceed slotReplicas-1.
	ErrOverflow = newError("BAL-OVERFLOW", "follower count would exceed replica factor")

	// ErrNotFound indicates a follower removal targeted a server that is
	// not currently a follower of the slot.
	ErrNotFound = newError("BAL-NOTFOUND", "server is not a follower of this slot")
)

// IsInvariantViolation reports whether err is (or wraps) ErrInvariantViolation.
func IsInvariantViolation(err error) bool {
	return errors.Is(err, ErrInvariantViolation)
}
