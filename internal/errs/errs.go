// Package errs defines the error kinds returned by the approval engine and its
// collaborators. Callers branch on kinds with errors.Is, never on message text.
package errs

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation marks malformed input.
	ErrValidation = errors.New("validation error")
	// ErrAuthorization marks a caller that lacks the role or turn for an operation.
	ErrAuthorization = errors.New("authorization error")
	// ErrState marks an operation that is not allowed in the request's current state.
	ErrState = errors.New("state error")
	// ErrExpired marks a decision attempted after expiry. The request has been moved to EXPIRED.
	ErrExpired = errors.New("expiry error")
	// ErrPaused marks a creation attempted while the engine is paused.
	ErrPaused = errors.New("paused")
	// ErrNotFound marks an unknown request id.
	ErrNotFound = errors.New("not found")
)

// Error carries the kind, the failing operation and a human readable reason.
type Error struct {
	Kind   error
	Op     string
	Reason string
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%v: %s", e.Kind, e.Reason)
	}
	return fmt.Sprintf("%s: %v: %s", e.Op, e.Kind, e.Reason)
}

func (e *Error) Unwrap() error { return e.Kind }

func newf(kind error, op, format string, args ...interface{}) error {
	return &Error{Kind: kind, Op: op, Reason: fmt.Sprintf(format, args...)}
}

func Validation(op, format string, args ...interface{}) error {
	return newf(ErrValidation, op, format, args...)
}

func Authorization(op, format string, args ...interface{}) error {
	return newf(ErrAuthorization, op, format, args...)
}

func State(op, format string, args ...interface{}) error {
	return newf(ErrState, op, format, args...)
}

func Expired(op, format string, args ...interface{}) error {
	return newf(ErrExpired, op, format, args...)
}

func Paused(op string) error {
	return newf(ErrPaused, op, "engine is paused")
}

func NotFound(op, format string, args ...interface{}) error {
	return newf(ErrNotFound, op, format, args...)
}

// KindOf returns the kind sentinel wrapped by err, or nil for infrastructure errors.
func KindOf(err error) error {
	for _, k := range []error{ErrValidation, ErrAuthorization, ErrState, ErrExpired, ErrPaused, ErrNotFound} {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}

// Reason returns the reason text of an *Error, or err.Error() otherwise.
func Reason(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Reason
	}
	return err.Error()
}
