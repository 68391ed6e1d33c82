package domain

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrorKind classifies failures for retry decisions.
type ErrorKind string

const (
	KindTransient     ErrorKind = "transient_external"
	KindPermanent     ErrorKind = "permanent_content"
	KindConflict      ErrorKind = "conflict"
	KindConfiguration ErrorKind = "configuration"
	// KindUncertain marks a publish attempt whose outcome at the destination is unknown.
	KindUncertain ErrorKind = "uncertain"
)

var (
	// ErrConflict is returned when a guarded update finds an unexpected status.
	ErrConflict = errors.New("status guard mismatch")
	// ErrNotFound is returned when the subject of an operation does not exist.
	ErrNotFound = errors.New("not found")
	// ErrLookupUnsupported is returned by publishers that cannot inspect the destination.
	ErrLookupUnsupported = errors.New("destination lookup unsupported")
)

// Error is a classified pipeline failure.
type Error struct {
	Kind       ErrorKind
	Op         string
	Err        error
	RetryAfter time.Duration
	// Uncertain is set when the remote side may have applied the call.
	Uncertain bool
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Transient wraps a retryable network, timeout or rate-limit failure.
func Transient(op string, err error) error {
	return &Error{Kind: KindTransient, Op: op, Err: err}
}

// Permanent wraps a failure that retrying cannot fix.
func Permanent(op string, err error) error {
	return &Error{Kind: KindPermanent, Op: op, Err: err}
}

// Configuration wraps a malformed definition or credential problem.
func Configuration(op string, err error) error {
	return &Error{Kind: KindConfiguration, Op: op, Err: err}
}

// KindOf classifies any error. Context deadlines count as transient;
// unknown errors are reported as transient too.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	if errors.Is(err, ErrConflict) {
		return KindConflict
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindTransient
}

// IsUncertain reports whether the failed call may have taken effect remotely.
func IsUncertain(err error) bool {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Uncertain
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// RetryAfterOf extracts a server-provided retry hint.
func RetryAfterOf(err error) time.Duration {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.RetryAfter
	}
	return 0
}
