package errors

import (
	"context"
	stderrors "errors"
	"fmt"
)

// Error is the structured error type for Varasto.
type Error struct {
	// Kind classifies the failure.
	Kind Kind

	// Message is the human-readable error message.
	Message string

	// Path is the logical path the error relates to, if any.
	Path string

	// Cause is the underlying error.
	Cause error

	// Retryable indicates the same operation may succeed later.
	Retryable bool
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("[%s] %s: %s", e.Kind, e.Path, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

// Unwrap returns the underlying cause for error chain support.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches errors by kind, enabling errors.Is against kind sentinels.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Kind == t.Kind
	}
	return false
}

// WithPath attaches the logical path the error relates to.
func (e *Error) WithPath(path string) *Error {
	e.Path = path
	return e
}

// New creates an Error of the given kind. The retryable flag is derived
// from the kind.
func New(kind Kind, message string) *Error {
	return &Error{
		Kind:      kind,
		Message:   message,
		Retryable: retryableKinds[kind],
	}
}

// Newf creates an Error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return New(kind, fmt.Sprintf(format, args...))
}

// Wrap creates an Error of the given kind around an existing error.
// Returns nil when err is nil. Context cancellation is normalized to
// KindCancelled regardless of the requested kind.
func Wrap(kind Kind, message string, err error) *Error {
	if err == nil {
		return nil
	}
	if stderrors.Is(err, context.Canceled) || stderrors.Is(err, context.DeadlineExceeded) {
		kind = KindCancelled
	}
	return &Error{
		Kind:      kind,
		Message:   message,
		Cause:     err,
		Retryable: retryableKinds[kind],
	}
}

// KindOf extracts the kind from an error chain. Plain errors report
// KindInternal; context cancellation reports KindCancelled.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if stderrors.As(err, &e) {
		return e.Kind
	}
	if stderrors.Is(err, context.Canceled) || stderrors.Is(err, context.DeadlineExceeded) {
		return KindCancelled
	}
	return KindInternal
}

// IsKind reports whether the error chain carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// IsRetryable reports whether the error may succeed on retry.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var e *Error
	if stderrors.As(err, &e) {
		return e.Retryable
	}
	return false
}

// IsCancelled reports whether the error is cooperative cancellation.
// Cancelled work is a no-op from the caller's perspective, never a failure.
func IsCancelled(err error) bool {
	return KindOf(err) == KindCancelled
}
