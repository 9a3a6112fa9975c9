// Package fault defines the error kinds shared by tools, agents, and the
// RPC surface, plus helpers to classify arbitrary errors into a kind.
package fault

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies an error for callers that branch on failure class
// rather than on message text.
type Kind string

const (
	// KindInvalidArgument is a schema or argument validation failure.
	KindInvalidArgument Kind = "invalid-argument"

	// KindNotFound is an absent entity (player dead, tool unknown).
	KindNotFound Kind = "not-found"

	// KindDependencyFailed is a downstream failure the core cannot correct.
	KindDependencyFailed Kind = "dependency-failed"

	// KindBridgeError is a dependency failure specialized for the scripting
	// channel, carrying the upstream error body unchanged.
	KindBridgeError Kind = "bridge-error"

	// KindTimeout is an expired deadline.
	KindTimeout Kind = "timeout"

	// KindCancelled is a caller-requested abort.
	KindCancelled Kind = "cancelled"

	// KindInternal is a violated invariant. Treated as a bug.
	KindInternal Kind = "internal"
)

// Error carries a kind alongside a human-readable message and an optional
// wrapped cause.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

// Error returns the formatted message.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the wrapped cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// New creates an error of the given kind.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and message to an underlying error.
// Context cancellation and deadline errors keep their canonical kind
// regardless of the kind requested, so classification stays accurate
// through wrapping layers.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	if errors.Is(err, context.DeadlineExceeded) {
		kind = KindTimeout
	} else if errors.Is(err, context.Canceled) {
		kind = KindCancelled
	}
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf extracts the kind from an error chain. Unclassified errors
// report KindInternal; context errors classify as timeout/cancelled.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	return KindInternal
}

// IsKind reports whether the error chain carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Retryable reports whether an operation that failed with this error may
// be retried. Only transient downstream failures and timeouts qualify;
// validation errors and cancellations never do.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindTimeout, KindDependencyFailed, KindBridgeError:
		return true
	}
	return false
}
