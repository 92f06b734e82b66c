// Package coreerr defines the error-kind taxonomy the turn loop uses to
// decide what is recoverable locally and what must propagate to the caller.
package coreerr

import "fmt"

// Kind classifies an error without requiring callers to type-switch on
// concrete error types.
type Kind string

const (
	UserInput         Kind = "user_input"
	ProviderTransient Kind = "provider_transient"
	ProviderFatal     Kind = "provider_fatal"
	ToolFailure       Kind = "tool_failure"
	HookBlock         Kind = "hook_block"
	PermissionDenied  Kind = "permission_denied"
	Cancelled         Kind = "cancelled"
	Quota             Kind = "quota"
	Integrity         Kind = "integrity"
)

// Error wraps an underlying cause with a Kind the turn loop can branch on.
type Error struct {
	Kind   Kind
	Reason string
	Cause  error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Reason, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds a Kind-tagged error with no wrapped cause.
func New(kind Kind, reason string) *Error {
	return &Error{Kind: kind, Reason: reason}
}

// Wrap builds a Kind-tagged error around an existing cause.
func Wrap(kind Kind, reason string, cause error) *Error {
	return &Error{Kind: kind, Reason: reason, Cause: cause}
}

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool {
	ce, ok := err.(*Error)
	if !ok {
		return false
	}
	return ce.Kind == kind
}

// Recoverable reports whether the turn loop can absorb this error locally
// (report it back into the thread / retry) rather than failing the turn.
func Recoverable(kind Kind) bool {
	switch kind {
	case ToolFailure, HookBlock, PermissionDenied, ProviderTransient:
		return true
	default:
		return false
	}
}
