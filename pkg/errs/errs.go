// Package errs defines the error vocabulary shared by the Sibyl core.
//
// Adapters and services classify failures into a small set of kinds so
// callers can branch on condition rather than on string matching. An
// errs.Error wraps the underlying cause and names the component and
// operation that produced it.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies an error condition.
type Kind int

const (
	// Unknown is the zero kind for unclassified errors.
	Unknown Kind = iota
	// TenantMissing: no tenant context on an operation that requires one.
	TenantMissing
	// NotFound: an id does not resolve within the current tenant.
	NotFound
	// InvalidTransition: a state machine rejected the requested transition.
	InvalidTransition
	// LockTimeout: a distributed lock could not be acquired in the wait budget.
	LockTimeout
	// Timeout: a per-operation deadline was exceeded.
	Timeout
	// Conflict: a uniqueness constraint was violated.
	Conflict
	// Unauthorized: a role or project-scope check failed.
	Unauthorized
	// DependencyCycle: a proposed dependency edge would create a cycle.
	DependencyCycle
	// UpstreamUnavailable: a backing store is unreachable or exhausted retries.
	UpstreamUnavailable
	// ValidationError: input fails contract bounds.
	ValidationError
)

// String returns the kind's canonical name.
func (k Kind) String() string {
	switch k {
	case TenantMissing:
		return "tenant_missing"
	case NotFound:
		return "not_found"
	case InvalidTransition:
		return "invalid_transition"
	case LockTimeout:
		return "lock_timeout"
	case Timeout:
		return "timeout"
	case Conflict:
		return "conflict"
	case Unauthorized:
		return "unauthorized"
	case DependencyCycle:
		return "dependency_cycle"
	case UpstreamUnavailable:
		return "upstream_unavailable"
	case ValidationError:
		return "validation_error"
	default:
		return "unknown"
	}
}

// Error is a classified error carrying its origin.
type Error struct {
	Kind      Kind
	Component string
	Op        string
	Message   string
	Err       error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("[%s] %s: %s", e.Component, e.Op, e.Message)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports kind equality so errors.Is works against kind sentinels
// produced by New with an empty cause.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Component == "" && t.Op == ""
}

// New builds a classified error.
func New(kind Kind, component, op, message string) *Error {
	return &Error{Kind: kind, Component: component, Op: op, Message: message}
}

// Wrap builds a classified error around a cause.
func Wrap(kind Kind, component, op string, err error) *Error {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return &Error{Kind: kind, Component: component, Op: op, Message: msg, Err: err}
}

// Newf builds a classified error with a formatted message.
func Newf(kind Kind, component, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Component: component, Op: op, Message: fmt.Sprintf(format, args...)}
}

// KindOf extracts the kind from err, unwrapping as needed.
// Returns Unknown when err carries no classification.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Unknown
}

// IsKind reports whether err (or any error it wraps) has the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
