// Package fault provides the shared error vocabulary used across the runtime.
// Every failure surfaced by the bus, the memory store, the context assembler,
// the tool executor, or the agent executor carries one of the kinds defined
// here, so callers can branch on fault.KindOf(err) instead of matching error
// strings. Errors preserve their cause chains and support errors.Is/As.
package fault

import (
	"context"
	"errors"
	"fmt"
)

// Kind identifies the failure class of an Error. Kinds are stable strings so
// they can travel in message metadata and event payloads unchanged.
type Kind string

const (
	// BadArguments indicates tool-call arguments failed schema validation.
	BadArguments Kind = "bad_arguments"
	// ToolFailure indicates a tool invocation returned an error or panicked.
	ToolFailure Kind = "tool_failure"
	// Timeout indicates an operation exceeded its deadline.
	Timeout Kind = "timeout"
	// Cancelled indicates cooperative cancellation was observed.
	Cancelled Kind = "cancelled"
	// NoHandler indicates a bus request found no matching subscriber.
	NoHandler Kind = "no_handler"
	// AmbiguousHandler indicates a bus request matched multiple subscribers
	// with equal pattern specificity.
	AmbiguousHandler Kind = "ambiguous_handler"
	// MaxDepthReached indicates the agent executor hit its turn budget.
	MaxDepthReached Kind = "max_depth_reached"
	// BudgetExceeded indicates the context assembler could not fit the
	// non-truncatable components within the token budget.
	BudgetExceeded Kind = "budget_exceeded"
	// ModelError indicates the language-model interface failed.
	ModelError Kind = "model_error"
	// OverflowDrop indicates a bus subscription queue dropped a delivery.
	// Informational; never returned to callers as an error.
	OverflowDrop Kind = "overflow_drop"
)

// Error is a structured runtime failure. It pairs a Kind with a human-readable
// message and an optional cause so diagnostics survive across component
// boundaries while errors.Is/As keep working through Unwrap.
type Error struct {
	// Kind is the failure class.
	Kind Kind
	// Message is the human-readable summary of the failure.
	Message string

	cause error
}

// New constructs an Error of the given kind.
func New(kind Kind, message string) *Error {
	if message == "" {
		message = string(kind)
	}
	return &Error{Kind: kind, Message: message}
}

// Errorf constructs an Error of the given kind with a formatted message.
func Errorf(kind Kind, format string, args ...any) *Error {
	return New(kind, fmt.Sprintf(format, args...))
}

// Wrap constructs an Error of the given kind that wraps cause. The cause is
// reachable through errors.Unwrap so callers can still match sentinel errors
// such as context.DeadlineExceeded.
func Wrap(kind Kind, message string, cause error) *Error {
	if message == "" && cause != nil {
		message = cause.Error()
	}
	return &Error{Kind: kind, Message: message, cause: cause}
}

// KindOf extracts the Kind from err. It unwraps the chain until it finds an
// *Error; context cancellation and deadline errors map to Cancelled and
// Timeout respectively so callers get a kind for plain context failures too.
// Returns the empty Kind when err is nil or carries no kind.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Timeout
	}
	if errors.Is(err, context.Canceled) {
		return Cancelled
	}
	return ""
}

// IsKind reports whether err carries the given kind anywhere in its chain.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the wrapped cause, if any.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// Is reports whether target is an *Error with the same kind. This lets callers
// write errors.Is(err, fault.New(fault.Timeout, "")) style checks, though
// KindOf is the idiomatic entry point.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return e != nil && e.Kind == other.Kind
}
