// Package tools defines the tool registry the executor routes model tool
// calls through. A tool is registered once with a descriptor (name,
// description, argument schema, side-effect class, handler); the registry
// compiles the schema at registration and, once frozen, serves lock-free
// lookups for the lifetime of the run.
//
//	reg := tools.NewRegistry()
//	err := reg.Register(tools.Descriptor{
//		Name:        "get_weather",
//		Description: "Current weather for a city.",
//		Schema: map[string]any{
//			"type":       "object",
//			"properties": map[string]any{"city": map[string]any{"type": "string"}},
//			"required":   []any{"city"},
//		},
//		Handler: weather,
//	})
//	reg.Freeze()
package tools

import (
	"context"
	"strings"
	"time"

	"goa.design/loom/runtime/fault"
)

// readOnlyPrefixes lists the name prefixes classified as side-effect free
// when a descriptor does not declare its class explicitly.
var readOnlyPrefixes = []string{"get_", "list_", "read_"}

type (
	// Handler executes one tool call. Arguments arrive validated against the
	// registered schema. Handlers must honor ctx cancellation; the executor
	// derives a per-call deadline from it.
	Handler func(ctx context.Context, args map[string]any) (any, error)

	// Descriptor declares a tool for registration.
	Descriptor struct {
		// Name identifies the tool to the model and the registry. Required,
		// unique within a registry.
		Name string
		// Description documents the tool for the model.
		Description string
		// Schema is the JSON Schema object validating call arguments. Nil
		// registers the tool without argument validation.
		Schema map[string]any
		// ReadOnly declares the side-effect class. Nil derives it from the
		// name prefix (get_, list_, read_ are read-only).
		ReadOnly *bool
		// Timeout overrides the executor's per-call timeout for this tool.
		// Zero keeps the executor default.
		Timeout time.Duration
		// Handler executes the call. Required.
		Handler Handler
	}

	// Result is the outcome of one tool call. Exactly one of OK content or
	// Error is meaningful; failed calls keep OK false with the kind and text
	// in Error.
	Result struct {
		// CallID echoes the originating call id.
		CallID string `json:"call_id"`
		// Name echoes the tool name.
		Name string `json:"name"`
		// OK reports whether the call succeeded.
		OK bool `json:"ok"`
		// Content is the result rendered for the model.
		Content string `json:"content,omitempty"`
		// Structured preserves the handler's typed return value.
		Structured any `json:"structured,omitempty"`
		// Error carries the failure kind and text when OK is false.
		Error *ResultError `json:"error,omitempty"`
		// Duration is the wall-clock time of the call.
		Duration time.Duration `json:"duration"`
	}

	// ResultError is the machine-readable failure of a tool call.
	ResultError struct {
		// Kind is the fault taxonomy entry.
		Kind fault.Kind `json:"kind"`
		// Message is the human-readable failure text.
		Message string `json:"message"`
	}
)

// Failed constructs a failed Result for the given call identity.
func Failed(callID, name string, kind fault.Kind, msg string) Result {
	return Result{
		CallID: callID,
		Name:   name,
		Error:  &ResultError{Kind: kind, Message: msg},
	}
}

// DeriveReadOnly reports whether a tool name is classified read-only by the
// naming heuristic.
func DeriveReadOnly(name string) bool {
	for _, prefix := range readOnlyPrefixes {
		if strings.HasPrefix(name, prefix) {
			return true
		}
	}
	return false
}

// Error renders the result error as "kind: message".
func (e *ResultError) Error() string {
	if e == nil {
		return ""
	}
	return string(e.Kind) + ": " + e.Message
}
