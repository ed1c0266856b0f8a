// Package prompt assembles the conversation sent to the model from named
// components under a token budget. Components carry a priority and a
// truncatable flag; assembly emits everything when it fits and otherwise
// shrinks the lowest-priority truncatable components by eliding their middle,
// preserving the head and tail of text and the first and last items of a
// message sequence. The assembler never calls the model.
//
//	asm := prompt.New(8192)
//	msgs, err := asm.Assemble(
//		prompt.NewText("instructions", prompt.Critical, sys, false),
//		prompt.NewMessages("conversation", prompt.Essential, history, true),
//		prompt.NewText("memory", prompt.High, excerpts, true),
//	)
package prompt

import (
	"goa.design/loom/runtime/message"
)

// Priority ranks components for emission order and truncation order. Higher
// priorities are emitted first and truncated last.
type Priority int

const (
	// Low marks optional enrichment, the first content truncated away.
	Low Priority = iota + 1
	// Medium marks supporting material such as tool guidance.
	Medium
	// High marks retrieved memory excerpts and similar context.
	High
	// Essential marks the live conversation.
	Essential
	// Critical marks base instructions that must always survive intact.
	Critical
)

// String implements fmt.Stringer.
func (p Priority) String() string {
	switch p {
	case Low:
		return "low"
	case Medium:
		return "medium"
	case High:
		return "high"
	case Essential:
		return "essential"
	case Critical:
		return "critical"
	default:
		return "unknown"
	}
}

// Defaults for assembly.
const (
	// DefaultBudget is the token budget used when none is configured.
	DefaultBudget = 8192
	// DefaultMarker is inserted where content was elided.
	DefaultMarker = "[... truncated ...]"

	// messageOverheadTokens approximates per-message framing cost (role,
	// separators) on top of the content estimate.
	messageOverheadTokens = 4
)

type (
	// Component is one named contribution to the assembled context. Exactly
	// one of Text or Messages carries the content; when both are set the
	// messages win.
	Component struct {
		// Name labels the component in logs and the emitted message.
		Name string
		// Priority ranks the component. Higher emits earlier and truncates
		// later.
		Priority Priority
		// Truncatable permits middle elision when over budget.
		Truncatable bool
		// Text is the textual content. Emitted as a single message.
		Text string
		// Role is the role of the emitted text message. Defaults to system.
		Role message.Role
		// Messages is an ordered message sequence emitted as is.
		Messages []*message.Message
	}

	// Estimator approximates the token cost of a string. Estimates only
	// gate assembly; exact counts are the provider's business.
	Estimator func(s string) int

	// Assembler orders components, enforces the budget, and flattens the
	// result into the message sequence handed to the model. Assembly is pure:
	// no IO, no model calls, inputs never modified.
	Assembler struct {
		budget   int
		estimate Estimator
		marker   string
	}

	// Option configures an Assembler.
	Option func(*Assembler)
)

// NewText returns a text component. The emitted message uses the system role
// unless overridden via the Role field.
func NewText(name string, priority Priority, text string, truncatable bool) Component {
	return Component{Name: name, Priority: priority, Text: text, Truncatable: truncatable}
}

// NewMessages returns a message-sequence component.
func NewMessages(name string, priority Priority, msgs []*message.Message, truncatable bool) Component {
	return Component{Name: name, Priority: priority, Messages: msgs, Truncatable: truncatable}
}

// New constructs an Assembler with the given token budget. Budgets at or
// below zero fall back to DefaultBudget.
func New(budget int, opts ...Option) *Assembler {
	if budget <= 0 {
		budget = DefaultBudget
	}
	a := &Assembler{
		budget:   budget,
		estimate: DefaultEstimator,
		marker:   DefaultMarker,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// WithEstimator injects the token estimator. Defaults to DefaultEstimator.
func WithEstimator(e Estimator) Option {
	return func(a *Assembler) {
		if e != nil {
			a.estimate = e
		}
	}
}

// WithMarker sets the elision marker text.
func WithMarker(marker string) Option {
	return func(a *Assembler) {
		if marker != "" {
			a.marker = marker
		}
	}
}

// Budget returns the configured token budget.
func (a *Assembler) Budget() int { return a.budget }

// DefaultEstimator approximates tokens as one per four characters, rounded
// up. Crude but monotone, which is all assembly needs.
func DefaultEstimator(s string) int {
	if s == "" {
		return 0
	}
	return (len(s) + 3) / 4
}
