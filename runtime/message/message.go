// Package message defines the immutable work unit exchanged between every
// component of the runtime. A Message is constructed once and never mutated:
// derivation helpers (Reply, WithContent, ...) return new values and leave the
// receiver untouched, which is what makes messages safe to share across the
// bus, the memory tiers, and concurrent agent turns without copying at each
// hop.
package message

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Role identifies the conversational role of a Message.
type Role string

const (
	// RoleUser marks a message authored by the caller.
	RoleUser Role = "user"
	// RoleAssistant marks a message authored by the model.
	RoleAssistant Role = "assistant"
	// RoleSystem marks instruction material injected by the runtime.
	RoleSystem Role = "system"
	// RoleTool marks a tool result responding to an assistant tool call.
	RoleTool Role = "tool"
)

type (
	// Message is the immutable work unit. Treat every field as read-only;
	// use the derivation helpers to produce updated values. Slices and maps
	// held by a Message are defensively copied at construction so callers
	// cannot alias into it afterwards.
	Message struct {
		// ID uniquely identifies the message. Generated at construction.
		ID string `json:"id"`
		// Role is one of user, assistant, system, or tool.
		Role Role `json:"role"`
		// Content is the textual payload. Empty when Parts carries the
		// content instead.
		Content string `json:"content,omitempty"`
		// Parts optionally carries ordered structured content. When set it
		// takes precedence over Content.
		Parts []Part `json:"parts,omitempty"`
		// ToolCalls are the tool invocations requested by an assistant
		// message. Only assistant messages carry tool calls.
		ToolCalls []ToolCall `json:"tool_calls,omitempty"`
		// ToolCallID correlates a tool message with the assistant tool call
		// it responds to. Required when Role is RoleTool.
		ToolCallID string `json:"tool_call_id,omitempty"`
		// Name is an optional display label.
		Name string `json:"name,omitempty"`
		// Metadata carries open annotations (cost, correlation ids,
		// importance hints). Never load-bearing for correctness.
		Metadata map[string]any `json:"metadata,omitempty"`
		// Timestamp records creation time in UTC.
		Timestamp time.Time `json:"timestamp"`
		// ParentID links to the message that produced this one.
		ParentID string `json:"parent_id,omitempty"`
		// History is the ordered causal chain preceding this message. The
		// slice is a defensive copy; entries are themselves immutable.
		History []*Message `json:"history,omitempty"`
	}

	// Part is one element of structured message content.
	Part struct {
		// Type discriminates the part: "text" or "data".
		Type string `json:"type"`
		// Text is the textual payload for text parts.
		Text string `json:"text,omitempty"`
		// Data is the structured payload for data parts.
		Data map[string]any `json:"data,omitempty"`
	}

	// ToolCall is a single tool invocation requested by the model.
	ToolCall struct {
		// ID correlates the call with its eventual tool result.
		ID string `json:"call_id"`
		// Name is the registered tool name.
		Name string `json:"name"`
		// Arguments are the parsed call arguments. Schema is owned by the
		// tool; by the time a ToolCall exists the JSON has been decoded.
		Arguments map[string]any `json:"arguments,omitempty"`
	}

	// Option customizes a Message at construction.
	Option func(*Message)
)

// New constructs a Message with a generated ID and UTC timestamp. Options are
// applied before the defensive copies are taken.
func New(role Role, content string, opts ...Option) *Message {
	m := &Message{
		ID:        uuid.NewString(),
		Role:      role,
		Content:   content,
		Timestamp: time.Now().UTC(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.Metadata = cloneMetadata(m.Metadata)
	m.ToolCalls = cloneToolCalls(m.ToolCalls)
	m.Parts = cloneParts(m.Parts)
	m.History = cloneHistory(m.History)
	return m
}

// NewUser constructs a user message.
func NewUser(content string, opts ...Option) *Message {
	return New(RoleUser, content, opts...)
}

// NewAssistant constructs an assistant message.
func NewAssistant(content string, opts ...Option) *Message {
	return New(RoleAssistant, content, opts...)
}

// NewSystem constructs a system message.
func NewSystem(content string, opts ...Option) *Message {
	return New(RoleSystem, content, opts...)
}

// NewToolResult constructs a tool message answering the given call.
func NewToolResult(callID, name, content string, opts ...Option) *Message {
	return New(RoleTool, content, append([]Option{
		WithToolCallID(callID),
		WithName(name),
	}, opts...)...)
}

// WithID overrides the generated identifier. Intended for decoding and tests.
func WithID(id string) Option {
	return func(m *Message) { m.ID = id }
}

// WithTimestamp overrides the generated timestamp. Intended for decoding and
// tests.
func WithTimestamp(ts time.Time) Option {
	return func(m *Message) { m.Timestamp = ts.UTC() }
}

// WithName sets the display label.
func WithName(name string) Option {
	return func(m *Message) { m.Name = name }
}

// WithMetadata merges the given annotations into the message metadata.
func WithMetadata(md map[string]any) Option {
	return func(m *Message) {
		if len(md) == 0 {
			return
		}
		if m.Metadata == nil {
			m.Metadata = make(map[string]any, len(md))
		}
		for k, v := range md {
			m.Metadata[k] = v
		}
	}
}

// WithMetadataValue sets a single metadata annotation.
func WithMetadataValue(key string, value any) Option {
	return func(m *Message) {
		if m.Metadata == nil {
			m.Metadata = make(map[string]any, 1)
		}
		m.Metadata[key] = value
	}
}

// WithToolCalls attaches tool invocations. Valid on assistant messages only;
// Validate reports the violation otherwise.
func WithToolCalls(calls ...ToolCall) Option {
	return func(m *Message) { m.ToolCalls = calls }
}

// WithToolCallID correlates a tool message with an assistant tool call.
func WithToolCallID(callID string) Option {
	return func(m *Message) { m.ToolCallID = callID }
}

// WithParentID links the message to its producer.
func WithParentID(parentID string) Option {
	return func(m *Message) { m.ParentID = parentID }
}

// WithParts attaches structured content parts.
func WithParts(parts ...Part) Option {
	return func(m *Message) { m.Parts = parts }
}

// WithHistory sets the causal chain. The slice is copied; entries are shared
// because messages are immutable.
func WithHistory(history []*Message) Option {
	return func(m *Message) { m.History = history }
}

// Reply derives a new message that answers the receiver: the reply's parent is
// the receiver and its history is the receiver's history extended with the
// receiver itself. The receiver is not modified.
func (m *Message) Reply(role Role, content string, opts ...Option) *Message {
	hist := make([]*Message, 0, len(m.History)+1)
	hist = append(hist, m.History...)
	hist = append(hist, m)
	return New(role, content, append([]Option{
		WithParentID(m.ID),
		WithHistory(hist),
	}, opts...)...)
}

// WithContent derives a copy of the message with different content. All other
// fields, including the ID, are preserved.
func (m *Message) WithContent(content string) *Message {
	out := m.clone()
	out.Content = content
	return out
}

// WithAppendedMetadata derives a copy of the message with extra annotations
// merged into its metadata.
func (m *Message) WithAppendedMetadata(md map[string]any) *Message {
	out := m.clone()
	if out.Metadata == nil {
		out.Metadata = make(map[string]any, len(md))
	}
	for k, v := range md {
		out.Metadata[k] = v
	}
	return out
}

// Text returns the textual content of the message. When Parts are present the
// text parts are joined in order; otherwise Content is returned as is.
func (m *Message) Text() string {
	if len(m.Parts) == 0 {
		return m.Content
	}
	var b strings.Builder
	for _, p := range m.Parts {
		if p.Type == "text" && p.Text != "" {
			if b.Len() > 0 {
				b.WriteString("\n")
			}
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

// Thread returns the full causal chain including the receiver as its final
// element. The returned slice is freshly allocated.
func (m *Message) Thread() []*Message {
	out := make([]*Message, 0, len(m.History)+1)
	out = append(out, m.History...)
	out = append(out, m)
	return out
}

// Validate checks the structural invariants: tool messages carry a
// tool_call_id and no tool calls; only assistant messages carry tool calls.
func (m *Message) Validate() error {
	switch m.Role {
	case RoleTool:
		if m.ToolCallID == "" {
			return errors.New("tool message requires tool_call_id")
		}
		if len(m.ToolCalls) > 0 {
			return errors.New("tool message must not carry tool_calls")
		}
	case RoleAssistant:
	default:
		if len(m.ToolCalls) > 0 {
			return errors.New("only assistant messages may carry tool_calls")
		}
	}
	if m.Role != RoleUser && m.Role != RoleAssistant && m.Role != RoleSystem && m.Role != RoleTool {
		return errors.New("unknown role " + string(m.Role))
	}
	return nil
}

func (m *Message) clone() *Message {
	out := *m
	out.Metadata = cloneMetadata(m.Metadata)
	out.ToolCalls = cloneToolCalls(m.ToolCalls)
	out.Parts = cloneParts(m.Parts)
	out.History = cloneHistory(m.History)
	return &out
}

func cloneMetadata(src map[string]any) map[string]any {
	if len(src) == 0 {
		return nil
	}
	dst := make(map[string]any, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

func cloneToolCalls(src []ToolCall) []ToolCall {
	if len(src) == 0 {
		return nil
	}
	dst := make([]ToolCall, len(src))
	for i, tc := range src {
		dst[i] = tc
		if len(tc.Arguments) > 0 {
			args := make(map[string]any, len(tc.Arguments))
			for k, v := range tc.Arguments {
				args[k] = v
			}
			dst[i].Arguments = args
		}
	}
	return dst
}

func cloneParts(src []Part) []Part {
	if len(src) == 0 {
		return nil
	}
	dst := make([]Part, len(src))
	for i, p := range src {
		dst[i] = p
		if len(p.Data) > 0 {
			data := make(map[string]any, len(p.Data))
			for k, v := range p.Data {
				data[k] = v
			}
			dst[i].Data = data
		}
	}
	return dst
}

func cloneHistory(src []*Message) []*Message {
	if len(src) == 0 {
		return nil
	}
	dst := make([]*Message, len(src))
	copy(dst, src)
	return dst
}
