// Package model defines the provider-agnostic contract the agent executor
// uses to invoke language models. It abstracts over chat completion APIs
// (Anthropic, OpenAI, Bedrock, ...) so the executor can run turns without
// coupling to vendor SDKs. Adapters under features/model translate these
// normalized types into provider wire formats and back.
package model

import (
	"context"
	"errors"
	"io"
	"strings"

	"goa.design/loom/runtime/message"
)

type (
	// Client is the contract the agent executor uses to invoke a model.
	// Implementations wrap provider SDKs and translate Request/Response to
	// provider-specific formats. Clients must be safe for concurrent use.
	Client interface {
		// Generate sends a completion request and returns the full response.
		// Returns an error when the provider is unavailable, the request is
		// malformed, or generation fails.
		Generate(ctx context.Context, req *Request) (*Response, error)

		// Stream sends a completion request and returns a Streamer yielding
		// incremental chunks. The returned Streamer must be closed by the
		// caller. Providers without streaming support return
		// ErrStreamingUnsupported and the executor falls back to Generate.
		Stream(ctx context.Context, req *Request) (Streamer, error)
	}

	// Streamer delivers incremental model output. Successive Recv calls
	// return chunks until io.EOF. Recv is intended for a single goroutine;
	// Close releases the underlying connection and may be called from any
	// goroutine.
	Streamer interface {
		// Recv returns the next chunk from the stream.
		Recv() (Chunk, error)
		// Close closes the stream.
		Close() error
		// Metadata returns provider-specific stream metadata such as the
		// resolved model id, request ids, or token usage. Contents are
		// provider-defined and optional.
		Metadata() map[string]any
	}

	// Request captures the normalized parameters of a model invocation.
	Request struct {
		// Model is the provider-specific model identifier. Empty selects the
		// adapter's configured default.
		Model string

		// Messages is the ordered conversation sent to the model: system
		// instructions, user inputs, prior assistant turns, and tool results.
		Messages []*message.Message

		// Tools describes the tool schemas exposed to the model for this
		// request. Empty when the model should not call tools.
		Tools []ToolDefinition

		// Temperature controls sampling randomness. Zero means the provider
		// default.
		Temperature float32

		// MaxTokens caps completion length. Zero means the provider default.
		MaxTokens int
	}

	// ToolDefinition describes one tool advertised to the model.
	ToolDefinition struct {
		// Name is the identifier the model uses to call the tool.
		Name string
		// Description documents when and how to invoke the tool.
		Description string
		// InputSchema is the JSON Schema object describing the arguments.
		InputSchema map[string]any
	}

	// Response is the complete output of a non-streaming invocation.
	Response struct {
		// Content is the assistant text. Empty when the model only requested
		// tool calls.
		Content string

		// ToolCalls lists the tool invocations requested by the model, in
		// the order the model produced them. Arguments are parsed.
		ToolCalls []message.ToolCall

		// Usage reports token accounting when the provider supplies it.
		Usage TokenUsage

		// StopReason is the provider's termination reason ("end_turn",
		// "max_tokens", "tool_use", ...). Provider-specific, may be empty.
		StopReason string
	}

	// Chunk is one streaming event. Type selects which fields are set:
	//
	//   - ChunkContentDelta:     Delta carries an assistant text fragment.
	//   - ChunkToolCallStart:    ToolCall carries the call id and name; the
	//                            arguments are not yet complete.
	//   - ChunkToolCallComplete: ToolCall carries the finished call with
	//                            parsed arguments.
	//   - ChunkDone:             StopReason and Usage describe the finished
	//                            response; no further chunks follow.
	Chunk struct {
		// Type is the chunk kind.
		Type ChunkType
		// Delta is the text fragment for content_delta chunks.
		Delta string
		// ToolCall is populated on tool_call_start and tool_call_complete.
		ToolCall *message.ToolCall
		// Usage reports token accounting on done chunks when available.
		Usage *TokenUsage
		// StopReason is the provider's termination reason on done chunks.
		StopReason string
	}

	// TokenUsage records token counts reported by the provider. All fields
	// are zero when the provider does not report usage.
	TokenUsage struct {
		// InputTokens counts prompt tokens, including system instructions
		// and history.
		InputTokens int
		// OutputTokens counts generated tokens, including tool call
		// arguments.
		OutputTokens int
		// TotalTokens is the provider-reported aggregate. Prefer it over
		// summing the parts; some providers include overhead.
		TotalTokens int
	}
)

// ChunkType discriminates streaming events.
type ChunkType string

const (
	// ChunkContentDelta is an incremental fragment of assistant text.
	ChunkContentDelta ChunkType = "content_delta"
	// ChunkToolCallStart announces a tool call before its arguments are
	// complete. Consumers must not execute the call yet.
	ChunkToolCallStart ChunkType = "tool_call_start"
	// ChunkToolCallComplete carries a finished tool call with parsed
	// arguments.
	ChunkToolCallComplete ChunkType = "tool_call_complete"
	// ChunkDone terminates the stream.
	ChunkDone ChunkType = "done"
)

// ErrStreamingUnsupported indicates the provider does not implement
// streaming for the requested model or parameters. Callers fall back to
// Generate.
var ErrStreamingUnsupported = errors.New("model: streaming not supported")

// ErrRateLimited indicates the provider throttled the request. Adapters
// wrap throttle rejections with it so rate limiting middleware can react
// without provider-specific error inspection.
var ErrRateLimited = errors.New("model: rate limited")

// Collect drains a Streamer into a Response. Content deltas are
// concatenated, completed tool calls accumulated in arrival order, and the
// final usage and stop reason taken from the done chunk. The streamer is
// closed before Collect returns.
func Collect(s Streamer) (*Response, error) {
	defer s.Close()
	var resp Response
	var content strings.Builder
	for {
		chunk, err := s.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				resp.Content = content.String()
				return &resp, nil
			}
			return nil, err
		}
		switch chunk.Type {
		case ChunkContentDelta:
			content.WriteString(chunk.Delta)
		case ChunkToolCallComplete:
			if chunk.ToolCall != nil {
				resp.ToolCalls = append(resp.ToolCalls, *chunk.ToolCall)
			}
		case ChunkDone:
			if chunk.Usage != nil {
				resp.Usage = *chunk.Usage
			}
			resp.StopReason = chunk.StopReason
		}
	}
}
