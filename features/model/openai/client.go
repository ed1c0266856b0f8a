// Package openai provides a model.Client implementation backed by the OpenAI
// Chat Completions API. It translates normalized requests into chat
// completion calls using github.com/openai/openai-go/v2 and maps responses and
// streamed deltas back into the runtime types.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	sdk "github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
	"github.com/openai/openai-go/v2/packages/ssestream"
	"github.com/openai/openai-go/v2/shared"

	"goa.design/loom/runtime/message"
	"goa.design/loom/runtime/model"
)

type (
	// ChatClient captures the subset of the OpenAI SDK client used by the
	// adapter. It is satisfied by *sdk.ChatCompletionService so callers can
	// pass either a real client or a stub in tests.
	ChatClient interface {
		New(ctx context.Context, body sdk.ChatCompletionNewParams, opts ...option.RequestOption) (*sdk.ChatCompletion, error)
		NewStreaming(ctx context.Context, body sdk.ChatCompletionNewParams, opts ...option.RequestOption) *ssestream.Stream[sdk.ChatCompletionChunk]
	}

	// Options configures optional adapter behavior.
	Options struct {
		// DefaultModel is the model identifier used when model.Request.Model
		// is empty. Required.
		DefaultModel string

		// Temperature is used when a request does not specify Temperature.
		Temperature float32
	}

	// Client implements model.Client on top of OpenAI chat completions.
	Client struct {
		chat         ChatClient
		defaultModel string
		temp         float32
	}
)

var _ model.Client = (*Client)(nil)

// New builds an OpenAI-backed model client from the provided chat completion
// client and configuration options.
func New(chat ChatClient, opts Options) (*Client, error) {
	if chat == nil {
		return nil, errors.New("openai client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("default model identifier is required")
	}
	return &Client{chat: chat, defaultModel: opts.DefaultModel, temp: opts.Temperature}, nil
}

// NewFromAPIKey constructs a client using the default OpenAI HTTP client.
func NewFromAPIKey(apiKey, defaultModel string) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	oc := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(&oc.Chat.Completions, Options{DefaultModel: defaultModel})
}

// Generate issues a non-streaming chat completion and translates the first
// choice into the normalized Response shape.
func (c *Client) Generate(ctx context.Context, req *model.Request) (*model.Response, error) {
	params, err := c.prepareRequest(req)
	if err != nil {
		return nil, err
	}
	completion, err := c.chat.New(ctx, *params)
	if err != nil {
		if isRateLimited(err) {
			return nil, fmt.Errorf("openai chat completion: %w: %w", model.ErrRateLimited, err)
		}
		return nil, fmt.Errorf("openai chat completion: %w", err)
	}
	return translateResponse(completion)
}

// Stream issues a streaming chat completion and adapts the delta events into
// model.Chunks.
func (c *Client) Stream(ctx context.Context, req *model.Request) (model.Streamer, error) {
	params, err := c.prepareRequest(req)
	if err != nil {
		return nil, err
	}
	// Without this option the provider omits token usage from the stream.
	params.StreamOptions = sdk.ChatCompletionStreamOptionsParam{IncludeUsage: sdk.Bool(true)}
	stream := c.chat.NewStreaming(ctx, *params)
	if err := stream.Err(); err != nil {
		if isRateLimited(err) {
			return nil, fmt.Errorf("openai chat completion stream: %w: %w", model.ErrRateLimited, err)
		}
		return nil, fmt.Errorf("openai chat completion stream: %w", err)
	}
	return newStreamer(ctx, stream), nil
}

func (c *Client) prepareRequest(req *model.Request) (*sdk.ChatCompletionNewParams, error) {
	if req == nil || len(req.Messages) == 0 {
		return nil, errors.New("openai: messages are required")
	}
	modelID := req.Model
	if modelID == "" {
		modelID = c.defaultModel
	}
	msgs, err := encodeMessages(req.Messages)
	if err != nil {
		return nil, err
	}
	params := sdk.ChatCompletionNewParams{
		Model:    shared.ChatModel(modelID),
		Messages: msgs,
	}
	if len(req.Tools) > 0 {
		params.Tools = encodeTools(req.Tools)
	}
	if t := c.effectiveTemperature(req.Temperature); t > 0 {
		params.Temperature = sdk.Float(float64(t))
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = sdk.Int(int64(req.MaxTokens))
	}
	return &params, nil
}

func (c *Client) effectiveTemperature(requested float32) float32 {
	if requested > 0 {
		return requested
	}
	return c.temp
}

// encodeMessages converts the transcript into chat completion message params.
// Assistant tool calls re-encode as structured tool_calls entries and tool
// messages reference them by id, which the API requires when resuming a tool
// loop.
func encodeMessages(msgs []*message.Message) ([]sdk.ChatCompletionMessageParamUnion, error) {
	out := make([]sdk.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, m := range msgs {
		if m == nil {
			continue
		}
		switch m.Role {
		case message.RoleSystem:
			if text := m.Text(); text != "" {
				out = append(out, sdk.SystemMessage(text))
			}
		case message.RoleUser:
			if text := m.Text(); text != "" {
				out = append(out, sdk.UserMessage(text))
			}
		case message.RoleAssistant:
			if len(m.ToolCalls) == 0 {
				if text := m.Text(); text != "" {
					out = append(out, sdk.AssistantMessage(text))
				}
				continue
			}
			assistant := sdk.ChatCompletionAssistantMessageParam{}
			if text := m.Text(); text != "" {
				assistant.Content.OfString = sdk.String(text)
			}
			assistant.ToolCalls = make([]sdk.ChatCompletionMessageToolCallUnionParam, 0, len(m.ToolCalls))
			for _, tc := range m.ToolCalls {
				if tc.ID == "" || tc.Name == "" {
					return nil, errors.New("openai: assistant tool call missing id or name")
				}
				args, err := encodeArguments(tc.Arguments)
				if err != nil {
					return nil, fmt.Errorf("openai: marshal arguments for tool %q: %w", tc.Name, err)
				}
				assistant.ToolCalls = append(assistant.ToolCalls, sdk.ChatCompletionMessageToolCallUnionParam{
					OfFunction: &sdk.ChatCompletionMessageFunctionToolCallParam{
						ID: tc.ID,
						Function: sdk.ChatCompletionMessageFunctionToolCallFunctionParam{
							Name:      tc.Name,
							Arguments: args,
						},
					},
				})
			}
			out = append(out, sdk.ChatCompletionMessageParamUnion{OfAssistant: &assistant})
		case message.RoleTool:
			if m.ToolCallID == "" {
				return nil, errors.New("openai: tool message missing tool_call_id")
			}
			out = append(out, sdk.ToolMessage(m.Content, m.ToolCallID))
		default:
			return nil, fmt.Errorf("openai: unsupported message role %q", m.Role)
		}
	}
	if len(out) == 0 {
		return nil, errors.New("openai: at least one message with content is required")
	}
	return out, nil
}

func encodeArguments(args map[string]any) (string, error) {
	if len(args) == 0 {
		return "{}", nil
	}
	data, err := json.Marshal(args)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func encodeTools(defs []model.ToolDefinition) []sdk.ChatCompletionToolUnionParam {
	toolList := make([]sdk.ChatCompletionToolUnionParam, 0, len(defs))
	for _, def := range defs {
		if def.Name == "" {
			continue
		}
		fn := shared.FunctionDefinitionParam{Name: def.Name}
		if def.Description != "" {
			fn.Description = sdk.String(def.Description)
		}
		if len(def.InputSchema) > 0 {
			fn.Parameters = shared.FunctionParameters(def.InputSchema)
		}
		toolList = append(toolList, sdk.ChatCompletionFunctionTool(fn))
	}
	return toolList
}

// isRateLimited reports whether err is an OpenAI 429 rejection. It is
// idempotent when model.ErrRateLimited is already in the chain.
func isRateLimited(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, model.ErrRateLimited) {
		return true
	}
	var apiErr *sdk.Error
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusTooManyRequests
}

func translateResponse(completion *sdk.ChatCompletion) (*model.Response, error) {
	if completion == nil || len(completion.Choices) == 0 {
		return nil, errors.New("openai: response carries no choices")
	}
	choice := completion.Choices[0]
	resp := &model.Response{
		Content:    choice.Message.Content,
		StopReason: string(choice.FinishReason),
	}
	for _, call := range choice.Message.ToolCalls {
		if call.Function.Name == "" {
			continue
		}
		resp.ToolCalls = append(resp.ToolCalls, message.ToolCall{
			ID:        call.ID,
			Name:      call.Function.Name,
			Arguments: decodeArguments(call.Function.Arguments),
		})
	}
	resp.Usage = translateUsage(completion.Usage)
	return resp, nil
}

func translateUsage(u sdk.CompletionUsage) model.TokenUsage {
	return model.TokenUsage{
		InputTokens:  int(u.PromptTokens),
		OutputTokens: int(u.CompletionTokens),
		TotalTokens:  int(u.TotalTokens),
	}
}

// decodeArguments parses a tool call arguments payload into the
// parsed-arguments map the runtime expects. Payloads that are not a JSON
// object are preserved under a "raw" key rather than dropped.
func decodeArguments(raw string) map[string]any {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" || trimmed == "{}" || trimmed == "null" {
		return nil
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(trimmed), &args); err != nil {
		return map[string]any{"raw": trimmed}
	}
	return args
}
