// Package bedrock provides a model.Client implementation backed by the AWS
// Bedrock Converse API. It splits system and conversational messages, encodes
// tool schemas into Bedrock's ToolConfiguration and translates Converse
// responses (text and toolUse blocks) back into the runtime types.
package bedrock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	smithy "github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"goa.design/loom/runtime/message"
	"goa.design/loom/runtime/model"
)

type (
	// RuntimeClient mirrors the subset of the AWS Bedrock runtime client
	// required by the adapter. ConverseStream returns the StreamOutput
	// interface so tests can inject a fake event stream; wrap the real
	// client with NewFromClient.
	RuntimeClient interface {
		Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
		ConverseStream(ctx context.Context, params *bedrockruntime.ConverseStreamInput, optFns ...func(*bedrockruntime.Options)) (StreamOutput, error)
	}

	// StreamOutput exposes the event stream of a ConverseStream call.
	// *bedrockruntime.ConverseStreamOutput satisfies it.
	StreamOutput interface {
		GetStream() *bedrockruntime.ConverseStreamEventStream
	}

	// Options configures optional adapter behavior.
	Options struct {
		// DefaultModel is the Bedrock model identifier used when
		// model.Request.Model is empty. Required.
		DefaultModel string

		// MaxTokens caps completions when a request does not specify
		// MaxTokens. Zero leaves the cap to the provider.
		MaxTokens int

		// Temperature is used when a request does not specify Temperature.
		Temperature float32
	}

	// Client implements model.Client on top of the Bedrock Converse API.
	Client struct {
		runtime      RuntimeClient
		defaultModel string
		maxTok       int
		temp         float32
	}
)

var _ model.Client = (*Client)(nil)

// New builds a Bedrock-backed model client from the provided runtime client
// and configuration options.
func New(rt RuntimeClient, opts Options) (*Client, error) {
	if rt == nil {
		return nil, errors.New("bedrock runtime client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("default model identifier is required")
	}
	return &Client{
		runtime:      rt,
		defaultModel: opts.DefaultModel,
		maxTok:       opts.MaxTokens,
		temp:         opts.Temperature,
	}, nil
}

// NewFromClient wraps a concrete *bedrockruntime.Client. The wrapper is
// needed because the SDK's ConverseStream returns a concrete output type
// rather than the StreamOutput interface.
func NewFromClient(rc *bedrockruntime.Client, opts Options) (*Client, error) {
	if rc == nil {
		return nil, errors.New("bedrock runtime client is required")
	}
	return New(&runtimeAdapter{client: rc}, opts)
}

// runtimeAdapter adapts *bedrockruntime.Client to the RuntimeClient seam.
type runtimeAdapter struct {
	client *bedrockruntime.Client
}

func (a *runtimeAdapter) Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error) {
	return a.client.Converse(ctx, params, optFns...)
}

func (a *runtimeAdapter) ConverseStream(ctx context.Context, params *bedrockruntime.ConverseStreamInput, optFns ...func(*bedrockruntime.Options)) (StreamOutput, error) {
	out, err := a.client.ConverseStream(ctx, params, optFns...)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Generate issues a non-streaming Converse request and translates the
// response into the normalized Response shape.
func (c *Client) Generate(ctx context.Context, req *model.Request) (*model.Response, error) {
	enc, err := c.prepareRequest(req)
	if err != nil {
		return nil, err
	}
	input := &bedrockruntime.ConverseInput{
		ModelId:         aws.String(enc.modelID),
		Messages:        enc.messages,
		System:          enc.system,
		ToolConfig:      enc.toolConfig,
		InferenceConfig: enc.inference,
	}
	output, err := c.runtime.Converse(ctx, input)
	if err != nil {
		return nil, wrapError("converse", err)
	}
	return translateResponse(output, enc.provToCanon)
}

// Stream issues a ConverseStream request and adapts its events into
// model.Chunks.
func (c *Client) Stream(ctx context.Context, req *model.Request) (model.Streamer, error) {
	enc, err := c.prepareRequest(req)
	if err != nil {
		return nil, err
	}
	input := &bedrockruntime.ConverseStreamInput{
		ModelId:         aws.String(enc.modelID),
		Messages:        enc.messages,
		System:          enc.system,
		ToolConfig:      enc.toolConfig,
		InferenceConfig: enc.inference,
	}
	output, err := c.runtime.ConverseStream(ctx, input)
	if err != nil {
		return nil, wrapError("converse stream", err)
	}
	return newStreamer(ctx, output.GetStream(), enc.provToCanon), nil
}

// encodedRequest carries the provider payload pieces shared by Generate and
// Stream, which use distinct input types with identical fields.
type encodedRequest struct {
	modelID     string
	messages    []brtypes.Message
	system      []brtypes.SystemContentBlock
	toolConfig  *brtypes.ToolConfiguration
	inference   *brtypes.InferenceConfiguration
	provToCanon map[string]string
}

func (c *Client) prepareRequest(req *model.Request) (*encodedRequest, error) {
	if req == nil || len(req.Messages) == 0 {
		return nil, errors.New("bedrock: messages are required")
	}
	modelID := req.Model
	if modelID == "" {
		modelID = c.defaultModel
	}
	toolConfig, canonToProv, provToCanon, err := encodeTools(req.Tools)
	if err != nil {
		return nil, err
	}
	// Converse rejects transcripts containing toolUse or toolResult blocks
	// unless a tool configuration accompanies them.
	if toolConfig == nil && messagesHaveToolBlocks(req.Messages) {
		return nil, errors.New("bedrock: transcript contains tool blocks but no tools are configured")
	}
	msgs, system, err := encodeMessages(req.Messages, canonToProv)
	if err != nil {
		return nil, err
	}
	return &encodedRequest{
		modelID:     modelID,
		messages:    msgs,
		system:      system,
		toolConfig:  toolConfig,
		inference:   c.inferenceConfig(req),
		provToCanon: provToCanon,
	}, nil
}

func (c *Client) inferenceConfig(req *model.Request) *brtypes.InferenceConfiguration {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTok
	}
	temp := req.Temperature
	if temp <= 0 {
		temp = c.temp
	}
	if maxTokens <= 0 && temp <= 0 {
		return nil
	}
	cfg := &brtypes.InferenceConfiguration{}
	if maxTokens > 0 {
		cfg.MaxTokens = aws.Int32(int32(maxTokens))
	}
	if temp > 0 {
		cfg.Temperature = aws.Float32(temp)
	}
	return cfg
}

// encodeMessages splits the transcript into system blocks and conversation
// turns. The Converse API requires strictly alternating user and assistant
// turns, and tool results arrive as separate tool messages, so blocks
// mapping to the same provider role are merged into the previous turn.
func encodeMessages(msgs []*message.Message, nameMap map[string]string) ([]brtypes.Message, []brtypes.SystemContentBlock, error) {
	conversation := make([]brtypes.Message, 0, len(msgs))
	system := make([]brtypes.SystemContentBlock, 0, 1)

	push := func(role brtypes.ConversationRole, blocks ...brtypes.ContentBlock) {
		if n := len(conversation); n > 0 && conversation[n-1].Role == role {
			conversation[n-1].Content = append(conversation[n-1].Content, blocks...)
			return
		}
		conversation = append(conversation, brtypes.Message{Role: role, Content: blocks})
	}

	for _, m := range msgs {
		if m == nil {
			continue
		}
		switch m.Role {
		case message.RoleSystem:
			if text := m.Text(); text != "" {
				system = append(system, &brtypes.SystemContentBlockMemberText{Value: text})
			}
		case message.RoleUser:
			if text := m.Text(); text != "" {
				push(brtypes.ConversationRoleUser, &brtypes.ContentBlockMemberText{Value: text})
			}
		case message.RoleAssistant:
			blocks := make([]brtypes.ContentBlock, 0, 1+len(m.ToolCalls))
			if text := m.Text(); text != "" {
				blocks = append(blocks, &brtypes.ContentBlockMemberText{Value: text})
			}
			for _, tc := range m.ToolCalls {
				if tc.Name == "" {
					return nil, nil, errors.New("bedrock: tool call missing name")
				}
				name, ok := nameMap[tc.Name]
				if !ok {
					name = SanitizeToolName(tc.Name)
				}
				blocks = append(blocks, &brtypes.ContentBlockMemberToolUse{Value: brtypes.ToolUseBlock{
					ToolUseId: aws.String(sanitizeToolUseID(tc.ID)),
					Name:      aws.String(name),
					Input:     argsDocument(tc.Arguments),
				}})
			}
			if len(blocks) == 0 {
				continue
			}
			push(brtypes.ConversationRoleAssistant, blocks...)
		case message.RoleTool:
			if m.ToolCallID == "" {
				return nil, nil, errors.New("bedrock: tool message missing tool_call_id")
			}
			result := brtypes.ToolResultBlock{
				ToolUseId: aws.String(sanitizeToolUseID(m.ToolCallID)),
				Content: []brtypes.ToolResultContentBlock{
					&brtypes.ToolResultContentBlockMemberText{Value: m.Content},
				},
			}
			if isErrorResult(m) {
				result.Status = brtypes.ToolResultStatusError
			}
			push(brtypes.ConversationRoleUser, &brtypes.ContentBlockMemberToolResult{Value: result})
		default:
			return nil, nil, fmt.Errorf("bedrock: unsupported message role %q", m.Role)
		}
	}
	if len(conversation) == 0 {
		return nil, nil, errors.New("bedrock: at least one user or assistant message is required")
	}
	return conversation, system, nil
}

// isErrorResult reports whether a tool message carries a failed result. The
// executor annotates results with an "ok" metadata flag.
func isErrorResult(m *message.Message) bool {
	ok, set := m.Metadata["ok"].(bool)
	return set && !ok
}

func messagesHaveToolBlocks(msgs []*message.Message) bool {
	for _, m := range msgs {
		if m == nil {
			continue
		}
		if m.Role == message.RoleTool || len(m.ToolCalls) > 0 {
			return true
		}
	}
	return false
}

func encodeTools(defs []model.ToolDefinition) (*brtypes.ToolConfiguration, map[string]string, map[string]string, error) {
	if len(defs) == 0 {
		return nil, nil, nil, nil
	}
	toolList := make([]brtypes.Tool, 0, len(defs))
	// canonToSan maps registered tool names to provider-visible sanitized
	// names; sanToCanon is the reverse map used to translate toolUse blocks
	// back.
	canonToSan := make(map[string]string, len(defs))
	sanToCanon := make(map[string]string, len(defs))
	for _, def := range defs {
		if def.Name == "" {
			continue
		}
		sanitized := SanitizeToolName(def.Name)
		if prev, ok := sanToCanon[sanitized]; ok && prev != def.Name {
			return nil, nil, nil, fmt.Errorf(
				"bedrock: tool name %q sanitizes to %q which collides with %q",
				def.Name, sanitized, prev,
			)
		}
		sanToCanon[sanitized] = def.Name
		canonToSan[def.Name] = sanitized
		if def.Description == "" {
			return nil, nil, nil, fmt.Errorf("bedrock: tool %q is missing description", def.Name)
		}
		toolList = append(toolList, &brtypes.ToolMemberToolSpec{Value: brtypes.ToolSpecification{
			Name:        aws.String(sanitized),
			Description: aws.String(def.Description),
			InputSchema: &brtypes.ToolInputSchemaMemberJson{Value: schemaDocument(def.InputSchema)},
		}})
	}
	if len(toolList) == 0 {
		return nil, nil, nil, nil
	}
	return &brtypes.ToolConfiguration{Tools: toolList}, canonToSan, sanToCanon, nil
}

// sanitizeToolUseID maps a tool call id to Bedrock's documented id charset.
// The mapping is deterministic so tool results land on the same id as the
// toolUse block they answer.
func sanitizeToolUseID(id string) string {
	if isProviderSafeToolUseID(id) {
		return id
	}
	return SanitizeToolName(id)
}

// isProviderSafeToolUseID reports whether id conforms to Bedrock's documented
// toolUseId constraints: [a-zA-Z0-9_-]+ and at most 64 bytes.
func isProviderSafeToolUseID(id string) bool {
	if id == "" || len(id) > 64 {
		return false
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '_' || r == '-':
		default:
			return false
		}
	}
	return true
}

// schemaDocument encodes a JSON schema for the tool configuration. Empty
// schemas accept any object.
func schemaDocument(schema map[string]any) document.Interface {
	if len(schema) == 0 {
		return document.NewLazyDocument(map[string]any{"type": "object"})
	}
	return document.NewLazyDocument(schema)
}

// argsDocument encodes parsed tool call arguments.
func argsDocument(args map[string]any) document.Interface {
	if len(args) == 0 {
		return document.NewLazyDocument(map[string]any{})
	}
	return document.NewLazyDocument(args)
}

func translateResponse(output *bedrockruntime.ConverseOutput, nameMap map[string]string) (*model.Response, error) {
	if output == nil {
		return nil, errors.New("bedrock: response is nil")
	}
	resp := &model.Response{StopReason: string(output.StopReason)}
	if msg, ok := output.Output.(*brtypes.ConverseOutputMemberMessage); ok {
		var content strings.Builder
		for _, block := range msg.Value.Content {
			switch v := block.(type) {
			case *brtypes.ContentBlockMemberText:
				if v.Value == "" {
					continue
				}
				if content.Len() > 0 {
					content.WriteString("\n")
				}
				content.WriteString(v.Value)
			case *brtypes.ContentBlockMemberToolUse:
				call := message.ToolCall{Arguments: decodeDocument(v.Value.Input)}
				if v.Value.ToolUseId != nil {
					call.ID = *v.Value.ToolUseId
				}
				if v.Value.Name != nil {
					call.Name = canonicalToolName(*v.Value.Name, nameMap)
				}
				resp.ToolCalls = append(resp.ToolCalls, call)
			}
		}
		resp.Content = content.String()
	}
	if usage := output.Usage; usage != nil {
		resp.Usage = model.TokenUsage{
			InputTokens:  int(aws.ToInt32(usage.InputTokens)),
			OutputTokens: int(aws.ToInt32(usage.OutputTokens)),
			TotalTokens:  int(aws.ToInt32(usage.TotalTokens)),
		}
		if resp.Usage.TotalTokens == 0 {
			resp.Usage.TotalTokens = resp.Usage.InputTokens + resp.Usage.OutputTokens
		}
	}
	return resp, nil
}

// canonicalToolName translates a provider-visible tool name back to the
// registered name. Names the model invented pass through unchanged so the
// executor can reject them with a recoverable result.
func canonicalToolName(name string, nameMap map[string]string) string {
	normalized := normalizeToolName(name)
	if canonical, ok := nameMap[normalized]; ok {
		return canonical
	}
	return normalized
}

// decodeDocument converts a smithy document into the parsed-arguments map the
// runtime expects.
func decodeDocument(doc document.Interface) map[string]any {
	if doc == nil {
		return nil
	}
	data, err := doc.MarshalSmithyDocument()
	if err != nil {
		return nil
	}
	return decodeArguments(string(data))
}

// decodeArguments parses a tool input payload into the parsed-arguments map
// the runtime expects. Payloads that are not a JSON object are preserved
// under a "raw" key rather than dropped.
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

// wrapError annotates provider failures with the failed operation. Throttling
// rejections additionally wrap model.ErrRateLimited so rate-aware callers can
// detect them with errors.Is without knowing smithy error shapes.
func wrapError(operation string, err error) error {
	if IsThrottle(err) {
		return fmt.Errorf("bedrock %s: %w: %w", operation, model.ErrRateLimited, err)
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return fmt.Errorf("bedrock %s: %s: %w", operation, apiErr.ErrorCode(), err)
	}
	return fmt.Errorf("bedrock %s: %w", operation, err)
}

// IsThrottle reports whether err is a Bedrock throttling rejection. It treats
// HTTP 429 responses and the ThrottlingException and TooManyRequestsException
// error codes as throttles, and is idempotent when model.ErrRateLimited is
// already in the chain.
func IsThrottle(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, model.ErrRateLimited) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ThrottlingException", "TooManyRequestsException":
			return true
		}
	}
	var respErr *smithyhttp.ResponseError
	return errors.As(err, &respErr) && respErr.HTTPStatusCode() == http.StatusTooManyRequests
}
