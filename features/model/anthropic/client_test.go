package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/loom/runtime/message"
	"goa.design/loom/runtime/model"
)

type stubMessages struct {
	newFn    func(ctx context.Context, body sdk.MessageNewParams) (*sdk.Message, error)
	streamFn func(ctx context.Context, body sdk.MessageNewParams) *ssestream.Stream[sdk.MessageStreamEventUnion]
}

func (s *stubMessages) New(ctx context.Context, body sdk.MessageNewParams, _ ...option.RequestOption) (*sdk.Message, error) {
	return s.newFn(ctx, body)
}

func (s *stubMessages) NewStreaming(ctx context.Context, body sdk.MessageNewParams, _ ...option.RequestOption) *ssestream.Stream[sdk.MessageStreamEventUnion] {
	return s.streamFn(ctx, body)
}

func TestNewValidatesOptions(t *testing.T) {
	_, err := New(nil, Options{DefaultModel: "claude-sonnet-4-5"})
	require.Error(t, err)

	_, err = New(&stubMessages{}, Options{})
	require.Error(t, err)
}

func TestGenerateTranslatesResponse(t *testing.T) {
	var captured sdk.MessageNewParams
	stub := &stubMessages{
		newFn: func(_ context.Context, body sdk.MessageNewParams) (*sdk.Message, error) {
			captured = body
			return &sdk.Message{
				Content: []sdk.ContentBlockUnion{
					{Type: "text", Text: "checking memory"},
					{Type: "tool_use", ID: "toolu_01", Name: "memory_store", Input: json.RawMessage(`{"key":"topic","value":42}`)},
				},
				StopReason: sdk.StopReasonToolUse,
				Usage:      sdk.Usage{InputTokens: 17, OutputTokens: 9},
			}, nil
		},
	}
	client, err := New(stub, Options{DefaultModel: "claude-sonnet-4-5"})
	require.NoError(t, err)

	resp, err := client.Generate(context.Background(), &model.Request{
		Messages: []*message.Message{message.NewUser("remember this")},
		Tools: []model.ToolDefinition{{
			Name:        "memory.store",
			Description: "Store a value in working memory",
			InputSchema: map[string]any{"type": "object"},
		}},
	})
	require.NoError(t, err)

	assert.Equal(t, sdk.Model("claude-sonnet-4-5"), captured.Model)
	assert.Equal(t, int64(defaultMaxTokens), captured.MaxTokens)
	require.Len(t, captured.Tools, 1)
	require.NotNil(t, captured.Tools[0].OfTool)
	assert.Equal(t, "memory_store", captured.Tools[0].OfTool.Name)

	assert.Equal(t, "checking memory", resp.Content)
	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, "toolu_01", resp.ToolCalls[0].ID)
	assert.Equal(t, "memory.store", resp.ToolCalls[0].Name)
	assert.Equal(t, map[string]any{"key": "topic", "value": float64(42)}, resp.ToolCalls[0].Arguments)
	assert.Equal(t, string(sdk.StopReasonToolUse), resp.StopReason)
	assert.Equal(t, model.TokenUsage{InputTokens: 17, OutputTokens: 9, TotalTokens: 26}, resp.Usage)
}

func TestGenerateEncodesTranscript(t *testing.T) {
	var captured sdk.MessageNewParams
	stub := &stubMessages{
		newFn: func(_ context.Context, body sdk.MessageNewParams) (*sdk.Message, error) {
			captured = body
			return &sdk.Message{Content: []sdk.ContentBlockUnion{{Type: "text", Text: "done"}}}, nil
		},
	}
	client, err := New(stub, Options{DefaultModel: "claude-sonnet-4-5"})
	require.NoError(t, err)

	assistant := message.NewAssistant("let me check",
		message.WithToolCalls(message.ToolCall{
			ID:        "toolu_01",
			Name:      "memory.store",
			Arguments: map[string]any{"key": "topic"},
		}),
	)
	result := message.NewToolResult("toolu_01", "memory.store", "store failed",
		message.WithMetadata(map[string]any{"ok": false, "error": "store failed"}),
	)

	_, err = client.Generate(context.Background(), &model.Request{
		Messages: []*message.Message{
			message.NewSystem("You are a research agent."),
			message.NewUser("remember this"),
			assistant,
			result,
			message.NewUser("try again"),
		},
		Tools: []model.ToolDefinition{{
			Name:        "memory.store",
			Description: "Store a value in working memory",
		}},
	})
	require.NoError(t, err)

	require.Len(t, captured.System, 1)
	assert.Equal(t, "You are a research agent.", captured.System[0].Text)

	// The tool result and the follow-up user message share one user turn so
	// the conversation keeps alternating roles.
	require.Len(t, captured.Messages, 3)
	assert.Equal(t, sdk.MessageParamRoleUser, captured.Messages[0].Role)
	assert.Equal(t, sdk.MessageParamRoleAssistant, captured.Messages[1].Role)
	assert.Equal(t, sdk.MessageParamRoleUser, captured.Messages[2].Role)

	require.Len(t, captured.Messages[1].Content, 2)
	require.NotNil(t, captured.Messages[1].Content[0].OfText)
	require.NotNil(t, captured.Messages[1].Content[1].OfToolUse)
	assert.Equal(t, "toolu_01", captured.Messages[1].Content[1].OfToolUse.ID)
	assert.Equal(t, "memory_store", captured.Messages[1].Content[1].OfToolUse.Name)

	require.Len(t, captured.Messages[2].Content, 2)
	toolResult := captured.Messages[2].Content[0].OfToolResult
	require.NotNil(t, toolResult)
	assert.Equal(t, "toolu_01", toolResult.ToolUseID)
	assert.True(t, toolResult.IsError.Value)
	require.NotNil(t, captured.Messages[2].Content[1].OfText)
	assert.Equal(t, "try again", captured.Messages[2].Content[1].OfText.Text)
}

func TestGenerateRejectsToolNameCollision(t *testing.T) {
	stub := &stubMessages{
		newFn: func(_ context.Context, _ sdk.MessageNewParams) (*sdk.Message, error) {
			t.Fatal("request should not be issued")
			return nil, nil
		},
	}
	client, err := New(stub, Options{DefaultModel: "claude-sonnet-4-5"})
	require.NoError(t, err)

	_, err = client.Generate(context.Background(), &model.Request{
		Messages: []*message.Message{message.NewUser("hi")},
		Tools: []model.ToolDefinition{
			{Name: "memory.store", Description: "store"},
			{Name: "memory_store", Description: "store again"},
		},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "collides")
}

func TestGenerateRequiresMessages(t *testing.T) {
	client, err := New(&stubMessages{}, Options{DefaultModel: "claude-sonnet-4-5"})
	require.NoError(t, err)

	_, err = client.Generate(context.Background(), &model.Request{})
	require.Error(t, err)
}

func TestGenerateWrapsClientError(t *testing.T) {
	boom := errors.New("boom")
	stub := &stubMessages{
		newFn: func(_ context.Context, _ sdk.MessageNewParams) (*sdk.Message, error) {
			return nil, boom
		},
	}
	client, err := New(stub, Options{DefaultModel: "claude-sonnet-4-5"})
	require.NoError(t, err)

	_, err = client.Generate(context.Background(), &model.Request{
		Messages: []*message.Message{message.NewUser("hi")},
	})
	require.ErrorIs(t, err, boom)
}

func TestGenerateWrapsRateLimited(t *testing.T) {
	stub := &stubMessages{
		newFn: func(_ context.Context, _ sdk.MessageNewParams) (*sdk.Message, error) {
			return nil, &sdk.Error{StatusCode: http.StatusTooManyRequests}
		},
	}
	client, err := New(stub, Options{DefaultModel: "claude-sonnet-4-5"})
	require.NoError(t, err)

	_, err = client.Generate(context.Background(), &model.Request{
		Messages: []*message.Message{message.NewUser("hi")},
	})
	require.ErrorIs(t, err, model.ErrRateLimited)
	require.True(t, isRateLimited(err))
}

func TestStreamSurfacesConnectionError(t *testing.T) {
	boom := errors.New("connection refused")
	stub := &stubMessages{
		streamFn: func(_ context.Context, _ sdk.MessageNewParams) *ssestream.Stream[sdk.MessageStreamEventUnion] {
			return ssestream.NewStream[sdk.MessageStreamEventUnion](&testDecoder{}, boom)
		},
	}
	client, err := New(stub, Options{DefaultModel: "claude-sonnet-4-5"})
	require.NoError(t, err)

	_, err = client.Stream(context.Background(), &model.Request{
		Messages: []*message.Message{message.NewUser("hi")},
	})
	require.ErrorIs(t, err, boom)
}

func TestSanitizeToolName(t *testing.T) {
	assert.Equal(t, "memory_store", sanitizeToolName("memory.store"))
	assert.Equal(t, "already-safe_1", sanitizeToolName("already-safe_1"))
	assert.Equal(t, "a_b_c", sanitizeToolName("a/b c"))
}
