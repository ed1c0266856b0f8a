package bedrock_test

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	smithy "github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/loom/features/model/bedrock"
	"goa.design/loom/runtime/message"
	"goa.design/loom/runtime/model"
)

type mockRuntime struct {
	captured    *bedrockruntime.ConverseInput
	output      *bedrockruntime.ConverseOutput
	converseErr error

	streamInput  *bedrockruntime.ConverseStreamInput
	streamOutput bedrock.StreamOutput
	streamErr    error
}

func (m *mockRuntime) Converse(_ context.Context, params *bedrockruntime.ConverseInput,
	_ ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error) {
	m.captured = params
	if m.converseErr != nil {
		return nil, m.converseErr
	}
	return m.output, nil
}

func (m *mockRuntime) ConverseStream(_ context.Context, params *bedrockruntime.ConverseStreamInput,
	_ ...func(*bedrockruntime.Options)) (bedrock.StreamOutput, error) {
	m.streamInput = params
	if m.streamErr != nil {
		return nil, m.streamErr
	}
	return m.streamOutput, nil
}

type fakeStreamOutput struct {
	stream *bedrockruntime.ConverseStreamEventStream
}

func (f *fakeStreamOutput) GetStream() *bedrockruntime.ConverseStreamEventStream {
	return f.stream
}

type fakeStreamReader struct {
	events chan brtypes.ConverseStreamOutput
	err    error
}

func (r *fakeStreamReader) Events() <-chan brtypes.ConverseStreamOutput { return r.events }
func (r *fakeStreamReader) Close() error                               { return nil }
func (r *fakeStreamReader) Err() error                                 { return r.err }

func newFakeStreamOutput(events []brtypes.ConverseStreamOutput, err error) *fakeStreamOutput {
	ch := make(chan brtypes.ConverseStreamOutput, len(events))
	for _, ev := range events {
		ch <- ev
	}
	close(ch)
	reader := &fakeStreamReader{events: ch, err: err}
	stream := bedrockruntime.NewConverseStreamEventStream(func(es *bedrockruntime.ConverseStreamEventStream) {
		es.Reader = reader
	})
	return &fakeStreamOutput{stream: stream}
}

func TestGenerateTranslatesResponse(t *testing.T) {
	mock := &mockRuntime{
		output: &bedrockruntime.ConverseOutput{
			Output: &brtypes.ConverseOutputMemberMessage{Value: brtypes.Message{
				Role: brtypes.ConversationRoleAssistant,
				Content: []brtypes.ContentBlock{
					&brtypes.ContentBlockMemberText{Value: "checking memory"},
					&brtypes.ContentBlockMemberToolUse{Value: brtypes.ToolUseBlock{
						ToolUseId: aws.String("t1"),
						Name:      aws.String("memory_store"),
						Input:     document.NewLazyDocument(map[string]any{"key": "topic"}),
					}},
				},
			}},
			StopReason: brtypes.StopReasonToolUse,
			Usage: &brtypes.TokenUsage{
				InputTokens:  aws.Int32(11),
				OutputTokens: aws.Int32(5),
				TotalTokens:  aws.Int32(16),
			},
		},
	}
	client, err := bedrock.New(mock, bedrock.Options{DefaultModel: "anthropic.claude-sonnet-4-5"})
	require.NoError(t, err)

	resp, err := client.Generate(context.Background(), &model.Request{
		Messages: []*message.Message{
			message.NewSystem("You are a research agent."),
			message.NewUser("remember this"),
		},
		MaxTokens:   512,
		Temperature: 0.4,
		Tools: []model.ToolDefinition{{
			Name:        "memory.store",
			Description: "Store a value in working memory",
			InputSchema: map[string]any{"type": "object"},
		}},
	})
	require.NoError(t, err)

	input := mock.captured
	require.NotNil(t, input)
	assert.Equal(t, "anthropic.claude-sonnet-4-5", aws.ToString(input.ModelId))
	require.Len(t, input.System, 1)
	require.Len(t, input.Messages, 1)
	assert.Equal(t, brtypes.ConversationRoleUser, input.Messages[0].Role)
	require.NotNil(t, input.ToolConfig)
	require.Len(t, input.ToolConfig.Tools, 1)
	spec, ok := input.ToolConfig.Tools[0].(*brtypes.ToolMemberToolSpec)
	require.True(t, ok)
	assert.Equal(t, "memory_store", aws.ToString(spec.Value.Name))
	require.NotNil(t, input.InferenceConfig)
	assert.Equal(t, int32(512), aws.ToInt32(input.InferenceConfig.MaxTokens))
	assert.InDelta(t, 0.4, float64(aws.ToFloat32(input.InferenceConfig.Temperature)), 1e-6)

	assert.Equal(t, "checking memory", resp.Content)
	assert.Equal(t, "tool_use", resp.StopReason)
	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, "t1", resp.ToolCalls[0].ID)
	assert.Equal(t, "memory.store", resp.ToolCalls[0].Name)
	assert.Equal(t, map[string]any{"key": "topic"}, resp.ToolCalls[0].Arguments)
	assert.Equal(t, model.TokenUsage{InputTokens: 11, OutputTokens: 5, TotalTokens: 16}, resp.Usage)
}

func TestGenerateCoalescesToolLoop(t *testing.T) {
	mock := &mockRuntime{
		output: &bedrockruntime.ConverseOutput{
			Output: &brtypes.ConverseOutputMemberMessage{Value: brtypes.Message{
				Role:    brtypes.ConversationRoleAssistant,
				Content: []brtypes.ContentBlock{&brtypes.ContentBlockMemberText{Value: "done"}},
			}},
			StopReason: brtypes.StopReasonEndTurn,
		},
	}
	client, err := bedrock.New(mock, bedrock.Options{DefaultModel: "anthropic.claude-sonnet-4-5"})
	require.NoError(t, err)

	assistant := message.NewAssistant("",
		message.WithToolCalls(
			message.ToolCall{ID: "t1", Name: "memory.store", Arguments: map[string]any{"key": "a"}},
			message.ToolCall{ID: "t2", Name: "memory.store", Arguments: map[string]any{"key": "b"}},
		),
	)
	okResult := message.NewToolResult("t1", "memory.store", "stored",
		message.WithMetadata(map[string]any{"ok": true}),
	)
	failedResult := message.NewToolResult("t2", "memory.store", "store failed",
		message.WithMetadata(map[string]any{"ok": false, "error": "store failed"}),
	)

	_, err = client.Generate(context.Background(), &model.Request{
		Messages: []*message.Message{
			message.NewUser("remember this"),
			assistant,
			okResult,
			failedResult,
		},
		Tools: []model.ToolDefinition{{
			Name:        "memory.store",
			Description: "Store a value in working memory",
		}},
	})
	require.NoError(t, err)

	input := mock.captured
	require.NotNil(t, input)
	// Both tool results merge into a single user turn so the conversation
	// keeps alternating roles.
	require.Len(t, input.Messages, 3)
	assert.Equal(t, brtypes.ConversationRoleUser, input.Messages[0].Role)
	assert.Equal(t, brtypes.ConversationRoleAssistant, input.Messages[1].Role)
	assert.Equal(t, brtypes.ConversationRoleUser, input.Messages[2].Role)

	require.Len(t, input.Messages[1].Content, 2)
	toolUse, ok := input.Messages[1].Content[0].(*brtypes.ContentBlockMemberToolUse)
	require.True(t, ok)
	assert.Equal(t, "t1", aws.ToString(toolUse.Value.ToolUseId))
	assert.Equal(t, "memory_store", aws.ToString(toolUse.Value.Name))

	require.Len(t, input.Messages[2].Content, 2)
	first, ok := input.Messages[2].Content[0].(*brtypes.ContentBlockMemberToolResult)
	require.True(t, ok)
	assert.Equal(t, "t1", aws.ToString(first.Value.ToolUseId))
	assert.NotEqual(t, brtypes.ToolResultStatusError, first.Value.Status)
	second, ok := input.Messages[2].Content[1].(*brtypes.ContentBlockMemberToolResult)
	require.True(t, ok)
	assert.Equal(t, brtypes.ToolResultStatusError, second.Value.Status)
}

func TestGenerateRequiresToolConfigForToolBlocks(t *testing.T) {
	client, err := bedrock.New(&mockRuntime{}, bedrock.Options{DefaultModel: "anthropic.claude-sonnet-4-5"})
	require.NoError(t, err)

	_, err = client.Generate(context.Background(), &model.Request{
		Messages: []*message.Message{
			message.NewUser("hi"),
			message.NewToolResult("t1", "memory.store", "stored"),
		},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no tools")
}

func TestGenerateRequiresUserMessage(t *testing.T) {
	client, err := bedrock.New(&mockRuntime{}, bedrock.Options{DefaultModel: "anthropic.claude-sonnet-4-5"})
	require.NoError(t, err)

	_, err = client.Generate(context.Background(), &model.Request{
		Messages: []*message.Message{message.NewSystem("only system")},
	})
	require.Error(t, err)
}

func TestThrottleDetection(t *testing.T) {
	mock := &mockRuntime{
		converseErr: &smithy.GenericAPIError{Code: "ThrottlingException", Message: "slow down"},
	}
	client, err := bedrock.New(mock, bedrock.Options{DefaultModel: "anthropic.claude-sonnet-4-5"})
	require.NoError(t, err)

	_, err = client.Generate(context.Background(), &model.Request{
		Messages: []*message.Message{message.NewUser("hi")},
	})
	require.Error(t, err)
	assert.True(t, bedrock.IsThrottle(err))
	require.ErrorIs(t, err, model.ErrRateLimited)
	assert.False(t, bedrock.IsThrottle(errors.New("boom")))
}

func TestStreamWrapsThrottle(t *testing.T) {
	mock := &mockRuntime{
		streamErr: &smithy.GenericAPIError{Code: "TooManyRequestsException", Message: "slow down"},
	}
	client, err := bedrock.New(mock, bedrock.Options{DefaultModel: "anthropic.claude-sonnet-4-5"})
	require.NoError(t, err)

	_, err = client.Stream(context.Background(), &model.Request{
		Messages: []*message.Message{message.NewUser("hi")},
	})
	require.ErrorIs(t, err, model.ErrRateLimited)
}

func TestStreamEmitsChunks(t *testing.T) {
	events := []brtypes.ConverseStreamOutput{
		&brtypes.ConverseStreamOutputMemberMessageStart{Value: brtypes.MessageStartEvent{}},
		&brtypes.ConverseStreamOutputMemberContentBlockDelta{Value: brtypes.ContentBlockDeltaEvent{
			ContentBlockIndex: aws.Int32(0),
			Delta:             &brtypes.ContentBlockDeltaMemberText{Value: "Hel"},
		}},
		&brtypes.ConverseStreamOutputMemberContentBlockDelta{Value: brtypes.ContentBlockDeltaEvent{
			ContentBlockIndex: aws.Int32(0),
			Delta:             &brtypes.ContentBlockDeltaMemberText{Value: "lo"},
		}},
		&brtypes.ConverseStreamOutputMemberContentBlockStart{Value: brtypes.ContentBlockStartEvent{
			ContentBlockIndex: aws.Int32(1),
			Start: &brtypes.ContentBlockStartMemberToolUse{Value: brtypes.ToolUseBlockStart{
				Name:      aws.String("$FUNCTIONS.memory_store"),
				ToolUseId: aws.String("t1"),
			}},
		}},
		&brtypes.ConverseStreamOutputMemberContentBlockDelta{Value: brtypes.ContentBlockDeltaEvent{
			ContentBlockIndex: aws.Int32(1),
			Delta: &brtypes.ContentBlockDeltaMemberToolUse{Value: brtypes.ToolUseBlockDelta{
				Input: aws.String(`{"key":"topic"}`),
			}},
		}},
		&brtypes.ConverseStreamOutputMemberContentBlockStop{Value: brtypes.ContentBlockStopEvent{
			ContentBlockIndex: aws.Int32(1),
		}},
		&brtypes.ConverseStreamOutputMemberMessageStop{
			Value: brtypes.MessageStopEvent{StopReason: brtypes.StopReasonToolUse},
		},
		// Bedrock delivers the usage-bearing metadata event after messageStop.
		&brtypes.ConverseStreamOutputMemberMetadata{Value: brtypes.ConverseStreamMetadataEvent{
			Usage: &brtypes.TokenUsage{
				InputTokens:  aws.Int32(11),
				OutputTokens: aws.Int32(5),
				TotalTokens:  aws.Int32(16),
			},
		}},
	}

	mock := &mockRuntime{streamOutput: newFakeStreamOutput(events, nil)}
	client, err := bedrock.New(mock, bedrock.Options{DefaultModel: "anthropic.claude-sonnet-4-5"})
	require.NoError(t, err)

	s, err := client.Stream(context.Background(), &model.Request{
		Messages: []*message.Message{
			message.NewSystem("You are a research agent."),
			message.NewUser("remember this"),
		},
		Tools: []model.ToolDefinition{{
			Name:        "memory.store",
			Description: "Store a value in working memory",
			InputSchema: map[string]any{"type": "object"},
		}},
	})
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	var chunks []model.Chunk
	for {
		chunk, err := s.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		chunks = append(chunks, chunk)
	}

	require.Len(t, chunks, 5)
	assert.Equal(t, model.ChunkContentDelta, chunks[0].Type)
	assert.Equal(t, "Hel", chunks[0].Delta)
	assert.Equal(t, model.ChunkContentDelta, chunks[1].Type)
	assert.Equal(t, "lo", chunks[1].Delta)

	assert.Equal(t, model.ChunkToolCallStart, chunks[2].Type)
	require.NotNil(t, chunks[2].ToolCall)
	assert.Equal(t, "t1", chunks[2].ToolCall.ID)
	assert.Equal(t, "memory.store", chunks[2].ToolCall.Name)

	assert.Equal(t, model.ChunkToolCallComplete, chunks[3].Type)
	require.NotNil(t, chunks[3].ToolCall)
	assert.Equal(t, map[string]any{"key": "topic"}, chunks[3].ToolCall.Arguments)

	assert.Equal(t, model.ChunkDone, chunks[4].Type)
	assert.Equal(t, "tool_use", chunks[4].StopReason)
	require.NotNil(t, chunks[4].Usage)
	assert.Equal(t, model.TokenUsage{InputTokens: 11, OutputTokens: 5, TotalTokens: 16}, *chunks[4].Usage)

	usage, ok := s.Metadata()["usage"].(model.TokenUsage)
	require.True(t, ok)
	assert.Equal(t, 16, usage.TotalTokens)

	require.NotNil(t, mock.streamInput)
	assert.NotNil(t, mock.streamInput.ToolConfig)
}

func TestStreamSurfacesReaderError(t *testing.T) {
	boom := errors.New("stream interrupted")
	mock := &mockRuntime{streamOutput: newFakeStreamOutput([]brtypes.ConverseStreamOutput{
		&brtypes.ConverseStreamOutputMemberContentBlockDelta{Value: brtypes.ContentBlockDeltaEvent{
			ContentBlockIndex: aws.Int32(0),
			Delta:             &brtypes.ContentBlockDeltaMemberText{Value: "partial"},
		}},
	}, boom)}
	client, err := bedrock.New(mock, bedrock.Options{DefaultModel: "anthropic.claude-sonnet-4-5"})
	require.NoError(t, err)

	s, err := client.Stream(context.Background(), &model.Request{
		Messages: []*message.Message{message.NewUser("hi")},
	})
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	var streamErr error
	for {
		_, err := s.Recv()
		if err != nil {
			streamErr = err
			break
		}
	}
	require.ErrorIs(t, streamErr, boom)
}
