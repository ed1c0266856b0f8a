package openai

import (
	"context"
	"io"
	"testing"
	"time"

	sdk "github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/packages/ssestream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/loom/runtime/model"
)

// testDecoder feeds canned SSE events into an ssestream.Stream so the
// streamer can be exercised without a network connection.
type testDecoder struct {
	events []ssestream.Event
	idx    int
	closed bool
}

func (d *testDecoder) Event() ssestream.Event {
	return d.events[d.idx-1]
}

func (d *testDecoder) Next() bool {
	if d.idx >= len(d.events) {
		return false
	}
	d.idx++
	return true
}

func (d *testDecoder) Close() error {
	d.closed = true
	return nil
}

func (d *testDecoder) Err() error { return nil }

func chunkEvent(data string) ssestream.Event {
	return ssestream.Event{Data: []byte(data)}
}

func collectChunks(t *testing.T, s model.Streamer) []model.Chunk {
	t.Helper()
	var chunks []model.Chunk
	for {
		chunk, err := s.Recv()
		if err == io.EOF {
			return chunks
		}
		require.NoError(t, err)
		chunks = append(chunks, chunk)
	}
}

func TestStreamEmitsChunks(t *testing.T) {
	dec := &testDecoder{events: []ssestream.Event{
		chunkEvent(`{"id":"c1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"role":"assistant","content":"Hel"}}]}`),
		chunkEvent(`{"id":"c1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"content":"lo"}}]}`),
		chunkEvent(`{"id":"c1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"id":"call_1","type":"function","function":{"name":"web_search","arguments":""}}]}}]}`),
		chunkEvent(`{"id":"c1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"{\"query\":"}}]}}]}`),
		chunkEvent(`{"id":"c1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"\"goa\"}"}},{"index":1,"id":"call_2","type":"function","function":{"name":"memory_recall","arguments":"{}"}}]}}]}`),
		chunkEvent(`{"id":"c1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{},"finish_reason":"tool_calls"}]}`),
		chunkEvent(`{"id":"c1","object":"chat.completion.chunk","choices":[],"usage":{"prompt_tokens":7,"completion_tokens":3,"total_tokens":10}}`),
	}}
	stream := ssestream.NewStream[sdk.ChatCompletionChunk](dec, nil)
	s := newStreamer(context.Background(), stream)

	chunks := collectChunks(t, s)
	require.Len(t, chunks, 7)

	assert.Equal(t, model.ChunkContentDelta, chunks[0].Type)
	assert.Equal(t, "Hel", chunks[0].Delta)
	assert.Equal(t, model.ChunkContentDelta, chunks[1].Type)
	assert.Equal(t, "lo", chunks[1].Delta)

	assert.Equal(t, model.ChunkToolCallStart, chunks[2].Type)
	require.NotNil(t, chunks[2].ToolCall)
	assert.Equal(t, "call_1", chunks[2].ToolCall.ID)
	assert.Equal(t, "web_search", chunks[2].ToolCall.Name)

	assert.Equal(t, model.ChunkToolCallStart, chunks[3].Type)
	require.NotNil(t, chunks[3].ToolCall)
	assert.Equal(t, "call_2", chunks[3].ToolCall.ID)

	// Buffered calls complete in arrival order once the stream ends.
	assert.Equal(t, model.ChunkToolCallComplete, chunks[4].Type)
	require.NotNil(t, chunks[4].ToolCall)
	assert.Equal(t, "call_1", chunks[4].ToolCall.ID)
	assert.Equal(t, map[string]any{"query": "goa"}, chunks[4].ToolCall.Arguments)

	assert.Equal(t, model.ChunkToolCallComplete, chunks[5].Type)
	require.NotNil(t, chunks[5].ToolCall)
	assert.Equal(t, "call_2", chunks[5].ToolCall.ID)
	assert.Nil(t, chunks[5].ToolCall.Arguments)

	assert.Equal(t, model.ChunkDone, chunks[6].Type)
	assert.Equal(t, "tool_calls", chunks[6].StopReason)
	require.NotNil(t, chunks[6].Usage)
	assert.Equal(t, model.TokenUsage{InputTokens: 7, OutputTokens: 3, TotalTokens: 10}, *chunks[6].Usage)

	usage, ok := s.Metadata()["usage"].(model.TokenUsage)
	require.True(t, ok)
	assert.Equal(t, 10, usage.TotalTokens)
}

func TestStreamTextOnly(t *testing.T) {
	dec := &testDecoder{events: []ssestream.Event{
		chunkEvent(`{"id":"c2","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"role":"assistant","content":"All done."},"finish_reason":null}]}`),
		chunkEvent(`{"id":"c2","object":"chat.completion.chunk","choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}`),
	}}
	stream := ssestream.NewStream[sdk.ChatCompletionChunk](dec, nil)
	s := newStreamer(context.Background(), stream)

	chunks := collectChunks(t, s)
	require.Len(t, chunks, 2)
	assert.Equal(t, model.ChunkContentDelta, chunks[0].Type)
	assert.Equal(t, "All done.", chunks[0].Delta)
	assert.Equal(t, model.ChunkDone, chunks[1].Type)
	assert.Equal(t, "stop", chunks[1].StopReason)
}

func TestStreamCloseCancelsRecv(t *testing.T) {
	dec := &testDecoder{events: []ssestream.Event{
		chunkEvent(`{"id":"c3","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"content":"partial"}}]}`),
	}}
	stream := ssestream.NewStream[sdk.ChatCompletionChunk](dec, nil)
	s := newStreamer(context.Background(), stream)

	require.NoError(t, s.Close())
	require.Eventually(t, func() bool {
		_, err := s.Recv()
		return err == context.Canceled || err == io.EOF
	}, time.Second, 10*time.Millisecond)
}
