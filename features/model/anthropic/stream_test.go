package anthropic

import (
	"context"
	"io"
	"testing"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
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

func event(eventType, data string) ssestream.Event {
	return ssestream.Event{Type: eventType, Data: []byte(data)}
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
		event("message_start", `{"type":"message_start","message":{"id":"msg_01","type":"message","role":"assistant","content":[],"model":"claude-sonnet-4-5","usage":{"input_tokens":10,"output_tokens":1}}}`),
		event("content_block_start", `{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`),
		event("content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hel"}}`),
		event("content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"lo"}}`),
		event("content_block_stop", `{"type":"content_block_stop","index":0}`),
		event("content_block_start", `{"type":"content_block_start","index":1,"content_block":{"type":"tool_use","id":"toolu_01","name":"memory_store","input":{}}}`),
		event("content_block_delta", `{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"{\"key\":"}}`),
		event("content_block_delta", `{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"\"topic\"}"}}`),
		event("content_block_stop", `{"type":"content_block_stop","index":1}`),
		event("message_delta", `{"type":"message_delta","delta":{"stop_reason":"tool_use"},"usage":{"input_tokens":10,"output_tokens":5}}`),
		event("message_stop", `{"type":"message_stop"}`),
	}}
	stream := ssestream.NewStream[sdk.MessageStreamEventUnion](dec, nil)
	s := newStreamer(context.Background(), stream, map[string]string{"memory_store": "memory.store"})

	chunks := collectChunks(t, s)
	require.Len(t, chunks, 5)

	assert.Equal(t, model.ChunkContentDelta, chunks[0].Type)
	assert.Equal(t, "Hel", chunks[0].Delta)
	assert.Equal(t, model.ChunkContentDelta, chunks[1].Type)
	assert.Equal(t, "lo", chunks[1].Delta)

	assert.Equal(t, model.ChunkToolCallStart, chunks[2].Type)
	require.NotNil(t, chunks[2].ToolCall)
	assert.Equal(t, "toolu_01", chunks[2].ToolCall.ID)
	assert.Equal(t, "memory.store", chunks[2].ToolCall.Name)

	assert.Equal(t, model.ChunkToolCallComplete, chunks[3].Type)
	require.NotNil(t, chunks[3].ToolCall)
	assert.Equal(t, map[string]any{"key": "topic"}, chunks[3].ToolCall.Arguments)

	assert.Equal(t, model.ChunkDone, chunks[4].Type)
	assert.Equal(t, "tool_use", chunks[4].StopReason)
	require.NotNil(t, chunks[4].Usage)
	assert.Equal(t, model.TokenUsage{InputTokens: 10, OutputTokens: 5, TotalTokens: 15}, *chunks[4].Usage)

	usage, ok := s.Metadata()["usage"].(model.TokenUsage)
	require.True(t, ok)
	assert.Equal(t, 15, usage.TotalTokens)
}

func TestStreamToolWithoutArguments(t *testing.T) {
	dec := &testDecoder{events: []ssestream.Event{
		event("content_block_start", `{"type":"content_block_start","index":0,"content_block":{"type":"tool_use","id":"toolu_02","name":"memory_recall","input":{}}}`),
		event("content_block_stop", `{"type":"content_block_stop","index":0}`),
		event("message_stop", `{"type":"message_stop"}`),
	}}
	stream := ssestream.NewStream[sdk.MessageStreamEventUnion](dec, nil)
	s := newStreamer(context.Background(), stream, nil)

	chunks := collectChunks(t, s)
	require.Len(t, chunks, 3)
	assert.Equal(t, model.ChunkToolCallStart, chunks[0].Type)
	assert.Equal(t, model.ChunkToolCallComplete, chunks[1].Type)
	require.NotNil(t, chunks[1].ToolCall)
	assert.Equal(t, "memory_recall", chunks[1].ToolCall.Name)
	assert.Nil(t, chunks[1].ToolCall.Arguments)
	assert.Equal(t, model.ChunkDone, chunks[2].Type)
}

func TestStreamCloseCancelsRecv(t *testing.T) {
	dec := &testDecoder{events: []ssestream.Event{
		event("content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"partial"}}`),
	}}
	stream := ssestream.NewStream[sdk.MessageStreamEventUnion](dec, nil)
	s := newStreamer(context.Background(), stream, nil)

	require.NoError(t, s.Close())
	require.Eventually(t, func() bool {
		_, err := s.Recv()
		return err == context.Canceled || err == io.EOF
	}, time.Second, 10*time.Millisecond)
}
