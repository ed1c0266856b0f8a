package gateway

import (
	"context"
	"io"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/loom/runtime/message"
	"goa.design/loom/runtime/model"
)

// captureProvider records the last request it saw and replays a fixed
// two-chunk tool conversation on Stream.
type captureProvider struct {
	lastReq atomic.Pointer[model.Request]
}

func (p *captureProvider) Generate(_ context.Context, req *model.Request) (*model.Response, error) {
	p.lastReq.Store(req)
	return &model.Response{Content: "ok", StopReason: "end_turn"}, nil
}

func (p *captureProvider) Stream(_ context.Context, req *model.Request) (model.Streamer, error) {
	p.lastReq.Store(req)
	return &stubStreamer{chunks: []model.Chunk{
		{Type: model.ChunkContentDelta, Delta: "hello"},
		{Type: model.ChunkToolCallComplete, ToolCall: &message.ToolCall{
			ID:        "call_1",
			Name:      "save_note",
			Arguments: map[string]any{"k": "v"},
		}},
		{Type: model.ChunkDone, StopReason: "tool_use", Usage: &model.TokenUsage{
			InputTokens:  1,
			OutputTokens: 2,
			TotalTokens:  3,
		}},
	}}, nil
}

// chanStreamer turns Server.Stream's push callback back into the pull-based
// Streamer a RemoteClient must return, the way an RPC binding would.
type chanStreamer struct {
	ch    chan model.Chunk
	done  chan error
	err   error
	ended bool
}

func (w *chanStreamer) Recv() (model.Chunk, error) {
	if w.ended {
		if w.err != nil {
			return model.Chunk{}, w.err
		}
		return model.Chunk{}, io.EOF
	}
	c, ok := <-w.ch
	if !ok {
		w.ended = true
		w.err = <-w.done
		if w.err != nil {
			return model.Chunk{}, w.err
		}
		return model.Chunk{}, io.EOF
	}
	return c, nil
}
func (w *chanStreamer) Close() error             { return nil }
func (w *chanStreamer) Metadata() map[string]any { return nil }

func bindStream(srv *Server) func(ctx context.Context, req *model.Request) (model.Streamer, error) {
	return func(ctx context.Context, req *model.Request) (model.Streamer, error) {
		w := &chanStreamer{ch: make(chan model.Chunk, 8), done: make(chan error, 1)}
		go func() {
			err := srv.Stream(ctx, req, func(c model.Chunk) error {
				w.ch <- c
				return nil
			})
			close(w.ch)
			w.done <- err
		}()
		return w, nil
	}
}

func TestRoundTripGenerateWithMiddleware(t *testing.T) {
	prov := &captureProvider{}
	var unaryCount int32
	bumpTemp := func(next UnaryHandler) UnaryHandler {
		return func(ctx context.Context, req *model.Request) (*model.Response, error) {
			atomic.AddInt32(&unaryCount, 1)
			bumped := *req
			bumped.Temperature = 0.42
			return next(ctx, &bumped)
		}
	}
	srv, err := NewServer(WithProvider(prov), WithUnary(bumpTemp))
	require.NoError(t, err)

	client := NewRemoteClient(srv.Generate, bindStream(srv))

	resp, err := client.Generate(context.Background(), &model.Request{
		Model:    "m",
		Messages: []*message.Message{message.NewUser("hi")},
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Content)
	assert.Equal(t, int32(1), atomic.LoadInt32(&unaryCount))

	seen := prov.lastReq.Load()
	require.NotNil(t, seen)
	assert.InDelta(t, 0.42, seen.Temperature, 1e-6)
}

func TestRoundTripStreamWithMiddleware(t *testing.T) {
	prov := &captureProvider{}
	var streamCount int32
	countMW := func(next StreamHandler) StreamHandler {
		return func(ctx context.Context, req *model.Request, send func(model.Chunk) error) error {
			atomic.AddInt32(&streamCount, 1)
			return next(ctx, req, send)
		}
	}
	srv, err := NewServer(WithProvider(prov), WithStream(countMW))
	require.NoError(t, err)

	client := NewRemoteClient(nil, bindStream(srv))

	st, err := client.Stream(context.Background(), &model.Request{
		Model:    "m",
		Messages: []*message.Message{message.NewUser("hi")},
	})
	require.NoError(t, err)
	defer func() { assert.NoError(t, st.Close()) }()

	want := []model.ChunkType{model.ChunkContentDelta, model.ChunkToolCallComplete, model.ChunkDone}
	for i, wt := range want {
		ch, err := st.Recv()
		require.NoError(t, err, "chunk %d", i)
		assert.Equal(t, wt, ch.Type, "chunk %d", i)
	}
	_, err = st.Recv()
	require.ErrorIs(t, err, io.EOF)
	assert.Equal(t, int32(1), atomic.LoadInt32(&streamCount))
}

func TestRoundTripCollect(t *testing.T) {
	prov := &captureProvider{}
	srv, err := NewServer(WithProvider(prov))
	require.NoError(t, err)

	client := NewRemoteClient(srv.Generate, bindStream(srv))

	st, err := client.Stream(context.Background(), &model.Request{
		Messages: []*message.Message{message.NewUser("hi")},
	})
	require.NoError(t, err)

	resp, err := model.Collect(st)
	require.NoError(t, err)
	assert.Equal(t, "hello", resp.Content)
	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, "save_note", resp.ToolCalls[0].Name)
	assert.Equal(t, "tool_use", resp.StopReason)
	assert.Equal(t, 3, resp.Usage.TotalTokens)
}

func TestRemoteClientWithoutStreamFunc(t *testing.T) {
	client := NewRemoteClient(func(_ context.Context, _ *model.Request) (*model.Response, error) {
		return &model.Response{Content: "ok"}, nil
	}, nil)

	_, err := client.Stream(context.Background(), &model.Request{})
	require.ErrorIs(t, err, model.ErrStreamingUnsupported)
}
