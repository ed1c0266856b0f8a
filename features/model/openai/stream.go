package openai

import (
	"context"
	"io"
	"strings"
	"sync"

	sdk "github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/packages/ssestream"

	"goa.design/loom/runtime/message"
	"goa.design/loom/runtime/model"
)

// streamer adapts an OpenAI chat completion stream to the model.Streamer
// interface. A goroutine drains the SSE stream and forwards normalized chunks
// over a channel so Recv stays cancellable.
type streamer struct {
	ctx    context.Context
	cancel context.CancelFunc
	stream *ssestream.Stream[sdk.ChatCompletionChunk]

	chunks chan model.Chunk

	errMu    sync.Mutex
	errSet   bool
	finalErr error

	metaMu   sync.RWMutex
	metadata map[string]any
}

func newStreamer(ctx context.Context, stream *ssestream.Stream[sdk.ChatCompletionChunk]) model.Streamer {
	cctx, cancel := context.WithCancel(ctx)
	s := &streamer{
		ctx:    cctx,
		cancel: cancel,
		stream: stream,
		chunks: make(chan model.Chunk, 32),
	}
	go s.run()
	return s
}

// Recv returns the next normalized chunk. It returns io.EOF once the provider
// stream completes cleanly.
func (s *streamer) Recv() (model.Chunk, error) {
	select {
	case chunk, ok := <-s.chunks:
		if !ok {
			if err := s.err(); err != nil {
				return model.Chunk{}, err
			}
			return model.Chunk{}, io.EOF
		}
		return chunk, nil
	case <-s.ctx.Done():
		return model.Chunk{}, s.ctx.Err()
	}
}

// Close cancels the stream and releases the underlying connection.
func (s *streamer) Close() error {
	s.cancel()
	return s.stream.Close()
}

// Metadata exposes provider details accumulated while streaming, currently
// the token usage reported by the final chunk.
func (s *streamer) Metadata() map[string]any {
	s.metaMu.RLock()
	defer s.metaMu.RUnlock()
	if s.metadata == nil {
		return nil
	}
	out := make(map[string]any, len(s.metadata))
	for k, v := range s.metadata {
		out[k] = v
	}
	return out
}

func (s *streamer) run() {
	defer close(s.chunks)
	defer func() { _ = s.stream.Close() }()

	p := newDeltaProcessor(s.emit, s.recordUsage)
	for {
		select {
		case <-s.ctx.Done():
			s.setErr(s.ctx.Err())
			return
		default:
		}
		if !s.stream.Next() {
			if err := s.stream.Err(); err != nil {
				s.setErr(err)
				return
			}
			if err := s.ctx.Err(); err != nil {
				s.setErr(err)
				return
			}
			s.setErr(p.finish())
			return
		}
		if err := p.handle(s.stream.Current()); err != nil {
			s.setErr(err)
			return
		}
	}
}

func (s *streamer) emit(chunk model.Chunk) error {
	select {
	case s.chunks <- chunk:
		return nil
	case <-s.ctx.Done():
		return s.ctx.Err()
	}
}

func (s *streamer) recordUsage(usage model.TokenUsage) {
	s.metaMu.Lock()
	defer s.metaMu.Unlock()
	if s.metadata == nil {
		s.metadata = make(map[string]any, 1)
	}
	s.metadata["usage"] = usage
}

func (s *streamer) setErr(err error) {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.errSet {
		return
	}
	s.errSet = true
	s.finalErr = err
}

func (s *streamer) err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.finalErr
}

// deltaProcessor folds chat completion chunks into normalized chunks. OpenAI
// streams tool calls as indexed fragments: the first fragment for an index
// names the call, later fragments extend its arguments, and the buffered
// calls complete once the provider closes the stream.
type deltaProcessor struct {
	emit        func(model.Chunk) error
	recordUsage func(model.TokenUsage)

	order      []int
	toolCalls  map[int]*toolBuffer
	usage      model.TokenUsage
	stopReason string
}

func newDeltaProcessor(emit func(model.Chunk) error, recordUsage func(model.TokenUsage)) *deltaProcessor {
	return &deltaProcessor{
		emit:        emit,
		recordUsage: recordUsage,
		toolCalls:   make(map[int]*toolBuffer),
	}
}

func (p *deltaProcessor) handle(chunk sdk.ChatCompletionChunk) error {
	if u := chunk.Usage; u.PromptTokens != 0 || u.CompletionTokens != 0 || u.TotalTokens != 0 {
		p.usage = translateUsage(u)
		if p.recordUsage != nil {
			p.recordUsage(p.usage)
		}
	}
	if len(chunk.Choices) == 0 {
		return nil
	}
	choice := chunk.Choices[0]
	if choice.FinishReason != "" {
		p.stopReason = string(choice.FinishReason)
	}
	if choice.Delta.Content != "" {
		if err := p.emit(model.Chunk{Type: model.ChunkContentDelta, Delta: choice.Delta.Content}); err != nil {
			return err
		}
	}
	for _, call := range choice.Delta.ToolCalls {
		idx := int(call.Index)
		tb := p.toolCalls[idx]
		if tb == nil {
			tb = &toolBuffer{}
			p.toolCalls[idx] = tb
			p.order = append(p.order, idx)
		}
		if call.ID != "" {
			tb.id = call.ID
		}
		if call.Function.Name != "" && tb.name == "" {
			tb.name = call.Function.Name
			if err := p.emit(model.Chunk{
				Type:     model.ChunkToolCallStart,
				ToolCall: &message.ToolCall{ID: tb.id, Name: tb.name},
			}); err != nil {
				return err
			}
		}
		if call.Function.Arguments != "" {
			tb.fragments = append(tb.fragments, call.Function.Arguments)
		}
	}
	return nil
}

// finish completes buffered tool calls in arrival order and emits the done
// chunk. Called once the provider closes the stream cleanly.
func (p *deltaProcessor) finish() error {
	for _, idx := range p.order {
		tb := p.toolCalls[idx]
		if tb == nil || tb.name == "" {
			continue
		}
		if err := p.emit(model.Chunk{
			Type: model.ChunkToolCallComplete,
			ToolCall: &message.ToolCall{
				ID:        tb.id,
				Name:      tb.name,
				Arguments: decodeArguments(tb.finalInput()),
			},
		}); err != nil {
			return err
		}
	}
	p.toolCalls = make(map[int]*toolBuffer)
	p.order = nil
	chunk := model.Chunk{Type: model.ChunkDone, StopReason: p.stopReason}
	if p.usage != (model.TokenUsage{}) {
		usage := p.usage
		chunk.Usage = &usage
	}
	return p.emit(chunk)
}

// toolBuffer accumulates streamed argument fragments for one tool call index.
type toolBuffer struct {
	id        string
	name      string
	fragments []string
}

func (tb *toolBuffer) finalInput() string {
	joined := strings.TrimSpace(strings.Join(tb.fragments, ""))
	if joined == "" {
		return "{}"
	}
	return joined
}
