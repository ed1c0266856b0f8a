package anthropic

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"goa.design/loom/runtime/message"
	"goa.design/loom/runtime/model"
)

// streamer adapts an Anthropic Messages event stream to the model.Streamer
// interface. A goroutine drains the SSE stream and forwards normalized chunks
// over a channel so Recv stays cancellable.
type streamer struct {
	ctx    context.Context
	cancel context.CancelFunc
	stream *ssestream.Stream[sdk.MessageStreamEventUnion]

	chunks chan model.Chunk

	errMu    sync.Mutex
	errSet   bool
	finalErr error

	metaMu   sync.RWMutex
	metadata map[string]any
}

func newStreamer(ctx context.Context, stream *ssestream.Stream[sdk.MessageStreamEventUnion], nameMap map[string]string) model.Streamer {
	cctx, cancel := context.WithCancel(ctx)
	s := &streamer{
		ctx:    cctx,
		cancel: cancel,
		stream: stream,
		chunks: make(chan model.Chunk, 32),
	}
	go s.run(nameMap)
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
// the token usage reported by the final message delta.
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

func (s *streamer) run(nameMap map[string]string) {
	defer close(s.chunks)
	defer func() { _ = s.stream.Close() }()

	p := newEventProcessor(s.emit, s.recordUsage, nameMap)
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
			} else if err := s.ctx.Err(); err != nil {
				s.setErr(err)
			} else {
				s.setErr(nil)
			}
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

// eventProcessor folds Anthropic streaming events into normalized chunks.
// Tool argument fragments are buffered per content block and surfaced once
// the block stops; usage and stop reason accumulate onto the done chunk.
type eventProcessor struct {
	emit        func(model.Chunk) error
	recordUsage func(model.TokenUsage)
	nameMap     map[string]string

	toolBlocks map[int]*toolBuffer
	usage      model.TokenUsage
	stopReason string
}

func newEventProcessor(emit func(model.Chunk) error, recordUsage func(model.TokenUsage), nameMap map[string]string) *eventProcessor {
	return &eventProcessor{
		emit:        emit,
		recordUsage: recordUsage,
		nameMap:     nameMap,
		toolBlocks:  make(map[int]*toolBuffer),
	}
}

func (p *eventProcessor) handle(event sdk.MessageStreamEventUnion) error {
	switch ev := event.AsAny().(type) {
	case sdk.MessageStartEvent:
		p.toolBlocks = make(map[int]*toolBuffer)
		p.stopReason = ""
		return nil
	case sdk.ContentBlockStartEvent:
		toolUse, ok := ev.ContentBlock.AsAny().(sdk.ToolUseBlock)
		if !ok {
			return nil
		}
		if toolUse.ID == "" {
			return errors.New("anthropic stream: tool use block missing id")
		}
		if toolUse.Name == "" {
			return fmt.Errorf("anthropic stream: tool use block %q missing name", toolUse.ID)
		}
		name := toolUse.Name
		if canonical, ok := p.nameMap[name]; ok {
			name = canonical
		}
		tb := &toolBuffer{id: toolUse.ID, name: name}
		p.toolBlocks[int(ev.Index)] = tb
		return p.emit(model.Chunk{
			Type:     model.ChunkToolCallStart,
			ToolCall: &message.ToolCall{ID: tb.id, Name: tb.name},
		})
	case sdk.ContentBlockDeltaEvent:
		switch delta := ev.Delta.AsAny().(type) {
		case sdk.TextDelta:
			if delta.Text == "" {
				return nil
			}
			return p.emit(model.Chunk{Type: model.ChunkContentDelta, Delta: delta.Text})
		case sdk.InputJSONDelta:
			if delta.PartialJSON == "" {
				return nil
			}
			if tb := p.toolBlocks[int(ev.Index)]; tb != nil {
				tb.fragments = append(tb.fragments, delta.PartialJSON)
			}
			return nil
		default:
			// Thinking and signature deltas carry no transcript content.
			return nil
		}
	case sdk.ContentBlockStopEvent:
		tb := p.toolBlocks[int(ev.Index)]
		if tb == nil {
			return nil
		}
		delete(p.toolBlocks, int(ev.Index))
		return p.emit(model.Chunk{
			Type: model.ChunkToolCallComplete,
			ToolCall: &message.ToolCall{
				ID:        tb.id,
				Name:      tb.name,
				Arguments: decodeArguments(tb.finalInput()),
			},
		})
	case sdk.MessageDeltaEvent:
		if ev.Delta.StopReason != "" {
			p.stopReason = string(ev.Delta.StopReason)
		}
		p.usage = model.TokenUsage{
			InputTokens:  int(ev.Usage.InputTokens),
			OutputTokens: int(ev.Usage.OutputTokens),
			TotalTokens:  int(ev.Usage.InputTokens + ev.Usage.OutputTokens),
		}
		if p.recordUsage != nil {
			p.recordUsage(p.usage)
		}
		return nil
	case sdk.MessageStopEvent:
		chunk := model.Chunk{Type: model.ChunkDone, StopReason: p.stopReason}
		if p.usage != (model.TokenUsage{}) {
			usage := p.usage
			chunk.Usage = &usage
		}
		p.toolBlocks = make(map[int]*toolBuffer)
		return p.emit(chunk)
	}
	return nil
}

// toolBuffer accumulates streamed tool input fragments for one content block.
type toolBuffer struct {
	id        string
	name      string
	fragments []string
}

// finalInput joins the buffered fragments into the complete input payload.
// Tools invoked without arguments stream no fragments at all.
func (tb *toolBuffer) finalInput() string {
	joined := strings.TrimSpace(strings.Join(tb.fragments, ""))
	if joined == "" {
		return "{}"
	}
	return joined
}
