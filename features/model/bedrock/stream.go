package bedrock

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"goa.design/loom/runtime/message"
	"goa.design/loom/runtime/model"
)

// streamer adapts a ConverseStream event stream to the model.Streamer
// interface. A goroutine drains the event channel and forwards normalized
// chunks so Recv stays cancellable.
type streamer struct {
	ctx    context.Context
	cancel context.CancelFunc
	stream *bedrockruntime.ConverseStreamEventStream

	chunks chan model.Chunk

	errMu    sync.Mutex
	errSet   bool
	finalErr error

	metaMu   sync.RWMutex
	metadata map[string]any
}

func newStreamer(ctx context.Context, stream *bedrockruntime.ConverseStreamEventStream, nameMap map[string]string) model.Streamer {
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
// the token usage reported by the trailing metadata event.
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
	events := s.stream.Events()
	for {
		select {
		case <-s.ctx.Done():
			s.setErr(s.ctx.Err())
			return
		case event, ok := <-events:
			if !ok {
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
			if err := p.handle(event); err != nil {
				s.setErr(err)
				return
			}
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

// eventProcessor folds Converse stream events into normalized chunks. Tool
// input fragments are buffered per content block and surfaced once the block
// stops. The done chunk is deferred to finish because Bedrock delivers the
// usage-bearing metadata event after messageStop.
type eventProcessor struct {
	emit        func(model.Chunk) error
	recordUsage func(model.TokenUsage)
	nameMap     map[string]string

	toolBlocks map[int32]*toolBuffer
	usage      model.TokenUsage
	hasUsage   bool
	stopReason string
}

func newEventProcessor(emit func(model.Chunk) error, recordUsage func(model.TokenUsage), nameMap map[string]string) *eventProcessor {
	return &eventProcessor{
		emit:        emit,
		recordUsage: recordUsage,
		nameMap:     nameMap,
		toolBlocks:  make(map[int32]*toolBuffer),
	}
}

func (p *eventProcessor) handle(event brtypes.ConverseStreamOutput) error {
	switch ev := event.(type) {
	case *brtypes.ConverseStreamOutputMemberMessageStart:
		p.toolBlocks = make(map[int32]*toolBuffer)
		p.stopReason = ""
		return nil
	case *brtypes.ConverseStreamOutputMemberContentBlockStart:
		start, ok := ev.Value.Start.(*brtypes.ContentBlockStartMemberToolUse)
		if !ok {
			return nil
		}
		if start.Value.Name == nil || *start.Value.Name == "" {
			return errors.New("bedrock stream: tool use block missing name")
		}
		tb := &toolBuffer{
			id:   aws.ToString(start.Value.ToolUseId),
			name: canonicalToolName(*start.Value.Name, p.nameMap),
		}
		p.toolBlocks[aws.ToInt32(ev.Value.ContentBlockIndex)] = tb
		return p.emit(model.Chunk{
			Type:     model.ChunkToolCallStart,
			ToolCall: &message.ToolCall{ID: tb.id, Name: tb.name},
		})
	case *brtypes.ConverseStreamOutputMemberContentBlockDelta:
		switch delta := ev.Value.Delta.(type) {
		case *brtypes.ContentBlockDeltaMemberText:
			if delta.Value == "" {
				return nil
			}
			return p.emit(model.Chunk{Type: model.ChunkContentDelta, Delta: delta.Value})
		case *brtypes.ContentBlockDeltaMemberToolUse:
			fragment := aws.ToString(delta.Value.Input)
			if fragment == "" {
				return nil
			}
			if tb := p.toolBlocks[aws.ToInt32(ev.Value.ContentBlockIndex)]; tb != nil {
				tb.fragments = append(tb.fragments, fragment)
			}
			return nil
		default:
			// Reasoning deltas carry no transcript content.
			return nil
		}
	case *brtypes.ConverseStreamOutputMemberContentBlockStop:
		idx := aws.ToInt32(ev.Value.ContentBlockIndex)
		tb := p.toolBlocks[idx]
		if tb == nil {
			return nil
		}
		delete(p.toolBlocks, idx)
		return p.emit(model.Chunk{
			Type: model.ChunkToolCallComplete,
			ToolCall: &message.ToolCall{
				ID:        tb.id,
				Name:      tb.name,
				Arguments: decodeArguments(tb.finalInput()),
			},
		})
	case *brtypes.ConverseStreamOutputMemberMessageStop:
		p.stopReason = string(ev.Value.StopReason)
		return nil
	case *brtypes.ConverseStreamOutputMemberMetadata:
		if u := ev.Value.Usage; u != nil {
			p.usage = model.TokenUsage{
				InputTokens:  int(aws.ToInt32(u.InputTokens)),
				OutputTokens: int(aws.ToInt32(u.OutputTokens)),
				TotalTokens:  int(aws.ToInt32(u.TotalTokens)),
			}
			if p.usage.TotalTokens == 0 {
				p.usage.TotalTokens = p.usage.InputTokens + p.usage.OutputTokens
			}
			p.hasUsage = true
			if p.recordUsage != nil {
				p.recordUsage(p.usage)
			}
		}
		return nil
	}
	return nil
}

// finish emits the done chunk. Called once the provider closes the event
// channel cleanly.
func (p *eventProcessor) finish() error {
	chunk := model.Chunk{Type: model.ChunkDone, StopReason: p.stopReason}
	if p.hasUsage {
		usage := p.usage
		chunk.Usage = &usage
	}
	p.toolBlocks = make(map[int32]*toolBuffer)
	return p.emit(chunk)
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
