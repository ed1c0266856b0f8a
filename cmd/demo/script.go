package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"goa.design/loom/runtime/message"
	"goa.design/loom/runtime/model"
	"goa.design/loom/runtime/tools"
)

// script is a model.Client that replays canned responses in order. It lets
// the demo drive the full agent loop, streaming included, without provider
// credentials. Swap it for a features/model adapter to talk to a real
// provider.
type script struct {
	mu    sync.Mutex
	turns []*model.Response
	next  int
}

func newScript(turns ...*model.Response) *script { return &script{turns: turns} }

// Generate returns the next canned response.
func (s *script) Generate(_ context.Context, _ *model.Request) (*model.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.next >= len(s.turns) {
		return nil, fmt.Errorf("script exhausted after %d turns", len(s.turns))
	}
	resp := s.turns[s.next]
	s.next++
	return resp, nil
}

// Stream replays the next canned response as a chunk sequence.
func (s *script) Stream(ctx context.Context, req *model.Request) (model.Streamer, error) {
	resp, err := s.Generate(ctx, req)
	if err != nil {
		return nil, err
	}
	return &scriptStream{chunks: chunked(resp)}, nil
}

type scriptStream struct {
	mu     sync.Mutex
	chunks []model.Chunk
	next   int
}

// chunked lowers a response to the wire order a provider would stream it in:
// word-sized content deltas, then a start/complete pair per tool call, then
// the terminating done chunk.
func chunked(resp *model.Response) []model.Chunk {
	var chunks []model.Chunk
	for _, word := range strings.SplitAfter(resp.Content, " ") {
		if word == "" {
			continue
		}
		chunks = append(chunks, model.Chunk{Type: model.ChunkContentDelta, Delta: word})
	}
	for i := range resp.ToolCalls {
		tc := resp.ToolCalls[i]
		chunks = append(chunks,
			model.Chunk{Type: model.ChunkToolCallStart, ToolCall: &message.ToolCall{ID: tc.ID, Name: tc.Name}},
			model.Chunk{Type: model.ChunkToolCallComplete, ToolCall: &tc},
		)
	}
	usage := resp.Usage
	return append(chunks, model.Chunk{Type: model.ChunkDone, Usage: &usage, StopReason: resp.StopReason})
}

func (s *scriptStream) Recv() (model.Chunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.next >= len(s.chunks) {
		return model.Chunk{}, io.EOF
	}
	c := s.chunks[s.next]
	s.next++
	return c, nil
}

func (s *scriptStream) Close() error             { return nil }
func (s *scriptStream) Metadata() map[string]any { return nil }

// notebook is the demo's tool target. note_save mutates it and list_notes
// reads it back, giving the executor one tool of each side-effect class to
// schedule.
type notebook struct {
	mu    sync.Mutex
	notes []string
}

func (n *notebook) save(_ context.Context, args map[string]any) (any, error) {
	text, _ := args["text"].(string)
	if text == "" {
		return nil, fmt.Errorf("text is required")
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notes = append(n.notes, text)
	return map[string]any{"saved": len(n.notes)}, nil
}

func (n *notebook) list(context.Context, map[string]any) (any, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return map[string]any{"notes": append([]string(nil), n.notes...)}, nil
}

func registerTools(reg *tools.Registry, nb *notebook) error {
	if err := reg.Register(tools.Descriptor{
		Name:        "note_save",
		Description: "Save a note for later reference.",
		Schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"text": map[string]any{"type": "string", "description": "Note text."},
			},
			"required": []any{"text"},
		},
		Handler: nb.save,
	}); err != nil {
		return err
	}
	return reg.Register(tools.Descriptor{
		Name:        "list_notes",
		Description: "List the notes saved so far.",
		Handler:     nb.list,
	})
}
