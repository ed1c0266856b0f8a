// Package hooks defines the typed lifecycle events the agent executor
// publishes on the bus. Every event carries the run, session, and turn it
// belongs to so subscribers can correlate across a run without parsing
// payloads.
//
// Subscribers receive events as bus task payloads and type-switch on the
// concrete type:
//
//	sub, err := hooks.Subscribe(b, hooks.PatternAll, func(ctx context.Context, evt hooks.Event) error {
//	    switch e := evt.(type) {
//	    case *hooks.ModelDelta:
//	        render(e.Text)
//	    case *hooks.ToolCompleted:
//	        log.Printf("tool %s took %v", e.Tool, e.Elapsed)
//	    }
//	    return nil
//	})
package hooks

import (
	"context"
	"time"

	"goa.design/loom/runtime/bus"
)

// PatternAll matches every event published by the agent executor.
const PatternAll = "agent.**"

// Event is implemented by every lifecycle event. The topic doubles as the
// bus action the event is published under.
type Event interface {
	// Topic returns the bus action for this event, e.g. "agent.turn.started".
	Topic() string
	// RunID identifies the run that produced the event. All events of one
	// run share it.
	RunID() string
	// SessionID identifies the session the run belongs to.
	SessionID() string
	// AgentID identifies the agent executing the run.
	AgentID() string
	// Turn is the one-based turn the event belongs to, zero for run-level
	// events emitted outside any turn.
	Turn() int
	// Timestamp is the event creation time in Unix milliseconds.
	Timestamp() int64
}

// baseEvent holds the correlation fields shared by all events.
type baseEvent struct {
	runID     string
	sessionID string
	agentID   string
	turn      int
	timestamp int64
}

func newBase(runID, sessionID, agentID string, turn int) baseEvent {
	return baseEvent{
		runID:     runID,
		sessionID: sessionID,
		agentID:   agentID,
		turn:      turn,
		timestamp: time.Now().UnixMilli(),
	}
}

func (e baseEvent) RunID() string     { return e.runID }
func (e baseEvent) SessionID() string { return e.sessionID }
func (e baseEvent) AgentID() string   { return e.agentID }
func (e baseEvent) Turn() int         { return e.turn }
func (e baseEvent) Timestamp() int64  { return e.timestamp }

// Emit publishes evt on b under the event's topic. The run id rides along as
// the correlation id so transports that bridge the bus keep it.
func Emit(ctx context.Context, b bus.Bus, evt Event) {
	b.Emit(ctx, &bus.Task{
		Action:        evt.Topic(),
		SessionID:     evt.SessionID(),
		CorrelationID: evt.RunID(),
		Payload:       evt,
	})
}

// Subscribe registers handler for every event whose topic matches pattern.
// Bus tasks whose payload is not a hook event are ignored, so a pattern that
// also catches foreign tasks is safe.
func Subscribe(b bus.Bus, pattern string, handler func(ctx context.Context, evt Event) error) (*bus.Subscription, error) {
	return b.Subscribe(pattern, func(ctx context.Context, task *bus.Task) (*bus.Task, error) {
		evt, ok := task.Payload.(Event)
		if !ok {
			return nil, nil
		}
		return nil, handler(ctx, evt)
	})
}
