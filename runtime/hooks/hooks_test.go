package hooks

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/loom/runtime/bus"
	"goa.design/loom/runtime/fault"
	"goa.design/loom/runtime/message"
)

func TestEmitAndSubscribeRoundTrip(t *testing.T) {
	b := bus.New()
	defer func() { _ = b.Close() }()

	var (
		mu  sync.Mutex
		got []Event
	)
	_, err := Subscribe(b, PatternAll, func(_ context.Context, evt Event) error {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, evt)
		return nil
	})
	require.NoError(t, err)

	input := message.NewUser("hello")
	ctx := context.Background()
	Emit(ctx, b, NewRunStarted("run-1", "sess-1", "agent-1", input))
	Emit(ctx, b, NewTurnStarted("run-1", "sess-1", "agent-1", 1))
	Emit(ctx, b, NewModelDelta("run-1", "sess-1", "agent-1", 1, "hel"))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 3
	}, 5*time.Second, time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	started, ok := got[0].(*RunStarted)
	require.True(t, ok)
	assert.Same(t, input, started.Input)
	assert.Equal(t, "run-1", started.RunID())
	assert.Equal(t, "sess-1", started.SessionID())
	assert.Equal(t, "agent-1", started.AgentID())
	assert.Zero(t, started.Turn())

	turn, ok := got[1].(*TurnStarted)
	require.True(t, ok)
	assert.Equal(t, TopicTurnStarted, turn.Topic())
	assert.Equal(t, 1, turn.Turn())

	delta, ok := got[2].(*ModelDelta)
	require.True(t, ok)
	assert.Equal(t, "hel", delta.Text)
}

func TestSubscribeIgnoresForeignPayloads(t *testing.T) {
	b := bus.New()
	defer func() { _ = b.Close() }()

	calls := make(chan Event, 1)
	_, err := Subscribe(b, "**", func(_ context.Context, evt Event) error {
		calls <- evt
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), &bus.Task{Action: "agent.run.started", Payload: "not an event"}))
	Emit(context.Background(), b, NewDepthExceeded("run-2", "sess-2", "agent-2", 3, 3))

	select {
	case evt := <-calls:
		exceeded, ok := evt.(*DepthExceeded)
		require.True(t, ok, "the string payload must be skipped")
		assert.Equal(t, 3, exceeded.Depth)
		assert.Equal(t, 3, exceeded.Limit)
	case <-time.After(5 * time.Second):
		t.Fatal("event never delivered")
	}
}

func TestRunFailedClassifiesError(t *testing.T) {
	err := fault.Errorf(fault.MaxDepthReached, "run exhausted %d turns", 10)
	evt := NewRunFailed("run-3", "sess-3", "agent-3", 10, err)
	assert.Equal(t, fault.MaxDepthReached, evt.Kind)
	assert.Contains(t, evt.Err, "10 turns")
	assert.Equal(t, TopicRunFailed, evt.Topic())
}

func TestEmitCarriesCorrelation(t *testing.T) {
	b := bus.New()
	defer func() { _ = b.Close() }()

	tasks := make(chan *bus.Task, 1)
	_, err := b.Subscribe(TopicRunCompleted, func(_ context.Context, task *bus.Task) (*bus.Task, error) {
		tasks <- task
		return nil, nil
	})
	require.NoError(t, err)

	out := message.NewAssistant("done")
	Emit(context.Background(), b, NewRunCompleted("run-4", "sess-4", "agent-4", out, 2, time.Second))

	select {
	case task := <-tasks:
		assert.Equal(t, "run-4", task.CorrelationID)
		assert.Equal(t, "sess-4", task.SessionID)
		completed, ok := task.Payload.(*RunCompleted)
		require.True(t, ok)
		assert.Equal(t, 2, completed.Turns)
	case <-time.After(5 * time.Second):
		t.Fatal("event never delivered")
	}
}
