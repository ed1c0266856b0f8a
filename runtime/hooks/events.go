package hooks

import (
	"time"

	"goa.design/loom/runtime/fault"
	"goa.design/loom/runtime/message"
)

// Topics published by the agent executor. Subscribers combine them with bus
// wildcards: "agent.run.*" for run lifecycle, "agent.tool.*" for individual
// tool calls, PatternAll for everything.
const (
	TopicRunStarted   = "agent.run.started"
	TopicRunCompleted = "agent.run.completed"
	TopicRunFailed    = "agent.run.failed"
	TopicRunCancelled = "agent.run.cancelled"

	TopicTurnStarted   = "agent.turn.started"
	TopicTurnCompleted = "agent.turn.completed"

	TopicModelStarted   = "agent.model.started"
	TopicModelDelta     = "agent.model.delta"
	TopicModelCompleted = "agent.model.completed"

	TopicToolsStarted   = "agent.tools.started"
	TopicToolsCompleted = "agent.tools.completed"
	TopicToolStarted    = "agent.tool.started"
	TopicToolCompleted  = "agent.tool.completed"

	TopicDepthExceeded = "agent.depth.exceeded"
)

type (
	// RunStarted fires when a run begins, before the first turn.
	RunStarted struct {
		baseEvent
		// Input is the message the run was started with.
		Input *message.Message
	}

	// RunCompleted fires when a run ends with a final assistant message.
	RunCompleted struct {
		baseEvent
		// Output is the terminal assistant message.
		Output *message.Message
		// Turns is the number of turns the run consumed.
		Turns int
		// Elapsed is the wall-clock run duration.
		Elapsed time.Duration
	}

	// RunFailed fires when a run ends with an error other than cancellation.
	RunFailed struct {
		baseEvent
		// Kind classifies the terminal failure.
		Kind fault.Kind
		// Err is the terminal error text.
		Err string
	}

	// RunCancelled fires when the run's context ends before completion.
	RunCancelled struct {
		baseEvent
		// Reason is the cancellation cause text.
		Reason string
	}

	// TurnStarted fires at the top of each turn, after the depth check.
	TurnStarted struct {
		baseEvent
	}

	// TurnCompleted fires after a turn's model call and tool batch settle.
	TurnCompleted struct {
		baseEvent
		// ToolCalls is the number of tool calls the turn requested.
		ToolCalls int
		// Elapsed is the wall-clock turn duration.
		Elapsed time.Duration
	}

	// ModelStarted fires when a model invocation begins.
	ModelStarted struct {
		baseEvent
		// Model is the provider model identifier when known.
		Model string
	}

	// ModelDelta streams incremental assistant text as the model produces
	// it. Deltas are fragments; the completed turn carries the full text.
	ModelDelta struct {
		baseEvent
		// Text is the content fragment.
		Text string
	}

	// ModelCompleted fires when a model invocation finishes.
	ModelCompleted struct {
		baseEvent
		// Model is the provider model identifier when known.
		Model string
		// StopReason is the provider stop reason when reported.
		StopReason string
		// InputTokens is the number of prompt tokens consumed.
		InputTokens int
		// OutputTokens is the number of completion tokens produced.
		OutputTokens int
	}

	// ToolsStarted fires when a turn's tool batch begins executing.
	ToolsStarted struct {
		baseEvent
		// Calls is the total number of calls in the batch.
		Calls int
		// Reads is the number of calls classified read-only.
		Reads int
		// Writes is the number of calls that may mutate state.
		Writes int
	}

	// ToolsCompleted fires when a turn's tool batch settles.
	ToolsCompleted struct {
		baseEvent
		// Results is the number of results produced, always equal to the
		// batch size.
		Results int
		// Failed is the number of results carrying an error.
		Failed int
		// Elapsed is the wall-clock batch duration.
		Elapsed time.Duration
	}

	// ToolStarted fires when an individual tool call begins.
	ToolStarted struct {
		baseEvent
		// CallID is the model-assigned tool call identifier.
		CallID string
		// Tool is the tool name.
		Tool string
		// ReadOnly reports whether the call ran in the parallel read phase.
		ReadOnly bool
	}

	// ToolCompleted fires when an individual tool call settles.
	ToolCompleted struct {
		baseEvent
		// CallID is the model-assigned tool call identifier.
		CallID string
		// Tool is the tool name.
		Tool string
		// OK reports whether the call succeeded.
		OK bool
		// Elapsed is the call's wall-clock duration.
		Elapsed time.Duration
		// Err is the failure text, empty on success.
		Err string
	}

	// DepthExceeded fires when a run hits its turn limit before producing a
	// final response.
	DepthExceeded struct {
		baseEvent
		// Depth is the turn count the run reached.
		Depth int
		// Limit is the configured maximum.
		Limit int
	}
)

// NewRunStarted constructs a RunStarted event.
func NewRunStarted(runID, sessionID, agentID string, input *message.Message) *RunStarted {
	return &RunStarted{baseEvent: newBase(runID, sessionID, agentID, 0), Input: input}
}

// NewRunCompleted constructs a RunCompleted event.
func NewRunCompleted(runID, sessionID, agentID string, output *message.Message, turns int, elapsed time.Duration) *RunCompleted {
	return &RunCompleted{
		baseEvent: newBase(runID, sessionID, agentID, turns),
		Output:    output,
		Turns:     turns,
		Elapsed:   elapsed,
	}
}

// NewRunFailed constructs a RunFailed event from the terminal error.
func NewRunFailed(runID, sessionID, agentID string, turn int, err error) *RunFailed {
	return &RunFailed{
		baseEvent: newBase(runID, sessionID, agentID, turn),
		Kind:      fault.KindOf(err),
		Err:       err.Error(),
	}
}

// NewRunCancelled constructs a RunCancelled event.
func NewRunCancelled(runID, sessionID, agentID string, turn int, reason string) *RunCancelled {
	return &RunCancelled{baseEvent: newBase(runID, sessionID, agentID, turn), Reason: reason}
}

// NewTurnStarted constructs a TurnStarted event.
func NewTurnStarted(runID, sessionID, agentID string, turn int) *TurnStarted {
	return &TurnStarted{baseEvent: newBase(runID, sessionID, agentID, turn)}
}

// NewTurnCompleted constructs a TurnCompleted event.
func NewTurnCompleted(runID, sessionID, agentID string, turn, toolCalls int, elapsed time.Duration) *TurnCompleted {
	return &TurnCompleted{
		baseEvent: newBase(runID, sessionID, agentID, turn),
		ToolCalls: toolCalls,
		Elapsed:   elapsed,
	}
}

// NewModelStarted constructs a ModelStarted event.
func NewModelStarted(runID, sessionID, agentID string, turn int, model string) *ModelStarted {
	return &ModelStarted{baseEvent: newBase(runID, sessionID, agentID, turn), Model: model}
}

// NewModelDelta constructs a ModelDelta event.
func NewModelDelta(runID, sessionID, agentID string, turn int, text string) *ModelDelta {
	return &ModelDelta{baseEvent: newBase(runID, sessionID, agentID, turn), Text: text}
}

// NewModelCompleted constructs a ModelCompleted event.
func NewModelCompleted(runID, sessionID, agentID string, turn int, model, stopReason string, inputTokens, outputTokens int) *ModelCompleted {
	return &ModelCompleted{
		baseEvent:    newBase(runID, sessionID, agentID, turn),
		Model:        model,
		StopReason:   stopReason,
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
	}
}

// NewToolsStarted constructs a ToolsStarted event.
func NewToolsStarted(runID, sessionID, agentID string, turn, calls, reads, writes int) *ToolsStarted {
	return &ToolsStarted{
		baseEvent: newBase(runID, sessionID, agentID, turn),
		Calls:     calls,
		Reads:     reads,
		Writes:    writes,
	}
}

// NewToolsCompleted constructs a ToolsCompleted event.
func NewToolsCompleted(runID, sessionID, agentID string, turn, results, failed int, elapsed time.Duration) *ToolsCompleted {
	return &ToolsCompleted{
		baseEvent: newBase(runID, sessionID, agentID, turn),
		Results:   results,
		Failed:    failed,
		Elapsed:   elapsed,
	}
}

// NewToolStarted constructs a ToolStarted event.
func NewToolStarted(runID, sessionID, agentID string, turn int, callID, tool string, readOnly bool) *ToolStarted {
	return &ToolStarted{
		baseEvent: newBase(runID, sessionID, agentID, turn),
		CallID:    callID,
		Tool:      tool,
		ReadOnly:  readOnly,
	}
}

// NewToolCompleted constructs a ToolCompleted event.
func NewToolCompleted(runID, sessionID, agentID string, turn int, callID, tool string, ok bool, elapsed time.Duration, errText string) *ToolCompleted {
	return &ToolCompleted{
		baseEvent: newBase(runID, sessionID, agentID, turn),
		CallID:    callID,
		Tool:      tool,
		OK:        ok,
		Elapsed:   elapsed,
		Err:       errText,
	}
}

// NewDepthExceeded constructs a DepthExceeded event.
func NewDepthExceeded(runID, sessionID, agentID string, depth, limit int) *DepthExceeded {
	return &DepthExceeded{baseEvent: newBase(runID, sessionID, agentID, depth), Depth: depth, Limit: limit}
}

func (e *RunStarted) Topic() string     { return TopicRunStarted }
func (e *RunCompleted) Topic() string   { return TopicRunCompleted }
func (e *RunFailed) Topic() string      { return TopicRunFailed }
func (e *RunCancelled) Topic() string   { return TopicRunCancelled }
func (e *TurnStarted) Topic() string    { return TopicTurnStarted }
func (e *TurnCompleted) Topic() string  { return TopicTurnCompleted }
func (e *ModelStarted) Topic() string   { return TopicModelStarted }
func (e *ModelDelta) Topic() string     { return TopicModelDelta }
func (e *ModelCompleted) Topic() string { return TopicModelCompleted }
func (e *ToolsStarted) Topic() string   { return TopicToolsStarted }
func (e *ToolsCompleted) Topic() string { return TopicToolsCompleted }
func (e *ToolStarted) Topic() string    { return TopicToolStarted }
func (e *ToolCompleted) Topic() string  { return TopicToolCompleted }
func (e *DepthExceeded) Topic() string  { return TopicDepthExceeded }
