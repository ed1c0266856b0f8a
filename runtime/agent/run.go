package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"goa.design/loom/runtime/bus"
	"goa.design/loom/runtime/fault"
	"goa.design/loom/runtime/hooks"
	"goa.design/loom/runtime/memory"
	"goa.design/loom/runtime/message"
	"goa.design/loom/runtime/model"
	"goa.design/loom/runtime/prompt"
	"goa.design/loom/runtime/tools"
)

// turnOutcome is what one turn produced: either a final message or the
// messages to append before the next turn.
type turnOutcome struct {
	final     *message.Message
	appended  []*message.Message
	toolCalls int
	compacted bool
}

// Run drives the turn loop to completion and returns the final assistant
// message. Terminal failures (Timeout, ModelError, BudgetExceeded,
// MaxDepthReached, Cancelled) return both a well-formed terminal message
// carrying MetadataFaultKind and the accumulated history, and a fault error
// with the same kind; a nil message is returned only for invalid input.
func (a *Agent) Run(ctx context.Context, initial *message.Message, opts ...RunOption) (*message.Message, error) {
	return a.execute(ctx, initial, false, opts)
}

// Stream behaves like Run while additionally emitting agent.model.delta
// events for each content fragment as the model produces it. Combine with
// WithEventChannel to consume deltas without a bus subscription.
func (a *Agent) Stream(ctx context.Context, initial *message.Message, opts ...RunOption) (*message.Message, error) {
	return a.execute(ctx, initial, true, opts)
}

func (a *Agent) execute(ctx context.Context, initial *message.Message, streaming bool, opts []RunOption) (*message.Message, error) {
	if initial == nil {
		return nil, fault.New(fault.BadArguments, "agent: initial message is required")
	}
	rs := &runState{
		runID:     uuid.NewString(),
		streaming: streaming,
		started:   time.Now(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(rs)
		}
	}
	if rs.sessionID == "" {
		rs.sessionID = sessionFrom(initial)
	}
	if rs.events != nil {
		defer close(rs.events)
	}
	if a.runBudget > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.runBudget)
		defer cancel()
	}

	ctx, span := a.tracer.Start(ctx, "agent.run",
		trace.WithAttributes(
			attribute.String("agent.id", a.id),
			attribute.String("run.id", rs.runID),
		),
	)
	defer span.End()

	a.logger.Info(ctx, "run started",
		"agent", a.id, "run_id", rs.runID, "session_id", rs.sessionID)
	a.emit(ctx, rs, hooks.NewRunStarted(rs.runID, rs.sessionID, a.id, initial))
	a.publish(ctx, rs, ActionInput, initial)

	final, turns, err := a.loop(ctx, rs, initial)
	elapsed := time.Since(rs.started)
	if err != nil {
		kind := fault.KindOf(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if kind == fault.Cancelled {
			a.emit(ctx, rs, hooks.NewRunCancelled(rs.runID, rs.sessionID, a.id, turns, err.Error()))
		} else {
			a.emit(ctx, rs, hooks.NewRunFailed(rs.runID, rs.sessionID, a.id, turns, err))
		}
		a.logger.Warn(ctx, "run ended with fault",
			"agent", a.id, "run_id", rs.runID, "kind", kind, "turns", turns, "err", err)
		a.metrics.IncCounter("agent.runs", 1, "agent", a.id, "status", string(kind))
		a.metrics.RecordTimer("agent.run_duration", elapsed, "agent", a.id)
		return final, err
	}

	span.SetStatus(codes.Ok, "completed")
	a.emit(ctx, rs, hooks.NewRunCompleted(rs.runID, rs.sessionID, a.id, final, turns, elapsed))
	a.logger.Info(ctx, "run completed",
		"agent", a.id, "run_id", rs.runID, "turns", turns, "elapsed", elapsed)
	a.metrics.IncCounter("agent.runs", 1, "agent", a.id, "status", "ok")
	a.metrics.RecordTimer("agent.run_duration", elapsed, "agent", a.id)
	return final, nil
}

// loop iterates turns until a final answer, a bound, or an error. The
// recursion of turn -> next turn is lowered to a loop so arbitrarily deep
// runs use constant stack. The returned int is the number of turns consumed.
func (a *Agent) loop(ctx context.Context, rs *runState, initial *message.Message) (*message.Message, int, error) {
	state := NewTurnState(a.maxDepth, nil)
	transcript := initial.Thread()

	for {
		// The entry turn always runs; a zero budget can still answer a
		// prompt that needs no tools.
		if state.TurnCounter > 0 && state.Exhausted() {
			a.emit(ctx, rs, hooks.NewDepthExceeded(rs.runID, rs.sessionID, a.id, state.TurnCounter, state.MaxDepth))
			err := fault.Errorf(fault.MaxDepthReached, "run reached its turn limit of %d", state.MaxDepth)
			msg := a.terminal(rs, state, transcript, fault.MaxDepthReached,
				fmt.Sprintf("Run stopped after %d turns without reaching a final answer.", state.TurnCounter))
			return msg, state.TurnCounter, err
		}
		if err := ctx.Err(); err != nil {
			msg, ferr := a.interrupted(rs, state, transcript, err)
			return msg, state.TurnCounter, ferr
		}

		turn := state.TurnCounter + 1
		turnStarted := time.Now()
		a.emit(ctx, rs, hooks.NewTurnStarted(rs.runID, rs.sessionID, a.id, turn))
		a.logger.Debug(ctx, "turn started", "run_id", rs.runID, "turn", turn, "turn_id", state.TurnID)

		outcome, err := a.turn(ctx, rs, state, transcript)
		if err != nil {
			kind := fault.KindOf(err)
			if kind == fault.Cancelled || kind == fault.Timeout {
				msg, ferr := a.interrupted(rs, state, transcript, err)
				return msg, state.TurnCounter, ferr
			}
			if kind == "" {
				kind = fault.ModelError
				err = fault.Wrap(kind, "turn failed", err)
			}
			msg := a.terminal(rs, state, transcript, kind, terminalText(kind))
			return msg, state.TurnCounter, err
		}

		a.emit(ctx, rs, hooks.NewTurnCompleted(rs.runID, rs.sessionID, a.id, turn, outcome.toolCalls, time.Since(turnStarted)))
		a.metrics.IncCounter("agent.turns", 1, "agent", a.id)
		a.metrics.RecordTimer("agent.turn_duration", time.Since(turnStarted), "agent", a.id)

		if outcome.final != nil {
			return outcome.final, turn, nil
		}
		transcript = append(transcript, outcome.appended...)
		state = state.NextTurn(outcome.compacted)
	}
}

// turn runs one model invocation and, when requested, its tool batch.
func (a *Agent) turn(ctx context.Context, rs *runState, state TurnState, transcript []*message.Message) (turnOutcome, error) {
	turn := state.TurnCounter + 1
	ctx, span := a.tracer.Start(ctx, "agent.turn",
		trace.WithAttributes(
			attribute.String("run.id", rs.runID),
			attribute.Int("turn.number", turn),
		),
	)
	defer span.End()

	components, supplied := a.assembleInputs(ctx, transcript)
	msgs, err := a.assembler.Assemble(components...)
	if err != nil {
		return turnOutcome{}, err
	}
	// Fewer emitted messages than supplied means the assembler elided a
	// middle; the next state records the compaction.
	compacted := len(msgs) < supplied

	req := &model.Request{
		Model:       a.modelID,
		Messages:    msgs,
		Tools:       a.toolDefinitions(),
		Temperature: a.temperature,
		MaxTokens:   a.maxTokens,
	}
	a.emit(ctx, rs, hooks.NewModelStarted(rs.runID, rs.sessionID, a.id, turn, a.modelID))
	resp, err := a.invokeModel(ctx, rs, turn, req)
	if err != nil {
		return turnOutcome{}, err
	}
	a.emit(ctx, rs, hooks.NewModelCompleted(rs.runID, rs.sessionID, a.id, turn,
		a.modelID, resp.StopReason, resp.Usage.InputTokens, resp.Usage.OutputTokens))
	a.metrics.IncCounter("model.input_tokens", float64(resp.Usage.InputTokens), "agent", a.id)
	a.metrics.IncCounter("model.output_tokens", float64(resp.Usage.OutputTokens), "agent", a.id)

	if len(resp.ToolCalls) == 0 {
		final := a.finalMessage(rs, state, transcript, resp)
		a.publish(ctx, rs, ActionResponse, final)
		return turnOutcome{final: final, compacted: compacted}, nil
	}

	// A zero budget admits the model call above but never a tool
	// continuation; the batch is refused before any tool runs.
	if state.MaxDepth == 0 {
		a.emit(ctx, rs, hooks.NewDepthExceeded(rs.runID, rs.sessionID, a.id, state.TurnCounter, state.MaxDepth))
		return turnOutcome{}, fault.Errorf(fault.MaxDepthReached, "tool calls requested but the turn limit is 0")
	}

	// Cooperative checkpoint between the model call and the tool batch.
	if err := ctx.Err(); err != nil {
		return turnOutcome{}, err
	}

	assistant := a.assistantMessage(rs, state, transcript, resp)
	a.publish(ctx, rs, ActionStep, assistant)

	results := a.executeTools(ctx, rs, turn, resp.ToolCalls)
	toolMsgs := a.toolMessages(rs, state, assistant, results)
	for _, tm := range toolMsgs {
		a.publish(ctx, rs, ActionStep, tm)
	}

	appended := make([]*message.Message, 0, len(toolMsgs)+1)
	appended = append(appended, assistant)
	appended = append(appended, toolMsgs...)
	return turnOutcome{appended: appended, toolCalls: len(resp.ToolCalls), compacted: compacted}, nil
}

// executeTools hands the batch to the executor and emits the tool lifecycle
// events around it.
func (a *Agent) executeTools(ctx context.Context, rs *runState, turn int, calls []message.ToolCall) []tools.Result {
	reads, writes := 0, 0
	for _, c := range calls {
		if a.readOnly(c.Name) {
			reads++
		} else {
			writes++
		}
	}
	a.emit(ctx, rs, hooks.NewToolsStarted(rs.runID, rs.sessionID, a.id, turn, len(calls), reads, writes))
	for _, c := range calls {
		a.emit(ctx, rs, hooks.NewToolStarted(rs.runID, rs.sessionID, a.id, turn, c.ID, c.Name, a.readOnly(c.Name)))
	}

	started := time.Now()
	results := a.exec.Execute(ctx, calls)

	failed := 0
	for _, r := range results {
		errText := ""
		if !r.OK {
			failed++
			errText = r.Error.Message
		}
		a.emit(ctx, rs, hooks.NewToolCompleted(rs.runID, rs.sessionID, a.id, turn, r.CallID, r.Name, r.OK, r.Duration, errText))
	}
	a.emit(ctx, rs, hooks.NewToolsCompleted(rs.runID, rs.sessionID, a.id, turn, len(results), failed, time.Since(started)))
	return results
}

// readOnly mirrors the executor's scheduling classification: registered
// tools report their descriptor, unknown names count as read-only because
// they fail without invoking anything.
func (a *Agent) readOnly(name string) bool {
	if tool, ok := a.registry.Lookup(name); ok {
		return tool.ReadOnly()
	}
	return true
}

// assembleInputs builds the component list for this turn and returns it with
// the number of messages supplied, so the caller can detect elision.
func (a *Agent) assembleInputs(ctx context.Context, transcript []*message.Message) ([]prompt.Component, int) {
	components := make([]prompt.Component, 0, 3)
	supplied := 0
	if a.instructions != "" {
		components = append(components, prompt.NewText("instructions", prompt.Critical, a.instructions, false))
		supplied++
	}
	if recalled := a.recall(ctx, transcript); recalled != "" {
		components = append(components, prompt.NewText("memory", prompt.High, recalled, true))
		supplied++
	}
	components = append(components, prompt.NewMessages("conversation", prompt.Essential, transcript, true))
	supplied += len(transcript)
	return components, supplied
}

// recall searches memory for entries relevant to the latest user content.
// Recall is best-effort: failures are logged and the turn proceeds without
// memory.
func (a *Agent) recall(ctx context.Context, transcript []*message.Message) string {
	if a.store == nil || a.recallK <= 0 {
		return ""
	}
	query := lastUserText(transcript)
	if query == "" {
		return ""
	}
	hits, err := a.store.Search(ctx, query, a.recallK, memory.L4)
	if err != nil {
		a.logger.Warn(ctx, "memory recall failed", "agent", a.id, "err", err)
		return ""
	}
	if len(hits) == 0 {
		// Nothing promoted to semantic memory yet; episodic summaries are
		// the next best source.
		if hits, err = a.store.Search(ctx, query, a.recallK, memory.L3); err != nil || len(hits) == 0 {
			return ""
		}
	}
	var b strings.Builder
	b.WriteString("Relevant memory:")
	for _, h := range hits {
		b.WriteString("\n- ")
		b.WriteString(h.Entry.Content)
	}
	return b.String()
}

// invokeModel streams from the model, buffering content deltas and completed
// tool calls. Partial tool calls are never surfaced. Providers without
// streaming fall back to Generate.
func (a *Agent) invokeModel(ctx context.Context, rs *runState, turn int, req *model.Request) (*model.Response, error) {
	s, err := a.client.Stream(ctx, req)
	if err != nil {
		if errors.Is(err, model.ErrStreamingUnsupported) {
			resp, gerr := a.client.Generate(ctx, req)
			if gerr != nil {
				return nil, wrapModelErr(gerr)
			}
			return resp, nil
		}
		return nil, wrapModelErr(err)
	}
	if !rs.streaming {
		resp, err := model.Collect(s)
		if err != nil {
			return nil, wrapModelErr(err)
		}
		return resp, nil
	}

	defer s.Close()
	var content strings.Builder
	var resp model.Response
	for {
		chunk, err := s.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				resp.Content = content.String()
				return &resp, nil
			}
			return nil, wrapModelErr(err)
		}
		switch chunk.Type {
		case model.ChunkContentDelta:
			content.WriteString(chunk.Delta)
			a.emit(ctx, rs, hooks.NewModelDelta(rs.runID, rs.sessionID, a.id, turn, chunk.Delta))
		case model.ChunkToolCallComplete:
			if chunk.ToolCall != nil {
				resp.ToolCalls = append(resp.ToolCalls, *chunk.ToolCall)
			}
		case model.ChunkDone:
			if chunk.Usage != nil {
				resp.Usage = *chunk.Usage
			}
			resp.StopReason = chunk.StopReason
		}
	}
}

// wrapModelErr gives provider failures a kind while leaving context and
// already-typed errors untouched.
func wrapModelErr(err error) error {
	if err == nil {
		return nil
	}
	if kind := fault.KindOf(err); kind != "" {
		return err
	}
	return fault.Wrap(fault.ModelError, "model invocation failed", err)
}

// finalMessage builds the successful terminal message: the assistant answer
// carrying the full accumulated history.
func (a *Agent) finalMessage(rs *runState, state TurnState, transcript []*message.Message, resp *model.Response) *message.Message {
	last := transcript[len(transcript)-1]
	return message.New(message.RoleAssistant, resp.Content,
		message.WithParentID(last.ID),
		message.WithHistory(transcript),
		message.WithMetadataValue(MetadataRunID, rs.runID),
		message.WithMetadataValue(MetadataTurnID, state.TurnID),
		message.WithMetadataValue(MetadataAgentID, a.id),
	)
}

// assistantMessage builds the intermediate assistant message requesting
// tool calls.
func (a *Agent) assistantMessage(rs *runState, state TurnState, transcript []*message.Message, resp *model.Response) *message.Message {
	last := transcript[len(transcript)-1]
	return message.New(message.RoleAssistant, resp.Content,
		message.WithToolCalls(resp.ToolCalls...),
		message.WithParentID(last.ID),
		message.WithMetadataValue(MetadataRunID, rs.runID),
		message.WithMetadataValue(MetadataTurnID, state.TurnID),
	)
}

// toolMessages wraps each batch result in a role=tool message answering the
// assistant's call. The ok/error metadata matches what the memory store uses
// to weigh failed tool results higher.
func (a *Agent) toolMessages(rs *runState, state TurnState, assistant *message.Message, results []tools.Result) []*message.Message {
	out := make([]*message.Message, 0, len(results))
	for _, r := range results {
		content := r.Content
		opts := []message.Option{
			message.WithParentID(assistant.ID),
			message.WithMetadataValue("ok", r.OK),
			message.WithMetadataValue(MetadataRunID, rs.runID),
			message.WithMetadataValue(MetadataTurnID, state.TurnID),
		}
		if !r.OK {
			content = r.Error.Message
			opts = append(opts,
				message.WithMetadataValue("error", r.Error.Message),
				message.WithMetadataValue(MetadataFaultKind, string(r.Error.Kind)),
			)
		}
		out = append(out, message.NewToolResult(r.CallID, r.Name, content, opts...))
	}
	return out
}

// terminal builds a failure terminal message: a well-formed assistant
// message carrying the accumulated history and the machine-readable kind.
func (a *Agent) terminal(rs *runState, state TurnState, transcript []*message.Message, kind fault.Kind, text string) *message.Message {
	last := transcript[len(transcript)-1]
	return message.New(message.RoleAssistant, text,
		message.WithParentID(last.ID),
		message.WithHistory(transcript),
		message.WithMetadataValue(MetadataRunID, rs.runID),
		message.WithMetadataValue(MetadataTurnID, state.TurnID),
		message.WithMetadataValue(MetadataAgentID, a.id),
		message.WithMetadataValue(MetadataFaultKind, string(kind)),
	)
}

// interrupted classifies a context failure into the Cancelled or Timeout
// terminal form.
func (a *Agent) interrupted(rs *runState, state TurnState, transcript []*message.Message, err error) (*message.Message, error) {
	kind := fault.KindOf(err)
	if kind != fault.Timeout {
		kind = fault.Cancelled
	}
	text := "Run cancelled before completion."
	if kind == fault.Timeout {
		text = "Run timed out before completion."
	}
	ferr := fault.Wrap(kind, fmt.Sprintf("run interrupted at turn %d", state.TurnCounter), err)
	return a.terminal(rs, state, transcript, kind, text), ferr
}

// terminalText renders the human-readable summary for a terminal kind.
func terminalText(kind fault.Kind) string {
	switch kind {
	case fault.BudgetExceeded:
		return "Run stopped: the context does not fit the token budget."
	case fault.ModelError:
		return "Run stopped: the model invocation failed."
	case fault.MaxDepthReached:
		return "Run stopped: the model requested tools but no turns remain."
	default:
		return fmt.Sprintf("Run stopped: %s.", kind)
	}
}

// publish puts a conversation message on the bus. Publication is
// observational; failures are logged and never fail the run.
func (a *Agent) publish(ctx context.Context, rs *runState, action string, msg *message.Message) {
	task := &bus.Task{
		Action:        action,
		Target:        a.id,
		SessionID:     rs.sessionID,
		CorrelationID: rs.runID,
		Payload:       msg,
	}
	if err := a.bus.Publish(ctx, task); err != nil {
		a.logger.Warn(ctx, "message publication failed", "action", action, "err", err)
	}
}

// emit publishes a lifecycle event on the bus and mirrors it into the
// per-run channel when one was provided.
func (a *Agent) emit(ctx context.Context, rs *runState, evt hooks.Event) {
	hooks.Emit(ctx, a.bus, evt)
	if rs.events == nil {
		return
	}
	select {
	case rs.events <- evt:
	case <-ctx.Done():
		// Terminal events race run cancellation; give a drained channel one
		// last non-blocking chance before the event is dropped.
		select {
		case rs.events <- evt:
		default:
		}
	}
}

// sessionFrom reads the session id annotation from a message.
func sessionFrom(m *message.Message) string {
	if m.Metadata == nil {
		return ""
	}
	if id, ok := m.Metadata[MetadataSessionID].(string); ok {
		return id
	}
	return ""
}

// lastUserText returns the text of the most recent user message.
func lastUserText(transcript []*message.Message) string {
	for i := len(transcript) - 1; i >= 0; i-- {
		if transcript[i].Role == message.RoleUser {
			if text := transcript[i].Text(); text != "" {
				return text
			}
		}
	}
	return ""
}
