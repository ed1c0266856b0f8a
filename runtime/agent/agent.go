// Package agent drives the turn loop: assemble context, call the model,
// execute the requested tools, feed the results back, and repeat until the
// model answers without tool calls or the run hits a bound. Each turn is
// tracked by an immutable TurnState; the loop keeps stack usage flat no
// matter how deep a run goes.
//
// Runs communicate through the bus: conversation messages are published under
// agent.message.* so the memory store ingests them, and lifecycle events go
// out under the hooks topics. A minimal wiring looks like:
//
//	b := bus.New()
//	store := memory.New()
//	store.Attach(b)
//	a, err := agent.New("researcher", client, b,
//	    agent.WithInstructions("You are a careful research assistant."),
//	    agent.WithTools(registry),
//	    agent.WithMemory(store),
//	)
//	final, err := a.Run(ctx, message.NewUser("What changed last week?"))
package agent

import (
	"time"

	"goa.design/loom/runtime/bus"
	"goa.design/loom/runtime/fault"
	"goa.design/loom/runtime/hooks"
	"goa.design/loom/runtime/memory"
	"goa.design/loom/runtime/model"
	"goa.design/loom/runtime/prompt"
	"goa.design/loom/runtime/telemetry"
	"goa.design/loom/runtime/tools"
	"goa.design/loom/runtime/tools/executor"
)

// Bus actions under which the agent publishes conversation messages. Every
// payload is a *message.Message; subscribe to "agent.message.**" to observe a
// whole conversation.
const (
	// ActionInput carries the initial message at run entry.
	ActionInput = "agent.message.input"
	// ActionStep carries intermediate messages: assistant tool requests and
	// tool results.
	ActionStep = "agent.message.step"
	// ActionResponse carries the final assistant message of a run.
	ActionResponse = "agent.message.response"
)

// Metadata keys the agent sets on messages it produces.
const (
	// MetadataRunID carries the run identifier.
	MetadataRunID = "run_id"
	// MetadataTurnID carries the turn identifier.
	MetadataTurnID = "turn_id"
	// MetadataAgentID carries the agent identifier.
	MetadataAgentID = "agent_id"
	// MetadataSessionID carries the session identifier. Read from the
	// initial message when no per-run session is given.
	MetadataSessionID = "session_id"
	// MetadataFaultKind marks a terminal message with the machine-readable
	// failure kind. Absent on successful final messages.
	MetadataFaultKind = "fault_kind"
)

// DefaultRecall is the number of memory hits retrieved per turn.
const DefaultRecall = 5

type (
	// Agent executes runs against a model, a tool registry, and the bus.
	// Construct with New; a single Agent serves concurrent runs.
	Agent struct {
		id           string
		client       model.Client
		bus          bus.Bus
		store        memory.Store
		registry     *tools.Registry
		exec         *executor.Executor
		assembler    *prompt.Assembler
		instructions string
		modelID      string
		temperature  float32
		maxTokens    int
		maxDepth     int
		recallK      int
		runBudget    time.Duration
		toolTimeout  time.Duration
		logger       telemetry.Logger
		metrics      telemetry.Metrics
		tracer       telemetry.Tracer
	}

	// Option configures an Agent at construction.
	Option func(*Agent)

	// RunOption configures a single run.
	RunOption func(*runState)

	// runState carries the mutable per-run wiring: identifiers, the
	// optional event channel, and whether deltas stream out.
	runState struct {
		runID     string
		sessionID string
		streaming bool
		events    chan<- hooks.Event
		started   time.Time
	}
)

// WithInstructions sets the base system instructions included in every
// assembled context at critical priority.
func WithInstructions(text string) Option {
	return func(a *Agent) { a.instructions = text }
}

// WithTools registers the tool surface. The registry is frozen during New;
// register every tool first.
func WithTools(reg *tools.Registry) Option {
	return func(a *Agent) {
		if reg != nil {
			a.registry = reg
		}
	}
}

// WithToolTimeout overrides the default per-call tool timeout
// (executor.DefaultCallTimeout). Individual descriptors may still override
// it per tool.
func WithToolTimeout(d time.Duration) Option {
	return func(a *Agent) { a.toolTimeout = d }
}

// WithMemory attaches a memory store; each turn recalls entries matching the
// latest user content and folds them into the assembled context.
func WithMemory(store memory.Store) Option {
	return func(a *Agent) { a.store = store }
}

// WithRecall sets how many memory hits are retrieved per turn. Zero disables
// recall; the default is DefaultRecall.
func WithRecall(k int) Option {
	return func(a *Agent) { a.recallK = k }
}

// WithModel selects the provider model identifier sent on every request.
func WithModel(id string) Option {
	return func(a *Agent) { a.modelID = id }
}

// WithTemperature sets the sampling temperature. Zero keeps the provider
// default.
func WithTemperature(t float32) Option {
	return func(a *Agent) { a.temperature = t }
}

// WithMaxTokens caps completion length per model call. Zero keeps the
// provider default.
func WithMaxTokens(n int) Option {
	return func(a *Agent) { a.maxTokens = n }
}

// WithMaxDepth bounds the number of turns per run. Zero still allows the
// entry turn's model call but ends the run with MaxDepthReached if that call
// requests tools. Negative values keep DefaultMaxDepth.
func WithMaxDepth(n int) Option {
	return func(a *Agent) {
		if n >= 0 {
			a.maxDepth = n
		}
	}
}

// WithAssembler replaces the default context assembler
// (prompt.New(prompt.DefaultBudget)).
func WithAssembler(asm *prompt.Assembler) Option {
	return func(a *Agent) {
		if asm != nil {
			a.assembler = asm
		}
	}
}

// WithRunBudget bounds the wall-clock time of a whole run. When the budget
// elapses the run stops at the next suspension point with a Timeout terminal
// message. Zero means unbounded.
func WithRunBudget(d time.Duration) Option {
	return func(a *Agent) { a.runBudget = d }
}

// WithLogger sets the structured logger. Defaults to a noop logger.
func WithLogger(l telemetry.Logger) Option {
	return func(a *Agent) {
		if l != nil {
			a.logger = l
		}
	}
}

// WithMetrics sets the metrics sink. Defaults to a noop sink.
func WithMetrics(m telemetry.Metrics) Option {
	return func(a *Agent) {
		if m != nil {
			a.metrics = m
		}
	}
}

// WithTracer sets the tracer. Defaults to a noop tracer.
func WithTracer(t telemetry.Tracer) Option {
	return func(a *Agent) {
		if t != nil {
			a.tracer = t
		}
	}
}

// WithSessionID pins the run to a session. When absent the agent reads
// MetadataSessionID from the initial message.
func WithSessionID(id string) RunOption {
	return func(rs *runState) { rs.sessionID = id }
}

// WithEventChannel mirrors every lifecycle event of the run into ch in
// emission order. The run owns the channel once passed: sends block until
// delivered or the run context ends, and the channel is closed when the run
// returns. Provide a buffered channel and drain it concurrently.
func WithEventChannel(ch chan<- hooks.Event) RunOption {
	return func(rs *runState) { rs.events = ch }
}

// New constructs an Agent. The id names the agent in events and bus tasks;
// client and b are required. The tool registry, when provided, is frozen
// here so lookups during runs are lock-free.
func New(id string, client model.Client, b bus.Bus, opts ...Option) (*Agent, error) {
	if id == "" {
		return nil, fault.New(fault.BadArguments, "agent: id is required")
	}
	if client == nil {
		return nil, fault.New(fault.BadArguments, "agent: model client is required")
	}
	if b == nil {
		return nil, fault.New(fault.BadArguments, "agent: bus is required")
	}
	a := &Agent{
		id:       id,
		client:   client,
		bus:      b,
		maxDepth: DefaultMaxDepth,
		recallK:  DefaultRecall,
		logger:   telemetry.NewNoopLogger(),
		metrics:  telemetry.NewNoopMetrics(),
		tracer:   telemetry.NewNoopTracer(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	if a.assembler == nil {
		a.assembler = prompt.New(prompt.DefaultBudget)
	}
	if a.registry == nil {
		a.registry = tools.NewRegistry()
	}
	a.registry.Freeze()
	a.exec = executor.New(a.registry,
		executor.WithCallTimeout(a.toolTimeout),
		executor.WithLogger(a.logger),
		executor.WithMetrics(a.metrics),
		executor.WithTracer(a.tracer),
	)
	return a, nil
}

// ID returns the agent identifier.
func (a *Agent) ID() string { return a.id }

// toolDefinitions renders the frozen registry as the tool surface advertised
// to the model.
func (a *Agent) toolDefinitions() []model.ToolDefinition {
	list := a.registry.Tools()
	if len(list) == 0 {
		return nil
	}
	defs := make([]model.ToolDefinition, 0, len(list))
	for _, t := range list {
		defs = append(defs, model.ToolDefinition{
			Name:        t.Name(),
			Description: t.Description(),
			InputSchema: t.Schema(),
		})
	}
	return defs
}
