// Package executor runs batches of tool calls against a registry with
// read/write barriers. Maximal runs of read-only calls execute fully in
// parallel; each write call stands alone; a barrier separates successive
// partitions so a read never observes a mid-flight write from the same batch
// and writes retain their input order. Individual failures become failed
// results, never batch aborts, and the output is always index-aligned with
// the input.
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"goa.design/loom/runtime/fault"
	"goa.design/loom/runtime/message"
	"goa.design/loom/runtime/telemetry"
	"goa.design/loom/runtime/tools"
)

// DefaultCallTimeout bounds one tool invocation unless the tool's descriptor
// declares its own timeout.
const DefaultCallTimeout = 60 * time.Second

type (
	// Executor schedules tool call batches. Safe for concurrent use; every
	// batch is independent.
	Executor struct {
		registry *tools.Registry
		timeout  time.Duration
		logger   telemetry.Logger
		metrics  telemetry.Metrics
		tracer   telemetry.Tracer
	}

	// Option configures an Executor.
	Option func(*Executor)

	// run is one scheduling partition: a maximal sequence of read-only
	// calls, or a single write call.
	run struct {
		read bool
		idxs []int
	}

	// outcome carries a handler return across the invocation goroutine.
	outcome struct {
		value any
		err   error
	}
)

// WithCallTimeout sets the default per-call timeout. Tool descriptors may
// override it per tool.
func WithCallTimeout(d time.Duration) Option {
	return func(e *Executor) {
		if d > 0 {
			e.timeout = d
		}
	}
}

// WithLogger sets the structured logger. Defaults to a noop logger.
func WithLogger(l telemetry.Logger) Option {
	return func(e *Executor) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithMetrics sets the metrics sink. Defaults to a noop sink.
func WithMetrics(m telemetry.Metrics) Option {
	return func(e *Executor) {
		if m != nil {
			e.metrics = m
		}
	}
}

// WithTracer sets the tracer. Defaults to a noop tracer.
func WithTracer(t telemetry.Tracer) Option {
	return func(e *Executor) {
		if t != nil {
			e.tracer = t
		}
	}
}

// New constructs an Executor over the given registry.
func New(registry *tools.Registry, opts ...Option) *Executor {
	e := &Executor{
		registry: registry,
		timeout:  DefaultCallTimeout,
		logger:   telemetry.NewNoopLogger(),
		metrics:  telemetry.NewNoopMetrics(),
		tracer:   telemetry.NewNoopTracer(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Execute runs the ordered batch and returns results index-aligned with the
// input. Schema violations, handler errors, panics, and timeouts surface as
// failed results for their call only; the batch always completes. When ctx is
// cancelled, unstarted calls settle as Cancelled without invocation and
// in-flight handlers observe their context cancellation. An empty batch
// returns an empty slice.
func (e *Executor) Execute(ctx context.Context, calls []message.ToolCall) []tools.Result {
	results := make([]tools.Result, len(calls))
	if len(calls) == 0 {
		return results
	}

	ctx, span := e.tracer.Start(ctx, "tools.execute_batch",
		trace.WithAttributes(attribute.Int("tools.batch_size", len(calls))),
	)
	defer span.End()

	runs := partition(calls, e.classify)
	for ri, r := range runs {
		if err := ctx.Err(); err != nil {
			kind, msg := settleUnstarted(err)
			for _, rest := range runs[ri:] {
				for _, idx := range rest.idxs {
					results[idx] = tools.Failed(calls[idx].ID, calls[idx].Name, kind, msg)
				}
			}
			break
		}
		if r.read && len(r.idxs) > 1 {
			var wg sync.WaitGroup
			for _, idx := range r.idxs {
				wg.Add(1)
				go func(idx int) {
					defer wg.Done()
					results[idx] = e.executeOne(ctx, calls[idx])
				}(idx)
			}
			// Barrier: the next partition starts only after every call in
			// this one has settled.
			wg.Wait()
			continue
		}
		for _, idx := range r.idxs {
			results[idx] = e.executeOne(ctx, calls[idx])
		}
	}
	return results
}

// classify reports whether the named tool is read-only for scheduling.
// Unknown tools count as read-only; they fail during execution without ever
// invoking anything, so they cannot write.
func (e *Executor) classify(name string) bool {
	if tool, ok := e.registry.Lookup(name); ok {
		return tool.ReadOnly()
	}
	return true
}

// partition walks the ordered calls and groups maximal consecutive read-only
// sequences into read-runs; every write call forms its own partition.
func partition(calls []message.ToolCall, readOnly func(string) bool) []run {
	runs := make([]run, 0, len(calls))
	for i, call := range calls {
		read := readOnly(call.Name)
		if read && len(runs) > 0 && runs[len(runs)-1].read {
			last := &runs[len(runs)-1]
			last.idxs = append(last.idxs, i)
			continue
		}
		runs = append(runs, run{read: read, idxs: []int{i}})
	}
	return runs
}

func (e *Executor) executeOne(ctx context.Context, call message.ToolCall) tools.Result {
	started := time.Now()
	ctx, span := e.tracer.Start(ctx, "tools.execute",
		trace.WithAttributes(
			attribute.String("tool.name", call.Name),
			attribute.String("tool.call_id", call.ID),
		),
	)
	defer span.End()

	result := e.invoke(ctx, call)
	result.Duration = time.Since(started)

	status := "ok"
	if result.OK {
		span.SetStatus(codes.Ok, "ok")
	} else {
		status = string(result.Error.Kind)
		span.RecordError(result.Error)
		span.SetStatus(codes.Error, result.Error.Message)
		e.logger.Warn(ctx, "tool call failed",
			"tool", call.Name,
			"call_id", call.ID,
			"kind", result.Error.Kind,
			"err", result.Error.Message,
		)
	}
	e.metrics.IncCounter("tools.calls", 1, "tool", call.Name, "status", status)
	e.metrics.RecordTimer("tools.call_duration", result.Duration, "tool", call.Name)
	return result
}

// invoke resolves, validates, and runs one call. Every failure path returns
// a settled result; nothing escapes as a plain error.
func (e *Executor) invoke(ctx context.Context, call message.ToolCall) tools.Result {
	if err := ctx.Err(); err != nil {
		kind, msg := settleUnstarted(err)
		return tools.Failed(call.ID, call.Name, kind, msg)
	}

	tool, ok := e.registry.Lookup(call.Name)
	if !ok {
		return tools.Failed(call.ID, call.Name, fault.BadArguments,
			fmt.Sprintf("unknown tool %q", call.Name))
	}

	// Schema violations never reach the handler.
	if err := tool.Validate(call.Arguments); err != nil {
		return tools.Failed(call.ID, call.Name, fault.BadArguments, err.Error())
	}

	timeout := e.timeout
	if t := tool.Timeout(); t > 0 {
		timeout = t
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fault.Errorf(fault.ToolFailure, "tool %q panicked: %v", call.Name, r)}
			}
		}()
		value, err := tool.Invoke(callCtx, call.Arguments)
		done <- outcome{value: value, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil {
			return tools.Failed(call.ID, call.Name, failureKind(ctx, callCtx, out.err), out.err.Error())
		}
		result := tools.Result{CallID: call.ID, Name: call.Name, OK: true, Structured: out.value}
		result.Content = renderContent(out.value)
		return result
	case <-callCtx.Done():
		// The handler keeps running until it observes its context; the call
		// settles now so the batch barrier is not held hostage.
		err := callCtx.Err()
		return tools.Failed(call.ID, call.Name, failureKind(ctx, callCtx, err), err.Error())
	}
}

// failureKind classifies an invocation error. Batch cancellation wins over
// the per-call deadline, the per-call deadline over handler error kinds, and
// anything without a kind is a ToolFailure.
func failureKind(batchCtx, callCtx context.Context, err error) fault.Kind {
	if batchCtx.Err() != nil {
		return fault.Cancelled
	}
	if callCtx.Err() == context.DeadlineExceeded {
		return fault.Timeout
	}
	if kind := fault.KindOf(err); kind != "" {
		return kind
	}
	return fault.ToolFailure
}

// settleUnstarted maps a batch context error to the kind and text recorded
// for calls that never started.
func settleUnstarted(err error) (fault.Kind, string) {
	if err == context.DeadlineExceeded {
		return fault.Timeout, "batch deadline elapsed before invocation"
	}
	return fault.Cancelled, "batch cancelled before invocation"
}

// renderContent serializes a handler return value for the model: strings
// pass through, everything else becomes compact JSON.
func renderContent(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case []byte:
		return string(v)
	case json.RawMessage:
		return string(v)
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Sprintf("%v", value)
	}
	return string(raw)
}
