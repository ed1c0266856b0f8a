// Package bus implements the typed transport that connects runtime
// components. It routes Task envelopes from publishers to handlers whose
// subscription pattern matches the task action, supporting request/response,
// fire-and-forget, and pub/sub delivery.
//
// The bus is a pure transport: it never sets, clears, or rewrites any field of
// a task it carries, it does not persist deliveries, and it treats "no
// matching handler" on Publish and Emit as normal. Handlers that need
// durability subscribe and store on their own (the memory store does exactly
// that).
//
// Example usage:
//
//	b := bus.New(bus.WithLogger(logger))
//	sub, err := b.Subscribe("node.*", func(ctx context.Context, t *bus.Task) (*bus.Task, error) {
//	    return nil, process(ctx, t)
//	})
//	defer sub.Close()
//	err = b.Publish(ctx, &bus.Task{Action: "node.thinking", Payload: msg})
package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"goa.design/loom/runtime/fault"
	"goa.design/loom/runtime/telemetry"
)

// Reserved actions emitted by the bus itself.
const (
	// ActionOverflow is emitted when a subscription queue drops a delivery.
	// Emissions are coalesced per subscription to avoid storms.
	ActionOverflow = "bus.overflow"
	// ActionDeliveryError is emitted when a subscriber's handler returns an
	// error during Publish or Emit delivery.
	ActionDeliveryError = "bus.delivery_error"
)

type (
	// Task is the envelope carried by the bus. Construct it fully before
	// handing it to the bus; no field is modified after publication.
	Task struct {
		// Action is the routing topic, a dot-separated string.
		Action string `json:"action"`
		// Target optionally hints at the intended recipient.
		Target string `json:"target,omitempty"`
		// SessionID groups related tasks.
		SessionID string `json:"session_id,omitempty"`
		// Payload carries the work unit, typically a *message.Message or a
		// typed event struct.
		Payload any `json:"payload,omitempty"`
		// CorrelationID pairs requests with responses across transports.
		CorrelationID string `json:"correlation_id,omitempty"`
		// Metadata carries open annotations such as importance hints.
		Metadata map[string]any `json:"metadata,omitempty"`
	}

	// Handler processes a delivered task. For Request and Send deliveries the
	// returned task is the response; for Publish and Emit deliveries the
	// return value is ignored and a non-nil error is reported as a
	// bus.delivery_error event.
	Handler func(ctx context.Context, task *Task) (*Task, error)

	// Bus routes tasks between components.
	Bus interface {
		// Subscribe registers a handler for every task whose action matches
		// pattern. Deliveries to one subscription are FIFO in publication
		// order and run on a dedicated goroutine.
		Subscribe(pattern string, handler Handler, opts ...SubscribeOption) (*Subscription, error)

		// Request delivers the task to the single most specific matching
		// handler and returns the handler's response unchanged. It fails
		// with fault.NoHandler when nothing matches, fault.AmbiguousHandler
		// when several patterns tie on specificity, and fault.Timeout when
		// the response does not arrive in time. The timeout is mandatory.
		Request(ctx context.Context, task *Task, timeout time.Duration) (*Task, error)

		// Send delivers the task to the single most specific matching
		// handler without waiting. The returned handle reports the
		// handler's response or error on await; handler failures are never
		// silently dropped.
		Send(ctx context.Context, task *Task) (*Handle, error)

		// Publish delivers the task to every matching subscription. A task
		// matching no subscription is not an error. Individual handler
		// failures surface as bus.delivery_error events, never as a Publish
		// error.
		Publish(ctx context.Context, task *Task) error

		// Emit behaves exactly like Publish but never returns an error. It
		// is the conventional verb for instrumentation events so call sites
		// read intention clearly.
		Emit(ctx context.Context, task *Task)

		// Trace returns a snapshot of recently published tasks, newest
		// last. Diagnostics only; capacity is bounded (WithTraceDepth) and
		// the buffer is not a query surface.
		Trace() []*Task

		// Close shuts the bus down: all subscriptions are closed and
		// subsequent operations fail.
		Close() error
	}

	inproc struct {
		logger  telemetry.Logger
		metrics telemetry.Metrics

		defaultQueueCap int
		coalesceWindow  time.Duration

		mu     sync.RWMutex
		subs   map[*Subscription]struct{}
		closed bool

		trace *traceRing
	}
)

// New constructs an in-process bus.
func New(opts ...Option) Bus {
	options := defaultOptions()
	for _, opt := range opts {
		opt(&options)
	}
	b := &inproc{
		logger:          options.logger,
		metrics:         options.metrics,
		defaultQueueCap: options.queueCapacity,
		coalesceWindow:  options.coalesceWindow,
		subs:            make(map[*Subscription]struct{}),
	}
	if options.traceDepth > 0 {
		b.trace = newTraceRing(options.traceDepth)
	}
	return b
}

// Subscribe implements Bus.
func (b *inproc) Subscribe(rawPattern string, handler Handler, opts ...SubscribeOption) (*Subscription, error) {
	if handler == nil {
		return nil, fmt.Errorf("handler is required")
	}
	pat, err := parsePattern(rawPattern)
	if err != nil {
		return nil, err
	}
	options := subscribeOptions{queueCapacity: b.defaultQueueCap, policy: DropOldest}
	for _, opt := range opts {
		opt(&options)
	}
	if options.queueCapacity <= 0 {
		return nil, fmt.Errorf("queue capacity must be positive")
	}

	sub := newSubscription(b, pat, handler, options)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, fmt.Errorf("bus is closed")
	}
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	go sub.loop()
	return sub, nil
}

// Request implements Bus.
func (b *inproc) Request(ctx context.Context, task *Task, timeout time.Duration) (*Task, error) {
	if err := checkTask(task); err != nil {
		return nil, err
	}
	if timeout <= 0 {
		return nil, fmt.Errorf("request timeout must be positive")
	}
	sub, err := b.resolveOne(task.Action)
	if err != nil {
		return nil, err
	}
	b.record(task)

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	reply := make(chan outcome, 1)
	if err := sub.enqueue(ctx, delivery{ctx: ctx, task: task, reply: reply}); err != nil {
		return nil, err
	}
	select {
	case out := <-reply:
		return out.task, out.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fault.Errorf(fault.Timeout, "request %q timed out after %s", task.Action, timeout)
		}
		return nil, fault.Wrap(fault.Cancelled, fmt.Sprintf("request %q cancelled", task.Action), ctx.Err())
	}
}

// Send implements Bus.
func (b *inproc) Send(ctx context.Context, task *Task) (*Handle, error) {
	if err := checkTask(task); err != nil {
		return nil, err
	}
	sub, err := b.resolveOne(task.Action)
	if err != nil {
		return nil, err
	}
	b.record(task)

	reply := make(chan outcome, 1)
	h := &Handle{reply: reply}
	deliveryCtx := context.WithoutCancel(ctx)
	if err := sub.enqueue(ctx, delivery{ctx: deliveryCtx, task: task, reply: reply}); err != nil {
		return nil, err
	}
	return h, nil
}

// Publish implements Bus.
func (b *inproc) Publish(ctx context.Context, task *Task) error {
	if err := checkTask(task); err != nil {
		return err
	}
	matching := b.matching(task.Action)
	b.record(task)
	b.count("bus.published", task.Action)

	deliveryCtx := context.WithoutCancel(ctx)
	for _, sub := range matching {
		if err := sub.enqueue(ctx, delivery{ctx: deliveryCtx, task: task}); err != nil {
			// Only the block policy can fail here, when the publisher's
			// context ends while waiting for queue space.
			return err
		}
	}
	return nil
}

// Emit implements Bus.
func (b *inproc) Emit(ctx context.Context, task *Task) {
	if err := b.Publish(ctx, task); err != nil {
		b.logger.Warn(ctx, "event emission dropped", "action", task.Action, "err", err)
	}
}

// Trace implements Bus.
func (b *inproc) Trace() []*Task {
	if b.trace == nil {
		return nil
	}
	return b.trace.snapshot()
}

// Close implements Bus.
func (b *inproc) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := make([]*Subscription, 0, len(b.subs))
	for sub := range b.subs {
		subs = append(subs, sub)
	}
	b.mu.Unlock()

	for _, sub := range subs {
		sub.Close()
	}
	return nil
}

// matching snapshots the subscriptions whose pattern matches action. The
// snapshot is taken under the read lock so delivery never holds it.
func (b *inproc) matching(action string) []*Subscription {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []*Subscription
	for sub := range b.subs {
		if sub.pattern.matches(action) {
			out = append(out, sub)
		}
	}
	return out
}

// resolveOne selects the single most specific subscription for action,
// applying the wildcard specificity rule.
func (b *inproc) resolveOne(action string) (*Subscription, error) {
	matching := b.matching(action)
	if len(matching) == 0 {
		return nil, fault.Errorf(fault.NoHandler, "no handler matches %q", action)
	}
	best := matching[0]
	tie := false
	for _, sub := range matching[1:] {
		switch {
		case sub.pattern.weight < best.pattern.weight:
			best, tie = sub, false
		case sub.pattern.weight == best.pattern.weight:
			tie = true
		}
	}
	if tie {
		return nil, fault.Errorf(fault.AmbiguousHandler,
			"%d handlers match %q with equal specificity", len(matching), action)
	}
	return best, nil
}

// unregister removes the subscription from the routing table. Called by
// Subscription.Close; after it returns no publication can reach the
// subscription.
func (b *inproc) unregister(sub *Subscription) {
	b.mu.Lock()
	delete(b.subs, sub)
	b.mu.Unlock()
}

func (b *inproc) record(task *Task) {
	if b.trace != nil {
		b.trace.add(task)
	}
}

func (b *inproc) count(name, action string) {
	b.metrics.IncCounter(name, 1, "action", action)
}

// reportDeliveryError logs a handler failure and emits a bus.delivery_error
// event. Failures while delivering bus events themselves are only logged, so
// a faulty observer cannot start an event loop.
func (b *inproc) reportDeliveryError(ctx context.Context, sub *Subscription, task *Task, err error) {
	b.logger.Error(ctx, "bus delivery failed",
		"action", task.Action, "subscription", sub.name, "pattern", sub.pattern.raw, "err", err)
	b.count("bus.delivery_errors", task.Action)
	if isBusAction(task.Action) {
		return
	}
	b.Emit(ctx, &Task{
		Action: ActionDeliveryError,
		Payload: &DeliveryError{
			Action:       task.Action,
			Subscription: sub.name,
			Pattern:      sub.pattern.raw,
			Err:          err.Error(),
		},
	})
}

// reportOverflow emits a coalesced bus.overflow event for the subscription.
func (b *inproc) reportOverflow(sub *Subscription, dropped uint64) {
	b.count("bus.overflow_drops", sub.pattern.raw)
	b.Emit(context.Background(), &Task{
		Action: ActionOverflow,
		Payload: &Overflow{
			Subscription: sub.name,
			Pattern:      sub.pattern.raw,
			Policy:       sub.policy,
			Dropped:      dropped,
		},
	})
}

func isBusAction(action string) bool {
	return action == ActionOverflow || action == ActionDeliveryError
}

func checkTask(task *Task) error {
	if task == nil {
		return fmt.Errorf("task is required")
	}
	if task.Action == "" {
		return fmt.Errorf("task action is required")
	}
	return nil
}

type (
	// Overflow is the payload of bus.overflow events.
	Overflow struct {
		// Subscription names the affected subscription when one was given.
		Subscription string `json:"subscription,omitempty"`
		// Pattern is the subscription pattern.
		Pattern string `json:"pattern"`
		// Policy is the overflow policy that dropped the delivery.
		Policy OverflowPolicy `json:"policy"`
		// Dropped is the subscription's cumulative drop count.
		Dropped uint64 `json:"dropped"`
	}

	// DeliveryError is the payload of bus.delivery_error events.
	DeliveryError struct {
		// Action is the action of the task whose delivery failed.
		Action string `json:"action"`
		// Subscription names the failing subscription when one was given.
		Subscription string `json:"subscription,omitempty"`
		// Pattern is the subscription pattern.
		Pattern string `json:"pattern"`
		// Err is the handler error text.
		Err string `json:"err"`
	}
)

// Handle tracks a Send in flight.
type Handle struct {
	reply <-chan outcome

	mu  sync.Mutex
	out *outcome
}

// Await blocks until the handler settles or ctx ends, returning the handler's
// response task or error. Await may be called multiple times; later calls
// return the settled outcome immediately.
func (h *Handle) Await(ctx context.Context) (*Task, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.out != nil {
		return h.out.task, h.out.err
	}
	select {
	case out := <-h.reply:
		h.out = &out
		return out.task, out.err
	case <-ctx.Done():
		return nil, fault.Wrap(fault.Cancelled, "send await cancelled", ctx.Err())
	}
}

type outcome struct {
	task *Task
	err  error
}

// NewTask is a convenience constructor that stamps a correlation id.
func NewTask(action string, payload any) *Task {
	return &Task{
		Action:        action,
		Payload:       payload,
		CorrelationID: uuid.NewString(),
	}
}
