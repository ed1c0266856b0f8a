// Package pulse bridges a local bus across processes over Pulse streams
// backed by Redis. The bridge is a bus client, not the bus: it subscribes
// and publishes like any other component and never changes local delivery
// semantics.
//
// Forward appends matching local tasks to a shared stream; Start consumes
// that stream and republishes remote tasks locally, in stream order, so the
// per-subscription FIFO guarantee carries across processes. Request routes a
// task to exactly one remote handler through a shared consumer group and
// awaits the correlated reply on a dedicated stream.
//
// Example usage:
//
//	pc, _ := clientspulse.New(clientspulse.Options{Redis: rdb})
//	bridge, _ := pulse.New(pulse.Options{Client: pc, Bus: b})
//	_ = bridge.Forward("agent.message.**")
//	_ = bridge.Start(ctx)
//	defer bridge.Close(ctx)
package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"

	clientspulse "goa.design/loom/features/bus/pulse/clients/pulse"
	"goa.design/loom/runtime/bus"
	"goa.design/loom/runtime/fault"
	"goa.design/loom/runtime/telemetry"
)

const (
	defaultStream         = "bus"
	defaultRequestGroup   = "bridge:requests"
	defaultRequestTimeout = 30 * time.Second
)

type (
	// Options configures a Bridge.
	Options struct {
		// Client is the Pulse client used to reach Redis. Required.
		Client clientspulse.Client
		// Bus is the local bus the bridge forwards from and publishes
		// into. Required.
		Bus bus.Bus
		// Stream prefixes every stream the bridge touches. Bridges must
		// share the prefix to see each other. Defaults to "bus".
		Stream string
		// Origin identifies this bridge instance on the wire. Defaults to
		// a random identifier. Bridges sharing an origin drop each other's
		// traffic as echoes.
		Origin string
		// SinkName is the consumer group Start reads forwarded tasks with.
		// Defaults to "bridge:" plus the origin so every bridge sees every
		// task; set a shared name to load-balance a stream across
		// processes instead.
		SinkName string
		// RequestGroup is the consumer group Serve reads remote requests
		// with. Serving bridges share it so exactly one claims each
		// request. Defaults to "bridge:requests".
		RequestGroup string
		// RequestTimeout caps how long Serve spends routing one remote
		// request locally when the caller's deadline is longer. Defaults
		// to 30s.
		RequestTimeout time.Duration
		// StartAtOldest makes Start consume the task stream from its
		// oldest retained entry instead of only new arrivals.
		StartAtOldest bool
		// Logger defaults to a no-op.
		Logger telemetry.Logger
		// Metrics defaults to a no-op.
		Metrics telemetry.Metrics
	}

	// Bridge connects a local bus to remote buses over Pulse streams.
	Bridge struct {
		client         clientspulse.Client
		bus            bus.Bus
		prefix         string
		origin         string
		sinkName       string
		requestGroup   string
		requestTimeout time.Duration
		startAtOldest  bool
		logger         telemetry.Logger
		metrics        telemetry.Metrics

		mu      sync.Mutex
		subs    []*bus.Subscription
		cancels []context.CancelFunc
		closed  bool
		wg      sync.WaitGroup
	}
)

// New constructs a bridge. It performs no I/O; streams and sinks are created
// by Forward, Start, Serve, and Request.
func New(opts Options) (*Bridge, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	if opts.Bus == nil {
		return nil, errors.New("bus is required")
	}
	prefix := opts.Stream
	if prefix == "" {
		prefix = defaultStream
	}
	origin := opts.Origin
	if origin == "" {
		origin = uuid.NewString()
	}
	sinkName := opts.SinkName
	if sinkName == "" {
		sinkName = "bridge:" + origin
	}
	requestGroup := opts.RequestGroup
	if requestGroup == "" {
		requestGroup = defaultRequestGroup
	}
	requestTimeout := opts.RequestTimeout
	if requestTimeout <= 0 {
		requestTimeout = defaultRequestTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	return &Bridge{
		client:         opts.Client,
		bus:            opts.Bus,
		prefix:         prefix,
		origin:         origin,
		sinkName:       sinkName,
		requestGroup:   requestGroup,
		requestTimeout: requestTimeout,
		startAtOldest:  opts.StartAtOldest,
		logger:         logger,
		metrics:        metrics,
	}, nil
}

// Origin returns the identifier this bridge stamps on forwarded tasks.
func (b *Bridge) Origin() string { return b.origin }

// Forward subscribes to the local bus for each pattern and appends matching
// tasks to the shared task stream as JSON envelopes. Tasks that arrived from
// another bridge are recognized by their origin metadata and skipped, so two
// bridges forwarding the same patterns never echo.
func (b *Bridge) Forward(patterns ...string) error {
	if len(patterns) == 0 {
		return errors.New("at least one pattern is required")
	}
	stream, err := b.client.Stream(taskStreamID(b.prefix))
	if err != nil {
		return err
	}
	handler := func(ctx context.Context, task *bus.Task) (*bus.Task, error) {
		if origin, ok := task.Metadata[MetadataOrigin].(string); ok && origin != "" && origin != b.origin {
			return nil, nil
		}
		env, err := encodeTask(task, b.origin)
		if err != nil {
			return nil, err
		}
		payload, err := json.Marshal(env)
		if err != nil {
			return nil, err
		}
		if _, err := stream.Add(ctx, eventTask, payload); err != nil {
			return nil, fmt.Errorf("forward %q: %w", task.Action, err)
		}
		b.metrics.IncCounter("bridge.forwarded", 1, "action", task.Action)
		return nil, nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return errors.New("bridge is closed")
	}
	for _, pattern := range patterns {
		sub, err := b.bus.Subscribe(pattern, handler, bus.WithSubscriptionName("bridge:"+pattern))
		if err != nil {
			return err
		}
		b.subs = append(b.subs, sub)
	}
	return nil
}

// Start consumes the shared task stream and publishes each remote task on the
// local bus, acking as it goes. Publication follows stream order so remote
// tasks observe the same per-subscription FIFO guarantee as local ones. Start
// returns once the consumer group is registered; consumption runs in the
// background until ctx ends or Close is called.
func (b *Bridge) Start(ctx context.Context) error {
	stream, err := b.client.Stream(taskStreamID(b.prefix))
	if err != nil {
		return err
	}
	var opts []streamopts.Sink
	if b.startAtOldest {
		opts = append(opts, streamopts.WithSinkStartAtOldest())
	}
	sink, err := stream.NewSink(ctx, b.sinkName, opts...)
	if err != nil {
		return err
	}
	loopCtx, err := b.register(ctx, sink)
	if err != nil {
		return err
	}
	go b.consume(loopCtx, sink, b.handleTask)
	return nil
}

// Serve consumes the request stream and routes each remote request to the
// single most specific local handler, sending the response or error back on
// the caller's reply stream. Serving bridges share one consumer group so
// exactly one claims each request; call Serve only in processes that own the
// handlers remote callers expect.
func (b *Bridge) Serve(ctx context.Context) error {
	stream, err := b.client.Stream(requestStreamID(b.prefix))
	if err != nil {
		return err
	}
	sink, err := stream.NewSink(ctx, b.requestGroup)
	if err != nil {
		return err
	}
	loopCtx, err := b.register(ctx, sink)
	if err != nil {
		return err
	}
	go b.consume(loopCtx, sink, b.handleRequest)
	return nil
}

// Request routes the task to a remote handler and awaits the reply. The
// request carries a correlation id and a reply_to stream in its metadata; a
// dedicated reply stream is created for the call and destroyed afterwards.
// The timeout covers the round trip and is mandatory. A nil handler response
// comes back as a nil task.
func (b *Bridge) Request(ctx context.Context, task *bus.Task, timeout time.Duration) (*bus.Task, error) {
	if task == nil {
		return nil, errors.New("task is required")
	}
	if task.Action == "" {
		return nil, errors.New("task action is required")
	}
	if timeout <= 0 {
		return nil, errors.New("request timeout must be positive")
	}

	correlationID := task.CorrelationID
	if correlationID == "" {
		correlationID = uuid.NewString()
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	deadline, _ := ctx.Deadline()

	// The reply sink is created before the request is published and starts
	// at the oldest entry, so a responder can never slip the reply in ahead
	// of the subscription.
	replyID := replyStreamID(b.prefix, correlationID)
	replyStream, err := b.client.Stream(replyID)
	if err != nil {
		return nil, err
	}
	defer func() {
		cleanup := context.WithoutCancel(ctx)
		if derr := replyStream.Destroy(cleanup); derr != nil {
			b.logger.Debug(ctx, "reply stream cleanup failed", "stream", replyID, "err", derr)
		}
	}()
	sink, err := replyStream.NewSink(ctx, "requester", streamopts.WithSinkStartAtOldest())
	if err != nil {
		return nil, err
	}
	defer sink.Close(context.WithoutCancel(ctx))

	env, err := encodeTask(task, b.origin)
	if err != nil {
		return nil, err
	}
	env.CorrelationID = correlationID
	env.DeadlineMS = deadline.UnixMilli()
	if env.Metadata == nil {
		env.Metadata = make(map[string]any, 1)
	}
	env.Metadata[MetadataReplyTo] = replyID
	payload, err := json.Marshal(env)
	if err != nil {
		return nil, err
	}

	requests, err := b.client.Stream(requestStreamID(b.prefix))
	if err != nil {
		return nil, err
	}
	if _, err := requests.Add(ctx, eventRequest, payload); err != nil {
		return nil, fmt.Errorf("publish request %q: %w", task.Action, err)
	}
	b.metrics.IncCounter("bridge.requests", 1, "action", task.Action)

	events := sink.Subscribe()
	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, fault.Errorf(fault.Timeout, "request %q timed out after %s", task.Action, timeout)
			}
			return nil, fault.Wrap(fault.Cancelled, fmt.Sprintf("request %q cancelled", task.Action), ctx.Err())
		case ev, ok := <-events:
			if !ok {
				return nil, errors.New("reply stream subscription closed")
			}
			var reply envelope
			if err := json.Unmarshal(ev.Payload, &reply); err != nil {
				b.ack(ctx, sink, ev)
				continue
			}
			if reply.CorrelationID != correlationID {
				b.ack(ctx, sink, ev)
				continue
			}
			b.ack(ctx, sink, ev)
			if reply.Error != "" || reply.ErrorKind != "" {
				if reply.ErrorKind != "" {
					return nil, fault.Errorf(fault.Kind(reply.ErrorKind), "%s", reply.Error)
				}
				return nil, errors.New(reply.Error)
			}
			if reply.Action == "" && reply.PayloadKind == "" {
				return nil, nil
			}
			return reply.task()
		}
	}
}

// Close stops forwarding, stops the consume loops, and releases the Pulse
// client. The local bus is left running.
func (b *Bridge) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := b.subs
	cancels := b.cancels
	b.subs = nil
	b.cancels = nil
	b.mu.Unlock()

	for _, sub := range subs {
		sub.Close()
	}
	for _, cancel := range cancels {
		cancel()
	}
	b.wg.Wait()
	return b.client.Close(ctx)
}

// register books a consume loop under the bridge lifecycle so Close can stop
// it. The sink is closed immediately when the bridge is already closed.
func (b *Bridge) register(ctx context.Context, sink clientspulse.Sink) (context.Context, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		sink.Close(ctx)
		return nil, errors.New("bridge is closed")
	}
	loopCtx, cancel := context.WithCancel(ctx)
	b.cancels = append(b.cancels, cancel)
	b.wg.Add(1)
	return loopCtx, nil
}

func (b *Bridge) consume(ctx context.Context, sink clientspulse.Sink, handle func(context.Context, clientspulse.Sink, *streaming.Event)) {
	defer b.wg.Done()
	defer sink.Close(context.WithoutCancel(ctx))
	events := sink.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			handle(ctx, sink, ev)
		}
	}
}

// handleTask republishes one forwarded task locally. Malformed envelopes and
// own echoes are acked and dropped.
func (b *Bridge) handleTask(ctx context.Context, sink clientspulse.Sink, ev *streaming.Event) {
	defer b.ack(ctx, sink, ev)
	var env envelope
	if err := json.Unmarshal(ev.Payload, &env); err != nil {
		b.logger.Warn(ctx, "bridge dropped malformed task envelope", "err", err)
		return
	}
	if env.Origin == b.origin {
		return
	}
	task, err := env.task()
	if err != nil {
		b.logger.Warn(ctx, "bridge dropped undecodable task", "action", env.Action, "err", err)
		return
	}
	if err := b.bus.Publish(ctx, task); err != nil {
		b.logger.Warn(ctx, "bridge failed to publish remote task", "action", task.Action, "err", err)
		return
	}
	b.metrics.IncCounter("bridge.received", 1, "action", env.Action)
}

// handleRequest serves one remote request: route locally, reply on the
// caller's stream, then ack. Requests whose deadline already passed are
// dropped without routing; the caller has given up.
func (b *Bridge) handleRequest(ctx context.Context, sink clientspulse.Sink, ev *streaming.Event) {
	defer b.ack(ctx, sink, ev)
	var env envelope
	if err := json.Unmarshal(ev.Payload, &env); err != nil {
		b.logger.Warn(ctx, "bridge dropped malformed request envelope", "err", err)
		return
	}
	replyTo, _ := env.Metadata[MetadataReplyTo].(string)
	if replyTo == "" {
		b.logger.Warn(ctx, "bridge dropped request without reply stream", "action", env.Action)
		return
	}

	timeout := b.requestTimeout
	if env.DeadlineMS > 0 {
		remaining := time.Until(time.UnixMilli(env.DeadlineMS))
		if remaining <= 0 {
			return
		}
		if remaining < timeout {
			timeout = remaining
		}
	}

	task, err := env.task()
	var resp *bus.Task
	if err == nil {
		resp, err = b.bus.Request(ctx, task, timeout)
	}
	reply := b.replyFor(resp, err, env.CorrelationID)

	payload, err := json.Marshal(reply)
	if err != nil {
		b.logger.Error(ctx, "bridge failed to marshal reply", "action", env.Action, "err", err)
		return
	}
	stream, err := b.client.Stream(replyTo)
	if err != nil {
		b.logger.Error(ctx, "bridge failed to open reply stream", "stream", replyTo, "err", err)
		return
	}
	if _, err := stream.Add(ctx, eventReply, payload); err != nil {
		b.logger.Error(ctx, "bridge failed to publish reply", "stream", replyTo, "err", err)
		return
	}
	b.metrics.IncCounter("bridge.served", 1, "action", env.Action)
}

// replyFor encodes a response task, a handler error, or a nil response into
// a reply envelope.
func (b *Bridge) replyFor(resp *bus.Task, err error, correlationID string) envelope {
	if err == nil && resp != nil {
		env, eerr := encodeTask(resp, b.origin)
		if eerr == nil {
			env.CorrelationID = correlationID
			return env
		}
		err = eerr
	}
	reply := envelope{
		CorrelationID: correlationID,
		Origin:        b.origin,
		Timestamp:     time.Now().UTC(),
	}
	if err != nil {
		reply.ErrorKind = string(fault.KindOf(err))
		reply.Error = err.Error()
	}
	return reply
}

func (b *Bridge) ack(ctx context.Context, sink clientspulse.Sink, ev *streaming.Event) {
	if err := sink.Ack(ctx, ev); err != nil {
		b.logger.Warn(ctx, "bridge ack failed", "err", err)
	}
}
