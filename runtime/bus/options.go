package bus

import (
	"time"

	"goa.design/loom/runtime/telemetry"
)

const (
	// DefaultQueueCapacity bounds each subscription's delivery queue unless
	// overridden at Subscribe time.
	DefaultQueueCapacity = 100
	// DefaultTraceDepth bounds the diagnostic ring of recent tasks.
	DefaultTraceDepth = 100

	defaultCoalesceWindow = time.Second
)

type (
	// Option configures the bus.
	Option func(*options)

	// SubscribeOption configures one subscription.
	SubscribeOption func(*subscribeOptions)

	options struct {
		logger         telemetry.Logger
		metrics        telemetry.Metrics
		queueCapacity  int
		traceDepth     int
		coalesceWindow time.Duration
	}

	subscribeOptions struct {
		name          string
		queueCapacity int
		policy        OverflowPolicy
	}
)

func defaultOptions() options {
	return options{
		logger:         telemetry.NewNoopLogger(),
		metrics:        telemetry.NewNoopMetrics(),
		queueCapacity:  DefaultQueueCapacity,
		traceDepth:     DefaultTraceDepth,
		coalesceWindow: defaultCoalesceWindow,
	}
}

// WithLogger sets the logger used for delivery failures and dropped events.
func WithLogger(logger telemetry.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMetrics sets the metrics recorder for publish, delivery, and overflow
// counters.
func WithMetrics(metrics telemetry.Metrics) Option {
	return func(o *options) {
		if metrics != nil {
			o.metrics = metrics
		}
	}
}

// WithQueueCapacity sets the default per-subscription queue bound.
func WithQueueCapacity(n int) Option {
	return func(o *options) { o.queueCapacity = n }
}

// WithTraceDepth bounds the diagnostic ring of recent tasks. Zero disables
// it.
func WithTraceDepth(n int) Option {
	return func(o *options) { o.traceDepth = n }
}

// WithOverflowCoalesce sets the minimum interval between bus.overflow events
// for one subscription.
func WithOverflowCoalesce(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.coalesceWindow = d
		}
	}
}

// WithSubscriptionName labels the subscription in overflow and delivery
// error events.
func WithSubscriptionName(name string) SubscribeOption {
	return func(o *subscribeOptions) { o.name = name }
}

// WithSubscriptionQueueCapacity overrides the queue bound for this
// subscription.
func WithSubscriptionQueueCapacity(n int) SubscribeOption {
	return func(o *subscribeOptions) { o.queueCapacity = n }
}

// WithOverflowPolicy selects the behavior when this subscription's queue is
// full.
func WithOverflowPolicy(policy OverflowPolicy) SubscribeOption {
	return func(o *subscribeOptions) { o.policy = policy }
}
