// Package middleware provides composable model.Client wrappers. Each wrapper
// preserves the Client contract so layers stack in any order between the
// agent executor and a features/model adapter.
package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"time"

	"goa.design/pulse/rmap"
	"golang.org/x/time/rate"

	"goa.design/loom/runtime/model"
	"goa.design/loom/runtime/telemetry"
)

// Middleware wraps a model.Client with additional behavior. A nil next
// yields a nil client.
type Middleware func(next model.Client) model.Client

// Chain composes middlewares so the first argument forms the outermost
// layer around the client.
func Chain(mw ...Middleware) Middleware {
	return func(next model.Client) model.Client {
		for i := len(mw) - 1; i >= 0; i-- {
			next = mw[i](next)
		}
		return next
	}
}

const (
	// defaultInitialTPM is the budget used when callers do not provide one.
	defaultInitialTPM = 60000
	// estimateBuffer pads every estimate for system prompts, tool schemas,
	// and provider framing the transcript does not show.
	estimateBuffer = 500
)

type (
	// AdaptiveRateLimiter applies an AIMD-style token bucket in front of a
	// model.Client. It estimates the token cost of each request, blocks
	// callers until capacity is available, and adjusts its effective
	// tokens-per-minute budget in response to throttling: halve on
	// model.ErrRateLimited, creep back up on success.
	//
	// The limiter sits at the provider boundary. Construct one instance per
	// process and provider, then wrap the adapter with Middleware before
	// handing it to agents. When RateLimitOptions.Cluster is set the
	// effective budget is shared across processes through a Pulse replicated
	// map, so one process being throttled slows its peers before they hit
	// the same wall.
	AdaptiveRateLimiter struct {
		mu sync.Mutex

		limiter *rate.Limiter

		currentTPM float64
		minTPM     float64
		maxTPM     float64

		// recoveryRate is the additive probe step applied per successful
		// call, fixed at 5% of the initial budget.
		recoveryRate float64

		onBackoff func(newTPM float64)
		onProbe   func(newTPM float64)

		logger  telemetry.Logger
		metrics telemetry.Metrics
	}

	// RateLimitOptions configures NewAdaptiveRateLimiter.
	RateLimitOptions struct {
		// InitialTPM is the starting tokens-per-minute budget. Defaults to
		// 60000.
		InitialTPM float64
		// MaxTPM bounds how far successful probing can raise the budget.
		// Values below InitialTPM are clamped to it.
		MaxTPM float64
		// Cluster shares the effective budget across processes when set.
		// Requires ClusterKey.
		Cluster *rmap.Map
		// ClusterKey names the shared budget entry, typically the provider
		// model identifier.
		ClusterKey string
		// Logger defaults to a no-op.
		Logger telemetry.Logger
		// Metrics defaults to a no-op.
		Metrics telemetry.Metrics
	}

	limitedClient struct {
		next    model.Client
		limiter *AdaptiveRateLimiter
	}

	// clusterMap is the subset of rmap.Map the cluster-aware limiter needs.
	// Narrowed so tests can substitute an in-memory fake.
	clusterMap interface {
		Get(key string) (string, bool)
		SetIfNotExists(ctx context.Context, key, value string) (bool, error)
		TestAndSet(ctx context.Context, key, test, value string) (string, error)
		Subscribe() <-chan rmap.EventKind
	}

	rmapClusterMap struct {
		m *rmap.Map
	}
)

var _ model.Client = (*limitedClient)(nil)

// NewAdaptiveRateLimiter constructs a limiter from the options. With a
// Cluster and ClusterKey it coordinates capacity across processes; otherwise
// it is process-local. The context bounds cluster map initialization only.
func NewAdaptiveRateLimiter(ctx context.Context, opts RateLimitOptions) *AdaptiveRateLimiter {
	var cm clusterMap
	if opts.Cluster != nil {
		cm = &rmapClusterMap{m: opts.Cluster}
	}
	l := newClusterLimiter(ctx, cm, opts.ClusterKey, opts.InitialTPM, opts.MaxTPM)
	if opts.Logger != nil {
		l.logger = opts.Logger
	}
	if opts.Metrics != nil {
		l.metrics = opts.Metrics
	}
	return l
}

// newLimiter builds the process-local core used by both constructors.
// Budgets are tokens per minute; maxTPM below initialTPM is clamped up.
func newLimiter(initialTPM, maxTPM float64) *AdaptiveRateLimiter {
	if initialTPM <= 0 {
		initialTPM = defaultInitialTPM
	}
	if maxTPM <= 0 || maxTPM < initialTPM {
		maxTPM = initialTPM
	}
	minTPM := initialTPM * 0.1
	if minTPM < 1 {
		minTPM = 1
	}
	recoveryRate := initialTPM * 0.05
	if recoveryRate < 1 {
		recoveryRate = 1
	}
	return &AdaptiveRateLimiter{
		limiter:      rate.NewLimiter(rate.Limit(initialTPM/60.0), int(initialTPM)),
		currentTPM:   initialTPM,
		minTPM:       minTPM,
		maxTPM:       maxTPM,
		recoveryRate: recoveryRate,
		logger:       telemetry.NewNoopLogger(),
		metrics:      telemetry.NewNoopMetrics(),
	}
}

// Middleware returns a wrapper enforcing the adaptive budget on both
// Generate and Stream calls.
func (l *AdaptiveRateLimiter) Middleware() Middleware {
	return func(next model.Client) model.Client {
		if next == nil {
			return nil
		}
		return &limitedClient{next: next, limiter: l}
	}
}

// Generate blocks until the estimated cost fits the budget, then delegates.
func (c *limitedClient) Generate(ctx context.Context, req *model.Request) (*model.Response, error) {
	if err := c.limiter.wait(ctx, req); err != nil {
		return nil, err
	}
	resp, err := c.next.Generate(ctx, req)
	c.limiter.observe(ctx, err)
	return resp, err
}

// Stream blocks until the estimated cost fits the budget, then delegates.
// Only the initial call is charged; chunks flow uncounted.
func (c *limitedClient) Stream(ctx context.Context, req *model.Request) (model.Streamer, error) {
	if err := c.limiter.wait(ctx, req); err != nil {
		return nil, err
	}
	stream, err := c.next.Stream(ctx, req)
	c.limiter.observe(ctx, err)
	return stream, err
}

func (l *AdaptiveRateLimiter) wait(ctx context.Context, req *model.Request) error {
	return l.limiter.WaitN(ctx, estimateTokens(req))
}

// observe feeds the call outcome into the AIMD loop. ErrStreamingUnsupported
// passes through untouched; the executor's Generate fallback will be charged
// on its own.
func (l *AdaptiveRateLimiter) observe(ctx context.Context, err error) {
	switch {
	case err == nil:
		l.probe(ctx)
	case errors.Is(err, model.ErrRateLimited):
		l.backoff(ctx)
	}
}

func (l *AdaptiveRateLimiter) backoff(ctx context.Context) {
	l.mu.Lock()
	newTPM := l.currentTPM * 0.5
	if newTPM < l.minTPM {
		newTPM = l.minTPM
	}
	if newTPM == l.currentTPM {
		l.mu.Unlock()
		return
	}
	l.currentTPM = newTPM
	l.limiter.SetLimit(rate.Limit(newTPM / 60.0))
	l.limiter.SetBurst(int(newTPM))
	cb := l.onBackoff
	logger, metrics := l.logger, l.metrics
	l.mu.Unlock()

	logger.Debug(ctx, "rate limiter backing off", "tpm", newTPM)
	metrics.IncCounter("ratelimit.backoff", 1)
	metrics.RecordGauge("ratelimit.tpm", newTPM)
	if cb != nil {
		cb(newTPM)
	}
}

func (l *AdaptiveRateLimiter) probe(ctx context.Context) {
	l.mu.Lock()
	newTPM := l.currentTPM + l.recoveryRate
	if newTPM > l.maxTPM {
		newTPM = l.maxTPM
	}
	if newTPM == l.currentTPM {
		l.mu.Unlock()
		return
	}
	l.currentTPM = newTPM
	l.limiter.SetLimit(rate.Limit(newTPM / 60.0))
	l.limiter.SetBurst(int(newTPM))
	cb := l.onProbe
	metrics := l.metrics
	l.mu.Unlock()

	metrics.RecordGauge("ratelimit.tpm", newTPM)
	if cb != nil {
		cb(newTPM)
	}
}

// estimateTokens approximates the transcript cost: one token per ~3
// characters of text, tool call arguments counted through their JSON
// encoding, plus a fixed buffer. Deliberately coarse; the AIMD loop corrects
// for drift.
func estimateTokens(req *model.Request) int {
	chars := 0
	for _, m := range req.Messages {
		if m == nil {
			continue
		}
		chars += len(m.Text())
		for _, tc := range m.ToolCalls {
			if len(tc.Arguments) == 0 {
				continue
			}
			if raw, err := json.Marshal(tc.Arguments); err == nil {
				chars += len(raw)
			}
		}
	}
	if chars <= 0 {
		// Minimal non-zero estimate so tiny requests still pay the limiter.
		return estimateBuffer
	}
	tokens := chars / 3
	if tokens < 1 {
		tokens = 1
	}
	return tokens + estimateBuffer
}

// replaceTPM sets the effective budget, clamped to [minTPM, maxTPM]. Used
// when the shared cluster budget changes under us.
func (l *AdaptiveRateLimiter) replaceTPM(tpm float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if tpm < l.minTPM {
		tpm = l.minTPM
	}
	if tpm > l.maxTPM {
		tpm = l.maxTPM
	}
	if tpm == l.currentTPM {
		return
	}
	l.currentTPM = tpm
	l.limiter.SetLimit(rate.Limit(tpm / 60.0))
	l.limiter.SetBurst(int(tpm))
}

func (l *AdaptiveRateLimiter) setClusterCallbacks(onBackoff, onProbe func(newTPM float64)) {
	l.mu.Lock()
	l.onBackoff = onBackoff
	l.onProbe = onProbe
	l.mu.Unlock()
}

func (m *rmapClusterMap) Get(key string) (string, bool) {
	return m.m.Get(key)
}

func (m *rmapClusterMap) SetIfNotExists(ctx context.Context, key, value string) (bool, error) {
	return m.m.SetIfNotExists(ctx, key, value)
}

func (m *rmapClusterMap) TestAndSet(ctx context.Context, key, test, value string) (string, error) {
	return m.m.TestAndSet(ctx, key, test, value)
}

func (m *rmapClusterMap) Subscribe() <-chan rmap.EventKind {
	return m.m.Subscribe()
}

// newClusterLimiter builds a limiter whose budget tracks a shared map entry.
// Local backoff and probe decisions are mirrored into the map with
// test-and-set, and external changes to the entry are reconciled back into
// the local limiter, so every process converges on the same budget.
func newClusterLimiter(ctx context.Context, m clusterMap, key string, initialTPM, maxTPM float64) *AdaptiveRateLimiter {
	if key == "" || m == nil {
		return newLimiter(initialTPM, maxTPM)
	}

	if initialTPM <= 0 {
		initialTPM = defaultInitialTPM
	}
	// Seed the shared entry when absent. A concurrent writer may win the
	// race; the read below picks up whatever value stuck.
	if _, ok := m.Get(key); !ok {
		if _, err := m.SetIfNotExists(ctx, key, strconv.Itoa(int(initialTPM))); err != nil {
			// Fall back to a process-local limiter rather than operating on
			// a half-initialized shared budget.
			return newLimiter(initialTPM, maxTPM)
		}
	}

	sharedTPM := initialTPM
	if cur, ok := m.Get(key); ok {
		if v, err := strconv.ParseFloat(cur, 64); err == nil && v > 0 {
			sharedTPM = v
		}
	}

	l := newLimiter(sharedTPM, maxTPM)

	floor := l.minTPM
	ceiling := l.maxTPM
	step := l.recoveryRate

	l.setClusterCallbacks(
		func(_ float64) {
			go shareBackoff(context.Background(), m, key, floor)
		},
		func(_ float64) {
			go shareProbe(context.Background(), m, key, step, ceiling)
		},
	)

	// Reconcile external budget changes into the local limiter.
	ch := m.Subscribe()
	go func() {
		for range ch {
			cur, ok := m.Get(key)
			if !ok {
				continue
			}
			v, err := strconv.ParseFloat(cur, 64)
			if err != nil || v <= 0 {
				continue
			}
			l.replaceTPM(v)
		}
	}()

	return l
}

// shareBackoff halves the shared budget with bounded test-and-set retries.
// Losing every retry means peers already cut the budget further; nothing to
// do.
func shareBackoff(ctx context.Context, m clusterMap, key string, floor float64) {
	const maxAttempts = 3

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	for i := 0; i < maxAttempts; i++ {
		curStr, ok := m.Get(key)
		if !ok {
			return
		}
		cur, err := strconv.ParseFloat(curStr, 64)
		if err != nil || cur <= 0 {
			return
		}
		next := cur * 0.5
		if next < floor {
			next = floor
		}
		prev, err := m.TestAndSet(ctx, key, curStr, strconv.Itoa(int(next)))
		if err != nil || prev == curStr {
			return
		}
	}
}

// shareProbe raises the shared budget by one recovery step, up to the
// ceiling, with bounded test-and-set retries.
func shareProbe(ctx context.Context, m clusterMap, key string, step, ceiling float64) {
	const maxAttempts = 3

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	for i := 0; i < maxAttempts; i++ {
		curStr, ok := m.Get(key)
		if !ok {
			return
		}
		cur, err := strconv.ParseFloat(curStr, 64)
		if err != nil || cur <= 0 || cur >= ceiling {
			return
		}
		next := cur + step
		if next > ceiling {
			next = ceiling
		}
		prev, err := m.TestAndSet(ctx, key, curStr, strconv.Itoa(int(next)))
		if err != nil || prev == curStr {
			return
		}
	}
}
