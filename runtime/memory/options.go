package memory

import (
	"golang.org/x/time/rate"

	"goa.design/loom/runtime/telemetry"
)

// Defaults for tier bounds, thresholds, and background embedding work.
const (
	// DefaultL1Capacity bounds the working ring. Sensible values run 10-50.
	DefaultL1Capacity = 50
	// DefaultL2Capacity bounds the session heap. Sensible values run 50-100.
	DefaultL2Capacity = 100
	// DefaultL3Capacity bounds the episodic list. Sensible values run 200-500.
	DefaultL3Capacity = 200
	// DefaultL4Capacity bounds the in-process semantic index.
	DefaultL4Capacity = 1000
	// DefaultL2Threshold is the importance at or above which an ingested
	// entry is also inserted into L2.
	DefaultL2Threshold = 0.6
	// DefaultPromoteThreshold is the importance at or above which an L3
	// summary is promoted into L4.
	DefaultPromoteThreshold = 0.5
	// DefaultEmbedWorkers is the number of concurrent embedding batches.
	DefaultEmbedWorkers = 10
	// DefaultEmbedBatchSize caps how many entries one embedding call takes.
	DefaultEmbedBatchSize = 10
	// DefaultEmbedQueueDepth bounds the promotion queue feeding the workers.
	DefaultEmbedQueueDepth = 256

	// highWater is the fill fraction at which background promotion kicks in.
	highWater = 0.9
)

type (
	// Option configures a Store.
	Option func(*options)

	// QueryOption adjusts a single query, e.g. widening the scope filter.
	QueryOption func(*queryOptions)

	options struct {
		l1Cap int
		l2Cap int
		l3Cap int
		l4Cap int

		promotion        bool
		l2Threshold      float64
		promoteThreshold float64

		summarizer Summarizer
		embedder   Embedder
		vectors    VectorStore

		workers    int
		batchSize  int
		queueDepth int
		limit      rate.Limit
		burst      int

		logger  telemetry.Logger
		metrics telemetry.Metrics
	}

	queryOptions struct {
		scopes map[Scope]bool
	}
)

func defaultOptions() options {
	return options{
		l1Cap:            DefaultL1Capacity,
		l2Cap:            DefaultL2Capacity,
		l3Cap:            DefaultL3Capacity,
		l4Cap:            DefaultL4Capacity,
		promotion:        true,
		l2Threshold:      DefaultL2Threshold,
		promoteThreshold: DefaultPromoteThreshold,
		summarizer:       truncateSummarizer{},
		workers:          DefaultEmbedWorkers,
		batchSize:        DefaultEmbedBatchSize,
		queueDepth:       DefaultEmbedQueueDepth,
		limit:            rate.Inf,
		burst:            1,
		logger:           telemetry.NewNoopLogger(),
		metrics:          telemetry.NewNoopMetrics(),
	}
}

// WithL1Capacity bounds the L1 working ring.
func WithL1Capacity(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.l1Cap = n
		}
	}
}

// WithL2Capacity bounds the L2 importance heap.
func WithL2Capacity(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.l2Cap = n
		}
	}
}

// WithL3Capacity bounds the L3 summary list.
func WithL3Capacity(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.l3Cap = n
		}
	}
}

// WithL4Capacity bounds the default in-process L4 index. Ignored when an
// external vector store is configured.
func WithL4Capacity(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.l4Cap = n
		}
	}
}

// WithPromotion toggles background L1 compaction and L3 promotion. Enabled
// by default; with it off the tiers rely on plain eviction at their bounds.
func WithPromotion(enabled bool) Option {
	return func(o *options) { o.promotion = enabled }
}

// WithL2Threshold sets the importance gate for L2 insertion.
func WithL2Threshold(v float64) Option {
	return func(o *options) {
		if v >= 0 && v <= 1 {
			o.l2Threshold = v
		}
	}
}

// WithPromoteThreshold sets the importance gate for L3 to L4 promotion.
func WithPromoteThreshold(v float64) Option {
	return func(o *options) {
		if v >= 0 && v <= 1 {
			o.promoteThreshold = v
		}
	}
}

// WithSummarizer injects the summarizer used for L1 compaction. Without one
// (or when the injected one fails) summaries concatenate and truncate.
func WithSummarizer(s Summarizer) Option {
	return func(o *options) {
		if s != nil {
			o.summarizer = s
		}
	}
}

// WithEmbedder injects the embedder powering semantic L4 search. Without one
// L4 falls back to keyword matching over stored content.
func WithEmbedder(e Embedder) Option {
	return func(o *options) { o.embedder = e }
}

// WithVectorStore replaces the in-process L4 index with an external store,
// e.g. the MongoDB one. Requires an embedder; without one the store is not
// used.
func WithVectorStore(vs VectorStore) Option {
	return func(o *options) { o.vectors = vs }
}

// WithEmbedWorkers sets how many embedding batches may run concurrently.
func WithEmbedWorkers(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.workers = n
		}
	}
}

// WithEmbedBatchSize caps the number of entries per embedding call.
func WithEmbedBatchSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.batchSize = n
		}
	}
}

// WithEmbedQueueDepth bounds the queue feeding the embedding workers. A full
// queue drops promotions rather than blocking ingestion.
func WithEmbedQueueDepth(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.queueDepth = n
		}
	}
}

// WithEmbedRateLimit caps embedding calls per second across all workers.
func WithEmbedRateLimit(perSecond float64) Option {
	return func(o *options) {
		if perSecond > 0 {
			o.limit = rate.Limit(perSecond)
		}
	}
}

// WithLogger sets the structured logger. Defaults to a noop logger.
func WithLogger(l telemetry.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithMetrics sets the metrics sink. Defaults to a noop sink.
func WithMetrics(m telemetry.Metrics) Option {
	return func(o *options) {
		if m != nil {
			o.metrics = m
		}
	}
}

// WithScopes narrows or widens the scope filter for one query. Queries
// default to local plus inherited entries.
func WithScopes(scopes ...Scope) QueryOption {
	return func(q *queryOptions) {
		q.scopes = make(map[Scope]bool, len(scopes))
		for _, s := range scopes {
			q.scopes[s] = true
		}
	}
}

// WithAllScopes widens one query to every scope.
func WithAllScopes() QueryOption {
	return WithScopes(ScopeLocal, ScopeShared, ScopeInherited, ScopeGlobal)
}

func applyQueryOptions(opts []QueryOption) queryOptions {
	q := queryOptions{scopes: map[Scope]bool{ScopeLocal: true, ScopeInherited: true}}
	for _, opt := range opts {
		opt(&q)
	}
	return q
}

func (q queryOptions) allows(s Scope) bool {
	if s == "" {
		s = ScopeLocal
	}
	return q.scopes[s]
}
