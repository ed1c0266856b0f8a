package memory

import (
	"context"
	"sync"

	"golang.org/x/time/rate"

	"goa.design/loom/runtime/telemetry"
)

// embedPool runs embedding and L4 upserts off the ingest path. A fixed set
// of workers pulls promoted entries from a bounded queue, batches them, and
// writes the vectors to the configured store. Producers never block: when
// the queue is full the promotion is dropped and counted.
type embedPool struct {
	embedder Embedder
	store    VectorStore
	limiter  *rate.Limiter
	logger   telemetry.Logger
	metrics  telemetry.Metrics

	batchSize int
	jobs      chan *Entry
	wg        sync.WaitGroup
}

func newEmbedPool(embedder Embedder, store VectorStore, workers, batchSize, queueDepth int, limiter *rate.Limiter, logger telemetry.Logger, metrics telemetry.Metrics) *embedPool {
	p := &embedPool{
		embedder:  embedder,
		store:     store,
		limiter:   limiter,
		logger:    logger,
		metrics:   metrics,
		batchSize: batchSize,
		jobs:      make(chan *Entry, queueDepth),
	}
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.worker()
	}
	return p
}

// enqueue offers an entry to the pool without blocking. Returns false when
// the queue is full.
func (p *embedPool) enqueue(e *Entry) bool {
	select {
	case p.jobs <- e:
		return true
	default:
		return false
	}
}

// close stops intake and waits until every queued entry is embedded and
// stored.
func (p *embedPool) close() {
	close(p.jobs)
	p.wg.Wait()
}

func (p *embedPool) worker() {
	defer p.wg.Done()
	for job := range p.jobs {
		batch := []*Entry{job}
	fill:
		for len(batch) < p.batchSize {
			select {
			case next, ok := <-p.jobs:
				if !ok {
					break fill
				}
				batch = append(batch, next)
			default:
				break fill
			}
		}
		p.flush(batch)
	}
}

func (p *embedPool) flush(batch []*Entry) {
	ctx := context.Background()
	if err := p.limiter.Wait(ctx); err != nil {
		p.logger.Error(ctx, "embed rate limiter failed", "err", err)
		return
	}
	texts := make([]string, len(batch))
	for i, e := range batch {
		texts[i] = e.Content
	}
	vectors, err := p.embedder.EmbedBatch(ctx, texts)
	if err != nil || len(vectors) != len(batch) {
		p.logger.Error(ctx, "embedding batch failed", "size", len(batch), "err", err)
		p.metrics.IncCounter("memory.embed_failures", 1)
		return
	}
	stored := 0
	for i, e := range batch {
		e.Embedding = vectors[i]
		if err := p.store.Upsert(ctx, e); err != nil {
			p.logger.Error(ctx, "vector upsert failed", "id", e.ID, "err", err)
			continue
		}
		stored++
	}
	p.metrics.IncCounter("memory.embedded", float64(stored))
}
