package memory

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"goa.design/loom/runtime/bus"
	"goa.design/loom/runtime/message"
	"goa.design/loom/runtime/telemetry"
)

// Default importance by message role, overridable per message through
// metadata["importance"].
const (
	importanceUser       = 0.9
	importanceFailedTool = 0.8
	importanceTool       = 0.7
	importanceAssistant  = 0.5
)

// New constructs a tiered memory store. Without options it keeps everything
// in process: L4 search degrades to keyword matching until an embedder is
// injected.
func New(opts ...Option) Store {
	options := defaultOptions()
	for _, opt := range opts {
		opt(&options)
	}

	s := &tiered{
		logger:           options.logger,
		metrics:          options.metrics,
		summarizer:       options.summarizer,
		embedder:         options.embedder,
		l1Cap:            options.l1Cap,
		l3Cap:            options.l3Cap,
		promotion:        options.promotion,
		l2Threshold:      options.l2Threshold,
		promoteThreshold: options.promoteThreshold,
		l1:               newFIFORing(options.l1Cap),
		l2:               newImportanceHeap(options.l2Cap),
		l3:               newFIFORing(options.l3Cap),
		promoteCh:        make(chan struct{}, 1),
		stopCh:           make(chan struct{}),
		promoterDone:     make(chan struct{}),
	}

	if options.embedder != nil {
		vs := options.vectors
		if vs == nil {
			vs = NewInMemoryVectorStore(options.l4Cap)
		}
		s.l4 = vs
		s.pool = newEmbedPool(options.embedder, vs,
			options.workers, options.batchSize, options.queueDepth,
			rate.NewLimiter(options.limit, options.burst),
			options.logger, options.metrics)
	} else {
		if options.vectors != nil {
			options.logger.Warn(context.Background(),
				"vector store configured without an embedder, L4 falls back to keyword matching")
		}
		s.kw = &inmemVector{bound: options.l4Cap, byID: make(map[string]*Entry)}
	}

	go s.promoter()
	return s
}

type tiered struct {
	logger  telemetry.Logger
	metrics telemetry.Metrics

	summarizer       Summarizer
	embedder         Embedder
	l1Cap            int
	l3Cap            int
	promotion        bool
	l2Threshold      float64
	promoteThreshold float64

	l1mu sync.RWMutex
	l1   *fifoRing
	l2mu sync.RWMutex
	l2   *importanceHeap
	l3mu sync.RWMutex
	l3   *fifoRing

	// Exactly one of the two L4 modes is active: l4+pool when an embedder
	// is configured, kw otherwise.
	l4   VectorStore
	pool *embedPool
	kw   *inmemVector

	promoteCh    chan struct{}
	stopCh       chan struct{}
	promoterDone chan struct{}

	mu     sync.Mutex
	subs   []*bus.Subscription
	closed bool
}

// Attach implements Store.
func (s *tiered) Attach(b bus.Bus) error {
	sub, err := b.Subscribe("**", func(ctx context.Context, task *bus.Task) (*bus.Task, error) {
		s.Ingest(ctx, task)
		return nil, nil
	}, bus.WithSubscriptionName("memory-ingest"))
	if err != nil {
		return fmt.Errorf("attach memory store: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		sub.Close()
		return fmt.Errorf("memory store is closed")
	}
	s.subs = append(s.subs, sub)
	return nil
}

// Ingest implements Store.
func (s *tiered) Ingest(_ context.Context, task *bus.Task) {
	if task == nil {
		return
	}
	msg, ok := task.Payload.(*message.Message)
	if !ok || msg == nil {
		return
	}
	e := s.entryFor(task, msg)

	s.l1mu.Lock()
	s.l1.append(e)
	l1n := s.l1.len()
	s.l1mu.Unlock()
	s.metrics.IncCounter("memory.ingested", 1, "tier", string(L1))

	if e.Importance >= s.l2Threshold {
		elevated := e.clone()
		elevated.Tier = L2
		s.l2mu.Lock()
		s.l2.insert(elevated)
		s.l2mu.Unlock()
		s.metrics.IncCounter("memory.ingested", 1, "tier", string(L2))
	}

	if s.promotion && l1n >= tierHighWater(s.l1Cap) {
		s.wake()
	}
}

// GetRecent implements Store.
func (s *tiered) GetRecent(n int, opts ...QueryOption) []*Entry {
	if n <= 0 {
		return nil
	}
	q := applyQueryOptions(opts)

	s.l1mu.RLock()
	all := s.l1.all()
	selected := make([]*Entry, 0, n)
	for i := len(all) - 1; i >= 0 && len(selected) < n; i-- {
		if q.allows(all[i].Scope) {
			selected = append(selected, all[i].clone())
		}
	}
	s.l1mu.RUnlock()

	// Chronological order, oldest first.
	for i, j := 0, len(selected)-1; i < j; i, j = i+1, j-1 {
		selected[i], selected[j] = selected[j], selected[i]
	}
	s.touch(&s.l1mu, s.l1.all, entryIDs(selected))
	return selected
}

// GetImportant implements Store.
func (s *tiered) GetImportant(n int, opts ...QueryOption) []*Entry {
	if n <= 0 {
		return nil
	}
	q := applyQueryOptions(opts)

	s.l2mu.RLock()
	ranked := s.l2.top(s.l2.len())
	selected := make([]*Entry, 0, n)
	for _, e := range ranked {
		if !q.allows(e.Scope) {
			continue
		}
		selected = append(selected, e.clone())
		if len(selected) == n {
			break
		}
	}
	s.l2mu.RUnlock()

	s.touch(&s.l2mu, s.l2.all, entryIDs(selected))
	return selected
}

// Search implements Store.
func (s *tiered) Search(ctx context.Context, query string, k int, tier Tier, opts ...QueryOption) ([]Hit, error) {
	if k <= 0 || strings.TrimSpace(query) == "" {
		return nil, nil
	}
	q := applyQueryOptions(opts)

	switch tier {
	case L1:
		hits := s.searchTier(&s.l1mu, s.l1.all, query, k, q)
		s.touch(&s.l1mu, s.l1.all, hitIDs(hits))
		return hits, nil
	case L2:
		hits := s.searchTier(&s.l2mu, s.l2.all, query, k, q)
		s.touch(&s.l2mu, s.l2.all, hitIDs(hits))
		return hits, nil
	case L3:
		hits := s.searchTier(&s.l3mu, s.l3.all, query, k, q)
		s.touch(&s.l3mu, s.l3.all, hitIDs(hits))
		return hits, nil
	case L4:
		if s.kw != nil {
			return topHits(filterHits(s.kw.searchText(query), q), k), nil
		}
		vector, err := s.embedder.Embed(ctx, query)
		if err != nil {
			return nil, fmt.Errorf("embed query: %w", err)
		}
		// Over-fetch so the scope filter does not underfill the result.
		fetch := k * 2
		if fetch < k+8 {
			fetch = k + 8
		}
		hits, err := s.l4.Search(ctx, vector, fetch)
		if err != nil {
			return nil, fmt.Errorf("vector search: %w", err)
		}
		return topHits(filterHits(hits, q), k), nil
	default:
		return nil, fmt.Errorf("unknown tier %q", tier)
	}
}

// ListBySession implements Store.
func (s *tiered) ListBySession(sessionID string, tiers []Tier, opts ...QueryOption) []*Entry {
	if len(tiers) == 0 {
		tiers = []Tier{L1, L2, L3, L4}
	}
	q := applyQueryOptions(opts)

	var out []*Entry
	appendMatching := func(mu *sync.RWMutex, all func() []*Entry) {
		mu.RLock()
		defer mu.RUnlock()
		for _, e := range all() {
			if e.SessionID == sessionID && q.allows(e.Scope) {
				out = append(out, e.clone())
			}
		}
	}
	for _, tier := range tiers {
		switch tier {
		case L1:
			appendMatching(&s.l1mu, s.l1.all)
		case L2:
			appendMatching(&s.l2mu, s.l2.all)
		case L3:
			appendMatching(&s.l3mu, s.l3.all)
		case L4:
			// External L4 stores are similarity-only surfaces; session
			// listing covers the in-process index.
			if s.kw != nil {
				for _, e := range s.kw.bySession(sessionID) {
					if q.allows(e.Scope) {
						out = append(out, e)
					}
				}
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Len implements Store.
func (s *tiered) Len(tier Tier) int {
	switch tier {
	case L1:
		s.l1mu.RLock()
		defer s.l1mu.RUnlock()
		return s.l1.len()
	case L2:
		s.l2mu.RLock()
		defer s.l2mu.RUnlock()
		return s.l2.len()
	case L3:
		s.l3mu.RLock()
		defer s.l3mu.RUnlock()
		return s.l3.len()
	case L4:
		if s.kw != nil {
			return s.kw.len()
		}
		if v, ok := s.l4.(*inmemVector); ok {
			return v.len()
		}
		return -1
	}
	return 0
}

// Close implements Store.
func (s *tiered) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	subs := s.subs
	s.subs = nil
	s.mu.Unlock()

	for _, sub := range subs {
		sub.Close()
	}
	close(s.stopCh)
	<-s.promoterDone
	if s.pool != nil {
		s.pool.close()
	}
	return nil
}

// promoter runs tier promotion in the background, woken after ingests that
// push L1 past its high-water mark.
func (s *tiered) promoter() {
	defer close(s.promoterDone)
	for {
		select {
		case <-s.stopCh:
			return
		case <-s.promoteCh:
			s.promoteOnce(context.Background())
		}
	}
}

func (s *tiered) wake() {
	select {
	case s.promoteCh <- struct{}{}:
	default:
	}
}

func (s *tiered) promoteOnce(ctx context.Context) {
	// L1 -> L3: compact the oldest contiguous half into one summary.
	s.l1mu.Lock()
	var batch []*Entry
	if s.l1.len() >= tierHighWater(s.l1Cap) {
		take := (s.l1Cap + 1) / 2
		if take < 2 {
			take = 2
		}
		batch = s.l1.takeOldest(take)
	}
	s.l1mu.Unlock()
	if len(batch) > 0 {
		s.compact(ctx, batch)
	}

	// L3 -> L4: embed summaries important enough to keep.
	s.l3mu.Lock()
	var promote []*Entry
	if s.l3.len() >= tierHighWater(s.l3Cap) {
		for _, e := range s.l3.all() {
			if e.promoted || e.Importance < s.promoteThreshold {
				continue
			}
			e.promoted = true
			c := e.clone()
			c.Tier = L4
			promote = append(promote, c)
		}
	}
	s.l3mu.Unlock()
	for _, e := range promote {
		s.offerL4(ctx, e)
	}
}

// compact summarizes a run of L1 entries into a single L3 entry carrying the
// source ids. The injected summarizer is used when present; failures fall
// back to concatenate-and-truncate so entries are never lost.
func (s *tiered) compact(ctx context.Context, batch []*Entry) {
	text, err := s.summarizer.Summarize(ctx, batch)
	if err != nil {
		s.logger.Warn(ctx, "summarizer failed, using truncating fallback", "err", err, "entries", len(batch))
		text, _ = truncateSummarizer{}.Summarize(ctx, batch)
	}

	importance := 0.0
	sources := make([]string, len(batch))
	session := batch[0].SessionID
	scope := batch[0].Scope
	for i, e := range batch {
		sources[i] = e.ID
		if e.Importance > importance {
			importance = e.Importance
		}
		if e.SessionID != session {
			session = ""
		}
		if e.Scope != scope {
			scope = ScopeLocal
		}
	}

	summary := &Entry{
		ID:         uuid.NewString(),
		SessionID:  session,
		Content:    text,
		Importance: importance,
		Tier:       L3,
		Scope:      scope,
		SourceIDs:  sources,
		CreatedAt:  time.Now().UTC(),
	}
	s.l3mu.Lock()
	s.l3.append(summary)
	s.l3mu.Unlock()
	s.metrics.IncCounter("memory.promoted", 1, "from", string(L1), "to", string(L3))
}

func (s *tiered) offerL4(ctx context.Context, e *Entry) {
	if s.pool != nil {
		if !s.pool.enqueue(e) {
			s.logger.Warn(ctx, "embed queue full, dropping promotion", "id", e.ID)
			s.metrics.IncCounter("memory.embed_dropped", 1)
		}
		return
	}
	if err := s.kw.Upsert(ctx, e); err != nil {
		s.logger.Error(ctx, "keyword index upsert failed", "id", e.ID, "err", err)
		return
	}
	s.metrics.IncCounter("memory.promoted", 1, "from", string(L3), "to", string(L4))
}

func (s *tiered) entryFor(task *bus.Task, msg *message.Message) *Entry {
	id := msg.ID
	if id == "" {
		id = uuid.NewString()
	}
	return &Entry{
		ID:         id,
		SessionID:  task.SessionID,
		Content:    msg.Text(),
		Importance: importanceFor(task, msg),
		Tier:       L1,
		Scope:      scopeFor(task, msg),
		CreatedAt:  time.Now().UTC(),
	}
}

// searchTier keyword-scores one in-process tier under its read lock.
func (s *tiered) searchTier(mu *sync.RWMutex, all func() []*Entry, query string, k int, q queryOptions) []Hit {
	mu.RLock()
	defer mu.RUnlock()
	var hits []Hit
	for _, e := range all() {
		if !q.allows(e.Scope) {
			continue
		}
		score := keywordScore(query, e.Content)
		if score <= 0 {
			continue
		}
		hits = append(hits, Hit{Entry: e.clone(), Score: score})
	}
	return topHits(hits, k)
}

// touch stamps access metadata on the tier's entries that a query returned.
func (s *tiered) touch(mu *sync.RWMutex, all func() []*Entry, ids map[string]struct{}) {
	if len(ids) == 0 {
		return
	}
	now := time.Now().UTC()
	mu.Lock()
	defer mu.Unlock()
	for _, e := range all() {
		if _, ok := ids[e.ID]; ok {
			e.LastAccess = now
			e.Accesses++
		}
	}
}

func tierHighWater(bound int) int {
	return int(math.Ceil(float64(bound) * highWater))
}

func importanceFor(task *bus.Task, msg *message.Message) float64 {
	if v, ok := importanceOverride(msg.Metadata); ok {
		return v
	}
	if v, ok := importanceOverride(task.Metadata); ok {
		return v
	}
	switch msg.Role {
	case message.RoleUser:
		return importanceUser
	case message.RoleTool:
		if toolFailed(msg) {
			return importanceFailedTool
		}
		return importanceTool
	default:
		return importanceAssistant
	}
}

func importanceOverride(md map[string]any) (float64, bool) {
	if md == nil {
		return 0, false
	}
	switch v := md["importance"].(type) {
	case float64:
		return clamp01(v), true
	case float32:
		return clamp01(float64(v)), true
	case int:
		return clamp01(float64(v)), true
	}
	return 0, false
}

func toolFailed(msg *message.Message) bool {
	if msg.Metadata == nil {
		return false
	}
	if ok, has := msg.Metadata["ok"].(bool); has {
		return !ok
	}
	if errText, has := msg.Metadata["error"].(string); has {
		return errText != ""
	}
	return false
}

func scopeFor(task *bus.Task, msg *message.Message) Scope {
	for _, md := range []map[string]any{task.Metadata, msg.Metadata} {
		if md == nil {
			continue
		}
		if raw, ok := md["scope"].(string); ok {
			if sc := Scope(raw); validScope(sc) {
				return sc
			}
		}
	}
	return ScopeLocal
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

func filterHits(hits []Hit, q queryOptions) []Hit {
	out := hits[:0]
	for _, h := range hits {
		if q.allows(h.Entry.Scope) {
			out = append(out, h)
		}
	}
	return out
}

func entryIDs(entries []*Entry) map[string]struct{} {
	ids := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		ids[e.ID] = struct{}{}
	}
	return ids
}

func hitIDs(hits []Hit) map[string]struct{} {
	ids := make(map[string]struct{}, len(hits))
	for _, h := range hits {
		ids[h.Entry.ID] = struct{}{}
	}
	return ids
}
