// Package memory implements the tiered store that gives agents working,
// session, episodic, and long-term recall. It subscribes to the bus with a
// catch-all pattern and files every message-bearing task into four tiers:
//
//	L1  working memory, FIFO ring of the most recent entries
//	L2  session memory, importance heap of elevated entries
//	L3  episodic memory, ordered summaries of compacted L1 runs
//	L4  semantic memory, vector index of durable facts
//
// Ingestion is synchronous and cheap; summarization and embedding run in the
// background and never block the ingest path. Queries read each tier under
// its own lock and never wait on background work.
//
// Example usage:
//
//	store := memory.New(memory.WithSummarizer(sum), memory.WithEmbedder(emb))
//	defer store.Close()
//	if err := store.Attach(b); err != nil { ... }
//	recent := store.GetRecent(10)
//	hits, err := store.Search(ctx, "deploy window", 5, memory.L4)
package memory

import (
	"context"
	"time"

	"goa.design/loom/runtime/bus"
)

type (
	// Tier identifies one of the four memory tiers.
	Tier string

	// Scope controls which agents in a hierarchy can see an entry. Scope
	// never changes where an entry is stored, only which queries return it.
	Scope string

	// Entry is one stored memory item. Queries return copies; mutating a
	// returned entry never affects the store.
	Entry struct {
		// ID identifies the entry. Message-born entries reuse the message id
		// so re-ingesting the same message stays idempotent in L4.
		ID string `json:"id"`
		// SessionID groups entries by originating session.
		SessionID string `json:"session_id,omitempty"`
		// Content is the entry text: the message text for ingested entries,
		// the summary text for compacted ones.
		Content string `json:"content"`
		// Importance weighs the entry in [0,1].
		Importance float64 `json:"importance"`
		// Tier is the tier the entry was read from.
		Tier Tier `json:"tier"`
		// Scope is the visibility scope, ScopeLocal unless the producer set
		// one.
		Scope Scope `json:"scope,omitempty"`
		// Embedding is the content vector once the entry reached L4 through
		// an embedder.
		Embedding []float32 `json:"embedding,omitempty"`
		// SourceIDs lists the compacted entry ids for summary entries.
		SourceIDs []string `json:"source_ids,omitempty"`
		// CreatedAt is the ingestion time.
		CreatedAt time.Time `json:"created_at"`
		// LastAccess is the time a query last returned the entry.
		LastAccess time.Time `json:"last_access,omitempty"`
		// Accesses counts how many queries returned the entry.
		Accesses int `json:"accesses,omitempty"`

		promoted bool
	}

	// Hit is a search result: an entry annotated with its similarity score.
	Hit struct {
		Entry *Entry  `json:"entry"`
		Score float64 `json:"score"`
	}

	// Store is the tiered memory surface consumed by the agent executor.
	Store interface {
		// Attach subscribes the store to every task on b. Tasks whose
		// payload is not a *message.Message are ignored. Attach may be
		// called for several buses; Close detaches all of them.
		Attach(b bus.Bus) error

		// Ingest files one task synchronously. Attach calls it for every
		// delivery; callers may also invoke it directly. Failures in
		// background promotion never surface here.
		Ingest(ctx context.Context, task *bus.Task)

		// GetRecent returns up to n of the newest L1 entries in
		// chronological order.
		GetRecent(n int, opts ...QueryOption) []*Entry

		// GetImportant returns up to n L2 entries by descending importance.
		GetImportant(n int, opts ...QueryOption) []*Entry

		// Search returns the top k entries of the tier scored against the
		// query: cosine similarity over embeddings for L4 with an embedder,
		// keyword overlap otherwise. Unpopulated tiers return no hits and
		// no error.
		Search(ctx context.Context, query string, k int, tier Tier, opts ...QueryOption) ([]Hit, error)

		// ListBySession returns entries of the given session across tiers,
		// oldest first. An empty tier list means every in-process tier.
		ListBySession(sessionID string, tiers []Tier, opts ...QueryOption) []*Entry

		// Len reports a tier's current entry count. For an external L4
		// store the count is unknown and Len returns -1.
		Len(tier Tier) int

		// Close detaches from all buses and drains background workers.
		Close() error
	}

	// Summarizer compresses a run of entries into one summary text.
	Summarizer interface {
		Summarize(ctx context.Context, entries []*Entry) (string, error)
	}

	// Embedder turns text into vectors for semantic search.
	Embedder interface {
		Embed(ctx context.Context, text string) ([]float32, error)
		EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	}

	// VectorStore persists embedded entries and serves similarity queries.
	// features/memory/mongo provides a durable implementation; the default
	// is in-process.
	VectorStore interface {
		// Upsert stores the entry under its id, replacing any previous
		// version.
		Upsert(ctx context.Context, entry *Entry) error
		// Search returns the k stored entries most similar to vector,
		// highest score first.
		Search(ctx context.Context, vector []float32, k int) ([]Hit, error)
		// Delete removes the entry with the given id if present.
		Delete(ctx context.Context, id string) error
		// Clear removes every entry.
		Clear(ctx context.Context) error
	}
)

// Memory tiers.
const (
	L1 Tier = "l1"
	L2 Tier = "l2"
	L3 Tier = "l3"
	L4 Tier = "l4"
)

// Entry scopes.
const (
	// ScopeLocal entries are private to the producing node.
	ScopeLocal Scope = "local"
	// ScopeShared entries are visible to the node, its parent, and its
	// children.
	ScopeShared Scope = "shared"
	// ScopeInherited entries are readable down the parent chain.
	ScopeInherited Scope = "inherited"
	// ScopeGlobal entries are visible to every node.
	ScopeGlobal Scope = "global"
)

func (e *Entry) clone() *Entry {
	if e == nil {
		return nil
	}
	out := *e
	if len(e.Embedding) > 0 {
		out.Embedding = append([]float32(nil), e.Embedding...)
	}
	if len(e.SourceIDs) > 0 {
		out.SourceIDs = append([]string(nil), e.SourceIDs...)
	}
	return &out
}

func validScope(s Scope) bool {
	switch s {
	case ScopeLocal, ScopeShared, ScopeInherited, ScopeGlobal:
		return true
	}
	return false
}
