package memory

import (
	"context"
	"math"
	"sort"
	"strings"
	"sync"
	"unicode"
)

// NewInMemoryVectorStore returns a process-local VectorStore scoring by
// brute-force cosine similarity. bound caps the number of stored entries;
// the lowest-importance entry is evicted first.
func NewInMemoryVectorStore(bound int) VectorStore {
	if bound <= 0 {
		bound = DefaultL4Capacity
	}
	return &inmemVector{bound: bound, byID: make(map[string]*Entry)}
}

type inmemVector struct {
	mu    sync.RWMutex
	bound int
	byID  map[string]*Entry
}

// Upsert implements VectorStore.
func (v *inmemVector) Upsert(_ context.Context, entry *Entry) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	_, replacing := v.byID[entry.ID]
	v.byID[entry.ID] = entry.clone()
	if replacing || len(v.byID) <= v.bound {
		return nil
	}
	var victim *Entry
	for _, e := range v.byID {
		if victim == nil || e.Importance < victim.Importance ||
			(e.Importance == victim.Importance && e.CreatedAt.Before(victim.CreatedAt)) {
			victim = e
		}
	}
	delete(v.byID, victim.ID)
	return nil
}

// Search implements VectorStore.
func (v *inmemVector) Search(_ context.Context, vector []float32, k int) ([]Hit, error) {
	v.mu.RLock()
	hits := make([]Hit, 0, len(v.byID))
	for _, e := range v.byID {
		score := cosine(vector, e.Embedding)
		if score <= 0 {
			continue
		}
		hits = append(hits, Hit{Entry: e.clone(), Score: score})
	}
	v.mu.RUnlock()
	return topHits(hits, k), nil
}

// Delete implements VectorStore.
func (v *inmemVector) Delete(_ context.Context, id string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.byID, id)
	return nil
}

// Clear implements VectorStore.
func (v *inmemVector) Clear(context.Context) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.byID = make(map[string]*Entry)
	return nil
}

func (v *inmemVector) len() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.byID)
}

// searchText scores every stored entry by keyword overlap, uncapped so the
// caller can filter by scope before ranking. Used when no embedder is
// configured and L4 degrades to keyword matching.
func (v *inmemVector) searchText(query string) []Hit {
	v.mu.RLock()
	hits := make([]Hit, 0, len(v.byID))
	for _, e := range v.byID {
		score := keywordScore(query, e.Content)
		if score <= 0 {
			continue
		}
		hits = append(hits, Hit{Entry: e.clone(), Score: score})
	}
	v.mu.RUnlock()
	return hits
}

func (v *inmemVector) bySession(sessionID string) []*Entry {
	v.mu.RLock()
	defer v.mu.RUnlock()
	var out []*Entry
	for _, e := range v.byID {
		if e.SessionID == sessionID {
			out = append(out, e.clone())
		}
	}
	return out
}

// cosine returns the cosine similarity of two vectors, zero when the
// dimensions differ or either vector is empty or all-zero.
func cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// keywordScore returns the fraction of query tokens present in content.
// Serves tiers without embeddings and the embedder-less L4 mode.
func keywordScore(query, content string) float64 {
	qt := tokenize(query)
	if len(qt) == 0 {
		return 0
	}
	ct := make(map[string]bool, 16)
	for _, t := range tokenize(content) {
		ct[t] = true
	}
	matched := 0
	for _, t := range qt {
		if ct[t] {
			matched++
		}
	}
	return float64(matched) / float64(len(qt))
}

func tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// topHits sorts hits by descending score, newest first on ties, and keeps k.
func topHits(hits []Hit, k int) []Hit {
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].Entry.CreatedAt.After(hits[j].Entry.CreatedAt)
	})
	if k < len(hits) {
		hits = hits[:k]
	}
	return hits
}
