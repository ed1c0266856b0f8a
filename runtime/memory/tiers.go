package memory

import (
	"container/heap"
	"sort"
)

// fifoRing backs L1 and L3: append at the tail, evict from the head once the
// bound is reached. Not safe for concurrent use; the store locks around it.
type fifoRing struct {
	bound   int
	entries []*Entry
}

func newFIFORing(bound int) *fifoRing {
	return &fifoRing{bound: bound}
}

func (r *fifoRing) append(e *Entry) {
	r.entries = append(r.entries, e)
	if len(r.entries) > r.bound {
		over := len(r.entries) - r.bound
		r.entries = append([]*Entry(nil), r.entries[over:]...)
	}
}

// takeOldest removes and returns the k oldest entries, fewer if the ring
// holds fewer.
func (r *fifoRing) takeOldest(k int) []*Entry {
	if k > len(r.entries) {
		k = len(r.entries)
	}
	if k <= 0 {
		return nil
	}
	taken := append([]*Entry(nil), r.entries[:k]...)
	r.entries = append([]*Entry(nil), r.entries[k:]...)
	return taken
}

func (r *fifoRing) all() []*Entry { return r.entries }

func (r *fifoRing) len() int { return len(r.entries) }

// importanceHeap backs L2: a min-heap on importance so the lowest-importance
// entry is evicted first when the bound is reached. Ties evict the older
// entry. Not safe for concurrent use.
type importanceHeap struct {
	bound   int
	entries minHeap
}

func newImportanceHeap(bound int) *importanceHeap {
	return &importanceHeap{bound: bound}
}

func (h *importanceHeap) insert(e *Entry) {
	heap.Push(&h.entries, e)
	if h.entries.Len() > h.bound {
		heap.Pop(&h.entries)
	}
}

// top returns up to n entries by descending importance, stable on insertion
// age for equal importance. The returned slice shares entry pointers.
func (h *importanceHeap) top(n int) []*Entry {
	sorted := append([]*Entry(nil), h.entries...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Importance != sorted[j].Importance {
			return sorted[i].Importance > sorted[j].Importance
		}
		return sorted[i].CreatedAt.Before(sorted[j].CreatedAt)
	})
	if n < len(sorted) {
		sorted = sorted[:n]
	}
	return sorted
}

func (h *importanceHeap) all() []*Entry { return h.entries }

func (h *importanceHeap) len() int { return h.entries.Len() }

type minHeap []*Entry

func (m minHeap) Len() int { return len(m) }

func (m minHeap) Less(i, j int) bool {
	if m[i].Importance != m[j].Importance {
		return m[i].Importance < m[j].Importance
	}
	return m[i].CreatedAt.Before(m[j].CreatedAt)
}

func (m minHeap) Swap(i, j int) { m[i], m[j] = m[j], m[i] }

func (m *minHeap) Push(x any) { *m = append(*m, x.(*Entry)) }

func (m *minHeap) Pop() any {
	old := *m
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*m = old[:n-1]
	return e
}
