package bus

import "sync"

// traceRing is a fixed-size ring of recently published tasks kept for
// diagnostics. It is deliberately not indexed or queryable; persistence
// belongs to subscribers.
type traceRing struct {
	mu    sync.Mutex
	buf   []*Task
	next  int
	count int
}

func newTraceRing(depth int) *traceRing {
	return &traceRing{buf: make([]*Task, depth)}
}

func (r *traceRing) add(task *Task) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf[r.next] = task
	r.next = (r.next + 1) % len(r.buf)
	if r.count < len(r.buf) {
		r.count++
	}
}

// snapshot returns the retained tasks oldest first.
func (r *traceRing) snapshot() []*Task {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Task, 0, r.count)
	start := r.next - r.count
	if start < 0 {
		start += len(r.buf)
	}
	for i := 0; i < r.count; i++ {
		out = append(out, r.buf[(start+i)%len(r.buf)])
	}
	return out
}
