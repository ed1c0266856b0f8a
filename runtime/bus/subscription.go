package bus

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"goa.design/loom/runtime/fault"
)

// OverflowPolicy decides what happens when a delivery arrives at a full
// subscription queue.
type OverflowPolicy string

const (
	// DropOldest evicts the oldest queued delivery to make room. Default.
	DropOldest OverflowPolicy = "drop_oldest"
	// DropNewest discards the incoming delivery.
	DropNewest OverflowPolicy = "drop_newest"
	// Block makes the publisher wait for queue space, bounded by the
	// publisher's context.
	Block OverflowPolicy = "block"
)

type (
	// Subscription is a registered handler with its bounded delivery queue.
	// Deliveries are processed FIFO on a dedicated goroutine.
	Subscription struct {
		id      string
		name    string
		pattern pattern
		handler Handler
		policy  OverflowPolicy

		queue    chan delivery
		closedCh chan struct{}

		mu           sync.Mutex
		closed       bool
		dropped      uint64
		lastOverflow time.Time
		coalesce     time.Duration

		closeOnce sync.Once
		b         *inproc
	}

	// delivery is one queued task plus the context it should be handled
	// under and, for Request/Send, the channel awaiting the outcome.
	delivery struct {
		ctx   context.Context
		task  *Task
		reply chan<- outcome
	}
)

func newSubscription(b *inproc, pat pattern, handler Handler, options subscribeOptions) *Subscription {
	return &Subscription{
		id:       uuid.NewString(),
		name:     options.name,
		pattern:  pat,
		handler:  handler,
		policy:   options.policy,
		queue:    make(chan delivery, options.queueCapacity),
		closedCh: make(chan struct{}),
		coalesce: b.coalesceWindow,
		b:        b,
	}
}

// ID returns the subscription identifier.
func (s *Subscription) ID() string { return s.id }

// Pattern returns the subscription pattern as given to Subscribe.
func (s *Subscription) Pattern() string { return s.pattern.raw }

// Dropped returns the cumulative number of deliveries lost to the overflow
// policy.
func (s *Subscription) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Close unsubscribes. Idempotent; once Close returns, no subsequent
// publication reaches the handler. Deliveries still queued are failed, not
// handled.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		s.b.unregister(s)
		close(s.closedCh)
	})
}

// loop is the delivery worker. It runs on its own goroutine from Subscribe
// until Close.
func (s *Subscription) loop() {
	for {
		select {
		case <-s.closedCh:
			s.drain()
			return
		case d := <-s.queue:
			select {
			case <-s.closedCh:
				s.fail(d)
				s.drain()
				return
			default:
			}
			s.invoke(d)
		}
	}
}

func (s *Subscription) invoke(d delivery) {
	resp, err := s.handler(d.ctx, d.task)
	if d.reply != nil {
		d.reply <- outcome{task: resp, err: err}
		return
	}
	if err != nil {
		s.b.reportDeliveryError(d.ctx, s, d.task, err)
	}
}

// enqueue places the delivery on the queue, applying the overflow policy.
// The caller context bounds only the Block policy wait; it is not the
// context the handler runs under.
func (s *Subscription) enqueue(callerCtx context.Context, d delivery) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.fail(d)
		return nil
	}

	switch s.policy {
	case Block:
		s.mu.Unlock()
		select {
		case s.queue <- d:
			return nil
		case <-s.closedCh:
			s.fail(d)
			return nil
		case <-callerCtx.Done():
			return fault.Wrap(fault.Cancelled, "publish blocked on full queue", callerCtx.Err())
		}

	case DropNewest:
		var report uint64
		select {
		case s.queue <- d:
		default:
			report = s.recordDropLocked(d)
		}
		s.mu.Unlock()
		if report > 0 {
			s.b.reportOverflow(s, report)
		}
		return nil

	default: // DropOldest
		var report uint64
		for {
			select {
			case s.queue <- d:
				s.mu.Unlock()
				if report > 0 {
					s.b.reportOverflow(s, report)
				}
				return nil
			default:
			}
			select {
			case old := <-s.queue:
				if r := s.recordDropLocked(old); r > 0 {
					report = r
				}
			default:
				// The worker freed space between the two selects; retry.
			}
		}
	}
}

// recordDropLocked accounts a dropped delivery and decides whether an
// overflow event is due. Returns the cumulative drop count when the coalesce
// window elapsed, zero otherwise. Caller holds s.mu and must emit after
// releasing it.
func (s *Subscription) recordDropLocked(d delivery) uint64 {
	s.dropped++
	if d.reply != nil {
		d.reply <- outcome{err: fault.Errorf(fault.Timeout,
			"delivery of %q dropped by %s overflow policy", d.task.Action, s.policy)}
	}
	now := time.Now()
	if now.Sub(s.lastOverflow) < s.coalesce {
		return 0
	}
	s.lastOverflow = now
	return s.dropped
}

// fail settles a delivery that will never be handled.
func (s *Subscription) fail(d delivery) {
	if d.reply != nil {
		d.reply <- outcome{err: fault.New(fault.Cancelled, "subscription closed")}
	}
}

// drain settles everything left on the queue after Close.
func (s *Subscription) drain() {
	for {
		select {
		case d := <-s.queue:
			s.fail(d)
		default:
			return
		}
	}
}
