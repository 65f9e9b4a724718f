package source

import (
	"context"
	"sync"

	"github.com/arc-self/viewstream/internal/event"
)

// eventQueue is the per-subscriber queue bridging the Source's producer
// goroutine to one View's consumer goroutine: single-producer,
// single-consumer, with a blocking Next. It is unbounded by design; a
// production deployment would want a bound and an explicit slow-consumer
// policy, but that is out of scope here.
type eventQueue struct {
	mu     sync.Mutex
	buf    []*event.Event
	notify chan struct{}
	closed bool
}

func newEventQueue() *eventQueue {
	return &eventQueue{notify: make(chan struct{}, 1)}
}

// push enqueues e. A push after close is silently discarded — the producer
// (Source) only ever pushes from the same goroutine that processes detach,
// so this only happens if a subscriber detaches mid-broadcast, which is
// safe and expected.
func (q *eventQueue) push(e *event.Event) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.buf = append(q.buf, e)
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// close marks the queue closed and discards pending buffered events at
// once by design — detach must be idempotent and discard.
func (q *eventQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.buf = nil
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *eventQueue) tryPop() (*event.Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.buf) == 0 {
		return nil, false
	}
	e := q.buf[0]
	q.buf = q.buf[1:]
	return e, true
}

// Next blocks until an event is available, the queue is closed, or ctx is
// done. The boolean result is false in the latter two cases.
func (q *eventQueue) Next(ctx context.Context) (*event.Event, bool) {
	for {
		if e, ok := q.tryPop(); ok {
			return e, true
		}
		q.mu.Lock()
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return nil, false
		}
		select {
		case <-q.notify:
		case <-ctx.Done():
			return nil, false
		}
	}
}
