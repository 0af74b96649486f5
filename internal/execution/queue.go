package execution

import (
	"context"
	"sync"

	"github.com/birdayz/kstorm/krecord"
)

// DefaultQueueSize is the capacity of an instance's input queue.
const DefaultQueueSize = 1024

// Queue is the bounded input queue of one stage instance. Any number of
// producers may Put concurrently; only the owning runner takes.
type Queue struct {
	ch       chan krecord.Record
	overflow Overflow

	done      chan struct{}
	closeOnce sync.Once

	// onDrop counts records lost on the way into this queue.
	onDrop func(reason string, n int)
}

// NewQueue creates a queue. A non-positive size selects DefaultQueueSize.
func NewQueue(size int, overflow Overflow) *Queue {
	if size <= 0 {
		size = DefaultQueueSize
	}
	return &Queue{
		ch:       make(chan krecord.Record, size),
		overflow: overflow,
		done:     make(chan struct{}),
	}
}

// Put enqueues a record. Under OverflowBlock it waits for space, ctx
// cancellation, or the consumer stopping. Under OverflowDropOldest it never
// waits.
func (q *Queue) Put(ctx context.Context, r krecord.Record) error {
	select {
	case <-q.done:
		return ErrQueueClosed
	default:
	}

	if q.overflow == OverflowDropOldest {
		for {
			select {
			case q.ch <- r:
				q.settle()
				return nil
			default:
			}
			select {
			case <-q.ch:
				q.drop(ReasonOverflow, 1)
			default:
			}
		}
	}

	select {
	case q.ch <- r:
		q.settle()
		return nil
	case <-q.done:
		return ErrQueueClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// settle runs after a successful send. The consumer discards whatever was
// queued when it closed; a send that completed after that is discarded here.
func (q *Queue) settle() {
	select {
	case <-q.done:
	default:
		return
	}
	n := 0
	for {
		if _, ok := q.TryTake(); !ok {
			break
		}
		n++
	}
	q.drop(ReasonDiscarded, n)
}

// TryTake dequeues without blocking.
func (q *Queue) TryTake() (krecord.Record, bool) {
	select {
	case r := <-q.ch:
		return r, true
	default:
		return krecord.Record{}, false
	}
}

// Len returns the number of queued records.
func (q *Queue) Len() int { return len(q.ch) }

// Cap returns the queue capacity.
func (q *Queue) Cap() int { return cap(q.ch) }

// closeConsumer marks the consumer as gone. Later Puts fail with
// ErrQueueClosed and blocked producers are released.
func (q *Queue) closeConsumer() {
	q.closeOnce.Do(func() { close(q.done) })
}

func (q *Queue) drop(reason string, n int) {
	if q.onDrop != nil {
		q.onDrop(reason, n)
	}
}
