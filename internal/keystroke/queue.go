package keystroke

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// ErrQueueClosed is returned by TrySend and Recv once the queue is closed.
var ErrQueueClosed = errors.New("event queue closed")

// Queue is a bounded FIFO between the capture and the classifier. When
// full, TrySend discards the oldest queued event to make room, so the
// capture path never blocks.
type Queue struct {
	ch   chan Event
	done chan struct{}

	// mu serializes senders so drop-oldest and Close are atomic with
	// respect to each other. Recv never takes it.
	mu     sync.Mutex
	closed bool
	onDrop func()

	dropped atomic.Uint64
}

// NewQueue creates a queue holding up to capacity events.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 1
	}
	return &Queue{
		ch:   make(chan Event, capacity),
		done: make(chan struct{}),
	}
}

// TrySend enqueues ev without blocking.
func (q *Queue) TrySend(ev Event) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrQueueClosed
	}
	for {
		select {
		case q.ch <- ev:
			return nil
		default:
		}
		select {
		case <-q.ch:
			q.dropped.Add(1)
			if q.onDrop != nil {
				q.onDrop()
			}
		default:
		}
	}
}

// OnDrop registers fn to run, under the sender lock, each time an event
// is discarded. fn must not call back into the queue.
func (q *Queue) OnDrop(fn func()) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.onDrop = fn
}

// Recv blocks until an event is available, ctx is done, or the queue is
// closed and drained.
func (q *Queue) Recv(ctx context.Context) (Event, error) {
	select {
	case ev := <-q.ch:
		return ev, nil
	case <-ctx.Done():
		return Event{}, ctx.Err()
	case <-q.done:
		select {
		case ev := <-q.ch:
			return ev, nil
		default:
			return Event{}, ErrQueueClosed
		}
	}
}

// Close stops accepting events. Queued events can still be received.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.done)
}

// Len returns the number of queued events.
func (q *Queue) Len() int { return len(q.ch) }

// Cap returns the queue capacity.
func (q *Queue) Cap() int { return cap(q.ch) }

// Dropped returns how many events were discarded because the queue was full.
func (q *Queue) Dropped() uint64 { return q.dropped.Load() }
