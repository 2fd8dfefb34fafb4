// Package mailbox provides an unbounded FIFO queue that a consumer can wait
// on inside a select statement.
//
// Producers never block. The consumer waits on Ready and then calls Pop;
// Pop re-arms Ready while items remain, so one Ready signal is delivered per
// pending batch rather than per item.
package mailbox

import (
	"errors"
	"sync"
)

// ErrClosed is returned by Push once the queue stopped accepting items
var ErrClosed = errors.New("mailbox closed")

// Queue is an unbounded multi-producer, single-consumer queue
type Queue[T any] struct {
	mu     sync.Mutex
	items  []T
	ready  chan struct{}
	sealed bool // no more pushes
	closed bool // ready channel closed

	pushed uint64
	popped uint64
}

// New creates an empty queue
func New[T any]() *Queue[T] {
	return &Queue[T]{ready: make(chan struct{}, 1)}
}

// Push appends v. It never blocks.
func (q *Queue[T]) Push(v T) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.sealed {
		return ErrClosed
	}
	q.items = append(q.items, v)
	q.pushed++
	q.signal()
	return nil
}

// Ready fires when at least one item may be available, and permanently once
// the queue is closed
func (q *Queue[T]) Ready() <-chan struct{} {
	return q.ready
}

// Pop removes the oldest item. ok is false when the queue is empty.
func (q *Queue[T]) Pop() (v T, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return v, false
	}
	v = q.items[0]
	var zero T
	q.items[0] = zero
	q.items = q.items[1:]
	q.popped++
	if len(q.items) > 0 {
		q.signal()
	}
	return v, true
}

// signal must be called with mu held
func (q *Queue[T]) signal() {
	if q.closed {
		return
	}
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// Seal stops accepting new items; queued items stay available
func (q *Queue[T]) Seal() {
	q.mu.Lock()
	q.sealed = true
	q.mu.Unlock()
}

// Close seals the queue and closes the Ready channel
func (q *Queue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.sealed = true
	if !q.closed {
		q.closed = true
		close(q.ready)
	}
}

// Closed reports whether Close was called
func (q *Queue[T]) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// Sealed reports whether the queue stopped accepting items
func (q *Queue[T]) Sealed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.sealed
}

// Len returns the number of queued items
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Drain removes and returns every queued item
func (q *Queue[T]) Drain() []T {
	q.mu.Lock()
	defer q.mu.Unlock()

	items := q.items
	q.popped += uint64(len(items))
	q.items = nil
	return items
}

// Counts returns how many items were pushed and popped so far
func (q *Queue[T]) Counts() (pushed, popped uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pushed, q.popped
}
