// Package queue is an unbounded FIFO with a task-done barrier.
//
// Producers Put items and may Join to wait until every item put so far has
// been marked Done by a consumer. Close enqueues a stop marker behind the
// pending items; a consumer that reaches it gets ok == false from Get.
package queue

import (
	"context"
	"sync"
)

type item[T any] struct {
	value T
	stop  bool
}

type Queue[T any] struct {
	mu      sync.Mutex
	items   []item[T]
	ready   chan struct{}
	pending int
	idle    chan struct{}
}

func New[T any]() *Queue[T] {
	idle := make(chan struct{})
	close(idle)
	return &Queue[T]{
		ready: make(chan struct{}, 1),
		idle:  idle,
	}
}

// Put appends v and counts it as pending until Done is called for it.
func (q *Queue[T]) Put(v T) {
	q.mu.Lock()
	if q.pending == 0 {
		q.idle = make(chan struct{})
	}
	q.pending++
	q.items = append(q.items, item[T]{value: v})
	q.mu.Unlock()
	q.signal()
}

// Close enqueues the stop marker. It is not counted as pending.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	q.items = append(q.items, item[T]{stop: true})
	q.mu.Unlock()
	q.signal()
}

// Get blocks until an item is available. It returns false when the stop
// marker is reached or ctx is done.
func (q *Queue[T]) Get(ctx context.Context) (T, bool) {
	var zero T
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			it := q.items[0]
			q.items[0] = item[T]{}
			q.items = q.items[1:]
			more := len(q.items) > 0
			q.mu.Unlock()
			if more {
				q.signal()
			}
			if it.stop {
				return zero, false
			}
			return it.value, true
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return zero, false
		case <-q.ready:
		}
	}
}

// Done marks one item returned by Get as processed.
func (q *Queue[T]) Done() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.pending == 0 {
		panic("queue: Done called more times than Put")
	}
	q.pending--
	if q.pending == 0 {
		close(q.idle)
	}
}

// Join blocks until every item put so far has been marked done.
func (q *Queue[T]) Join(ctx context.Context) error {
	q.mu.Lock()
	idle := q.idle
	q.mu.Unlock()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Len returns the number of items waiting to be picked up.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, it := range q.items {
		if !it.stop {
			n++
		}
	}
	return n
}

// Pending returns the number of items put but not yet marked done.
func (q *Queue[T]) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending
}

func (q *Queue[T]) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}
