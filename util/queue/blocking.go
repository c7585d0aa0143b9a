// Package queue provides the unbounded FIFO queue connecting pipeline stages.
package queue

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrClosed is returned by Take once the queue is closed and drained.
var ErrClosed = errors.New("queue closed")

// ErrTimeout is returned by TakeTimeout when no item arrived in time.
var ErrTimeout = errors.New("queue take timed out")

// Blocking is an unbounded FIFO queue. Push never blocks; Take blocks until
// an item is available.
type Blocking[T any] struct {
	mu     sync.Mutex
	items  []T
	head   int
	notify chan struct{}
	closed bool
}

// NewBlocking returns an empty queue.
func NewBlocking[T any]() *Blocking[T] {
	return &Blocking[T]{notify: make(chan struct{}, 1)}
}

// Push appends v. Pushing to a closed queue drops v and reports false.
func (q *Blocking[T]) Push(v T) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, v)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return true
}

// Len returns the number of queued items.
func (q *Blocking[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) - q.head
}

// Close wakes blocked consumers. Items already queued can still be taken.
func (q *Blocking[T]) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *Blocking[T]) pop() (T, bool, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var zero T
	if q.head == len(q.items) {
		return zero, false, q.closed
	}
	v := q.items[q.head]
	q.items[q.head] = zero
	q.head++
	if q.head == len(q.items) {
		q.items = q.items[:0]
		q.head = 0
	} else if q.head > 64 && q.head*2 > len(q.items) {
		n := copy(q.items, q.items[q.head:])
		clear(q.items[n:])
		q.items = q.items[:n]
		q.head = 0
	}
	// Another consumer may be waiting for the remaining items.
	if q.head < len(q.items) || q.closed {
		select {
		case q.notify <- struct{}{}:
		default:
		}
	}
	return v, true, q.closed
}

// Take blocks until an item is available, ctx is done or the queue is
// closed and empty.
func (q *Blocking[T]) Take(ctx context.Context) (T, error) {
	for {
		v, ok, closed := q.pop()
		if ok {
			return v, nil
		}
		if closed {
			return v, ErrClosed
		}
		select {
		case <-q.notify:
		case <-ctx.Done():
			return v, ctx.Err()
		}
	}
}

// TakeTimeout is Take bounded by d. It returns ErrTimeout when d elapses.
func (q *Blocking[T]) TakeTimeout(d time.Duration) (T, error) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	for {
		v, ok, closed := q.pop()
		if ok {
			return v, nil
		}
		if closed {
			return v, ErrClosed
		}
		select {
		case <-q.notify:
		case <-timer.C:
			return v, ErrTimeout
		}
	}
}

// Drain removes and returns every queued item without blocking.
func (q *Blocking[T]) Drain() []T {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := append([]T(nil), q.items[q.head:]...)
	clear(q.items)
	q.items = q.items[:0]
	q.head = 0
	return out
}
