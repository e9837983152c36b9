// Package queue provides the bounded in-process hand-off between pipeline
// stages. Publishers see an explicit closed error instead of a panic, and
// consumers drain buffered items after close, which is what the shutdown
// sequence relies on.
package queue

import (
	"errors"
	"sync"
	"time"
)

var (
	// ErrFull is returned by TryPublish when the buffer has no space.
	ErrFull = errors.New("queue: full")
	// ErrClosed is returned by publishes after Close.
	ErrClosed = errors.New("queue: closed")
)

// Queue is a bounded FIFO safe for concurrent publishers and consumers.
type Queue[T any] struct {
	ch   chan T
	done chan struct{}
	once sync.Once
}

// New creates a queue with the given buffer capacity (minimum 1).
func New[T any](capacity int) *Queue[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue[T]{
		ch:   make(chan T, capacity),
		done: make(chan struct{}),
	}
}

// TryPublish enqueues without blocking. Returns ErrFull when the buffer
// is at capacity and ErrClosed after Close.
func (q *Queue[T]) TryPublish(v T) error {
	select {
	case <-q.done:
		return ErrClosed
	default:
	}
	select {
	case q.ch <- v:
		return nil
	case <-q.done:
		return ErrClosed
	default:
		return ErrFull
	}
}

// Publish blocks until the item is enqueued or the queue is closed.
func (q *Queue[T]) Publish(v T) error {
	select {
	case <-q.done:
		return ErrClosed
	default:
	}
	select {
	case q.ch <- v:
		return nil
	case <-q.done:
		return ErrClosed
	}
}

// Receive blocks until an item is available. After Close it keeps
// returning buffered items until the queue is drained, then reports
// ok=false.
func (q *Queue[T]) Receive() (T, bool) {
	select {
	case v := <-q.ch:
		return v, true
	case <-q.done:
		select {
		case v := <-q.ch:
			return v, true
		default:
			var zero T
			return zero, false
		}
	}
}

// ReceiveTimeout waits up to d for an item. The second return is true
// when an item was received; the third is true when the queue is closed
// and drained.
func (q *Queue[T]) ReceiveTimeout(d time.Duration) (T, bool, bool) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	var zero T
	select {
	case v := <-q.ch:
		return v, true, false
	case <-q.done:
		select {
		case v := <-q.ch:
			return v, true, false
		default:
			return zero, false, true
		}
	case <-timer.C:
		return zero, false, false
	}
}

// Close marks the queue closed. Idempotent. Buffered items remain
// receivable; further publishes fail with ErrClosed.
func (q *Queue[T]) Close() {
	q.once.Do(func() { close(q.done) })
}

// Len returns the number of buffered items.
func (q *Queue[T]) Len() int { return len(q.ch) }

// Cap returns the buffer capacity.
func (q *Queue[T]) Cap() int { return cap(q.ch) }
