package dispatch

import (
	"context"
	"sync"
	"sync/atomic"
)

// TokenBucket is a lock-free-on-the-fast-path rate limiter. Acquire
// spends one token; Refill and Reset add tokens and wake every waiter.
type TokenBucket struct {
	tokens   atomic.Int64
	capacity int64

	mu   sync.Mutex
	wake chan struct{}
}

// NewTokenBucket creates a full bucket with the given capacity.
func NewTokenBucket(capacity int64) *TokenBucket {
	if capacity < 1 {
		capacity = 1
	}
	b := &TokenBucket{
		capacity: capacity,
		wake:     make(chan struct{}),
	}
	b.tokens.Store(capacity)
	return b
}

// TryAcquire spends one token without blocking.
func (b *TokenBucket) TryAcquire() bool {
	for {
		cur := b.tokens.Load()
		if cur <= 0 {
			return false
		}
		if b.tokens.CompareAndSwap(cur, cur-1) {
			return true
		}
	}
}

// Acquire blocks until a token is available or ctx is done.
func (b *TokenBucket) Acquire(ctx context.Context) error {
	for {
		// Snapshot the wake channel before the acquire attempt so a
		// refill between the failed attempt and the wait is not missed.
		b.mu.Lock()
		wake := b.wake
		b.mu.Unlock()

		if b.TryAcquire() {
			return nil
		}

		select {
		case <-wake:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Refill adds n tokens, saturating at capacity, and wakes waiters.
func (b *TokenBucket) Refill(n int64) {
	for {
		cur := b.tokens.Load()
		next := cur + n
		if next > b.capacity {
			next = b.capacity
		}
		if b.tokens.CompareAndSwap(cur, next) {
			break
		}
	}
	b.broadcast()
}

// Reset fills the bucket to capacity and wakes waiters.
func (b *TokenBucket) Reset() {
	b.tokens.Store(b.capacity)
	b.broadcast()
}

// Tokens returns the current token count.
func (b *TokenBucket) Tokens() int64 { return b.tokens.Load() }

func (b *TokenBucket) broadcast() {
	b.mu.Lock()
	close(b.wake)
	b.wake = make(chan struct{})
	b.mu.Unlock()
}
