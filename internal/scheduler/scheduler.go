// Package scheduler polls the store for due requests, claims them, and
// feeds the send queue.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/ignite/bulkmail/internal/domain"
	"github.com/ignite/bulkmail/internal/pkg/logger"
	"github.com/ignite/bulkmail/internal/queue"
)

const (
	claimBatchSize = 1000
	// Past idleThreshold consecutive empty polls the delay doubles.
	idleDelay     = 10 * time.Second
	idleDelayLong = 20 * time.Second
	idleThreshold = 5
	batchDelay    = 100 * time.Millisecond
	errorBackoff  = 5 * time.Second
)

// Store is the slice of the persistence layer the scheduler uses.
type Store interface {
	ClaimDue(ctx context.Context, limit int) ([]*domain.Request, error)
	HydrateContent(ctx context.Context, requests []*domain.Request) ([]*domain.Request, error)
}

// Scheduler owns the poll loop.
type Scheduler struct {
	store Store
	out   *queue.Queue[*domain.Request]
}

// New creates a scheduler publishing claimed requests to out.
func New(store Store, out *queue.Queue[*domain.Request]) *Scheduler {
	return &Scheduler{store: store, out: out}
}

// Run polls until ctx is cancelled. Empty polls back off; errors back
// off harder. Claimed requests are hydrated and published in order.
func (s *Scheduler) Run(ctx context.Context) {
	logger.Info("Scheduler started", "batch_size", fmt.Sprintf("%d", claimBatchSize))

	consecutiveEmpty := 0
	for {
		if ctx.Err() != nil {
			logger.Info("Scheduler stopped")
			return
		}

		n, err := s.claimCycle(ctx)
		switch {
		case err != nil:
			logger.Error("Claim cycle failed", "error", err.Error())
			if !sleep(ctx, errorBackoff) {
				logger.Info("Scheduler stopped")
				return
			}
		case n == 0:
			consecutiveEmpty++
			delay := idleDelay
			if consecutiveEmpty > idleThreshold {
				delay = idleDelayLong
			}
			if !sleep(ctx, delay) {
				logger.Info("Scheduler stopped")
				return
			}
		default:
			consecutiveEmpty = 0
			if !sleep(ctx, batchDelay) {
				logger.Info("Scheduler stopped")
				return
			}
		}
	}
}

// claimCycle claims one batch, hydrates it, and publishes each request.
// Returns the number of requests published.
func (s *Scheduler) claimCycle(ctx context.Context) (int, error) {
	claimed, err := s.store.ClaimDue(ctx, claimBatchSize)
	if err != nil {
		return 0, err
	}
	if len(claimed) == 0 {
		return 0, nil
	}

	hydrated, err := s.store.HydrateContent(ctx, claimed)
	if err != nil {
		return 0, err
	}

	published := 0
	for _, r := range hydrated {
		if err := s.out.Publish(r); err != nil {
			// Send queue closed: shutdown in progress, remaining claims
			// stay Processed and are not re-dispatched this run.
			logger.Warn("Send queue closed mid-batch", "remaining", fmt.Sprintf("%d", len(hydrated)-published))
			return published, nil
		}
		published++
	}

	logger.Info("Batch claimed", "count", fmt.Sprintf("%d", published))
	return published, nil
}

// sleep waits for d, returning false when ctx ends first.
func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
