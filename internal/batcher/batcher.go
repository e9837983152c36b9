// Package batcher coalesces dispatch outcomes into bulk status updates.
package batcher

import (
	"context"
	"fmt"
	"time"

	"github.com/ignite/bulkmail/internal/domain"
	"github.com/ignite/bulkmail/internal/pkg/logger"
	"github.com/ignite/bulkmail/internal/queue"
)

const (
	maxBatch      = 100
	flushInterval = 500 * time.Millisecond
	recvTimeout   = 100 * time.Millisecond
	flushTimeout  = 10 * time.Second
)

// Store is the slice of the persistence layer the batcher uses.
type Store interface {
	BulkUpdate(ctx context.Context, requests []*domain.Request) error
	UpdateRequest(ctx context.Context, r *domain.Request) error
}

// Batcher drains the result queue and persists outcomes in batches.
type Batcher struct {
	store Store
	in    *queue.Queue[*domain.Request]
}

// New creates a batcher reading from in.
func New(store Store, in *queue.Queue[*domain.Request]) *Batcher {
	return &Batcher{store: store, in: in}
}

// Run accumulates outcomes until the batch is full or the flush interval
// elapses, then writes them in one statement. It exits after the queue
// is closed and drained, flushing whatever remains.
func (b *Batcher) Run() {
	logger.Info("Batcher started", "max_batch", fmt.Sprintf("%d", maxBatch))

	rows := make([]*domain.Request, 0, maxBatch)
	lastFlush := time.Now()

	for {
		r, received, closed := b.in.ReceiveTimeout(recvTimeout)
		if received {
			rows = append(rows, r)
		}
		if closed {
			b.flush(rows)
			logger.Info("Batcher stopped")
			return
		}
		if len(rows) >= maxBatch || (len(rows) > 0 && time.Since(lastFlush) >= flushInterval) {
			b.flush(rows)
			rows = rows[:0]
			lastFlush = time.Now()
		}
	}
}

// flush persists a batch, falling back to per-row updates when the bulk
// statement fails so one bad row cannot lose the whole batch.
func (b *Batcher) flush(rows []*domain.Request) {
	if len(rows) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()

	err := b.store.BulkUpdate(ctx, rows)
	if err == nil {
		return
	}
	logger.Warn("Bulk update failed, falling back to per-row updates",
		"batch_size", fmt.Sprintf("%d", len(rows)), "error", err.Error())

	for _, r := range rows {
		if err := b.store.UpdateRequest(ctx, r); err != nil {
			logger.Error("Row update failed",
				"request_id", fmt.Sprintf("%d", r.ID), "error", err.Error())
		}
	}
}
