// Package dispatch drains claimed requests from the send queue and
// submits them to the provider under a per-second rate limit with a
// bounded number of in-flight submissions.
package dispatch

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/ignite/bulkmail/internal/domain"
	"github.com/ignite/bulkmail/internal/pkg/logger"
	"github.com/ignite/bulkmail/internal/queue"
)

const (
	// refillInterval is how often tokens are topped up.
	refillInterval = 100 * time.Millisecond
	// submitTimeout bounds one provider submission including retries.
	submitTimeout = 30 * time.Second
)

// Submitter sends one message and returns the provider message id.
type Submitter interface {
	Submit(ctx context.Context, r *domain.Request) (string, error)
}

// Dispatcher consumes the send queue and publishes outcomes to the
// result queue.
type Dispatcher struct {
	id        string
	submitter Submitter
	bucket    *TokenBucket
	sem       *semaphore.Weighted
	inflight  int64
	serverURL string
	in        *queue.Queue[*domain.Request]
	out       *queue.Queue[*domain.Request]

	totalSent   atomic.Int64
	totalFailed atomic.Int64
}

// New creates a dispatcher sending at most maxPerSecond messages per
// second with up to 2x that many submissions in flight.
func New(submitter Submitter, maxPerSecond int, serverURL string, in, out *queue.Queue[*domain.Request]) *Dispatcher {
	inflight := int64(maxPerSecond) * 2
	return &Dispatcher{
		id:        "dispatcher-" + uuid.NewString()[:8],
		submitter: submitter,
		bucket:    NewTokenBucket(int64(maxPerSecond)),
		sem:       semaphore.NewWeighted(inflight),
		inflight:  inflight,
		serverURL: serverURL,
		in:        in,
		out:       out,
	}
}

// Run drains the send queue until it is closed and empty, then waits for
// in-flight submissions and closes the result queue. ctx cancellation
// aborts waiting but the queue close is still the normal exit path.
func (d *Dispatcher) Run(ctx context.Context) {
	logger.Info("Dispatcher started", "id", d.id, "max_per_second", fmt.Sprintf("%d", d.bucket.capacity))

	refillCtx, cancelRefill := context.WithCancel(ctx)
	defer cancelRefill()
	go d.refillLoop(refillCtx)

	for {
		r, ok := d.in.Receive()
		if !ok {
			break
		}

		if err := d.bucket.Acquire(ctx); err != nil {
			// Shutdown mid-wait. Put the request back on the table for
			// the next run rather than dropping it.
			r.Status = domain.StatusCreated
			_ = d.out.Publish(r)
			continue
		}

		r.Body = d.injectPixel(r)

		if err := d.sem.Acquire(ctx, 1); err != nil {
			r.Status = domain.StatusCreated
			_ = d.out.Publish(r)
			continue
		}
		go d.submit(r)
	}

	// Queue closed and drained. Acquiring every permit waits for all
	// in-flight submissions to finish publishing their outcomes.
	if err := d.sem.Acquire(context.Background(), d.inflight); err == nil {
		d.sem.Release(d.inflight)
	}
	d.out.Close()

	logger.Info("Dispatcher stopped",
		"id", d.id,
		"total_sent", fmt.Sprintf("%d", d.totalSent.Load()),
		"total_failed", fmt.Sprintf("%d", d.totalFailed.Load()))
}

func (d *Dispatcher) submit(r *domain.Request) {
	defer d.sem.Release(1)

	ctx, cancel := context.WithTimeout(context.Background(), submitTimeout)
	defer cancel()

	messageID, err := d.submitter.Submit(ctx, r)
	if err != nil {
		r.Status = domain.StatusFailed
		r.Error = err.Error()
		d.totalFailed.Add(1)
		logger.Warn("Submission failed", "request_id", fmt.Sprintf("%d", r.ID), "email", r.Email, "error", err.Error())
	} else {
		r.Status = domain.StatusSent
		r.MessageID = messageID
		d.totalSent.Add(1)
	}

	if err := d.out.Publish(r); err != nil {
		logger.Error("Result queue closed, outcome dropped", "request_id", fmt.Sprintf("%d", r.ID))
	}
}

// injectPixel appends the open-tracking pixel to the message body.
func (d *Dispatcher) injectPixel(r *domain.Request) string {
	return fmt.Sprintf(`%s<img src="%s/v1/events/open?request_id=%d" width="1" height="1" alt="">`,
		r.Body, d.serverURL, r.ID)
}

// refillLoop tops the bucket up every tick and fully resets it once a
// second, keeping the send rate at capacity per second with smooth
// intra-second pacing.
func (d *Dispatcher) refillLoop(ctx context.Context) {
	ticker := time.NewTicker(refillInterval)
	defer ticker.Stop()

	perTick := (d.bucket.capacity + 9) / 10
	lastReset := time.Now()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if now.Sub(lastReset) >= time.Second {
				d.bucket.Reset()
				lastReset = now
			} else {
				d.bucket.Refill(perTick)
			}
		}
	}
}

// Stats returns cumulative sent and failed counts.
func (d *Dispatcher) Stats() (sent, failed int64) {
	return d.totalSent.Load(), d.totalFailed.Load()
}
