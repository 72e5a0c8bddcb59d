// Package syncer drains the offline queue to the remote service. One cycle
// submits queued records in capture order, stopping at the first transient
// failure after the retry budget for the head record is spent, so ordering is
// never violated by skipping ahead.
package syncer

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/example/checkin-scanner/internal/api"
	"github.com/example/checkin-scanner/internal/inference"
	"github.com/example/checkin-scanner/internal/logging"
	"github.com/example/checkin-scanner/internal/metrics"
	"github.com/example/checkin-scanner/internal/persistence"
	"github.com/example/checkin-scanner/internal/queue"
)

// Coordinator submits queued scan records to the remote service.
type Coordinator struct {
	queue      *queue.Queue
	client     api.Client
	cache      *inference.HistoryCache
	online     func() bool
	maxRetries int
	backoff    backoff
	now        func() time.Time
	sleep      func(ctx context.Context, d time.Duration) error
	running    atomic.Bool
}

// Options tunes the coordinator. Zero values fall back to sensible defaults.
type Options struct {
	MaxRetries  int
	BackoffBase time.Duration
	BackoffCap  time.Duration

	// Now and Sleep exist for tests. Production leaves them nil.
	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
}

// New builds a coordinator. online reports the connectivity monitor's current
// view; a cycle stops as soon as it turns false.
func New(q *queue.Queue, client api.Client, cache *inference.HistoryCache, online func() bool, opts Options) *Coordinator {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 5
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepContext
	}
	if online == nil {
		online = func() bool { return true }
	}
	return &Coordinator{
		queue:      q,
		client:     client,
		cache:      cache,
		online:     online,
		maxRetries: opts.MaxRetries,
		backoff:    newBackoff(opts.BackoffBase, opts.BackoffCap),
		now:        opts.Now,
		sleep:      opts.Sleep,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// RunSyncCycle drains the queue head-first until it is empty, connectivity is
// lost, or the context is cancelled. Concurrent calls coalesce: while a cycle
// is running, further calls return immediately without starting another.
func (c *Coordinator) RunSyncCycle(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return nil
	}
	defer c.running.Store(false)

	logger := logging.FromContext(ctx)
	started := time.Now()
	defer func() {
		metrics.SyncCycleDuration.Observe(time.Since(started).Seconds())
	}()

	submitted := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !c.online() {
			logger.Info("sync cycle stopped: connectivity lost", "submitted", submitted)
			return nil
		}

		record, ok, err := c.queue.PeekNext(ctx)
		if err != nil {
			return fmt.Errorf("failed to read queue head: %w", err)
		}
		if !ok {
			if submitted > 0 {
				logger.Info("sync cycle drained the queue", "submitted", submitted)
			}
			return nil
		}

		done, err := c.submitHead(ctx, logger, record)
		if err != nil {
			return err
		}
		if !done {
			return nil
		}
		submitted++
	}
}

// submitHead pushes the head record until it is synced or permanently failed.
// It returns false when the cycle should stop without touching later records.
func (c *Coordinator) submitHead(ctx context.Context, logger *slog.Logger, record persistence.ScanRecord) (bool, error) {
	attempts := record.RetryCount
	for {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		if !c.online() {
			return false, nil
		}

		if err := c.queue.MarkResult(ctx, record.ID, queue.Submitting(attempts)); err != nil {
			return false, err
		}

		confirmed, err := c.submit(ctx, record)
		if err == nil {
			if err := c.confirm(ctx, confirmed); err != nil {
				return false, err
			}
			metrics.SyncSubmissions.WithLabelValues("synced").Inc()
			logger.Debug("record synced", "record_id", record.ID, "action", record.Action)
			return true, nil
		}

		if api.IsRejection(err) {
			code, message := api.RejectionReason(err)
			reason := message
			if code != "" {
				reason = fmt.Sprintf("%s: %s", code, message)
			}
			if err := c.queue.MarkResult(ctx, record.ID, queue.Failed(attempts, reason)); err != nil {
				return false, err
			}
			c.withdraw(ctx, logger, record)
			metrics.SyncSubmissions.WithLabelValues("rejected").Inc()
			logger.Warn("record rejected by server",
				"record_id", record.ID, "code", code, "message", message)
			return true, nil
		}

		attempts++
		if attempts > c.maxRetries {
			reason := fmt.Sprintf("retry budget exhausted: %v", err)
			if markErr := c.queue.MarkResult(ctx, record.ID, queue.Failed(attempts, reason)); markErr != nil {
				return false, markErr
			}
			c.withdraw(ctx, logger, record)
			metrics.SyncSubmissions.WithLabelValues("exhausted").Inc()
			logger.Error("record failed after exhausting retries",
				"record_id", record.ID, "attempts", attempts, "error", err)
			return true, nil
		}

		if markErr := c.queue.MarkResult(ctx, record.ID, queue.Retry(attempts, err.Error())); markErr != nil {
			return false, markErr
		}
		metrics.SyncSubmissions.WithLabelValues("retried").Inc()

		wait := c.backoff.delay(attempts)
		logger.Info("transient submission failure, backing off",
			"record_id", record.ID, "attempt", attempts, "wait", wait, "error", err)
		if err := c.sleep(ctx, wait); err != nil {
			return false, err
		}
	}
}

// withdraw removes the optimistic history entry of a record that will never
// be confirmed, so inference stops toggling off an action the server refused.
func (c *Coordinator) withdraw(ctx context.Context, logger *slog.Logger, record persistence.ScanRecord) {
	if c.cache == nil {
		return
	}
	if err := c.cache.Invalidate(ctx, record.QRCodeID, record.EventID, record.ID); err != nil {
		logger.Warn("failed to withdraw history entry", "record_id", record.ID, "error", err)
	}
}

func (c *Coordinator) submit(ctx context.Context, record persistence.ScanRecord) (persistence.ScanRecord, error) {
	switch record.Action {
	case persistence.ActionCheckIn:
		return c.client.SubmitCheckin(ctx, record)
	case persistence.ActionCheckOut:
		return c.client.SubmitCheckout(ctx, record)
	default:
		return persistence.ScanRecord{}, &api.Error{
			Op:      "submit",
			Code:    "unknown_action",
			Message: fmt.Sprintf("record %s has unknown action %q", record.ID, record.Action),
		}
	}
}

// confirm records the server's view of a synced submission: the queue row is
// marked synced and the history cache learns the authoritative timestamp.
func (c *Coordinator) confirm(ctx context.Context, confirmed persistence.ScanRecord) error {
	if err := c.queue.MarkResult(ctx, confirmed.ID, queue.Synced()); err != nil {
		return err
	}

	if c.cache == nil {
		return nil
	}
	entry := persistence.HistoryEntry{
		QRCodeID:   confirmed.QRCodeID,
		EventID:    confirmed.EventID,
		RecordID:   confirmed.ID,
		Action:     confirmed.Action,
		CapturedAt: confirmed.CapturedAt,
		Source:     persistence.SourceConfirmed,
		UpdatedAt:  c.now(),
	}
	if _, err := c.cache.Record(ctx, entry); err != nil {
		return fmt.Errorf("failed to confirm history entry: %w", err)
	}
	return nil
}
