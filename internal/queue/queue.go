// Package queue wraps the durable scan-record store with the offline queue
// semantics: bounded enqueue, FIFO peek, and result bookkeeping.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/example/checkin-scanner/internal/metrics"
	"github.com/example/checkin-scanner/internal/persistence"
)

// ErrQueueFull is returned when enqueueing past the configured ceiling. It is
// a hard error: the operator has to sync or flush before scanning more.
var ErrQueueFull = errors.New("queue: full")

// Outcome describes how a submission attempt resolved.
type Outcome struct {
	Status     persistence.SyncStatus
	RetryCount int
	LastError  *string
}

// Synced marks a record as confirmed by the server.
func Synced() Outcome {
	return Outcome{Status: persistence.StatusSynced}
}

// Submitting marks a record as in flight.
func Submitting(retryCount int) Outcome {
	return Outcome{Status: persistence.StatusSubmitting, RetryCount: retryCount}
}

// Retry returns a record to the pending state after a transient failure.
func Retry(retryCount int, reason string) Outcome {
	return Outcome{Status: persistence.StatusPending, RetryCount: retryCount, LastError: &reason}
}

// Failed marks a record as permanently rejected.
func Failed(retryCount int, reason string) Outcome {
	return Outcome{Status: persistence.StatusFailed, RetryCount: retryCount, LastError: &reason}
}

// Queue is the ordered store of scans not yet confirmed by the server.
//
// mu makes the ceiling check and the append in Enqueue one atomic step, so
// concurrent enqueues cannot push the depth past the ceiling.
type Queue struct {
	mu      sync.Mutex
	store   persistence.QueueRepository
	ceiling int
	logger  *slog.Logger
}

// New builds a queue over the durable store. ceiling bounds the number of
// undelivered records.
func New(store persistence.QueueRepository, ceiling int, logger *slog.Logger) *Queue {
	if ceiling <= 0 {
		ceiling = 10000
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{store: store, ceiling: ceiling, logger: logger}
}

// Enqueue appends a record, assigning its sequence number. The write is
// durable before Enqueue returns.
func (q *Queue) Enqueue(ctx context.Context, record persistence.ScanRecord) (persistence.ScanRecord, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	depth, err := q.store.PendingDepth(ctx)
	if err != nil {
		return persistence.ScanRecord{}, fmt.Errorf("failed to check queue depth: %w", err)
	}
	if depth >= q.ceiling {
		q.logger.Error("offline queue is full", "depth", depth, "ceiling", q.ceiling)
		return persistence.ScanRecord{}, ErrQueueFull
	}

	stored, err := q.store.AppendRecord(ctx, record)
	if err != nil {
		return persistence.ScanRecord{}, fmt.Errorf("failed to enqueue record: %w", err)
	}

	metrics.QueueDepth.Set(float64(depth + 1))
	return stored, nil
}

// PeekNext returns the head of the queue without removing it.
func (q *Queue) PeekNext(ctx context.Context) (persistence.ScanRecord, bool, error) {
	record, err := q.store.HeadRecord(ctx)
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			return persistence.ScanRecord{}, false, nil
		}
		return persistence.ScanRecord{}, false, fmt.Errorf("failed to peek queue head: %w", err)
	}
	return record, true, nil
}

// MarkResult records the outcome of a submission attempt for a record.
func (q *Queue) MarkResult(ctx context.Context, id string, outcome Outcome) error {
	if err := q.store.UpdateRecordStatus(ctx, id, outcome.Status, outcome.RetryCount, outcome.LastError); err != nil {
		return fmt.Errorf("failed to mark record %s: %w", id, err)
	}

	if depth, err := q.store.PendingDepth(ctx); err == nil {
		metrics.QueueDepth.Set(float64(depth))
	}
	return nil
}

// Drain returns every undelivered record in capture order.
func (q *Queue) Drain(ctx context.Context) ([]persistence.ScanRecord, error) {
	records, err := q.store.PendingRecords(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to drain queue: %w", err)
	}
	return records, nil
}

// Depth reports the number of undelivered records.
func (q *Queue) Depth(ctx context.Context) (int, error) {
	depth, err := q.store.PendingDepth(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to read queue depth: %w", err)
	}
	return depth, nil
}

// FailedRecords lists permanently failed records retained for audit.
func (q *Queue) FailedRecords(ctx context.Context) ([]persistence.ScanRecord, error) {
	records, err := q.store.FailedRecords(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list failed records: %w", err)
	}
	return records, nil
}

// AcknowledgeFailed removes a permanently failed record after the operator
// has seen it.
func (q *Queue) AcknowledgeFailed(ctx context.Context, id string) error {
	record, err := q.store.GetRecord(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to load record %s: %w", id, err)
	}
	if record.Status != persistence.StatusFailed {
		return fmt.Errorf("record %s is %s, not failed", id, record.Status)
	}
	if err := q.store.DeleteRecord(ctx, id); err != nil {
		return fmt.Errorf("failed to acknowledge record %s: %w", id, err)
	}
	return nil
}

// EvictSynced removes confirmed records older than the cutoff.
func (q *Queue) EvictSynced(ctx context.Context, cutoff time.Time) (int, error) {
	deleted, err := q.store.DeleteSyncedBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to evict synced records: %w", err)
	}
	if deleted > 0 {
		q.logger.Debug("evicted synced records", "count", deleted)
	}
	return deleted, nil
}
