package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/example/checkin-scanner/internal/persistence"
	"github.com/example/checkin-scanner/internal/testfixtures"
)

func newTestQueue(t *testing.T, ceiling int) (*Queue, *testfixtures.MemoryStore) {
	t.Helper()
	store := testfixtures.NewMemoryStore(testfixtures.NewClock(testfixtures.ReferenceTime()).NowFunc())
	return New(store, ceiling, nil), store
}

func pendingRecord(id string) persistence.ScanRecord {
	return persistence.ScanRecord{
		ID:         id,
		QRCodeID:   "qr-" + id,
		EventID:    "event-1",
		Action:     persistence.ActionCheckIn,
		CapturedAt: testfixtures.ReferenceTime(),
		Status:     persistence.StatusPending,
	}
}

func TestQueue_EnqueuePreservesCaptureOrder(t *testing.T) {
	t.Parallel()

	q, _ := newTestQueue(t, 10)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		if _, err := q.Enqueue(ctx, pendingRecord(id)); err != nil {
			t.Fatalf("enqueue %s: %v", id, err)
		}
	}

	records, err := q.Drain(ctx)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("expected 3 records, got %d", len(records))
	}
	for i, want := range []string{"a", "b", "c"} {
		if records[i].ID != want {
			t.Fatalf("position %d: expected %s, got %s", i, want, records[i].ID)
		}
	}
}

func TestQueue_EnqueuePastCeilingReturnsQueueFull(t *testing.T) {
	t.Parallel()

	q, _ := newTestQueue(t, 2)
	ctx := context.Background()

	for _, id := range []string{"a", "b"} {
		if _, err := q.Enqueue(ctx, pendingRecord(id)); err != nil {
			t.Fatalf("enqueue %s: %v", id, err)
		}
	}

	_, err := q.Enqueue(ctx, pendingRecord("c"))
	if !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}

	// Resolving a record frees capacity.
	if err := q.MarkResult(ctx, "a", Synced()); err != nil {
		t.Fatalf("mark synced: %v", err)
	}
	if _, err := q.Enqueue(ctx, pendingRecord("c")); err != nil {
		t.Fatalf("enqueue after drain: %v", err)
	}
}

func TestQueue_EnqueueHoldsCeilingUnderConcurrentWriters(t *testing.T) {
	t.Parallel()

	q, _ := newTestQueue(t, 1)
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	accepted, rejected := 0, 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := q.Enqueue(ctx, pendingRecord(fmt.Sprintf("r-%d", i)))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				accepted++
			case errors.Is(err, ErrQueueFull):
				rejected++
			default:
				t.Errorf("enqueue %d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	if accepted != 1 || rejected != 7 {
		t.Fatalf("accepted %d and rejected %d enqueues, want 1 and 7", accepted, rejected)
	}
	depth, err := q.Depth(ctx)
	if err != nil {
		t.Fatalf("depth: %v", err)
	}
	if depth != 1 {
		t.Fatalf("expected depth 1, got %d", depth)
	}
}

func TestQueue_PeekNextSkipsResolvedRecords(t *testing.T) {
	t.Parallel()

	q, _ := newTestQueue(t, 10)
	ctx := context.Background()

	for _, id := range []string{"a", "b"} {
		if _, err := q.Enqueue(ctx, pendingRecord(id)); err != nil {
			t.Fatalf("enqueue %s: %v", id, err)
		}
	}

	if err := q.MarkResult(ctx, "a", Failed(0, "event_closed")); err != nil {
		t.Fatalf("mark failed: %v", err)
	}

	head, ok, err := q.PeekNext(ctx)
	if err != nil {
		t.Fatalf("peek: %v", err)
	}
	if !ok || head.ID != "b" {
		t.Fatalf("expected b at head, got ok=%v head=%+v", ok, head)
	}
}

func TestQueue_PeekNextOnEmptyQueue(t *testing.T) {
	t.Parallel()

	q, _ := newTestQueue(t, 10)
	_, ok, err := q.PeekNext(context.Background())
	if err != nil {
		t.Fatalf("peek: %v", err)
	}
	if ok {
		t.Fatalf("expected empty queue")
	}
}

func TestQueue_AcknowledgeFailedRemovesOnlyFailed(t *testing.T) {
	t.Parallel()

	q, _ := newTestQueue(t, 10)
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, pendingRecord("a")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	if err := q.AcknowledgeFailed(ctx, "a"); err == nil {
		t.Fatalf("expected error acknowledging a pending record")
	}

	if err := q.MarkResult(ctx, "a", Failed(2, "unknown_code")); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	failed, err := q.FailedRecords(ctx)
	if err != nil {
		t.Fatalf("failed records: %v", err)
	}
	if len(failed) != 1 || failed[0].LastError == nil || *failed[0].LastError != "unknown_code" {
		t.Fatalf("unexpected audit list: %+v", failed)
	}

	if err := q.AcknowledgeFailed(ctx, "a"); err != nil {
		t.Fatalf("acknowledge: %v", err)
	}
	failed, err = q.FailedRecords(ctx)
	if err != nil {
		t.Fatalf("failed records after ack: %v", err)
	}
	if len(failed) != 0 {
		t.Fatalf("expected empty audit list, got %+v", failed)
	}
}

func TestQueue_EvictSyncedHonorsCutoff(t *testing.T) {
	t.Parallel()

	q, _ := newTestQueue(t, 10)
	ctx := context.Background()

	old := pendingRecord("old")
	old.CapturedAt = testfixtures.ReferenceTime().Add(-48 * time.Hour)
	if _, err := q.Enqueue(ctx, old); err != nil {
		t.Fatalf("enqueue old: %v", err)
	}
	if _, err := q.Enqueue(ctx, pendingRecord("new")); err != nil {
		t.Fatalf("enqueue new: %v", err)
	}
	for _, id := range []string{"old", "new"} {
		if err := q.MarkResult(ctx, id, Synced()); err != nil {
			t.Fatalf("mark %s: %v", id, err)
		}
	}

	deleted, err := q.EvictSynced(ctx, testfixtures.ReferenceTime().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("evict: %v", err)
	}
	if deleted != 1 {
		t.Fatalf("expected 1 eviction, got %d", deleted)
	}
}
