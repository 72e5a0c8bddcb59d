package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/example/checkin-scanner/internal/api"
	"github.com/example/checkin-scanner/internal/inference"
	"github.com/example/checkin-scanner/internal/persistence"
	"github.com/example/checkin-scanner/internal/queue"
	"github.com/example/checkin-scanner/internal/testfixtures"
)

func noSleep(ctx context.Context, d time.Duration) error {
	return ctx.Err()
}

func newTestCoordinator(t *testing.T, client api.Client, online func() bool) (*Coordinator, *queue.Queue, *testfixtures.MemoryStore, *testfixtures.Clock) {
	t.Helper()

	clock := testfixtures.NewClock(testfixtures.ReferenceTime())
	store := testfixtures.NewMemoryStore(clock.Now)
	q := queue.New(store, 100, nil)
	cache := inference.NewHistoryCache(store, 16, time.Hour)

	coord := New(q, client, cache, online, Options{
		MaxRetries: 3,
		Now:        clock.Now,
		Sleep:      noSleep,
	})
	return coord, q, store, clock
}

func enqueueScans(t *testing.T, q *queue.Queue, clock *testfixtures.Clock, n int) []persistence.ScanRecord {
	t.Helper()

	records := make([]persistence.ScanRecord, 0, n)
	for i := 0; i < n; i++ {
		record := persistence.ScanRecord{
			ID:         fmt.Sprintf("scan-%03d", i),
			QRCodeID:   fmt.Sprintf("member-%03d", i),
			EventID:    "event-1",
			Action:     persistence.ActionCheckIn,
			CapturedAt: clock.Advance(time.Second),
			Status:     persistence.StatusPending,
		}
		stored, err := q.Enqueue(context.Background(), record)
		if err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
		records = append(records, stored)
	}
	return records
}

func TestRunSyncCycleSubmitsInCaptureOrder(t *testing.T) {
	t.Parallel()

	client := testfixtures.NewAPIClient()
	coord, q, _, clock := newTestCoordinator(t, client, nil)
	enqueued := enqueueScans(t, q, clock, 5)

	if err := coord.RunSyncCycle(context.Background()); err != nil {
		t.Fatalf("RunSyncCycle: %v", err)
	}

	submitted := client.Submitted()
	if len(submitted) != len(enqueued) {
		t.Fatalf("submitted %d records, want %d", len(submitted), len(enqueued))
	}
	for i, record := range submitted {
		if record.ID != enqueued[i].ID {
			t.Errorf("submission %d is %s, want %s", i, record.ID, enqueued[i].ID)
		}
	}

	depth, err := q.Depth(context.Background())
	if err != nil {
		t.Fatalf("Depth: %v", err)
	}
	if depth != 0 {
		t.Errorf("queue depth after drain is %d, want 0", depth)
	}
}

func TestRunSyncCycleIsIdempotentOnDrainedQueue(t *testing.T) {
	t.Parallel()

	client := testfixtures.NewAPIClient()
	coord, q, _, clock := newTestCoordinator(t, client, nil)
	enqueueScans(t, q, clock, 2)

	for i := 0; i < 3; i++ {
		if err := coord.RunSyncCycle(context.Background()); err != nil {
			t.Fatalf("RunSyncCycle %d: %v", i, err)
		}
	}

	if got := len(client.Submitted()); got != 2 {
		t.Errorf("submitted %d records across repeated cycles, want 2", got)
	}
}

func TestRunSyncCycleMarksRecordsSynced(t *testing.T) {
	t.Parallel()

	client := testfixtures.NewAPIClient()
	coord, q, store, clock := newTestCoordinator(t, client, nil)
	enqueued := enqueueScans(t, q, clock, 1)

	if err := coord.RunSyncCycle(context.Background()); err != nil {
		t.Fatalf("RunSyncCycle: %v", err)
	}

	record, err := store.GetRecord(context.Background(), enqueued[0].ID)
	if err != nil {
		t.Fatalf("GetRecord: %v", err)
	}
	if record.Status != persistence.StatusSynced {
		t.Errorf("record status is %s, want %s", record.Status, persistence.StatusSynced)
	}
}

func TestRunSyncCycleConfirmsHistoryWithServerTimestamp(t *testing.T) {
	t.Parallel()

	serverTime := testfixtures.ReferenceTime().Add(90 * time.Second)
	client := testfixtures.NewAPIClient()
	client.Handler = func(record persistence.ScanRecord) (persistence.ScanRecord, error) {
		confirmed := record
		confirmed.CapturedAt = serverTime
		confirmed.Status = persistence.StatusSynced
		return confirmed, nil
	}
	coord, q, store, clock := newTestCoordinator(t, client, nil)
	enqueued := enqueueScans(t, q, clock, 1)

	if err := coord.RunSyncCycle(context.Background()); err != nil {
		t.Fatalf("RunSyncCycle: %v", err)
	}

	entry, err := store.LatestHistory(context.Background(), enqueued[0].QRCodeID, enqueued[0].EventID)
	if err != nil {
		t.Fatalf("LatestHistory: %v", err)
	}
	if entry.Source != persistence.SourceConfirmed {
		t.Errorf("history source is %s, want %s", entry.Source, persistence.SourceConfirmed)
	}
	if !entry.CapturedAt.Equal(serverTime) {
		t.Errorf("history captured at %v, want server time %v", entry.CapturedAt, serverTime)
	}
}

func TestRunSyncCycleRetriesTransientFailureAtHead(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	failures := 2
	client := testfixtures.NewAPIClient()
	client.Handler = func(record persistence.ScanRecord) (persistence.ScanRecord, error) {
		mu.Lock()
		defer mu.Unlock()
		if record.ID == "scan-000" && failures > 0 {
			failures--
			return persistence.ScanRecord{}, &api.Error{Op: "submit", StatusCode: 503, Transient: true}
		}
		confirmed := record
		confirmed.Status = persistence.StatusSynced
		return confirmed, nil
	}

	coord, q, _, clock := newTestCoordinator(t, client, nil)
	enqueued := enqueueScans(t, q, clock, 3)

	if err := coord.RunSyncCycle(context.Background()); err != nil {
		t.Fatalf("RunSyncCycle: %v", err)
	}

	submitted := client.Submitted()
	if len(submitted) != len(enqueued) {
		t.Fatalf("submitted %d records, want %d", len(submitted), len(enqueued))
	}
	// The failing head must not be overtaken by later records.
	for i, record := range submitted {
		if record.ID != enqueued[i].ID {
			t.Errorf("submission %d is %s, want %s", i, record.ID, enqueued[i].ID)
		}
	}
}

func TestRunSyncCycleFailsRecordAfterRetryBudget(t *testing.T) {
	t.Parallel()

	client := testfixtures.NewAPIClient()
	client.Handler = func(record persistence.ScanRecord) (persistence.ScanRecord, error) {
		if record.ID == "scan-000" {
			return persistence.ScanRecord{}, &api.Error{Op: "submit", StatusCode: 500, Transient: true}
		}
		confirmed := record
		confirmed.Status = persistence.StatusSynced
		return confirmed, nil
	}

	coord, q, store, clock := newTestCoordinator(t, client, nil)
	enqueueScans(t, q, clock, 2)

	if err := coord.RunSyncCycle(context.Background()); err != nil {
		t.Fatalf("RunSyncCycle: %v", err)
	}

	record, err := store.GetRecord(context.Background(), "scan-000")
	if err != nil {
		t.Fatalf("GetRecord: %v", err)
	}
	if record.Status != persistence.StatusFailed {
		t.Errorf("exhausted record status is %s, want %s", record.Status, persistence.StatusFailed)
	}
	if record.LastError == nil {
		t.Error("exhausted record has no last error")
	}

	// The record behind the exhausted head still goes through.
	next, err := store.GetRecord(context.Background(), "scan-001")
	if err != nil {
		t.Fatalf("GetRecord: %v", err)
	}
	if next.Status != persistence.StatusSynced {
		t.Errorf("second record status is %s, want %s", next.Status, persistence.StatusSynced)
	}
}

func TestRunSyncCycleSkipsPastBusinessRejection(t *testing.T) {
	t.Parallel()

	client := testfixtures.NewAPIClient()
	client.Handler = func(record persistence.ScanRecord) (persistence.ScanRecord, error) {
		if record.ID == "scan-001" {
			return persistence.ScanRecord{}, &api.Error{
				Op:         "submit",
				StatusCode: 409,
				Code:       "event_closed",
				Message:    "event is no longer accepting check-ins",
			}
		}
		confirmed := record
		confirmed.Status = persistence.StatusSynced
		return confirmed, nil
	}

	coord, q, store, clock := newTestCoordinator(t, client, nil)
	enqueueScans(t, q, clock, 3)

	if err := coord.RunSyncCycle(context.Background()); err != nil {
		t.Fatalf("RunSyncCycle: %v", err)
	}

	rejected, err := store.GetRecord(context.Background(), "scan-001")
	if err != nil {
		t.Fatalf("GetRecord: %v", err)
	}
	if rejected.Status != persistence.StatusFailed {
		t.Errorf("rejected record status is %s, want %s", rejected.Status, persistence.StatusFailed)
	}
	if rejected.RetryCount != 0 {
		t.Errorf("rejected record retry count is %d, want 0", rejected.RetryCount)
	}

	if got := len(client.Submitted()); got != 2 {
		t.Errorf("submitted %d records around the rejection, want 2", got)
	}

	failed, err := q.FailedRecords(context.Background())
	if err != nil {
		t.Fatalf("FailedRecords: %v", err)
	}
	if len(failed) != 1 || failed[0].ID != "scan-001" {
		t.Errorf("failed records = %v, want exactly scan-001", failed)
	}
}

func optimisticEntryFor(t *testing.T, store *testfixtures.MemoryStore, record persistence.ScanRecord) {
	t.Helper()
	if _, err := store.UpsertHistory(context.Background(), persistence.HistoryEntry{
		QRCodeID:   record.QRCodeID,
		EventID:    record.EventID,
		RecordID:   record.ID,
		Action:     record.Action,
		CapturedAt: record.CapturedAt,
		Source:     persistence.SourceOptimistic,
	}); err != nil {
		t.Fatalf("UpsertHistory: %v", err)
	}
}

func TestRunSyncCycleWithdrawsHistoryOnRejection(t *testing.T) {
	t.Parallel()

	client := testfixtures.NewAPIClient()
	client.Handler = func(record persistence.ScanRecord) (persistence.ScanRecord, error) {
		return persistence.ScanRecord{}, &api.Error{
			Op:         "submit",
			StatusCode: 409,
			Code:       "event_closed",
			Message:    "event is no longer accepting check-ins",
		}
	}

	coord, q, store, clock := newTestCoordinator(t, client, nil)
	enqueued := enqueueScans(t, q, clock, 1)
	optimisticEntryFor(t, store, enqueued[0])

	if err := coord.RunSyncCycle(context.Background()); err != nil {
		t.Fatalf("RunSyncCycle: %v", err)
	}

	// The refused record's optimistic entry is withdrawn so the next scan of
	// the pair starts from a clean slate.
	_, err := store.LatestHistory(context.Background(), enqueued[0].QRCodeID, enqueued[0].EventID)
	if !errors.Is(err, persistence.ErrNotFound) {
		t.Errorf("LatestHistory after rejection returned %v, want %v", err, persistence.ErrNotFound)
	}
}

func TestRunSyncCycleWithdrawsHistoryAfterRetryBudget(t *testing.T) {
	t.Parallel()

	client := testfixtures.NewAPIClient()
	client.Handler = func(record persistence.ScanRecord) (persistence.ScanRecord, error) {
		return persistence.ScanRecord{}, &api.Error{Op: "submit", StatusCode: 500, Transient: true}
	}

	coord, q, store, clock := newTestCoordinator(t, client, nil)
	enqueued := enqueueScans(t, q, clock, 1)
	optimisticEntryFor(t, store, enqueued[0])

	if err := coord.RunSyncCycle(context.Background()); err != nil {
		t.Fatalf("RunSyncCycle: %v", err)
	}

	record, err := store.GetRecord(context.Background(), enqueued[0].ID)
	if err != nil {
		t.Fatalf("GetRecord: %v", err)
	}
	if record.Status != persistence.StatusFailed {
		t.Fatalf("record status is %s, want %s", record.Status, persistence.StatusFailed)
	}

	_, err = store.LatestHistory(context.Background(), enqueued[0].QRCodeID, enqueued[0].EventID)
	if !errors.Is(err, persistence.ErrNotFound) {
		t.Errorf("LatestHistory after exhaustion returned %v, want %v", err, persistence.ErrNotFound)
	}
}

func TestRunSyncCycleStopsWhenConnectivityDrops(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	online := true
	client := testfixtures.NewAPIClient()
	client.Handler = func(record persistence.ScanRecord) (persistence.ScanRecord, error) {
		mu.Lock()
		defer mu.Unlock()
		if record.ID == "scan-001" {
			online = false
		}
		confirmed := record
		confirmed.Status = persistence.StatusSynced
		return confirmed, nil
	}

	coord, q, _, clock := newTestCoordinator(t, client, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return online
	})
	enqueueScans(t, q, clock, 4)

	if err := coord.RunSyncCycle(context.Background()); err != nil {
		t.Fatalf("RunSyncCycle: %v", err)
	}

	if got := len(client.Submitted()); got != 2 {
		t.Errorf("submitted %d records before going offline, want 2", got)
	}

	depth, err := q.Depth(context.Background())
	if err != nil {
		t.Fatalf("Depth: %v", err)
	}
	if depth != 2 {
		t.Errorf("queue depth after losing connectivity is %d, want 2", depth)
	}
}

func TestRunSyncCycleCoalescesConcurrentCalls(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	entered := make(chan struct{})
	var once sync.Once
	client := testfixtures.NewAPIClient()
	client.Handler = func(record persistence.ScanRecord) (persistence.ScanRecord, error) {
		once.Do(func() { close(entered) })
		<-release
		confirmed := record
		confirmed.Status = persistence.StatusSynced
		return confirmed, nil
	}

	coord, q, _, clock := newTestCoordinator(t, client, nil)
	enqueueScans(t, q, clock, 1)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := coord.RunSyncCycle(context.Background()); err != nil {
			t.Errorf("RunSyncCycle: %v", err)
		}
	}()

	<-entered
	// A second call while the first cycle is blocked must return immediately.
	if err := coord.RunSyncCycle(context.Background()); err != nil {
		t.Errorf("coalesced RunSyncCycle: %v", err)
	}

	close(release)
	wg.Wait()

	if got := len(client.Submitted()); got != 1 {
		t.Errorf("submitted %d records, want 1", got)
	}
}

func TestRunSyncCycleHonorsContextCancellation(t *testing.T) {
	t.Parallel()

	client := testfixtures.NewAPIClient()
	coord, q, _, clock := newTestCoordinator(t, client, nil)
	enqueueScans(t, q, clock, 3)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := coord.RunSyncCycle(ctx); err == nil {
		t.Fatal("RunSyncCycle with cancelled context returned nil error")
	}
	if got := len(client.Submitted()); got != 0 {
		t.Errorf("submitted %d records under a cancelled context, want 0", got)
	}
}

func TestBackoffDelayGrowsToCap(t *testing.T) {
	t.Parallel()

	b := newBackoff(time.Second, 8*time.Second)
	previousMax := time.Duration(0)
	for attempt := 1; attempt <= 6; attempt++ {
		d := b.delay(attempt)
		if d < time.Second {
			t.Errorf("attempt %d delay %v below base", attempt, d)
		}
		limit := 8 * time.Second
		if d > limit+limit/5 {
			t.Errorf("attempt %d delay %v exceeds jittered cap", attempt, d)
		}
		if attempt <= 3 && d < previousMax/4 {
			t.Errorf("attempt %d delay %v collapsed from earlier attempts", attempt, d)
		}
		previousMax = d
	}
}
