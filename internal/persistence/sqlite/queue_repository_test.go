package sqlite

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/example/checkin-scanner/internal/persistence"
)

func TestQueueRepository_AppendAssignsIncreasingSeq(t *testing.T) {
	t.Parallel()

	repo := NewQueueRepository(newTestPool(t))
	ctx := context.Background()
	captured := time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)

	first, err := repo.AppendRecord(ctx, testRecord("rec-1", "qr-1", captured))
	if err != nil {
		t.Fatalf("append rec-1: %v", err)
	}
	second, err := repo.AppendRecord(ctx, testRecord("rec-2", "qr-2", captured.Add(time.Second)))
	if err != nil {
		t.Fatalf("append rec-2: %v", err)
	}

	if second.Seq <= first.Seq {
		t.Fatalf("expected seq to increase, got %d then %d", first.Seq, second.Seq)
	}
}

func TestQueueRepository_AppendRejectsDuplicateID(t *testing.T) {
	t.Parallel()

	repo := NewQueueRepository(newTestPool(t))
	ctx := context.Background()
	captured := time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)

	if _, err := repo.AppendRecord(ctx, testRecord("rec-1", "qr-1", captured)); err != nil {
		t.Fatalf("first append: %v", err)
	}
	_, err := repo.AppendRecord(ctx, testRecord("rec-1", "qr-1", captured))
	if !errors.Is(err, persistence.ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
}

func TestQueueRepository_HeadFollowsFIFOOrder(t *testing.T) {
	t.Parallel()

	repo := NewQueueRepository(newTestPool(t))
	ctx := context.Background()
	captured := time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)

	for _, id := range []string{"rec-1", "rec-2", "rec-3"} {
		if _, err := repo.AppendRecord(ctx, testRecord(id, "qr-"+id, captured)); err != nil {
			t.Fatalf("append %s: %v", id, err)
		}
	}

	head, err := repo.HeadRecord(ctx)
	if err != nil {
		t.Fatalf("head: %v", err)
	}
	if head.ID != "rec-1" {
		t.Fatalf("expected rec-1 at head, got %s", head.ID)
	}

	if err := repo.UpdateRecordStatus(ctx, "rec-1", persistence.StatusSynced, 0, nil); err != nil {
		t.Fatalf("mark synced: %v", err)
	}

	head, err = repo.HeadRecord(ctx)
	if err != nil {
		t.Fatalf("head after sync: %v", err)
	}
	if head.ID != "rec-2" {
		t.Fatalf("expected rec-2 at head, got %s", head.ID)
	}
}

func TestQueueRepository_HeadOnEmptyQueueReturnsNotFound(t *testing.T) {
	t.Parallel()

	repo := NewQueueRepository(newTestPool(t))
	_, err := repo.HeadRecord(context.Background())
	if !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestQueueRepository_UpdateStatusPersistsRetryState(t *testing.T) {
	t.Parallel()

	repo := NewQueueRepository(newTestPool(t))
	ctx := context.Background()
	captured := time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)

	if _, err := repo.AppendRecord(ctx, testRecord("rec-1", "qr-1", captured)); err != nil {
		t.Fatalf("append: %v", err)
	}

	reason := "timeout contacting server"
	if err := repo.UpdateRecordStatus(ctx, "rec-1", persistence.StatusPending, 3, &reason); err != nil {
		t.Fatalf("update status: %v", err)
	}

	record, err := repo.GetRecord(ctx, "rec-1")
	if err != nil {
		t.Fatalf("get record: %v", err)
	}
	if record.RetryCount != 3 {
		t.Fatalf("expected retry count 3, got %d", record.RetryCount)
	}
	if record.LastError == nil || *record.LastError != reason {
		t.Fatalf("expected last error %q, got %v", reason, record.LastError)
	}
}

func TestQueueRepository_UpdateStatusUnknownIDReturnsNotFound(t *testing.T) {
	t.Parallel()

	repo := NewQueueRepository(newTestPool(t))
	err := repo.UpdateRecordStatus(context.Background(), "missing", persistence.StatusSynced, 0, nil)
	if !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestQueueRepository_PendingDepthCountsUndelivered(t *testing.T) {
	t.Parallel()

	repo := NewQueueRepository(newTestPool(t))
	ctx := context.Background()
	captured := time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)

	for _, id := range []string{"rec-1", "rec-2"} {
		if _, err := repo.AppendRecord(ctx, testRecord(id, "qr-"+id, captured)); err != nil {
			t.Fatalf("append %s: %v", id, err)
		}
	}
	if err := repo.UpdateRecordStatus(ctx, "rec-1", persistence.StatusFailed, 0, nil); err != nil {
		t.Fatalf("mark failed: %v", err)
	}

	depth, err := repo.PendingDepth(ctx)
	if err != nil {
		t.Fatalf("depth: %v", err)
	}
	if depth != 1 {
		t.Fatalf("expected depth 1, got %d", depth)
	}

	failed, err := repo.FailedRecords(ctx)
	if err != nil {
		t.Fatalf("failed records: %v", err)
	}
	if len(failed) != 1 || failed[0].ID != "rec-1" {
		t.Fatalf("expected rec-1 in failed audit, got %+v", failed)
	}
}

func TestQueueRepository_DeleteSyncedBeforeKeepsRecentAndUnsynced(t *testing.T) {
	t.Parallel()

	repo := NewQueueRepository(newTestPool(t))
	ctx := context.Background()
	old := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	recent := old.Add(48 * time.Hour)

	if _, err := repo.AppendRecord(ctx, testRecord("rec-old", "qr-1", old)); err != nil {
		t.Fatalf("append rec-old: %v", err)
	}
	if _, err := repo.AppendRecord(ctx, testRecord("rec-new", "qr-2", recent)); err != nil {
		t.Fatalf("append rec-new: %v", err)
	}
	if _, err := repo.AppendRecord(ctx, testRecord("rec-pending", "qr-3", old)); err != nil {
		t.Fatalf("append rec-pending: %v", err)
	}

	for _, id := range []string{"rec-old", "rec-new"} {
		if err := repo.UpdateRecordStatus(ctx, id, persistence.StatusSynced, 0, nil); err != nil {
			t.Fatalf("mark %s synced: %v", id, err)
		}
	}

	deleted, err := repo.DeleteSyncedBefore(ctx, old.Add(24*time.Hour))
	if err != nil {
		t.Fatalf("delete synced: %v", err)
	}
	if deleted != 1 {
		t.Fatalf("expected 1 deletion, got %d", deleted)
	}

	if _, err := repo.GetRecord(ctx, "rec-old"); !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("expected rec-old evicted, got %v", err)
	}
	if _, err := repo.GetRecord(ctx, "rec-pending"); err != nil {
		t.Fatalf("expected rec-pending retained, got %v", err)
	}
}

func TestQueueRepository_SeqOrderSurvivesReopen(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	dir := t.TempDir()
	dsn := "file:" + dir + "/scanner.db"

	pool, err := NewConnectionPool(dsn)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := pool.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	repo := NewQueueRepository(pool)
	captured := time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)
	for _, id := range []string{"rec-1", "rec-2"} {
		if _, err := repo.AppendRecord(ctx, testRecord(id, "qr-"+id, captured)); err != nil {
			t.Fatalf("append %s: %v", id, err)
		}
	}
	if err := pool.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := NewConnectionPool(dsn)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	repo = NewQueueRepository(reopened)
	third, err := repo.AppendRecord(ctx, testRecord("rec-3", "qr-3", captured))
	if err != nil {
		t.Fatalf("append rec-3: %v", err)
	}

	pending, err := repo.PendingRecords(ctx)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 3 {
		t.Fatalf("expected 3 pending records, got %d", len(pending))
	}
	for i, want := range []string{"rec-1", "rec-2", "rec-3"} {
		if pending[i].ID != want {
			t.Fatalf("expected %s at position %d, got %s", want, i, pending[i].ID)
		}
	}
	if third.Seq <= pending[1].Seq {
		t.Fatalf("expected seq to continue after reopen, got %d", third.Seq)
	}
}
