package persistence

import (
	"context"
	"time"
)

// QueueRepository stores scan records in capture order.
//
// Append assigns the monotonically increasing Seq that defines FIFO order.
// Records stay in the table after they resolve: synced records until the
// retention sweep evicts them, failed records until an operator acknowledges
// them.
type QueueRepository interface {
	AppendRecord(ctx context.Context, record ScanRecord) (ScanRecord, error)
	GetRecord(ctx context.Context, id string) (ScanRecord, error)
	HeadRecord(ctx context.Context) (ScanRecord, error)
	PendingRecords(ctx context.Context) ([]ScanRecord, error)
	PendingDepth(ctx context.Context) (int, error)
	UpdateRecordStatus(ctx context.Context, id string, status SyncStatus, retryCount int, lastError *string) error
	FailedRecords(ctx context.Context) ([]ScanRecord, error)
	DeleteRecord(ctx context.Context, id string) error
	DeleteSyncedBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// HistoryRepository stores the latest known action per (qr code, event) pair.
// UpsertHistory applies the last-writer-wins merge rule and returns the entry
// that won.
//
// DeleteHistoryEntry removes the pair's entry only while it is still the
// optimistic write for the given record; a server-confirmed entry stays put.
// It is how a permanently failed record is withdrawn from inference.
type HistoryRepository interface {
	UpsertHistory(ctx context.Context, entry HistoryEntry) (HistoryEntry, error)
	LatestHistory(ctx context.Context, qrCodeID, eventID string) (HistoryEntry, error)
	HistorySince(ctx context.Context, cutoff time.Time) ([]HistoryEntry, error)
	DeleteHistoryEntry(ctx context.Context, qrCodeID, eventID, recordID string) error
	DeleteHistoryBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// EventRepository caches the remote event catalog for offline selection.
type EventRepository interface {
	ReplaceEvents(ctx context.Context, events []Event) error
	GetEvent(ctx context.Context, id string) (Event, error)
	ListEvents(ctx context.Context) ([]Event, error)
}

// StateRepository stores per-device operator state such as the selected event.
type StateRepository interface {
	GetDeviceState(ctx context.Context, deviceID string) (DeviceState, error)
	SaveDeviceState(ctx context.Context, state DeviceState) error
}
