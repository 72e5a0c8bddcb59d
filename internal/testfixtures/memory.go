package testfixtures

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/example/checkin-scanner/internal/persistence"
)

type historyKey struct {
	qrCodeID string
	eventID  string
}

// MemoryStore is an in-memory implementation of the persistence repositories,
// mirroring the SQLite behavior closely enough for service-level tests.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]persistence.ScanRecord
	nextSeq int64
	history map[historyKey]persistence.HistoryEntry
	events  map[string]persistence.Event
	states  map[string]persistence.DeviceState
	now     func() time.Time
}

// NewMemoryStore builds an empty store. now may be nil, in which case
// time.Now is used for bookkeeping timestamps.
func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{
		records: make(map[string]persistence.ScanRecord),
		history: make(map[historyKey]persistence.HistoryEntry),
		events:  make(map[string]persistence.Event),
		states:  make(map[string]persistence.DeviceState),
		now:     now,
	}
}

// --- QueueRepository implementation ---

// AppendRecord stores a new scan record and assigns the next sequence number.
func (s *MemoryStore) AppendRecord(ctx context.Context, record persistence.ScanRecord) (persistence.ScanRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record.ID = strings.TrimSpace(record.ID)
	if record.ID == "" || !record.Action.Valid() {
		return persistence.ScanRecord{}, persistence.ErrConstraintViolation
	}
	if _, ok := s.records[record.ID]; ok {
		return persistence.ScanRecord{}, persistence.ErrDuplicate
	}
	if record.Status == "" {
		record.Status = persistence.StatusPending
	}

	s.nextSeq++
	record.Seq = s.nextSeq
	record.CreatedAt = s.now()
	record.UpdatedAt = record.CreatedAt
	s.records[record.ID] = record

	return record, nil
}

// GetRecord retrieves a record by ID.
func (s *MemoryStore) GetRecord(ctx context.Context, id string) (persistence.ScanRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.records[id]
	if !ok {
		return persistence.ScanRecord{}, persistence.ErrNotFound
	}
	return record, nil
}

// HeadRecord returns the undelivered record with the lowest sequence number.
func (s *MemoryStore) HeadRecord(ctx context.Context) (persistence.ScanRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var head persistence.ScanRecord
	found := false
	for _, record := range s.records {
		if !undelivered(record) {
			continue
		}
		if !found || record.Seq < head.Seq {
			head = record
			found = true
		}
	}
	if !found {
		return persistence.ScanRecord{}, persistence.ErrNotFound
	}
	return head, nil
}

// PendingRecords returns undelivered records in FIFO order.
func (s *MemoryStore) PendingRecords(ctx context.Context) ([]persistence.ScanRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	records := make([]persistence.ScanRecord, 0)
	for _, record := range s.records {
		if undelivered(record) {
			records = append(records, record)
		}
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Seq < records[j].Seq })
	return records, nil
}

// PendingDepth counts undelivered records.
func (s *MemoryStore) PendingDepth(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	depth := 0
	for _, record := range s.records {
		if undelivered(record) {
			depth++
		}
	}
	return depth, nil
}

// UpdateRecordStatus transitions a record's sync status.
func (s *MemoryStore) UpdateRecordStatus(ctx context.Context, id string, status persistence.SyncStatus, retryCount int, lastError *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.records[id]
	if !ok {
		return persistence.ErrNotFound
	}
	record.Status = status
	record.RetryCount = retryCount
	record.LastError = lastError
	record.UpdatedAt = s.now()
	s.records[id] = record
	return nil
}

// FailedRecords returns permanently failed records in FIFO order.
func (s *MemoryStore) FailedRecords(ctx context.Context) ([]persistence.ScanRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	records := make([]persistence.ScanRecord, 0)
	for _, record := range s.records {
		if record.Status == persistence.StatusFailed {
			records = append(records, record)
		}
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Seq < records[j].Seq })
	return records, nil
}

// DeleteRecord removes a record by ID.
func (s *MemoryStore) DeleteRecord(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[id]; !ok {
		return persistence.ErrNotFound
	}
	delete(s.records, id)
	return nil
}

// DeleteSyncedBefore evicts confirmed records captured before the cutoff.
func (s *MemoryStore) DeleteSyncedBefore(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	deleted := 0
	for id, record := range s.records {
		if record.Status == persistence.StatusSynced && record.CapturedAt.Before(cutoff) {
			delete(s.records, id)
			deleted++
		}
	}
	return deleted, nil
}

func undelivered(record persistence.ScanRecord) bool {
	return record.Status == persistence.StatusPending || record.Status == persistence.StatusSubmitting
}

// --- HistoryRepository implementation ---

// UpsertHistory merges an entry under the last-writer-wins rule.
func (s *MemoryStore) UpsertHistory(ctx context.Context, entry persistence.HistoryEntry) (persistence.HistoryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := historyKey{qrCodeID: entry.QRCodeID, eventID: entry.EventID}
	if current, ok := s.history[key]; ok && !persistence.Supersedes(entry, current) {
		return current, nil
	}
	entry.UpdatedAt = s.now()
	s.history[key] = entry
	return entry, nil
}

// LatestHistory returns the stored entry for a pair.
func (s *MemoryStore) LatestHistory(ctx context.Context, qrCodeID, eventID string) (persistence.HistoryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.history[historyKey{qrCodeID: qrCodeID, eventID: eventID}]
	if !ok {
		return persistence.HistoryEntry{}, persistence.ErrNotFound
	}
	return entry, nil
}

// HistorySince returns entries captured at or after the cutoff.
func (s *MemoryStore) HistorySince(ctx context.Context, cutoff time.Time) ([]persistence.HistoryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := make([]persistence.HistoryEntry, 0)
	for _, entry := range s.history {
		if !entry.CapturedAt.Before(cutoff) {
			entries = append(entries, entry)
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].CapturedAt.Before(entries[j].CapturedAt) })
	return entries, nil
}

// DeleteHistoryEntry removes a pair's entry while it is still the optimistic
// write for the given record.
func (s *MemoryStore) DeleteHistoryEntry(ctx context.Context, qrCodeID, eventID, recordID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := historyKey{qrCodeID: qrCodeID, eventID: eventID}
	entry, ok := s.history[key]
	if ok && entry.RecordID == recordID && entry.Source == persistence.SourceOptimistic {
		delete(s.history, key)
	}
	return nil
}

// DeleteHistoryBefore evicts entries captured before the cutoff.
func (s *MemoryStore) DeleteHistoryBefore(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	deleted := 0
	for key, entry := range s.history {
		if entry.CapturedAt.Before(cutoff) {
			delete(s.history, key)
			deleted++
		}
	}
	return deleted, nil
}

// --- EventRepository implementation ---

// ReplaceEvents swaps the cached catalog.
func (s *MemoryStore) ReplaceEvents(ctx context.Context, events []persistence.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.events = make(map[string]persistence.Event, len(events))
	for _, event := range events {
		s.events[event.ID] = event
	}
	return nil
}

// GetEvent retrieves a cached event by ID.
func (s *MemoryStore) GetEvent(ctx context.Context, id string) (persistence.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	event, ok := s.events[id]
	if !ok {
		return persistence.Event{}, persistence.ErrNotFound
	}
	return event, nil
}

// ListEvents returns the cached catalog ordered by start time.
func (s *MemoryStore) ListEvents(ctx context.Context) ([]persistence.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	events := make([]persistence.Event, 0, len(s.events))
	for _, event := range s.events {
		events = append(events, event)
	}
	sort.Slice(events, func(i, j int) bool {
		if events[i].StartsAt.Equal(events[j].StartsAt) {
			return events[i].ID < events[j].ID
		}
		return events[i].StartsAt.Before(events[j].StartsAt)
	})
	return events, nil
}

// --- StateRepository implementation ---

// GetDeviceState retrieves the stored state for a device.
func (s *MemoryStore) GetDeviceState(ctx context.Context, deviceID string) (persistence.DeviceState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.states[deviceID]
	if !ok {
		return persistence.DeviceState{}, persistence.ErrNotFound
	}
	return state, nil
}

// SaveDeviceState upserts the stored state for a device.
func (s *MemoryStore) SaveDeviceState(ctx context.Context, state persistence.DeviceState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	state.UpdatedAt = s.now()
	s.states[state.DeviceID] = state
	return nil
}
