package persistence

import "time"

// ActionType identifies the direction a scan represents for a user at an event.
type ActionType string

const (
	// ActionCheckIn marks the start of a user's presence at an event.
	ActionCheckIn ActionType = "check_in"
	// ActionCheckOut marks the end of a user's presence at an event.
	ActionCheckOut ActionType = "check_out"
)

// Valid reports whether the action type is one of the known values.
func (a ActionType) Valid() bool {
	return a == ActionCheckIn || a == ActionCheckOut
}

// SyncStatus tracks how far a scan record has progressed towards the server.
type SyncStatus string

const (
	// StatusPending means the record is waiting in the queue for submission.
	StatusPending SyncStatus = "pending"
	// StatusSubmitting means a sync cycle is currently delivering the record.
	StatusSubmitting SyncStatus = "submitting"
	// StatusSynced means the server confirmed the record.
	StatusSynced SyncStatus = "synced"
	// StatusFailed means the server rejected the record or the retry budget ran out.
	StatusFailed SyncStatus = "failed"
)

// ScanRecord is the unit of work produced by a scan and delivered to the server.
//
// ID is generated on the device and stays stable across retries so the server
// can deduplicate resubmissions. Seq is assigned at enqueue time and is the
// FIFO sort key; it survives restarts even when wall-clock timestamps do not.
type ScanRecord struct {
	ID         string
	Seq        int64
	QRCodeID   string
	EventID    string
	Action     ActionType
	CapturedAt time.Time
	Status     SyncStatus
	RetryCount int
	LastError  *string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// HistorySource distinguishes optimistic local entries from server-confirmed ones.
type HistorySource string

const (
	// SourceOptimistic marks an entry written by the device before confirmation.
	SourceOptimistic HistorySource = "client"
	// SourceConfirmed marks an entry backed by a server response.
	SourceConfirmed HistorySource = "server"
)

// HistoryEntry is the latest known action for a (qr code, event) pair.
type HistoryEntry struct {
	QRCodeID   string
	EventID    string
	RecordID   string
	Action     ActionType
	CapturedAt time.Time
	Source     HistorySource
	UpdatedAt  time.Time
}

// Supersedes reports whether candidate should replace current under the
// last-writer-wins rule for history entries: a server-confirmed entry for the
// same record always replaces the optimistic one, even when the server clock
// reads earlier; otherwise the newer CapturedAt wins and ties go to the
// candidate.
func Supersedes(candidate, current HistoryEntry) bool {
	if candidate.RecordID == current.RecordID {
		if candidate.Source == SourceConfirmed {
			return true
		}
		return current.Source != SourceConfirmed && !candidate.CapturedAt.Before(current.CapturedAt)
	}
	return !candidate.CapturedAt.Before(current.CapturedAt)
}

// Event is a read-only catalog entry fetched from the remote API.
type Event struct {
	ID        string
	Name      string
	Location  string
	Active    bool
	StartsAt  time.Time
	EndsAt    time.Time
	UpdatedAt time.Time
}

// DeviceState holds the operator selections that survive a restart.
type DeviceState struct {
	DeviceID        string
	SelectedEventID *string
	UpdatedAt       time.Time
}
