package sqlite

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/example/checkin-scanner/internal/persistence"
)

const historyColumns = `qr_code_id, event_id, record_id, action, captured_at, source, updated_at`

// HistoryRepository implements persistence.HistoryRepository using SQLite.
//
// One row per (qr code, event) pair holds the latest known action. Writes go
// through a last-writer-wins merge: a server-confirmed entry for the same
// record always replaces the optimistic one, otherwise the newer CapturedAt
// wins and the most recent entry is never dropped.
type HistoryRepository struct {
	pool *ConnectionPool
}

// NewHistoryRepository creates a new SQLite history repository.
func NewHistoryRepository(pool *ConnectionPool) *HistoryRepository {
	return &HistoryRepository{pool: pool}
}

// UpsertHistory merges an entry into the stored history and returns the winner.
func (r *HistoryRepository) UpsertHistory(ctx context.Context, entry persistence.HistoryEntry) (persistence.HistoryEntry, error) {
	normalized, err := normalizeHistory(entry)
	if err != nil {
		return persistence.HistoryEntry{}, err
	}
	normalized.UpdatedAt = time.Now().UTC()

	winner := normalized
	err = r.pool.WithTransaction(ctx, func(tx *sql.Tx) error {
		current, err := historyRowTx(tx, normalized.QRCodeID, normalized.EventID)
		switch {
		case err == sql.ErrNoRows:
			// First entry for the pair.
		case err != nil:
			return mapError(err)
		default:
			if !persistence.Supersedes(normalized, current) {
				winner = current
				return nil
			}
		}

		_, err = tx.Exec(`
			INSERT INTO scan_history (qr_code_id, event_id, record_id, action, captured_at, source, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (qr_code_id, event_id) DO UPDATE SET
				record_id = excluded.record_id,
				action = excluded.action,
				captured_at = excluded.captured_at,
				source = excluded.source,
				updated_at = excluded.updated_at
		`,
			normalized.QRCodeID,
			normalized.EventID,
			normalized.RecordID,
			string(normalized.Action),
			formatTime(normalized.CapturedAt),
			string(normalized.Source),
			formatTime(normalized.UpdatedAt),
		)
		if err != nil {
			return mapError(err)
		}
		return nil
	})
	if err != nil {
		return persistence.HistoryEntry{}, err
	}

	return winner, nil
}

// LatestHistory returns the latest entry for a (qr code, event) pair.
func (r *HistoryRepository) LatestHistory(ctx context.Context, qrCodeID, eventID string) (persistence.HistoryEntry, error) {
	query := `SELECT ` + historyColumns + ` FROM scan_history WHERE qr_code_id = ? AND event_id = ?`
	entry, err := historyFromScanner(r.pool.QueryRow(ctx, query, strings.TrimSpace(qrCodeID), strings.TrimSpace(eventID)).Scan)
	if err != nil {
		if err == sql.ErrNoRows {
			return persistence.HistoryEntry{}, persistence.ErrNotFound
		}
		return persistence.HistoryEntry{}, err
	}
	return entry, nil
}

// HistorySince returns entries captured at or after the cutoff, used to warm
// the in-memory cache on startup.
func (r *HistoryRepository) HistorySince(ctx context.Context, cutoff time.Time) ([]persistence.HistoryEntry, error) {
	query := `SELECT ` + historyColumns + ` FROM scan_history WHERE captured_at >= ? ORDER BY captured_at ASC`
	rows, err := r.pool.Query(ctx, query, formatTime(cutoff))
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	entries := make([]persistence.HistoryEntry, 0)
	for rows.Next() {
		entry, err := historyFromScanner(rows.Scan)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError(err)
	}

	return entries, nil
}

// DeleteHistoryEntry removes the entry for a pair while it still carries the
// optimistic write for the given record. A confirmed entry, or an entry for a
// later record, is left alone.
func (r *HistoryRepository) DeleteHistoryEntry(ctx context.Context, qrCodeID, eventID, recordID string) error {
	_, err := r.pool.Exec(ctx, `
		DELETE FROM scan_history
		WHERE qr_code_id = ? AND event_id = ? AND record_id = ? AND source = ?
	`,
		strings.TrimSpace(qrCodeID),
		strings.TrimSpace(eventID),
		strings.TrimSpace(recordID),
		string(persistence.SourceOptimistic),
	)
	if err != nil {
		return mapError(err)
	}
	return nil
}

// DeleteHistoryBefore evicts entries that fell out of the lookback window.
func (r *HistoryRepository) DeleteHistoryBefore(ctx context.Context, cutoff time.Time) (int, error) {
	result, err := r.pool.Exec(ctx, `DELETE FROM scan_history WHERE captured_at < ?`, formatTime(cutoff))
	if err != nil {
		return 0, mapError(err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}

	return int(affected), nil
}

func historyRowTx(tx *sql.Tx, qrCodeID, eventID string) (persistence.HistoryEntry, error) {
	row := tx.QueryRow(`SELECT `+historyColumns+` FROM scan_history WHERE qr_code_id = ? AND event_id = ?`, qrCodeID, eventID)
	return historyFromScanner(row.Scan)
}

func historyFromScanner(scan func(dest ...any) error) (persistence.HistoryEntry, error) {
	var (
		entry      persistence.HistoryEntry
		action     string
		source     string
		capturedAt string
		updatedAt  string
	)

	if err := scan(&entry.QRCodeID, &entry.EventID, &entry.RecordID, &action, &capturedAt, &source, &updatedAt); err != nil {
		return persistence.HistoryEntry{}, err
	}

	entry.Action = persistence.ActionType(action)
	entry.Source = persistence.HistorySource(source)

	var err error
	if entry.CapturedAt, err = parseTime(capturedAt); err != nil {
		return persistence.HistoryEntry{}, err
	}
	if entry.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return persistence.HistoryEntry{}, err
	}

	return entry, nil
}

func normalizeHistory(entry persistence.HistoryEntry) (persistence.HistoryEntry, error) {
	entry.QRCodeID = strings.TrimSpace(entry.QRCodeID)
	entry.EventID = strings.TrimSpace(entry.EventID)
	entry.RecordID = strings.TrimSpace(entry.RecordID)

	if entry.QRCodeID == "" || entry.EventID == "" || entry.RecordID == "" {
		return persistence.HistoryEntry{}, persistence.ErrConstraintViolation
	}
	if !entry.Action.Valid() {
		return persistence.HistoryEntry{}, persistence.ErrConstraintViolation
	}
	if entry.Source != persistence.SourceOptimistic && entry.Source != persistence.SourceConfirmed {
		return persistence.HistoryEntry{}, persistence.ErrConstraintViolation
	}

	entry.CapturedAt = entry.CapturedAt.UTC()
	return entry, nil
}
