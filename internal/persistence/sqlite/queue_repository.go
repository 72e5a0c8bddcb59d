package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/example/checkin-scanner/internal/persistence"
)

const scanRecordColumns = `seq, id, qr_code_id, event_id, action, captured_at, status, retry_count, last_error, created_at, updated_at`

// QueueRepository implements persistence.QueueRepository using SQLite.
//
// The AUTOINCREMENT seq column is the FIFO sort key: it survives restarts and
// never reuses values, so capture order is preserved even when wall-clock
// timestamps are imprecise.
type QueueRepository struct {
	pool *ConnectionPool
}

// NewQueueRepository creates a new SQLite queue repository.
func NewQueueRepository(pool *ConnectionPool) *QueueRepository {
	return &QueueRepository{pool: pool}
}

// AppendRecord stores a new scan record and returns it with the assigned seq.
func (r *QueueRepository) AppendRecord(ctx context.Context, record persistence.ScanRecord) (persistence.ScanRecord, error) {
	normalized, err := normalizeRecord(record)
	if err != nil {
		return persistence.ScanRecord{}, err
	}

	now := time.Now().UTC()
	normalized.CreatedAt = now
	normalized.UpdatedAt = now

	query := `
		INSERT INTO scan_records (id, qr_code_id, event_id, action, captured_at, status, retry_count, last_error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	result, err := r.pool.Exec(ctx, query,
		normalized.ID,
		normalized.QRCodeID,
		normalized.EventID,
		string(normalized.Action),
		formatTime(normalized.CapturedAt),
		string(normalized.Status),
		normalized.RetryCount,
		nullableString(normalized.LastError),
		formatTime(normalized.CreatedAt),
		formatTime(normalized.UpdatedAt),
	)
	if err != nil {
		return persistence.ScanRecord{}, mapError(err)
	}

	seq, err := result.LastInsertId()
	if err != nil {
		return persistence.ScanRecord{}, fmt.Errorf("failed to read assigned seq: %w", err)
	}
	normalized.Seq = seq

	return normalized, nil
}

// GetRecord retrieves a scan record by its stable ID.
func (r *QueueRepository) GetRecord(ctx context.Context, id string) (persistence.ScanRecord, error) {
	query := fmt.Sprintf(`SELECT %s FROM scan_records WHERE id = ?`, scanRecordColumns)
	return r.scanRecordRow(r.pool.QueryRow(ctx, query, strings.TrimSpace(id)))
}

// HeadRecord returns the oldest record still waiting for delivery.
func (r *QueueRepository) HeadRecord(ctx context.Context) (persistence.ScanRecord, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM scan_records
		WHERE status IN ('pending', 'submitting')
		ORDER BY seq ASC
		LIMIT 1
	`, scanRecordColumns)
	return r.scanRecordRow(r.pool.QueryRow(ctx, query))
}

// PendingRecords returns every undelivered record in FIFO order.
func (r *QueueRepository) PendingRecords(ctx context.Context) ([]persistence.ScanRecord, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM scan_records
		WHERE status IN ('pending', 'submitting')
		ORDER BY seq ASC
	`, scanRecordColumns)
	return r.queryRecords(ctx, query)
}

// PendingDepth counts the records still waiting for delivery.
func (r *QueueRepository) PendingDepth(ctx context.Context) (int, error) {
	var depth int
	err := r.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM scan_records WHERE status IN ('pending', 'submitting')
	`).Scan(&depth)
	if err != nil {
		return 0, mapError(err)
	}
	return depth, nil
}

// UpdateRecordStatus transitions a record's sync status.
func (r *QueueRepository) UpdateRecordStatus(ctx context.Context, id string, status persistence.SyncStatus, retryCount int, lastError *string) error {
	result, err := r.pool.Exec(ctx, `
		UPDATE scan_records
		SET status = ?, retry_count = ?, last_error = ?, updated_at = ?
		WHERE id = ?
	`,
		string(status),
		retryCount,
		nullableString(lastError),
		formatTime(time.Now().UTC()),
		strings.TrimSpace(id),
	)
	if err != nil {
		return mapError(err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return persistence.ErrNotFound
	}

	return nil
}

// FailedRecords returns permanently failed records retained for operator audit.
func (r *QueueRepository) FailedRecords(ctx context.Context) ([]persistence.ScanRecord, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM scan_records
		WHERE status = 'failed'
		ORDER BY seq ASC
	`, scanRecordColumns)
	return r.queryRecords(ctx, query)
}

// DeleteRecord removes a record, typically to acknowledge a permanent failure.
func (r *QueueRepository) DeleteRecord(ctx context.Context, id string) error {
	result, err := r.pool.Exec(ctx, `DELETE FROM scan_records WHERE id = ?`, strings.TrimSpace(id))
	if err != nil {
		return mapError(err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return persistence.ErrNotFound
	}

	return nil
}

// DeleteSyncedBefore evicts confirmed records older than the retention cutoff.
func (r *QueueRepository) DeleteSyncedBefore(ctx context.Context, cutoff time.Time) (int, error) {
	result, err := r.pool.Exec(ctx, `
		DELETE FROM scan_records WHERE status = 'synced' AND captured_at < ?
	`, formatTime(cutoff))
	if err != nil {
		return 0, mapError(err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return int(affected), nil
}

func (r *QueueRepository) queryRecords(ctx context.Context, query string, args ...any) ([]persistence.ScanRecord, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	records := make([]persistence.ScanRecord, 0)
	for rows.Next() {
		record, err := scanRecordFromScanner(rows.Scan)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError(err)
	}

	return records, nil
}

func (r *QueueRepository) scanRecordRow(row *sql.Row) (persistence.ScanRecord, error) {
	record, err := scanRecordFromScanner(row.Scan)
	if err != nil {
		if err == sql.ErrNoRows {
			return persistence.ScanRecord{}, persistence.ErrNotFound
		}
		return persistence.ScanRecord{}, err
	}
	return record, nil
}

func scanRecordFromScanner(scan func(dest ...any) error) (persistence.ScanRecord, error) {
	var (
		record     persistence.ScanRecord
		action     string
		status     string
		capturedAt string
		createdAt  string
		updatedAt  string
		lastError  sql.NullString
	)

	if err := scan(
		&record.Seq,
		&record.ID,
		&record.QRCodeID,
		&record.EventID,
		&action,
		&capturedAt,
		&status,
		&record.RetryCount,
		&lastError,
		&createdAt,
		&updatedAt,
	); err != nil {
		if err == sql.ErrNoRows {
			return persistence.ScanRecord{}, err
		}
		return persistence.ScanRecord{}, mapError(err)
	}

	record.Action = persistence.ActionType(action)
	record.Status = persistence.SyncStatus(status)
	if lastError.Valid {
		value := lastError.String
		record.LastError = &value
	}

	var err error
	if record.CapturedAt, err = parseTime(capturedAt); err != nil {
		return persistence.ScanRecord{}, err
	}
	if record.CreatedAt, err = parseTime(createdAt); err != nil {
		return persistence.ScanRecord{}, err
	}
	if record.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return persistence.ScanRecord{}, err
	}

	return record, nil
}

func normalizeRecord(record persistence.ScanRecord) (persistence.ScanRecord, error) {
	record.ID = strings.TrimSpace(record.ID)
	record.QRCodeID = strings.TrimSpace(record.QRCodeID)
	record.EventID = strings.TrimSpace(record.EventID)

	if record.ID == "" || record.QRCodeID == "" || record.EventID == "" {
		return persistence.ScanRecord{}, persistence.ErrConstraintViolation
	}
	if !record.Action.Valid() {
		return persistence.ScanRecord{}, persistence.ErrConstraintViolation
	}
	if record.Status == "" {
		record.Status = persistence.StatusPending
	}

	record.CapturedAt = record.CapturedAt.UTC()
	return record, nil
}

func nullableString(value *string) sql.NullString {
	if value == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *value, Valid: true}
}
