package sqlite

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/example/checkin-scanner/internal/persistence"
)

// StateRepository persists per-device operator state.
type StateRepository struct {
	pool *ConnectionPool
}

// NewStateRepository creates a new SQLite state repository.
func NewStateRepository(pool *ConnectionPool) *StateRepository {
	return &StateRepository{pool: pool}
}

// GetDeviceState retrieves the stored state for a device.
func (r *StateRepository) GetDeviceState(ctx context.Context, deviceID string) (persistence.DeviceState, error) {
	normalized := strings.TrimSpace(deviceID)
	if normalized == "" {
		return persistence.DeviceState{}, persistence.ErrNotFound
	}

	var (
		state           persistence.DeviceState
		selectedEventID sql.NullString
		updatedAt       string
	)

	err := r.pool.QueryRow(ctx, `
		SELECT device_id, selected_event_id, updated_at FROM device_state WHERE device_id = ?
	`, normalized).Scan(&state.DeviceID, &selectedEventID, &updatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return persistence.DeviceState{}, persistence.ErrNotFound
		}
		return persistence.DeviceState{}, mapError(err)
	}

	if selectedEventID.Valid {
		value := selectedEventID.String
		state.SelectedEventID = &value
	}
	if state.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return persistence.DeviceState{}, err
	}

	return state, nil
}

// SaveDeviceState upserts the stored state for a device.
func (r *StateRepository) SaveDeviceState(ctx context.Context, state persistence.DeviceState) error {
	deviceID := strings.TrimSpace(state.DeviceID)
	if deviceID == "" {
		return persistence.ErrConstraintViolation
	}

	var selected sql.NullString
	if state.SelectedEventID != nil && strings.TrimSpace(*state.SelectedEventID) != "" {
		selected = sql.NullString{String: strings.TrimSpace(*state.SelectedEventID), Valid: true}
	}

	_, err := r.pool.Exec(ctx, `
		INSERT INTO device_state (device_id, selected_event_id, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT (device_id) DO UPDATE SET
			selected_event_id = excluded.selected_event_id,
			updated_at = excluded.updated_at
	`, deviceID, selected, formatTime(time.Now().UTC()))
	if err != nil {
		return mapError(err)
	}

	return nil
}
