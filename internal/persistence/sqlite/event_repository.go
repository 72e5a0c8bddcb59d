package sqlite

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/example/checkin-scanner/internal/persistence"
)

// EventRepository caches the remote event catalog in SQLite so the operator
// can keep a selected event across restarts while offline.
type EventRepository struct {
	pool *ConnectionPool
}

// NewEventRepository creates a new SQLite event repository.
func NewEventRepository(pool *ConnectionPool) *EventRepository {
	return &EventRepository{pool: pool}
}

// ReplaceEvents swaps the cached catalog for the provided snapshot.
func (r *EventRepository) ReplaceEvents(ctx context.Context, events []persistence.Event) error {
	now := time.Now().UTC()

	return r.pool.WithTransaction(ctx, func(tx *sql.Tx) error {
		if _, err := tx.Exec(`DELETE FROM events`); err != nil {
			return mapError(err)
		}

		for _, event := range events {
			id := strings.TrimSpace(event.ID)
			if id == "" {
				return persistence.ErrConstraintViolation
			}

			_, err := tx.Exec(`
				INSERT INTO events (id, name, location, active, starts_at, ends_at, updated_at)
				VALUES (?, ?, ?, ?, ?, ?, ?)
			`,
				id,
				strings.TrimSpace(event.Name),
				strings.TrimSpace(event.Location),
				boolToInt(event.Active),
				formatTime(event.StartsAt),
				formatTime(event.EndsAt),
				formatTime(now),
			)
			if err != nil {
				return mapError(err)
			}
		}
		return nil
	})
}

// GetEvent retrieves a cached event by ID.
func (r *EventRepository) GetEvent(ctx context.Context, id string) (persistence.Event, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, name, location, active, starts_at, ends_at, updated_at
		FROM events WHERE id = ?
	`, strings.TrimSpace(id))

	event, err := eventFromScanner(row.Scan)
	if err != nil {
		if err == sql.ErrNoRows {
			return persistence.Event{}, persistence.ErrNotFound
		}
		return persistence.Event{}, err
	}
	return event, nil
}

// ListEvents returns the cached catalog ordered by start time.
func (r *EventRepository) ListEvents(ctx context.Context) ([]persistence.Event, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, name, location, active, starts_at, ends_at, updated_at
		FROM events ORDER BY starts_at ASC, id ASC
	`)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	events := make([]persistence.Event, 0)
	for rows.Next() {
		event, err := eventFromScanner(rows.Scan)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError(err)
	}

	return events, nil
}

func eventFromScanner(scan func(dest ...any) error) (persistence.Event, error) {
	var (
		event     persistence.Event
		active    int
		startsAt  string
		endsAt    string
		updatedAt string
	)

	if err := scan(&event.ID, &event.Name, &event.Location, &active, &startsAt, &endsAt, &updatedAt); err != nil {
		return persistence.Event{}, err
	}

	event.Active = active != 0

	var err error
	if event.StartsAt, err = parseTime(startsAt); err != nil {
		return persistence.Event{}, err
	}
	if event.EndsAt, err = parseTime(endsAt); err != nil {
		return persistence.Event{}, err
	}
	if event.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return persistence.Event{}, err
	}

	return event, nil
}

func boolToInt(value bool) int {
	if value {
		return 1
	}
	return 0
}
