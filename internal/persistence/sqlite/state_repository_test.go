package sqlite

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/example/checkin-scanner/internal/persistence"
)

func TestEventRepository_ReplaceAndList(t *testing.T) {
	t.Parallel()

	pool := newTestPool(t)
	repo := NewEventRepository(pool)
	ctx := context.Background()
	start := time.Date(2025, 6, 2, 8, 0, 0, 0, time.UTC)

	first := []persistence.Event{
		{ID: "event-1", Name: "Morning Session", Location: "Hall A", Active: true, StartsAt: start, EndsAt: start.Add(4 * time.Hour)},
		{ID: "event-2", Name: "Evening Session", Location: "Hall B", Active: false, StartsAt: start.Add(8 * time.Hour), EndsAt: start.Add(12 * time.Hour)},
	}
	if err := repo.ReplaceEvents(ctx, first); err != nil {
		t.Fatalf("replace: %v", err)
	}

	events, err := repo.ListEvents(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(events) != 2 || events[0].ID != "event-1" {
		t.Fatalf("unexpected catalog: %+v", events)
	}

	// A later snapshot fully replaces the previous one.
	second := []persistence.Event{
		{ID: "event-3", Name: "Weekend Session", Location: "Hall A", Active: true, StartsAt: start.Add(48 * time.Hour), EndsAt: start.Add(52 * time.Hour)},
	}
	if err := repo.ReplaceEvents(ctx, second); err != nil {
		t.Fatalf("replace again: %v", err)
	}

	if _, err := repo.GetEvent(ctx, "event-1"); !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("expected event-1 removed, got %v", err)
	}
	event, err := repo.GetEvent(ctx, "event-3")
	if err != nil {
		t.Fatalf("get event-3: %v", err)
	}
	if !event.Active || event.Name != "Weekend Session" {
		t.Fatalf("unexpected event: %+v", event)
	}
}

func TestStateRepository_SaveAndReloadSelection(t *testing.T) {
	t.Parallel()

	repo := NewStateRepository(newTestPool(t))
	ctx := context.Background()

	if _, err := repo.GetDeviceState(ctx, "device-1"); !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("expected ErrNotFound before save, got %v", err)
	}

	selected := "event-1"
	if err := repo.SaveDeviceState(ctx, persistence.DeviceState{DeviceID: "device-1", SelectedEventID: &selected}); err != nil {
		t.Fatalf("save: %v", err)
	}

	state, err := repo.GetDeviceState(ctx, "device-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if state.SelectedEventID == nil || *state.SelectedEventID != "event-1" {
		t.Fatalf("expected selection event-1, got %+v", state)
	}

	// Clearing the selection stores NULL.
	if err := repo.SaveDeviceState(ctx, persistence.DeviceState{DeviceID: "device-1"}); err != nil {
		t.Fatalf("clear: %v", err)
	}
	state, err = repo.GetDeviceState(ctx, "device-1")
	if err != nil {
		t.Fatalf("get after clear: %v", err)
	}
	if state.SelectedEventID != nil {
		t.Fatalf("expected cleared selection, got %q", *state.SelectedEventID)
	}
}
