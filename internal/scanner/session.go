// Package scanner implements the device-side scan session: event selection,
// code capture, action inference, durable queueing, and the immediate
// submission attempt when the device is online.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/example/checkin-scanner/internal/api"
	"github.com/example/checkin-scanner/internal/inference"
	"github.com/example/checkin-scanner/internal/logging"
	"github.com/example/checkin-scanner/internal/metrics"
	"github.com/example/checkin-scanner/internal/persistence"
	"github.com/example/checkin-scanner/internal/queue"
)

// State identifies where the session is in its scan cycle.
type State string

const (
	// StateAwaitingEvent means no event is selected; scans are rejected.
	StateAwaitingEvent State = "awaiting_event"
	// StateAwaitingScan means the session is idle, ready for a code.
	StateAwaitingScan State = "awaiting_scan"
	// StateCodeCaptured means a code arrived and is being checked against the
	// debounce window.
	StateCodeCaptured State = "code_captured"
	// StateTypeDetermined means the action has been inferred and the record is
	// being stored.
	StateTypeDetermined State = "type_determined"
	// StateSubmitting means an online submission is in flight.
	StateSubmitting State = "submitting"
	// StateResolved means the last scan's outcome is on display.
	StateResolved State = "resolved"
)

// Resolution says how a handled scan ended from the operator's point of view.
type Resolution string

const (
	// ResolutionSuccess means the server confirmed the record.
	ResolutionSuccess Resolution = "success"
	// ResolutionQueued means the record is stored durably awaiting sync.
	ResolutionQueued Resolution = "queued"
	// ResolutionDuplicate means the scan was coalesced into the previous one.
	ResolutionDuplicate Resolution = "duplicate"
	// ResolutionRejected means the server refused the record.
	ResolutionRejected Resolution = "rejected"
)

// Outcome is what the operator sees after a scan.
type Outcome struct {
	Resolution Resolution
	Record     persistence.ScanRecord
	Message    string
}

// ValidationError reports field-level problems with an operator request.
type ValidationError struct {
	FieldErrors map[string]string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	fields := make([]string, 0, len(e.FieldErrors))
	for field := range e.FieldErrors {
		fields = append(fields, field)
	}
	return fmt.Sprintf("validation failed: %s", strings.Join(fields, ", "))
}

// Config carries the session's collaborators and tuning.
type Config struct {
	Engine  *inference.Engine
	Cache   *inference.HistoryCache
	Queue   *queue.Queue
	Client  api.Client
	Online  func() bool
	States  persistence.StateRepository
	Events  persistence.EventRepository
	NewID   func() string
	Now     func() time.Time
	OnScan  func(ctx context.Context)
	Display time.Duration
	Submit  time.Duration

	DeviceID string
}

// Session is the per-device scan state machine. One scanner drives one
// session; its methods are safe for the HTTP control surface to call
// concurrently with the scan loop.
//
// scanMu serializes entire scan cycles, so the debounce check and the write
// it guards against are never interleaved between two captures of the same
// code. mu only guards the state fields and is never held across I/O.
type Session struct {
	scanMu sync.Mutex
	mu     sync.Mutex

	engine   *inference.Engine
	cache    *inference.HistoryCache
	queue    *queue.Queue
	client   api.Client
	online   func() bool
	states   persistence.StateRepository
	events   persistence.EventRepository
	newID    func() string
	now      func() time.Time
	onScan   func(ctx context.Context)
	display  time.Duration
	submit   time.Duration
	deviceID string

	state      State
	eventID    string
	resolvedAt time.Time
	last       Outcome
}

// NewSession wires a session. Display bounds how long a resolved outcome
// stays on screen before the next scan is accepted as a fresh cycle.
func NewSession(cfg Config) *Session {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Online == nil {
		cfg.Online = func() bool { return false }
	}
	if cfg.Display <= 0 {
		cfg.Display = 2500 * time.Millisecond
	}
	if cfg.Submit <= 0 {
		cfg.Submit = 10 * time.Second
	}
	return &Session{
		engine:   cfg.Engine,
		cache:    cfg.Cache,
		queue:    cfg.Queue,
		client:   cfg.Client,
		online:   cfg.Online,
		states:   cfg.States,
		events:   cfg.Events,
		newID:    cfg.NewID,
		now:      cfg.Now,
		onScan:   cfg.OnScan,
		display:  cfg.Display,
		submit:   cfg.Submit,
		deviceID: cfg.DeviceID,
		state:    StateAwaitingEvent,
	}
}

// Restore loads the persisted event selection so a restart resumes where the
// operator left off.
func (s *Session) Restore(ctx context.Context) error {
	state, err := s.states.GetDeviceState(ctx, s.deviceID)
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("failed to restore device state: %w", err)
	}
	if state.SelectedEventID == nil {
		return nil
	}

	if _, err := s.events.GetEvent(ctx, *state.SelectedEventID); err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			logging.FromContext(ctx).Warn("persisted event no longer exists",
				"event_id", *state.SelectedEventID)
			return nil
		}
		return fmt.Errorf("failed to restore device state: %w", err)
	}

	s.mu.Lock()
	s.eventID = *state.SelectedEventID
	s.state = StateAwaitingScan
	s.mu.Unlock()
	return nil
}

// SelectEvent targets subsequent scans at the given event and persists the
// choice.
func (s *Session) SelectEvent(ctx context.Context, eventID string) error {
	if eventID == "" {
		return &ValidationError{FieldErrors: map[string]string{
			"event_id": "event ID is required",
		}}
	}

	event, err := s.events.GetEvent(ctx, eventID)
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			return &ValidationError{FieldErrors: map[string]string{
				"event_id": "unknown event",
			}}
		}
		return fmt.Errorf("failed to look up event: %w", err)
	}
	if !event.Active {
		return &ValidationError{FieldErrors: map[string]string{
			"event_id": "event is not active",
		}}
	}

	now := s.now()
	state := persistence.DeviceState{
		DeviceID:        s.deviceID,
		SelectedEventID: &eventID,
		UpdatedAt:       now,
	}
	if err := s.states.SaveDeviceState(ctx, state); err != nil {
		return fmt.Errorf("failed to persist event selection: %w", err)
	}

	s.mu.Lock()
	s.eventID = eventID
	s.state = StateAwaitingScan
	s.last = Outcome{}
	s.mu.Unlock()

	logging.FromContext(ctx).Info("event selected", "event_id", eventID, "event_name", event.Name)
	return nil
}

// ClearEvent deselects the current event and persists the cleared state.
func (s *Session) ClearEvent(ctx context.Context) error {
	state := persistence.DeviceState{DeviceID: s.deviceID, UpdatedAt: s.now()}
	if err := s.states.SaveDeviceState(ctx, state); err != nil {
		return fmt.Errorf("failed to persist event selection: %w", err)
	}

	s.mu.Lock()
	s.eventID = ""
	s.state = StateAwaitingEvent
	s.last = Outcome{}
	s.mu.Unlock()
	return nil
}

// Snapshot reports the session's current state for the status endpoint.
func (s *Session) Snapshot() (State, string, Outcome) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appliedState(s.now()), s.eventID, s.last
}

// appliedState folds display expiry into the stored state. Callers hold mu.
func (s *Session) appliedState(now time.Time) State {
	if s.state == StateResolved && now.Sub(s.resolvedAt) >= s.display {
		return StateAwaitingScan
	}
	return s.state
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// Dismiss clears the displayed outcome immediately instead of waiting for the
// display interval to elapse.
func (s *Session) Dismiss() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateResolved {
		s.state = StateAwaitingScan
	}
}

// HandleScan runs one full scan cycle for a decoded QR payload: debounce,
// action inference, durable enqueue, and an immediate submission attempt when
// the device is online. The returned outcome is what the operator display
// shows.
//
// A scan arriving while the previous outcome is still on display is treated
// as a fresh cycle once the display interval has elapsed; inside the interval
// it is handled normally, since the debounce window alone decides whether
// two captures are the same physical presentation.
func (s *Session) HandleScan(ctx context.Context, qrCodeID string) (Outcome, error) {
	// One scan cycle at a time: the stdin loop and the HTTP surface both feed
	// the session, and two in-flight cycles for the same code would each pass
	// the duplicate check before either records its scan.
	s.scanMu.Lock()
	defer s.scanMu.Unlock()

	logger := logging.FromContext(ctx)
	now := s.now()

	s.mu.Lock()
	state := s.appliedState(now)
	eventID := s.eventID
	s.mu.Unlock()

	if state == StateAwaitingEvent {
		return Outcome{}, &ValidationError{FieldErrors: map[string]string{
			"event_id": "no event selected",
		}}
	}
	if qrCodeID == "" {
		return Outcome{}, &ValidationError{FieldErrors: map[string]string{
			"qr_code_id": "QR code payload is empty",
		}}
	}

	s.setState(StateCodeCaptured)

	duplicate, err := s.engine.IsDuplicate(ctx, qrCodeID, eventID, now)
	if err != nil {
		s.setState(state)
		return Outcome{}, fmt.Errorf("failed to check for duplicate scan: %w", err)
	}
	if duplicate {
		// Same physical presentation read twice: ignore it and return to the
		// state the session was in before the decode.
		s.setState(state)
		logger.Debug("scan coalesced into previous capture", "qr_code_id", qrCodeID)
		metrics.ScansProcessed.WithLabelValues("", string(ResolutionDuplicate)).Inc()
		outcome := Outcome{Resolution: ResolutionDuplicate, Message: "already scanned"}
		return outcome, nil
	}

	action, err := s.engine.Infer(ctx, qrCodeID, eventID, now)
	if err != nil {
		s.setState(state)
		return Outcome{}, fmt.Errorf("failed to infer action: %w", err)
	}
	s.setState(StateTypeDetermined)

	record := persistence.ScanRecord{
		ID:         s.newID(),
		QRCodeID:   qrCodeID,
		EventID:    eventID,
		Action:     action,
		CapturedAt: now,
		Status:     persistence.StatusPending,
	}

	// The record is durable before any network attempt, so a crash between
	// capture and submission never loses a scan.
	stored, err := s.queue.Enqueue(ctx, record)
	if err != nil {
		s.setState(StateAwaitingScan)
		if errors.Is(err, queue.ErrQueueFull) {
			return Outcome{}, err
		}
		return Outcome{}, fmt.Errorf("failed to store scan: %w", err)
	}

	optimistic := persistence.HistoryEntry{
		QRCodeID:   qrCodeID,
		EventID:    eventID,
		RecordID:   stored.ID,
		Action:     action,
		CapturedAt: now,
		Source:     persistence.SourceOptimistic,
		UpdatedAt:  now,
	}
	if _, err := s.cache.Record(ctx, optimistic); err != nil {
		s.setState(StateAwaitingScan)
		return Outcome{}, fmt.Errorf("failed to record scan history: %w", err)
	}

	outcome := s.deliver(ctx, logger, stored)
	metrics.ScansProcessed.WithLabelValues(string(action), string(outcome.Resolution)).Inc()

	s.mu.Lock()
	s.state = StateResolved
	s.resolvedAt = s.now()
	s.last = outcome
	s.mu.Unlock()

	if outcome.Resolution == ResolutionQueued && s.onScan != nil {
		s.onScan(ctx)
	}
	return outcome, nil
}

// deliver attempts immediate submission when online; otherwise the record
// stays queued for the sync coordinator.
func (s *Session) deliver(ctx context.Context, logger *slog.Logger, record persistence.ScanRecord) Outcome {
	if !s.online() {
		logger.Info("scan queued while offline",
			"record_id", record.ID, "action", record.Action)
		return Outcome{Resolution: ResolutionQueued, Record: record, Message: "stored for sync"}
	}

	s.setState(StateSubmitting)

	submitCtx, cancel := context.WithTimeout(ctx, s.submit)
	defer cancel()

	var confirmed persistence.ScanRecord
	var err error
	switch record.Action {
	case persistence.ActionCheckOut:
		confirmed, err = s.client.SubmitCheckout(submitCtx, record)
	default:
		confirmed, err = s.client.SubmitCheckin(submitCtx, record)
	}

	if err == nil {
		if markErr := s.queue.MarkResult(ctx, record.ID, queue.Synced()); markErr != nil {
			logger.Warn("failed to mark record synced", "record_id", record.ID, "error", markErr)
		}
		entry := persistence.HistoryEntry{
			QRCodeID:   confirmed.QRCodeID,
			EventID:    confirmed.EventID,
			RecordID:   confirmed.ID,
			Action:     confirmed.Action,
			CapturedAt: confirmed.CapturedAt,
			Source:     persistence.SourceConfirmed,
			UpdatedAt:  s.now(),
		}
		if _, recErr := s.cache.Record(ctx, entry); recErr != nil {
			logger.Warn("failed to confirm history entry", "record_id", record.ID, "error", recErr)
		}
		return Outcome{Resolution: ResolutionSuccess, Record: confirmed, Message: "confirmed"}
	}

	if api.IsRejection(err) {
		code, message := api.RejectionReason(err)
		reason := message
		if code != "" {
			reason = fmt.Sprintf("%s: %s", code, message)
		}
		if markErr := s.queue.MarkResult(ctx, record.ID, queue.Failed(0, reason)); markErr != nil {
			logger.Warn("failed to mark record rejected", "record_id", record.ID, "error", markErr)
		}
		// The optimistic history entry must not feed inference once the server
		// has refused the record.
		if invErr := s.cache.Invalidate(ctx, record.QRCodeID, record.EventID, record.ID); invErr != nil {
			logger.Warn("failed to withdraw history entry", "record_id", record.ID, "error", invErr)
		}
		logger.Warn("scan rejected by server", "record_id", record.ID, "code", code)
		return Outcome{Resolution: ResolutionRejected, Record: record, Message: reason}
	}

	// Transient failure mid-flight: the record stays queued and the sync
	// coordinator retries it with the same idempotency key.
	logger.Info("submission failed, record stays queued",
		"record_id", record.ID, "error", err)
	if markErr := s.queue.MarkResult(ctx, record.ID, queue.Retry(record.RetryCount, err.Error())); markErr != nil {
		logger.Warn("failed to requeue record", "record_id", record.ID, "error", markErr)
	}
	return Outcome{Resolution: ResolutionQueued, Record: record, Message: "stored for sync"}
}
