package http

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/example/checkin-scanner/internal/persistence"
	"github.com/example/checkin-scanner/internal/scanner"
)

type scanSession interface {
	HandleScan(ctx context.Context, qrCodeID string) (scanner.Outcome, error)
	SelectEvent(ctx context.Context, eventID string) error
	ClearEvent(ctx context.Context) error
	Dismiss()
}

// ScanHandler exposes the scan session to local operator tooling: submitting
// decoded codes, selecting the active event, and listing the event catalog.
type ScanHandler struct {
	session   scanSession
	events    persistence.EventRepository
	responder responder
}

func NewScanHandler(session scanSession, events persistence.EventRepository, logger *slog.Logger) *ScanHandler {
	return &ScanHandler{session: session, events: events, responder: newResponder(logger)}
}

type scanRequest struct {
	QRCodeID string `json:"qr_code_id"`
}

type scanResponse struct {
	Resolution string     `json:"resolution"`
	Message    string     `json:"message,omitempty"`
	Record     *recordDTO `json:"record,omitempty"`
}

type recordDTO struct {
	ID         string    `json:"id"`
	QRCodeID   string    `json:"qr_code_id"`
	EventID    string    `json:"event_id"`
	Action     string    `json:"action"`
	CapturedAt time.Time `json:"captured_at"`
	Status     string    `json:"status"`
	RetryCount int       `json:"retry_count"`
	LastError  string    `json:"last_error,omitempty"`
}

func toRecordDTO(record persistence.ScanRecord) *recordDTO {
	if record.ID == "" {
		return nil
	}
	dto := &recordDTO{
		ID:         record.ID,
		QRCodeID:   record.QRCodeID,
		EventID:    record.EventID,
		Action:     string(record.Action),
		CapturedAt: record.CapturedAt,
		Status:     string(record.Status),
		RetryCount: record.RetryCount,
	}
	if record.LastError != nil {
		dto.LastError = *record.LastError
	}
	return dto
}

// Scan handles POST /scans: one decoded QR payload per request.
func (h *ScanHandler) Scan(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.session == nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	var req scanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.responder.writeError(r.Context(), w, http.StatusBadRequest, errBadRequestBody)
		return
	}

	outcome, err := h.session.HandleScan(r.Context(), req.QRCodeID)
	if err != nil {
		h.responder.handleServiceError(r.Context(), w, err)
		return
	}

	h.responder.writeJSON(r.Context(), w, http.StatusOK, scanResponse{
		Resolution: string(outcome.Resolution),
		Message:    outcome.Message,
		Record:     toRecordDTO(outcome.Record),
	})
}

type selectEventRequest struct {
	EventID string `json:"event_id"`
}

// SelectEvent handles PUT /event.
func (h *ScanHandler) SelectEvent(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.session == nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	var req selectEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.responder.writeError(r.Context(), w, http.StatusBadRequest, errBadRequestBody)
		return
	}

	if err := h.session.SelectEvent(r.Context(), req.EventID); err != nil {
		h.responder.handleServiceError(r.Context(), w, err)
		return
	}
	h.responder.writeJSON(r.Context(), w, http.StatusNoContent, nil)
}

// ClearEvent handles DELETE /event.
func (h *ScanHandler) ClearEvent(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.session == nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	if err := h.session.ClearEvent(r.Context()); err != nil {
		h.responder.handleServiceError(r.Context(), w, err)
		return
	}
	h.responder.writeJSON(r.Context(), w, http.StatusNoContent, nil)
}

// Dismiss handles POST /dismiss: clears the displayed outcome.
func (h *ScanHandler) Dismiss(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.session == nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	h.session.Dismiss()
	h.responder.writeJSON(r.Context(), w, http.StatusNoContent, nil)
}

type eventDTO struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	Location string    `json:"location,omitempty"`
	Active   bool      `json:"active"`
	StartsAt time.Time `json:"starts_at"`
	EndsAt   time.Time `json:"ends_at"`
}

// ListEvents handles GET /events: the locally cached catalog.
func (h *ScanHandler) ListEvents(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.events == nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	events, err := h.events.ListEvents(r.Context())
	if err != nil {
		h.responder.handleServiceError(r.Context(), w, err)
		return
	}

	dtos := make([]eventDTO, 0, len(events))
	for _, event := range events {
		dtos = append(dtos, eventDTO{
			ID:       event.ID,
			Name:     event.Name,
			Location: event.Location,
			Active:   event.Active,
			StartsAt: event.StartsAt,
			EndsAt:   event.EndsAt,
		})
	}
	h.responder.writeJSON(r.Context(), w, http.StatusOK, map[string]any{"events": dtos})
}
