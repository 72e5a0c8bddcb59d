package http

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/example/checkin-scanner/internal/persistence"
	"github.com/example/checkin-scanner/internal/scanner"
)

type sessionStatus interface {
	Snapshot() (scanner.State, string, scanner.Outcome)
}

type queueInspector interface {
	Depth(ctx context.Context) (int, error)
	FailedRecords(ctx context.Context) ([]persistence.ScanRecord, error)
	AcknowledgeFailed(ctx context.Context, id string) error
}

// StatusHandler serves the local status and control surface: session state,
// queue depth, connectivity, manual sync triggering, and the failed-record
// audit list.
type StatusHandler struct {
	session   sessionStatus
	queue     queueInspector
	online    func() bool
	syncNow   func(ctx context.Context)
	responder responder
}

func NewStatusHandler(session sessionStatus, queue queueInspector, online func() bool, syncNow func(ctx context.Context), logger *slog.Logger) *StatusHandler {
	return &StatusHandler{
		session:   session,
		queue:     queue,
		online:    online,
		syncNow:   syncNow,
		responder: newResponder(logger),
	}
}

type statusResponse struct {
	State       string        `json:"state"`
	EventID     string        `json:"event_id,omitempty"`
	Online      bool          `json:"online"`
	QueueDepth  int           `json:"queue_depth"`
	LastOutcome *scanResponse `json:"last_outcome,omitempty"`
}

// Status handles GET /status.
func (h *StatusHandler) Status(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.session == nil || h.queue == nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	depth, err := h.queue.Depth(r.Context())
	if err != nil {
		h.responder.handleServiceError(r.Context(), w, err)
		return
	}

	state, eventID, last := h.session.Snapshot()
	resp := statusResponse{
		State:      string(state),
		EventID:    eventID,
		QueueDepth: depth,
	}
	if h.online != nil {
		resp.Online = h.online()
	}
	if last.Resolution != "" {
		resp.LastOutcome = &scanResponse{
			Resolution: string(last.Resolution),
			Message:    last.Message,
			Record:     toRecordDTO(last.Record),
		}
	}

	h.responder.writeJSON(r.Context(), w, http.StatusOK, resp)
}

// TriggerSync handles POST /sync: kicks off a sync cycle without waiting for
// it to finish.
func (h *StatusHandler) TriggerSync(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.syncNow == nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.syncNow(r.Context())
	h.responder.writeJSON(r.Context(), w, http.StatusAccepted, map[string]string{"status": "sync started"})
}

// FailedRecords handles GET /records/failed.
func (h *StatusHandler) FailedRecords(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.queue == nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	records, err := h.queue.FailedRecords(r.Context())
	if err != nil {
		h.responder.handleServiceError(r.Context(), w, err)
		return
	}

	dtos := make([]*recordDTO, 0, len(records))
	for _, record := range records {
		dtos = append(dtos, toRecordDTO(record))
	}
	h.responder.writeJSON(r.Context(), w, http.StatusOK, map[string]any{"records": dtos})
}

// AcknowledgeFailed handles DELETE /records/failed/{id}.
func (h *StatusHandler) AcknowledgeFailed(w http.ResponseWriter, r *http.Request, id string) {
	if h == nil || h.queue == nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	if id == "" {
		h.responder.writeError(r.Context(), w, http.StatusBadRequest, errInvalidRecordID)
		return
	}

	if err := h.queue.AcknowledgeFailed(r.Context(), id); err != nil {
		h.responder.handleServiceError(r.Context(), w, err)
		return
	}
	h.responder.writeJSON(r.Context(), w, http.StatusNoContent, nil)
}
