package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/example/checkin-scanner/internal/persistence"
)

// HTTPClient implements Client against the remote check-in API.
type HTTPClient struct {
	baseURL  string
	deviceID string
	client   *http.Client
}

// NewHTTPClient builds a client for the given base URL. The timeout bounds
// every call including the synchronous submit on the scan path.
func NewHTTPClient(baseURL, deviceID string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPClient{
		baseURL:  strings.TrimRight(baseURL, "/"),
		deviceID: deviceID,
		client:   &http.Client{Timeout: timeout},
	}
}

type scanRecordPayload struct {
	ID         string    `json:"id"`
	QRCodeID   string    `json:"qr_code_id"`
	EventID    string    `json:"event_id"`
	Action     string    `json:"action"`
	CapturedAt time.Time `json:"captured_at"`
	DeviceID   string    `json:"device_id,omitempty"`
}

type eventPayload struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	Location string    `json:"location"`
	Active   bool      `json:"active"`
	StartsAt time.Time `json:"starts_at"`
	EndsAt   time.Time `json:"ends_at"`
}

type errorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// SubmitCheckin delivers a check-in record to the server.
func (c *HTTPClient) SubmitCheckin(ctx context.Context, record persistence.ScanRecord) (persistence.ScanRecord, error) {
	return c.submit(ctx, "submit checkin", "/checkins", record)
}

// SubmitCheckout delivers a check-out record to the server.
func (c *HTTPClient) SubmitCheckout(ctx context.Context, record persistence.ScanRecord) (persistence.ScanRecord, error) {
	return c.submit(ctx, "submit checkout", "/checkouts", record)
}

func (c *HTTPClient) submit(ctx context.Context, op, path string, record persistence.ScanRecord) (persistence.ScanRecord, error) {
	body, err := json.Marshal(scanRecordPayload{
		ID:         record.ID,
		QRCodeID:   record.QRCodeID,
		EventID:    record.EventID,
		Action:     string(record.Action),
		CapturedAt: record.CapturedAt.UTC(),
		DeviceID:   c.deviceID,
	})
	if err != nil {
		return persistence.ScanRecord{}, &Error{Op: op, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return persistence.ScanRecord{}, &Error{Op: op, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", record.ID)
	req.Header.Set("X-Device-ID", c.deviceID)

	resp, err := c.client.Do(req)
	if err != nil {
		// Transport failures are retryable: the request may or may not have
		// landed, which is exactly what the idempotency key is for.
		return persistence.ScanRecord{}, &Error{Op: op, Transient: true, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		var payload scanRecordPayload
		if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
			// The record landed even though the body is unreadable; surface as
			// transient so the coordinator re-submits under the same key.
			return persistence.ScanRecord{}, &Error{Op: op, Transient: true, Err: err}
		}
		confirmed := record
		confirmed.Status = persistence.StatusSynced
		if payload.ID != "" {
			confirmed.ID = payload.ID
		}
		if !payload.CapturedAt.IsZero() {
			confirmed.CapturedAt = payload.CapturedAt.UTC()
		}
		if action := persistence.ActionType(payload.Action); action.Valid() {
			confirmed.Action = action
		}
		return confirmed, nil
	}

	return persistence.ScanRecord{}, c.statusError(op, resp)
}

// FetchRecentCheckins returns the server-confirmed history used to seed the
// recent-history cache.
func (c *HTTPClient) FetchRecentCheckins(ctx context.Context, limit int) ([]persistence.ScanRecord, error) {
	const op = "fetch recent checkins"

	url := c.baseURL + "/checkins/recent"
	if limit > 0 {
		url += "?limit=" + strconv.Itoa(limit)
	}

	var payloads []scanRecordPayload
	if err := c.get(ctx, op, url, &payloads); err != nil {
		return nil, err
	}

	records := make([]persistence.ScanRecord, 0, len(payloads))
	for _, p := range payloads {
		action := persistence.ActionType(p.Action)
		if !action.Valid() {
			continue
		}
		records = append(records, persistence.ScanRecord{
			ID:         p.ID,
			QRCodeID:   p.QRCodeID,
			EventID:    p.EventID,
			Action:     action,
			CapturedAt: p.CapturedAt.UTC(),
			Status:     persistence.StatusSynced,
		})
	}
	return records, nil
}

// FetchActiveEvents returns the event catalog for the selector.
func (c *HTTPClient) FetchActiveEvents(ctx context.Context) ([]persistence.Event, error) {
	const op = "fetch active events"

	var payloads []eventPayload
	if err := c.get(ctx, op, c.baseURL+"/events/active", &payloads); err != nil {
		return nil, err
	}

	events := make([]persistence.Event, 0, len(payloads))
	for _, p := range payloads {
		events = append(events, persistence.Event{
			ID:       p.ID,
			Name:     p.Name,
			Location: p.Location,
			Active:   p.Active,
			StartsAt: p.StartsAt.UTC(),
			EndsAt:   p.EndsAt.UTC(),
		})
	}
	return events, nil
}

// Probe reports whether the API answers at all. The connectivity monitor uses
// it as its online signal.
func (c *HTTPClient) Probe(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/healthz", nil)
	if err != nil {
		return false
	}
	req.Header.Set("X-Device-ID", c.deviceID)

	resp, err := c.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	return resp.StatusCode < 500
}

func (c *HTTPClient) get(ctx context.Context, op, url string, target any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return &Error{Op: op, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Device-ID", c.deviceID)

	resp, err := c.client.Do(req)
	if err != nil {
		return &Error{Op: op, Transient: true, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return c.statusError(op, resp)
	}

	if err := json.NewDecoder(resp.Body).Decode(target); err != nil {
		return &Error{Op: op, Transient: true, Err: fmt.Errorf("failed to decode response: %w", err)}
	}
	return nil
}

func (c *HTTPClient) statusError(op string, resp *http.Response) *Error {
	apiErr := &Error{
		Op:         op,
		StatusCode: resp.StatusCode,
		Transient:  resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests,
	}

	var payload errorPayload
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64*1024)).Decode(&payload); err == nil {
		apiErr.Code = payload.Code
		apiErr.Message = payload.Message
	}

	return apiErr
}
