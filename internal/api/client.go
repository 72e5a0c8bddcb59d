// Package api defines the contract with the remote check-in service. The
// scanner core never talks to the network directly; everything goes through
// the Client interface so tests can script server behavior.
package api

import (
	"context"
	"errors"
	"fmt"

	"github.com/example/checkin-scanner/internal/persistence"
)

// Client is the remote collaborator that persists check-in records and serves
// authoritative event and history data.
//
// Submit operations must be idempotent server-side for a given record ID; the
// HTTP implementation passes the ID through as an idempotency key so a retried
// submission of the same logical scan is deduplicated.
type Client interface {
	SubmitCheckin(ctx context.Context, record persistence.ScanRecord) (persistence.ScanRecord, error)
	SubmitCheckout(ctx context.Context, record persistence.ScanRecord) (persistence.ScanRecord, error)
	FetchRecentCheckins(ctx context.Context, limit int) ([]persistence.ScanRecord, error)
	FetchActiveEvents(ctx context.Context) ([]persistence.Event, error)
}

// Error describes a failed API call.
//
// Transient errors (timeouts, connection resets, 5xx) may be retried with the
// same record ID. Non-transient errors are business rejections: the server
// looked at the submission and refused it, so retrying cannot help.
type Error struct {
	Op         string
	StatusCode int
	Code       string
	Message    string
	Transient  bool
	Err        error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	switch {
	case e.Code != "" && e.Message != "":
		return fmt.Sprintf("api: %s: %s (%s)", e.Op, e.Message, e.Code)
	case e.Err != nil:
		return fmt.Sprintf("api: %s: %v", e.Op, e.Err)
	default:
		return fmt.Sprintf("api: %s: status %d", e.Op, e.StatusCode)
	}
}

// Unwrap exposes the underlying transport error, if any.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// IsTransient reports whether the error is worth retrying.
func IsTransient(err error) bool {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Transient
	}
	return false
}

// IsRejection reports whether the server refused the submission outright.
func IsRejection(err error) bool {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return !apiErr.Transient
	}
	return false
}

// RejectionReason extracts the server's error code and message for operator
// display. It returns empty strings for non-rejection errors.
func RejectionReason(err error) (code, message string) {
	var apiErr *Error
	if errors.As(err, &apiErr) && !apiErr.Transient {
		return apiErr.Code, apiErr.Message
	}
	return "", ""
}
