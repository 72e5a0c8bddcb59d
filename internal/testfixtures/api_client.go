package testfixtures

import (
	"context"
	"sync"

	"github.com/example/checkin-scanner/internal/persistence"
)

// SubmitFunc scripts the server's reaction to a submission.
type SubmitFunc func(record persistence.ScanRecord) (persistence.ScanRecord, error)

// APIClient is a scripted api.Client for tests. By default every submission
// succeeds and echoes the record back marked synced.
type APIClient struct {
	mu sync.Mutex

	// Handler scripts submissions; nil means accept everything.
	Handler SubmitFunc
	// Events and Recent back the fetch operations.
	Events    []persistence.Event
	Recent    []persistence.ScanRecord
	FetchErr  error
	submitted []persistence.ScanRecord
}

// NewAPIClient returns a client that accepts all submissions.
func NewAPIClient() *APIClient {
	return &APIClient{}
}

// SubmitCheckin records the call and applies the scripted handler.
func (c *APIClient) SubmitCheckin(ctx context.Context, record persistence.ScanRecord) (persistence.ScanRecord, error) {
	return c.submit(record)
}

// SubmitCheckout records the call and applies the scripted handler.
func (c *APIClient) SubmitCheckout(ctx context.Context, record persistence.ScanRecord) (persistence.ScanRecord, error) {
	return c.submit(record)
}

func (c *APIClient) submit(record persistence.ScanRecord) (persistence.ScanRecord, error) {
	c.mu.Lock()
	handler := c.Handler
	c.mu.Unlock()

	if handler != nil {
		confirmed, err := handler(record)
		if err != nil {
			return persistence.ScanRecord{}, err
		}
		c.recordSubmission(record)
		return confirmed, nil
	}

	c.recordSubmission(record)
	confirmed := record
	confirmed.Status = persistence.StatusSynced
	return confirmed, nil
}

func (c *APIClient) recordSubmission(record persistence.ScanRecord) {
	c.mu.Lock()
	c.submitted = append(c.submitted, record)
	c.mu.Unlock()
}

// Submitted returns the successfully delivered records in order.
func (c *APIClient) Submitted() []persistence.ScanRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]persistence.ScanRecord, len(c.submitted))
	copy(out, c.submitted)
	return out
}

// FetchRecentCheckins returns the scripted history.
func (c *APIClient) FetchRecentCheckins(ctx context.Context, limit int) ([]persistence.ScanRecord, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.FetchErr != nil {
		return nil, c.FetchErr
	}
	if limit > 0 && limit < len(c.Recent) {
		return c.Recent[:limit], nil
	}
	return c.Recent, nil
}

// FetchActiveEvents returns the scripted catalog.
func (c *APIClient) FetchActiveEvents(ctx context.Context) ([]persistence.Event, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.FetchErr != nil {
		return nil, c.FetchErr
	}
	return c.Events, nil
}
