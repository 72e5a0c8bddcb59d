package inference

import (
	"context"
	"time"

	"github.com/example/checkin-scanner/internal/persistence"
)

// Engine infers the action a scan represents from the recent history of its
// (qr code, event) pair.
type Engine struct {
	cache    *HistoryCache
	lookback time.Duration
	debounce time.Duration
}

// NewEngine wires the inference engine to the shared history cache.
func NewEngine(cache *HistoryCache, lookback, debounce time.Duration) *Engine {
	if lookback <= 0 {
		lookback = time.Hour
	}
	if debounce <= 0 {
		debounce = time.Second
	}
	return &Engine{cache: cache, lookback: lookback, debounce: debounce}
}

// Debounce returns the configured debounce window.
func (e *Engine) Debounce() time.Duration {
	return e.debounce
}

// Lookback returns the configured lookback window.
func (e *Engine) Lookback() time.Duration {
	return e.lookback
}

// IsDuplicate reports whether a scan at now is a repeated decode of the pair's
// latest entry. The caller ignores such scans instead of re-inferring, so a
// single physical scan read twice by the decoder cannot toggle the state.
func (e *Engine) IsDuplicate(ctx context.Context, qrCodeID, eventID string, now time.Time) (bool, error) {
	entry, ok, err := e.cache.Latest(ctx, qrCodeID, eventID)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}

	elapsed := now.Sub(entry.CapturedAt)
	return elapsed >= 0 && elapsed < e.debounce, nil
}

// Infer decides check-in versus check-out for a scan at now.
//
// The rule is a strict two-state toggle bounded by the lookback window: no
// recent entry or a recent check-out yields a check-in, a recent check-in
// yields a check-out. A check-in older than the window is treated as
// abandoned and the next scan starts over at check-in.
func (e *Engine) Infer(ctx context.Context, qrCodeID, eventID string, now time.Time) (persistence.ActionType, error) {
	entry, ok, err := e.cache.Latest(ctx, qrCodeID, eventID)
	if err != nil {
		return "", err
	}

	if !ok || now.Sub(entry.CapturedAt) >= e.lookback {
		return persistence.ActionCheckIn, nil
	}

	if entry.Action == persistence.ActionCheckIn {
		return persistence.ActionCheckOut, nil
	}
	return persistence.ActionCheckIn, nil
}
