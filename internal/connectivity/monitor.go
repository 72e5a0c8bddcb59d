// Package connectivity tracks whether the device can reach the remote API.
package connectivity

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Prober answers a single reachability question.
type Prober interface {
	Probe(ctx context.Context) bool
}

// ProberFunc adapts a function to the Prober interface.
type ProberFunc func(ctx context.Context) bool

// Probe implements Prober.
func (f ProberFunc) Probe(ctx context.Context) bool {
	return f(ctx)
}

// Monitor polls a Prober and reports online/offline transitions.
//
// Going online is debounced: the monitor requires a configurable number of
// consecutive successful probes before it reports online, so a flapping link
// does not trigger a sync cycle per blip. Going offline is immediate, since a
// single failed probe is exactly what a scan-time submission would hit.
type Monitor struct {
	prober    Prober
	interval  time.Duration
	threshold int
	logger    *slog.Logger

	mu        sync.Mutex
	online    bool
	streak    int
	listeners []func(online bool)
}

// NewMonitor builds a monitor. threshold is the number of consecutive
// successful probes required to report online.
func NewMonitor(prober Prober, interval time.Duration, threshold int, logger *slog.Logger) *Monitor {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if threshold <= 0 {
		threshold = 2
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		prober:    prober,
		interval:  interval,
		threshold: threshold,
		logger:    logger,
	}
}

// OnTransition registers a callback invoked once per online/offline
// transition. Callbacks run on the monitor's goroutine and should hand off
// work instead of blocking.
func (m *Monitor) OnTransition(fn func(online bool)) {
	if fn == nil {
		return
	}
	m.mu.Lock()
	m.listeners = append(m.listeners, fn)
	m.mu.Unlock()
}

// Online reports the current debounced state.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Check runs a single probe and updates the state. It returns the state after
// the probe and whether this probe caused a transition.
func (m *Monitor) Check(ctx context.Context) (online, transitioned bool) {
	reachable := m.prober.Probe(ctx)

	m.mu.Lock()
	if reachable {
		m.streak++
		if !m.online && m.streak >= m.threshold {
			m.online = true
			transitioned = true
		}
	} else {
		m.streak = 0
		if m.online {
			m.online = false
			transitioned = true
		}
	}
	online = m.online
	listeners := make([]func(bool), len(m.listeners))
	copy(listeners, m.listeners)
	m.mu.Unlock()

	if transitioned {
		m.logger.Info("connectivity transition", "online", online)
		for _, fn := range listeners {
			fn(online)
		}
	}

	return online, transitioned
}

// Run probes on the configured interval until the context is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.Check(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}
