package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ScansProcessed tracks every scan the session handled, labelled by the
	// inferred action and how the scan resolved (success, queued, duplicate,
	// rejected, validation).
	ScansProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scanner_scans_processed_total",
		Help: "Total number of scans handled by the scan session",
	}, []string{"action", "resolution"})

	// QueueDepth is the number of records still waiting for delivery.
	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "scanner_queue_depth",
		Help: "Current number of pending records in the offline queue",
	})

	// SyncSubmissions counts individual record submissions by result
	// (synced, retried, failed).
	SyncSubmissions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scanner_sync_submissions_total",
		Help: "Total number of record submissions attempted by the sync coordinator",
	}, []string{"result"})

	// SyncCycleDuration measures how long a full drain of the queue takes.
	SyncCycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "scanner_sync_cycle_duration_seconds",
		Help:    "Duration of sync cycles in seconds",
		Buckets: prometheus.DefBuckets,
	})

	// ConnectivityOnline is 1 while the monitor reports the device online.
	ConnectivityOnline = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "scanner_connectivity_online",
		Help: "Whether the connectivity monitor currently reports online (1) or offline (0)",
	})
)
