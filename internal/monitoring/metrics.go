// Package monitoring holds the Prometheus collectors for the assertion
// platform.
package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every collector. Create exactly one per process.
type Metrics struct {
	// Publish pipeline
	PublishTotal    *prometheus.CounterVec // outcome: created, replayed, rejected, conflict, error
	PublishDuration prometheus.Histogram

	// Notification pipeline
	NotificationsInserted  *prometheus.CounterVec // type: reply, reaction
	NotificationsDelivered *prometheus.CounterVec // adapter
	OutboxAttempts         *prometheus.HistogramVec
	OutboxFailed           *prometheus.CounterVec // adapter

	// Realtime
	WSConnections prometheus.Gauge

	// Jobs
	JobRuns *prometheus.CounterVec // job, status

	// Near-miss channel: expected-but-noteworthy anomalies
	NearMisses *prometheus.CounterVec // event
}

// NewMetrics creates and registers all collectors on the default registry.
func NewMetrics() *Metrics {
	return &Metrics{
		PublishTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "publish_total",
				Help: "Publish requests by outcome",
			},
			[]string{"outcome"},
		),
		PublishDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "publish_duration_seconds",
				Help:    "End-to-end publish orchestration duration",
				Buckets: prometheus.DefBuckets,
			},
		),
		NotificationsInserted: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "notifications_inserted_total",
				Help: "Derived notifications persisted, by type",
			},
			[]string{"type"},
		),
		NotificationsDelivered: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "notifications_delivered_total",
				Help: "Notification deliveries, by adapter",
			},
			[]string{"adapter"},
		),
		OutboxAttempts: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "outbox_attempts",
				Help:    "Attempts consumed before an outbox row left pending",
				Buckets: []float64{1, 2, 3, 4, 5},
			},
			[]string{"adapter"},
		),
		OutboxFailed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "outbox_failed_total",
				Help: "Outbox rows that exhausted their attempts, by adapter",
			},
			[]string{"adapter"},
		),
		WSConnections: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "ws_connections",
				Help: "Active WebSocket connections",
			},
		),
		JobRuns: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "job_runs_total",
				Help: "Scheduled job runs, by job and status",
			},
			[]string{"job", "status"},
		),
		NearMisses: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "near_misses_total",
				Help: "Expected-but-noteworthy anomalies, by event",
			},
			[]string{"event"},
		),
	}
}

// NearMiss records a near-miss event. Safe on a nil receiver so tests can
// pass a zero pipeline.
func (m *Metrics) NearMiss(event string) {
	if m == nil {
		return
	}
	m.NearMisses.WithLabelValues(event).Inc()
}
