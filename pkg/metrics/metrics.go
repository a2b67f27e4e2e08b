// Package metrics provides Prometheus observability for the storage manager.
//
// All methods are safe on a nil receiver: components accept a *Metrics and
// callers that do not want metrics pass nil for zero overhead.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the collectors for one storage manager instance.
type Metrics struct {
	pushesTotal     prometheus.Counter
	pushesFailed    prometheus.Counter
	pushDuration    prometheus.Histogram
	snapshotsPruned prometheus.Counter
	fetchesTotal    *prometheus.CounterVec
	openDocs        prometheus.Gauge
	backupStep      prometheus.Histogram
}

// New registers the storage manager collectors with reg and returns the
// handle components record against. Pass prometheus.DefaultRegisterer for
// the process-global registry.
func New(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		pushesTotal: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "hsm_pushes_total",
			Help: "Total number of completed document pushes",
		}),
		pushesFailed: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "hsm_pushes_failed_total",
			Help: "Total number of document pushes that exhausted retries",
		}),
		pushDuration: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name:    "hsm_push_duration_seconds",
			Help:    "Duration of document pushes, backup through upload",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		snapshotsPruned: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "hsm_snapshots_pruned_total",
			Help: "Total number of snapshots removed by the retention policy",
		}),
		fetchesTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "hsm_fetches_total",
			Help: "Total number of document fetches by outcome",
		}, []string{"outcome"}), // "local", "download", "create", "error"
		openDocs: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "hsm_open_documents",
			Help: "Number of documents currently open on this worker",
		}),
		backupStep: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name:    "hsm_backup_step_duration_seconds",
			Help:    "Duration of individual live backup copy steps",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
		}),
	}
}

// PushCompleted records one finished push attempt sequence.
func (m *Metrics) PushCompleted(duration time.Duration, failed bool) {
	if m == nil {
		return
	}
	m.pushesTotal.Inc()
	if failed {
		m.pushesFailed.Inc()
	}
	m.pushDuration.Observe(duration.Seconds())
}

// SnapshotsPruned records snapshots removed in one prune pass.
func (m *Metrics) SnapshotsPruned(count int) {
	if m == nil {
		return
	}
	m.snapshotsPruned.Add(float64(count))
}

// FetchCompleted records one document fetch with its outcome label.
func (m *Metrics) FetchCompleted(outcome string) {
	if m == nil {
		return
	}
	m.fetchesTotal.WithLabelValues(outcome).Inc()
}

// DocOpened and DocClosed track the open document gauge.
func (m *Metrics) DocOpened() {
	if m == nil {
		return
	}
	m.openDocs.Inc()
}

func (m *Metrics) DocClosed() {
	if m == nil {
		return
	}
	m.openDocs.Dec()
}

// BackupStep records one live backup copy step.
func (m *Metrics) BackupStep(duration time.Duration) {
	if m == nil {
		return
	}
	m.backupStep.Observe(duration.Seconds())
}
