package watcher

import "github.com/prometheus/client_golang/prometheus"

const (
	metricsNamespace = "jjsync"
	metricsSubsystem = "watcher"
)

type syncMetrics struct {
	syncsTotal   *prometheus.CounterVec
	syncDuration *prometheus.HistogramVec
	workerRows   *prometheus.CounterVec
	workerErrors *prometheus.CounterVec
	detectErrors prometheus.Counter
	watched      prometheus.Gauge
}

func newSyncMetrics(reg prometheus.Registerer) *syncMetrics {
	m := &syncMetrics{
		syncsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "syncs_total",
			Help:      "Repository syncs by trigger and result.",
		}, []string{"trigger", "result"}),
		syncDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "sync_duration_seconds",
			Help:      "Wall time of one repository sync including all workers.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"trigger"}),
		workerRows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "worker_rows_total",
			Help:      "Rows upserted by sync workers.",
		}, []string{"entity"}),
		workerErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "worker_errors_total",
			Help:      "Sync worker failures by entity type.",
		}, []string{"entity"}),
		detectErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "detect_errors_total",
			Help:      "Change marker reads that failed.",
		}),
		watched: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "watched_repositories",
			Help:      "Repositories currently in the watch registry.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.syncsTotal, m.syncDuration, m.workerRows, m.workerErrors, m.detectErrors, m.watched)
	}
	return m
}
