package api

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	metricsNamespace = "jjsync"
	metricsSubsystem = "http"
)

// Control action outcomes.
const (
	outcomeOK          = "ok"
	outcomeNotFound    = "not_found"
	outcomeUnavailable = "unavailable"
	outcomeFailed      = "failed"
	outcomeQueued      = "queued"
)

type httpMetrics struct {
	requests       *prometheus.CounterVec
	duration       *prometheus.HistogramVec
	inFlight       prometheus.Gauge
	controlActions *prometheus.CounterVec
}

var (
	defaultHTTPMetricsOnce sync.Once
	defaultHTTPMetricsInst *httpMetrics
)

func getDefaultHTTPMetrics() *httpMetrics {
	defaultHTTPMetricsOnce.Do(func() {
		defaultHTTPMetricsInst = newHTTPMetrics(prometheus.DefaultRegisterer)
	})
	return defaultHTTPMetricsInst
}

func newHTTPMetrics(reg prometheus.Registerer) *httpMetrics {
	m := &httpMetrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "requests_total",
			Help:      "HTTP requests handled, by route and status class.",
		}, []string{"method", "route", "status_class"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency in seconds. Synchronous force syncs dominate the upper buckets.",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}, []string{"method", "route"}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "in_flight_requests",
			Help:      "HTTP requests currently being served.",
		}),
		controlActions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "control",
			Name:      "actions_total",
			Help:      "Watcher control actions by outcome.",
		}, []string{"action", "outcome"}),
	}
	if reg != nil {
		reg.MustRegister(m.requests, m.duration, m.inFlight, m.controlActions)
	}
	return m
}

func (m *httpMetrics) controlAction(action, outcome string) {
	if m == nil {
		return
	}
	m.controlActions.WithLabelValues(action, outcome).Inc()
}

func requestMetricsMiddleware(metrics *httpMetrics, next http.Handler) http.Handler {
	if metrics == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL != nil && r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		metrics.inFlight.Inc()
		defer metrics.inFlight.Dec()

		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := routeLabel(r)
		metrics.requests.WithLabelValues(r.Method, route, statusClass(rec.status)).Inc()
		metrics.duration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

func metricsHandler(gatherer prometheus.Gatherer) http.Handler {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// routeLabel keeps label cardinality bounded: owner and repository names
// never appear in it. The mux pattern is used when the request still carries
// it; middleware that replaced the request drops it, so paths are mapped
// back onto the registered templates.
func routeLabel(r *http.Request) string {
	if r == nil || r.URL == nil {
		return "unknown"
	}
	if _, route, ok := strings.Cut(strings.TrimSpace(r.Pattern), " "); ok {
		return strings.TrimSpace(route)
	}

	path := r.URL.Path
	switch {
	case path == "/healthz", path == "/metrics", path == "/admin/health",
		path == "/watcher/status", path == "/watcher/repos":
		return path
	case strings.HasPrefix(path, "/watcher/watch/"):
		return "/watcher/watch/{user}/{repo}"
	case strings.HasPrefix(path, "/watcher/sync/"):
		return "/watcher/sync/{user}/{repo}"
	case strings.HasPrefix(path, "/debug/pprof/"):
		return "/debug/pprof/"
	default:
		return "other"
	}
}

func statusClass(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	case code >= 200:
		return "2xx"
	default:
		return "1xx"
	}
}
