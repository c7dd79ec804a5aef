package obs

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Shared HTTP metrics.
var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

// Permission-engine metrics.
var (
	permResolveTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "perm_resolve_total",
			Help: "Effective-permission resolutions by provenance.",
		},
		[]string{"source"},
	)

	conflictRunsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "perm_conflict_runs_total",
		Help: "Conflict detection runs.",
	})

	conflictsFound = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "perm_conflicts_found",
			Help: "Conflicts found by the latest detection run.",
		},
		[]string{"type", "severity"},
	)

	auditRetryTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "audit_retry_total",
		Help: "Audit entries re-queued after a failed append.",
	})

	auditDroppedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "audit_dropped_total",
		Help: "Audit entries dropped after exhausting retries.",
	})

	readyGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "service_ready",
		Help: "1 when the service considers itself ready.",
	})
)

// Init registers all metrics in the default registry.
func Init() {
	prometheus.MustRegister(
		httpInFlight, httpRequestsTotal, httpRequestDuration,
		permResolveTotal, conflictRunsTotal, conflictsFound,
		auditRetryTotal, auditDroppedTotal, readyGauge,
	)
}

// Handler exposes the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SetReady flips the readiness gauge.
func SetReady(ready bool) {
	if ready {
		readyGauge.Set(1)
		return
	}
	readyGauge.Set(0)
}

// ObserveResolve counts one resolution with the given provenance ("direct"/"inherited").
func ObserveResolve(source string) {
	permResolveTotal.WithLabelValues(source).Inc()
}

// ObserveConflictRun records the outcome of one detection run.
// counts is keyed by "type/severity".
func ObserveConflictRun(counts map[string]int) {
	conflictRunsTotal.Inc()
	conflictsFound.Reset()
	for key, n := range counts {
		parts := strings.SplitN(key, "/", 2)
		if len(parts) != 2 {
			continue
		}
		conflictsFound.WithLabelValues(parts[0], parts[1]).Set(float64(n))
	}
}

// IncAuditRetry counts a re-queued audit entry.
func IncAuditRetry() { auditRetryTotal.Inc() }

// IncAuditDropped counts an audit entry dropped after exhausting retries.
func IncAuditDropped() { auditDroppedTotal.Inc() }

// Instrument wraps a handler with RPS/latency/in-flight measurements.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: 200}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpInFlight.Dec()
	})
}

// CanonicalPath collapses resource identifiers so metric labels stay bounded.
func CanonicalPath(path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if path == "" {
		return "/"
	}
	parts := strings.Split(strings.Trim(path, "/"), "/")
	switch {
	case len(parts) >= 3 && parts[0] == "v1" && parts[1] == "departments":
		parts[2] = ":id"
	case len(parts) >= 3 && parts[0] == "v1" && parts[1] == "conflicts":
		parts[2] = ":id"
	case len(parts) >= 3 && parts[0] == "v1" && parts[1] == "templates":
		parts[2] = ":id"
	default:
		return path
	}
	if len(parts) >= 5 && parts[3] == "templates" {
		parts[4] = ":id"
	}
	return "/" + strings.Join(parts, "/")
}

// statusWriter captures the response code for labeling.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
