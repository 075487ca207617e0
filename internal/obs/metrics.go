package obs

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	initOnce sync.Once

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

	serviceReady = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "service_ready",
		Help: "1 when the last readiness probe succeeded.",
	})

	jwksFetchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jwks_fetch_total",
			Help: "Key set fetches from the identity provider by result.",
		},
		[]string{"result"},
	)

	securityEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "security_events_total",
			Help: "Security events written to the log by type.",
		},
		[]string{"event_type"},
	)
)

// Init registers all metrics in the default registry. Safe to call more than once.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight,
			httpRequestsTotal,
			httpRequestDuration,
			serviceReady,
			jwksFetchTotal,
			securityEventsTotal,
		)
	})
}

// Handler exposes the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SetReady records the outcome of the latest readiness probe.
func SetReady(ok bool) {
	if ok {
		serviceReady.Set(1)
		return
	}
	serviceReady.Set(0)
}

// ObserveKeyFetch counts a key set fetch; result is "ok" or "error".
func ObserveKeyFetch(result string) {
	jwksFetchTotal.WithLabelValues(result).Inc()
}

// ObserveSecurityEvent counts one emitted security event.
func ObserveSecurityEvent(eventType string) {
	securityEventsTotal.WithLabelValues(eventType).Inc()
}

// Instrument records in-flight requests, totals and latency per route.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		defer httpInFlight.Dec()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
	})
}

// UnmatchedPath labels requests outside the known route set.
const UnmatchedPath = "/:unmatched"

var staticPaths = map[string]bool{
	"/":        true,
	"/healthz": true,
	"/readyz":  true,
	"/metrics": true,
}

// CanonicalPath collapses user and task identifiers so metric labels stay
// bounded. Paths that match no route share one label.
func CanonicalPath(p string) string {
	if i := strings.IndexByte(p, '?'); i >= 0 {
		p = p[:i]
	}
	if p == "" {
		p = "/"
	}
	if staticPaths[p] {
		return p
	}
	parts := strings.Split(strings.TrimPrefix(p, "/"), "/")
	if len(parts) < 3 || parts[0] != "api" || parts[2] != "tasks" {
		return UnmatchedPath
	}
	switch len(parts) {
	case 3:
		return "/api/:user_id/tasks"
	case 4:
		return "/api/:user_id/tasks/:task_id"
	case 5:
		if parts[4] == "complete" {
			return "/api/:user_id/tasks/:task_id/complete"
		}
	}
	return UnmatchedPath
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
