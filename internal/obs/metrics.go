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

// ServiceName labels logs, health responses and gRPC status.
const ServiceName = "custodian-api"

// HTTP metrics shared by every route.
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

// Session and audit counters.
var (
	challengesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "custodian_challenges_total",
			Help: "Second-factor challenges by scope and outcome.",
		},
		[]string{"scope", "result"},
	)

	sessionEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "custodian_session_events_total",
			Help: "Session lifecycle events (login, refresh, reuse_rejected, logout, password_change).",
		},
		[]string{"event"},
	)

	chainVerificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "custodian_chain_verifications_total",
			Help: "Audit chain verifications by scope and result.",
		},
		[]string{"scope", "result"},
	)

	ready = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "custodian_ready",
		Help: "1 when the last readiness check succeeded.",
	})
)

var initOnce sync.Once

// Init registers metrics in the default registry.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration,
			challengesTotal, sessionEventsTotal, chainVerificationsTotal, ready,
		)
	})
}

// Handler exposes the Prometheus registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveChallenge counts an issued, resent, verified or rejected challenge.
func ObserveChallenge(scope, result string) {
	challengesTotal.WithLabelValues(scope, result).Inc()
}

// ObserveSessionEvent counts a session lifecycle event.
func ObserveSessionEvent(event string) {
	sessionEventsTotal.WithLabelValues(event).Inc()
}

// ObserveChainVerify counts an audit chain verification outcome.
func ObserveChainVerify(scope string, ok bool) {
	result := "valid"
	if !ok {
		result = "invalid"
	}
	chainVerificationsTotal.WithLabelValues(scope, result).Inc()
}

// SetReady records the outcome of the latest readiness check.
func SetReady(ok bool) {
	if ok {
		ready.Set(1)
		return
	}
	ready.Set(0)
}

// Instrument measures RPS, latency and in-flight requests.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpInFlight.Dec()
	})
}

// CanonicalPath collapses path parameters so label cardinality stays bounded.
func CanonicalPath(raw string) string {
	if i := strings.IndexByte(raw, '?'); i >= 0 {
		raw = raw[:i]
	}
	if raw == "" {
		return "/"
	}
	parts := strings.Split(strings.Trim(raw, "/"), "/")
	// /v1/admin/users/{id}/role
	if len(parts) == 5 && parts[0] == "v1" && parts[1] == "admin" && parts[2] == "users" && parts[4] == "role" {
		parts[3] = ":id"
		return "/" + strings.Join(parts, "/")
	}
	return raw
}

// statusWriter records the response code for Instrument.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
