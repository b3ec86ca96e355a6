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
	registerOnce sync.Once

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

	ledgerEntries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "credit_ledger_entries_total",
			Help: "Committed ledger entries by kind and direction.",
		},
		[]string{"kind", "direction"},
	)

	ledgerCredits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "credit_ledger_amount_total",
			Help: "Credits moved by committed ledger entries.",
		},
		[]string{"kind", "direction"},
	)

	replays = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "credit_idempotent_replays_total",
			Help: "Writes answered from a previous result of the same idempotency key.",
		},
		[]string{"operation"},
	)

	holdTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "credit_hold_transitions_total",
			Help: "Hold lifecycle transitions by resulting status.",
		},
		[]string{"status"},
	)

	requestEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "credit_request_events_total",
			Help: "Approval events committed, by kind.",
		},
		[]string{"kind"},
	)

	sweepTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "credit_sweep_transitions_total",
			Help: "Requests advanced by background sweeps.",
		},
		[]string{"sweep"},
	)

	sweepDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "credit_sweep_duration_seconds",
			Help:    "Duration of one sweep pass.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"sweep"},
	)

	breakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "credit_storage_breaker_state",
			Help: "Storage circuit breaker state: 0 closed, 1 half-open, 2 open.",
		},
		[]string{"name"},
	)

	ready = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "credit_ready",
		Help: "1 when the store answered the last readiness probe.",
	})
)

// Init registers all collectors in the default registry. Safe to call more than once.
func Init() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration,
			ledgerEntries, ledgerCredits, replays,
			holdTransitions, requestEvents,
			sweepTransitions, sweepDuration,
			breakerState, ready, buildInfo,
		)
	})
}

// Handler serves the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveEntry counts one committed ledger entry.
func ObserveEntry(kind, direction string, amount int64) {
	ledgerEntries.WithLabelValues(kind, direction).Inc()
	ledgerCredits.WithLabelValues(kind, direction).Add(float64(amount))
}

// ObserveReplay counts one idempotent replay.
func ObserveReplay(operation string) { replays.WithLabelValues(operation).Inc() }

// ObserveHold counts one hold transition.
func ObserveHold(status string) { holdTransitions.WithLabelValues(status).Inc() }

// ObserveEvent counts one committed approval event.
func ObserveEvent(kind string) { requestEvents.WithLabelValues(kind).Inc() }

// ObserveSweep records the outcome of one sweep pass.
func ObserveSweep(sweep string, transitioned int, took time.Duration) {
	sweepTransitions.WithLabelValues(sweep).Add(float64(transitioned))
	sweepDuration.WithLabelValues(sweep).Observe(took.Seconds())
}

// SetBreakerState publishes the state of a storage circuit breaker.
func SetBreakerState(name string, state int) {
	breakerState.WithLabelValues(name).Set(float64(state))
}

// SetReady publishes the readiness gauge.
func SetReady(ok bool) {
	if ok {
		ready.Set(1)
		return
	}
	ready.Set(0)
}

// Instrument wraps next with RPS, latency and in-flight metrics. pathLabel
// maps a request to a low-cardinality path; nil falls back to CanonicalPath.
func Instrument(next http.Handler, pathLabel func(*http.Request) string) http.Handler {
	if pathLabel == nil {
		pathLabel = func(r *http.Request) string { return CanonicalPath(r.URL.Path) }
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httpInFlight.Inc()
		defer httpInFlight.Dec()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(sw, r)

		status := strconv.Itoa(sw.code)
		path := pathLabel(r)
		httpRequestDuration.WithLabelValues(r.Method, path, status).Observe(time.Since(start).Seconds())
		httpRequestsTotal.WithLabelValues(r.Method, path, status).Inc()
	})
}

// CanonicalPath replaces identifier segments of /v1 paths with ":id".
func CanonicalPath(p string) string {
	if i := strings.IndexByte(p, '?'); i >= 0 {
		p = p[:i]
	}
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/v1/") {
		return p
	}
	parts := strings.Split(strings.TrimPrefix(p, "/"), "/")
	// v1/<collection>/<id>/<action>
	for i := 2; i < len(parts); i += 2 {
		if parts[i] != "" {
			parts[i] = ":id"
		}
	}
	return "/" + strings.Join(parts, "/")
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

// Flush keeps streaming responses working through the wrapper.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
