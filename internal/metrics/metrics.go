// Package metrics exposes the engine's Prometheus collectors.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	poolOperations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "agripool",
			Subsystem: "pool",
			Name:      "operations_total",
			Help:      "Coordinator operations by outcome.",
		},
		[]string{"op", "outcome"},
	)

	poolTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "agripool",
			Subsystem: "pool",
			Name:      "transitions_total",
			Help:      "Committed pool state transitions.",
		},
		[]string{"to"},
	)

	conversions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "agripool",
			Name:      "conversions_total",
			Help:      "Financing application emissions by outcome.",
		},
		[]string{"outcome"},
	)

	lockWait = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "agripool",
			Subsystem: "pool",
			Name:      "lock_wait_seconds",
			Help:      "Time spent waiting for a pool's serialization unit.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10), // 100us to ~26s
		},
	)

	pools = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "agripool",
			Name:      "pools",
			Help:      "Pools held by the registry, by state.",
		},
		[]string{"state"},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "agripool",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "agripool",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		},
		[]string{"method", "path"},
	)
)

func init() {
	Registry.MustRegister(
		poolOperations,
		poolTransitions,
		conversions,
		lockWait,
		pools,
		httpRequests,
		httpDuration,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// RecordOperation counts one coordinator operation. An empty outcome means success.
func RecordOperation(op, outcome string) {
	if outcome == "" {
		outcome = "ok"
	}
	poolOperations.WithLabelValues(op, strings.ToLower(outcome)).Inc()
}

// RecordTransition counts a committed transition into state.
func RecordTransition(state string) {
	poolTransitions.WithLabelValues(state).Inc()
}

// RecordConversion counts an emission attempt.
func RecordConversion(success bool) {
	outcome := "failed"
	if success {
		outcome = "applied"
	}
	conversions.WithLabelValues(outcome).Inc()
}

// ObserveLockWait records how long a request waited for its pool.
func ObserveLockWait(d time.Duration) {
	lockWait.Observe(d.Seconds())
}

// SetPools publishes the registry's per-state pool counts.
func SetPools(counts map[string]int) {
	for state, n := range counts {
		pools.WithLabelValues(state).Set(float64(n))
	}
}

// InstrumentHandler is mux middleware recording request counts and latency
// labelled by route template.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)

		path := routePath(r)
		method := strings.ToUpper(r.Method)
		httpRequests.WithLabelValues(method, path, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// routePath keeps pool ids out of label values.
func routePath(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tmpl, err := route.GetPathTemplate(); err == nil {
			return tmpl
		}
	}
	return "unmatched"
}
