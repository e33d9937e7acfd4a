// Package metrics provides Prometheus instrumentation for the straddle bot.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// CyclesTotal counts trading cycles by outcome (filled, partial, failed,
	// aborted, unhedged, skipped).
	CyclesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "spx_straddler_cycles_total",
		Help: "Trading cycles by outcome",
	}, []string{"outcome"})

	// OrdersTotal counts leg orders by final state.
	OrdersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "spx_straddler_orders_total",
		Help: "Leg orders by final state",
	}, []string{"side", "state"})

	// OrderAttemptsTotal counts submission attempts by outcome.
	OrderAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "spx_straddler_order_attempts_total",
		Help: "Order submission attempts by outcome",
	}, []string{"outcome"})

	// FillLatency tracks time from first submission to final order state.
	FillLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "spx_straddler_fill_latency_seconds",
		Help:    "Leg execution latency in seconds",
		Buckets: []float64{0.5, 1, 2, 5, 10, 20, 30, 60},
	}, []string{"side"})

	// UnhedgedTotal counts cycles that left a single leg exposed.
	UnhedgedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "spx_straddler_unhedged_total",
		Help: "Cycles that ended with an unhedged leg",
	})

	// LastCycleTimestamp is the unix time of the last completed cycle.
	LastCycleTimestamp = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "spx_straddler_last_cycle_timestamp_seconds",
		Help: "Unix time of the last completed trading cycle",
	})

	// HTTPRequestsTotal counts dashboard requests by method, path and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "spx_straddler_http_requests_total",
		Help: "Total dashboard HTTP requests",
	}, []string{"method", "path", "status"})
)

// ObserveCycle records a finished cycle.
func ObserveCycle(outcome string, at time.Time) {
	CyclesTotal.WithLabelValues(outcome).Inc()
	LastCycleTimestamp.Set(float64(at.Unix()))
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		HTTPRequestsTotal.WithLabelValues(r.Method, r.URL.Path, strconv.Itoa(wrapped.status)).Inc()
	})
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
