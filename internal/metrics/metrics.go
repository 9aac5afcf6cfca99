// Package metrics provides Prometheus instrumentation for the exchange core.
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
	// OrdersPlaced counts accepted orders, partitioned by side and the
	// status they landed in (MATCHED or PENDING).
	OrdersPlaced = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "exchange_orders_placed_total",
		Help: "Total orders accepted at placement",
	}, []string{"side", "status"})

	// OrdersRejected counts rejected placements by reason
	// (validation, insufficient_funds, storage).
	OrdersRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "exchange_orders_rejected_total",
		Help: "Total order batches rejected at placement",
	}, []string{"reason"})

	// OrdersMatched counts pending orders promoted to MATCHED by the
	// auto-match sweep.
	OrdersMatched = promauto.NewCounter(prometheus.CounterOpts{
		Name: "exchange_orders_matched_total",
		Help: "Pending orders matched by the sweep",
	})

	// OrdersCancelled counts cancelled orders.
	OrdersCancelled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "exchange_orders_cancelled_total",
		Help: "Orders cancelled by users",
	})

	// MarketsSettled counts settled markets.
	MarketsSettled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "exchange_markets_settled_total",
		Help: "Markets settled",
	})

	// SweepDuration tracks how long one auto-match sweep pass takes.
	SweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "exchange_sweep_duration_seconds",
		Help:    "Auto-match sweep pass duration in seconds",
		Buckets: prometheus.DefBuckets,
	})

	// QuoteFetchErrors counts failed upstream market-data calls.
	QuoteFetchErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "exchange_quote_fetch_errors_total",
		Help: "Failed market-data quote lookups",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "exchange_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "exchange_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "exchange_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Use the raw path for the label; the API surface is small enough
		// that cardinality stays bounded.
		path := r.URL.Path
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
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
