// Package metrics provides Prometheus instrumentation for the market engine.
package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// OrdersTotal counts orders by side and final status.
	OrdersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kolmarket_orders_total",
		Help: "Total number of orders processed",
	}, []string{"side", "status"})

	OrderLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "kolmarket_order_latency_seconds",
		Help:    "Order execution latency in seconds, including lock wait",
		Buckets: prometheus.DefBuckets,
	}, []string{"side"})

	// PeriodVolume tracks cumulative pills traded per period.
	PeriodVolume = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kolmarket_period_volume_pills_total",
		Help: "Cumulative traded value in pills",
	}, []string{"period_id", "side"})

	CandidatePrice = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "kolmarket_candidate_price",
		Help: "Current share price per candidate",
	}, []string{"candidate_id"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "kolmarket_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// StakeLimitRejections counts buys rejected by the stake limiter.
	StakeLimitRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kolmarket_stake_limit_rejections_total",
		Help: "Buys rejected by stake limits",
	})

	// TradeEventsTotal counts ingested KOL trades by program and outcome
	// (accepted, duplicate, skipped).
	TradeEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kolmarket_trade_events_total",
		Help: "KOL trade events ingested",
	}, []string{"program", "outcome"})

	ResolutionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kolmarket_resolutions_total",
		Help: "Period resolution attempts by outcome",
	}, []string{"outcome"})

	PayoutsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kolmarket_payouts_pills_total",
		Help: "Pills paid out to winning holders",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kolmarket_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "kolmarket_http_request_duration_seconds",
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

		// Route pattern, not raw path, to bound label cardinality.
		path := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			path = rc.RoutePattern()
		}
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

// Hijack lets the WebSocket upgrader take over the connection.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}
