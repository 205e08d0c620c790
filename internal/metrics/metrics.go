// Package metrics provides Prometheus instrumentation for the wreckage engine.
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
	// EventsSubmitted counts loss events accepted into the pending set,
	// partitioned by asset.
	EventsSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wreckage_events_submitted_total",
		Help: "Loss events accepted into the pending set",
	}, []string{"asset"})

	// PendingEvents tracks the size of the pending set.
	PendingEvents = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "wreckage_pending_events",
		Help: "Number of loss events awaiting processing",
	})

	// MatchesTotal counts peer matches by asset.
	MatchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wreckage_matches_total",
		Help: "Offsetting loss event pairs settled peer to peer",
	}, []string{"asset"})

	// RoutesTotal counts committed routes by asset and hop count.
	RoutesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wreckage_routes_total",
		Help: "Loss events routed through venue pools",
	}, []string{"asset", "hops"})

	// RejectionsTotal counts events that could not be settled.
	RejectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wreckage_rejections_total",
		Help: "Loss events rejected during processing",
	}, []string{"reason"})

	// RewardMinted tracks cumulative reward by outcome kind.
	RewardMinted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wreckage_reward_minted_total",
		Help: "Cumulative reward tokens minted",
	}, []string{"kind"})

	// PoolUtilization reports the last known utilization of each pool.
	PoolUtilization = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "wreckage_pool_utilization_ratio",
		Help: "Utilization of each venue pool (0..1)",
	}, []string{"venue", "asset"})

	// ProcessLatency is the wall time of one ProcessPending pass.
	ProcessLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "wreckage_process_latency_seconds",
		Help:    "Duration of a processing pass over the pending set",
		Buckets: prometheus.DefBuckets,
	})

	// PublishFailures counts outcome publish errors by sink.
	PublishFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wreckage_publish_failures_total",
		Help: "Outcome publish failures by sink",
	}, []string{"sink"})

	// IngestedMessages counts broker messages by disposition
	// (accepted, duplicate, invalid, retry).
	IngestedMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wreckage_ingested_messages_total",
		Help: "Loss event messages consumed from the broker",
	}, []string{"result"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "wreckage_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wreckage_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "wreckage_http_request_duration_seconds",
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

		// Route pattern keeps the path label low-cardinality.
		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
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

// Hijack lets the websocket upgrader take over the connection.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}
