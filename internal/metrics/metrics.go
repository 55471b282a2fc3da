// Package metrics provides Prometheus instrumentation for the rebalancer.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequestsTotal counts HTTP requests by method, route and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rebalancer_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "route", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "rebalancer_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"method", "route"})

	// PriceLookups counts resolved prices by where they came from.
	PriceLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rebalancer_price_lookups_total",
		Help: "Resolved token prices by source (live, caller, fallback, default)",
	}, []string{"source"})

	// UpstreamErrors counts failed calls to external collaborators.
	UpstreamErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rebalancer_upstream_errors_total",
		Help: "Failed calls to external services",
	}, []string{"service"})

	// RebalanceActions counts suggested actions by side.
	RebalanceActions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rebalancer_actions_total",
		Help: "Suggested rebalance actions by side",
	}, []string{"action"})

	// AgentIterations observes how many tool rounds each agent run needed.
	AgentIterations = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "rebalancer_agent_iterations",
		Help:    "Tool-calling rounds per portfolio agent run",
		Buckets: []float64{0, 1, 2, 3, 4, 5, 8, 13},
	})

	// WebSocketClients tracks connected agent stream clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "rebalancer_websocket_clients",
		Help: "Number of connected agent stream clients",
	})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware records request counts and latency per chi route pattern.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}
