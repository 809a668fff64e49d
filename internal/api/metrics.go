package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricHTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "historian_http_requests_total",
		Help: "HTTP requests served by the API",
	}, []string{"method", "route", "status"})
	metricHTTPDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "historian_http_request_duration_seconds",
		Help:    "Duration of HTTP requests served by the API",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route"})
)

// metricsMiddleware records request counts and latency per route pattern.
// Unmatched requests are grouped under "unmatched" to keep label
// cardinality bounded.
func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		metricHTTPRequests.WithLabelValues(r.Method, route, strconv.Itoa(wrapped.status)).Inc()
		metricHTTPDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}
