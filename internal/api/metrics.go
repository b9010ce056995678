package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const unmatched = "unmatched"

// Reasons an event was turned away at the HTTP edge.
const (
	rejectFull    = "inbox_full"
	rejectClosed  = "shutting_down"
	rejectGaveUp  = "gave_up"
	rejectInvalid = "invalid"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mequeue_http_requests_total",
			Help: "HTTP requests by executor, route pattern and status.",
		},
		[]string{"executor", "method", "route", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mequeue_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds. Long-lived run streams are excluded.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"executor", "method", "route"},
	)

	eventsRejectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mequeue_events_rejected_total",
			Help: "Events refused by POST /v1/events before reaching the inbox.",
		},
		[]string{"executor", "reason"},
	)
)

func init() {
	prometheus.MustRegister(httpRequestsTotal, httpRequestDuration, eventsRejectedTotal)
}

// metricsMiddleware counts requests per chi route pattern, labelled with the
// executor the server fronts. Stream durations would swamp the histogram, so
// only their count is kept.
func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	executor := s.service.Name()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}

		route := routePattern(r)
		httpRequestsTotal.WithLabelValues(executor, r.Method, route, strconv.Itoa(status)).Inc()
		if route != streamRoute {
			httpRequestDuration.WithLabelValues(executor, r.Method, route).Observe(time.Since(start).Seconds())
		}
	})
}

// rejectEvent records why an event did not reach the inbox.
func (s *Server) rejectEvent(reason string) {
	eventsRejectedTotal.WithLabelValues(s.service.Name(), reason).Inc()
}

// routePattern extracts the matched chi route pattern, falling back to "unmatched".
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx != nil && rctx.RoutePattern() != "" {
		return rctx.RoutePattern()
	}
	return unmatched
}

func metricsHandler() http.Handler {
	return promhttp.Handler()
}
