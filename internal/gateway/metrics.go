package gateway

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
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests served by the sync engine's surface",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	webhookEventsRouted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webhook_events_routed_total",
			Help: "Webhook events routed to an entity upserter, by event type and outcome",
		},
		[]string{"event_type", "outcome"},
	)

	backfillPagesProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "backfill_pages_processed_total",
			Help: "Pages of backfill processed, by entity kind",
		},
		[]string{"kind"},
	)

	liveStreamReconnects = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "livestream_reconnects_total",
			Help: "Live-stream client reconnect attempts",
		},
	)
)

// metricsMiddleware records request counts and latency for every route
// mounted on the router.
func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(ww.Status())

		routePath := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				routePath = pattern
			}
		}

		httpRequestsTotal.WithLabelValues(r.Method, routePath, status).Inc()
		httpRequestDuration.WithLabelValues(r.Method, routePath, status).Observe(duration)
	})
}

func (s *Server) registerMetrics() {
	s.router.Handle("/metrics", promhttp.Handler())
}

// RecordWebhookEvent records a routed webhook event's outcome.
func RecordWebhookEvent(eventType, outcome string) {
	webhookEventsRouted.WithLabelValues(eventType, outcome).Inc()
}

// RecordBackfillPage records one processed backfill page for kind.
func RecordBackfillPage(kind string) {
	backfillPagesProcessed.WithLabelValues(kind).Inc()
}

// RecordLiveStreamReconnect records a live-stream reconnect attempt.
func RecordLiveStreamReconnect() {
	liveStreamReconnects.Inc()
}
