// Package metrics exposes the CAT engine's Prometheus instrumentation,
// mirroring the promauto-registered-globals pattern used elsewhere in this
// codebase, adapted from gRPC interceptor metrics to a Gin middleware since
// this module's surface is HTTP/JSON.
package metrics

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Handler serves the process's registered metrics in the Prometheus
// exposition format, wrapped into Gin via gin.WrapH at the router.
func Handler() http.Handler {
	return promhttp.Handler()
}

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cat_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cat_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)

	dbQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cat_db_query_duration_seconds",
			Help:    "Duration of database queries",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	cacheHitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cat_cache_hits_total",
			Help: "Total number of cache hits",
		},
		[]string{"cache_type"},
	)

	cacheMissesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cat_cache_misses_total",
			Help: "Total number of cache misses",
		},
		[]string{"cache_type"},
	)

	dbConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "cat_db_connections_active",
			Help: "Number of active database connections",
		},
	)

	sessionsStartedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cat_sessions_started_total",
			Help: "Total number of CAT sessions started",
		},
	)

	sessionsFinishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cat_sessions_finished_total",
			Help: "Total number of CAT sessions finished, by stop reason",
		},
		[]string{"reason"},
	)

	itemSelectionFallbackTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cat_item_selection_fallback_total",
			Help: "Total number of item selections that fell back past the primary scoring stage",
		},
		[]string{"stage"},
	)

	thetaUpdatesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cat_theta_updates_total",
			Help: "Total number of ability updates applied",
		},
	)
)

// GinMiddleware records per-route request count and latency.
func GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := c.Writer.Status()

		httpRequestsTotal.WithLabelValues(route, statusBucket(status)).Inc()
		httpRequestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	}
}

func statusBucket(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}

func RecordDBQuery(operation string, duration time.Duration) {
	dbQueryDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

func RecordCacheHit(cacheType string) {
	cacheHitsTotal.WithLabelValues(cacheType).Inc()
}

func RecordCacheMiss(cacheType string) {
	cacheMissesTotal.WithLabelValues(cacheType).Inc()
}

func SetActiveConnections(count int) {
	dbConnectionsActive.Set(float64(count))
}

func IncrementSessionsStarted() {
	sessionsStartedTotal.Inc()
}

func IncrementSessionsFinished(reason string) {
	sessionsFinishedTotal.WithLabelValues(reason).Inc()
}

func IncrementSelectionFallback(stage string) {
	itemSelectionFallbackTotal.WithLabelValues(stage).Inc()
}

func IncrementThetaUpdates() {
	thetaUpdatesTotal.Inc()
}
