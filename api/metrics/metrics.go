package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/malbeclabs/insights/query/pkg/dberror"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "insights_api_build_info",
			Help: "Build information of the Insights API",
		},
		[]string{"version", "commit", "date"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "insights_api_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "insights_api_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	HTTPRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "insights_api_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed",
		},
	)

	QueriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "insights_api_queries_total",
			Help: "Total number of warehouse statements by operation and status",
		},
		[]string{"operation", "status"},
	)

	QueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "insights_api_query_duration_seconds",
			Help:    "Duration of warehouse statements in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~41s
		},
		[]string{"operation"},
	)

	QueryErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "insights_api_query_errors_total",
			Help: "Total number of failed warehouse statements by error kind",
		},
		[]string{"kind"}, // "query", "connection", "timeout"
	)

	DashboardBlocksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "insights_api_dashboard_blocks_total",
			Help: "Total number of rendered dashboard blocks",
		},
		[]string{"status"},
	)

	RateLimitedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "insights_api_rate_limited_total",
			Help: "Total number of requests rejected by the rate limiter",
		},
	)
)

// Middleware returns a chi middleware that records HTTP metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		HTTPRequestsInFlight.Inc()
		defer HTTPRequestsInFlight.Dec()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		// Use the route pattern if available, otherwise use the path
		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			path = rctx.RoutePattern()
		}

		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(ww.Status())).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}

// QueryObserver records executor statements. It satisfies executor.Observer.
type QueryObserver struct{}

func (QueryObserver) ObserveQuery(operation string, duration time.Duration, err error) {
	RecordQuery(operation, duration, err)
}

// RecordQuery records metrics for one warehouse statement.
func RecordQuery(operation string, duration time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
		kind, ok := dberror.KindOf(err)
		if !ok {
			kind = dberror.Classify(err)
		}
		QueryErrorsTotal.WithLabelValues(kind.String()).Inc()
	}
	QueriesTotal.WithLabelValues(operation, status).Inc()
	QueryDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordBlock records the outcome of one dashboard block.
func RecordBlock(success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	DashboardBlocksTotal.WithLabelValues(status).Inc()
}
