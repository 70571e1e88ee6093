package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the permission service
type Metrics struct {
	registry *prometheus.Registry

	// Permission check metrics
	CheckTotal    *prometheus.CounterVec
	CheckDuration *prometheus.HistogramVec
	CheckErrors   prometheus.Counter

	// Snapshot cache metrics
	CacheHitsTotal   prometheus.Counter
	CacheMissesTotal prometheus.Counter

	// Management write metrics
	GrantsTotal  *prometheus.CounterVec
	RevokesTotal *prometheus.CounterVec

	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	m := &Metrics{
		registry: registry,
		CheckTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "caregrid_permission_checks_total",
				Help: "Total number of permission checks by outcome",
			},
			[]string{"resource", "action", "outcome"},
		),
		CheckDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "caregrid_permission_check_duration_seconds",
				Help:    "Permission check duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"resource", "action"},
		),
		CheckErrors: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "caregrid_permission_check_errors_total",
				Help: "Total number of permission checks that hit a store error",
			},
		),
		CacheHitsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "caregrid_permission_cache_hits_total",
				Help: "Total number of snapshot cache hits",
			},
		),
		CacheMissesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "caregrid_permission_cache_misses_total",
				Help: "Total number of snapshot cache misses",
			},
		),
		GrantsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "caregrid_permission_grants_total",
				Help: "Total number of user permission grants",
			},
			[]string{"resource", "action"},
		),
		RevokesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "caregrid_permission_revokes_total",
				Help: "Total number of user permission revocations",
			},
			[]string{"resource", "action"},
		),
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "caregrid_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "caregrid_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
	}

	registry.MustRegister(
		m.CheckTotal,
		m.CheckDuration,
		m.CheckErrors,
		m.CacheHitsTotal,
		m.CacheMissesTotal,
		m.GrantsTotal,
		m.RevokesTotal,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
	)

	return m
}

// Handler returns an HTTP handler serving the metrics registry
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// responseWriter captures the status code for metrics
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// HTTPMetricsMiddleware instruments HTTP requests with Prometheus metrics
func HTTPMetricsMiddleware(metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			rw := &responseWriter{
				ResponseWriter: w,
				statusCode:     http.StatusOK,
			}

			next.ServeHTTP(rw, r)

			status := strconv.Itoa(rw.statusCode)
			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, r.URL.Path, status).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, r.URL.Path).Observe(time.Since(start).Seconds())
		})
	}
}
