package middleware

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metric names exported by the middleware layer.
const (
	MetricRateLimitRequests     = "rate_limit_requests_total"
	MetricRateLimitBlocked      = "rate_limit_blocked_total"
	MetricRateLimitRedisErrors  = "rate_limit_redis_errors_total"
	MetricHTTPRequestDuration   = "http_request_duration_seconds"
	MetricHTTPRequestsTotal     = "http_requests_total"
	MetricHTTPRequestSizeBytes  = "http_request_size_bytes"
	MetricHTTPResponseSizeBytes = "http_response_size_bytes"
	MetricPresentationStreams   = "presentation_streams_active"
)

// Request labels shared by every HTTP collector. route is the normalized
// pattern from normalizePath, never the raw URL.
var httpLabels = []string{"method", "route", "status"}

// Theme payloads are small JSON documents; 64 B to 1 MiB covers them and the
// audit exports.
var sizeBuckets = prometheus.ExponentialBuckets(64, 4, 8)

type limitMetrics struct {
	checks      *prometheus.CounterVec
	blocked     *prometheus.CounterVec
	redisErrors prometheus.Counter
}

type httpMetrics struct {
	duration     *prometheus.HistogramVec
	requests     *prometheus.CounterVec
	requestSize  *prometheus.HistogramVec
	responseSize *prometheus.HistogramVec
}

// Metrics holds the collectors fed by the HTTP middleware, the vote rate
// limiter and the presentation stream handler. Safe for concurrent use.
type Metrics struct {
	limit   limitMetrics
	http    httpMetrics
	streams prometheus.Gauge
}

// NewMetrics builds unregistered collectors; see Register.
func NewMetrics() *Metrics {
	limitLabels := []string{"endpoint", "key_type"}
	return &Metrics{
		limit: limitMetrics{
			checks: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: MetricRateLimitRequests,
				Help: "Rate limit checks by endpoint and key type",
			}, limitLabels),
			blocked: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: MetricRateLimitBlocked,
				Help: "Requests rejected by the rate limiter",
			}, limitLabels),
			redisErrors: prometheus.NewCounter(prometheus.CounterOpts{
				Name: MetricRateLimitRedisErrors,
				Help: "Redis failures during rate limiting; the request was let through",
			}),
		},
		http: httpMetrics{
			duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Name:    MetricHTTPRequestDuration,
				Help:    "HTTP request latency in seconds",
				Buckets: []float64{0.005, 0.025, 0.1, 0.5, 1, 2.5},
			}, httpLabels),
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: MetricHTTPRequestsTotal,
				Help: "HTTP requests served",
			}, httpLabels),
			requestSize: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Name:    MetricHTTPRequestSizeBytes,
				Help:    "HTTP request body size in bytes",
				Buckets: sizeBuckets,
			}, httpLabels),
			responseSize: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Name:    MetricHTTPResponseSizeBytes,
				Help:    "HTTP response body size in bytes",
				Buckets: sizeBuckets,
			}, httpLabels),
		},
		streams: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: MetricPresentationStreams,
			Help: "Open presentation websocket streams",
		}),
	}
}

// Register adds every collector to reg, stopping at the first failure.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range m.Collectors() {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// IncRateLimitRequests counts one limiter check. keyType is "user",
// "client" or "ip".
func (m *Metrics) IncRateLimitRequests(endpoint, keyType string) {
	m.limit.checks.WithLabelValues(endpoint, keyType).Inc()
}

func (m *Metrics) IncRateLimitBlocked(endpoint, keyType string) {
	m.limit.blocked.WithLabelValues(endpoint, keyType).Inc()
}

func (m *Metrics) IncRateLimitRedisErrors() {
	m.limit.redisErrors.Inc()
}

// ObserveHTTPRequest records one served request under its normalized route.
func (m *Metrics) ObserveHTTPRequest(method, route, status string, seconds float64, requestSize, responseSize int64) {
	h := m.http
	h.duration.WithLabelValues(method, route, status).Observe(seconds)
	h.requests.WithLabelValues(method, route, status).Inc()
	h.requestSize.WithLabelValues(method, route, status).Observe(float64(requestSize))
	h.responseSize.WithLabelValues(method, route, status).Observe(float64(responseSize))
}

func (m *Metrics) StreamOpened() { m.streams.Inc() }

func (m *Metrics) StreamClosed() { m.streams.Dec() }

// Collectors lists every collector in registration order.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.limit.checks,
		m.limit.blocked,
		m.limit.redisErrors,
		m.http.duration,
		m.http.requests,
		m.http.requestSize,
		m.http.responseSize,
		m.streams,
	}
}
