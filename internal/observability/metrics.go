package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	httpRequestsTotal      *prometheus.CounterVec
	httpRequestDuration    *prometheus.HistogramVec
	upstreamRequestsTotal  *prometheus.CounterVec
	upstreamDuration       *prometheus.HistogramVec
	rateLimited            prometheus.Counter
	transcriptionFallbacks prometheus.Counter
	refinementFallbacks    prometheus.Counter
	streamErrors           prometheus.Counter
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "voicepipe_http_requests_total",
				Help: "Total number of HTTP requests handled.",
			},
			[]string{"route", "method", "status"},
		),
		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "voicepipe_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"route", "method", "status"},
		),
		upstreamRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "voicepipe_upstream_requests_total",
				Help: "Total upstream OpenAI-compatible API requests.",
			},
			[]string{"endpoint", "status"},
		),
		upstreamDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "voicepipe_upstream_request_duration_seconds",
				Help:    "Upstream request duration in seconds.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"endpoint", "status"},
		),
		rateLimited: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "voicepipe_rate_limited_total",
				Help: "Requests rejected by the sliding-window rate limiter.",
			},
		),
		transcriptionFallbacks: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "voicepipe_transcription_fallback_total",
				Help: "Requests transcribed via the transcribe-then-translate fallback tier.",
			},
		),
		refinementFallbacks: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "voicepipe_refinement_fallback_total",
				Help: "Requests that fell open to the raw transcript due to refinement failure.",
			},
		),
		streamErrors: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "voicepipe_stream_errors_total",
				Help: "Streamed responses terminated by an inline error fragment.",
			},
		),
	}

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequestsTotal,
		m.httpRequestDuration,
		m.upstreamRequestsTotal,
		m.upstreamDuration,
		m.rateLimited,
		m.transcriptionFallbacks,
		m.refinementFallbacks,
		m.streamErrors,
	)

	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveHTTP(route, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unknown"
	}
	if method == "" {
		method = "UNKNOWN"
	}
	statusLabel := strconv.Itoa(status)
	m.httpRequestsTotal.WithLabelValues(route, method, statusLabel).Inc()
	m.httpRequestDuration.WithLabelValues(route, method, statusLabel).Observe(duration.Seconds())
}

func (m *Metrics) ObserveUpstream(endpoint string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	if endpoint == "" {
		endpoint = "unknown"
	}
	statusLabel := strconv.Itoa(status)
	m.upstreamRequestsTotal.WithLabelValues(endpoint, statusLabel).Inc()
	m.upstreamDuration.WithLabelValues(endpoint, statusLabel).Observe(duration.Seconds())
}

func (m *Metrics) IncRateLimited() {
	if m == nil {
		return
	}
	m.rateLimited.Inc()
}

func (m *Metrics) IncTranscriptionFallback() {
	if m == nil {
		return
	}
	m.transcriptionFallbacks.Inc()
}

func (m *Metrics) IncRefinementFallback() {
	if m == nil {
		return
	}
	m.refinementFallbacks.Inc()
}

func (m *Metrics) IncStreamError() {
	if m == nil {
		return
	}
	m.streamErrors.Inc()
}
