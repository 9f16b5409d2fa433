// Package metrics holds the Prometheus collectors for tinyair.
//
// Every method is safe to call on a nil *Metrics so components can be
// constructed without instrumentation in tests.
package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "tinyair"

// Result label values
const (
	ResultSuccess   = "success"
	ResultFailure   = "failure"
	ResultDuplicate = "duplicate"
	ResultHit       = "hit"
	ResultMiss      = "miss"
)

// Metrics bundles the collectors registered on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	tokenRenewals    *prometheus.CounterVec
	upstreamDuration *prometheus.HistogramVec
	cacheLookups     *prometheus.CounterVec
	ingestCycles     *prometheus.CounterVec
	ingestDuration   prometheus.Histogram
	lastIngest       prometheus.Gauge
	httpRequests     *prometheus.CounterVec
	httpDuration     *prometheus.HistogramVec
}

// New creates and registers all collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		tokenRenewals: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "token_renewals_total",
				Help:      "Total number of access token renewals by result",
			},
			[]string{"result"},
		),
		upstreamDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "upstream_request_duration_seconds",
				Help:      "Duration of calls to the Tuya OpenAPI",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"endpoint", "result"},
		),
		cacheLookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "read_cache_lookups_total",
				Help:      "Read cache lookups by result (hit or miss)",
			},
			[]string{"result"},
		),
		ingestCycles: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ingest_cycles_total",
				Help:      "Ingestion cycles by trigger and result",
			},
			[]string{"trigger", "result"},
		),
		ingestDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "ingest_cycle_duration_seconds",
				Help:      "Duration of a fetch + write ingestion cycle",
				Buckets:   prometheus.DefBuckets,
			},
		),
		lastIngest: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "last_ingested_reading_timestamp_seconds",
				Help:      "Unix time of the most recently ingested reading",
			},
		),
		httpRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"route", "method", "status"},
		),
		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"route", "method"},
		),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.tokenRenewals,
		m.upstreamDuration,
		m.cacheLookups,
		m.ingestCycles,
		m.ingestDuration,
		m.lastIngest,
		m.httpRequests,
		m.httpDuration,
	)
	return m
}

// Registry exposes the underlying registry (tests gather from it).
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// TokenRenewal counts one renewal attempt.
func (m *Metrics) TokenRenewal(err error) {
	if m == nil {
		return
	}
	m.tokenRenewals.WithLabelValues(resultOf(err)).Inc()
}

// UpstreamRequest records the latency of one Tuya call.
func (m *Metrics) UpstreamRequest(endpoint string, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.upstreamDuration.WithLabelValues(endpoint, resultOf(err)).Observe(d.Seconds())
}

// CacheLookup counts a read cache hit or miss.
func (m *Metrics) CacheLookup(hit bool) {
	if m == nil {
		return
	}
	result := ResultMiss
	if hit {
		result = ResultHit
	}
	m.cacheLookups.WithLabelValues(result).Inc()
}

// IngestCycle records the outcome of one fetch + write cycle.
func (m *Metrics) IngestCycle(trigger, result string, d time.Duration) {
	if m == nil {
		return
	}
	m.ingestCycles.WithLabelValues(trigger, result).Inc()
	m.ingestDuration.Observe(d.Seconds())
}

// ReadingIngested moves the last-ingested gauge forward.
func (m *Metrics) ReadingIngested(recordedAt time.Time) {
	if m == nil {
		return
	}
	m.lastIngest.Set(float64(recordedAt.Unix()))
}

// Middleware records request count and latency per mux route template,
// so /api/latest-metrics?device_id=x never explodes label cardinality.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// Wrap ResponseWriter to capture status code
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)

		route := routeTemplate(r)
		m.httpDuration.WithLabelValues(route, r.Method).Observe(time.Since(start).Seconds())
		m.httpRequests.WithLabelValues(route, r.Method, strconv.Itoa(rw.statusCode)).Inc()
	})
}

func routeTemplate(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return "unmatched"
}

func resultOf(err error) string {
	if err != nil {
		return ResultFailure
	}
	return ResultSuccess
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Hijack lets the WebSocket upgrader take over instrumented connections.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	return h.Hijack()
}
