package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the server's Prometheus collectors. Each Server owns its
// own registry so several servers can run in one process.
type Metrics struct {
	registry *prometheus.Registry

	requests    *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	inflight    prometheus.Gauge
	mutations   *prometheus.CounterVec
	replays     prometheus.Counter
	overwrites  prometheus.Counter
	keyReused   prometheus.Counter
	rateLimited *prometheus.CounterVec
	purged      prometheus.Counter
}

// NewMetrics creates and registers the server collectors.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "offsync_http_requests_total",
			Help: "HTTP requests by method, route and status.",
		}, []string{"method", "route", "status"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "offsync_http_request_duration_seconds",
			Help:    "HTTP request latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "offsync_http_inflight_requests",
			Help: "Requests currently being served.",
		}),
		mutations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "offsync_mutations_total",
			Help: "Mutations applied by method and outcome.",
		}, []string{"method", "outcome"}),
		replays: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "offsync_idempotent_replays_total",
			Help: "Responses served from the idempotency cache.",
		}),
		overwrites: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "offsync_overwrites_total",
			Help: "Mutations applied with X-Overwrite.",
		}),
		keyReused: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "offsync_idempotency_key_reused_total",
			Help: "Requests rejected for reusing a key with a different body.",
		}),
		rateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "offsync_rate_limited_total",
			Help: "Requests rejected by the rate limiter.",
		}, []string{"class"}),
		purged: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "offsync_idempotency_purged_total",
			Help: "Expired idempotency entries removed by cleanup.",
		}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.requests, m.duration, m.inflight, m.mutations, m.replays,
		m.overwrites, m.keyReused, m.rateLimited, m.purged,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// RecordRequest records one finished request.
func (m *Metrics) RecordRequest(method, route string, status int, dur time.Duration) {
	m.requests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.duration.WithLabelValues(method, route).Observe(dur.Seconds())
}

// RecordMutation counts an applied mutation and its outcome
// ("ok", "conflict", "not_found", "invalid", "error").
func (m *Metrics) RecordMutation(method, outcome string) {
	m.mutations.WithLabelValues(method, outcome).Inc()
}

// RecordReplay increments the idempotent replay counter.
func (m *Metrics) RecordReplay() {
	m.replays.Inc()
}

// RecordOverwrite increments the overwrite counter.
func (m *Metrics) RecordOverwrite() {
	m.overwrites.Inc()
}

// RecordKeyReused increments the key reuse counter.
func (m *Metrics) RecordKeyReused() {
	m.keyReused.Inc()
}

// RecordRateLimited counts a rejected request for the given limit class.
func (m *Metrics) RecordRateLimited(class string) {
	m.rateLimited.WithLabelValues(class).Inc()
}

// RecordPurged adds n to the purged idempotency entries counter.
func (m *Metrics) RecordPurged(n int64) {
	m.purged.Add(float64(n))
}

// routeLabel collapses record paths so ids do not become label values.
func routeLabel(path string) string {
	segs := strings.Split(strings.Trim(path, "/"), "/")
	if len(segs) == 0 || segs[0] != "v1" {
		return path
	}
	switch len(segs) {
	case 2:
		return "/v1/{collection}"
	case 3:
		return "/v1/{collection}/{id}"
	}
	return "other"
}
