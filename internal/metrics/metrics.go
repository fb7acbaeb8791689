// Package metrics provides Prometheus metrics for the backend adapter.
package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// StatusAborted is the status_code label of a request whose connection was
// dropped after the response head went out.
const StatusAborted = "aborted"

// Default histogram buckets for request latency.
var defaultBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10}

// Metrics holds all Prometheus metric collectors.
type Metrics struct {
	Registry *prometheus.Registry

	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	UpstreamDuration  *prometheus.HistogramVec
	UpstreamResponses *prometheus.CounterVec

	ExchangesInFlight prometheus.Gauge
	ExchangesTotal    *prometheus.CounterVec

	ProbesTotal    *prometheus.CounterVec
	BackendHealthy *prometheus.GaugeVec
}

// New creates a Metrics instance with a custom registry and all collectors registered.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "httpbackend_http_requests_total",
			Help: "Total inbound HTTP requests.",
		}, []string{"method", "status_code", "path_prefix"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "httpbackend_http_request_duration_seconds",
			Help:    "Inbound HTTP request latency in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method", "status_code", "path_prefix"}),

		RequestsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "httpbackend_http_requests_in_flight",
			Help: "Number of inbound HTTP requests currently being processed.",
		}),

		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "httpbackend_upstream_request_duration_seconds",
			Help:    "Upstream call latency in seconds, up to response headers.",
			Buckets: defaultBuckets,
		}, []string{"backend", "method"}),

		UpstreamResponses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "httpbackend_upstream_responses_total",
			Help: "Total upstream responses by backend, method and status code.",
		}, []string{"backend", "method", "status_code"}),

		ExchangesInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "httpbackend_exchanges_in_flight",
			Help: "Number of exchanges currently running on the executor.",
		}),

		ExchangesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "httpbackend_exchanges_total",
			Help: "Finished exchanges by mode and outcome.",
		}, []string{"mode", "outcome"}),

		ProbesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "httpbackend_probes_total",
			Help: "Health probes by backend and outcome.",
		}, []string{"backend", "outcome"}),

		BackendHealthy: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "httpbackend_backend_healthy",
			Help: "1 when the backend's probe verdict is healthy, 0 otherwise.",
		}, []string{"backend"}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.RequestsInFlight,
		m.UpstreamDuration,
		m.UpstreamResponses,
		m.ExchangesInFlight,
		m.ExchangesTotal,
		m.ProbesTotal,
		m.BackendHealthy,
	)

	return m
}

// knownMethods lists the allowed HTTP method label values (bounded cardinality).
var knownMethods = map[string]bool{
	"GET": true, "POST": true, "PUT": true, "DELETE": true,
	"PATCH": true, "HEAD": true, "OPTIONS": true,
}

// NormalizeMethod returns a bounded HTTP method label for Prometheus metrics.
// Non-standard methods are mapped to "other" to prevent cardinality explosion.
func NormalizeMethod(method string) string {
	if knownMethods[method] {
		return method
	}
	return "other"
}

// knownPrefixes lists the allowed path label values (bounded cardinality).
var knownPrefixes = []string{"/fetch", "/script", "/healthz", "/proxy/status", "/metrics"}

// NormalizePath returns a bounded path label for Prometheus metrics.
func NormalizePath(path string) string {
	for _, prefix := range knownPrefixes {
		if path == prefix || strings.HasPrefix(path, prefix+"/") || strings.HasPrefix(path, prefix+"?") {
			return prefix
		}
	}
	return "other"
}

// Outcome returns the probe/exchange outcome label for ok.
func Outcome(ok bool) string {
	if ok {
		return "pass"
	}
	return "fail"
}
