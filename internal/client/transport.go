package client

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"httpbackend-go/internal/metrics"
)

// instrumentedTransport logs and records metrics for every upstream round trip.
type instrumentedTransport struct {
	base    http.RoundTripper
	backend string
	logger  *slog.Logger
	metrics *metrics.Metrics
}

func newInstrumentedTransport(base http.RoundTripper, backend string, logger *slog.Logger, m *metrics.Metrics) *instrumentedTransport {
	return &instrumentedTransport{
		base:    base,
		backend: backend,
		logger:  logger.With("component", "upstream_client", "backend", backend),
		metrics: m,
	}
}

// RoundTrip implements http.RoundTripper.
func (t *instrumentedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	t.logger.Debug("upstream request",
		"method", req.Method,
		"host", req.URL.Host,
		"path", req.URL.Path,
	)

	start := time.Now()
	resp, err := t.base.RoundTrip(req) //nolint:bodyclose // body ownership transfers to the caller
	duration := time.Since(start)

	method := metrics.NormalizeMethod(req.Method)
	if t.metrics != nil {
		t.metrics.UpstreamDuration.WithLabelValues(t.backend, method).Observe(duration.Seconds())
	}

	if err != nil {
		t.logger.Warn("upstream request failed",
			"method", req.Method,
			"host", req.URL.Host,
			"duration_ms", duration.Milliseconds(),
			"err", err,
		)
		return nil, err
	}

	if t.metrics != nil {
		t.metrics.UpstreamResponses.WithLabelValues(t.backend, method, strconv.Itoa(resp.StatusCode)).Inc()
	}

	level := slog.LevelDebug
	if resp.StatusCode >= 500 {
		level = slog.LevelWarn
	}
	t.logger.Log(req.Context(), level, "upstream response",
		"method", req.Method,
		"host", req.URL.Host,
		"status", resp.StatusCode,
		"duration_ms", duration.Milliseconds(),
	)

	return resp, nil
}
