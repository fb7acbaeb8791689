package middleware

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"httpbackend-go/internal/metrics"
)

// MetricsMiddleware returns an Echo middleware that records Prometheus metrics
// for each inbound request. Fetches aborted mid-stream are counted with the
// status label "aborted".
func MetricsMiddleware(m *metrics.Metrics) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			m.RequestsInFlight.Inc()
			start := time.Now()
			method := metrics.NormalizeMethod(c.Request().Method)
			path := metrics.NormalizePath(c.Request().URL.Path)

			observe := func(status string) {
				m.RequestsInFlight.Dec()
				m.RequestsTotal.WithLabelValues(method, status, path).Inc()
				m.RequestDuration.WithLabelValues(method, status, path).Observe(time.Since(start).Seconds())
			}

			defer func() {
				r := recover()
				if r == nil {
					return
				}
				if r == http.ErrAbortHandler {
					observe(metrics.StatusAborted)
				} else {
					m.RequestsInFlight.Dec()
				}
				panic(r)
			}()

			err := next(c)
			observe(strconv.Itoa(statusCode(c, err)))
			return err
		}
	}
}

// statusCode resolves the status the client will see. An *echo.HTTPError
// has not been written yet when the handler returns; Echo's error handler
// writes it later.
func statusCode(c echo.Context, err error) int {
	var he *echo.HTTPError
	if err != nil && errors.As(err, &he) {
		return he.Code
	}
	return c.Response().Status
}
