package handler

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/url"

	"github.com/labstack/echo/v4"

	"httpbackend-go/internal/backend"
	"httpbackend-go/internal/middleware"
	"httpbackend-go/internal/model"
	"httpbackend-go/internal/relay"
	"httpbackend-go/internal/stream"
)

// pullSize is the buffer handed to each Pull while streaming a response.
const pullSize = 32 * 1024

// FetchHandler is the cache-fill path: it turns an inbound request into a
// backend request and streams the backend response back.
type FetchHandler struct {
	reg    *backend.Registry
	logger *slog.Logger
}

// NewFetchHandler creates a FetchHandler.
func NewFetchHandler(reg *backend.Registry, logger *slog.Logger) *FetchHandler {
	return &FetchHandler{
		reg:    reg,
		logger: logger.With("component", "fetch_handler"),
	}
}

// Handle serves ANY /fetch/:backend/*.
func (h *FetchHandler) Handle(c echo.Context) error {
	req := c.Request()

	b, err := h.reg.Lookup(c.Param("backend"))
	if err != nil {
		return h.mapError(c, err)
	}

	hr := hostRequest(req, c.Param("*"))
	f, err := b.GetHeaders(req.Context(), hr)
	if err != nil {
		return h.mapError(c, err)
	}
	defer b.Finish(f)

	if f.NoRetry != "" {
		h.logger.Debug("fetch is not retryable", "backend", b.Name(), "reason", f.NoRetry)
	}

	header := f.Header.Clone()
	middleware.StripHopByHop(header)
	for key, vals := range header {
		for _, v := range vals {
			c.Response().Header().Add(key, v)
		}
	}
	c.Response().WriteHeader(f.Status)

	// Status is already sent, so a body failure past this point aborts the connection.
	buf := make([]byte, pullSize)
	for {
		n, res := f.Body.Pull(buf)
		if n > 0 {
			if _, err := c.Response().Write(buf[:n]); err != nil {
				h.logger.Error("writing response body", "err", err, "backend", b.Name())
				return nil
			}
			c.Response().Flush()
		}
		switch res {
		case stream.PullEnd:
			return nil
		case stream.PullErr:
			h.logger.Error("streaming response body",
				"err", f.Body.Err(),
				"backend", b.Name(),
				"path", req.URL.Path,
			)
			// Drop the connection so the client cannot mistake the body for complete.
			panic(http.ErrAbortHandler)
		}
	}
}

// hostRequest builds the backend request for path. The Host header goes
// first since Go keeps it outside req.Header.
func hostRequest(req *http.Request, path string) *backend.HostRequest {
	target := "/" + path
	if req.URL.RawQuery != "" {
		target += "?" + req.URL.RawQuery
	}

	headers := make([]model.HeaderPair, 0, len(req.Header)+1)
	if req.Host != "" {
		headers = append(headers, model.HeaderPair{Name: "Host", Value: req.Host})
	}
	for key, vals := range req.Header {
		for _, v := range vals {
			headers = append(headers, model.HeaderPair{Name: key, Value: v})
		}
	}

	hr := &backend.HostRequest{
		Method:  req.Method,
		URL:     target,
		Headers: headers,
	}
	if req.Body != nil && req.Body != http.NoBody {
		hr.Body = relay.ReaderSource(req.Body, pullSize)
	}
	return hr
}

func (h *FetchHandler) mapError(c echo.Context, err error) error {
	h.logger.Error("fetch error",
		"err", err,
		"path", c.Request().URL.Path,
	)

	if errors.Is(err, backend.ErrUnknownBackend) {
		return c.JSON(http.StatusNotFound, map[string]string{
			"error": "unknown backend",
		})
	}

	if errors.Is(err, backend.ErrUnhealthy) {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{
			"error": "backend is unhealthy",
		})
	}

	if errors.Is(err, backend.ErrNoHost) {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "request has no Host header",
		})
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return c.JSON(http.StatusGatewayTimeout, map[string]string{
			"error": "upstream request timed out",
		})
	}

	if errors.Is(err, context.Canceled) {
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "client disconnected",
		})
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return c.JSON(http.StatusGatewayTimeout, map[string]string{
			"error": "upstream request timed out",
		})
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "upstream host unreachable",
		})
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "upstream connection failed",
		})
	}

	return c.JSON(http.StatusBadGateway, map[string]string{
		"error": "upstream request failed",
	})
}
