package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"golang.org/x/net/http/httpguts"

	"httpbackend-go/internal/metrics"
	"httpbackend-go/internal/model"
)

// chunkSize caps the size of a single chunk message in streaming mode.
const chunkSize = 32 * 1024

// exchange performs one request and relays the outcome on reply. The reply
// is always finished on return; a failed send means the caller walked away.
func (e *Executor) exchange(ctx context.Context, req model.Request, reply *Reply) {
	defer reply.Finish()

	if e.metrics != nil {
		e.metrics.ExchangesInFlight.Inc()
		defer e.metrics.ExchangesInFlight.Dec()
	}

	mode := "stream"
	if req.Buffered {
		mode = "buffered"
	}
	ok := e.run(ctx, req, reply)
	if e.metrics != nil {
		e.metrics.ExchangesTotal.WithLabelValues(mode, metrics.Outcome(ok)).Inc()
	}
}

func (e *Executor) run(ctx context.Context, req model.Request, reply *Reply) bool {
	hreq, err := buildRequest(ctx, req)
	if err != nil {
		reply.Send(ctx, model.ErrorMsg(err))
		return false
	}

	client := req.Client
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(hreq)
	if err != nil {
		e.logger.Debug("exchange failed", "method", hreq.Method, "err", err)
		reply.Send(ctx, model.ErrorMsg(err))
		return false
	}
	defer func() { _ = resp.Body.Close() }()

	out := &model.Response{
		Status: resp.StatusCode,
		Header: resp.Header,
	}

	if req.Buffered {
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			reply.Send(ctx, model.ErrorMsg(fmt.Errorf("read response body: %w", err)))
			return false
		}
		out.Body = body
		reply.Send(ctx, model.HeaderMsg(out))
		return true
	}

	if !reply.Send(ctx, model.HeaderMsg(out)) {
		return true
	}

	buf := make([]byte, chunkSize)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			if !reply.Send(ctx, model.ChunkMsg(bytes.Clone(buf[:n]))) {
				return true
			}
		}
		if errors.Is(err, io.EOF) {
			return true
		}
		if err != nil {
			reply.Send(ctx, model.ErrorMsg(fmt.Errorf("read response body: %w", err)))
			return false
		}
	}
}

// buildRequest assembles an *http.Request from req. On error a streaming
// body is closed here since it never reaches the transport.
func buildRequest(ctx context.Context, req model.Request) (*http.Request, error) {
	hreq, err := assemble(ctx, req)
	if err != nil && req.Body.Kind == model.BodyStream && req.Body.Stream != nil {
		_ = req.Body.Stream.Close()
	}
	return hreq, err
}

func assemble(ctx context.Context, req model.Request) (*http.Request, error) {
	if !validMethod(req.Method) {
		return nil, fmt.Errorf("invalid HTTP method %q", req.Method)
	}

	var body io.Reader
	switch req.Body.Kind {
	case model.BodyFull:
		body = bytes.NewReader(req.Body.Full)
	case model.BodyStream:
		if req.Body.Stream != nil {
			body = req.Body.Stream
		}
	}

	hreq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	lengthSet := false
	for _, h := range req.Headers {
		if !httpguts.ValidHeaderFieldName(h.Name) {
			return nil, fmt.Errorf("invalid header name %q", h.Name)
		}
		if !httpguts.ValidHeaderFieldValue(h.Value) {
			return nil, fmt.Errorf("invalid value for header %q", h.Name)
		}
		switch strings.ToLower(h.Name) {
		case "host":
			hreq.Host = h.Value
		case "content-length":
			// Only meaningful for streams; buffered bodies carry their own length.
			if req.Body.Kind == model.BodyStream {
				if n, err := strconv.ParseInt(h.Value, 10, 64); err == nil && n >= 0 {
					hreq.ContentLength = n
					lengthSet = true
				}
			}
		case "transfer-encoding", "connection":
			// Framing belongs to the transport.
		default:
			hreq.Header.Add(h.Name, h.Value)
		}
	}

	if req.Body.Kind == model.BodyStream && !lengthSet {
		// Unknown length: let the transport use chunked encoding.
		hreq.ContentLength = -1
	}

	return hreq, nil
}

func validMethod(method string) bool {
	if method == "" {
		return false
	}
	for _, r := range method {
		if !httpguts.IsTokenRune(r) {
			return false
		}
	}
	return true
}
