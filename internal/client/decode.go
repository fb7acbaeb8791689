package client

import (
	"compress/gzip"
	"compress/zlib"
	"io"
	"net/http"
	"strings"

	"github.com/andybalholm/brotli"
)

// decodeTransport advertises the enabled content codings and transparently
// decodes responses that use one of them.
type decodeTransport struct {
	base           http.RoundTripper
	acceptEncoding string
	gzip           bool
	deflate        bool
	brotli         bool
}

func newDecodeTransport(base http.RoundTripper, gz, deflate, br bool) *decodeTransport {
	var codings []string
	if gz {
		codings = append(codings, "gzip")
	}
	if deflate {
		codings = append(codings, "deflate")
	}
	if br {
		codings = append(codings, "br")
	}
	return &decodeTransport{
		base:           base,
		acceptEncoding: strings.Join(codings, ", "),
		gzip:           gz,
		deflate:        deflate,
		brotli:         br,
	}
}

// RoundTrip implements http.RoundTripper.
func (t *decodeTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("Accept-Encoding") == "" && req.Header.Get("Range") == "" {
		req = req.Clone(req.Context())
		req.Header.Set("Accept-Encoding", t.acceptEncoding)
	}

	resp, err := t.base.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	if req.Method == http.MethodHead || resp.StatusCode == http.StatusNoContent || resp.StatusCode == http.StatusNotModified {
		return resp, nil
	}

	coding := strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding")))
	var open func(io.Reader) (io.Reader, error)
	switch {
	case coding == "gzip" && t.gzip:
		open = func(r io.Reader) (io.Reader, error) { return gzip.NewReader(r) }
	case coding == "deflate" && t.deflate:
		open = func(r io.Reader) (io.Reader, error) { return zlib.NewReader(r) }
	case coding == "br" && t.brotli:
		open = func(r io.Reader) (io.Reader, error) { return brotli.NewReader(r), nil }
	default:
		return resp, nil
	}

	resp.Body = &decodedBody{src: resp.Body, open: open}
	resp.Header.Del("Content-Encoding")
	resp.Header.Del("Content-Length")
	resp.ContentLength = -1
	resp.Uncompressed = true
	return resp, nil
}

// decodedBody opens its decoder on first read so a slow upstream never blocks RoundTrip.
type decodedBody struct {
	src  io.ReadCloser
	open func(io.Reader) (io.Reader, error)
	r    io.Reader
	err  error
}

func (b *decodedBody) Read(p []byte) (int, error) {
	if b.err != nil {
		return 0, b.err
	}
	if b.r == nil {
		b.r, b.err = b.open(b.src)
		if b.err != nil {
			return 0, b.err
		}
	}
	return b.r.Read(p)
}

func (b *decodedBody) Close() error {
	if c, ok := b.r.(io.Closer); ok {
		_ = c.Close()
	}
	return b.src.Close()
}
