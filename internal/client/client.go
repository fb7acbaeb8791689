// Package client builds the configured HTTP client shared by every request
// through one backend.
package client

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"time"

	"httpbackend-go/internal/metrics"
)

// Options mirrors the bind-time client arguments.
type Options struct {
	// Name labels logs and metrics.
	Name string

	// Follow is the number of redirects to follow; zero or less disables redirects.
	Follow int

	// Timeout bounds a whole exchange; ConnectTimeout bounds dialing. Zero means none.
	Timeout        time.Duration
	ConnectTimeout time.Duration

	AutoGzip    bool
	AutoDeflate bool
	AutoBrotli  bool

	AcceptInvalidCerts     bool
	AcceptInvalidHostnames bool

	// HTTPProxy is used for http:// URLs and HTTPSProxy for https:// URLs.
	// With neither set the environment proxy settings apply.
	HTTPProxy  string
	HTTPSProxy string

	IdleConnections int
}

// New creates the http.Client described by opts. It fails on invalid proxy URLs.
// The metrics parameter is optional; pass nil to disable upstream metrics recording.
func New(opts Options, logger *slog.Logger, m *metrics.Metrics) (*http.Client, error) {
	rt, err := NewTransport(opts, logger, m)
	if err != nil {
		return nil, err
	}

	return &http.Client{
		Transport:     rt,
		Timeout:       opts.Timeout,
		CheckRedirect: redirectPolicy(opts.Follow),
	}, nil
}

// NewTransport builds the round tripper chain used by New: instrumentation
// around response decoding around a pooled *http.Transport.
func NewTransport(opts Options, logger *slog.Logger, m *metrics.Metrics) (http.RoundTripper, error) {
	proxy, err := proxyFunc(opts.HTTPProxy, opts.HTTPSProxy)
	if err != nil {
		return nil, err
	}

	idle := opts.IdleConnections
	if idle <= 0 {
		idle = 100
	}
	connectTimeout := opts.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = 30 * time.Second
	}

	base := &http.Transport{
		Proxy:               proxy,
		MaxIdleConns:        idle,
		MaxIdleConnsPerHost: idle,
		IdleConnTimeout:     90 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   connectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		ForceAttemptHTTP2:     true,
		TLSClientConfig:       tlsConfig(opts.AcceptInvalidCerts, opts.AcceptInvalidHostnames),
		// Decoding is done by decodeTransport according to the Auto* toggles.
		DisableCompression: true,
	}

	var rt http.RoundTripper = base
	if opts.AutoGzip || opts.AutoDeflate || opts.AutoBrotli {
		rt = newDecodeTransport(rt, opts.AutoGzip, opts.AutoDeflate, opts.AutoBrotli)
	}
	return newInstrumentedTransport(rt, opts.Name, logger, m), nil
}

func redirectPolicy(follow int) func(*http.Request, []*http.Request) error {
	if follow <= 0 {
		return func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		}
	}
	return func(_ *http.Request, via []*http.Request) error {
		if len(via) > follow {
			return fmt.Errorf("stopped after %d redirects", follow)
		}
		return nil
	}
}

func proxyFunc(httpProxy, httpsProxy string) (func(*http.Request) (*url.URL, error), error) {
	if httpProxy == "" && httpsProxy == "" {
		return http.ProxyFromEnvironment, nil
	}

	plain, err := parseProxy("http_proxy", httpProxy)
	if err != nil {
		return nil, err
	}
	secure, err := parseProxy("https_proxy", httpsProxy)
	if err != nil {
		return nil, err
	}

	return func(req *http.Request) (*url.URL, error) {
		switch req.URL.Scheme {
		case "https":
			return secure, nil
		case "http":
			return plain, nil
		default:
			return nil, nil
		}
	}, nil
}

func parseProxy(field, raw string) (*url.URL, error) {
	if raw == "" {
		return nil, nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%s is not a valid URL: %w", field, err)
	}
	switch u.Scheme {
	case "http", "https", "socks5", "socks5h":
	default:
		return nil, fmt.Errorf("%s must use http, https or socks5; got %q", field, raw)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("%s has no host: %q", field, raw)
	}
	return u, nil
}

func tlsConfig(invalidCerts, invalidHostnames bool) *tls.Config {
	cfg := &tls.Config{MinVersion: tls.VersionTLS12}
	switch {
	case invalidCerts:
		cfg.InsecureSkipVerify = true //nolint:gosec // explicitly requested by configuration
	case invalidHostnames:
		// Verify the chain but not the name.
		cfg.InsecureSkipVerify = true //nolint:gosec // chain is verified in VerifyConnection
		cfg.VerifyConnection = verifyChainOnly
	}
	return cfg
}

func verifyChainOnly(cs tls.ConnectionState) error {
	if len(cs.PeerCertificates) == 0 {
		return errors.New("tls: no peer certificates")
	}
	opts := x509.VerifyOptions{Intermediates: x509.NewCertPool()}
	for _, cert := range cs.PeerCertificates[1:] {
		opts.Intermediates.AddCert(cert)
	}
	_, err := cs.PeerCertificates[0].Verify(opts)
	return err
}
