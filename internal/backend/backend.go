// Package backend binds configured HTTP clients into the host's director
// table and implements the callbacks the host invokes for cache fills.
package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"httpbackend-go/internal/client"
	"httpbackend-go/internal/metrics"
	"httpbackend-go/internal/model"
	"httpbackend-go/internal/probe"
	"httpbackend-go/internal/relay"
	"httpbackend-go/internal/stream"
	"httpbackend-go/internal/transaction"
)

var (
	// ErrUnhealthy is returned by GetHeaders while the probe verdict is negative.
	ErrUnhealthy = errors.New("backend is unhealthy")

	// ErrNoHost is returned when a path-only URL has no Host header to resolve against.
	ErrNoHost = errors.New("no host header to resolve a relative URL")

	// ErrHTTPSWithBaseURL is returned at bind time when both are configured.
	ErrHTTPSWithBaseURL = errors.New("https and base_url are mutually exclusive")

	errAborted = errors.New("exchange ended without a response")
)

// directorPrefix is prepended to backend names in the host's director table.
const directorPrefix = "httpbackend_"

// Event is a lifecycle notification from the host.
type Event int

const (
	EventLoad Event = iota
	EventWarm
	EventCold
	EventDiscard
)

func (e Event) String() string {
	switch e {
	case EventLoad:
		return "load"
	case EventWarm:
		return "warm"
	case EventCold:
		return "cold"
	case EventDiscard:
		return "discard"
	default:
		return "unknown"
	}
}

// Options are the bind-time arguments of one backend.
type Options struct {
	Name string

	// BaseURL is prepended to every cache-fill URL.
	BaseURL string

	// HTTPS selects the scheme for path-only URLs resolved against the Host header.
	HTTPS bool

	Client client.Options

	// Probe enables health probing when non-nil.
	Probe *probe.Spec
}

// HostRequest is the backend request the host hands to GetHeaders.
type HostRequest struct {
	Method  string
	URL     string
	Headers []model.HeaderPair

	// Body pushes the request body, if any.
	Body relay.Source

	// BodyCached tells whether the host kept a copy of the body and can replay it.
	BodyCached bool
}

// Fetch is an in-progress cache fill. The host pulls the body from Body and
// must hand the Fetch back to Finish.
type Fetch struct {
	Status int
	Header http.Header
	Body   *stream.Puller

	// NoRetry is non-empty when the fetch must not be retried, and says why.
	NoRetry string
}

// Backend is one bound name. Exactly one exists per name in a Registry.
type Backend struct {
	id       uuid.UUID
	name     string
	director string
	baseURL  string
	https    bool

	http    *http.Client
	spawner transaction.Spawner
	script  *transaction.Client
	probe   *probe.State

	logger *slog.Logger
}

// Bind validates opts, builds the backend's client and probe state, and
// registers it in reg. The probe is not started until EventWarm.
func Bind(reg *Registry, sp transaction.Spawner, opts Options, logger *slog.Logger, m *metrics.Metrics) (*Backend, error) {
	if opts.Name == "" {
		return nil, errors.New("backend name is required")
	}
	if opts.HTTPS && opts.BaseURL != "" {
		return nil, fmt.Errorf("backend %q: %w", opts.Name, ErrHTTPSWithBaseURL)
	}

	opts.Client.Name = opts.Name
	hc, err := client.New(opts.Client, logger, m)
	if err != nil {
		return nil, fmt.Errorf("backend %q: %w", opts.Name, err)
	}

	b := &Backend{
		id:       uuid.New(),
		name:     opts.Name,
		director: directorPrefix + opts.Name,
		baseURL:  opts.BaseURL,
		https:    opts.HTTPS,
		http:     hc,
		spawner:  sp,
		script:   transaction.NewClient(opts.Name, hc, sp),
		logger:   logger.With("component", "backend", "backend", opts.Name),
	}

	if opts.Probe != nil {
		b.probe, err = probe.NewState(opts.Name, *opts.Probe, opts.BaseURL, hc.Transport, logger, m)
		if err != nil {
			return nil, fmt.Errorf("backend %q: probe: %w", opts.Name, err)
		}
	}

	if err := reg.add(b); err != nil {
		return nil, err
	}

	b.logger.Info("backend bound",
		"id", b.id,
		"director", b.director,
		"base_url", b.baseURL,
		"probe", b.probe != nil,
	)
	return b, nil
}

// ID returns the registry id.
func (b *Backend) ID() uuid.UUID { return b.id }

// Name returns the configured name.
func (b *Backend) Name() string { return b.name }

// Director returns the name the backend is registered under in the host.
func (b *Backend) Director() string { return b.director }

// HTTPClient returns the configured client.
func (b *Backend) HTTPClient() *http.Client { return b.http }

// Script returns the transaction API bound to this backend's client.
func (b *Backend) Script() *transaction.Client { return b.script }

// Probe returns the probe state, or nil when probing is disabled.
func (b *Backend) Probe() *probe.State { return b.probe }

// Healthy reports the probe verdict. Backends without a probe are always healthy.
func (b *Backend) Healthy() (bool, time.Time) {
	if b.probe == nil {
		return true, time.Time{}
	}
	return b.probe.Healthy()
}

// Event handles a lifecycle notification.
func (b *Backend) Event(ev Event) {
	b.logger.Debug("lifecycle event", "event", ev.String())
	if b.probe == nil {
		return
	}
	switch ev {
	case EventWarm:
		b.probe.Start(context.Background())
	case EventCold, EventDiscard:
		b.probe.Stop()
	}
}

// GetHeaders starts a streaming exchange for hr, feeds its body, and waits
// for the response head. On success the caller owns the returned Fetch and
// must pass it to Finish.
func (b *Backend) GetHeaders(ctx context.Context, hr *HostRequest) (*Fetch, error) {
	if ok, _ := b.Healthy(); !ok {
		b.logger.Warn("fetch refused", "url", hr.URL, "err", ErrUnhealthy)
		return nil, fmt.Errorf("backend %q: %w", b.name, ErrUnhealthy)
	}

	target, err := b.resolveURL(hr)
	if err != nil {
		return nil, fmt.Errorf("backend %q: %w", b.name, err)
	}

	req := model.Request{
		Method:  hr.Method,
		URL:     target,
		Headers: hr.Headers,
		Body:    model.NoBody(),
		Client:  b.http,
	}

	var rl *relay.Relay
	if hr.Body != nil {
		rl = relay.New()
		req.Body = model.StreamBody(rl.Reader())
	}

	reply := b.spawner.Spawn(req)

	fetch := &Fetch{}
	if rl != nil {
		if !hr.BodyCached {
			fetch.NoRetry = "request body not cached"
		}
		if ferr := relay.Feed(ctx, rl, hr.Body); ferr != nil {
			fetch.NoRetry = "request body relay closed"
			b.logger.Debug("request body relay ended early", "err", ferr)
		}
	}

	msg, ok, err := reply.RecvContext(ctx)
	if err != nil {
		reply.Close()
		return nil, fmt.Errorf("backend %q: fetch %s: %w", b.name, target, err)
	}
	if !ok {
		return nil, fmt.Errorf("backend %q: fetch %s: %w", b.name, target, errAborted)
	}

	switch msg.Kind {
	case model.MsgHeader:
		fetch.Status = msg.Resp.Status
		fetch.Header = msg.Resp.Header
		fetch.Body = stream.New(reply)
		return fetch, nil
	case model.MsgError:
		reply.Close()
		return nil, fmt.Errorf("backend %q: fetch %s: %w", b.name, target, msg.Err)
	default:
		reply.Close()
		panic(fmt.Sprintf("backend: %s message before response head", msg.Kind))
	}
}

// Finish releases the streaming resources of f. Safe with a nil Fetch.
func (b *Backend) Finish(f *Fetch) {
	if f == nil || f.Body == nil {
		return
	}
	_ = f.Body.Close()
}

func (b *Backend) resolveURL(hr *HostRequest) (string, error) {
	if b.baseURL != "" {
		return b.baseURL + hr.URL, nil
	}
	if !strings.HasPrefix(hr.URL, "/") {
		return hr.URL, nil
	}

	host := ""
	for _, h := range hr.Headers {
		if strings.EqualFold(h.Name, "host") {
			host = h.Value
			break
		}
	}
	if host == "" {
		return "", ErrNoHost
	}

	scheme := "http"
	if b.https {
		scheme = "https"
	}
	return scheme + "://" + host + hr.URL, nil
}
