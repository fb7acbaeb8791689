// Package module ties the executor and the backend registry to the host's
// load, warm, cold and discard lifecycle.
package module

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"httpbackend-go/internal/backend"
	"httpbackend-go/internal/client"
	"httpbackend-go/internal/config"
	"httpbackend-go/internal/executor"
	"httpbackend-go/internal/metrics"
	"httpbackend-go/internal/probe"
)

// ErrNotLoaded is returned by operations that need a loaded module.
var ErrNotLoaded = errors.New("module is not loaded")

// Module is the process-wide state of the adapter.
type Module struct {
	backends []config.BackendConfig
	logger   *slog.Logger
	metrics  *metrics.Metrics

	mu   sync.Mutex
	exec *executor.Executor
	reg  *backend.Registry
	warm bool
}

// New returns an unloaded module for the configured backends.
// The metrics parameter is optional.
func New(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *Module {
	return &Module{
		backends: cfg.Backends,
		logger:   logger.With("component", "module"),
		metrics:  m,
		reg:      backend.NewRegistry(),
	}
}

// Event applies a lifecycle transition. Load starts the executor and binds
// every configured backend; warm and cold are forwarded to the backends;
// discard cools down and stops the executor.
func (mod *Module) Event(ev backend.Event) error {
	mod.mu.Lock()
	defer mod.mu.Unlock()

	mod.logger.Info("lifecycle event", "event", ev.String())

	switch ev {
	case backend.EventLoad:
		return mod.load()
	case backend.EventWarm:
		if mod.exec == nil {
			return ErrNotLoaded
		}
		mod.reg.Broadcast(backend.EventWarm)
		mod.warm = true
	case backend.EventCold:
		mod.reg.Broadcast(backend.EventCold)
		mod.warm = false
	case backend.EventDiscard:
		mod.reg.Broadcast(backend.EventDiscard)
		mod.warm = false
		for _, b := range mod.reg.All() {
			mod.reg.Remove(b.ID())
		}
		if mod.exec != nil {
			mod.exec.Stop()
			mod.exec = nil
		}
	default:
		return fmt.Errorf("unknown lifecycle event %d", ev)
	}
	return nil
}

func (mod *Module) load() error {
	if mod.exec != nil {
		return nil
	}
	exec := executor.Start(mod.logger, mod.metrics)

	for _, bc := range mod.backends {
		if _, err := backend.Bind(mod.reg, exec, Options(bc), mod.logger, mod.metrics); err != nil {
			for _, b := range mod.reg.All() {
				mod.reg.Remove(b.ID())
			}
			exec.Stop()
			return fmt.Errorf("load: %w", err)
		}
	}

	mod.exec = exec
	mod.logger.Info("module loaded", "backends", mod.reg.Len())
	return nil
}

// Executor returns the running executor, or nil before load and after discard.
func (mod *Module) Executor() *executor.Executor {
	mod.mu.Lock()
	defer mod.mu.Unlock()
	return mod.exec
}

// Registry returns the director table.
func (mod *Module) Registry() *backend.Registry {
	return mod.reg
}

// Warm reports whether the backends are currently warm.
func (mod *Module) Warm() bool {
	mod.mu.Lock()
	defer mod.mu.Unlock()
	return mod.warm
}

// Options converts one [[backends]] table into bind options.
func Options(bc config.BackendConfig) backend.Options {
	opts := backend.Options{
		Name:    bc.Name,
		BaseURL: bc.BaseURL,
		HTTPS:   bc.HTTPS,
		Client: client.Options{
			Name:                   bc.Name,
			Follow:                 bc.Follow,
			Timeout:                bc.Timeout.Std(),
			ConnectTimeout:         bc.ConnectTimeout.Std(),
			AutoGzip:               enabled(bc.AutoGzip),
			AutoDeflate:            enabled(bc.AutoDeflate),
			AutoBrotli:             enabled(bc.AutoBrotli),
			AcceptInvalidCerts:     bc.AcceptInvalidCerts,
			AcceptInvalidHostnames: bc.AcceptInvalidHostnames,
			HTTPProxy:              bc.HTTPProxy,
			HTTPSProxy:             bc.HTTPSProxy,
			IdleConnections:        bc.IdleConnections,
		},
	}
	if p := bc.Probe; p != nil {
		opts.Probe = &probe.Spec{
			URL:       p.URL,
			Timeout:   p.Timeout.Std(),
			Interval:  p.Interval.Std(),
			Window:    p.Window,
			Threshold: p.Threshold,
			Initial:   p.Initial,
			ExpStatus: p.ExpStatus,
		}
	}
	return opts
}

// enabled treats an unset toggle as on.
func enabled(p *bool) bool {
	return p == nil || *p
}
