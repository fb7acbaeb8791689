package probe

import (
	"context"
	"io"
	"log/slog"
	"math/bits"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"httpbackend-go/internal/metrics"
)

// Verdict reports whether at least threshold of the low window bits of history are set.
func Verdict(history uint64, window, threshold uint) bool {
	return Good(history, window) >= threshold
}

// Good counts the passed probes among the low window bits of history.
func Good(history uint64, window uint) uint {
	if window == 0 {
		return 0
	}
	if window < MaxWindow {
		history &= (uint64(1) << window) - 1
	}
	return uint(bits.OnesCount64(history))
}

// Seed returns a history with the low initial bits set, capped at MaxWindow.
func Seed(initial uint) uint64 {
	if initial >= MaxWindow {
		return ^uint64(0)
	}
	return (uint64(1) << initial) - 1
}

// State is the probe state of one backend. The history register is written
// only by the probe goroutine and read by anyone.
type State struct {
	backend string
	spec    Spec
	url     string
	client  *http.Client
	logger  *slog.Logger
	metrics *metrics.Metrics

	history atomic.Uint64
	changed atomic.Int64 // unix nanoseconds of the last verdict flip

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewState sanitizes spec and resolves its URL against baseURL. The probe is
// not started. transport may be nil to use http.DefaultTransport; m may be nil.
func NewState(backend string, spec Spec, baseURL string, transport http.RoundTripper, logger *slog.Logger, m *metrics.Metrics) (*State, error) {
	spec, err := spec.Sanitize()
	if err != nil {
		return nil, err
	}
	u, err := spec.ResolveURL(baseURL)
	if err != nil {
		return nil, err
	}

	s := &State{
		backend: backend,
		spec:    spec,
		url:     u,
		client: &http.Client{
			Transport: transport,
			Timeout:   spec.Timeout,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		logger:  logger.With("component", "probe", "backend", backend),
		metrics: m,
	}
	s.changed.Store(time.Now().UnixNano())
	return s, nil
}

// Spec returns the sanitized probe spec.
func (s *State) Spec() Spec { return s.spec }

// URL returns the resolved probe URL.
func (s *State) URL() string { return s.url }

// History returns the raw history register, bit 0 being the newest outcome.
func (s *State) History() uint64 { return s.history.Load() }

// Healthy returns the current verdict and when it last changed.
func (s *State) Healthy() (bool, time.Time) {
	h := s.history.Load()
	return Verdict(h, s.spec.Window, s.spec.Threshold), time.Unix(0, s.changed.Load())
}

// Running reports whether the probe loop is active.
func (s *State) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancel != nil
}

// Start seeds the history and launches the probe loop. Starting a running probe is a no-op.
func (s *State) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	s.store(Seed(min(s.spec.Initial, MaxWindow)))
	go s.loop(ctx, s.done)

	s.logger.Debug("probe started", "url", s.url, "interval", s.spec.Interval)
}

// Stop aborts the probe loop, even mid-request, and waits for it to exit.
func (s *State) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	s.logger.Debug("probe stopped")
}

func (s *State) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	for {
		pass := s.probe(ctx)
		if ctx.Err() != nil {
			return
		}
		s.record(pass)

		t := time.NewTimer(s.spec.Interval)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

// probe issues one GET and reports whether the status matched.
func (s *State) probe(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, http.NoBody)
	if err != nil {
		s.logger.Warn("probe request", "err", err)
		return false
	}

	resp, err := s.client.Do(req)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Debug("probe failed", "err", err)
		}
		return false
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))
	_ = resp.Body.Close()

	if resp.StatusCode != s.spec.ExpStatus {
		s.logger.Debug("probe status mismatch", "want", s.spec.ExpStatus, "got", resp.StatusCode)
		return false
	}
	return true
}

// record shifts one outcome into the history.
func (s *State) record(pass bool) {
	var bit uint64
	if pass {
		bit = 1
	}
	s.store(s.history.Load()<<1 | bit)

	if s.metrics != nil {
		s.metrics.ProbesTotal.WithLabelValues(s.backend, metrics.Outcome(pass)).Inc()
	}
}

// store writes h and stamps the change time when the verdict flips.
func (s *State) store(h uint64) {
	prev := s.history.Swap(h)
	before := Verdict(prev, s.spec.Window, s.spec.Threshold)
	after := Verdict(h, s.spec.Window, s.spec.Threshold)
	if before != after {
		s.changed.Store(time.Now().UnixNano())
		s.logger.Info("backend health changed", "healthy", after)
	}
	if s.metrics != nil {
		v := 0.0
		if after {
			v = 1
		}
		s.metrics.BackendHealthy.WithLabelValues(s.backend).Set(v)
	}
}
