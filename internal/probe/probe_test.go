package probe

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"httpbackend-go/internal/metrics"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestVerdict(t *testing.T) {
	tests := []struct {
		name      string
		history   uint64
		window    uint
		threshold uint
		want      bool
	}{
		{"101101 threshold 3", 0b101101, 6, 3, true},
		{"101101 threshold 4", 0b101101, 6, 4, true},
		{"101101 threshold 5", 0b101101, 6, 5, false},
		{"bits outside window ignored", 0b1111_0000, 4, 1, false},
		{"full window", ^uint64(0), 64, 64, true},
		{"empty history", 0, 8, 3, false},
		{"seeded below threshold", 0b11, 8, 3, false},
		{"seeded plus one pass", 0b111, 8, 3, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Verdict(tt.history, tt.window, tt.threshold))
		})
	}
}

func TestGood(t *testing.T) {
	assert.Equal(t, uint(4), Good(0b101101, 6))
	assert.Equal(t, uint(2), Good(0b101101, 3))
	assert.Equal(t, uint(64), Good(^uint64(0), 64))
	assert.Equal(t, uint(0), Good(^uint64(0), 0))
}

func TestSeed(t *testing.T) {
	assert.Equal(t, uint64(0), Seed(0))
	assert.Equal(t, uint64(0b11), Seed(2))
	assert.Equal(t, ^uint64(0), Seed(64))
	assert.Equal(t, ^uint64(0), Seed(100))
}

func TestSanitize_Defaults(t *testing.T) {
	s, err := Spec{URL: "/health"}.Sanitize()
	require.NoError(t, err)

	assert.Equal(t, 2*time.Second, s.Timeout)
	assert.Equal(t, 5*time.Second, s.Interval)
	assert.Equal(t, uint(8), s.Window)
	assert.Equal(t, uint(3), s.Threshold)
	assert.Equal(t, 200, s.ExpStatus)
	assert.Equal(t, uint(2), s.Initial)
}

func TestSanitize_ClampsInitial(t *testing.T) {
	s, err := Spec{URL: "/", Window: 8, Threshold: 3, Initial: 7}.Sanitize()
	require.NoError(t, err)
	assert.Equal(t, uint(3), s.Initial)
}

func TestSanitize_Errors(t *testing.T) {
	_, err := Spec{Window: 65}.Sanitize()
	assert.Error(t, err)

	_, err = Spec{Window: 4, Threshold: 5}.Sanitize()
	assert.Error(t, err)

	_, err = Spec{ExpStatus: 42}.Sanitize()
	assert.Error(t, err)
}

func TestResolveURL(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		base    string
		want    string
		wantErr error
	}{
		{"path with base", "/health", "http://origin:8080", "http://origin:8080/health", nil},
		{"base with trailing slash", "/health", "http://origin/", "http://origin/health", nil},
		{"absolute without base", "http://other/ping", "", "http://other/ping", nil},
		{"path without base", "/health", "", "", ErrNeedsBaseURL},
		{"no url", "", "http://origin", "", ErrNoURL},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Spec{URL: tt.url}.ResolveURL(tt.base)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := Spec{URL: "ftp://host/x"}.ResolveURL("")
	assert.Error(t, err)
}

func TestState_FreshBackendSeeded(t *testing.T) {
	// A probe target that never answers keeps the history at its seed.
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-block:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(block)

	s, err := NewState("origin", Spec{URL: "/", Initial: 2, Threshold: 3, Window: 8, Timeout: 10 * time.Second}, srv.URL, nil, discardLogger(), nil)
	require.NoError(t, err)

	s.Start(context.Background())
	defer s.Stop()

	assert.Equal(t, uint64(0b11), s.History())
	healthy, _ := s.Healthy()
	assert.False(t, healthy, "two seeded passes are below a threshold of three")
}

func TestState_BecomesHealthyAfterPass(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	m := metrics.New()
	s, err := NewState("origin", Spec{URL: "/", Initial: 2, Threshold: 3, Window: 8, Interval: 10 * time.Millisecond}, srv.URL, nil, discardLogger(), m)
	require.NoError(t, err)

	_, created := s.Healthy()
	s.Start(context.Background())
	defer s.Stop()

	require.Eventually(t, func() bool {
		healthy, _ := s.Healthy()
		return healthy
	}, 5*time.Second, 5*time.Millisecond)

	_, changed := s.Healthy()
	assert.False(t, changed.Before(created), "changed timestamp must move forward on a verdict flip")
	assert.Equal(t, uint64(0b111), s.History()&0b111)
}

func TestState_StatusMismatchFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	s, err := NewState("origin", Spec{URL: "/", Initial: 3, Threshold: 3, Window: 3, Interval: 5 * time.Millisecond}, srv.URL, nil, discardLogger(), nil)
	require.NoError(t, err)

	s.Start(context.Background())
	defer s.Stop()

	require.Eventually(t, func() bool {
		healthy, _ := s.Healthy()
		return !healthy
	}, 5*time.Second, 5*time.Millisecond)
}

func TestState_ExpectedStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	s, err := NewState("origin", Spec{URL: "/", ExpStatus: http.StatusNoContent, Threshold: 1, Window: 1, Interval: 5 * time.Millisecond}, srv.URL, nil, discardLogger(), nil)
	require.NoError(t, err)

	s.Start(context.Background())
	defer s.Stop()

	require.Eventually(t, func() bool { return s.History()&1 == 1 }, 5*time.Second, 5*time.Millisecond)
}

func TestState_StopAbortsInFlightProbe(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		<-r.Context().Done()
	}))
	defer srv.Close()

	s, err := NewState("origin", Spec{URL: "/", Timeout: time.Minute}, srv.URL, nil, discardLogger(), nil)
	require.NoError(t, err)

	s.Start(context.Background())
	require.True(t, s.Running())
	require.Eventually(t, func() bool { return hits.Load() > 0 }, 5*time.Second, 5*time.Millisecond)

	stopped := make(chan struct{})
	go func() {
		s.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not abort the in-flight probe")
	}
	assert.False(t, s.Running())

	// Stopping twice and starting again both work.
	s.Stop()
	s.Start(context.Background())
	s.Stop()
}
