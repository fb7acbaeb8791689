package module

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"httpbackend-go/internal/backend"
	"httpbackend-go/internal/config"
	"httpbackend-go/internal/model"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func ptr[T any](v T) *T { return &v }

func TestLifecycle(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cfg := &config.Config{Backends: []config.BackendConfig{
		{Name: "probed", BaseURL: srv.URL, Probe: &config.ProbeConfig{URL: "/health", Interval: config.Duration(time.Hour)}},
		{Name: "plain", BaseURL: srv.URL},
	}}
	mod := New(cfg, discardLogger(), nil)
	t.Cleanup(func() { _ = mod.Event(backend.EventDiscard) })

	assert.ErrorIs(t, mod.Event(backend.EventWarm), ErrNotLoaded)

	require.NoError(t, mod.Event(backend.EventLoad))
	require.NotNil(t, mod.Executor())
	assert.Equal(t, 2, mod.Registry().Len())

	// A second load is a no-op.
	require.NoError(t, mod.Event(backend.EventLoad))
	assert.Equal(t, 2, mod.Registry().Len())

	probed, err := mod.Registry().Lookup("probed")
	require.NoError(t, err)
	assert.False(t, probed.Probe().Running())

	require.NoError(t, mod.Event(backend.EventWarm))
	assert.True(t, mod.Warm())
	assert.True(t, probed.Probe().Running())

	require.NoError(t, mod.Event(backend.EventCold))
	assert.False(t, mod.Warm())
	assert.False(t, probed.Probe().Running())

	require.NoError(t, mod.Event(backend.EventDiscard))
	assert.Nil(t, mod.Executor())
	assert.Zero(t, mod.Registry().Len())
}

func TestLoad_BindFailureRollsBack(t *testing.T) {
	cfg := &config.Config{Backends: []config.BackendConfig{
		{Name: "good"},
		{Name: "bad", HTTPProxy: "ftp://proxy"},
	}}
	mod := New(cfg, discardLogger(), nil)

	assert.Error(t, mod.Event(backend.EventLoad))
	assert.Nil(t, mod.Executor())
	assert.Zero(t, mod.Registry().Len())
}

func TestDiscard_StopsExecutor(t *testing.T) {
	mod := New(&config.Config{Backends: []config.BackendConfig{{Name: "a"}}}, discardLogger(), nil)
	require.NoError(t, mod.Event(backend.EventLoad))

	exec := mod.Executor()
	require.NoError(t, mod.Event(backend.EventDiscard))

	reply := exec.Spawn(model.Request{Method: http.MethodGet, URL: "http://127.0.0.1:1/"})
	msg, ok := reply.Recv()
	require.True(t, ok)
	assert.Equal(t, model.MsgError, msg.Kind)
}

func TestUnknownEvent(t *testing.T) {
	mod := New(&config.Config{}, discardLogger(), nil)
	assert.Error(t, mod.Event(backend.Event(99)))
}

func TestOptions(t *testing.T) {
	bc := config.BackendConfig{
		Name:           "origin",
		BaseURL:        "http://origin",
		Follow:         2,
		Timeout:        config.Duration(3 * time.Second),
		ConnectTimeout: config.Duration(time.Second),
		AutoGzip:       ptr(false),
		HTTPSProxy:     "http://proxy:3128",
		Probe: &config.ProbeConfig{
			URL:       "/health",
			Window:    10,
			Threshold: 4,
			ExpStatus: 204,
		},
	}

	opts := Options(bc)
	assert.Equal(t, "origin", opts.Name)
	assert.Equal(t, "http://origin", opts.BaseURL)
	assert.Equal(t, 2, opts.Client.Follow)
	assert.Equal(t, 3*time.Second, opts.Client.Timeout)
	assert.Equal(t, time.Second, opts.Client.ConnectTimeout)
	assert.False(t, opts.Client.AutoGzip)
	assert.True(t, opts.Client.AutoDeflate)
	assert.True(t, opts.Client.AutoBrotli)
	assert.Equal(t, "http://proxy:3128", opts.Client.HTTPSProxy)

	require.NotNil(t, opts.Probe)
	assert.Equal(t, "/health", opts.Probe.URL)
	assert.Equal(t, uint(10), opts.Probe.Window)
	assert.Equal(t, uint(4), opts.Probe.Threshold)
	assert.Equal(t, 204, opts.Probe.ExpStatus)

	assert.Nil(t, Options(config.BackendConfig{Name: "x"}).Probe)
}
