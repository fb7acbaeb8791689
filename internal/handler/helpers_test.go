package handler

import (
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	"httpbackend-go/internal/backend"
	"httpbackend-go/internal/executor"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newRegistry binds opts to a fresh registry backed by a running executor.
func newRegistry(t *testing.T, opts ...backend.Options) *backend.Registry {
	t.Helper()
	exec := executor.Start(discardLogger(), nil)
	t.Cleanup(exec.Stop)

	reg := backend.NewRegistry()
	for _, o := range opts {
		_, err := backend.Bind(reg, exec, o, discardLogger(), nil)
		require.NoError(t, err, "Bind(%s)", o.Name)
	}
	return reg
}
