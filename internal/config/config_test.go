package config

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimalBackend = `
[[backends]]
name = "origin"
base_url = "http://origin.internal:8080"
`

// cliWithPath returns a CLI struct pointing at the given config file.
func cliWithPath(path string) *CLI {
	return &CLI{Config: path}
}

// writeConfig writes data to a temporary config.toml and returns its path.
func writeConfig(t *testing.T, data string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))
	return path
}

func TestLoad_ValidConfig(t *testing.T) {
	path := writeConfig(t, `
[server]
host = "127.0.0.1"
port = 9000
body_max_bytes = 5242880

[[backends]]
name = "origin"
base_url = "http://origin.internal:8080"
follow = 3
timeout = "30s"
connect_timeout = "2s"
auto_brotli = false
idle_connections = 50

[backends.probe]
url = "/health"
interval = "1s"
window = 16
threshold = 10
exp_status = 204

[[backends]]
name = "tls"
https = true
accept_invalid_hostnames = true
https_proxy = "http://proxy.internal:3128"

[log]
level = "debug"
format = "text"
`)

	cfg, err := Load(cliWithPath(path))
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Equal(t, 9000, cfg.Server.Port)
	require.Len(t, cfg.Backends, 2)

	origin := cfg.Backends[0]
	assert.Equal(t, 3, origin.Follow)
	assert.Equal(t, 30*time.Second, origin.Timeout.Std())
	assert.Equal(t, 2*time.Second, origin.ConnectTimeout.Std())
	assert.False(t, *origin.AutoBrotli, "AutoBrotli as configured")
	assert.True(t, *origin.AutoGzip, "omitted compression toggles default to true")
	assert.True(t, *origin.AutoDeflate, "omitted compression toggles default to true")
	require.NotNil(t, origin.Probe)
	assert.Equal(t, time.Second, origin.Probe.Interval.Std())
	assert.EqualValues(t, 16, origin.Probe.Window)
	assert.EqualValues(t, 10, origin.Probe.Threshold)
	assert.Equal(t, 204, origin.Probe.ExpStatus)

	tls := cfg.Backends[1]
	assert.True(t, tls.HTTPS)
	assert.True(t, tls.AcceptInvalidHostnames)
	assert.Equal(t, "http://proxy.internal:3128", tls.HTTPSProxy)
	assert.Nil(t, tls.Probe, "second backend has no probe")

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "text", cfg.Log.Format)
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(cliWithPath(writeConfig(t, minimalBackend)))
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 8000, cfg.Server.Port)
	assert.EqualValues(t, 10*1024*1024, cfg.Server.BodyMaxBytes)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Empty(t, cfg.Log.File, "logs go to stdout by default")
	assert.Equal(t, 100, cfg.Log.MaxSizeMB)
	assert.Equal(t, 3, cfg.Log.MaxBackups)
	assert.Equal(t, 28, cfg.Log.MaxAgeDays)

	b := cfg.Backends[0]
	assert.Zero(t, b.Follow)
	assert.True(t, *b.AutoGzip)
	assert.True(t, *b.AutoDeflate)
	assert.True(t, *b.AutoBrotli)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(cliWithPath("/nonexistent/config.toml"))
	assert.Error(t, err)
}

func TestLoad_CLIOverrides(t *testing.T) {
	path := writeConfig(t, `
[server]
host = "0.0.0.0"
port = 8000

[log]
level = "info"
`+minimalBackend)

	cli := &CLI{
		Config:   path,
		Host:     "127.0.0.1",
		Port:     3000,
		LogLevel: "debug",
		LogFile:  "/var/log/httpbackend.log",
	}

	cfg, err := Load(cli)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Equal(t, 3000, cfg.Server.Port)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "/var/log/httpbackend.log", cfg.Log.File)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		wantErr string
	}{
		{"no backends", `[server]
port = 8000
`, "backends"},
		{"negative port", "[server]\nport = -1\n" + minimalBackend, "server.port"},
		{"negative body_max_bytes", "[server]\nbody_max_bytes = -1\n" + minimalBackend, "body_max_bytes"},
		{"invalid log level", "[log]\nlevel = \"verbose\"\n" + minimalBackend, "log.level"},
		{"invalid log format", "[log]\nformat = \"xml\"\n" + minimalBackend, "log.format"},
		{"missing name", `
[[backends]]
base_url = "http://a"
`, "name is required"},
		{"duplicate name", minimalBackend + minimalBackend, "duplicated"},
		{"https with base_url", `
[[backends]]
name = "a"
https = true
base_url = "http://a"
`, "mutually exclusive"},
		{"base_url scheme", `
[[backends]]
name = "a"
base_url = "ftp://a"
`, "base_url"},
		{"negative follow", `
[[backends]]
name = "a"
follow = -1
`, "follow"},
		{"bad duration", `
[[backends]]
name = "a"
timeout = "soon"
`, "parse"},
		{"negative timeout", `
[[backends]]
name = "a"
timeout = "-1s"
`, "timeouts"},
		{"probe without url", `
[[backends]]
name = "a"
base_url = "http://a"

[backends.probe]
interval = "1s"
`, "probe.url"},
		{"probe window too wide", `
[[backends]]
name = "a"
base_url = "http://a"

[backends.probe]
url = "/health"
window = 65
`, "probe.window"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(cliWithPath(writeConfig(t, tt.data)))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoad_RateLimitConfig_Enabled(t *testing.T) {
	path := writeConfig(t, minimalBackend+`
[server.rate_limit]
enabled = true
requests_per_second = 50.0
`)

	cfg, err := Load(cliWithPath(path))
	require.NoError(t, err)
	assert.True(t, cfg.Server.RateLimit.Enabled)
	assert.Equal(t, 50.0, cfg.Server.RateLimit.RequestsPerSecond)
}

func TestLoad_RateLimitConfig_Disabled(t *testing.T) {
	cfg, err := Load(cliWithPath(writeConfig(t, minimalBackend)))
	require.NoError(t, err)
	assert.False(t, cfg.Server.RateLimit.Enabled, "rate limiting is off by default")
}

func TestLoad_RateLimitConfig_BadValue(t *testing.T) {
	path := writeConfig(t, minimalBackend+`
[server.rate_limit]
enabled = true
requests_per_second = 0
`)

	_, err := Load(cliWithPath(path))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "requests_per_second")
}

func TestDuration_UnmarshalText(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalText([]byte("1m30s")))
	assert.Equal(t, 90*time.Second, d.Std())

	text, err := d.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "1m30s", string(text))

	assert.Error(t, d.UnmarshalText([]byte("ten")))
}

func TestWarnPermissions_Loose(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("permission bits not meaningful on Windows")
	}
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("# test"), 0o644))

	cfg := &Config{filePath: path}
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelWarn}))
	cfg.WarnPermissions(logger)

	assert.Contains(t, buf.String(), "readable by group/others")
}

func TestWarnPermissions_Strict(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("permission bits not meaningful on Windows")
	}
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("# test"), 0o600))

	cfg := &Config{filePath: path}
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelWarn}))
	cfg.WarnPermissions(logger)

	assert.Zero(t, buf.Len(), "no warning for a 0600 file, got %q", buf.String())
}

func TestFindConfigInPaths_Found(t *testing.T) {
	path := writeConfig(t, minimalBackend)
	assert.Equal(t, path, findConfigInPaths([]string{path}))
}

func TestFindConfigInPaths_NotFound(t *testing.T) {
	assert.Empty(t, findConfigInPaths([]string{"/nonexistent/a.toml", "/nonexistent/b.toml"}))
}

func TestFindConfigInPaths_Priority(t *testing.T) {
	path1 := writeConfig(t, minimalBackend)
	path2 := writeConfig(t, minimalBackend)

	assert.Equal(t, path1, findConfigInPaths([]string{path1, path2}), "first match wins")
}

func TestLoad_MetricsPathDefault(t *testing.T) {
	cfg, err := Load(cliWithPath(writeConfig(t, minimalBackend+"\n[metrics]\nenabled = true\n")))
	require.NoError(t, err)
	assert.Equal(t, "/metrics", cfg.Metrics.Path)
}

func TestLoad_MetricsPathNoLeadingSlash(t *testing.T) {
	_, err := Load(cliWithPath(writeConfig(t, minimalBackend+"\n[metrics]\nenabled = true\npath = \"metrics\"\n")))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "metrics.path")
}

func TestLoad_MetricsPathConflictsWithRoute(t *testing.T) {
	tests := []struct {
		name string
		path string
	}{
		{"fetch exact", "/fetch"},
		{"fetch sub", "/fetch/metrics"},
		{"script", "/script"},
		{"healthz", "/healthz"},
		{"proxy/status", "/proxy/status"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := minimalBackend + "\n[metrics]\nenabled = true\npath = \"" + tt.path + "\"\n"
			_, err := Load(cliWithPath(writeConfig(t, data)))
			require.Error(t, err, "metrics.path=%q conflicts with a route", tt.path)
			assert.Contains(t, err.Error(), "conflicts")
		})
	}
}

func TestLoad_MetricsPathValid(t *testing.T) {
	cfg, err := Load(cliWithPath(writeConfig(t, minimalBackend+"\n[metrics]\nenabled = true\npath = \"/custom-metrics\"\n")))
	require.NoError(t, err)
	assert.Equal(t, "/custom-metrics", cfg.Metrics.Path)
}

func TestLoad_MetricsDisabledSkipsPathValidation(t *testing.T) {
	_, err := Load(cliWithPath(writeConfig(t, minimalBackend+"\n[metrics]\nenabled = false\npath = \"bad-no-slash\"\n")))
	assert.NoError(t, err, "disabled metrics should skip path validation")
}

func TestServerConfig_Addr(t *testing.T) {
	sc := &ServerConfig{Host: "127.0.0.1", Port: 3000}
	assert.Equal(t, "127.0.0.1:3000", sc.Addr())
}
