// Package config handles TOML configuration loading and validation.
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/httpbackend/config.toml",
	"configs/config.toml",
}

// reservedRoutes are served by the host and cannot be shadowed by the metrics endpoint.
var reservedRoutes = []string{"/fetch", "/script", "/healthz", "/proxy/status"}

// maxProbeWindow matches the width of the probe history register.
const maxProbeWindow = 64

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config   string `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	Host     string `kong:"help='Listen host (overrides config).',env='HOST'"`
	Port     int    `kong:"short='p',help='Listen port (overrides config).',env='PORT'"`
	LogLevel string `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
	LogFile  string `kong:"help='Write logs to this file with rotation (overrides config).',env='LOG_FILE'"`
}

// Config is the top-level application configuration.
type Config struct {
	Server   ServerConfig    `toml:"server"`
	Backends []BackendConfig `toml:"backends"`
	Log      LogConfig       `toml:"log"`
	Metrics  MetricsConfig   `toml:"metrics"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string          `toml:"host"`
	Port         int             `toml:"port"` // 0 means "use default" (8000); TOML cannot distinguish 0 from unset
	BodyMaxBytes int64           `toml:"body_max_bytes"`
	RateLimit    RateLimitConfig `toml:"rate_limit"`
}

// RateLimitConfig controls per-IP request rate limiting.
type RateLimitConfig struct {
	Enabled           bool    `toml:"enabled"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
}

// BackendConfig is one [[backends]] table.
type BackendConfig struct {
	Name    string `toml:"name"`
	BaseURL string `toml:"base_url"`
	HTTPS   bool   `toml:"https"`

	// Follow is the redirect limit; 0 disables redirects.
	Follow int `toml:"follow"`

	Timeout        Duration `toml:"timeout"`
	ConnectTimeout Duration `toml:"connect_timeout"`

	// Compression toggles default to enabled when omitted.
	AutoGzip    *bool `toml:"auto_gzip"`
	AutoDeflate *bool `toml:"auto_deflate"`
	AutoBrotli  *bool `toml:"auto_brotli"`

	AcceptInvalidCerts     bool `toml:"accept_invalid_certs"`
	AcceptInvalidHostnames bool `toml:"accept_invalid_hostnames"`

	HTTPProxy  string `toml:"http_proxy"`
	HTTPSProxy string `toml:"https_proxy"`

	IdleConnections int `toml:"idle_connections"`

	Probe *ProbeConfig `toml:"probe"`
}

// ProbeConfig is the optional [backends.probe] table. Zero fields take the
// probe engine's defaults.
type ProbeConfig struct {
	URL       string   `toml:"url"`
	Timeout   Duration `toml:"timeout"`
	Interval  Duration `toml:"interval"`
	Window    uint     `toml:"window"`
	Threshold uint     `toml:"threshold"`
	Initial   uint     `toml:"initial"`
	ExpStatus int      `toml:"exp_status"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`

	// File enables rotated file output instead of stdout.
	File       string `toml:"file"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// Duration is a time.Duration written as a Go duration string ("2s", "500ms").
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Load reads the TOML config file and applies CLI overrides.
// When no explicit path is given (via --config or CONFIG_PATH), it searches
// /etc/httpbackend/config.toml then configs/config.toml.
func Load(cli *CLI) (*Config, error) {
	path := cli.Config
	if path == "" {
		path = findConfig()
	}
	if path == "" {
		return nil, fmt.Errorf("config: no config file found (searched %v)", configSearchPaths)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	cfg.filePath = path
	cfg.applyCLI(cli)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}

	cfg.setDefaults()
	return &cfg, nil
}

// applyCLI overrides config values with non-zero CLI flags.
func (c *Config) applyCLI(cli *CLI) {
	if cli.Host != "" {
		c.Server.Host = cli.Host
	}
	if cli.Port != 0 {
		c.Server.Port = cli.Port
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
	if cli.LogFile != "" {
		c.Log.File = cli.LogFile
	}
}

func (c *Config) validate() error {
	// Numeric bounds.
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 0–65535; got %d", c.Server.Port)
	}
	if c.Server.BodyMaxBytes < 0 {
		return fmt.Errorf("server.body_max_bytes must be non-negative; got %d", c.Server.BodyMaxBytes)
	}
	if c.Server.RateLimit.Enabled && c.Server.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("server.rate_limit.requests_per_second must be > 0 when rate limiting is enabled; got %v", c.Server.RateLimit.RequestsPerSecond)
	}

	// Backends.
	if len(c.Backends) == 0 {
		return fmt.Errorf("at least one [[backends]] entry is required")
	}
	seen := make(map[string]bool, len(c.Backends))
	for i := range c.Backends {
		b := &c.Backends[i]
		if b.Name == "" {
			return fmt.Errorf("backends[%d].name is required", i)
		}
		if seen[b.Name] {
			return fmt.Errorf("backends[%d].name %q is duplicated", i, b.Name)
		}
		seen[b.Name] = true
		if err := b.validate(); err != nil {
			return fmt.Errorf("backend %q: %w", b.Name, err)
		}
	}

	// Log fields.
	level := strings.ToLower(c.Log.Level)
	switch level {
	case "debug", "info", "warn", "error", "":
		// valid
	default:
		return fmt.Errorf("log.level must be one of: debug, info, warn, error; got %q", c.Log.Level)
	}
	format := strings.ToLower(c.Log.Format)
	switch format {
	case "json", "text", "":
		// valid
	default:
		return fmt.Errorf("log.format must be one of: json, text; got %q", c.Log.Format)
	}
	if c.Log.MaxSizeMB < 0 || c.Log.MaxBackups < 0 || c.Log.MaxAgeDays < 0 {
		return fmt.Errorf("log rotation limits must be non-negative")
	}

	// Metrics path validation (only when metrics are enabled).
	if c.Metrics.Enabled && c.Metrics.Path != "" {
		p := c.Metrics.Path
		if p[0] != '/' {
			return fmt.Errorf("metrics.path must start with '/'; got %q", p)
		}
		for _, reserved := range reservedRoutes {
			if p == reserved || strings.HasPrefix(p, reserved+"/") {
				return fmt.Errorf("metrics.path %q conflicts with reserved route %q", p, reserved)
			}
		}
	}

	return nil
}

func (b *BackendConfig) validate() error {
	if b.HTTPS && b.BaseURL != "" {
		return fmt.Errorf("https and base_url are mutually exclusive")
	}
	if b.BaseURL != "" {
		u, err := url.Parse(b.BaseURL)
		if err != nil {
			return fmt.Errorf("base_url is not a valid URL: %w", err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("base_url must use http or https; got %q", b.BaseURL)
		}
	}
	if b.Follow < 0 {
		return fmt.Errorf("follow must be non-negative; got %d", b.Follow)
	}
	if b.Timeout < 0 || b.ConnectTimeout < 0 {
		return fmt.Errorf("timeouts must be non-negative")
	}
	if b.IdleConnections < 0 {
		return fmt.Errorf("idle_connections must be non-negative; got %d", b.IdleConnections)
	}

	if p := b.Probe; p != nil {
		if p.URL == "" {
			return fmt.Errorf("probe.url is required")
		}
		if p.Timeout < 0 || p.Interval < 0 {
			return fmt.Errorf("probe durations must be non-negative")
		}
		if p.Window > maxProbeWindow {
			return fmt.Errorf("probe.window must be at most %d; got %d", maxProbeWindow, p.Window)
		}
	}
	return nil
}

// setDefaults fills zero-valued fields with sensible defaults.
// For integer fields (Port, BodyMaxBytes, etc.), zero means "unset" because TOML
// cannot distinguish between an explicit 0 and an omitted key. Setting port=0 in
// the config file therefore results in the default port (8000).
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8000
	}
	if c.Server.BodyMaxBytes == 0 {
		c.Server.BodyMaxBytes = 10 * 1024 * 1024 // 10 MB
	}
	for i := range c.Backends {
		b := &c.Backends[i]
		b.AutoGzip = boolDefault(b.AutoGzip, true)
		b.AutoDeflate = boolDefault(b.AutoDeflate, true)
		b.AutoBrotli = boolDefault(b.AutoBrotli, true)
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Log.MaxSizeMB == 0 {
		c.Log.MaxSizeMB = 100
	}
	if c.Log.MaxBackups == 0 {
		c.Log.MaxBackups = 3
	}
	if c.Log.MaxAgeDays == 0 {
		c.Log.MaxAgeDays = 28
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

func boolDefault(p *bool, def bool) *bool {
	if p != nil {
		return p
	}
	return &def
}

// findConfig returns the first config path that exists, or empty string.
func findConfig() string {
	return findConfigInPaths(configSearchPaths)
}

// findConfigInPaths returns the first path that exists on disk, or empty string.
func findConfigInPaths(paths []string) string {
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// Addr returns the server listen address as host:port.
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// WarnPermissions logs a warning if the config file is readable by group or others.
func (c *Config) WarnPermissions(logger *slog.Logger) {
	if c.filePath == "" {
		return
	}
	info, err := os.Stat(c.filePath)
	if err != nil {
		return
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		logger.Warn("config file is readable by group/others; consider chmod 600",
			"path", c.filePath,
			"mode", fmt.Sprintf("%04o", perm),
		)
	}
}
