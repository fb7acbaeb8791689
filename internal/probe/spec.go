// Package probe runs periodic health probes against a backend and derives a
// health verdict from a rolling window of outcomes.
package probe

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Defaults applied by Sanitize to unset fields.
const (
	DefaultTimeout   = 2 * time.Second
	DefaultInterval  = 5 * time.Second
	DefaultWindow    = 8
	DefaultThreshold = 3
	DefaultExpStatus = 200

	// MaxWindow is the width of the history register.
	MaxWindow = 64
)

var (
	// ErrNoURL is returned when a probe has no target URL.
	ErrNoURL = errors.New("probe: can't use a probe without .url")

	// ErrNeedsBaseURL is returned for a path-only probe on a client without a base URL.
	ErrNeedsBaseURL = errors.New("probe: client has no .base_url, and the probe doesn't have a fully-qualified URL")
)

// Spec configures a probe. Zero fields are filled in by Sanitize.
type Spec struct {
	URL       string
	Timeout   time.Duration
	Interval  time.Duration
	Window    uint
	Threshold uint
	Initial   uint
	ExpStatus int
}

// Sanitize fills unset fields with defaults and validates the result.
func (s Spec) Sanitize() (Spec, error) {
	if s.Timeout <= 0 {
		s.Timeout = DefaultTimeout
	}
	if s.Interval <= 0 {
		s.Interval = DefaultInterval
	}
	if s.Window == 0 {
		s.Window = DefaultWindow
	}
	if s.Threshold == 0 {
		s.Threshold = DefaultThreshold
	}
	if s.ExpStatus == 0 {
		s.ExpStatus = DefaultExpStatus
	}
	if s.Initial == 0 {
		s.Initial = s.Threshold - 1
	}
	s.Initial = min(s.Initial, s.Threshold)

	if s.Window > MaxWindow {
		return s, fmt.Errorf("probe: window must be <= %d; got %d", MaxWindow, s.Window)
	}
	if s.Threshold > s.Window {
		return s, fmt.Errorf("probe: threshold (%d) must be <= window (%d)", s.Threshold, s.Window)
	}
	if s.ExpStatus < 100 || s.ExpStatus > 999 {
		return s, fmt.Errorf("probe: expected status must be 100-999; got %d", s.ExpStatus)
	}
	return s, nil
}

// ResolveURL returns the absolute probe URL for a client with the given base URL.
func (s Spec) ResolveURL(baseURL string) (string, error) {
	if s.URL == "" {
		return "", ErrNoURL
	}

	raw := s.URL
	switch {
	case baseURL != "":
		raw = strings.TrimSuffix(baseURL, "/") + "/" + strings.TrimPrefix(s.URL, "/")
	case strings.HasPrefix(s.URL, "/"):
		return "", ErrNeedsBaseURL
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("probe: invalid url %q: %w", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("probe: url %q must be http or https", raw)
	}
	if u.Host == "" {
		return "", fmt.Errorf("probe: url %q has no host", raw)
	}
	return u.String(), nil
}
