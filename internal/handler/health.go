package handler

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"httpbackend-go/internal/backend"
	"httpbackend-go/internal/probe"
)

// Version is a string type for dependency injection of the build version.
type Version string

// HealthHandler serves health and status endpoints.
type HealthHandler struct {
	reg     *backend.Registry
	version Version
}

// BackendStatus is one row of the status table.
type BackendStatus struct {
	Name     string `json:"name"`
	Director string `json:"director"`
	Healthy  bool   `json:"healthy"`
	Changed  string `json:"changed,omitempty"`
	Probe    string `json:"probe,omitempty"`
	Probing  bool   `json:"probing"`

	// Probe window counters, zero for backends without a probe.
	Good      uint `json:"good,omitempty"`
	Window    uint `json:"window,omitempty"`
	Threshold uint `json:"threshold,omitempty"`
}

// StatusResponse is the body of GET /proxy/status.
type StatusResponse struct {
	Status   string          `json:"status"`
	Version  string          `json:"version"`
	Backends []BackendStatus `json:"backends"`
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(reg *backend.Registry, v Version) *HealthHandler {
	return &HealthHandler{reg: reg, version: v}
}

// Healthz returns a simple OK response for liveness probes.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// Status returns the health table of every bound backend. The overall status
// is "degraded" while any backend is unhealthy.
func (h *HealthHandler) Status(c echo.Context) error {
	resp := StatusResponse{
		Status:   "ok",
		Version:  string(h.version),
		Backends: []BackendStatus{},
	}

	for _, b := range h.reg.All() {
		healthy, changed := b.Healthy()
		row := BackendStatus{
			Name:     b.Name(),
			Director: b.Director(),
			Healthy:  healthy,
		}
		if !changed.IsZero() {
			row.Changed = changed.UTC().Format(time.RFC3339)
		}
		if p := b.Probe(); p != nil {
			spec := p.Spec()
			row.Probe = p.URL()
			row.Probing = p.Running()
			row.Good = probe.Good(p.History(), spec.Window)
			row.Window = spec.Window
			row.Threshold = spec.Threshold
		}
		if !healthy {
			resp.Status = "degraded"
		}
		resp.Backends = append(resp.Backends, row)
	}

	return c.JSON(http.StatusOK, resp)
}
