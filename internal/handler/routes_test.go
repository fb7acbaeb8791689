package handler

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"

	"httpbackend-go/internal/backend"
)

func TestRegisterRoutes_Wiring(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer upstream.Close()

	reg := newRegistry(t, backend.Options{Name: "origin", BaseURL: upstream.URL})
	logger := discardLogger()

	e := echo.New()
	RegisterRoutes(e,
		NewFetchHandler(reg, logger),
		NewScriptHandler(reg, logger),
		NewHealthHandler(reg, "test"),
	)

	tests := []struct {
		name       string
		method     string
		path       string
		body       string
		wantStatus int
	}{
		{"GET /healthz", http.MethodGet, "/healthz", "", http.StatusOK},
		{"GET /proxy/status", http.MethodGet, "/proxy/status", "", http.StatusOK},
		{"GET /fetch/origin/", http.MethodGet, "/fetch/origin/search?query=test", "", http.StatusOK},
		{"POST /fetch/origin/", http.MethodPost, "/fetch/origin/search", `{"q":1}`, http.StatusOK},
		{"GET /fetch/unknown/", http.MethodGet, "/fetch/unknown/x", "", http.StatusNotFound},
		{"POST /script", http.MethodPost, "/script", `{"steps":[]}`, http.StatusOK},
		{"GET /script is not routed", http.MethodGet, "/script", "", http.StatusMethodNotAllowed},
		{"GET /unknown returns 404", http.MethodGet, "/unknown", "", http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var req *http.Request
			if tt.body != "" {
				req = httptest.NewRequest(tt.method, tt.path, strings.NewReader(tt.body))
				req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
			} else {
				req = httptest.NewRequest(tt.method, tt.path, http.NoBody)
			}
			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, req)

			assert.Equal(t, tt.wantStatus, rec.Code)
		})
	}
}
