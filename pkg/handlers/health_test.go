package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-import/pkg/config"
)

func TestHealthHandler_Health(t *testing.T) {
	cfg := &config.Config{Version: "test-version", Env: "test"}
	ok := func(context.Context) error { return nil }
	down := func(context.Context) error { return errors.New("connection refused") }

	tests := []struct {
		name       string
		checks     map[string]PingFunc
		wantCode   int
		wantStatus string
		wantChecks map[string]string
	}{
		{"no checks", nil, http.StatusOK, "ok", nil},
		{"all healthy", map[string]PingFunc{"database": ok, "sink": ok}, http.StatusOK, "ok",
			map[string]string{"database": "ok", "sink": "ok"}},
		{"sink down", map[string]PingFunc{"database": ok, "sink": down}, http.StatusServiceUnavailable, "degraded",
			map[string]string{"database": "ok", "sink": "unavailable"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := NewHealthHandler(cfg, tt.checks, zap.NewNop())
			rec := httptest.NewRecorder()
			handler.Health(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

			assert.Equal(t, tt.wantCode, rec.Code)
			var resp HealthResponse
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
			assert.Equal(t, tt.wantStatus, resp.Status)
			assert.Equal(t, tt.wantChecks, resp.Checks)
		})
	}
}

func TestHealthHandler_Ping(t *testing.T) {
	cfg := &config.Config{Version: "1.2.3", Env: "test"}
	handler := NewHealthHandler(cfg, nil, zap.NewNop())

	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ping", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var resp PingResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "1.2.3", resp.Version)
	assert.Equal(t, "ekaya-import", resp.Service)
	assert.Equal(t, runtime.Version(), resp.GoVersion)
	assert.Equal(t, "test", resp.Environment)
}
