package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/MSA-I/RE-TOUR-sub006/internal/config"
	httpserver "github.com/MSA-I/RE-TOUR-sub006/internal/http"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Storage.Driver = config.DriverMemory
	cfg.Scheduler.Enabled = false
	return cfg
}

func health(t *testing.T, a *app) (int, httpserver.HealthResponse) {
	t.Helper()
	rec := httptest.NewRecorder()
	a.httpServer.Echo().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	var resp httpserver.HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return rec.Code, resp
}

func TestNewApp_Memory(t *testing.T) {
	a, err := newApp(context.Background(), testConfig(), zap.NewNop())
	require.NoError(t, err)
	defer a.close(context.Background())

	code, resp := health(t, a)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", resp.Services["store"])
	assert.NotContains(t, resp.Services, "nats")

	v, err := a.orch.Pipelines.Create(context.Background(), "p1", "u1", 0)
	require.NoError(t, err)
	assert.Equal(t, 5, v.MaxAttempts)

	_, err = a.mcpServer()
	assert.NoError(t, err)
}

func TestNewApp_SQLiteWithEmbeddedEvents(t *testing.T) {
	cfg := testConfig()
	cfg.Storage.Driver = config.DriverSQLite
	cfg.Storage.Path = filepath.Join(t.TempDir(), "retour.db")
	cfg.Events.Enabled = true
	cfg.Events.Embedded = true
	cfg.Scheduler.Enabled = true

	a, err := newApp(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	defer a.close(context.Background())

	require.NotNil(t, a.natsConn)
	require.NotNil(t, a.scheduler)
	code, resp := health(t, a)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", resp.Services["nats"])

	_, err = a.orch.Pipelines.Create(context.Background(), "p1", "u1", 0)
	require.NoError(t, err)
}

func TestNewApp_ExternalServices(t *testing.T) {
	cfg := testConfig()
	cfg.External.GeneratorURL = "http://127.0.0.1:1/generate"
	cfg.External.ReviewerURL = "http://127.0.0.1:1/review"

	a, err := newApp(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	defer a.close(context.Background())

	require.NotNil(t, a.resilient)
	assert.NotNil(t, a.orch.Generator)
	_, resp := health(t, a)
	assert.Equal(t, "ok", resp.Services["external"])
}

func TestNewApp_BadStorePath(t *testing.T) {
	cfg := testConfig()
	cfg.Storage.Driver = config.DriverSQLite
	cfg.Storage.Path = filepath.Join(t.TempDir(), "missing", "dir", "retour.db")

	a, err := newApp(context.Background(), cfg, zap.NewNop())
	assert.Error(t, err)
	assert.Nil(t, a)
}

func TestServe_StopsOnCancel(t *testing.T) {
	cfg := testConfig()
	cfg.Server.Port = 18089
	a, err := newApp(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	defer a.close(context.Background())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NoError(t, a.serve(ctx))
}
