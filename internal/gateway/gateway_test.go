// ABOUTME: Tests for gateway construction, lifecycle and health endpoints
// ABOUTME: Shared helpers build a gateway over a temporary SQLite database

package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/mesh-gateway/internal/config"
	"github.com/2389/mesh-gateway/internal/keys"
	"github.com/2389/mesh-gateway/internal/mesh"
	"github.com/2389/mesh-gateway/internal/protocol"
	"github.com/2389/mesh-gateway/internal/store"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := &config.Config{
		Server:   config.ServerConfig{HTTPAddr: "127.0.0.1:0"},
		Database: config.DatabaseConfig{Path: filepath.Join(t.TempDir(), "mesh.db")},
		Host: config.HostConfig{
			Name:   "alpha",
			URL:    "http://alpha.test",
			Domain: "alpha.test",
		},
		Keys: config.KeysConfig{
			MasterSecret: "0123456789abcdef0123456789abcdef",
			HashPepper:   "pepper",
		},
	}
	cfg.ApplyDefaults()
	return cfg
}

type testGateway struct {
	gw  *Gateway
	srv *httptest.Server
}

func newTestGateway(t *testing.T, mutate ...func(*config.Config)) *testGateway {
	t.Helper()
	cfg := testConfig(t)
	for _, m := range mutate {
		m(cfg)
	}
	require.NoError(t, cfg.Validate())

	gw, err := New(cfg, nil)
	require.NoError(t, err)

	srv := httptest.NewServer(gw.Handler())
	t.Cleanup(func() {
		srv.Close()
		_ = gw.Shutdown(context.Background())
	})
	return &testGateway{gw: gw, srv: srv}
}

// do sends a JSON request and decodes a JSON response into out when non-nil.
func (tg *testGateway) do(t *testing.T, method, path, bearer string, body any, out any) int {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, tg.srv.URL+path, reader)
	require.NoError(t, err)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	if out != nil && resp.StatusCode != http.StatusNoContent {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func (tg *testGateway) register(t *testing.T, name, tenant string) RegisterAgentResponse {
	t.Helper()
	var reg RegisterAgentResponse
	status := tg.do(t, http.MethodPost, "/api/agents/register", "", RegisterAgentRequest{Name: name, TenantID: tenant}, &reg)
	require.Equal(t, http.StatusCreated, status)
	return reg
}

func TestNew_DBPathOverride(t *testing.T) {
	override := filepath.Join(t.TempDir(), "override.db")
	t.Setenv(DBPathEnv, override)

	cfg := testConfig(t)
	gw, err := New(cfg, nil)
	require.NoError(t, err)
	defer func() { _ = gw.Shutdown(context.Background()) }()

	_, err = os.Stat(override)
	assert.NoError(t, err, "database should be created at the override path")
	_, err = os.Stat(cfg.Database.Path)
	assert.True(t, os.IsNotExist(err), "configured path should be unused")
}

func TestNew_InvalidSelfURL(t *testing.T) {
	cfg := testConfig(t)
	cfg.Host.URL = "ftp://alpha.test"

	_, err := New(cfg, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, mesh.ErrValidation)
}

func TestNew_KeepsHostIDAcrossRestarts(t *testing.T) {
	cfg := testConfig(t)

	gw, err := New(cfg, nil)
	require.NoError(t, err)
	first := gw.registry.SelfID()
	require.NoError(t, gw.Shutdown(context.Background()))

	gw, err = New(cfg, nil)
	require.NoError(t, err)
	defer func() { _ = gw.Shutdown(context.Background()) }()

	assert.Equal(t, first, gw.registry.SelfID())
}

func TestHealth(t *testing.T) {
	tg := newTestGateway(t)

	var body map[string]string
	status := tg.do(t, http.MethodGet, "/health", "", nil, &body)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "alpha", body["name"])
	assert.Equal(t, tg.gw.registry.SelfID(), body["host_id"])
	assert.NotEmpty(t, body["host_id"])
}

func TestReady(t *testing.T) {
	tg := newTestGateway(t)

	var body map[string]any
	status := tg.do(t, http.MethodGet, "/health/ready", "", nil, &body)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ready", body["status"])
	assert.EqualValues(t, 0, body["connections"])
}

func TestMetricsEndpoint(t *testing.T) {
	t.Run("enabled", func(t *testing.T) {
		tg := newTestGateway(t, func(c *config.Config) { c.Metrics.Enabled = true })
		tg.do(t, http.MethodGet, "/health", "", nil, nil)

		resp, err := http.Get(tg.srv.URL + "/metrics")
		require.NoError(t, err)
		defer resp.Body.Close()
		data, err := io.ReadAll(resp.Body)
		require.NoError(t, err)

		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Contains(t, string(data), "mesh_gateway_http_requests_total")
	})

	t.Run("disabled", func(t *testing.T) {
		tg := newTestGateway(t)
		resp, err := http.Get(tg.srv.URL + "/metrics")
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})
}

func TestShutdown_Idempotent(t *testing.T) {
	gw, err := New(testConfig(t), nil)
	require.NoError(t, err)

	require.NoError(t, gw.Shutdown(context.Background()))
	require.NoError(t, gw.Shutdown(context.Background()))
}

func TestRun_StopsOnCancel(t *testing.T) {
	gw, err := New(testConfig(t), nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- gw.Run(ctx) }()

	cancel()
	require.NoError(t, <-done)
}

func TestStatusForError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"validation", mesh.ErrValidation, http.StatusBadRequest},
		{"address", protocol.ErrInvalidAddress, http.StatusBadRequest},
		{"payload", protocol.ErrInvalidPayload, http.StatusBadRequest},
		{"key format", keys.ErrInvalidFormat, http.StatusBadRequest},
		{"unauthenticated", keys.ErrUnauthenticated, http.StatusUnauthorized},
		{"not found", store.ErrNotFound, http.StatusNotFound},
		{"key not found", keys.ErrKeyNotFound, http.StatusNotFound},
		{"duplicate", store.ErrDuplicate, http.StatusConflict},
		{"unreachable", mesh.ErrUnreachable, http.StatusBadGateway},
		{"other", io.ErrUnexpectedEOF, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, statusForError(tt.err))
		})
	}
}

func TestUnknownRoute(t *testing.T) {
	tg := newTestGateway(t)

	resp, err := http.Get(tg.srv.URL + "/nope")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}
