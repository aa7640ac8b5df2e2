package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"mcpbridge/internal/config"
	"mcpbridge/internal/health"
	"mcpbridge/internal/observability"
	"mcpbridge/internal/registry"
	"mcpbridge/internal/security"
	"mcpbridge/internal/transport"
	"mcpbridge/internal/upstream"
	"mcpbridge/internal/upstream/types"
)

// stubService scripts the runtime behind the API.
type stubService struct {
	metrics *observability.Metrics

	tools       []registry.Tool
	listErr     error
	callResult  *registry.Result
	callErr     error
	testResult  *upstream.TestResult
	testErr     error
	addErr      error
	saveErr     error
	refreshRes  *upstream.ReconcileReport
	refreshErr  error
	states      map[string]types.StateInfo
	report      health.Report
	serverHlth  health.ServerHealth
	serverErr   error
	resetErr    error
	unhealthy   []string
	addedServer *config.ServerConfig
}

func (s *stubService) ListTools(string) ([]registry.Tool, error) { return s.tools, s.listErr }

func (s *stubService) CallTool(_ context.Context, _, _ string, _ map[string]any) (*registry.Result, error) {
	return s.callResult, s.callErr
}

func (s *stubService) TestConnection(_ context.Context, _ *config.ServerConfig) (*upstream.TestResult, error) {
	return s.testResult, s.testErr
}

func (s *stubService) AddServer(_ context.Context, server *config.ServerConfig) error {
	s.addedServer = server
	return s.addErr
}

func (s *stubService) SaveConfiguration() error { return s.saveErr }

func (s *stubService) RefreshConfiguration(context.Context) (*upstream.ReconcileReport, error) {
	return s.refreshRes, s.refreshErr
}

func (s *stubService) ServerStates() map[string]types.StateInfo { return s.states }
func (s *stubService) HealthReport() health.Report              { return s.report }

func (s *stubService) ServerHealth(string) (health.ServerHealth, error) {
	return s.serverHlth, s.serverErr
}

func (s *stubService) ResetServerHealth(string) error { return s.resetErr }
func (s *stubService) UnhealthyServers() []string     { return s.unhealthy }
func (s *stubService) Metrics() *observability.Metrics {
	return s.metrics
}

func newTestServer(stub *stubService) *Server {
	if stub.metrics == nil {
		stub.metrics = observability.New()
	}
	return NewServer(zap.NewNop(), stub, "127.0.0.1:0")
}

func doRequest(t *testing.T, srv *Server, method, path string, body any) (*httptest.ResponseRecorder, Response) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	var resp Response
	if rec.Header().Get("Content-Type") == "application/json" {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	}
	return rec, resp
}

func TestHealthz(t *testing.T) {
	srv := newTestServer(&stubService{})
	rec, _ := doRequest(t, srv, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(&stubService{})
	rec, _ := doRequest(t, srv, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestListTools(t *testing.T) {
	srv := newTestServer(&stubService{
		tools: []registry.Tool{{ServerID: "s", Name: "fetch"}},
	})
	rec, resp := doRequest(t, srv, http.MethodGet, "/api/v1/tools", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	require.True(t, resp.Success)
	data := resp.Data.(map[string]any)
	assert.Equal(t, float64(1), data["count"])
}

func TestListToolsUnknownServer(t *testing.T) {
	srv := newTestServer(&stubService{listErr: upstream.ErrServerNotFound})
	rec, resp := doRequest(t, srv, http.MethodGet, "/api/v1/tools?server=ghost", nil)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.False(t, resp.Success)
	assert.Equal(t, ErrTypeNotFound, resp.Error.Type)
}

func TestCallTool(t *testing.T) {
	srv := newTestServer(&stubService{
		callResult: &registry.Result{IsError: false},
	})
	rec, resp := doRequest(t, srv, http.MethodPost, "/api/v1/tools/call", callToolRequest{
		Server: "s",
		Tool:   "fetch",
		Args:   map[string]any{"url": "https://example.com"},
	})

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, resp.Success)
}

func TestCallToolMissingFields(t *testing.T) {
	srv := newTestServer(&stubService{})
	rec, resp := doRequest(t, srv, http.MethodPost, "/api/v1/tools/call", callToolRequest{Tool: "fetch"})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, ErrTypeValidation, resp.Error.Type)
}

func TestCallToolTimeout(t *testing.T) {
	srv := newTestServer(&stubService{
		callErr: &registry.InvocationError{
			ServerID: "s",
			Tool:     "fetch",
			Err:      &transport.TimeoutError{ServerID: "s", Op: "tools/call", Err: context.DeadlineExceeded},
		},
	})
	rec, resp := doRequest(t, srv, http.MethodPost, "/api/v1/tools/call", callToolRequest{Server: "s", Tool: "fetch"})

	assert.Equal(t, http.StatusGatewayTimeout, rec.Code)
	assert.Equal(t, ErrTypeToolInvocation, resp.Error.Type)
}

func TestCallToolNotConnected(t *testing.T) {
	srv := newTestServer(&stubService{
		callErr: &registry.InvocationError{ServerID: "s", Tool: "fetch", Err: upstream.ErrNotConnected},
	})
	rec, resp := doRequest(t, srv, http.MethodPost, "/api/v1/tools/call", callToolRequest{Server: "s", Tool: "fetch"})

	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, ErrTypeToolInvocation, resp.Error.Type)
}

func TestCallToolUnknownTool(t *testing.T) {
	srv := newTestServer(&stubService{
		callErr: &registry.InvocationError{ServerID: "s", Tool: "nope", Err: registry.ErrToolNotFound},
	})
	rec, _ := doRequest(t, srv, http.MethodPost, "/api/v1/tools/call", callToolRequest{Server: "s", Tool: "nope"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAddServer(t *testing.T) {
	stub := &stubService{}
	srv := newTestServer(stub)

	enabled := true
	rec, resp := doRequest(t, srv, http.MethodPost, "/api/v1/servers", serverRequest{
		ID:      "thinking",
		Enabled: &enabled,
		Server: config.ServerConfig{
			Transport: config.TransportStdio,
			Command:   "npx",
			Args:      []string{"-y", "@modelcontextprotocol/server-sequential-thinking"},
		},
	})

	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.True(t, resp.Success)
	require.NotNil(t, stub.addedServer)
	assert.Equal(t, "thinking", stub.addedServer.ID)
	assert.True(t, stub.addedServer.Enabled)
}

func TestAddServerDefaultsToEnabled(t *testing.T) {
	stub := &stubService{}
	srv := newTestServer(stub)

	doRequest(t, srv, http.MethodPost, "/api/v1/servers", serverRequest{
		ID:     "s",
		Server: config.ServerConfig{Transport: config.TransportStdio, Command: "npx"},
	})
	require.NotNil(t, stub.addedServer)
	assert.True(t, stub.addedServer.Enabled)
}

func TestAddServerSecurityRejection(t *testing.T) {
	srv := newTestServer(&stubService{
		addErr: security.NewRejection([]security.Violation{
			{Field: "args", Pattern: "-e", Reason: "inline code execution flag"},
		}),
	})
	rec, resp := doRequest(t, srv, http.MethodPost, "/api/v1/servers", serverRequest{
		ID:     "evil",
		Server: config.ServerConfig{Transport: config.TransportStdio, Command: "npx"},
	})

	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, ErrTypeSecurity, resp.Error.Type)
	assert.NotNil(t, resp.Error.Details)
}

func TestAddServerValidationError(t *testing.T) {
	srv := newTestServer(&stubService{
		addErr: &config.ValidationError{
			ServerID: "bad",
			Errors:   []config.FieldError{{Field: "baseUrl", Message: "required for http transport"}},
		},
	})
	rec, resp := doRequest(t, srv, http.MethodPost, "/api/v1/servers", serverRequest{
		ID:     "bad",
		Server: config.ServerConfig{Transport: config.TransportHTTP},
	})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, ErrTypeValidation, resp.Error.Type)
}

func TestAddServerMalformedBody(t *testing.T) {
	srv := newTestServer(&stubService{})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/servers", bytes.NewReader([]byte(`{"unknown_field": 1}`)))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTestConnection(t *testing.T) {
	srv := newTestServer(&stubService{
		testResult: &upstream.TestResult{ServerName: "fake", ToolCount: 3, ElapsedMs: 42},
	})
	rec, resp := doRequest(t, srv, http.MethodPost, "/api/v1/servers/test", serverRequest{
		ID:     "probe",
		Server: config.ServerConfig{Transport: config.TransportStdio, Command: "npx"},
	})

	assert.Equal(t, http.StatusOK, rec.Code)
	data := resp.Data.(map[string]any)
	assert.Equal(t, "fake", data["server_name"])
	assert.Equal(t, float64(3), data["tool_count"])
}

func TestTestConnectionConnectError(t *testing.T) {
	srv := newTestServer(&stubService{
		testErr: &transport.ConnectError{ServerID: "probe", Err: errors.New("connection refused")},
	})
	rec, resp := doRequest(t, srv, http.MethodPost, "/api/v1/servers/test", serverRequest{
		ID:     "probe",
		Server: config.ServerConfig{Transport: config.TransportHTTP, BaseURL: "https://down.example.com"},
	})

	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, ErrTypeConnect, resp.Error.Type)
}

func TestSaveAndRefreshConfig(t *testing.T) {
	srv := newTestServer(&stubService{
		refreshRes: &upstream.ReconcileReport{Added: []string{"new-server"}},
	})

	rec, resp := doRequest(t, srv, http.MethodPost, "/api/v1/config/save", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, resp.Success)

	rec, resp = doRequest(t, srv, http.MethodPost, "/api/v1/config/refresh", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	data := resp.Data.(map[string]any)
	assert.Equal(t, []any{"new-server"}, data["added"])
}

func TestHealthEndpoints(t *testing.T) {
	srv := newTestServer(&stubService{
		report: health.Report{
			Total:   2,
			Healthy: 1,
			Servers: []health.ServerHealth{
				{ServerID: "a", State: "connected", Healthy: true},
				{ServerID: "b", State: "unhealthy"},
			},
		},
		serverHlth: health.ServerHealth{ServerID: "a", State: "connected", Healthy: true},
		unhealthy:  []string{"b"},
	})

	rec, resp := doRequest(t, srv, http.MethodGet, "/api/v1/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	data := resp.Data.(map[string]any)
	assert.Equal(t, float64(2), data["total"])

	rec, resp = doRequest(t, srv, http.MethodGet, "/api/v1/health/a", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	data = resp.Data.(map[string]any)
	assert.Equal(t, true, data["healthy"])

	rec, resp = doRequest(t, srv, http.MethodGet, "/api/v1/health/unhealthy", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	data = resp.Data.(map[string]any)
	assert.Equal(t, []any{"b"}, data["servers"])
}

func TestServerHealthNotFound(t *testing.T) {
	srv := newTestServer(&stubService{serverErr: upstream.ErrServerNotFound})
	rec, resp := doRequest(t, srv, http.MethodGet, "/api/v1/health/ghost", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, ErrTypeNotFound, resp.Error.Type)
}

func TestResetServerHealth(t *testing.T) {
	srv := newTestServer(&stubService{})
	rec, resp := doRequest(t, srv, http.MethodPost, "/api/v1/health/a/reset", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	data := resp.Data.(map[string]any)
	assert.Equal(t, "reset", data["status"])
}

func TestRequestIDPropagation(t *testing.T) {
	srv := newTestServer(&stubService{})

	rec, _ := doRequest(t, srv, http.MethodGet, "/healthz", nil)
	assert.NotEmpty(t, rec.Header().Get("X-Request-Id"))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-Id", "abc-123")
	rec2 := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec2, req)
	assert.Equal(t, "abc-123", rec2.Header().Get("X-Request-Id"))
}

func TestServerStates(t *testing.T) {
	srv := newTestServer(&stubService{
		states: map[string]types.StateInfo{
			"a": {State: types.StateConnected},
		},
	})
	rec, resp := doRequest(t, srv, http.MethodGet, "/api/v1/servers", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, resp.Success)
	assert.Contains(t, resp.Data.(map[string]any), "a")
}
