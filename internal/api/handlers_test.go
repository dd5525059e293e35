package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soundshell/pluginmgr/internal/manager"
	"github.com/soundshell/pluginmgr/internal/registry"
)

// stubManager scripts the lifecycle manager behind the HTTP adapter.
type stubManager struct {
	records    []registry.Record
	listErr    error
	installErr error
	startPort  int
	startErr   error
	stopErr    error
	removeErr  error
	refreshRes manager.RefreshResult
	refreshErr error

	lastID string
}

func (s *stubManager) ListAvailable(context.Context) ([]registry.Record, error) {
	return s.records, s.listErr
}

func (s *stubManager) ListInstalled(context.Context) ([]registry.Record, error) {
	var out []registry.Record
	for _, r := range s.records {
		if registry.FilterInstalled(&r) {
			out = append(out, r)
		}
	}
	return out, s.listErr
}

func (s *stubManager) Install(_ context.Context, id string) error {
	s.lastID = id
	return s.installErr
}

func (s *stubManager) Start(_ context.Context, id string) (int, error) {
	s.lastID = id
	return s.startPort, s.startErr
}

func (s *stubManager) Stop(_ context.Context, id string) error {
	s.lastID = id
	return s.stopErr
}

func (s *stubManager) Uninstall(_ context.Context, id string) error {
	s.lastID = id
	return s.removeErr
}

func (s *stubManager) RefreshRegistry(context.Context) (manager.RefreshResult, error) {
	return s.refreshRes, s.refreshErr
}

func newTestServer(stub *stubManager) *httptest.Server {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := New(Config{Listen: "127.0.0.1:0"}, stub, logger)
	return httptest.NewServer(srv.setupRoutes())
}

func doJSON(t *testing.T, method, url string, out any) int {
	t.Helper()
	req, err := http.NewRequest(method, url, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestListPlugins(t *testing.T) {
	stub := &stubManager{records: []registry.Record{
		{
			ID:           "echo",
			Metadata:     registry.Metadata{Name: "Echo", Version: "1.0.0"},
			InstallState: registry.InstallStateInstalled,
			RunState:     registry.RunStateRunning,
			Port:         42001,
		},
		{
			ID:           "pending",
			InstallState: registry.InstallStateNotInstalled,
			RunState:     registry.RunStateStopped,
		},
	}}
	ts := newTestServer(stub)
	defer ts.Close()

	var resp ListResponse
	status := doJSON(t, http.MethodGet, ts.URL+"/plugins", &resp)
	assert.Equal(t, http.StatusOK, status)
	require.Len(t, resp.Plugins, 2)
	assert.Equal(t, "echo", resp.Plugins[0].ID)
	assert.Equal(t, "running", resp.Plugins[0].RunState)
	assert.Equal(t, 42001, resp.Plugins[0].Port)
	assert.Empty(t, resp.Diagnostic)

	status = doJSON(t, http.MethodGet, ts.URL+"/plugins/installed", &resp)
	assert.Equal(t, http.StatusOK, status)
	require.Len(t, resp.Plugins, 1)
	assert.Equal(t, "echo", resp.Plugins[0].ID)
}

func TestListDegradedStillReturns200(t *testing.T) {
	stub := &stubManager{listErr: errors.New("registry hiccup")}
	ts := newTestServer(stub)
	defer ts.Close()

	var resp ListResponse
	status := doJSON(t, http.MethodGet, ts.URL+"/plugins", &resp)
	assert.Equal(t, http.StatusOK, status)
	assert.Empty(t, resp.Plugins)
	assert.Contains(t, resp.Diagnostic, "registry hiccup")
}

func TestStartReportsPort(t *testing.T) {
	stub := &stubManager{startPort: 42007}
	ts := newTestServer(stub)
	defer ts.Close()

	var resp StartResponse
	status := doJSON(t, http.MethodPost, ts.URL+"/plugins/echo/start", &resp)
	assert.Equal(t, http.StatusOK, status)
	assert.True(t, resp.Success)
	assert.Equal(t, 42007, resp.Port)
	assert.Equal(t, "echo", stub.lastID)
}

func TestErrorKindToStatusMapping(t *testing.T) {
	tests := []struct {
		kind manager.Kind
		want int
	}{
		{manager.KindNotFound, http.StatusNotFound},
		{manager.KindAlreadyRunning, http.StatusConflict},
		{manager.KindAlreadyInstalling, http.StatusConflict},
		{manager.KindNotInstalled, http.StatusPreconditionFailed},
		{manager.KindPortExhausted, http.StatusServiceUnavailable},
		{manager.KindHealthCheckTimeout, http.StatusBadGateway},
		{manager.KindSpawnFailed, http.StatusBadGateway},
		{manager.KindInternal, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			stub := &stubManager{startErr: &manager.Error{Kind: tt.kind, Plugin: "echo", Reason: "scripted"}}
			ts := newTestServer(stub)
			defer ts.Close()

			var resp StartResponse
			status := doJSON(t, http.MethodPost, ts.URL+"/plugins/echo/start", &resp)
			assert.Equal(t, tt.want, status)
			assert.False(t, resp.Success)
			require.NotNil(t, resp.Error)
			assert.Equal(t, string(tt.kind), resp.Error.Kind)
			assert.Equal(t, "scripted", resp.Error.Reason)
		})
	}
}

func TestUntypedErrorMapsToInternal(t *testing.T) {
	stub := &stubManager{stopErr: errors.New("wire tripped")}
	ts := newTestServer(stub)
	defer ts.Close()

	var resp OpResponse
	status := doJSON(t, http.MethodPost, ts.URL+"/plugins/echo/stop", &resp)
	assert.Equal(t, http.StatusInternalServerError, status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, string(manager.KindInternal), resp.Error.Kind)
	assert.Contains(t, resp.Error.Reason, "wire tripped")
}

func TestInstallAndUninstall(t *testing.T) {
	stub := &stubManager{}
	ts := newTestServer(stub)
	defer ts.Close()

	var resp OpResponse
	status := doJSON(t, http.MethodPost, ts.URL+"/plugins/echo/install", &resp)
	assert.Equal(t, http.StatusOK, status)
	assert.True(t, resp.Success)
	assert.Equal(t, "echo", stub.lastID)

	status = doJSON(t, http.MethodDelete, ts.URL+"/plugins/echo", &resp)
	assert.Equal(t, http.StatusOK, status)
	assert.True(t, resp.Success)
}

func TestRefreshEndpoint(t *testing.T) {
	stub := &stubManager{refreshRes: manager.RefreshResult{Added: 2, Updated: 1}}
	ts := newTestServer(stub)
	defer ts.Close()

	var resp RefreshResponse
	status := doJSON(t, http.MethodPost, ts.URL+"/registry/refresh", &resp)
	assert.Equal(t, http.StatusOK, status)
	assert.True(t, resp.Success)
	assert.Equal(t, 2, resp.Added)
	assert.Equal(t, 1, resp.Updated)
}

func TestHealthEndpoints(t *testing.T) {
	ts := newTestServer(&stubManager{})
	defer ts.Close()

	for _, path := range []string{"/healthz", "/readyz", "/metrics"} {
		status := doJSON(t, http.MethodGet, ts.URL+path, nil)
		assert.Equal(t, http.StatusOK, status, path)
	}
}
