package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentdesk/agentdesk/internal/common/logger"
	"github.com/agentdesk/agentdesk/internal/events/bus"
	"github.com/agentdesk/agentdesk/internal/plugins"
	"github.com/agentdesk/agentdesk/internal/runtime"
	"github.com/agentdesk/agentdesk/internal/streaming"
	v1 "github.com/agentdesk/agentdesk/pkg/api/v1"
)

type testServer struct {
	router *gin.Engine
	hub    *runtime.PermissionHub
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      "error",
		Format:     "console",
		OutputPath: "stderr",
	})
	require.NoError(t, err)

	memBus := bus.NewMemoryEventBus(log)
	t.Cleanup(memBus.Close)
	publisher := bus.NewPublisher(memBus, log)

	pluginManager := plugins.NewManager(t.TempDir(), log)
	hub := runtime.NewPermissionHub(publisher, log)
	workspaces := runtime.NewWorkspaceManager(runtime.WorkspaceConfig{
		TerminalBufferBytes: 64 * 1024,
		ConnectTimeout:      5 * time.Second,
		ShutdownGrace:       time.Second,
	}, pluginManager, hub, publisher, log)
	installer := runtime.NewPluginInstaller(hub, pluginManager, publisher, log)

	streamHub, err := streaming.NewHub(memBus, log)
	require.NoError(t, err)
	t.Cleanup(streamHub.Close)

	router := gin.New()
	router.Use(Recovery(log))
	router.Use(ErrorHandler(log))
	SetupRoutes(router.Group("/api/v1"), workspaces, hub, pluginManager, installer, streamHub, log)

	return &testServer{router: router, hub: hub}
}

func (s *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestWorkspaceLifecycleOverHTTP(t *testing.T) {
	server := newTestServer(t)

	created := server.do(t, http.MethodPost, "/api/v1/workspaces", CreateWorkspaceRequest{RootDir: t.TempDir()})
	require.Equal(t, http.StatusCreated, created.Code, created.Body.String())
	ws := decode[v1.WorkspaceSummary](t, created)
	assert.NotEmpty(t, ws.WorkspaceID)
	assert.NotZero(t, ws.CreatedAtMs)

	listed := server.do(t, http.MethodGet, "/api/v1/workspaces", nil)
	require.Equal(t, http.StatusOK, listed.Code)
	list := decode[WorkspacesListResponse](t, listed)
	assert.Equal(t, 1, list.Total)

	deleted := server.do(t, http.MethodDelete, "/api/v1/workspaces/"+ws.WorkspaceID, nil)
	require.Equal(t, http.StatusOK, deleted.Code)

	again := server.do(t, http.MethodDelete, "/api/v1/workspaces/"+ws.WorkspaceID, nil)
	require.Equal(t, http.StatusNotFound, again.Code)
}

func TestWorkspaceCreateRejectsBadInput(t *testing.T) {
	server := newTestServer(t)

	missing := server.do(t, http.MethodPost, "/api/v1/workspaces", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, missing.Code)

	bogus := server.do(t, http.MethodPost, "/api/v1/workspaces", CreateWorkspaceRequest{RootDir: "/no/such/dir/xyz"})
	assert.Equal(t, http.StatusBadRequest, bogus.Code)
}

func TestAgentEndpoints(t *testing.T) {
	server := newTestServer(t)

	ws := decode[v1.WorkspaceSummary](t,
		server.do(t, http.MethodPost, "/api/v1/workspaces", CreateWorkspaceRequest{RootDir: t.TempDir()}))

	created := server.do(t, http.MethodPost, "/api/v1/workspaces/"+ws.WorkspaceID+"/agents",
		CreateAgentRequest{PluginID: "claude-code", DisplayName: "Helper"})
	require.Equal(t, http.StatusCreated, created.Code, created.Body.String())
	agent := decode[v1.AgentSummary](t, created)
	assert.Equal(t, ws.WorkspaceID, agent.WorkspaceID)

	listed := server.do(t, http.MethodGet, "/api/v1/workspaces/"+ws.WorkspaceID+"/agents", nil)
	require.Equal(t, http.StatusOK, listed.Code)
	agents := decode[AgentsListResponse](t, listed)
	assert.Equal(t, 1, agents.Total)

	unknownWs := server.do(t, http.MethodPost, "/api/v1/workspaces/nope/agents",
		CreateAgentRequest{PluginID: "codex"})
	assert.Equal(t, http.StatusNotFound, unknownWs.Code)
}

func TestSendPromptWithUninstalledPluginFails(t *testing.T) {
	server := newTestServer(t)

	ws := decode[v1.WorkspaceSummary](t,
		server.do(t, http.MethodPost, "/api/v1/workspaces", CreateWorkspaceRequest{RootDir: t.TempDir()}))
	agent := decode[v1.AgentSummary](t,
		server.do(t, http.MethodPost, "/api/v1/workspaces/"+ws.WorkspaceID+"/agents",
			CreateAgentRequest{PluginID: "claude-code"}))

	resp := server.do(t, http.MethodPost,
		"/api/v1/workspaces/"+ws.WorkspaceID+"/agents/"+agent.AgentID+"/prompt",
		SendPromptRequest{Prompt: "hello"})

	// Lazy start resolves the plugin first; an uninstalled plugin surfaces
	// as a structured error, never an implicit install.
	require.Equal(t, http.StatusConflict, resp.Code, resp.Body.String())
	var errBody struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &errBody))
	assert.Equal(t, "PLUGIN_NOT_INSTALLED", errBody.Error.Code)
}

func TestPermissionRespondUnknownOperation(t *testing.T) {
	server := newTestServer(t)

	resp := server.do(t, http.MethodPost, "/api/v1/permissions/unknown-op/respond",
		PermissionRespondRequest{Decision: v1.DecisionAllowOnce})
	assert.Equal(t, http.StatusNotFound, resp.Code)
}

func TestPluginEndpoints(t *testing.T) {
	server := newTestServer(t)

	status := server.do(t, http.MethodGet, "/api/v1/plugins/claude-code/status", nil)
	require.Equal(t, http.StatusOK, status.Code)
	pluginStatus := decode[v1.PluginStatus](t, status)
	assert.False(t, pluginStatus.Installed)

	install := server.do(t, http.MethodPost, "/api/v1/plugins/claude-code/install",
		InstallPluginRequest{Version: "1.0.0"})
	require.Equal(t, http.StatusAccepted, install.Code)
	started := decode[v1.OperationStarted](t, install)
	assert.NotEmpty(t, started.OperationID)

	badID := server.do(t, http.MethodGet, "/api/v1/plugins/Not-Valid/status", nil)
	assert.Equal(t, http.StatusBadRequest, badID.Code)
}

func TestTerminalKillUnknown(t *testing.T) {
	server := newTestServer(t)

	ws := decode[v1.WorkspaceSummary](t,
		server.do(t, http.MethodPost, "/api/v1/workspaces", CreateWorkspaceRequest{RootDir: t.TempDir()}))

	resp := server.do(t, http.MethodPost,
		"/api/v1/workspaces/"+ws.WorkspaceID+"/terminals/no-such-terminal/kill", nil)
	assert.Equal(t, http.StatusNotFound, resp.Code)
}

func TestHealthCheck(t *testing.T) {
	server := newTestServer(t)
	server.router.GET("/health", (&Handler{}).HealthCheck)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	server.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}
