package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	apperrors "github.com/agentdesk/agentdesk/internal/common/errors"
	"github.com/agentdesk/agentdesk/internal/common/logger"
	"github.com/agentdesk/agentdesk/internal/plugins"
	"github.com/agentdesk/agentdesk/internal/runtime"
	v1 "github.com/agentdesk/agentdesk/pkg/api/v1"
)

// detachedContext backs operations that must outlive the HTTP request that
// triggered them (prompt turns, background installs).
func detachedContext() context.Context {
	return context.Background()
}

// Handler implements the north-bound command surface over the runtime layer.
type Handler struct {
	workspaces *runtime.WorkspaceManager
	hub        *runtime.PermissionHub
	plugins    *plugins.Manager
	installer  *runtime.PluginInstaller
	logger     *logger.Logger
}

// NewHandler creates a Handler.
func NewHandler(
	workspaces *runtime.WorkspaceManager,
	hub *runtime.PermissionHub,
	pluginManager *plugins.Manager,
	installer *runtime.PluginInstaller,
	log *logger.Logger,
) *Handler {
	return &Handler{
		workspaces: workspaces,
		hub:        hub,
		plugins:    pluginManager,
		installer:  installer,
		logger:     log.WithFields(zap.String("component", "api-handler")),
	}
}

// CreateWorkspace handles POST /workspaces.
func (h *Handler) CreateWorkspace(c *gin.Context) {
	var req CreateWorkspaceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(apperrors.InvalidInput("rootDir is required"))
		return
	}

	summary, err := h.workspaces.CreateWorkspace(req.RootDir)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, summary)
}

// ListWorkspaces handles GET /workspaces.
func (h *Handler) ListWorkspaces(c *gin.Context) {
	summaries := h.workspaces.ListWorkspaces()
	c.JSON(http.StatusOK, WorkspacesListResponse{
		Workspaces: summaries,
		Total:      len(summaries),
	})
}

// DeleteWorkspace handles DELETE /workspaces/:workspaceId.
func (h *Handler) DeleteWorkspace(c *gin.Context) {
	if err := h.workspaces.DeleteWorkspace(c.Request.Context(), c.Param("workspaceId")); err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, OkResponse{Ok: true})
}

// SetFocus handles PUT /workspaces/focus.
func (h *Handler) SetFocus(c *gin.Context) {
	var req FocusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(apperrors.InvalidInput("workspaceId is required"))
		return
	}
	if err := h.workspaces.SetFocus(req.WorkspaceID); err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, OkResponse{Ok: true})
}

// GetFocus handles GET /workspaces/focus.
func (h *Handler) GetFocus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"workspaceId": h.workspaces.GetFocus()})
}

// CreateAgent handles POST /workspaces/:workspaceId/agents.
func (h *Handler) CreateAgent(c *gin.Context) {
	workspace, err := h.workspaces.GetWorkspace(c.Param("workspaceId"))
	if err != nil {
		_ = c.Error(err)
		return
	}

	var req CreateAgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(apperrors.InvalidInput("pluginId is required"))
		return
	}

	summary, err := workspace.CreateAgent(req.PluginID, req.DisplayName)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, summary)
}

// ListAgents handles GET /workspaces/:workspaceId/agents.
func (h *Handler) ListAgents(c *gin.Context) {
	workspace, err := h.workspaces.GetWorkspace(c.Param("workspaceId"))
	if err != nil {
		_ = c.Error(err)
		return
	}

	summaries := workspace.ListAgents()
	c.JSON(http.StatusOK, AgentsListResponse{
		Agents: summaries,
		Total:  len(summaries),
	})
}

// SendPrompt handles POST /workspaces/:workspaceId/agents/:agentId/prompt.
// First use starts the agent lazily: spawn, handshake, session. The call
// acknowledges delivery by returning the session id; streaming arrives on
// the event stream.
func (h *Handler) SendPrompt(c *gin.Context) {
	workspace, err := h.workspaces.GetWorkspace(c.Param("workspaceId"))
	if err != nil {
		_ = c.Error(err)
		return
	}

	agentRuntime, err := workspace.EnsureAgentRuntime(c.Param("agentId"))
	if err != nil {
		_ = c.Error(err)
		return
	}

	var req SendPromptRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(apperrors.InvalidInput("prompt is required"))
		return
	}

	// Lazy start suspends this handler until the session exists; the prompt
	// turn itself runs detached so a client disconnect cannot cancel it.
	// Streaming and turn completion arrive on the event stream.
	sessionID, err := agentRuntime.EnsureStarted(c.Request.Context())
	if err != nil {
		_ = c.Error(err)
		return
	}
	agentRuntime.DeliverPrompt(req.Prompt)

	c.JSON(http.StatusOK, v1.SendPromptAck{SessionID: sessionID})
}

// StopTurn handles POST /workspaces/:workspaceId/agents/:agentId/stop.
func (h *Handler) StopTurn(c *gin.Context) {
	workspace, err := h.workspaces.GetWorkspace(c.Param("workspaceId"))
	if err != nil {
		_ = c.Error(err)
		return
	}

	agentRuntime, err := workspace.EnsureAgentRuntime(c.Param("agentId"))
	if err != nil {
		_ = c.Error(err)
		return
	}

	var req StopTurnRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(apperrors.InvalidInput("sessionId is required"))
		return
	}

	if err := agentRuntime.StopTurn(req.SessionID); err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, OkResponse{Ok: true})
}

// KillTerminal handles POST /workspaces/:workspaceId/terminals/:terminalId/kill.
// User-initiated: the exit state reports UserStopped.
func (h *Handler) KillTerminal(c *gin.Context) {
	workspace, err := h.workspaces.GetWorkspace(c.Param("workspaceId"))
	if err != nil {
		_ = c.Error(err)
		return
	}

	if err := workspace.TerminalManager().Kill(c.Param("terminalId"), true); err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, OkResponse{Ok: true})
}

// RespondPermission handles POST /permissions/:operationId/respond.
func (h *Handler) RespondPermission(c *gin.Context) {
	var req PermissionRespondRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(apperrors.InvalidInput("decision is required"))
		return
	}

	if err := h.hub.Respond(c.Param("operationId"), req.Decision); err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, OkResponse{Ok: true})
}

// GetPluginStatus handles GET /plugins/:pluginId/status.
func (h *Handler) GetPluginStatus(c *gin.Context) {
	checkUpdates, _ := strconv.ParseBool(c.DefaultQuery("checkUpdates", "false"))

	status, err := h.plugins.GetStatus(c.Param("pluginId"), checkUpdates)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, status)
}

// InstallPlugin handles POST /plugins/:pluginId/install.
func (h *Handler) InstallPlugin(c *gin.Context) {
	var req InstallPluginRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			_ = c.Error(apperrors.InvalidInput("invalid install request body"))
			return
		}
	}

	started, err := h.installer.StartInstall(detachedContext(), c.Param("pluginId"), req.Version, req.WorkspaceID)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusAccepted, started)
}

// HealthCheck handles GET /health.
func (h *Handler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"timestamp": time.Now().UTC(),
	})
}
