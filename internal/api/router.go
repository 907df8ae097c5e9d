package api

import (
	"github.com/gin-gonic/gin"

	"github.com/agentdesk/agentdesk/internal/common/logger"
	"github.com/agentdesk/agentdesk/internal/plugins"
	"github.com/agentdesk/agentdesk/internal/runtime"
	"github.com/agentdesk/agentdesk/internal/streaming"
)

// SetupRoutes configures the agent host API routes.
// router should be the /api/v1 group.
func SetupRoutes(
	router *gin.RouterGroup,
	workspaces *runtime.WorkspaceManager,
	hub *runtime.PermissionHub,
	pluginManager *plugins.Manager,
	installer *runtime.PluginInstaller,
	stream *streaming.Hub,
	log *logger.Logger,
) {
	handler := NewHandler(workspaces, hub, pluginManager, installer, log)

	ws := router.Group("/workspaces")
	{
		ws.POST("", handler.CreateWorkspace)
		ws.GET("", handler.ListWorkspaces)
		ws.PUT("/focus", handler.SetFocus)
		ws.GET("/focus", handler.GetFocus)
		ws.DELETE("/:workspaceId", handler.DeleteWorkspace)

		ws.POST("/:workspaceId/agents", handler.CreateAgent)
		ws.GET("/:workspaceId/agents", handler.ListAgents)
		ws.POST("/:workspaceId/agents/:agentId/prompt", handler.SendPrompt)
		ws.POST("/:workspaceId/agents/:agentId/stop", handler.StopTurn)

		ws.POST("/:workspaceId/terminals/:terminalId/kill", handler.KillTerminal)
	}

	router.POST("/permissions/:operationId/respond", handler.RespondPermission)

	pluginRoutes := router.Group("/plugins")
	{
		pluginRoutes.GET("/:pluginId/status", handler.GetPluginStatus)
		pluginRoutes.POST("/:pluginId/install", handler.InstallPlugin)
	}

	router.GET("/events/ws", stream.HandleConnection)
}
