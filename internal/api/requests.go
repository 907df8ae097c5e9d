package api

import v1 "github.com/agentdesk/agentdesk/pkg/api/v1"

// CreateWorkspaceRequest for creating a workspace.
type CreateWorkspaceRequest struct {
	RootDir string `json:"rootDir" binding:"required"`
}

// CreateAgentRequest for creating an agent entity in a workspace.
type CreateAgentRequest struct {
	PluginID    string `json:"pluginId" binding:"required"`
	DisplayName string `json:"displayName,omitempty"`
}

// SendPromptRequest for delivering a prompt to an agent.
type SendPromptRequest struct {
	Prompt string `json:"prompt" binding:"required"`
}

// StopTurnRequest for cancelling the active turn of a session.
type StopTurnRequest struct {
	SessionID string `json:"sessionId" binding:"required"`
}

// PermissionRespondRequest answers a pending permission request.
type PermissionRespondRequest struct {
	Decision v1.PermissionDecision `json:"decision" binding:"required"`
}

// InstallPluginRequest schedules a plugin install.
type InstallPluginRequest struct {
	Version     string `json:"version,omitempty"`
	WorkspaceID string `json:"workspaceId,omitempty"`
}

// FocusRequest sets the focused workspace.
type FocusRequest struct {
	WorkspaceID string `json:"workspaceId" binding:"required"`
}

// OkResponse acknowledges a side-effecting command with no payload.
type OkResponse struct {
	Ok bool `json:"ok"`
}

// WorkspacesListResponse lists workspaces.
type WorkspacesListResponse struct {
	Workspaces []v1.WorkspaceSummary `json:"workspaces"`
	Total      int                   `json:"total"`
}

// AgentsListResponse lists agents in a workspace.
type AgentsListResponse struct {
	Agents []v1.AgentSummary `json:"agents"`
	Total  int               `json:"total"`
}
