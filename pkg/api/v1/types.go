// Package v1 defines the stable north-bound types shared between the
// command surface, the event stream, and their callers.
package v1

// AgentStatus represents the lifecycle status of an agent runtime.
type AgentStatus string

const (
	AgentStatusStopped  AgentStatus = "STOPPED"
	AgentStatusStarting AgentStatus = "STARTING"
	AgentStatusRunning  AgentStatus = "RUNNING"
	AgentStatusErrored  AgentStatus = "ERRORED"
)

// PermissionDecision is an answer to a pending permission request.
type PermissionDecision string

const (
	DecisionAllowOnce PermissionDecision = "ALLOW_ONCE"
	DecisionDeny      PermissionDecision = "DENY"
	// DecisionCancelled is never supplied by a decider; the hub resolves a
	// waiter with it when the originating operation is torn down.
	DecisionCancelled PermissionDecision = "CANCELLED"
)

// PermissionSource identifies what kind of side effect is being arbitrated.
type PermissionSource string

const (
	SourceToolCallAuth  PermissionSource = "TOOL_CALL_AUTH"
	SourceFsRead        PermissionSource = "FS_READ"
	SourceFsWrite       PermissionSource = "FS_WRITE"
	SourceTerminalExec  PermissionSource = "TERMINAL_EXEC"
	SourceInstallPlugin PermissionSource = "INSTALL_PLUGIN"
)

// PermissionOrigin carries the scope hints available when a permission was
// requested; unset fields mean the request has no such scope.
type PermissionOrigin struct {
	WorkspaceID string `json:"workspaceId,omitempty"`
	AgentID     string `json:"agentId,omitempty"`
	SessionID   string `json:"sessionId,omitempty"`
	ToolCallID  string `json:"toolCallId,omitempty"`
}

// PermissionOptionView is one selectable answer shown to the decider.
type PermissionOptionView struct {
	OptionID string `json:"optionId"`
	Name     string `json:"name"`
	Kind     string `json:"kind,omitempty"`
}

// WorkspaceSummary describes a workspace to the frontend.
type WorkspaceSummary struct {
	WorkspaceID string `json:"workspaceId"`
	RootDir     string `json:"rootDir"`
	CreatedAtMs int64  `json:"createdAtMs"`
}

// AgentSummary describes an agent record to the frontend.
type AgentSummary struct {
	AgentID     string `json:"agentId"`
	WorkspaceID string `json:"workspaceId"`
	PluginID    string `json:"pluginId"`
	DisplayName string `json:"displayName,omitempty"`
}

// SendPromptAck acknowledges a delivered prompt.
type SendPromptAck struct {
	SessionID string `json:"sessionId"`
}

// OperationStarted acknowledges a scheduled background operation.
type OperationStarted struct {
	OperationID string `json:"operationId"`
}

// PluginStatus reports a plugin's installation state.
type PluginStatus struct {
	PluginID         string `json:"pluginId"`
	Installed        bool   `json:"installed"`
	InstalledVersion string `json:"installedVersion,omitempty"`
	LatestVersion    string `json:"latestVersion,omitempty"`
	UpdateAvailable  *bool  `json:"updateAvailable,omitempty"`
	BinPath          string `json:"binPath,omitempty"`
}
