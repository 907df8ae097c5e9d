// Package events defines the event types and scope envelope emitted by the
// agent host runtime. Every workspace-scoped event carries its workspaceId;
// events tied to a finer scope also carry the relevant agent, session,
// terminal, or operation id.
package events

import "fmt"

// Event types on the north-bound stream.
const (
	AgentStatusChanged  = "agent/status_changed"
	AcpSessionUpdate    = "acp/session_update"
	PermissionRequested = "acp/permission_requested"
	PluginStatusChanged = "acp/plugin_status_changed"
	TerminalOutput      = "terminal/output"
	TerminalExited      = "terminal/exited"
)

// GlobalSubject carries events with no workspace scope (plugin status,
// install permission prompts triggered outside any workspace).
const GlobalSubject = "agentdesk.global"

// WorkspaceSubject returns the bus subject for one workspace's events.
func WorkspaceSubject(workspaceID string) string {
	return fmt.Sprintf("agentdesk.workspace.%s", workspaceID)
}

// AllWorkspacesSubject matches every workspace subject (NATS-style wildcard).
const AllWorkspacesSubject = "agentdesk.workspace.*"

// Scope identifies where an event originated. WorkspaceID is required for
// all workspace-scoped events; the finer ids are set where applicable.
type Scope struct {
	WorkspaceID string `json:"workspaceId,omitempty"`
	AgentID     string `json:"agentId,omitempty"`
	SessionID   string `json:"sessionId,omitempty"`
	TerminalID  string `json:"terminalId,omitempty"`
	OperationID string `json:"operationId,omitempty"`
}

// Subject returns the bus subject the scope's events belong on.
func (s Scope) Subject() string {
	if s.WorkspaceID == "" {
		return GlobalSubject
	}
	return WorkspaceSubject(s.WorkspaceID)
}
