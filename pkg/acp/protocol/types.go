// Package protocol defines the Agent Client Protocol wire types exchanged
// with adapter subprocesses over newline-delimited JSON-RPC.
package protocol

import "encoding/json"

// JSON-RPC method names, client-issued.
const (
	MethodInitialize    = "initialize"
	MethodSessionNew    = "session/new"
	MethodSessionPrompt = "session/prompt"
	MethodSessionCancel = "session/cancel"
)

// JSON-RPC method names, client-served (requests and notifications from the agent).
const (
	MethodSessionUpdate     = "session/update"
	MethodRequestPermission = "session/request_permission"
	MethodFsReadTextFile    = "fs/read_text_file"
	MethodFsWriteTextFile   = "fs/write_text_file"
	MethodTerminalCreate    = "terminal/create"
	MethodTerminalKill      = "terminal/kill"
	MethodTerminalRelease   = "terminal/release"
	MethodTerminalOutput    = "terminal/output"
	MethodTerminalWaitExit  = "terminal/wait_for_exit"
)

// ProtocolVersion is the ACP revision this client speaks (integer, not semver).
const ProtocolVersion = 1

// Implementation identifies a client or agent.
type Implementation struct {
	Name    string `json:"name"`
	Title   string `json:"title,omitempty"`
	Version string `json:"version"`
}

// FileSystemCapability declares the file system operations the client serves.
type FileSystemCapability struct {
	ReadTextFile  bool `json:"readTextFile,omitempty"`
	WriteTextFile bool `json:"writeTextFile,omitempty"`
}

// ClientCapabilities declares which client-side operations the client supports.
type ClientCapabilities struct {
	FS       *FileSystemCapability `json:"fs,omitempty"`
	Terminal bool                  `json:"terminal,omitempty"`
}

// AuthMethod describes an authentication method offered by the agent.
type AuthMethod struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// InitializeParams begins the capability handshake.
type InitializeParams struct {
	ProtocolVersion    int                 `json:"protocolVersion"`
	ClientCapabilities *ClientCapabilities `json:"clientCapabilities,omitempty"`
	ClientInfo         *Implementation     `json:"clientInfo,omitempty"`
}

// InitializeResult is the agent's response to initialize.
type InitializeResult struct {
	ProtocolVersion   int             `json:"protocolVersion"`
	AgentCapabilities json.RawMessage `json:"agentCapabilities,omitempty"`
	AgentInfo         *Implementation `json:"agentInfo,omitempty"`
	AuthMethods       []AuthMethod    `json:"authMethods,omitempty"`
}

// MCPServer describes an MCP server to attach to the session.
type MCPServer struct {
	Name    string   `json:"name"`
	Command string   `json:"command"`
	Args    []string `json:"args"`
}

// NewSessionParams creates a new agent session rooted at the workspace.
type NewSessionParams struct {
	CWD        string      `json:"cwd"`
	MCPServers []MCPServer `json:"mcpServers"`
}

// NewSessionResult is the response to session/new.
type NewSessionResult struct {
	SessionID string `json:"sessionId"`
}

// ContentBlock is a single content element in a prompt (text-only here).
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// PromptParams sends a user message to a session.
type PromptParams struct {
	SessionID string         `json:"sessionId"`
	Prompt    []ContentBlock `json:"prompt"`
}

// PromptResult is the response when a prompt turn completes.
type PromptResult struct {
	StopReason string `json:"stopReason,omitempty"`
}

// CancelParams asks the agent to stop the current turn.
type CancelParams struct {
	SessionID string `json:"sessionId"`
}

// SessionNotification is the outer envelope of session/update notifications.
// Historical agents sometimes omit the envelope and send the update inline,
// so Update stays raw until normalized.
type SessionNotification struct {
	SessionID string          `json:"sessionId"`
	Update    json.RawMessage `json:"update,omitempty"`
}

// PermissionOption is one selectable answer in a permission request.
type PermissionOption struct {
	OptionID string `json:"optionId"`
	Name     string `json:"name"`
	Kind     string `json:"kind,omitempty"`
}

// ToolCallRef describes the tool call a permission request originates from.
type ToolCallRef struct {
	ToolCallID string          `json:"toolCallId,omitempty"`
	Title      string          `json:"title,omitempty"`
	Kind       string          `json:"kind,omitempty"`
	RawInput   json.RawMessage `json:"rawInput,omitempty"`
}

// RequestPermissionParams is the agent-side permission question.
type RequestPermissionParams struct {
	SessionID string             `json:"sessionId"`
	ToolCall  ToolCallRef        `json:"toolCall,omitempty"`
	Options   []PermissionOption `json:"options,omitempty"`
}

// PermissionOutcome is the chosen outcome of a permission request.
type PermissionOutcome struct {
	Outcome  string `json:"outcome"`
	OptionID string `json:"optionId,omitempty"`
}

// RequestPermissionResult is the reply to session/request_permission.
type RequestPermissionResult struct {
	Outcome PermissionOutcome `json:"outcome"`
}

// ReadTextFileParams requests a workspace-bounded file read.
type ReadTextFileParams struct {
	SessionID string `json:"sessionId,omitempty"`
	Path      string `json:"path"`
}

// ReadTextFileResult carries the file content.
type ReadTextFileResult struct {
	Content string `json:"content"`
}

// WriteTextFileParams requests a workspace-bounded file write.
type WriteTextFileParams struct {
	SessionID string `json:"sessionId,omitempty"`
	Path      string `json:"path"`
	Content   string `json:"content"`
}

// WriteTextFileResult is the (empty) reply to fs/write_text_file.
type WriteTextFileResult struct{}

// CreateTerminalParams spawns a shell command in the workspace.
type CreateTerminalParams struct {
	SessionID string `json:"sessionId,omitempty"`
	Command   string `json:"command"`
}

// CreateTerminalResult returns the terminal handle.
type CreateTerminalResult struct {
	TerminalID string `json:"terminalId"`
}

// TerminalParams addresses an existing terminal.
type TerminalParams struct {
	SessionID  string `json:"sessionId,omitempty"`
	TerminalID string `json:"terminalId"`
}

// TerminalExitStatus reports how a terminal finished.
type TerminalExitStatus struct {
	ExitCode    *int   `json:"exitCode,omitempty"`
	Signal      string `json:"signal,omitempty"`
	UserStopped bool   `json:"userStopped,omitempty"`
}

// TerminalOutputResult is a snapshot of the retained output ring.
type TerminalOutputResult struct {
	Output     string              `json:"output"`
	Truncated  bool                `json:"truncated"`
	ExitStatus *TerminalExitStatus `json:"exitStatus,omitempty"`
}

// WaitForTerminalExitResult resolves once the child has exited.
type WaitForTerminalExitResult struct {
	ExitStatus TerminalExitStatus `json:"exitStatus"`
}

// EmptyResult is the reply to requests with no payload (kill, release).
type EmptyResult struct{}
