package protocol

import (
	"context"

	v1 "github.com/agentdesk/agentdesk/pkg/api/v1"
)

// PermissionRequest is a protocol-level permission question. The host
// enriches it with workspace/agent scope before arbitration.
type PermissionRequest struct {
	SessionID  string
	ToolCallID string
	Title      string
	Options    []v1.PermissionOptionView
}

// FsReadRequest asks the host to read a text file inside the workspace.
type FsReadRequest struct {
	SessionID string
	Path      string
}

// FsWriteRequest asks the host to write a text file inside the workspace.
type FsWriteRequest struct {
	SessionID string
	Path      string
	Content   string
}

// TerminalCreateRequest asks the host to run a shell command.
type TerminalCreateRequest struct {
	SessionID string
	Command   string
}

// TerminalExit reports how a terminal finished.
type TerminalExit struct {
	ExitCode    *int
	Signal      string
	UserStopped bool
}

// TerminalSnapshot is a point-in-time view of a terminal's retained output.
type TerminalSnapshot struct {
	Output    string
	Truncated bool
	Exit      *TerminalExit
}

// AgentHost is the protocol-facing capability set the runtime exposes to a
// connected agent. Each host instance is bound to one workspace/agent
// context; the protocol layer holds it as an opaque capability object.
type AgentHost interface {
	// OnSessionUpdate ingests a normalized session update. Called from the
	// connection's reader goroutine; must not block.
	OnSessionUpdate(sessionID string, update map[string]any)

	// OnConnectionLost reports that the child process ended (stdout EOF or
	// fatal read error), with the retained stderr tail for diagnostics.
	OnConnectionLost(stderrTail string)

	// RequestPermission pauses until an external decider answers.
	RequestPermission(ctx context.Context, req PermissionRequest) (v1.PermissionDecision, error)

	// FsReadTextFile reads a file bounded to the workspace root, after
	// permission.
	FsReadTextFile(ctx context.Context, req FsReadRequest) (string, error)

	// FsWriteTextFile writes a file bounded to the workspace root, after
	// permission.
	FsWriteTextFile(ctx context.Context, req FsWriteRequest) error

	// TerminalCreate spawns a shell command in the workspace and returns
	// its terminal id. The permission gate is the agent's preceding
	// request_permission round; the host does not gate again here.
	TerminalCreate(ctx context.Context, req TerminalCreateRequest) (string, error)

	// TerminalKill terminates a terminal's child process. Idempotent.
	TerminalKill(ctx context.Context, terminalID string) error

	// TerminalRelease drops the terminal handle; later operations on the
	// id fail with TerminalNotFound.
	TerminalRelease(ctx context.Context, terminalID string) error

	// TerminalOutput returns a snapshot of the retained output ring.
	TerminalOutput(ctx context.Context, terminalID string) (TerminalSnapshot, error)

	// TerminalWaitForExit resolves when the child has exited.
	TerminalWaitForExit(ctx context.Context, terminalID string) (TerminalExit, error)
}
