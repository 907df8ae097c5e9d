package runtime

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/agentdesk/agentdesk/internal/common/errors"
	"github.com/agentdesk/agentdesk/internal/common/logger"
	"github.com/agentdesk/agentdesk/internal/events"
	"github.com/agentdesk/agentdesk/internal/events/bus"
	"github.com/agentdesk/agentdesk/internal/protocol"
	acpwire "github.com/agentdesk/agentdesk/pkg/acp/protocol"
	v1 "github.com/agentdesk/agentdesk/pkg/api/v1"
)

// agentHost bridges protocol callbacks to runtime capabilities and event
// emission for one agent. It holds only the collaborators it needs — no back
// reference into the AgentRuntime — which keeps the runtime ↔ protocol
// ownership acyclic. The protocol layer sees it as an opaque capability set.
type agentHost struct {
	workspaceID   string
	agentID       string
	workspaceRoot string

	fsManager       *FsManager
	terminalManager *TerminalManager
	permissionHub   *PermissionHub
	publisher       *bus.Publisher
	toolCalls       *ToolCallStore

	// requireReadPermission is the read-gating policy knob; writes are
	// always gated.
	requireReadPermission bool

	// seq orders session updates per (workspace, agent, session); the
	// reader goroutine is single-threaded per agent, so assignment here
	// preserves wire order.
	seq atomic.Int64

	// onConnectionLost is installed by the owning AgentRuntime before the
	// connection starts.
	onConnectionLost func(stderrTail string)

	logger *logger.Logger
}

var _ protocol.AgentHost = (*agentHost)(nil)

func (h *agentHost) OnSessionUpdate(sessionID string, update map[string]any) {
	h.trackToolCall(sessionID, update)

	h.publisher.Emit(events.AcpSessionUpdate, events.Scope{
		WorkspaceID: h.workspaceID,
		AgentID:     h.agentID,
		SessionID:   sessionID,
	}, map[string]any{
		"update":      update,
		"seq":         h.seq.Add(1),
		"emittedAtMs": time.Now().UnixMilli(),
	})
}

func (h *agentHost) OnConnectionLost(stderrTail string) {
	if h.onConnectionLost != nil {
		h.onConnectionLost(stderrTail)
	}
}

func (h *agentHost) RequestPermission(ctx context.Context, req protocol.PermissionRequest) (v1.PermissionDecision, error) {
	summary := req.Title
	if summary == "" {
		summary = "agent requests authorization"
	}

	_, decision, err := h.permissionHub.Request(ctx, v1.SourceToolCallAuth, h.origin(req.SessionID, req.ToolCallID), summary, req.Options)
	if err != nil {
		return v1.DecisionDeny, err
	}
	return decision, nil
}

func (h *agentHost) FsReadTextFile(ctx context.Context, req protocol.FsReadRequest) (string, error) {
	if h.requireReadPermission {
		if err := h.gate(ctx, v1.SourceFsRead, req.SessionID, fmt.Sprintf("read file: %s", req.Path)); err != nil {
			return "", err
		}
	}
	return h.fsManager.ReadTextFile(req.Path)
}

func (h *agentHost) FsWriteTextFile(ctx context.Context, req protocol.FsWriteRequest) error {
	if err := h.gate(ctx, v1.SourceFsWrite, req.SessionID, fmt.Sprintf("write file: %s", req.Path)); err != nil {
		return err
	}
	return h.fsManager.WriteTextFile(req.Path, req.Content)
}

func (h *agentHost) TerminalCreate(ctx context.Context, req protocol.TerminalCreateRequest) (string, error) {
	// No permission gate here: the agent's preceding request_permission
	// round is the gate for the command it is about to run.
	return h.terminalManager.Run(req.Command, TerminalOrigin{AgentID: h.agentID})
}

func (h *agentHost) TerminalKill(ctx context.Context, terminalID string) error {
	return h.terminalManager.Kill(terminalID, false)
}

func (h *agentHost) TerminalRelease(ctx context.Context, terminalID string) error {
	return h.terminalManager.Release(terminalID)
}

func (h *agentHost) TerminalOutput(ctx context.Context, terminalID string) (protocol.TerminalSnapshot, error) {
	return h.terminalManager.Output(terminalID)
}

func (h *agentHost) TerminalWaitForExit(ctx context.Context, terminalID string) (protocol.TerminalExit, error) {
	return h.terminalManager.WaitForExit(ctx, terminalID)
}

// gate runs one permissioned round and maps non-allow outcomes to the
// corresponding errors, which surface to the agent as JSON-RPC errors.
func (h *agentHost) gate(ctx context.Context, source v1.PermissionSource, sessionID, summary string) error {
	_, decision, err := h.permissionHub.Request(ctx, source, h.origin(sessionID, ""), summary, nil)
	if err != nil {
		return err
	}
	switch decision {
	case v1.DecisionAllowOnce:
		return nil
	case v1.DecisionCancelled:
		return apperrors.Cancelled(summary)
	default:
		return apperrors.Denied(summary)
	}
}

func (h *agentHost) origin(sessionID, toolCallID string) v1.PermissionOrigin {
	return v1.PermissionOrigin{
		WorkspaceID: h.workspaceID,
		AgentID:     h.agentID,
		SessionID:   sessionID,
		ToolCallID:  toolCallID,
	}
}

// trackToolCall feeds toolCall/toolCallUpdate observations into the store.
func (h *agentHost) trackToolCall(sessionID string, update map[string]any) {
	switch acpwire.UpdateType(update) {
	case acpwire.UpdateToolCall, acpwire.UpdateToolCallUpdate:
		id := acpwire.ToolCallID(update)
		if id == "" {
			h.logger.Debug("tool call update without id",
				zap.String("session_id", sessionID))
			return
		}
		h.toolCalls.Record(sessionID, id, acpwire.ToolCallStatus(update), update)
	}
}
