package runtime

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "github.com/agentdesk/agentdesk/internal/common/errors"
	"github.com/agentdesk/agentdesk/internal/common/logger"
	"github.com/agentdesk/agentdesk/internal/events"
	"github.com/agentdesk/agentdesk/internal/events/bus"
	v1 "github.com/agentdesk/agentdesk/pkg/api/v1"
)

// pendingPermission is a single-shot waiter slot. The channel has capacity 1
// and receives exactly one decision; the entry is removed from the table in
// the same critical section that claims the right to send.
type pendingPermission struct {
	ch     chan v1.PermissionDecision
	origin v1.PermissionOrigin
}

// PermissionHub is the process-wide arbiter of pending permission questions
// across all workspaces. Cross-workspace isolation holds because operation
// ids are unguessable UUIDs, the origin carries the workspace id, and only
// the requesting caller holds the waiting future.
type PermissionHub struct {
	pending   map[string]*pendingPermission
	mu        sync.Mutex
	publisher *bus.Publisher
	logger    *logger.Logger
}

// NewPermissionHub creates a PermissionHub.
func NewPermissionHub(publisher *bus.Publisher, log *logger.Logger) *PermissionHub {
	return &PermissionHub{
		pending:   make(map[string]*pendingPermission),
		publisher: publisher,
		logger:    log.WithFields(zap.String("component", "permission-hub")),
	}
}

// Request mints an operation id, emits acp/permission_requested, and blocks
// until a decider answers or the context is torn down. The event is emitted
// before the caller can observe the pending future, so a decider sees the
// request at least as early as any code watching the operation.
//
// Deliberately no timeout: the hub does not time-bound decisions.
func (h *PermissionHub) Request(
	ctx context.Context,
	source v1.PermissionSource,
	origin v1.PermissionOrigin,
	summary string,
	options []v1.PermissionOptionView,
) (string, v1.PermissionDecision, error) {
	return h.RequestWithOperationID(ctx, uuid.New().String(), source, origin, summary, options)
}

// RequestWithOperationID is Request with a caller-minted operation id, for
// callers that must hand the id out before the decision lands (the plugin
// installer returns it from the command surface immediately).
func (h *PermissionHub) RequestWithOperationID(
	ctx context.Context,
	operationID string,
	source v1.PermissionSource,
	origin v1.PermissionOrigin,
	summary string,
	options []v1.PermissionOptionView,
) (string, v1.PermissionDecision, error) {
	waiter := &pendingPermission{
		ch:     make(chan v1.PermissionDecision, 1),
		origin: origin,
	}

	h.mu.Lock()
	h.pending[operationID] = waiter
	h.mu.Unlock()

	h.publisher.Emit(events.PermissionRequested, events.Scope{
		WorkspaceID: origin.WorkspaceID,
		AgentID:     origin.AgentID,
		SessionID:   origin.SessionID,
		OperationID: operationID,
	}, map[string]any{
		"operationId":   operationID,
		"source":        string(source),
		"origin":        origin,
		"summary":       summary,
		"options":       options,
		"requestedAtMs": time.Now().UnixMilli(),
	})

	h.logger.Debug("Permission requested",
		zap.String("operation_id", operationID),
		zap.String("source", string(source)),
		zap.String("workspace_id", origin.WorkspaceID))

	select {
	case decision := <-waiter.ch:
		h.logger.Debug("Permission decision received",
			zap.String("operation_id", operationID),
			zap.String("decision", string(decision)))
		return operationID, decision, nil
	case <-ctx.Done():
		h.remove(operationID)
		return operationID, v1.DecisionCancelled, nil
	}
}

// Respond resolves a pending permission request with a decider's answer.
// Responding to a missing or already-answered operation id is a recoverable
// OperationNotFound error.
func (h *PermissionHub) Respond(operationID string, decision v1.PermissionDecision) error {
	if decision != v1.DecisionAllowOnce && decision != v1.DecisionDeny {
		return apperrors.InvalidInput("decision must be ALLOW_ONCE or DENY")
	}
	return h.resolve(operationID, decision)
}

// Cancel resolves a pending request with Cancelled. Used when the
// originating operation is aborted (session cancellation, workspace
// teardown); the origin must treat it as refusal and clean up.
func (h *PermissionHub) Cancel(operationID string) error {
	return h.resolve(operationID, v1.DecisionCancelled)
}

// CancelWorkspace cancels every pending request scoped to a workspace.
func (h *PermissionHub) CancelWorkspace(workspaceID string) {
	h.mu.Lock()
	var ids []string
	for id, p := range h.pending {
		if p.origin.WorkspaceID == workspaceID {
			ids = append(ids, id)
		}
	}
	h.mu.Unlock()

	for _, id := range ids {
		_ = h.Cancel(id)
	}

	if len(ids) > 0 {
		h.logger.Info("Cancelled workspace permissions",
			zap.String("workspace_id", workspaceID),
			zap.Int("count", len(ids)))
	}
}

// PendingCount returns the number of unresolved requests.
func (h *PermissionHub) PendingCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.pending)
}

// resolve delivers a decision exactly once: removal from the table and the
// send happen under the same claim, so a second resolve observes an absent
// entry and fails with OperationNotFound.
func (h *PermissionHub) resolve(operationID string, decision v1.PermissionDecision) error {
	h.mu.Lock()
	waiter, ok := h.pending[operationID]
	if ok {
		delete(h.pending, operationID)
	}
	h.mu.Unlock()

	if !ok {
		h.logger.Warn("Response for unknown operation", zap.String("operation_id", operationID))
		return apperrors.OperationNotFound(operationID)
	}

	waiter.ch <- decision
	h.logger.Info("Permission resolved",
		zap.String("operation_id", operationID),
		zap.String("decision", string(decision)))
	return nil
}

func (h *PermissionHub) remove(operationID string) {
	h.mu.Lock()
	delete(h.pending, operationID)
	h.mu.Unlock()
}
