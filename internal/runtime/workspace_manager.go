package runtime

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "github.com/agentdesk/agentdesk/internal/common/errors"
	"github.com/agentdesk/agentdesk/internal/common/logger"
	"github.com/agentdesk/agentdesk/internal/events/bus"
	v1 "github.com/agentdesk/agentdesk/pkg/api/v1"
)

// WorkspaceManager is the global entry point for workspace operations: a
// keyed map of workspace id to runtime. Reads dominate; mutation happens on
// user-driven create/delete only.
type WorkspaceManager struct {
	workspaces map[string]*WorkspaceRuntime
	mu         sync.RWMutex

	// focusedID tracks the UI's focused workspace; purely advisory state.
	focusedID string

	cfg       WorkspaceConfig
	resolver  BinResolver
	hub       *PermissionHub
	publisher *bus.Publisher
	logger    *logger.Logger
}

// NewWorkspaceManager creates a WorkspaceManager.
func NewWorkspaceManager(cfg WorkspaceConfig, resolver BinResolver, hub *PermissionHub, publisher *bus.Publisher, log *logger.Logger) *WorkspaceManager {
	return &WorkspaceManager{
		workspaces: make(map[string]*WorkspaceRuntime),
		cfg:        cfg,
		resolver:   resolver,
		hub:        hub,
		publisher:  publisher,
		logger:     log.WithFields(zap.String("component", "workspace-manager")),
	}
}

// CreateWorkspace canonicalizes and verifies the root directory, then
// creates the workspace runtime.
func (m *WorkspaceManager) CreateWorkspace(rootDir string) (v1.WorkspaceSummary, error) {
	canonicalRoot, err := CanonicalizeWorkspaceRoot(rootDir)
	if err != nil {
		return v1.WorkspaceSummary{}, err
	}

	workspaceID := uuid.New().String()
	runtime := NewWorkspaceRuntime(workspaceID, canonicalRoot, m.cfg, m.resolver, m.hub, m.publisher, m.logger)

	m.mu.Lock()
	m.workspaces[workspaceID] = runtime
	count := len(m.workspaces)
	m.mu.Unlock()

	m.logger.Info("Workspace created",
		zap.String("workspace_id", workspaceID),
		zap.String("root", canonicalRoot),
		zap.Int("total_workspaces", count))
	return runtime.Summary(), nil
}

// GetWorkspace returns a workspace runtime by id.
func (m *WorkspaceManager) GetWorkspace(workspaceID string) (*WorkspaceRuntime, error) {
	if strings.TrimSpace(workspaceID) == "" {
		return nil, apperrors.InvalidInput("workspace id cannot be empty")
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	runtime, ok := m.workspaces[workspaceID]
	if !ok {
		return nil, apperrors.WorkspaceNotFound(workspaceID)
	}
	return runtime, nil
}

// ListWorkspaces returns all workspace summaries, newest first.
func (m *WorkspaceManager) ListWorkspaces() []v1.WorkspaceSummary {
	m.mu.RLock()
	summaries := make([]v1.WorkspaceSummary, 0, len(m.workspaces))
	for _, runtime := range m.workspaces {
		summaries = append(summaries, runtime.Summary())
	}
	m.mu.RUnlock()

	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].CreatedAtMs > summaries[j].CreatedAtMs
	})
	return summaries
}

// DeleteWorkspace tears a workspace down: all agent runtimes are shut down,
// all terminals killed, and every workspace-scoped pending permission is
// cancelled.
func (m *WorkspaceManager) DeleteWorkspace(ctx context.Context, workspaceID string) error {
	if strings.TrimSpace(workspaceID) == "" {
		return apperrors.InvalidInput("workspace id cannot be empty")
	}

	m.mu.Lock()
	runtime, ok := m.workspaces[workspaceID]
	if ok {
		delete(m.workspaces, workspaceID)
	}
	if m.focusedID == workspaceID {
		m.focusedID = ""
	}
	m.mu.Unlock()

	if !ok {
		return apperrors.WorkspaceNotFound(workspaceID)
	}

	// Cancel pending permissions first so capability callbacks blocked on
	// the hub unwind before their agent connections are torn down.
	m.hub.CancelWorkspace(workspaceID)
	runtime.Teardown(ctx)

	m.logger.Info("Workspace deleted", zap.String("workspace_id", workspaceID))
	return nil
}

// SetFocus marks a workspace as focused. Advisory UI state only.
func (m *WorkspaceManager) SetFocus(workspaceID string) error {
	if strings.TrimSpace(workspaceID) == "" {
		return apperrors.InvalidInput("workspace id cannot be empty")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.workspaces[workspaceID]; !ok {
		return apperrors.WorkspaceNotFound(workspaceID)
	}
	m.focusedID = workspaceID
	return nil
}

// GetFocus returns the focused workspace id, or "" when none is focused.
func (m *WorkspaceManager) GetFocus() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.focusedID
}

// Shutdown tears down every workspace. Used at daemon exit.
func (m *WorkspaceManager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	runtimes := make([]*WorkspaceRuntime, 0, len(m.workspaces))
	for _, runtime := range m.workspaces {
		runtimes = append(runtimes, runtime)
	}
	m.workspaces = make(map[string]*WorkspaceRuntime)
	m.focusedID = ""
	m.mu.Unlock()

	for _, runtime := range runtimes {
		m.hub.CancelWorkspace(runtime.WorkspaceID())
		runtime.Teardown(ctx)
	}
}
