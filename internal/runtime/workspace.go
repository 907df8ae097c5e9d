package runtime

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/agentdesk/agentdesk/internal/common/logger"
	"github.com/agentdesk/agentdesk/internal/events/bus"
	v1 "github.com/agentdesk/agentdesk/pkg/api/v1"
)

// WorkspaceConfig carries the tunables a workspace hands to its managers.
type WorkspaceConfig struct {
	TerminalBufferBytes   int
	ConnectTimeout        time.Duration
	ShutdownGrace         time.Duration
	RequireReadPermission bool
}

// WorkspaceRuntime is the per-workspace container: it owns the agent
// registry, the terminal manager, and the fs manager. The workspace root is
// the isolation boundary for all of them.
type WorkspaceRuntime struct {
	workspaceID string
	rootDir     string
	createdAtMs int64

	agentRegistry   *AgentRegistry
	terminalManager *TerminalManager
	fsManager       *FsManager

	logger *logger.Logger
}

// NewWorkspaceRuntime creates a workspace runtime over a canonicalized root.
func NewWorkspaceRuntime(
	workspaceID string,
	rootDir string,
	cfg WorkspaceConfig,
	resolver BinResolver,
	hub *PermissionHub,
	publisher *bus.Publisher,
	log *logger.Logger,
) *WorkspaceRuntime {
	log = log.WithFields(zap.String("workspace_id", workspaceID))
	log.Info("Creating workspace runtime", zap.String("root", rootDir))

	terminalManager := NewTerminalManager(workspaceID, rootDir, cfg.TerminalBufferBytes, publisher, log)
	fsManager := NewFsManager(rootDir)

	deps := RuntimeDeps{
		WorkspaceID:           workspaceID,
		WorkspaceRoot:         rootDir,
		Resolver:              resolver,
		PermissionHub:         hub,
		TerminalManager:       terminalManager,
		FsManager:             fsManager,
		Publisher:             publisher,
		ConnectTimeout:        cfg.ConnectTimeout,
		ShutdownGrace:         cfg.ShutdownGrace,
		RequireReadPermission: cfg.RequireReadPermission,
		Logger:                log,
	}

	return &WorkspaceRuntime{
		workspaceID:     workspaceID,
		rootDir:         rootDir,
		createdAtMs:     time.Now().UnixMilli(),
		agentRegistry:   NewAgentRegistry(deps),
		terminalManager: terminalManager,
		fsManager:       fsManager,
		logger:          log,
	}
}

// Summary describes this workspace for the frontend.
func (w *WorkspaceRuntime) Summary() v1.WorkspaceSummary {
	return v1.WorkspaceSummary{
		WorkspaceID: w.workspaceID,
		RootDir:     w.rootDir,
		CreatedAtMs: w.createdAtMs,
	}
}

// WorkspaceID returns the workspace id.
func (w *WorkspaceRuntime) WorkspaceID() string {
	return w.workspaceID
}

// RootDir returns the canonicalized workspace root.
func (w *WorkspaceRuntime) RootDir() string {
	return w.rootDir
}

// CreateAgent creates an agent entity within this workspace.
func (w *WorkspaceRuntime) CreateAgent(pluginID, displayName string) (v1.AgentSummary, error) {
	record, err := w.agentRegistry.CreateAgent(pluginID, displayName)
	if err != nil {
		return v1.AgentSummary{}, err
	}
	return record.Summary(w.workspaceID), nil
}

// ListAgents returns summaries of all agents in this workspace.
func (w *WorkspaceRuntime) ListAgents() []v1.AgentSummary {
	records := w.agentRegistry.List()
	summaries := make([]v1.AgentSummary, 0, len(records))
	for _, record := range records {
		summaries = append(summaries, record.Summary(w.workspaceID))
	}
	return summaries
}

// EnsureAgentRuntime returns the runtime shell for an agent, creating it on
// first use. The process itself stays unspawned until the first prompt.
func (w *WorkspaceRuntime) EnsureAgentRuntime(agentID string) (*AgentRuntime, error) {
	return w.agentRegistry.EnsureRuntime(agentID)
}

// TerminalManager returns the terminal manager for this workspace.
func (w *WorkspaceRuntime) TerminalManager() *TerminalManager {
	return w.terminalManager
}

// FsManager returns the fs manager for this workspace.
func (w *WorkspaceRuntime) FsManager() *FsManager {
	return w.fsManager
}

// Teardown shuts down all agent runtimes and kills all terminals. Pending
// permissions are cancelled by the caller, which owns the hub.
func (w *WorkspaceRuntime) Teardown(ctx context.Context) {
	w.logger.Info("Tearing down workspace")
	w.agentRegistry.ShutdownAll(ctx)
	w.terminalManager.KillAll()
}
