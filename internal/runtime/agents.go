package runtime

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "github.com/agentdesk/agentdesk/internal/common/errors"
	"github.com/agentdesk/agentdesk/internal/common/logger"
	"github.com/agentdesk/agentdesk/internal/events"
	"github.com/agentdesk/agentdesk/internal/events/bus"
	"github.com/agentdesk/agentdesk/internal/plugins"
	"github.com/agentdesk/agentdesk/internal/protocol"
	"github.com/agentdesk/agentdesk/internal/protocol/acp"
	v1 "github.com/agentdesk/agentdesk/pkg/api/v1"
)

// AgentRecord is the declarative agent entity: it exists from creation until
// workspace teardown and owns no process.
type AgentRecord struct {
	AgentID     string
	PluginID    string
	DisplayName string
}

// Summary converts the record with its workspace context.
func (r AgentRecord) Summary(workspaceID string) v1.AgentSummary {
	return v1.AgentSummary{
		AgentID:     r.AgentID,
		WorkspaceID: workspaceID,
		PluginID:    r.PluginID,
		DisplayName: r.DisplayName,
	}
}

// BinResolver resolves a plugin id to a launchable adapter command.
type BinResolver interface {
	ResolveBin(pluginID string) (protocol.AdapterCommand, error)
}

// connectFunc is the seam between the runtime and the protocol layer; tests
// substitute it to avoid spawning real adapters.
type connectFunc func(ctx context.Context, spec protocol.AdapterCommand, cwd string, host protocol.AgentHost) (protocol.AgentConnection, string, error)

// RuntimeDeps carries the collaborators an AgentRuntime needs. All of them
// are workspace-scoped except the hub and publisher, which are global but
// scope-tagged.
type RuntimeDeps struct {
	WorkspaceID   string
	WorkspaceRoot string

	Resolver        BinResolver
	PermissionHub   *PermissionHub
	TerminalManager *TerminalManager
	FsManager       *FsManager
	Publisher       *bus.Publisher

	ConnectTimeout        time.Duration
	ShutdownGrace         time.Duration
	RequireReadPermission bool

	Logger *logger.Logger
}

// AgentRuntime is the lazy companion of an AgentRecord: created on first
// prompt, it owns the protocol connection and the status state machine.
//
// Status transitions are monotonic per lifecycle
// (Stopped → Starting → Running); any terminal transition (Errored, or back
// to Stopped) invalidates the session id.
type AgentRuntime struct {
	record AgentRecord
	deps   RuntimeDeps

	mu        sync.Mutex
	status    v1.AgentStatus
	sessionID string
	conn      protocol.AgentConnection
	lastError string
	// starting is the in-flight latch: non-nil while a connect attempt is
	// running, closed when it settles. Concurrent EnsureStarted calls
	// coalesce on it so exactly one connect happens per lifecycle.
	starting chan struct{}

	toolCalls *ToolCallStore
	connect   connectFunc

	logger *logger.Logger
}

// newAgentRuntime builds the runtime shell for a record; no process is
// spawned until EnsureStarted.
func newAgentRuntime(record AgentRecord, deps RuntimeDeps) *AgentRuntime {
	log := deps.Logger.WithFields(
		zap.String("workspace_id", deps.WorkspaceID),
		zap.String("agent_id", record.AgentID))

	rt := &AgentRuntime{
		record:    record,
		deps:      deps,
		status:    v1.AgentStatusStopped,
		toolCalls: NewToolCallStore(0),
		logger:    log,
	}
	rt.connect = func(ctx context.Context, spec protocol.AdapterCommand, cwd string, host protocol.AgentHost) (protocol.AgentConnection, string, error) {
		return acp.Connect(ctx, spec, cwd, host, acp.Options{
			ShutdownGrace: deps.ShutdownGrace,
		}, log)
	}
	return rt
}

// Record returns the declarative record.
func (a *AgentRuntime) Record() AgentRecord {
	return a.record
}

// Status returns the current status and session id.
func (a *AgentRuntime) Status() (v1.AgentStatus, string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status, a.sessionID
}

// ToolCalls exposes the runtime's tool call correlation store.
func (a *AgentRuntime) ToolCalls() *ToolCallStore {
	return a.toolCalls
}

// EnsureStarted spawns the adapter, performs the handshake, and creates the
// session on first use; afterwards it returns the existing session.
// Idempotent and race-safe: concurrent callers coalesce into a single
// connect attempt.
func (a *AgentRuntime) EnsureStarted(ctx context.Context) (string, error) {
	for {
		a.mu.Lock()
		switch a.status {
		case v1.AgentStatusRunning:
			sessionID := a.sessionID
			a.mu.Unlock()
			return sessionID, nil

		case v1.AgentStatusStarting:
			latch := a.starting
			a.mu.Unlock()
			select {
			case <-latch:
				// Adopt the owner's outcome: a failed attempt fails every
				// coalesced caller instead of fanning out retries.
				a.mu.Lock()
				if a.status == v1.AgentStatusErrored {
					msg := a.lastError
					a.mu.Unlock()
					return "", apperrors.ProtocolError(msg)
				}
				a.mu.Unlock()
				continue
			case <-ctx.Done():
				return "", apperrors.Cancelled("agent start cancelled")
			}

		default: // Stopped or Errored: this caller owns the attempt.
			latch := make(chan struct{})
			a.starting = latch
			a.status = v1.AgentStatusStarting
			a.mu.Unlock()

			sessionID, err := a.startAttempt(ctx, latch)
			if err != nil {
				return "", err
			}
			return sessionID, nil
		}
	}
}

// startAttempt performs one connect attempt; the caller owns the Starting
// state and the latch.
func (a *AgentRuntime) startAttempt(ctx context.Context, latch chan struct{}) (string, error) {
	a.emitStatus(v1.AgentStatusStarting, "")

	settle := func(status v1.AgentStatus, sessionID string, conn protocol.AgentConnection, errMsg string) {
		a.mu.Lock()
		a.status = status
		a.sessionID = sessionID
		a.conn = conn
		a.lastError = errMsg
		a.starting = nil
		a.mu.Unlock()
		close(latch)
	}

	spec, err := a.deps.Resolver.ResolveBin(a.record.PluginID)
	if err != nil {
		settle(v1.AgentStatusErrored, "", nil, err.Error())
		a.emitStatus(v1.AgentStatusErrored, err.Error())
		return "", err
	}

	host := &agentHost{
		workspaceID:           a.deps.WorkspaceID,
		agentID:               a.record.AgentID,
		workspaceRoot:         a.deps.WorkspaceRoot,
		fsManager:             a.deps.FsManager,
		terminalManager:       a.deps.TerminalManager,
		permissionHub:         a.deps.PermissionHub,
		publisher:             a.deps.Publisher,
		toolCalls:             a.toolCalls,
		requireReadPermission: a.deps.RequireReadPermission,
		onConnectionLost:      a.markErrored,
		logger:                a.logger,
	}

	connectCtx := ctx
	if a.deps.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		connectCtx, cancel = context.WithTimeout(ctx, a.deps.ConnectTimeout)
		defer cancel()
	}

	conn, sessionID, err := a.connect(connectCtx, spec, a.deps.WorkspaceRoot, host)
	if err != nil {
		settle(v1.AgentStatusErrored, "", nil, err.Error())
		a.emitStatus(v1.AgentStatusErrored, err.Error())
		return "", err
	}

	settle(v1.AgentStatusRunning, sessionID, conn, "")
	a.emitStatus(v1.AgentStatusRunning, "")
	a.logger.Info("Agent started", zap.String("session_id", sessionID))
	return sessionID, nil
}

// SendPrompt ensures the agent is started and delivers the prompt, blocking
// until the turn completes.
func (a *AgentRuntime) SendPrompt(ctx context.Context, prompt string) (string, error) {
	if strings.TrimSpace(prompt) == "" {
		return "", apperrors.InvalidInput("prompt cannot be empty")
	}

	sessionID, err := a.EnsureStarted(ctx)
	if err != nil {
		return "", err
	}

	a.mu.Lock()
	conn := a.conn
	a.mu.Unlock()
	if conn == nil {
		return "", apperrors.ProtocolError("agent connection is gone")
	}

	if _, err := conn.SendPrompt(ctx, sessionID, prompt); err != nil {
		return sessionID, err
	}
	return sessionID, nil
}

// DeliverPrompt fires a prompt turn in the background against the current
// session. The turn's streaming and completion surface on the event stream;
// a turn failure is reported there as a terminal turnComplete marker so no
// async failure goes silent.
func (a *AgentRuntime) DeliverPrompt(prompt string) {
	a.mu.Lock()
	conn := a.conn
	sessionID := a.sessionID
	a.mu.Unlock()
	if conn == nil || sessionID == "" {
		a.logger.Warn("DeliverPrompt with no active session")
		return
	}

	go func() {
		if _, err := conn.SendPrompt(context.Background(), sessionID, prompt); err != nil {
			a.logger.Warn("Prompt turn failed", zap.Error(err))
			a.deps.Publisher.Emit(events.AcpSessionUpdate, events.Scope{
				WorkspaceID: a.deps.WorkspaceID,
				AgentID:     a.record.AgentID,
				SessionID:   sessionID,
			}, map[string]any{
				"update": map[string]any{
					"type":       "turnComplete",
					"stopReason": "error",
					"error":      err.Error(),
				},
				"emittedAtMs": time.Now().UnixMilli(),
			})
		}
	}()
}

// StopTurn fires the cancel notification for the current turn.
// Fire-and-forget: it sets no local state and never blocks on the agent.
func (a *AgentRuntime) StopTurn(sessionID string) error {
	a.mu.Lock()
	conn := a.conn
	current := a.sessionID
	a.mu.Unlock()

	if conn == nil || current == "" {
		return apperrors.InvalidInput("agent has no active session")
	}
	if sessionID != current {
		return apperrors.InvalidInput("session id does not match the active session")
	}
	return conn.CancelTurn(sessionID)
}

// Shutdown stops the adapter and returns the runtime to Stopped. Terminals
// owned by the terminal manager are left running; workspace teardown kills
// them separately.
func (a *AgentRuntime) Shutdown(ctx context.Context) error {
	a.mu.Lock()
	conn := a.conn
	wasRunning := a.status == v1.AgentStatusRunning || a.status == v1.AgentStatusStarting
	a.status = v1.AgentStatusStopped
	a.sessionID = ""
	a.conn = nil
	a.mu.Unlock()

	if conn != nil {
		if err := conn.Shutdown(ctx); err != nil {
			a.logger.Warn("Agent shutdown error", zap.Error(err))
		}
	}
	if wasRunning {
		a.emitStatus(v1.AgentStatusStopped, "")
	}
	a.toolCalls.Clear()
	return nil
}

// markErrored records a fatal connection loss: the session id is
// invalidated and pending protocol waiters have already been drained by the
// connection itself.
func (a *AgentRuntime) markErrored(stderrTail string) {
	a.mu.Lock()
	if a.status != v1.AgentStatusRunning {
		// Explicit shutdown or a connect attempt already owns the state.
		a.mu.Unlock()
		return
	}
	a.status = v1.AgentStatusErrored
	a.sessionID = ""
	a.conn = nil
	a.lastError = stderrTail
	a.mu.Unlock()

	a.logger.Warn("Agent errored", zap.String("stderr_tail", stderrTail))
	a.emitStatus(v1.AgentStatusErrored, stderrTail)
}

func (a *AgentRuntime) emitStatus(status v1.AgentStatus, errMsg string) {
	data := map[string]any{"status": string(status)}
	if errMsg != "" {
		data["error"] = errMsg
	}
	a.deps.Publisher.Emit(events.AgentStatusChanged, events.Scope{
		WorkspaceID: a.deps.WorkspaceID,
		AgentID:     a.record.AgentID,
	}, data)
}

// AgentRegistry stores the agent records of one workspace and their
// lazily-instantiated runtimes.
type AgentRegistry struct {
	deps     RuntimeDeps
	agents   map[string]*registryEntry
	mu       sync.Mutex
	creation []string // agent ids in creation order, for stable listings
}

type registryEntry struct {
	record  AgentRecord
	runtime *AgentRuntime
}

// NewAgentRegistry creates an empty registry for a workspace.
func NewAgentRegistry(deps RuntimeDeps) *AgentRegistry {
	return &AgentRegistry{
		deps:   deps,
		agents: make(map[string]*registryEntry),
	}
}

// CreateAgent creates a new agent entity. No process is started.
func (r *AgentRegistry) CreateAgent(pluginID, displayName string) (AgentRecord, error) {
	if err := plugins.ValidatePluginID(pluginID); err != nil {
		return AgentRecord{}, err
	}
	if displayName != "" && strings.TrimSpace(displayName) == "" {
		return AgentRecord{}, apperrors.InvalidInput("display name cannot be blank")
	}

	record := AgentRecord{
		AgentID:     uuid.New().String(),
		PluginID:    pluginID,
		DisplayName: strings.TrimSpace(displayName),
	}

	r.mu.Lock()
	r.agents[record.AgentID] = &registryEntry{record: record}
	r.creation = append(r.creation, record.AgentID)
	count := len(r.agents)
	r.mu.Unlock()

	r.deps.Logger.Info("Agent created",
		zap.String("workspace_id", r.deps.WorkspaceID),
		zap.String("agent_id", record.AgentID),
		zap.String("plugin_id", pluginID),
		zap.Int("total_agents", count))
	return record, nil
}

// List returns all agent records in creation order.
func (r *AgentRegistry) List() []AgentRecord {
	r.mu.Lock()
	defer r.mu.Unlock()

	records := make([]AgentRecord, 0, len(r.agents))
	for _, id := range r.creation {
		if entry, ok := r.agents[id]; ok {
			records = append(records, entry.record)
		}
	}
	return records
}

// EnsureRuntime returns the agent's runtime, creating the (still stopped)
// shell on first use.
func (r *AgentRegistry) EnsureRuntime(agentID string) (*AgentRuntime, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.agents[agentID]
	if !ok {
		return nil, apperrors.AgentNotFound(agentID)
	}
	if entry.runtime == nil {
		entry.runtime = newAgentRuntime(entry.record, r.deps)
	}
	return entry.runtime, nil
}

// ShutdownAll stops every instantiated runtime.
func (r *AgentRegistry) ShutdownAll(ctx context.Context) {
	r.mu.Lock()
	var runtimes []*AgentRuntime
	for _, entry := range r.agents {
		if entry.runtime != nil {
			runtimes = append(runtimes, entry.runtime)
		}
	}
	r.mu.Unlock()

	for _, rt := range runtimes {
		_ = rt.Shutdown(ctx)
	}
}
