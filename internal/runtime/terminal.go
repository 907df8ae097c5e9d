package runtime

import (
	"context"
	"encoding/base64"
	"io"
	"os/exec"
	goruntime "runtime"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "github.com/agentdesk/agentdesk/internal/common/errors"
	"github.com/agentdesk/agentdesk/internal/common/logger"
	"github.com/agentdesk/agentdesk/internal/events"
	"github.com/agentdesk/agentdesk/internal/events/bus"
	"github.com/agentdesk/agentdesk/internal/protocol"
)

// terminalReadChunk is the read size for terminal output streaming.
const terminalReadChunk = 4096

// TerminalOrigin tags a terminal with the agent/operation that created it.
type TerminalOrigin struct {
	AgentID     string
	OperationID string
}

// terminalExecution is the per-terminal state. Output and exit state are
// owned by the reader/wait goroutines and guarded by the execution's own
// mutex; the manager map has its own lock.
type terminalExecution struct {
	terminalID string
	origin     TerminalOrigin
	cmd        *exec.Cmd

	mu        sync.Mutex
	buf       []byte
	truncated bool
	exit      *protocol.TerminalExit
	userKill  bool
	signalled bool

	exitCh chan struct{}
}

// TerminalManager executes shell commands on behalf of agents within one
// workspace, streams output, and answers read-back queries. Terminals are
// independent: each has its own reader goroutine pair, and killing one
// never affects another.
type TerminalManager struct {
	workspaceID   string
	workspaceRoot string
	bufferLimit   int

	terminals map[string]*terminalExecution
	mu        sync.Mutex

	publisher *bus.Publisher
	logger    *logger.Logger
}

// NewTerminalManager creates a TerminalManager scoped to a workspace root.
func NewTerminalManager(workspaceID, workspaceRoot string, bufferLimit int, publisher *bus.Publisher, log *logger.Logger) *TerminalManager {
	if bufferLimit <= 0 {
		bufferLimit = 256 * 1024
	}
	return &TerminalManager{
		workspaceID:   workspaceID,
		workspaceRoot: workspaceRoot,
		bufferLimit:   bufferLimit,
		terminals:     make(map[string]*terminalExecution),
		publisher:     publisher,
		logger: log.WithFields(
			zap.String("component", "terminal-manager"),
			zap.String("workspace_id", workspaceID)),
	}
}

// Run spawns a shell command with the workspace root as cwd and returns its
// terminal id. A spawn failure still yields a terminal: it resolves
// immediately as Exited{-1} with the error payload, and terminal/exited is
// emitted so watchers see a terminal state.
func (m *TerminalManager) Run(commandLine string, origin TerminalOrigin) (string, error) {
	if strings.TrimSpace(commandLine) == "" {
		return "", apperrors.InvalidInput("command cannot be empty")
	}

	terminalID := uuid.New().String()
	cmd := shellCommand(commandLine)
	cmd.Dir = m.workspaceRoot

	term := &terminalExecution{
		terminalID: terminalID,
		origin:     origin,
		cmd:        cmd,
		exitCh:     make(chan struct{}),
	}

	m.logger.Info("Spawning terminal command",
		zap.String("terminal_id", terminalID),
		zap.Int("command_len", len(commandLine)))

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", apperrors.IoError("failed to capture stdout", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return "", apperrors.IoError("failed to capture stderr", err)
	}

	m.mu.Lock()
	m.terminals[terminalID] = term
	m.mu.Unlock()

	if err := cmd.Start(); err != nil {
		code := -1
		term.mu.Lock()
		term.exit = &protocol.TerminalExit{ExitCode: &code}
		term.mu.Unlock()
		close(term.exitCh)

		m.emitExited(term, map[string]any{"error": err.Error()})
		m.logger.Warn("Terminal spawn failed",
			zap.String("terminal_id", terminalID),
			zap.Error(err))
		return terminalID, nil
	}

	var readers sync.WaitGroup
	readers.Add(2)
	go m.streamOutput(term, "stdout", stdout, &readers)
	go m.streamOutput(term, "stderr", stderr, &readers)

	go func() {
		readers.Wait()
		waitErr := cmd.Wait()

		term.mu.Lock()
		exit := &protocol.TerminalExit{UserStopped: term.userKill}
		if state := cmd.ProcessState; state != nil {
			if code := state.ExitCode(); code >= 0 {
				exit.ExitCode = &code
			} else {
				exit.Signal = exitSignal(state)
			}
		} else if waitErr != nil {
			code := -1
			exit.ExitCode = &code
		}
		term.exit = exit
		term.mu.Unlock()
		close(term.exitCh)

		m.emitExited(term, nil)
	}()

	return terminalID, nil
}

// streamOutput reads one stream chunk-wise, appending to the retained ring
// and publishing terminal/output events. Undecodable bytes never kill the
// reader; they are shipped as base64.
func (m *TerminalManager) streamOutput(term *terminalExecution, stream string, r io.Reader, readers *sync.WaitGroup) {
	defer readers.Done()
	buf := make([]byte, terminalReadChunk)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			term.appendOutput(chunk, m.bufferLimit)

			data := map[string]any{"stream": stream}
			if utf8.Valid(chunk) {
				data["chunk"] = string(chunk)
			} else {
				data["chunk"] = base64.StdEncoding.EncodeToString(chunk)
				data["base64"] = true
			}
			m.publisher.Emit(events.TerminalOutput, m.scope(term), data)
		}
		if err != nil {
			return
		}
	}
}

// Output returns a snapshot of the retained output ring.
func (m *TerminalManager) Output(terminalID string) (protocol.TerminalSnapshot, error) {
	term, err := m.get(terminalID)
	if err != nil {
		return protocol.TerminalSnapshot{}, err
	}

	term.mu.Lock()
	defer term.mu.Unlock()
	snapshot := protocol.TerminalSnapshot{
		Output:    string(term.buf),
		Truncated: term.truncated,
	}
	if term.exit != nil {
		exitCopy := *term.exit
		snapshot.Exit = &exitCopy
	}
	return snapshot, nil
}

// WaitForExit resolves when the child has exited.
func (m *TerminalManager) WaitForExit(ctx context.Context, terminalID string) (protocol.TerminalExit, error) {
	term, err := m.get(terminalID)
	if err != nil {
		return protocol.TerminalExit{}, err
	}

	select {
	case <-term.exitCh:
	case <-ctx.Done():
		return protocol.TerminalExit{}, apperrors.Cancelled("wait for terminal exit cancelled")
	}

	term.mu.Lock()
	defer term.mu.Unlock()
	return *term.exit, nil
}

// Kill sends the platform terminate signal to a terminal's child. Idempotent:
// repeated calls send one signal and all return Ok. byUser marks the exit
// state UserStopped instead of Signalled.
func (m *TerminalManager) Kill(terminalID string, byUser bool) error {
	term, err := m.get(terminalID)
	if err != nil {
		return err
	}

	term.mu.Lock()
	alreadyDone := term.exit != nil
	alreadySignalled := term.signalled
	if byUser && !alreadyDone {
		term.userKill = true
	}
	term.signalled = true
	term.mu.Unlock()

	if alreadyDone || alreadySignalled {
		return nil
	}

	if term.cmd.Process != nil {
		if err := terminateProcess(term.cmd.Process); err != nil {
			m.logger.Warn("Terminal kill failed",
				zap.String("terminal_id", terminalID),
				zap.Error(err))
		}
	}
	return nil
}

// Release drops the terminal handle; any further operation on the id
// returns TerminalNotFound. A still-running child is terminated first.
func (m *TerminalManager) Release(terminalID string) error {
	m.mu.Lock()
	term, ok := m.terminals[terminalID]
	if ok {
		delete(m.terminals, terminalID)
	}
	m.mu.Unlock()

	if !ok {
		return apperrors.TerminalNotFound(terminalID)
	}

	term.mu.Lock()
	running := term.exit == nil
	term.mu.Unlock()
	if running && term.cmd.Process != nil {
		_ = terminateProcess(term.cmd.Process)
	}

	m.logger.Debug("Terminal released", zap.String("terminal_id", terminalID))
	return nil
}

// KillAll terminates and drops every terminal. Used on workspace teardown.
func (m *TerminalManager) KillAll() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.terminals))
	for id := range m.terminals {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		_ = m.Kill(id, false)
		_ = m.Release(id)
	}
}

func (m *TerminalManager) get(terminalID string) (*terminalExecution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	term, ok := m.terminals[terminalID]
	if !ok {
		return nil, apperrors.TerminalNotFound(terminalID)
	}
	return term, nil
}

func (m *TerminalManager) scope(term *terminalExecution) events.Scope {
	return events.Scope{
		WorkspaceID: m.workspaceID,
		AgentID:     term.origin.AgentID,
		TerminalID:  term.terminalID,
		OperationID: term.origin.OperationID,
	}
}

func (m *TerminalManager) emitExited(term *terminalExecution, extra map[string]any) {
	term.mu.Lock()
	exit := term.exit
	term.mu.Unlock()

	data := map[string]any{
		"userStopped": exit.UserStopped,
	}
	if exit.ExitCode != nil {
		data["exitCode"] = *exit.ExitCode
	}
	if exit.Signal != "" {
		data["signal"] = exit.Signal
	}
	for k, v := range extra {
		data[k] = v
	}
	m.publisher.Emit(events.TerminalExited, m.scope(term), data)
}

// appendOutput appends a chunk to the retained ring, evicting the oldest
// bytes past the limit.
func (e *terminalExecution) appendOutput(chunk []byte, limit int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.buf = append(e.buf, chunk...)
	if len(e.buf) > limit {
		e.buf = e.buf[len(e.buf)-limit:]
		e.truncated = true
	}
}

// shellCommand wraps a command line in the platform shell.
func shellCommand(commandLine string) *exec.Cmd {
	if goruntime.GOOS == "windows" {
		return exec.Command("cmd", "/C", commandLine)
	}
	return exec.Command("sh", "-lc", commandLine)
}
