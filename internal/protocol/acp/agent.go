// Package acp implements the AgentConnection contract for ACP-compatible
// adapters: it owns one child process and translates between the typed
// runtime boundary and ACP JSON-RPC 2.0 wire messages on stdio.
package acp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/agentdesk/agentdesk/internal/common/errors"
	"github.com/agentdesk/agentdesk/internal/common/logger"
	runtimeproto "github.com/agentdesk/agentdesk/internal/protocol"
	"github.com/agentdesk/agentdesk/pkg/acp/jsonrpc"
	acpwire "github.com/agentdesk/agentdesk/pkg/acp/protocol"
	v1 "github.com/agentdesk/agentdesk/pkg/api/v1"
)

const defaultShutdownGrace = 5 * time.Second

// Options tunes connection behavior.
type Options struct {
	// ClientName/ClientVersion are advertised in the initialize handshake.
	ClientName    string
	ClientVersion string
	// ShutdownGrace bounds the wait between stdin EOF and SIGKILL.
	ShutdownGrace time.Duration
}

// Agent is an ACP connection to one adapter subprocess.
type Agent struct {
	cmd   *exec.Cmd
	stdin io.WriteCloser
	conn  *jsonrpc.Conn
	host  runtimeproto.AgentHost

	sessionID atomic.Value // string; set after session/new

	authMethods []acpwire.AuthMethod
	agentCaps   json.RawMessage

	stderr *stderrTail

	shutdownGrace time.Duration
	closing       atomic.Bool
	shutdownOnce  sync.Once

	procDone chan struct{}
	waitErr  error

	cancelReaders context.CancelFunc

	logger *logger.Logger
}

var _ runtimeproto.AgentConnection = (*Agent)(nil)

// Connect spawns the adapter, performs the initialize handshake, and creates
// the session. ctx bounds only the connect sequence; the connection itself
// lives until Shutdown. On handshake failure the child is reaped before
// returning.
func Connect(ctx context.Context, spec runtimeproto.AdapterCommand, cwd string, host runtimeproto.AgentHost, opts Options, log *logger.Logger) (*Agent, string, error) {
	if opts.ShutdownGrace <= 0 {
		opts.ShutdownGrace = defaultShutdownGrace
	}
	if opts.ClientName == "" {
		opts.ClientName = "agentdesk"
	}

	log = log.WithFields(zap.String("component", "acp-agent"))
	log.Info("Connecting to ACP adapter",
		zap.String("bin", spec.Path),
		zap.String("cwd", cwd))

	cmd := exec.Command(spec.Path, spec.Args...)
	cmd.Dir = cwd
	cmd.Env = composeEnv(os.Environ(), spec.Env)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, "", apperrors.IoError("failed to open adapter stdin", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, "", apperrors.IoError("failed to open adapter stdout", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, "", apperrors.IoError("failed to open adapter stderr", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, "", apperrors.IoError("failed to spawn adapter process", err)
	}
	log.Debug("Adapter process spawned", zap.Int("pid", cmd.Process.Pid))

	readerCtx, cancelReaders := context.WithCancel(context.Background())

	a := &Agent{
		cmd:           cmd,
		stdin:         stdin,
		conn:          jsonrpc.NewConn(stdin, stdout, log),
		host:          host,
		stderr:        newStderrTail(stderr, log),
		shutdownGrace: opts.ShutdownGrace,
		procDone:      make(chan struct{}),
		cancelReaders: cancelReaders,
		logger:        log,
	}
	a.sessionID.Store("")

	go func() {
		a.waitErr = cmd.Wait()
		close(a.procDone)
	}()

	a.registerHandlers()
	a.conn.Start(readerCtx)

	// Reader-loop exit means the child closed stdout: either a shutdown we
	// initiated, or the process died underneath us.
	go func() {
		<-a.conn.Done()
		if a.closing.Load() {
			return
		}
		log.Warn("Adapter connection lost", zap.String("stderr_tail", a.stderr.Tail()))
		host.OnConnectionLost(a.stderr.Tail())
	}()

	sessionID, err := a.handshake(ctx, opts, cwd)
	if err != nil {
		_ = a.Shutdown(context.Background())
		return nil, "", err
	}
	a.sessionID.Store(sessionID)

	log.Info("ACP session established", zap.String("session_id", sessionID))
	return a, sessionID, nil
}

// handshake performs initialize + session/new.
func (a *Agent) handshake(ctx context.Context, opts Options, cwd string) (string, error) {
	// Crash-on-startup shows up here as an immediate exit; report it with
	// the stderr tail instead of a timeout on initialize.
	select {
	case <-a.procDone:
		return "", apperrors.ProtocolError(fmt.Sprintf(
			"adapter process exited immediately: %s", a.stderr.Tail()))
	default:
	}

	initParams := acpwire.InitializeParams{
		ProtocolVersion: acpwire.ProtocolVersion,
		ClientCapabilities: &acpwire.ClientCapabilities{
			FS: &acpwire.FileSystemCapability{
				ReadTextFile:  true,
				WriteTextFile: true,
			},
			Terminal: true,
		},
		ClientInfo: &acpwire.Implementation{
			Name:    opts.ClientName,
			Version: opts.ClientVersion,
		},
	}

	var initResult acpwire.InitializeResult
	if err := a.conn.Call(ctx, acpwire.MethodInitialize, initParams, &initResult); err != nil {
		return "", wrapCallError("initialize", err)
	}
	a.authMethods = initResult.AuthMethods
	a.agentCaps = initResult.AgentCapabilities

	newParams := acpwire.NewSessionParams{
		CWD:        cwd,
		MCPServers: []acpwire.MCPServer{},
	}
	var newResult acpwire.NewSessionResult
	if err := a.conn.Call(ctx, acpwire.MethodSessionNew, newParams, &newResult); err != nil {
		return "", wrapCallError("session/new", err)
	}
	if newResult.SessionID == "" {
		return "", apperrors.ProtocolError("session/new returned no session id")
	}
	return newResult.SessionID, nil
}

// AuthMethods returns the authentication methods captured from initialize.
func (a *Agent) AuthMethods() []acpwire.AuthMethod {
	return a.authMethods
}

// AgentCapabilities returns the raw agent capabilities from initialize.
func (a *Agent) AgentCapabilities() json.RawMessage {
	return a.agentCaps
}

// SendPrompt fires session/prompt and blocks until the agent reports the
// final stop reason. Streaming updates land on the host before this returns.
func (a *Agent) SendPrompt(ctx context.Context, sessionID string, text string) (string, error) {
	params := acpwire.PromptParams{
		SessionID: sessionID,
		Prompt:    []acpwire.ContentBlock{{Type: "text", Text: text}},
	}

	var result acpwire.PromptResult
	if err := a.conn.Call(ctx, acpwire.MethodSessionPrompt, params, &result); err != nil {
		return "", wrapCallError("session/prompt", err)
	}

	// The wire reports turn completion only in the prompt response; surface
	// it on the update stream so consumers see one terminal marker.
	a.host.OnSessionUpdate(sessionID, map[string]any{
		"type":       acpwire.UpdateTurnComplete,
		"stopReason": result.StopReason,
	})

	return result.StopReason, nil
}

// CancelTurn fires the session/cancel notification. Idempotent; never waits
// for an acknowledgement.
func (a *Agent) CancelTurn(sessionID string) error {
	if err := a.conn.Notify(acpwire.MethodSessionCancel, acpwire.CancelParams{SessionID: sessionID}); err != nil {
		return apperrors.ProtocolError(fmt.Sprintf("session/cancel: %v", err))
	}
	return nil
}

// Shutdown closes stdin to signal EOF, waits bounded for the child to exit,
// escalates to kill, and joins the reader goroutines. Safe to call more
// than once.
func (a *Agent) Shutdown(ctx context.Context) error {
	a.shutdownOnce.Do(func() {
		a.closing.Store(true)
		a.logger.Info("Shutting down ACP adapter")

		a.conn.Close()
		if err := a.stdin.Close(); err != nil {
			a.logger.Debug("stdin close", zap.Error(err))
		}

		grace := time.NewTimer(a.shutdownGrace)
		defer grace.Stop()

		select {
		case <-a.procDone:
		case <-grace.C:
			a.logger.Warn("Adapter did not exit after stdin close, killing")
			if err := a.cmd.Process.Kill(); err != nil {
				a.logger.Warn("Failed to kill adapter process", zap.Error(err))
			}
			<-a.procDone
		case <-ctx.Done():
			_ = a.cmd.Process.Kill()
			<-a.procDone
		}

		a.cancelReaders()
	})
	return nil
}

// registerHandlers wires the inbound dispatch table. All handlers must be
// registered before the read loop starts.
func (a *Agent) registerHandlers() {
	a.conn.OnNotification(acpwire.MethodSessionUpdate, func(params json.RawMessage) {
		sessionID, update := acpwire.ExtractSessionNotification(params, a.currentSessionID())
		a.host.OnSessionUpdate(sessionID, acpwire.NormalizeSessionUpdate(update))
	})

	a.conn.OnRawLine(func(line []byte) {
		// Framing noise never kills the connection; deliver it upward as a
		// raw update for visibility.
		a.logger.Warn("Undecodable line from adapter", zap.ByteString("line", line))
		a.host.OnSessionUpdate(a.currentSessionID(), acpwire.NormalizeSessionUpdate(line))
	})

	a.conn.OnMethod(acpwire.MethodRequestPermission, func(ctx context.Context, params json.RawMessage) (any, error) {
		var req acpwire.RequestPermissionParams
		if err := json.Unmarshal(params, &req); err != nil {
			return nil, fmt.Errorf("parse request_permission params: %w", err)
		}

		options := make([]v1.PermissionOptionView, 0, len(req.Options))
		for _, o := range req.Options {
			options = append(options, v1.PermissionOptionView{
				OptionID: o.OptionID,
				Name:     o.Name,
				Kind:     o.Kind,
			})
		}

		decision, err := a.host.RequestPermission(ctx, runtimeproto.PermissionRequest{
			SessionID:  req.SessionID,
			ToolCallID: req.ToolCall.ToolCallID,
			Title:      req.ToolCall.Title,
			Options:    options,
		})
		if err != nil {
			return nil, err
		}

		return acpwire.RequestPermissionResult{
			Outcome: permissionOutcome(decision, req.Options),
		}, nil
	})

	a.conn.OnMethod(acpwire.MethodFsReadTextFile, func(ctx context.Context, params json.RawMessage) (any, error) {
		var req acpwire.ReadTextFileParams
		if err := json.Unmarshal(params, &req); err != nil {
			return nil, fmt.Errorf("parse read_text_file params: %w", err)
		}
		content, err := a.host.FsReadTextFile(ctx, runtimeproto.FsReadRequest{
			SessionID: req.SessionID,
			Path:      req.Path,
		})
		if err != nil {
			return nil, err
		}
		return acpwire.ReadTextFileResult{Content: content}, nil
	})

	a.conn.OnMethod(acpwire.MethodFsWriteTextFile, func(ctx context.Context, params json.RawMessage) (any, error) {
		var req acpwire.WriteTextFileParams
		if err := json.Unmarshal(params, &req); err != nil {
			return nil, fmt.Errorf("parse write_text_file params: %w", err)
		}
		if err := a.host.FsWriteTextFile(ctx, runtimeproto.FsWriteRequest{
			SessionID: req.SessionID,
			Path:      req.Path,
			Content:   req.Content,
		}); err != nil {
			return nil, err
		}
		return acpwire.WriteTextFileResult{}, nil
	})

	a.conn.OnMethod(acpwire.MethodTerminalCreate, func(ctx context.Context, params json.RawMessage) (any, error) {
		var req acpwire.CreateTerminalParams
		if err := json.Unmarshal(params, &req); err != nil {
			return nil, fmt.Errorf("parse terminal/create params: %w", err)
		}
		terminalID, err := a.host.TerminalCreate(ctx, runtimeproto.TerminalCreateRequest{
			SessionID: req.SessionID,
			Command:   req.Command,
		})
		if err != nil {
			return nil, err
		}
		return acpwire.CreateTerminalResult{TerminalID: terminalID}, nil
	})

	a.conn.OnMethod(acpwire.MethodTerminalKill, func(ctx context.Context, params json.RawMessage) (any, error) {
		terminalID, err := parseTerminalID(params)
		if err != nil {
			return nil, err
		}
		if err := a.host.TerminalKill(ctx, terminalID); err != nil {
			return nil, err
		}
		return acpwire.EmptyResult{}, nil
	})

	a.conn.OnMethod(acpwire.MethodTerminalRelease, func(ctx context.Context, params json.RawMessage) (any, error) {
		terminalID, err := parseTerminalID(params)
		if err != nil {
			return nil, err
		}
		if err := a.host.TerminalRelease(ctx, terminalID); err != nil {
			return nil, err
		}
		return acpwire.EmptyResult{}, nil
	})

	a.conn.OnMethod(acpwire.MethodTerminalOutput, func(ctx context.Context, params json.RawMessage) (any, error) {
		terminalID, err := parseTerminalID(params)
		if err != nil {
			return nil, err
		}
		snapshot, err := a.host.TerminalOutput(ctx, terminalID)
		if err != nil {
			return nil, err
		}
		result := acpwire.TerminalOutputResult{
			Output:    snapshot.Output,
			Truncated: snapshot.Truncated,
		}
		if snapshot.Exit != nil {
			result.ExitStatus = exitStatusWire(*snapshot.Exit)
		}
		return result, nil
	})

	a.conn.OnMethod(acpwire.MethodTerminalWaitExit, func(ctx context.Context, params json.RawMessage) (any, error) {
		terminalID, err := parseTerminalID(params)
		if err != nil {
			return nil, err
		}
		exit, err := a.host.TerminalWaitForExit(ctx, terminalID)
		if err != nil {
			return nil, err
		}
		return acpwire.WaitForTerminalExitResult{ExitStatus: *exitStatusWire(exit)}, nil
	})
}

func (a *Agent) currentSessionID() string {
	sid, _ := a.sessionID.Load().(string)
	return sid
}

func parseTerminalID(params json.RawMessage) (string, error) {
	var req acpwire.TerminalParams
	if err := json.Unmarshal(params, &req); err != nil {
		return "", fmt.Errorf("parse terminal params: %w", err)
	}
	if req.TerminalID == "" {
		return "", fmt.Errorf("terminalId is required")
	}
	return req.TerminalID, nil
}

func exitStatusWire(exit runtimeproto.TerminalExit) *acpwire.TerminalExitStatus {
	return &acpwire.TerminalExitStatus{
		ExitCode:    exit.ExitCode,
		Signal:      exit.Signal,
		UserStopped: exit.UserStopped,
	}
}

// permissionOutcome maps a runtime decision onto the agent-declared options.
// The agent enumerates the options; the decider only answers allow/deny, so
// the mapping prefers the matching one-shot option kind.
func permissionOutcome(decision v1.PermissionDecision, options []acpwire.PermissionOption) acpwire.PermissionOutcome {
	switch decision {
	case v1.DecisionAllowOnce:
		if opt := findOption(options, "allow_once", "allow_always"); opt != nil {
			return acpwire.PermissionOutcome{Outcome: "selected", OptionID: opt.OptionID}
		}
	case v1.DecisionDeny:
		if opt := findOption(options, "reject_once", "reject_always"); opt != nil {
			return acpwire.PermissionOutcome{Outcome: "selected", OptionID: opt.OptionID}
		}
	}
	return acpwire.PermissionOutcome{Outcome: "cancelled"}
}

func findOption(options []acpwire.PermissionOption, kinds ...string) *acpwire.PermissionOption {
	for _, kind := range kinds {
		for i := range options {
			if options[i].Kind == kind {
				return &options[i]
			}
		}
	}
	return nil
}

func wrapCallError(method string, err error) error {
	var rpcErr *jsonrpc.RPCError
	if errors.As(err, &rpcErr) {
		return apperrors.RpcError(rpcErr.Code, rpcErr.Message)
	}
	return apperrors.ProtocolError(fmt.Sprintf("%s: %v", method, err))
}
