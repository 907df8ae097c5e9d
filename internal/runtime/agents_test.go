package runtime

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/agentdesk/agentdesk/internal/common/errors"
	"github.com/agentdesk/agentdesk/internal/events"
	"github.com/agentdesk/agentdesk/internal/events/bus"
	"github.com/agentdesk/agentdesk/internal/protocol"
	v1 "github.com/agentdesk/agentdesk/pkg/api/v1"
)

// fakeConnection records the calls an AgentRuntime makes on its connection.
type fakeConnection struct {
	mu        sync.Mutex
	prompts   []string
	cancelled []string
	shutdowns int
}

func (f *fakeConnection) SendPrompt(ctx context.Context, sessionID, text string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prompts = append(f.prompts, text)
	return "end_turn", nil
}

func (f *fakeConnection) CancelTurn(sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, sessionID)
	return nil
}

func (f *fakeConnection) Shutdown(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.shutdowns++
	return nil
}

func (f *fakeConnection) promptCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.prompts)
}

// fakeResolver serves a fixed adapter command for any plugin id.
type fakeResolver struct{}

func (fakeResolver) ResolveBin(string) (protocol.AdapterCommand, error) {
	return protocol.AdapterCommand{Path: "/usr/bin/true"}, nil
}

func newTestRuntime(t *testing.T, publisher *bus.Publisher) (*AgentRuntime, *fakeConnection, *atomic.Int64) {
	t.Helper()

	deps := RuntimeDeps{
		WorkspaceID:   "ws-1",
		WorkspaceRoot: t.TempDir(),
		Resolver:      fakeResolver{},
		PermissionHub: NewPermissionHub(publisher, testLogger(t)),
		Publisher:     publisher,
		Logger:        testLogger(t),
	}
	deps.FsManager = NewFsManager(deps.WorkspaceRoot)
	deps.TerminalManager = NewTerminalManager("ws-1", deps.WorkspaceRoot, 0, publisher, testLogger(t))

	record := AgentRecord{AgentID: "ag-1", PluginID: "mock"}
	rt := newAgentRuntime(record, deps)

	conn := &fakeConnection{}
	connects := &atomic.Int64{}
	rt.connect = func(ctx context.Context, spec protocol.AdapterCommand, cwd string, host protocol.AgentHost) (protocol.AgentConnection, string, error) {
		connects.Add(1)
		// Simulate spawn + handshake latency so racing callers overlap.
		time.Sleep(20 * time.Millisecond)
		return conn, "sess-1", nil
	}
	return rt, conn, connects
}

func TestEnsureStartedCoalescesConcurrentCallers(t *testing.T) {
	publisher, _ := testPublisher(t)
	rt, conn, connects := newTestRuntime(t, publisher)

	const callers = 10
	var wg sync.WaitGroup
	sessions := make([]string, callers)
	errs := make([]error, callers)

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			sessionID, err := rt.SendPrompt(context.Background(), "hello")
			sessions[n] = sessionID
			errs[n] = err
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int64(1), connects.Load(), "exactly one connect attempt")
	assert.Equal(t, callers, conn.promptCount(), "every prompt delivered")
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "sess-1", sessions[i], "all callers share the first session id")
	}
}

func TestStatusTransitionsEmitEvents(t *testing.T) {
	publisher, recorder := testPublisher(t)
	rt, _, _ := newTestRuntime(t, publisher)

	sessionID, err := rt.EnsureStarted(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "sess-1", sessionID)

	status, sid := rt.Status()
	assert.Equal(t, v1.AgentStatusRunning, status)
	assert.Equal(t, "sess-1", sid)

	deadline := time.Now().Add(2 * time.Second)
	var statuses []string
	for time.Now().Before(deadline) {
		statuses = statuses[:0]
		for _, e := range recorder.byType(events.AgentStatusChanged) {
			statuses = append(statuses, string(e.Data["status"].(string)))
		}
		if len(statuses) >= 2 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.GreaterOrEqual(t, len(statuses), 2)
	assert.Equal(t, "STARTING", statuses[0])
	assert.Equal(t, "RUNNING", statuses[1])
}

func TestEnsureStartedConnectFailure(t *testing.T) {
	publisher, _ := testPublisher(t)
	rt, _, _ := newTestRuntime(t, publisher)
	rt.connect = func(ctx context.Context, spec protocol.AdapterCommand, cwd string, host protocol.AgentHost) (protocol.AgentConnection, string, error) {
		return nil, "", apperrors.ProtocolError("adapter crashed on startup")
	}

	_, err := rt.EnsureStarted(context.Background())
	require.Error(t, err)

	status, sid := rt.Status()
	assert.Equal(t, v1.AgentStatusErrored, status)
	assert.Empty(t, sid)
}

func TestStopTurnValidatesSession(t *testing.T) {
	publisher, _ := testPublisher(t)
	rt, conn, _ := newTestRuntime(t, publisher)

	_, err := rt.EnsureStarted(context.Background())
	require.NoError(t, err)

	require.NoError(t, rt.StopTurn("sess-1"))
	assert.Equal(t, []string{"sess-1"}, conn.cancelled)

	err = rt.StopTurn("other-session")
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeInvalidInput, apperrors.Code(err))
}

func TestShutdownStopsAndInvalidatesSession(t *testing.T) {
	publisher, _ := testPublisher(t)
	rt, conn, _ := newTestRuntime(t, publisher)

	_, err := rt.EnsureStarted(context.Background())
	require.NoError(t, err)

	require.NoError(t, rt.Shutdown(context.Background()))

	status, sid := rt.Status()
	assert.Equal(t, v1.AgentStatusStopped, status)
	assert.Empty(t, sid)
	assert.Equal(t, 1, conn.shutdowns)
}

func TestConnectionLossMarksErrored(t *testing.T) {
	publisher, recorder := testPublisher(t)
	rt, _, _ := newTestRuntime(t, publisher)

	var capturedHost protocol.AgentHost
	conn := &fakeConnection{}
	rt.connect = func(ctx context.Context, spec protocol.AdapterCommand, cwd string, host protocol.AgentHost) (protocol.AgentConnection, string, error) {
		capturedHost = host
		return conn, "sess-1", nil
	}

	_, err := rt.EnsureStarted(context.Background())
	require.NoError(t, err)
	require.NotNil(t, capturedHost)

	capturedHost.OnConnectionLost("panic: agent died")

	status, sid := rt.Status()
	assert.Equal(t, v1.AgentStatusErrored, status)
	assert.Empty(t, sid)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		found := false
		for _, e := range recorder.byType(events.AgentStatusChanged) {
			if e.Data["status"] == "ERRORED" {
				assert.Equal(t, "panic: agent died", e.Data["error"])
				found = true
			}
		}
		if found {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("errored status event was not emitted")
}

func TestAgentRegistryCreateAndList(t *testing.T) {
	publisher, _ := testPublisher(t)
	deps := RuntimeDeps{
		WorkspaceID: "ws-1",
		Resolver:    fakeResolver{},
		Publisher:   publisher,
		Logger:      testLogger(t),
	}
	registry := NewAgentRegistry(deps)

	first, err := registry.CreateAgent("claude-code", "First Agent")
	require.NoError(t, err)
	second, err := registry.CreateAgent("codex", "")
	require.NoError(t, err)
	assert.NotEqual(t, first.AgentID, second.AgentID)

	records := registry.List()
	require.Len(t, records, 2)
	assert.Equal(t, first.AgentID, records[0].AgentID)
	assert.Equal(t, second.AgentID, records[1].AgentID)

	_, err = registry.CreateAgent("Invalid-Plugin", "")
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeInvalidInput, apperrors.Code(err))

	_, err = registry.EnsureRuntime("missing")
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeAgentNotFound, apperrors.Code(err))

	rt, err := registry.EnsureRuntime(first.AgentID)
	require.NoError(t, err)
	again, err := registry.EnsureRuntime(first.AgentID)
	require.NoError(t, err)
	assert.Same(t, rt, again)
}
