package runtime

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/agentdesk/agentdesk/internal/common/errors"
	"github.com/agentdesk/agentdesk/internal/events"
)

func newTestTerminalManager(t *testing.T) (*TerminalManager, *eventRecorder) {
	t.Helper()
	publisher, recorder := testPublisher(t)
	manager := NewTerminalManager("ws-test", t.TempDir(), 0, publisher, testLogger(t))
	return manager, recorder
}

func TestTerminalRunCapturesOutput(t *testing.T) {
	manager, recorder := newTestTerminalManager(t)

	terminalID, err := manager.Run("printf 'hello'", TerminalOrigin{AgentID: "ag-1"})
	require.NoError(t, err)
	require.NotEmpty(t, terminalID)

	exit, err := manager.WaitForExit(context.Background(), terminalID)
	require.NoError(t, err)
	require.NotNil(t, exit.ExitCode)
	assert.Equal(t, 0, *exit.ExitCode)
	assert.False(t, exit.UserStopped)

	snapshot, err := manager.Output(terminalID)
	require.NoError(t, err)
	assert.Contains(t, snapshot.Output, "hello")
	require.NotNil(t, snapshot.Exit)

	// Output events carry the workspace and terminal scope.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(recorder.byType(events.TerminalOutput)) > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	outputs := recorder.byType(events.TerminalOutput)
	require.NotEmpty(t, outputs)
	assert.Equal(t, "ws-test", outputs[0].Scope.WorkspaceID)
	assert.Equal(t, terminalID, outputs[0].Scope.TerminalID)
	assert.Equal(t, "ag-1", outputs[0].Scope.AgentID)
}

func TestTerminalKillMarksUserStopped(t *testing.T) {
	manager, recorder := newTestTerminalManager(t)

	terminalID, err := manager.Run("sleep 60", TerminalOrigin{})
	require.NoError(t, err)

	// Give the shell a moment to start the child.
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, manager.Kill(terminalID, true))

	exit, err := manager.WaitForExit(context.Background(), terminalID)
	require.NoError(t, err)
	assert.True(t, exit.UserStopped)

	// The exited event reports userStopped.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(recorder.byType(events.TerminalExited)) > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	exited := recorder.byType(events.TerminalExited)
	require.NotEmpty(t, exited)
	assert.Equal(t, true, exited[0].Data["userStopped"])
}

func TestTerminalKillIsIdempotent(t *testing.T) {
	manager, _ := newTestTerminalManager(t)

	terminalID, err := manager.Run("sleep 60", TerminalOrigin{})
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)

	for i := 0; i < 3; i++ {
		require.NoError(t, manager.Kill(terminalID, true))
	}

	exit, err := manager.WaitForExit(context.Background(), terminalID)
	require.NoError(t, err)
	assert.True(t, exit.UserStopped)
}

func TestTerminalKillIsolation(t *testing.T) {
	manager, _ := newTestTerminalManager(t)

	victim, err := manager.Run("sleep 60", TerminalOrigin{})
	require.NoError(t, err)
	survivor, err := manager.Run("printf 'alive'; sleep 1", TerminalOrigin{})
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, manager.Kill(victim, true))

	exit, err := manager.WaitForExit(context.Background(), survivor)
	require.NoError(t, err)
	assert.False(t, exit.UserStopped)
	require.NotNil(t, exit.ExitCode)
	assert.Equal(t, 0, *exit.ExitCode)

	snapshot, err := manager.Output(survivor)
	require.NoError(t, err)
	assert.Contains(t, snapshot.Output, "alive")
}

func TestTerminalReleaseDropsHandle(t *testing.T) {
	manager, _ := newTestTerminalManager(t)

	terminalID, err := manager.Run("printf 'x'", TerminalOrigin{})
	require.NoError(t, err)
	_, err = manager.WaitForExit(context.Background(), terminalID)
	require.NoError(t, err)

	require.NoError(t, manager.Release(terminalID))

	_, err = manager.Output(terminalID)
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeTerminalNotFound, apperrors.Code(err))

	err = manager.Release(terminalID)
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeTerminalNotFound, apperrors.Code(err))
}

func TestTerminalKillUnknownIDReturnsNotFound(t *testing.T) {
	manager, _ := newTestTerminalManager(t)

	err := manager.Kill("no-such-terminal", true)
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeTerminalNotFound, apperrors.Code(err))
}

func TestTerminalEmptyCommandRejected(t *testing.T) {
	manager, _ := newTestTerminalManager(t)

	_, err := manager.Run("   ", TerminalOrigin{})
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeInvalidInput, apperrors.Code(err))
}

func TestTerminalOutputRingEviction(t *testing.T) {
	publisher, _ := testPublisher(t)
	manager := NewTerminalManager("ws-test", t.TempDir(), 64, publisher, testLogger(t))

	terminalID, err := manager.Run("printf '%s' aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa; printf '%s' bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb", TerminalOrigin{})
	require.NoError(t, err)
	_, err = manager.WaitForExit(context.Background(), terminalID)
	require.NoError(t, err)

	snapshot, err := manager.Output(terminalID)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(snapshot.Output), 64)
	assert.True(t, snapshot.Truncated)
	assert.True(t, strings.HasSuffix(snapshot.Output, "b"))
}

func TestTerminalKillAll(t *testing.T) {
	manager, _ := newTestTerminalManager(t)

	first, err := manager.Run("sleep 60", TerminalOrigin{})
	require.NoError(t, err)
	second, err := manager.Run("sleep 60", TerminalOrigin{})
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)

	manager.KillAll()

	for _, id := range []string{first, second} {
		_, err := manager.Output(id)
		require.Error(t, err)
		assert.Equal(t, apperrors.ErrCodeTerminalNotFound, apperrors.Code(err))
	}
}
