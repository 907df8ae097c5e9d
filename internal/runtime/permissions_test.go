package runtime

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/agentdesk/agentdesk/internal/common/errors"
	"github.com/agentdesk/agentdesk/internal/events"
	v1 "github.com/agentdesk/agentdesk/pkg/api/v1"
)

// pendingOperationID polls the recorder for the emitted permission request
// and returns its operation id.
func pendingOperationID(t *testing.T, recorder *eventRecorder) string {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if reqs := recorder.byType(events.PermissionRequested); len(reqs) > 0 {
			return reqs[len(reqs)-1].Data["operationId"].(string)
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("no permission request was emitted")
	return ""
}

func TestPermissionRequestRespond(t *testing.T) {
	publisher, recorder := testPublisher(t)
	hub := NewPermissionHub(publisher, testLogger(t))

	type outcome struct {
		decision v1.PermissionDecision
		err      error
	}
	done := make(chan outcome, 1)
	go func() {
		_, decision, err := hub.Request(context.Background(), v1.SourceFsWrite,
			v1.PermissionOrigin{WorkspaceID: "ws-1", AgentID: "ag-1"}, "write file: a.txt", nil)
		done <- outcome{decision, err}
	}()

	operationID := pendingOperationID(t, recorder)
	require.NoError(t, hub.Respond(operationID, v1.DecisionAllowOnce))

	result := <-done
	require.NoError(t, result.err)
	assert.Equal(t, v1.DecisionAllowOnce, result.decision)
	assert.Equal(t, 0, hub.PendingCount())
}

func TestPermissionRespondTwiceReturnsOperationNotFound(t *testing.T) {
	publisher, recorder := testPublisher(t)
	hub := NewPermissionHub(publisher, testLogger(t))

	go func() {
		_, _, _ = hub.Request(context.Background(), v1.SourceFsRead,
			v1.PermissionOrigin{WorkspaceID: "ws-1"}, "read file", nil)
	}()

	operationID := pendingOperationID(t, recorder)
	require.NoError(t, hub.Respond(operationID, v1.DecisionDeny))

	err := hub.Respond(operationID, v1.DecisionDeny)
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeOperationNotFound, apperrors.Code(err))
}

func TestPermissionRespondUnknownOperation(t *testing.T) {
	publisher, _ := testPublisher(t)
	hub := NewPermissionHub(publisher, testLogger(t))

	err := hub.Respond("no-such-operation", v1.DecisionAllowOnce)
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeOperationNotFound, apperrors.Code(err))
}

func TestPermissionRespondRejectsCancelledDecision(t *testing.T) {
	publisher, _ := testPublisher(t)
	hub := NewPermissionHub(publisher, testLogger(t))

	err := hub.Respond("whatever", v1.DecisionCancelled)
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeInvalidInput, apperrors.Code(err))
}

func TestPermissionCancelResolvesWaiter(t *testing.T) {
	publisher, recorder := testPublisher(t)
	hub := NewPermissionHub(publisher, testLogger(t))

	done := make(chan v1.PermissionDecision, 1)
	go func() {
		_, decision, _ := hub.Request(context.Background(), v1.SourceTerminalExec,
			v1.PermissionOrigin{WorkspaceID: "ws-1"}, "run command", nil)
		done <- decision
	}()

	operationID := pendingOperationID(t, recorder)
	require.NoError(t, hub.Cancel(operationID))

	assert.Equal(t, v1.DecisionCancelled, <-done)
}

func TestCancelWorkspaceOnlyCancelsItsRequests(t *testing.T) {
	publisher, recorder := testPublisher(t)
	hub := NewPermissionHub(publisher, testLogger(t))

	w1Done := make(chan v1.PermissionDecision, 1)
	go func() {
		_, decision, _ := hub.Request(context.Background(), v1.SourceFsWrite,
			v1.PermissionOrigin{WorkspaceID: "ws-1"}, "w1 write", nil)
		w1Done <- decision
	}()
	opW1 := pendingOperationID(t, recorder)

	w2Done := make(chan v1.PermissionDecision, 1)
	go func() {
		_, decision, _ := hub.Request(context.Background(), v1.SourceFsWrite,
			v1.PermissionOrigin{WorkspaceID: "ws-2"}, "w2 write", nil)
		w2Done <- decision
	}()

	// Wait for the second request to register.
	deadline := time.Now().Add(2 * time.Second)
	var opW2 string
	for time.Now().Before(deadline) {
		reqs := recorder.byType(events.PermissionRequested)
		if len(reqs) >= 2 {
			for _, req := range reqs {
				id := req.Data["operationId"].(string)
				if id != opW1 {
					opW2 = id
				}
			}
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.NotEmpty(t, opW2)

	hub.CancelWorkspace("ws-1")

	assert.Equal(t, v1.DecisionCancelled, <-w1Done)

	// ws-2 is untouched and still answerable.
	select {
	case <-w2Done:
		t.Fatal("ws-2 request must not be cancelled by ws-1 teardown")
	case <-time.After(50 * time.Millisecond):
	}
	require.NoError(t, hub.Respond(opW2, v1.DecisionAllowOnce))
	assert.Equal(t, v1.DecisionAllowOnce, <-w2Done)
}

func TestPermissionRequestContextCancellation(t *testing.T) {
	publisher, recorder := testPublisher(t)
	hub := NewPermissionHub(publisher, testLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan v1.PermissionDecision, 1)
	go func() {
		_, decision, _ := hub.Request(ctx, v1.SourceInstallPlugin,
			v1.PermissionOrigin{}, "install plugin", nil)
		done <- decision
	}()

	operationID := pendingOperationID(t, recorder)
	cancel()

	assert.Equal(t, v1.DecisionCancelled, <-done)

	// The waiter is gone; late responses are recoverable errors.
	deadline := time.Now().Add(2 * time.Second)
	var err error
	for time.Now().Before(deadline) {
		err = hub.Respond(operationID, v1.DecisionDeny)
		if err != nil {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeOperationNotFound, apperrors.Code(err))
}
