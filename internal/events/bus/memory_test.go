package bus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentdesk/agentdesk/internal/common/logger"
	"github.com/agentdesk/agentdesk/internal/events"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      "error",
		Format:     "console",
		OutputPath: "stderr",
	})
	require.NoError(t, err)
	return log
}

func waitForEvent(t *testing.T, ch <-chan *Event) *Event {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("event was not delivered")
		return nil
	}
}

func TestMemoryBusExactSubject(t *testing.T) {
	memBus := NewMemoryEventBus(testLogger(t))
	defer memBus.Close()

	received := make(chan *Event, 1)
	_, err := memBus.Subscribe("agentdesk.workspace.w1", func(_ context.Context, e *Event) error {
		received <- e
		return nil
	})
	require.NoError(t, err)

	event := NewEvent(events.TerminalOutput, events.Scope{WorkspaceID: "w1"}, map[string]any{"chunk": "x"})
	require.NoError(t, memBus.Publish(context.Background(), "agentdesk.workspace.w1", event))

	got := waitForEvent(t, received)
	assert.Equal(t, events.TerminalOutput, got.Type)
	assert.Equal(t, "w1", got.Scope.WorkspaceID)
}

func TestMemoryBusWildcards(t *testing.T) {
	memBus := NewMemoryEventBus(testLogger(t))
	defer memBus.Close()

	star := make(chan *Event, 4)
	_, err := memBus.Subscribe("agentdesk.workspace.*", func(_ context.Context, e *Event) error {
		star <- e
		return nil
	})
	require.NoError(t, err)

	all := make(chan *Event, 4)
	_, err = memBus.Subscribe("agentdesk.>", func(_ context.Context, e *Event) error {
		all <- e
		return nil
	})
	require.NoError(t, err)

	event := NewEvent(events.AgentStatusChanged, events.Scope{WorkspaceID: "w1"}, nil)
	require.NoError(t, memBus.Publish(context.Background(), "agentdesk.workspace.w1", event))

	waitForEvent(t, star)
	waitForEvent(t, all)

	// Global subject matches > but not workspace.*
	globalEvent := NewEvent(events.PluginStatusChanged, events.Scope{}, nil)
	require.NoError(t, memBus.Publish(context.Background(), events.GlobalSubject, globalEvent))

	waitForEvent(t, all)
	select {
	case <-star:
		t.Fatal("workspace wildcard must not match the global subject")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestMemoryBusUnsubscribe(t *testing.T) {
	memBus := NewMemoryEventBus(testLogger(t))
	defer memBus.Close()

	received := make(chan *Event, 1)
	sub, err := memBus.Subscribe("a.b", func(_ context.Context, e *Event) error {
		received <- e
		return nil
	})
	require.NoError(t, err)
	assert.True(t, sub.IsValid())

	require.NoError(t, sub.Unsubscribe())
	assert.False(t, sub.IsValid())

	require.NoError(t, memBus.Publish(context.Background(), "a.b", NewEvent("x", events.Scope{}, nil)))
	select {
	case <-received:
		t.Fatal("unsubscribed handler must not receive events")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestMemoryBusClose(t *testing.T) {
	memBus := NewMemoryEventBus(testLogger(t))
	assert.True(t, memBus.IsConnected())

	memBus.Close()
	assert.False(t, memBus.IsConnected())

	err := memBus.Publish(context.Background(), "a.b", NewEvent("x", events.Scope{}, nil))
	require.Error(t, err)

	_, err = memBus.Subscribe("a.b", func(context.Context, *Event) error { return nil })
	require.Error(t, err)
}

func TestScopeSubjects(t *testing.T) {
	assert.Equal(t, "agentdesk.workspace.w1", events.Scope{WorkspaceID: "w1"}.Subject())
	assert.Equal(t, events.GlobalSubject, events.Scope{}.Subject())
}
