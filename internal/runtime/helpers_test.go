package runtime

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/agentdesk/agentdesk/internal/common/logger"
	"github.com/agentdesk/agentdesk/internal/events/bus"
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

// eventRecorder captures everything published on a memory bus.
type eventRecorder struct {
	mu     sync.Mutex
	events []*bus.Event
}

func (r *eventRecorder) record(_ context.Context, event *bus.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *eventRecorder) byType(eventType string) []*bus.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var matched []*bus.Event
	for _, e := range r.events {
		if e.Type == eventType {
			matched = append(matched, e)
		}
	}
	return matched
}

// testPublisher wires a publisher over a memory bus with a recorder
// subscribed to the full stream.
func testPublisher(t *testing.T) (*bus.Publisher, *eventRecorder) {
	t.Helper()
	log := testLogger(t)
	memBus := bus.NewMemoryEventBus(log)
	t.Cleanup(memBus.Close)

	recorder := &eventRecorder{}
	_, err := memBus.Subscribe("agentdesk.>", recorder.record)
	require.NoError(t, err)

	return bus.NewPublisher(memBus, log), recorder
}
