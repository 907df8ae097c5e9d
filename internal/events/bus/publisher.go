package bus

import (
	"context"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/agentdesk/agentdesk/internal/common/logger"
	"github.com/agentdesk/agentdesk/internal/events"
)

// Publisher is the event sink handed to runtime components. It routes each
// event onto the subject derived from its scope and never blocks the
// caller: a publish failure bumps a counter and is otherwise dropped, so a
// saturated sink can never stall an agent or terminal reader goroutine.
type Publisher struct {
	bus     EventBus
	logger  *logger.Logger
	dropped atomic.Int64
}

// NewPublisher creates a Publisher on top of an event bus.
func NewPublisher(b EventBus, log *logger.Logger) *Publisher {
	return &Publisher{
		bus:    b,
		logger: log.WithFields(zap.String("component", "event-publisher")),
	}
}

// Emit publishes one event. Safe to call from any goroutine.
func (p *Publisher) Emit(eventType string, scope events.Scope, data map[string]any) {
	event := NewEvent(eventType, scope, data)
	if err := p.bus.Publish(context.Background(), scope.Subject(), event); err != nil {
		p.dropped.Add(1)
		p.logger.Warn("Dropped event",
			zap.String("event_type", eventType),
			zap.String("workspace_id", scope.WorkspaceID),
			zap.Int64("dropped_total", p.dropped.Load()),
			zap.Error(err))
	}
}

// Dropped returns the number of events dropped at the sink boundary.
func (p *Publisher) Dropped() int64 {
	return p.dropped.Load()
}
