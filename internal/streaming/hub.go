// Package streaming fans the runtime event stream out to WebSocket clients.
// Clients subscribe per workspace id; global events (plugin status) reach
// every client.
package streaming

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/agentdesk/agentdesk/internal/common/logger"
	"github.com/agentdesk/agentdesk/internal/events/bus"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The UI process connects from its own origin.
	CheckOrigin: func(*http.Request) bool { return true },
}

// Hub tracks connected clients and forwards bus events to them.
type Hub struct {
	eventBus bus.EventBus
	sub      bus.Subscription

	clients map[*Client]bool
	mu      sync.Mutex

	// dropped counts events discarded because a client's send buffer was
	// full. Backpressure lands here, never on the runtime's reader
	// goroutines.
	dropped atomic.Int64

	logger *logger.Logger
}

// NewHub creates the hub and subscribes it to the full event stream.
func NewHub(eventBus bus.EventBus, log *logger.Logger) (*Hub, error) {
	h := &Hub{
		eventBus: eventBus,
		clients:  make(map[*Client]bool),
		logger:   log.WithFields(zap.String("component", "streaming-hub")),
	}

	sub, err := eventBus.Subscribe("agentdesk.>", h.onEvent)
	if err != nil {
		return nil, err
	}
	h.sub = sub
	return h, nil
}

// HandleConnection upgrades an HTTP request to a WebSocket client.
func (h *Hub) HandleConnection(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}

	client := newClient(h, conn, h.logger)

	h.mu.Lock()
	h.clients[client] = true
	count := len(h.clients)
	h.mu.Unlock()

	h.logger.Info("Event stream client connected", zap.Int("clients", count))

	go client.writePump()
	go client.readPump()
}

// onEvent forwards one bus event to every interested client.
func (h *Hub) onEvent(ctx context.Context, event *bus.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}

	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	h.mu.Unlock()

	for _, client := range clients {
		if !client.wants(event.Scope.WorkspaceID) {
			continue
		}
		if !client.send(payload) {
			h.dropped.Add(1)
			h.logger.Warn("Dropped event for slow client",
				zap.String("event_type", event.Type),
				zap.Int64("dropped_total", h.dropped.Load()))
		}
	}
	return nil
}

// Dropped returns the number of events dropped at the client boundary.
func (h *Hub) Dropped() int64 {
	return h.dropped.Load()
}

func (h *Hub) unregister(client *Client) {
	h.mu.Lock()
	delete(h.clients, client)
	h.mu.Unlock()
}

// Close disconnects every client and drops the bus subscription.
func (h *Hub) Close() {
	if h.sub != nil {
		_ = h.sub.Unsubscribe()
	}

	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	h.clients = make(map[*Client]bool)
	h.mu.Unlock()

	for _, client := range clients {
		client.close()
	}
}
