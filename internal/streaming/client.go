package streaming

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/agentdesk/agentdesk/internal/common/logger"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1024 * 1024 // 1MB
	sendBufferSize = 256
)

// SubscriptionMessage is sent by clients to subscribe/unsubscribe to
// workspace event streams. A client with no subscriptions receives only
// global events.
type SubscriptionMessage struct {
	Action       string   `json:"action"` // subscribe, unsubscribe
	WorkspaceIDs []string `json:"workspace_ids"`
}

// Client is one connected event stream consumer.
type Client struct {
	hub  *Hub
	conn *websocket.Conn

	sendCh chan []byte

	workspaceIDs map[string]bool
	mu           sync.RWMutex

	closeOnce sync.Once
	logger    *logger.Logger
}

func newClient(hub *Hub, conn *websocket.Conn, log *logger.Logger) *Client {
	return &Client{
		hub:          hub,
		conn:         conn,
		sendCh:       make(chan []byte, sendBufferSize),
		workspaceIDs: make(map[string]bool),
		logger:       log,
	}
}

// wants reports whether the client should receive an event for the given
// workspace id. Global events (empty id) go to everyone.
func (c *Client) wants(workspaceID string) bool {
	if workspaceID == "" {
		return true
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.workspaceIDs[workspaceID]
}

// send enqueues a message without blocking. Returns false if the client's
// buffer is full and the message was dropped.
func (c *Client) send(msg []byte) bool {
	select {
	case c.sendCh <- msg:
		return true
	default:
		return false
	}
}

// close tears the connection down once.
func (c *Client) close() {
	c.closeOnce.Do(func() {
		c.hub.unregister(c)
		close(c.sendCh)
	})
}

// readPump consumes subscription messages from the client.
func (c *Client) readPump() {
	defer func() {
		c.close()
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Warn("WebSocket read error", zap.Error(err))
			}
			break
		}

		var subMsg SubscriptionMessage
		if err := json.Unmarshal(message, &subMsg); err != nil {
			c.logger.Warn("Invalid subscription message", zap.Error(err))
			continue
		}

		switch subMsg.Action {
		case "subscribe":
			c.mu.Lock()
			for _, id := range subMsg.WorkspaceIDs {
				c.workspaceIDs[id] = true
			}
			c.mu.Unlock()
		case "unsubscribe":
			c.mu.Lock()
			for _, id := range subMsg.WorkspaceIDs {
				delete(c.workspaceIDs, id)
			}
			c.mu.Unlock()
		default:
			c.logger.Warn("Unknown action", zap.String("action", subMsg.Action))
		}
	}
}

// writePump writes queued messages and keepalive pings to the connection.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.sendCh:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			_, _ = w.Write(message)

			// Flush queued messages into the same websocket frame.
			n := len(c.sendCh)
			for i := 0; i < n; i++ {
				_, _ = w.Write([]byte{'\n'})
				_, _ = w.Write(<-c.sendCh)
			}

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
