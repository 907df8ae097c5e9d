// Package jsonrpc implements bidirectional JSON-RPC 2.0 over newline-delimited
// UTF-8 streams, as used by the Agent Client Protocol on stdio.
//
// The connection plays both roles: it issues requests to the peer (Call,
// Notify) and serves requests originating from the peer (OnMethod,
// OnNotification). Exactly one JSON-RPC message per line; embedded newlines
// inside a serialized message are a framing violation and are rejected on
// the write side.
package jsonrpc

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/agentdesk/agentdesk/internal/common/logger"
)

const (
	// maxMessageSize caps a single inbound line.
	maxMessageSize = 4 * 1024 * 1024

	// Standard JSON-RPC 2.0 error codes.
	CodeParseError     = -32700
	CodeMethodNotFound = -32601
	CodeInternalError  = -32603
	// CodeApplicationError is the base of the implementation-defined range;
	// capability failures reported back to the agent use this code.
	CodeApplicationError = -32000
)

// MethodHandler serves a request originating from the peer. It runs off the
// read loop, so it may block (e.g. awaiting a permission decision).
type MethodHandler func(ctx context.Context, params json.RawMessage) (any, error)

// NotificationHandler consumes a notification originating from the peer.
type NotificationHandler func(params json.RawMessage)

// RPCError is a JSON-RPC error object returned by the peer, carried verbatim.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Conn handles JSON-RPC 2.0 communication over a reader/writer pair
// (the child's stdout/stdin).
type Conn struct {
	writer io.Writer
	reader io.Reader

	writeMu sync.Mutex

	requestID atomic.Int64
	mu        sync.Mutex
	pending   map[int64]chan *response
	closed    bool

	notifyHandlers map[string]NotificationHandler
	methodHandlers map[string]MethodHandler

	// onRawLine receives lines that are not well-formed JSON-RPC. Framing
	// noise never kills the connection; the owner decides what to do.
	onRawLine func(line []byte)

	logger *logger.Logger
	done   chan struct{}
}

// NewConn creates a connection reading inbound messages from r and writing
// outbound messages to w. Register handlers, then call Start.
func NewConn(w io.Writer, r io.Reader, log *logger.Logger) *Conn {
	return &Conn{
		writer:         w,
		reader:         r,
		pending:        make(map[int64]chan *response),
		notifyHandlers: make(map[string]NotificationHandler),
		methodHandlers: make(map[string]MethodHandler),
		logger:         log.WithFields(zap.String("component", "jsonrpc-conn")),
		done:           make(chan struct{}),
	}
}

// OnNotification registers a handler for peer notifications.
// Must be called before Start.
func (c *Conn) OnNotification(method string, h NotificationHandler) {
	c.notifyHandlers[method] = h
}

// OnMethod registers a handler for peer-originated requests.
// Must be called before Start.
func (c *Conn) OnMethod(method string, h MethodHandler) {
	c.methodHandlers[method] = h
}

// OnRawLine registers a hook for inbound lines that fail JSON-RPC decoding.
// Must be called before Start.
func (c *Conn) OnRawLine(h func(line []byte)) {
	c.onRawLine = h
}

// Start begins the read loop. Call exactly once.
func (c *Conn) Start(ctx context.Context) {
	go c.readLoop(ctx)
}

// Done is closed when the read loop exits (peer EOF, read error, or a
// cancelled Start context noticed at the next inbound line). Close does not
// stop the read loop.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Close drops all pending calls with an error. It does not close the
// underlying streams; the process owner does that.
func (c *Conn) Close() {
	c.drainPending()
}

// Call sends a request and waits for the matching response. The result, if
// non-nil, is unmarshalled into result. A JSON-RPC error object from the
// peer is returned as *RPCError.
func (c *Conn) Call(ctx context.Context, method string, params any, result any) error {
	id := c.requestID.Add(1)

	paramsJSON, err := marshalParams(params)
	if err != nil {
		return fmt.Errorf("marshal %s params: %w", method, err)
	}

	respCh := make(chan *response, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("connection closed")
	}
	c.pending[id] = respCh
	c.mu.Unlock()

	req := &message{
		JSONRPC: "2.0",
		ID:      &id,
		Method:  method,
		Params:  paramsJSON,
	}

	if err := c.send(req); err != nil {
		c.removePending(id)
		return fmt.Errorf("send %s: %w", method, err)
	}

	select {
	case resp, ok := <-respCh:
		return decodeCallResponse(resp, ok, method, result)
	case <-ctx.Done():
		c.removePending(id)
		// The response may have landed just before cancellation; prefer it
		// over discarding a completed call.
		select {
		case resp, ok := <-respCh:
			return decodeCallResponse(resp, ok, method, result)
		default:
			return ctx.Err()
		}
	}
}

// Notify sends a notification (no response expected).
func (c *Conn) Notify(method string, params any) error {
	paramsJSON, err := marshalParams(params)
	if err != nil {
		return fmt.Errorf("marshal %s params: %w", method, err)
	}
	return c.send(&message{
		JSONRPC: "2.0",
		Method:  method,
		Params:  paramsJSON,
	})
}

func marshalParams(params any) (json.RawMessage, error) {
	if params == nil {
		return nil, nil
	}
	return json.Marshal(params)
}

func decodeCallResponse(resp *response, ok bool, method string, result any) error {
	if !ok {
		return fmt.Errorf("%s: connection closed", method)
	}
	if resp.Error != nil {
		return resp.Error
	}
	if result != nil && len(resp.Result) > 0 {
		if err := json.Unmarshal(resp.Result, result); err != nil {
			return fmt.Errorf("unmarshal %s result: %w", method, err)
		}
	}
	return nil
}

// send serializes one message onto the stream with a single trailing '\n'.
// The serialized form is verified to contain no embedded newline: encoding/json
// escapes newlines inside strings, so a raw one here means a caller smuggled
// pre-rendered bytes that would corrupt framing.
func (c *Conn) send(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	if bytes.ContainsRune(data, '\n') {
		return fmt.Errorf("serialized message contains embedded newline")
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	data = append(data, '\n')
	if _, err := c.writer.Write(data); err != nil {
		return fmt.Errorf("write message: %w", err)
	}

	c.logger.Debug("sent message", zap.ByteString("data", data))
	return nil
}

func (c *Conn) readLoop(ctx context.Context) {
	defer close(c.done)
	defer c.drainPending()

	scanner := bufio.NewScanner(c.reader)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, maxMessageSize)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		c.logger.Debug("received message", zap.ByteString("data", line))

		var msg message
		if err := json.Unmarshal(line, &msg); err != nil || (msg.ID == nil && msg.Method == "") {
			// Undecodable or shapeless line: hand it to the owner, keep reading.
			if c.onRawLine != nil {
				c.onRawLine(append([]byte(nil), line...))
			}
			continue
		}

		c.dispatch(ctx, &msg)
	}

	if err := scanner.Err(); err != nil {
		c.logger.Error("read loop error", zap.Error(err))
	}
}

// dispatch routes an inbound message: response, peer request, or notification.
func (c *Conn) dispatch(ctx context.Context, msg *message) {
	switch {
	case msg.ID != nil && msg.Method == "":
		c.handleResponse(msg)
	case msg.ID != nil:
		c.handleMethodCall(ctx, msg)
	default:
		c.handleNotification(msg)
	}
}

func (c *Conn) handleResponse(msg *message) {
	c.mu.Lock()
	ch, ok := c.pending[*msg.ID]
	if ok {
		delete(c.pending, *msg.ID)
	}
	c.mu.Unlock()

	if !ok {
		c.logger.Warn("received response for unknown request", zap.Int64("id", *msg.ID))
		return
	}

	ch <- &response{Result: msg.Result, Error: msg.Error}
}

// handleMethodCall serves a peer-originated request in its own goroutine so
// a blocking capability (permission wait, terminal wait_for_exit) never
// stalls the read loop.
func (c *Conn) handleMethodCall(ctx context.Context, msg *message) {
	h, ok := c.methodHandlers[msg.Method]
	if !ok {
		c.sendError(*msg.ID, CodeMethodNotFound, "method not found: "+msg.Method)
		return
	}

	id := *msg.ID
	params := msg.Params
	go func() {
		result, err := h(ctx, params)
		if err != nil {
			c.sendError(id, CodeApplicationError, err.Error())
			return
		}
		c.sendResult(id, result)
	}()
}

func (c *Conn) handleNotification(msg *message) {
	h, ok := c.notifyHandlers[msg.Method]
	if !ok {
		c.logger.Debug("unhandled notification", zap.String("method", msg.Method))
		return
	}
	h(msg.Params)
}

// sendResult sends a success response. Send failures are logged only: the
// connection may already be closing and the peer will time out on its own.
func (c *Conn) sendResult(id int64, result any) {
	data, err := json.Marshal(result)
	if err != nil {
		c.sendError(id, CodeInternalError, "marshal result: "+err.Error())
		return
	}
	resp := &message{
		JSONRPC: "2.0",
		ID:      &id,
		Result:  data,
	}
	if err := c.send(resp); err != nil {
		c.logger.Warn("failed to send result", zap.Int64("id", id), zap.Error(err))
	}
}

func (c *Conn) sendError(id int64, code int, text string) {
	resp := &message{
		JSONRPC: "2.0",
		ID:      &id,
		Error:   &RPCError{Code: code, Message: text},
	}
	if err := c.send(resp); err != nil {
		c.logger.Warn("failed to send error response", zap.Int64("id", id), zap.Error(err))
	}
}

func (c *Conn) removePending(id int64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// drainPending closes all pending call channels so blocked callers unblock.
func (c *Conn) drainPending() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
}

// message is a generic JSON-RPC 2.0 message: request, response, or
// notification. Result-bearing fields stay raw until correlated.
type message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// response pairs the result/error delivered to a waiting Call.
type response struct {
	Result json.RawMessage
	Error  *RPCError
}
