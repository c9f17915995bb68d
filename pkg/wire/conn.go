package wire

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/agentwire/agentwire/internal/common/logger"
	"go.uber.org/zap"
)

// ErrConnClosed is returned by Call when the connection shuts down before a
// response arrives.
var ErrConnClosed = errors.New("wire: connection closed")

// RequestHandler handles an incoming id-bearing request. The returned value
// is marshaled as the response result; a non-nil *Error is sent back instead.
type RequestHandler func(ctx context.Context, method string, params json.RawMessage) (any, *Error)

// NotificationHandler handles an incoming id-less message.
type NotificationHandler func(ctx context.Context, method string, params json.RawMessage)

// Conn frames messages over a duplex byte stream: one UTF-8 JSON record per
// line. It correlates outbound requests with their responses and dispatches
// inbound requests and notifications to registered handlers.
//
// A Conn is restartable per connection, not per message: once the underlying
// stream ends the Conn is finished and all pending calls are rejected.
type Conn struct {
	w io.Writer
	r io.Reader

	requestID atomic.Int64
	pending   map[int64]chan *Response
	pendingMu sync.Mutex

	onRequest      RequestHandler
	onNotification NotificationHandler

	writeMu sync.Mutex

	logger    *logger.Logger
	done      chan struct{}
	closeOnce sync.Once
	err       error
}

// NewConn creates a connection over the given stream pair.
func NewConn(w io.Writer, r io.Reader, log *logger.Logger) *Conn {
	return &Conn{
		w:       w,
		r:       r,
		pending: make(map[int64]chan *Response),
		logger:  log.WithFields(zap.String("component", "wire-conn")),
		done:    make(chan struct{}),
	}
}

// SetRequestHandler sets the handler for incoming requests.
// Must be called before Start.
func (c *Conn) SetRequestHandler(handler RequestHandler) {
	c.onRequest = handler
}

// SetNotificationHandler sets the handler for incoming notifications.
// Must be called before Start.
func (c *Conn) SetNotificationHandler(handler NotificationHandler) {
	c.onNotification = handler
}

// Start begins reading inbound records.
func (c *Conn) Start(ctx context.Context) {
	go c.readLoop(ctx)
}

// Done is closed when the connection has shut down.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Err reports why the connection shut down. Nil means clean EOF.
func (c *Conn) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// Close shuts the connection down and rejects all pending calls.
func (c *Conn) Close() error {
	c.shutdown(nil)
	return nil
}

// Call sends a request and waits for the correlated response. The returned
// raw message is the response result; a response carrying an error object is
// surfaced as *Error.
func (c *Conn) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	select {
	case <-c.done:
		return nil, ErrConnClosed
	default:
	}

	id := c.requestID.Add(1)

	paramsJSON, err := marshalParams(params)
	if err != nil {
		return nil, err
	}

	req := &Request{
		JSONRPC: Version,
		ID:      &id,
		Method:  method,
		Params:  paramsJSON,
	}

	respCh := make(chan *Response, 1)
	c.pendingMu.Lock()
	c.pending[id] = respCh
	c.pendingMu.Unlock()

	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	if err := c.send(req); err != nil {
		return nil, err
	}

	select {
	case resp := <-respCh:
		if resp == nil {
			return nil, ErrConnClosed
		}
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, ErrConnClosed
	}
}

// Notify sends a notification. No response is expected.
func (c *Conn) Notify(method string, params any) error {
	paramsJSON, err := marshalParams(params)
	if err != nil {
		return err
	}
	return c.send(&Notification{
		JSONRPC: Version,
		Method:  method,
		Params:  paramsJSON,
	})
}

func marshalParams(params any) (json.RawMessage, error) {
	if params == nil {
		return nil, nil
	}
	data, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal params: %w", err)
	}
	return data, nil
}

func (c *Conn) send(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	data = append(data, '\n')

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.w.Write(data); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	c.logger.Debug("sent message", zap.ByteString("data", data))
	return nil
}

// envelope is the superset of all inbound message shapes, used to classify a
// record before dispatching it.
type envelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
	Result  json.RawMessage `json:"result"`
	Error   *Error          `json:"error"`
}

func (c *Conn) readLoop(ctx context.Context) {
	scanner := bufio.NewScanner(c.r)
	// Allow for large records (tool results, embedded resources).
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 10*1024*1024)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			c.shutdown(ctx.Err())
			return
		case <-c.done:
			return
		default:
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		c.logger.Debug("received message", zap.ByteString("data", line))

		var env envelope
		if err := json.Unmarshal(line, &env); err != nil {
			// Malformed records are skipped, not fatal.
			c.logger.Warn("skipping malformed record",
				zap.Error(err),
				zap.ByteString("data", line))
			continue
		}

		switch {
		case env.ID != nil && env.Method != "":
			c.handleRequest(ctx, env)
		case env.ID != nil:
			c.handleResponse(&Response{JSONRPC: env.JSONRPC, ID: env.ID, Result: env.Result, Error: env.Error})
		case env.Method != "":
			c.handleNotification(ctx, env)
		default:
			c.logger.Warn("skipping record with unknown shape", zap.ByteString("data", line))
		}
	}

	c.shutdown(scanner.Err())
}

// handleRequest dispatches an inbound request on its own goroutine so a
// long-running handler (a prompt turn) never blocks response correlation.
func (c *Conn) handleRequest(ctx context.Context, env envelope) {
	handler := c.onRequest
	id := *env.ID

	if handler == nil {
		_ = c.reply(id, nil, MethodNotFound(env.Method))
		return
	}

	go func() {
		result, rpcErr := handler(ctx, env.Method, env.Params)
		if err := c.reply(id, result, rpcErr); err != nil {
			c.logger.Warn("failed to send response",
				zap.Int64("id", id),
				zap.Error(err))
		}
	}()
}

// reply writes the response for an inbound request id.
func (c *Conn) reply(id int64, result any, rpcErr *Error) error {
	resp := &Response{JSONRPC: Version, ID: &id}
	if rpcErr != nil {
		resp.Error = rpcErr
	} else {
		data, err := json.Marshal(result)
		if err != nil {
			resp.Error = Internal("failed to marshal result", err.Error())
		} else {
			resp.Result = data
		}
	}
	return c.send(resp)
}

func (c *Conn) handleResponse(resp *Response) {
	c.pendingMu.Lock()
	ch, ok := c.pending[*resp.ID]
	if ok {
		delete(c.pending, *resp.ID)
	}
	c.pendingMu.Unlock()

	if !ok {
		// A slow or duplicate response must not destabilize the adapter.
		c.logger.Warn("received response for unknown request", zap.Int64("id", *resp.ID))
		return
	}
	ch <- resp
}

func (c *Conn) handleNotification(ctx context.Context, env envelope) {
	handler := c.onNotification
	if handler == nil {
		c.logger.Debug("no notification handler registered", zap.String("method", env.Method))
		return
	}
	// Notifications such as a cancel must be observed while a request
	// handler is still running, so they are dispatched off the read loop.
	go handler(ctx, env.Method, env.Params)
}

// shutdown marks the connection finished and rejects all pending calls.
func (c *Conn) shutdown(err error) {
	c.closeOnce.Do(func() {
		c.err = err
		c.pendingMu.Lock()
		for id, ch := range c.pending {
			delete(c.pending, id)
			close(ch)
		}
		c.pendingMu.Unlock()
		close(c.done)
		if err != nil {
			c.logger.Error("connection closed", zap.Error(err))
		} else {
			c.logger.Debug("connection closed")
		}
	})
}
