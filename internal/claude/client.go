package claude

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentwire/agentwire/internal/common/logger"
)

// ControlHandler handles control requests the CLI raises; it is responsible
// for answering via RespondControl.
type ControlHandler func(requestID string, req *ControlRequest)

// MessageHandler handles stream messages that are not control traffic.
type MessageHandler func(msg *StreamMessage)

// Client speaks the CLI's stream-json protocol over a stdin/stdout pipe
// pair: it reads the stdout stream, routes control traffic, and correlates
// the control requests it sends with their responses.
type Client struct {
	stdin  io.Writer
	stdout io.Reader
	log    *logger.Logger

	mu             sync.RWMutex
	controlHandler ControlHandler
	messageHandler MessageHandler

	pendingMu sync.Mutex
	pending   map[string]chan *ControlResponseIn

	writeMu sync.Mutex
	done    chan struct{}
	once    sync.Once
}

// NewClient creates a client over the CLI's pipes.
func NewClient(stdin io.Writer, stdout io.Reader, log *logger.Logger) *Client {
	return &Client{
		stdin:   stdin,
		stdout:  stdout,
		log:     log.WithFields(zap.String("component", "claude-client")),
		pending: make(map[string]chan *ControlResponseIn),
		done:    make(chan struct{}),
	}
}

// SetControlHandler installs the handler for inbound control requests.
func (c *Client) SetControlHandler(fn ControlHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.controlHandler = fn
}

// SetMessageHandler installs the handler for stream messages.
func (c *Client) SetMessageHandler(fn MessageHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messageHandler = fn
}

// Start begins the stdout read loop.
func (c *Client) Start(ctx context.Context) {
	go c.readLoop(ctx)
}

// Stop terminates the read loop. Idempotent.
func (c *Client) Stop() {
	c.once.Do(func() { close(c.done) })
}

// Initialize performs the stream-json handshake and returns the CLI's
// advertised slash commands. Must run before the first prompt.
func (c *Client) Initialize(ctx context.Context, timeout time.Duration) (*InitResponse, error) {
	resp, err := c.control(ctx, ControlRequestBody{Subtype: subtypeInitialize}, timeout)
	if err != nil {
		return nil, err
	}
	if resp.Response == nil {
		return &InitResponse{}, nil
	}
	return resp.Response, nil
}

// Interrupt asks the CLI to abort the in-flight turn. The CLI acknowledges
// on the stream; no response is awaited.
func (c *Client) Interrupt() error {
	return c.sendControl(ControlRequestBody{Subtype: subtypeInterrupt})
}

// SetPermissionMode switches the CLI's permission mode.
func (c *Client) SetPermissionMode(mode string) error {
	return c.sendControl(ControlRequestBody{Subtype: subtypeSetPermissionMode, Mode: mode})
}

// SetModel switches the CLI's model.
func (c *Client) SetModel(model string) error {
	return c.sendControl(ControlRequestBody{Subtype: subtypeSetModel, Model: model})
}

// SendPrompt writes a user message carrying the prompt content.
func (c *Client) SendPrompt(content any) error {
	return c.send(&UserMessage{
		Type:    msgTypeUser,
		Message: UserMessageBody{Role: "user", Content: content},
	})
}

// RespondControl answers a control request the CLI raised.
func (c *Client) RespondControl(requestID string, body *ControlResponseBody) error {
	return c.send(&ControlResponseOut{
		Type:      msgTypeControlResponse,
		RequestID: requestID,
		Response:  body,
	})
}

// control sends a control request and waits for its correlated response.
func (c *Client) control(ctx context.Context, body ControlRequestBody, timeout time.Duration) (*ControlResponseIn, error) {
	requestID := uuid.New().String()
	ch := make(chan *ControlResponseIn, 1)

	c.pendingMu.Lock()
	c.pending[requestID] = ch
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, requestID)
		c.pendingMu.Unlock()
	}()

	if err := c.send(&ControlRequestOut{
		Type:      msgTypeControlRequest,
		RequestID: requestID,
		Request:   body,
	}); err != nil {
		return nil, err
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(timeout):
		return nil, fmt.Errorf("%s request timed out after %v", body.Subtype, timeout)
	case resp := <-ch:
		if resp.Subtype == "error" {
			return nil, fmt.Errorf("%s failed: %s", body.Subtype, resp.Error)
		}
		return resp, nil
	}
}

func (c *Client) sendControl(body ControlRequestBody) error {
	return c.send(&ControlRequestOut{
		Type:      msgTypeControlRequest,
		RequestID: uuid.New().String(),
		Request:   body,
	})
}

func (c *Client) send(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	data = append(data, '\n')
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.stdin.Write(data); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

func (c *Client) readLoop(ctx context.Context) {
	scanner := bufio.NewScanner(c.stdout)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 10*1024*1024)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		default:
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		c.handleLine(line)
	}

	if err := scanner.Err(); err != nil {
		c.log.Error("read loop error", zap.Error(err))
	}

	c.mu.RLock()
	handler := c.messageHandler
	c.mu.RUnlock()
	if handler != nil {
		// Signal stream end with a nil message.
		handler(nil)
	}
}

func (c *Client) handleLine(line []byte) {
	var msg StreamMessage
	if err := json.Unmarshal(line, &msg); err != nil {
		c.log.Warn("failed to parse stream message", zap.Error(err), zap.ByteString("line", line))
		return
	}

	switch {
	case msg.Type == msgTypeControlRequest && msg.Request != nil:
		c.dispatchControlRequest(msg.RequestID, msg.Request)

	case msg.Type == msgTypeControlResponse && msg.Response != nil:
		c.dispatchControlResponse(msg.Response)

	default:
		c.mu.RLock()
		handler := c.messageHandler
		c.mu.RUnlock()
		if handler != nil {
			handler(&msg)
		}
	}
}

func (c *Client) dispatchControlRequest(requestID string, req *ControlRequest) {
	c.mu.RLock()
	handler := c.controlHandler
	c.mu.RUnlock()

	if handler == nil {
		c.log.Warn("control request with no handler registered",
			zap.String("request_id", requestID),
			zap.String("subtype", req.Subtype))
		if err := c.RespondControl(requestID, &ControlResponseBody{
			Subtype: "error",
			Error:   "no handler registered",
		}); err != nil {
			c.log.Warn("failed to send error response", zap.Error(err))
		}
		return
	}
	handler(requestID, req)
}

func (c *Client) dispatchControlResponse(resp *ControlResponseIn) {
	c.pendingMu.Lock()
	ch, ok := c.pending[resp.RequestID]
	c.pendingMu.Unlock()

	if !ok {
		c.log.Warn("control response for unknown request",
			zap.String("request_id", resp.RequestID),
			zap.String("subtype", resp.Subtype))
		return
	}

	select {
	case ch <- resp:
	default:
	}
}
