package claude

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/agentwire/agentwire/internal/backend"
	"github.com/agentwire/agentwire/internal/common/logger"
	"github.com/agentwire/agentwire/pkg/protocol"
)

// Handle adapts a live CLI conversation to the backend contract: stream
// messages become normalized events, control requests become permission
// queries, and the control surface maps onto CLI control requests.
type Handle struct {
	log    *logger.Logger
	client *Client
	models []protocol.ModelInfo

	events    chan backend.Event
	closeOnce sync.Once

	mu        sync.Mutex
	sessionID string
	permFn    backend.PermissionRequestFunc
	commands  []protocol.AvailableCommand
	closed    bool
	initSent  bool

	// pendingTools tracks tool calls that have not seen a tool_result, so
	// they can be completed when the turn's result arrives.
	pendingTools map[string]bool

	// lastStopReason is the stop_reason of the most recent assistant
	// message, used to refine the terminal stop reason.
	lastStopReason string

	cacheTokens int64
}

func newHandle(client *Client, models []protocol.ModelInfo, log *logger.Logger) *Handle {
	h := &Handle{
		log:          log.WithBackend("claude-code"),
		client:       client,
		models:       models,
		events:       make(chan backend.Event, 256),
		pendingTools: make(map[string]bool),
	}
	client.SetControlHandler(h.handleControlRequest)
	client.SetMessageHandler(h.handleMessage)
	return h
}

// --- backend.Handle ---

// Prompt pushes one prompt onto the CLI's stdin. The turn's events arrive
// asynchronously on Events.
func (h *Handle) Prompt(ctx context.Context, blocks []protocol.ContentBlock) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return fmt.Errorf("backend handle is closed")
	}
	h.lastStopReason = ""
	h.mu.Unlock()

	content, err := promptContent(blocks)
	if err != nil {
		return err
	}
	return h.client.SendPrompt(content)
}

func (h *Handle) Events() <-chan backend.Event { return h.events }

func (h *Handle) Interrupt(ctx context.Context) error {
	return h.client.Interrupt()
}

func (h *Handle) SetModel(ctx context.Context, modelID string) error {
	return h.client.SetModel(modelID)
}

func (h *Handle) SetPermissionMode(ctx context.Context, modeID string) error {
	return h.client.SetPermissionMode(modeID)
}

// Resume records the conversation id to attach to. The CLI itself is resumed
// via its --resume flag when the subprocess is spawned.
func (h *Handle) Resume(ctx context.Context, sessionID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sessionID = sessionID
	return nil
}

func (h *Handle) SupportedModels() []protocol.ModelInfo { return h.models }

func (h *Handle) SupportedCommands() []protocol.AvailableCommand {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.commands
}

func (h *Handle) SetPermissionRequestHandler(fn backend.PermissionRequestFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.permFn = fn
}

func (h *Handle) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	h.mu.Unlock()

	h.client.Stop()
	h.closeOnce.Do(func() { close(h.events) })
	return nil
}

// setCommands stores the slash commands learned during initialize.
func (h *Handle) setCommands(cmds []protocol.AvailableCommand) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.commands = cmds
}

// --- stream message handling ---

// handleMessage converts one stream message into backend events. A nil
// message signals end of stream.
func (h *Handle) handleMessage(msg *StreamMessage) {
	if msg == nil {
		h.mu.Lock()
		closed := h.closed
		h.closed = true
		h.mu.Unlock()
		if !closed {
			h.closeOnce.Do(func() { close(h.events) })
		}
		return
	}

	switch msg.Type {
	case msgTypeSystem:
		h.handleSystem(msg)
	case msgTypeAssistant:
		h.handleAssistant(msg)
	case msgTypeResult:
		h.handleResult(msg)
	default:
		h.log.Debug("unhandled stream message type", zap.String("type", msg.Type))
	}
}

func (h *Handle) handleSystem(msg *StreamMessage) {
	h.mu.Lock()
	if msg.SessionID != "" {
		h.sessionID = msg.SessionID
	}
	alreadySent := h.initSent
	h.initSent = true
	h.mu.Unlock()

	// The CLI repeats system messages on every prompt; only the first one
	// is worth surfacing.
	if alreadySent {
		return
	}
	h.emit(backend.Event{Type: backend.EventSystem, SessionID: msg.SessionID})
}

func (h *Handle) handleAssistant(msg *StreamMessage) {
	if msg.Message == nil {
		return
	}

	if msg.Message.StopReason != "" {
		h.mu.Lock()
		h.lastStopReason = msg.Message.StopReason
		h.mu.Unlock()
	}
	if usage := msg.Message.Usage; usage != nil {
		h.mu.Lock()
		h.cacheTokens = usage.CacheCreationInputTokens + usage.CacheReadInputTokens
		h.mu.Unlock()
	}

	for _, block := range msg.Message.Content {
		switch block.Type {
		case "text":
			if block.Text != "" {
				h.emit(backend.Event{
					Type: backend.EventMessageDelta,
					Role: msg.Message.Role,
					Text: block.Text,
				})
			}

		case "thinking":
			if block.Thinking != "" {
				h.emit(backend.Event{Type: backend.EventThoughtDelta, Text: block.Thinking})
			}

		case "tool_use":
			h.mu.Lock()
			h.pendingTools[block.ID] = true
			h.mu.Unlock()
			h.emit(backend.Event{
				Type:      backend.EventToolUse,
				ToolUseID: block.ID,
				ToolName:  block.Name,
				Input:     block.Input,
			})

		case "tool_result":
			h.mu.Lock()
			delete(h.pendingTools, block.ToolUseID)
			h.mu.Unlock()
			h.emit(backend.Event{
				Type:      backend.EventToolResult,
				ToolUseID: block.ToolUseID,
				Content:   block.Content,
				IsError:   block.IsError,
			})

		default:
			h.log.Debug("unhandled assistant block", zap.String("type", block.Type))
		}
	}
}

func (h *Handle) handleResult(msg *StreamMessage) {
	if data := msg.resultData(); data != nil && data.SessionID != "" {
		h.mu.Lock()
		h.sessionID = data.SessionID
		h.mu.Unlock()
	}

	// Tool calls the CLI never resolved complete when the turn does.
	h.mu.Lock()
	pending := make([]string, 0, len(h.pendingTools))
	for id := range h.pendingTools {
		pending = append(pending, id)
	}
	h.pendingTools = make(map[string]bool)
	lastStop := h.lastStopReason
	cacheTokens := h.cacheTokens
	h.mu.Unlock()

	for _, id := range pending {
		h.emit(backend.Event{Type: backend.EventToolResult, ToolUseID: id})
	}

	errText := msg.resultString()
	if errText == "" {
		if data := msg.resultData(); data != nil {
			errText = data.Text
		}
	}

	ev := backend.Event{
		Type:    backend.EventResult,
		Subtype: msg.Subtype,
		Usage: &backend.Usage{
			InputTokens:  msg.TotalInputTokens,
			OutputTokens: msg.TotalOutputTokens,
			CacheTokens:  cacheTokens,
			CostUSD:      msg.CostUSD,
		},
	}

	switch {
	case msg.Subtype == resultErrMaxTurns:
		ev.StopReason = protocol.StopMaxTurnRequests
	case msg.IsError:
		ev.HardFailure = true
		ev.ErrText = errText
	default:
		ev.StopReason = mapStopReason(lastStop)
	}

	h.emit(ev)
}

func (h *Handle) handleControlRequest(requestID string, req *ControlRequest) {
	switch req.Subtype {
	case subtypeCanUseTool:
		// Arbitration blocks on a client round trip; keep the read loop
		// free while it runs.
		go h.arbitrateToolUse(requestID, req)

	case subtypeHookCallback:
		h.respondControl(requestID, &ControlResponseBody{Subtype: "success"})

	default:
		h.log.Warn("unhandled control request subtype", zap.String("subtype", req.Subtype))
		h.respondControl(requestID, &ControlResponseBody{
			Subtype: "error",
			Error:   fmt.Sprintf("unhandled subtype: %s", req.Subtype),
		})
	}
}

func (h *Handle) arbitrateToolUse(requestID string, req *ControlRequest) {
	h.mu.Lock()
	permFn := h.permFn
	h.mu.Unlock()

	decision := &backend.PermissionDecision{Allow: false, Interrupt: true}
	if permFn != nil {
		d, err := permFn(context.Background(), &backend.PermissionQuery{
			ToolUseID: req.ToolUseID,
			ToolName:  req.ToolName,
			Input:     req.Input,
		})
		if err != nil || d == nil {
			h.log.Warn("permission arbitration failed, denying",
				zap.String("tool", req.ToolName), zap.Error(err))
		} else {
			decision = d
		}
	} else {
		h.log.Warn("permission query with no arbitration handler, denying",
			zap.String("tool", req.ToolName))
	}

	result := &PermissionResult{Behavior: behaviorAllow}
	if !decision.Allow {
		result.Behavior = behaviorDeny
		if decision.Interrupt {
			interrupt := true
			result.Interrupt = &interrupt
		}
	}
	h.respondControl(requestID, &ControlResponseBody{Subtype: "success", Result: result})
}

func (h *Handle) respondControl(requestID string, body *ControlResponseBody) {
	if err := h.client.RespondControl(requestID, body); err != nil {
		h.log.Warn("failed to send control response", zap.Error(err))
	}
}

func (h *Handle) emit(ev backend.Event) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.mu.Unlock()

	select {
	case h.events <- ev:
	default:
		h.log.Warn("event channel full, dropping event", zap.String("type", ev.Type))
	}
}

// mapStopReason refines a successful result with the assistant's last
// reported stop reason.
func mapStopReason(assistantStop string) string {
	switch assistantStop {
	case "max_tokens":
		return protocol.StopMaxTokens
	case "refusal":
		return protocol.StopRefusal
	default:
		return protocol.StopEndTurn
	}
}

// promptContent renders normalized content blocks into the CLI's user
// message content: a plain string for text-only prompts, an API block list
// otherwise.
func promptContent(blocks []protocol.ContentBlock) (any, error) {
	textOnly := true
	for _, b := range blocks {
		if b.Type != protocol.ContentTypeText {
			textOnly = false
			break
		}
	}

	if textOnly {
		var sb strings.Builder
		for _, b := range blocks {
			if sb.Len() > 0 {
				sb.WriteString("\n")
			}
			sb.WriteString(b.Text)
		}
		return sb.String(), nil
	}

	out := make([]map[string]any, 0, len(blocks))
	for _, b := range blocks {
		switch b.Type {
		case protocol.ContentTypeText:
			out = append(out, map[string]any{"type": "text", "text": b.Text})

		case protocol.ContentTypeImage:
			source := map[string]any{}
			if b.URI != "" {
				source["type"] = "url"
				source["url"] = b.URI
			} else {
				source["type"] = "base64"
				source["media_type"] = b.MimeType
				source["data"] = b.Data
			}
			out = append(out, map[string]any{"type": "image", "source": source})

		case protocol.ContentTypeResourceLink:
			out = append(out, map[string]any{"type": "text", "text": b.URI})

		case protocol.ContentTypeResource:
			if b.Resource != nil && b.Resource.Text != "" {
				out = append(out, map[string]any{"type": "text", "text": b.Resource.Text})
			}

		default:
			return nil, fmt.Errorf("unsupported content block type: %s", b.Type)
		}
	}
	return out, nil
}
