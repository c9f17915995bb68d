package bridge

import (
	"go.uber.org/zap"

	"github.com/agentwire/agentwire/internal/backend"
	"github.com/agentwire/agentwire/internal/common/logger"
	"github.com/agentwire/agentwire/pkg/protocol"
)

// Translator converts one backend event stream into session updates. It is
// stateful per session: it caches tool invocations so that results arriving
// later can be joined back to the name and input of the call, and it
// accumulates usage across the turn. One backend event maps to at most a
// handful of updates, and updates preserve event arrival order.
type Translator struct {
	log   *logger.Logger
	tools *backend.ToolTable

	// toolUses joins tool_result events to their originating tool_use.
	// Entries survive across turns within a session.
	toolUses map[string]toolUse

	usage backend.Usage
}

type toolUse struct {
	name  string
	input map[string]any
	kind  string
}

// TurnResult is the terminal outcome of one translated turn.
type TurnResult struct {
	StopReason  string
	Subtype     string
	HardFailure bool
	ErrText     string
	Usage       *backend.Usage
}

// Output is everything one backend event translates into.
type Output struct {
	Updates []protocol.SessionUpdate

	// Title is set when the backend generated a conversation title.
	Title string

	// Result is set when the event terminates the turn.
	Result *TurnResult
}

// NewTranslator builds a translator over the binding's tool table.
func NewTranslator(log *logger.Logger, tools *backend.ToolTable) *Translator {
	return &Translator{
		log:      log,
		tools:    tools,
		toolUses: make(map[string]toolUse),
	}
}

// Translate maps one backend event to its session updates. It never fails;
// events it cannot interpret are logged and produce no updates.
func (t *Translator) Translate(ev backend.Event) Output {
	switch ev.Type {
	case backend.EventMessageDelta:
		return t.messageDelta(ev)

	case backend.EventThoughtDelta:
		if ev.Text == "" {
			return Output{}
		}
		return oneUpdate(protocol.SessionUpdate{
			Kind:    protocol.UpdateAgentThoughtChunk,
			Content: textContent(ev.Text),
		})

	case backend.EventToolUse:
		return t.toolUse(ev)

	case backend.EventToolResult:
		return t.toolResult(ev)

	case backend.EventModeChanged:
		return oneUpdate(protocol.SessionUpdate{
			Kind:          protocol.UpdateCurrentModeUpdate,
			CurrentModeID: ev.ModeID,
		})

	case backend.EventCommandsChanged:
		return oneUpdate(protocol.SessionUpdate{
			Kind:              protocol.UpdateAvailableCommandsUpdate,
			AvailableCommands: ev.Commands,
		})

	case backend.EventTitle:
		return Output{Title: ev.Title}

	case backend.EventSystem:
		// Init and bookkeeping events produce no client-visible update.
		return Output{}

	case backend.EventResult:
		return t.result(ev)

	default:
		t.log.Debug("dropping unrecognized backend event",
			zap.String("event_type", ev.Type),
			zap.ByteString("raw", ev.Raw))
		return Output{}
	}
}

func (t *Translator) messageDelta(ev backend.Event) Output {
	if ev.Text == "" {
		return Output{}
	}
	kind := protocol.UpdateAgentMessageChunk
	if ev.Role == "user" {
		kind = protocol.UpdateUserMessageChunk
	}
	return oneUpdate(protocol.SessionUpdate{Kind: kind, Content: textContent(ev.Text)})
}

func (t *Translator) toolUse(ev backend.Event) Output {
	if t.tools.PlanTool != "" && ev.ToolName == t.tools.PlanTool {
		return t.planUpdate(ev)
	}

	resolved := t.tools.Resolve(ev.ToolName, ev.Input)
	t.toolUses[ev.ToolUseID] = toolUse{name: ev.ToolName, input: ev.Input, kind: resolved.Kind}

	return oneUpdate(protocol.SessionUpdate{
		Kind: protocol.UpdateToolCall,
		ToolCall: &protocol.ToolCall{
			ToolCallID: ev.ToolUseID,
			Title:      resolved.Title,
			Kind:       resolved.Kind,
			Status:     protocol.ToolStatusPending,
			Locations:  resolved.Locations,
			Content:    resolved.Content,
			RawInput:   ev.Input,
		},
	})
}

func (t *Translator) toolResult(ev backend.Event) Output {
	use, ok := t.toolUses[ev.ToolUseID]
	if !ok {
		// A result with no recorded call is a backend anomaly, not a
		// client-visible update.
		t.log.Warn("dropping tool result with no matching tool call",
			zap.String("tool_use_id", ev.ToolUseID))
		return Output{}
	}
	delete(t.toolUses, ev.ToolUseID)

	status := protocol.ToolStatusCompleted
	if ev.IsError {
		status = protocol.ToolStatusFailed
	}

	upd := &protocol.ToolCallUpdate{
		ToolCallID: ev.ToolUseID,
		Status:     &status,
	}
	if use.kind == protocol.ToolKindEdit {
		// Edit results re-emit the diff derived from the call's input;
		// the raw result text is usually a bare confirmation.
		upd.Content = t.tools.Resolve(use.name, use.input).Content
	} else if ev.Content != "" {
		upd.Content = []protocol.ToolCallContent{
			protocol.ContentToolContent(protocol.TextBlock(ev.Content)),
		}
	}

	return oneUpdate(protocol.SessionUpdate{
		Kind:           protocol.UpdateToolCallUpdate,
		ToolCallUpdate: upd,
	})
}

// planUpdate renders an invocation of the designated plan tool as a plan
// update. The tool's input carries the entry list.
func (t *Translator) planUpdate(ev backend.Event) Output {
	entries := planEntries(ev.Input)
	if entries == nil {
		t.log.Warn("plan tool invocation with no parseable entries",
			zap.String("tool", ev.ToolName))
		return Output{}
	}
	return oneUpdate(protocol.SessionUpdate{Kind: protocol.UpdatePlan, Plan: entries})
}

func (t *Translator) result(ev backend.Event) Output {
	if ev.Usage != nil {
		t.usage.InputTokens += ev.Usage.InputTokens
		t.usage.OutputTokens += ev.Usage.OutputTokens
		t.usage.CacheTokens += ev.Usage.CacheTokens
		t.usage.CostUSD += ev.Usage.CostUSD
	}
	total := t.usage
	return Output{Result: &TurnResult{
		StopReason:  ev.StopReason,
		Subtype:     ev.Subtype,
		HardFailure: ev.HardFailure,
		ErrText:     ev.ErrText,
		Usage:       &total,
	}}
}

// planEntries extracts plan entries from the plan tool's input. The entry
// list lives under one of a few conventional keys; each entry needs at least
// a content string.
func planEntries(input map[string]any) []protocol.PlanEntry {
	for _, key := range []string{"todos", "entries", "items"} {
		raw, ok := input[key].([]any)
		if !ok {
			continue
		}
		entries := make([]protocol.PlanEntry, 0, len(raw))
		for _, item := range raw {
			m, ok := item.(map[string]any)
			if !ok {
				continue
			}
			content, _ := m["content"].(string)
			if content == "" {
				continue
			}
			status, _ := m["status"].(string)
			if status == "" {
				status = "pending"
			}
			priority, _ := m["priority"].(string)
			if priority == "" {
				priority = protocol.PlanPriorityMedium
			}
			entries = append(entries, protocol.PlanEntry{
				Content:  content,
				Status:   status,
				Priority: priority,
			})
		}
		return entries
	}
	return nil
}

func oneUpdate(u protocol.SessionUpdate) Output {
	return Output{Updates: []protocol.SessionUpdate{u}}
}

func textContent(text string) *protocol.ContentBlock {
	b := protocol.TextBlock(text)
	return &b
}
