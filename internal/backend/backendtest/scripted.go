// Package backendtest provides a scripted in-memory backend for bridge tests.
// A scripted handle plays back a canned event sequence per prompt turn and
// records every control call it receives, so tests can assert capability
// gating, ordering, and permission outcomes without a real subprocess.
package backendtest

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/agentwire/agentwire/internal/backend"
	"github.com/agentwire/agentwire/pkg/protocol"
)

// AskPermission is a sentinel event type: during playback the handle invokes
// its permission handler with the event's tool fields and records the
// decision. If the decision is deny-with-interrupt, playback of the current
// turn stops with a cancelled-style result.
const AskPermission = "backendtest_ask_permission"

// Scripted is an in-memory backend.Handle and backend.Binding.
type Scripted struct {
	BindingName string
	Caps        protocol.Capabilities
	ToolTable   *backend.ToolTable
	Rule        backend.AuthRule
	Models      []protocol.ModelInfo
	ModeList    []protocol.ModeInfo
	Commands    []protocol.AvailableCommand

	// Turns holds one event script per expected prompt call.
	Turns [][]backend.Event

	mu            sync.Mutex
	events        chan backend.Event
	permFn        backend.PermissionRequestFunc
	turnIndex     int
	interrupted   bool
	resultEmitted bool
	closed        bool

	// Recorded control traffic, for assertions.
	Calls     []string
	Decisions []*backend.PermissionDecision
}

// New creates a scripted backend with sensible defaults.
func New() *Scripted {
	return &Scripted{
		BindingName: "scripted",
		Caps: protocol.Capabilities{
			SessionOps:    []string{protocol.MethodNewSession, protocol.MethodResumeSession, protocol.MethodPrompt, protocol.MethodSetModel, protocol.MethodSetMode, protocol.MethodCancelSession, protocol.MethodCloseSession, protocol.MethodListCommands, protocol.MethodListModels, protocol.MethodListModes},
			PromptContent: []string{protocol.ContentTypeText, protocol.ContentTypeResourceLink},
		},
		events: make(chan backend.Event, 256),
	}
}

// --- backend.Binding ---

func (s *Scripted) Name() string    { return s.BindingName }
func (s *Scripted) Version() string { return "test" }

func (s *Scripted) Capabilities() protocol.Capabilities { return s.Caps }

func (s *Scripted) Tools() *backend.ToolTable {
	if s.ToolTable != nil {
		return s.ToolTable
	}
	empty, _ := backend.LoadToolTable([]byte("tools: []\n"))
	return empty
}

func (s *Scripted) Modes() []protocol.ModeInfo {
	if s.ModeList != nil {
		return s.ModeList
	}
	return []protocol.ModeInfo{
		{ModeID: "default", Name: "Default"},
		{ModeID: "acceptEdits", Name: "Accept Edits"},
		{ModeID: "bypassPermissions", Name: "Bypass Permissions"},
		{ModeID: "plan", Name: "Plan"},
	}
}

func (s *Scripted) AuthRule() backend.AuthRule { return s.Rule }

func (s *Scripted) Connect(ctx context.Context, stdin io.Writer, stdout io.Reader) (backend.Handle, error) {
	return s, nil
}

// --- backend.Handle ---

func (s *Scripted) Prompt(ctx context.Context, blocks []protocol.ContentBlock) error {
	s.mu.Lock()
	s.Calls = append(s.Calls, "prompt")
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("scripted backend closed")
	}
	var turn []backend.Event
	if s.turnIndex < len(s.Turns) {
		turn = s.Turns[s.turnIndex]
	}
	s.turnIndex++
	s.interrupted = false
	s.resultEmitted = false
	s.mu.Unlock()

	go s.play(ctx, turn)
	return nil
}

// play emits the scripted events for one turn.
func (s *Scripted) play(ctx context.Context, turn []backend.Event) {
	for _, ev := range turn {
		s.mu.Lock()
		interrupted := s.interrupted
		permFn := s.permFn
		s.mu.Unlock()

		if interrupted {
			// Interrupt already emitted the terminal result.
			return
		}

		if ev.Type == AskPermission {
			q := &backend.PermissionQuery{
				ToolUseID: ev.ToolUseID,
				ToolName:  ev.ToolName,
				Input:     ev.Input,
			}
			var decision *backend.PermissionDecision
			if permFn != nil {
				d, err := permFn(ctx, q)
				if err != nil || d == nil {
					d = &backend.PermissionDecision{Allow: false, Interrupt: true}
				}
				decision = d
			} else {
				decision = &backend.PermissionDecision{Allow: true}
			}
			s.mu.Lock()
			s.Decisions = append(s.Decisions, decision)
			s.mu.Unlock()
			if !decision.Allow && decision.Interrupt {
				s.emit(backend.Event{Type: backend.EventResult, StopReason: protocol.StopEndTurn})
				return
			}
			continue
		}

		s.emit(ev)
		if ev.Type == backend.EventResult {
			return
		}
	}
}

func (s *Scripted) emit(ev backend.Event) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if ev.Type == backend.EventResult {
		if s.resultEmitted {
			s.mu.Unlock()
			return
		}
		s.resultEmitted = true
	}
	s.mu.Unlock()
	s.events <- ev
}

func (s *Scripted) Events() <-chan backend.Event { return s.events }

func (s *Scripted) Interrupt(ctx context.Context) error {
	s.mu.Lock()
	s.Calls = append(s.Calls, "interrupt")
	already := s.interrupted
	s.interrupted = true
	s.mu.Unlock()
	if !already {
		// The backend answers an interrupt with a terminal result.
		s.emit(backend.Event{Type: backend.EventResult, StopReason: protocol.StopEndTurn})
	}
	return nil
}

func (s *Scripted) SetModel(ctx context.Context, modelID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Calls = append(s.Calls, "set_model:"+modelID)
	return nil
}

func (s *Scripted) SetPermissionMode(ctx context.Context, modeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Calls = append(s.Calls, "set_mode:"+modeID)
	return nil
}

func (s *Scripted) Resume(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Calls = append(s.Calls, "resume:"+sessionID)
	return nil
}

func (s *Scripted) SupportedModels() []protocol.ModelInfo { return s.Models }

func (s *Scripted) SupportedCommands() []protocol.AvailableCommand { return s.Commands }

func (s *Scripted) SetPermissionRequestHandler(fn backend.PermissionRequestFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.permFn = fn
}

func (s *Scripted) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Calls = append(s.Calls, "close")
	if !s.closed {
		s.closed = true
		close(s.events)
	}
	return nil
}

// CallCount returns how many recorded calls match the given prefix.
func (s *Scripted) CallCount(prefix string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.Calls {
		if len(c) >= len(prefix) && c[:len(prefix)] == prefix {
			n++
		}
	}
	return n
}
