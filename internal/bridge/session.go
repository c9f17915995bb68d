package bridge

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/agentwire/agentwire/internal/backend"
	"github.com/agentwire/agentwire/internal/common/logger"
	"github.com/agentwire/agentwire/pkg/protocol"
	"github.com/agentwire/agentwire/pkg/wire"
)

// Notifier is the outbound surface a session pushes into: session updates,
// usage totals, generated titles, and blocking permission round trips.
// The provider implements it over the wire connection.
type Notifier interface {
	PermissionRequester
	SessionUpdate(sessionID string, u protocol.SessionUpdate)
	UsageUpdate(u protocol.UsageUpdate)
	TitleGenerated(sessionID, title string)
}

// Session is one live conversation: a backend handle, its translator and
// arbitrator, and the state machine guarding them. At most one prompt is in
// flight at a time; cancellation is flag-based so a turn that races its
// interrupt still reports a deterministic stop reason.
type Session struct {
	id         string
	log        *logger.Logger
	binding    backend.Binding
	handle     backend.Handle
	notifier   Notifier
	translator *Translator
	arbitrator *Arbitrator

	mu        sync.Mutex
	closed    bool
	prompting bool
	mode      string
	model     string

	// lastMode is the last mode id reported to the client, for
	// suppressing duplicate current_mode_update notifications.
	lastMode string

	cancelled atomic.Bool
}

func newSession(id string, log *logger.Logger, binding backend.Binding, handle backend.Handle, notifier Notifier) *Session {
	log = log.WithSessionID(id).WithBackend(binding.Name())
	s := &Session{
		id:         id,
		log:        log,
		binding:    binding,
		handle:     handle,
		notifier:   notifier,
		translator: NewTranslator(log, binding.Tools()),
		mode:       ModeDefault,
		lastMode:   ModeDefault,
	}
	s.arbitrator = newArbitrator(log, binding.Tools(), notifier, id, s.Mode, s.applyMode)
	handle.SetPermissionRequestHandler(s.arbitrator.Arbitrate)
	return s
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// Models lists the models the backend advertises for this session.
func (s *Session) Models() []protocol.ModelInfo { return s.handle.SupportedModels() }

// Modes lists the permission modes the binding supports.
func (s *Session) Modes() []protocol.ModeInfo { return s.binding.Modes() }

// Commands lists the slash commands the backend advertises.
func (s *Session) Commands() []protocol.AvailableCommand { return s.handle.SupportedCommands() }

// Mode returns the session's current permission mode.
func (s *Session) Mode() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

// Prompt runs one turn: it pushes the content to the backend, streams the
// translated updates out through the notifier, and blocks until the backend
// reports a terminal result.
func (s *Session) Prompt(ctx context.Context, blocks []protocol.ContentBlock) (*protocol.PromptResponse, *wire.Error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, wire.NewError(wire.CodeInvalidRequest, "session is closed")
	}
	if s.prompting {
		s.mu.Unlock()
		return nil, wire.NewError(wire.CodeInvalidRequest, "a prompt is already in flight")
	}
	s.prompting = true
	s.mu.Unlock()
	s.cancelled.Store(false)

	defer func() {
		s.mu.Lock()
		s.prompting = false
		s.mu.Unlock()
	}()

	s.log.Debug("prompt received",
		zap.Int("blocks", len(blocks)),
		zap.String("text", protocol.PlainText(blocks)))

	if err := s.handle.Prompt(ctx, blocks); err != nil {
		return nil, wire.Internal("failed to send prompt to backend", err.Error())
	}

	for {
		select {
		case <-ctx.Done():
			s.cancelled.Store(true)
			if err := s.handle.Interrupt(context.Background()); err != nil {
				s.log.Warn("failed to interrupt backend", zap.Error(err))
			}
			return &protocol.PromptResponse{StopReason: protocol.StopCancelled}, nil

		case ev, ok := <-s.handle.Events():
			if !ok {
				if s.cancelled.Load() {
					return &protocol.PromptResponse{StopReason: protocol.StopCancelled}, nil
				}
				return nil, wire.Internal("backend stream ended without a result", nil)
			}

			out := s.translator.Translate(ev)
			for _, u := range out.Updates {
				s.dispatchUpdate(u)
			}
			if out.Title != "" {
				s.notifier.TitleGenerated(s.id, out.Title)
			}
			if out.Result != nil {
				return s.finishTurn(out.Result)
			}
		}
	}
}

func (s *Session) finishTurn(res *TurnResult) (*protocol.PromptResponse, *wire.Error) {
	if s.binding.AuthRule().Detect(res.Subtype, res.ErrText) {
		return nil, wire.AuthRequired("backend requires authentication", res.ErrText)
	}
	if res.HardFailure {
		return nil, wire.Internal("backend turn failed", res.ErrText)
	}

	if res.Usage != nil && res.Usage.Total() > 0 {
		s.notifier.UsageUpdate(protocol.UsageUpdate{
			SessionID:    s.id,
			InputTokens:  res.Usage.InputTokens,
			OutputTokens: res.Usage.OutputTokens,
			TotalTokens:  res.Usage.Total(),
			CostUSD:      res.Usage.CostUSD,
		})
	}

	stop := res.StopReason
	if s.cancelled.Load() {
		stop = protocol.StopCancelled
	}
	if stop == "" {
		stop = protocol.StopEndTurn
	}
	return &protocol.PromptResponse{StopReason: stop}, nil
}

// Cancel flags the in-flight turn as cancelled and interrupts the backend.
// It is a no-op when nothing is in flight, and idempotent when called twice.
func (s *Session) Cancel(ctx context.Context) *wire.Error {
	s.mu.Lock()
	prompting := s.prompting && !s.closed
	s.mu.Unlock()
	if !prompting {
		return nil
	}
	if s.cancelled.Swap(true) {
		return nil
	}
	if err := s.handle.Interrupt(ctx); err != nil {
		s.log.Warn("failed to interrupt backend", zap.Error(err))
	}
	return nil
}

// SetMode switches the permission mode, validated against the binding's
// advertised mode list.
func (s *Session) SetMode(ctx context.Context, modeID string) *wire.Error {
	if !s.knownMode(modeID) {
		return wire.NewErrorf(wire.CodeInvalidParams, "unknown mode: %s", modeID)
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return wire.NewError(wire.CodeInvalidRequest, "session is closed")
	}
	s.mu.Unlock()

	if err := s.handle.SetPermissionMode(ctx, modeID); err != nil {
		return wire.Internal("failed to set permission mode", err.Error())
	}
	s.noteMode(modeID)
	return nil
}

// SetModel switches the model, validated against the backend's advertised
// model list when it publishes one.
func (s *Session) SetModel(ctx context.Context, modelID string) *wire.Error {
	if models := s.handle.SupportedModels(); len(models) > 0 {
		known := false
		for _, m := range models {
			if m.ModelID == modelID {
				known = true
				break
			}
		}
		if !known {
			return wire.NewErrorf(wire.CodeInvalidParams, "unknown model: %s", modelID)
		}
	}
	if err := s.handle.SetModel(ctx, modelID); err != nil {
		return wire.Internal("failed to set model", err.Error())
	}
	s.mu.Lock()
	s.model = modelID
	s.mu.Unlock()
	return nil
}

// Close interrupts any in-flight turn and releases the backend handle.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	prompting := s.prompting
	s.mu.Unlock()

	if prompting {
		s.cancelled.Store(true)
		if err := s.handle.Interrupt(context.Background()); err != nil {
			s.log.Warn("failed to interrupt backend", zap.Error(err))
		}
	}
	if err := s.handle.Close(); err != nil {
		s.log.Warn("failed to close backend handle", zap.Error(err))
	}
}

// applyMode is the arbitrator's path for mode switches chosen inside the
// exit-plan flow. Backend failures are logged, not surfaced; the permission
// decision already answered the client.
func (s *Session) applyMode(ctx context.Context, modeID string) {
	if err := s.handle.SetPermissionMode(ctx, modeID); err != nil {
		s.log.Warn("failed to apply permission mode", zap.String("mode", modeID), zap.Error(err))
	}
	s.noteMode(modeID)
}

// dispatchUpdate routes one translated update to the notifier. Mode updates
// go through the dedupe gate so backend echoes of a mode the client already
// knows are suppressed.
func (s *Session) dispatchUpdate(u protocol.SessionUpdate) {
	if u.Kind == protocol.UpdateCurrentModeUpdate {
		s.noteMode(u.CurrentModeID)
		return
	}
	s.notifier.SessionUpdate(s.id, u)
}

// noteMode records a mode change and notifies the client unless the mode is
// already current. Last write wins; there is no echo reconciliation.
func (s *Session) noteMode(modeID string) {
	s.mu.Lock()
	if s.lastMode == modeID {
		s.mu.Unlock()
		return
	}
	s.mode = modeID
	s.lastMode = modeID
	s.mu.Unlock()

	s.notifier.SessionUpdate(s.id, protocol.SessionUpdate{
		Kind:          protocol.UpdateCurrentModeUpdate,
		CurrentModeID: modeID,
	})
}

func (s *Session) knownMode(modeID string) bool {
	for _, m := range s.binding.Modes() {
		if m.ModeID == modeID {
			return true
		}
	}
	return false
}
