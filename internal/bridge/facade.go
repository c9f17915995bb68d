package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentwire/agentwire/internal/backend"
	"github.com/agentwire/agentwire/internal/common/logger"
	"github.com/agentwire/agentwire/pkg/protocol"
	"github.com/agentwire/agentwire/pkg/wire"
)

// ProtocolVersion is the version negotiated on initialize.
const ProtocolVersion = 1

// HandleFactory connects a fresh backend handle, typically by spawning the
// backend subprocess and wiring the binding over its pipes. A non-empty
// resumeID attaches to an existing backend conversation, which some backends
// can only do at spawn time.
type HandleFactory func(ctx context.Context, resumeID string) (backend.Handle, error)

// EventPublisher mirrors session traffic onto an event bus, best effort.
type EventPublisher interface {
	Publish(subject string, payload any) error
}

// UsageProber reads account-level usage limits out of the backend's tooling.
type UsageProber interface {
	Snapshot(ctx context.Context) (*protocol.UsageSnapshotResponse, error)
}

// SessionDefaults seeds sessions created without an explicit mode or model,
// typically from deployment configuration.
type SessionDefaults struct {
	ModeID  string
	ModelID string
}

// Provider is the facade behind the wire connection. It owns the session
// table, dispatches requests through the capability registry to sessions,
// and implements the Notifier surface sessions push through.
type Provider struct {
	log      *logger.Logger
	binding  backend.Binding
	registry *Registry
	factory  HandleFactory
	conn     *wire.Conn
	bus      EventPublisher
	prober   UsageProber
	defaults SessionDefaults
	tap      *eventTap

	mu          sync.Mutex
	sessions    map[string]*Session
	initialized bool
}

// ProviderOption customizes a Provider.
type ProviderOption func(*Provider)

// WithEventPublisher mirrors session updates onto a bus.
func WithEventPublisher(p EventPublisher) ProviderOption {
	return func(pr *Provider) { pr.bus = p }
}

// WithUsageProber enables the usage/snapshot operation.
func WithUsageProber(p UsageProber) ProviderOption {
	return func(pr *Provider) { pr.prober = p }
}

// WithSessionDefaults applies configured initial mode and model ids to
// sessions whose session/new request leaves them empty.
func WithSessionDefaults(d SessionDefaults) ProviderOption {
	return func(pr *Provider) { pr.defaults = d }
}

// NewProvider builds a provider over a binding and a handle factory.
func NewProvider(log *logger.Logger, binding backend.Binding, factory HandleFactory, opts ...ProviderOption) *Provider {
	p := &Provider{
		log:      log.WithBackend(binding.Name()),
		binding:  binding,
		registry: NewRegistry(binding.Capabilities()),
		factory:  factory,
		sessions: make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.tap = newEventTap(p.log)
	return p
}

// Bind attaches the provider to a wire connection as its request and
// notification handler. Call before conn.Start.
func (p *Provider) Bind(conn *wire.Conn) {
	p.conn = conn
	conn.SetRequestHandler(p.HandleRequest)
	conn.SetNotificationHandler(p.handleNotification)
}

// Shutdown closes every live session and the debug tap.
func (p *Provider) Shutdown() {
	p.mu.Lock()
	sessions := make([]*Session, 0, len(p.sessions))
	for _, s := range p.sessions {
		sessions = append(sessions, s)
	}
	p.sessions = make(map[string]*Session)
	p.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
	p.tap.close()
}

// HandleRequest dispatches one inbound request. Capability gating happens
// here; session semantics live in Session.
func (p *Provider) HandleRequest(ctx context.Context, method string, params json.RawMessage) (any, *wire.Error) {
	if method == protocol.MethodInitialize {
		return p.initialize(params)
	}

	p.mu.Lock()
	initialized := p.initialized
	p.mu.Unlock()
	if !initialized {
		return nil, wire.NewError(wire.CodeInvalidRequest, "initialize must be called first")
	}

	switch method {
	case protocol.MethodNewSession:
		return p.gated(method, func() (any, *wire.Error) { return p.newSession(ctx, params) })
	case protocol.MethodResumeSession:
		return p.gated(method, func() (any, *wire.Error) { return p.resumeSession(ctx, params) })
	case protocol.MethodPrompt:
		return p.gated(method, func() (any, *wire.Error) { return p.prompt(ctx, params) })
	case protocol.MethodSetModel:
		return p.gated(method, func() (any, *wire.Error) { return p.setModel(ctx, params) })
	case protocol.MethodSetMode:
		return p.gated(method, func() (any, *wire.Error) { return p.setMode(ctx, params) })
	case protocol.MethodCancelSession:
		return p.gated(method, func() (any, *wire.Error) { return p.cancel(ctx, params) })
	case protocol.MethodCloseSession:
		return p.gated(method, func() (any, *wire.Error) { return p.closeSession(params) })
	case protocol.MethodListModels:
		return p.gated(method, func() (any, *wire.Error) { return p.listModels(params) })
	case protocol.MethodListModes:
		return p.gated(method, func() (any, *wire.Error) { return p.listModes(params) })
	case protocol.MethodListCommands:
		return p.gated(method, func() (any, *wire.Error) { return p.listCommands(params) })
	case protocol.MethodUsageSnapshot:
		return p.gated(method, func() (any, *wire.Error) { return p.usageSnapshot(ctx) })
	default:
		return nil, wire.MethodNotFound(method)
	}
}

// gated runs fn only when the binding declared the capability.
func (p *Provider) gated(method string, fn func() (any, *wire.Error)) (any, *wire.Error) {
	if err := p.registry.Gate(method); err != nil {
		return nil, err
	}
	return fn()
}

// handleNotification accepts the notification form of session/cancel so
// clients can cancel without blocking on a response. Failures have no
// response to ride on and are surfaced as session/error.
func (p *Provider) handleNotification(ctx context.Context, method string, params json.RawMessage) {
	if method != protocol.MethodCancelSession {
		p.log.Debug("ignoring unknown notification", zap.String("method", method))
		return
	}
	if _, werr := p.cancel(ctx, params); werr != nil {
		var req protocol.SessionRequest
		_ = protocol.DecodeParams(params, &req)
		p.log.Warn("cancel notification failed", zap.String("error", werr.Message))
		p.notifyError(req.SessionID, werr)
	}
}

// notifyError pushes a session/error notification to the client.
func (p *Provider) notifyError(sessionID string, werr *wire.Error) {
	note := protocol.ErrorNotification{SessionID: sessionID, Message: werr.Message, Data: werr.Data}
	if err := p.conn.Notify(protocol.NotifyError, note); err != nil {
		p.log.Warn("failed to send error notification", zap.Error(err))
	}
}

func (p *Provider) initialize(params json.RawMessage) (any, *wire.Error) {
	var req protocol.InitializeRequest
	if err := protocol.DecodeParams(params, &req); err != nil {
		return nil, wire.InvalidParams(err.Error())
	}

	p.mu.Lock()
	p.initialized = true
	p.mu.Unlock()

	if req.ClientInfo != nil {
		p.log.Info("client connected",
			zap.String("client", req.ClientInfo.Name),
			zap.String("client_version", req.ClientInfo.Version))
	}

	return &protocol.InitializeResponse{
		ProtocolVersion: ProtocolVersion,
		AgentInfo:       protocol.AgentInfo{Name: p.binding.Name(), Version: p.binding.Version()},
		Capabilities:    p.registry.Capabilities(),
	}, nil
}

func (p *Provider) newSession(ctx context.Context, params json.RawMessage) (any, *wire.Error) {
	var req protocol.NewSessionRequest
	if err := protocol.DecodeParams(params, &req); err != nil {
		return nil, wire.InvalidParams(err.Error())
	}
	modeID := req.ModeID
	if modeID == "" {
		modeID = p.defaults.ModeID
	}
	modelID := req.ModelID
	if modelID == "" {
		modelID = p.defaults.ModelID
	}
	return p.startSession(ctx, uuid.NewString(), "", modeID, modelID)
}

func (p *Provider) resumeSession(ctx context.Context, params json.RawMessage) (any, *wire.Error) {
	var req protocol.ResumeSessionRequest
	if err := protocol.DecodeParams(params, &req); err != nil {
		return nil, wire.InvalidParams(err.Error())
	}
	if req.SessionID == "" {
		return nil, wire.InvalidParams("sessionId is required")
	}
	return p.startSession(ctx, req.SessionID, req.SessionID, "", "")
}

// startSession connects a handle and registers the session. resumeID, when
// set, re-attaches the backend to an existing conversation under the same id.
func (p *Provider) startSession(ctx context.Context, id, resumeID, modeID, modelID string) (any, *wire.Error) {
	p.mu.Lock()
	if _, exists := p.sessions[id]; exists {
		p.mu.Unlock()
		return nil, wire.NewErrorf(wire.CodeInvalidRequest, "session already active: %s", id)
	}
	p.mu.Unlock()

	handle, err := p.factory(ctx, resumeID)
	if err != nil {
		return nil, wire.Internal("failed to start backend", err.Error())
	}

	if resumeID != "" {
		if err := handle.Resume(ctx, resumeID); err != nil {
			handle.Close()
			return nil, wire.ResourceNotFound(fmt.Sprintf("cannot resume session: %s", resumeID))
		}
	}

	sess := newSession(id, p.log, p.binding, handle, p)

	// Re-check under the lock: a concurrent resume for the same id may have
	// registered while the handle was connecting.
	p.mu.Lock()
	if _, exists := p.sessions[id]; exists {
		p.mu.Unlock()
		sess.Close()
		return nil, wire.NewErrorf(wire.CodeInvalidRequest, "session already active: %s", id)
	}
	p.sessions[id] = sess
	p.mu.Unlock()

	if modeID != "" && modeID != sess.Mode() {
		if werr := sess.SetMode(ctx, modeID); werr != nil {
			p.removeSession(id)
			return nil, werr
		}
	}
	if modelID != "" {
		if werr := sess.SetModel(ctx, modelID); werr != nil {
			p.removeSession(id)
			return nil, werr
		}
	}

	if cmds := sess.Commands(); len(cmds) > 0 {
		p.SessionUpdate(id, protocol.SessionUpdate{
			Kind:              protocol.UpdateAvailableCommandsUpdate,
			AvailableCommands: cmds,
		})
	}

	p.log.Info("session started", zap.String("session_id", id), zap.Bool("resumed", resumeID != ""))
	return &protocol.NewSessionResponse{
		SessionID: id,
		Models:    sess.Models(),
		Modes:     sess.Modes(),
	}, nil
}

func (p *Provider) prompt(ctx context.Context, params json.RawMessage) (any, *wire.Error) {
	var req protocol.PromptRequest
	if err := protocol.DecodeParams(params, &req); err != nil {
		return nil, wire.InvalidParams(err.Error())
	}
	if werr := p.registry.GateContent(req.Prompt); werr != nil {
		return nil, werr
	}
	sess, werr := p.session(req.SessionID)
	if werr != nil {
		return nil, werr
	}
	return sess.Prompt(ctx, req.Prompt)
}

func (p *Provider) setModel(ctx context.Context, params json.RawMessage) (any, *wire.Error) {
	var req protocol.SetModelRequest
	if err := protocol.DecodeParams(params, &req); err != nil {
		return nil, wire.InvalidParams(err.Error())
	}
	sess, werr := p.session(req.SessionID)
	if werr != nil {
		return nil, werr
	}
	if werr := sess.SetModel(ctx, req.ModelID); werr != nil {
		return nil, werr
	}
	return struct{}{}, nil
}

func (p *Provider) setMode(ctx context.Context, params json.RawMessage) (any, *wire.Error) {
	var req protocol.SetModeRequest
	if err := protocol.DecodeParams(params, &req); err != nil {
		return nil, wire.InvalidParams(err.Error())
	}
	sess, werr := p.session(req.SessionID)
	if werr != nil {
		return nil, werr
	}
	if werr := sess.SetMode(ctx, req.ModeID); werr != nil {
		return nil, werr
	}
	return struct{}{}, nil
}

func (p *Provider) cancel(ctx context.Context, params json.RawMessage) (any, *wire.Error) {
	var req protocol.SessionRequest
	if err := protocol.DecodeParams(params, &req); err != nil {
		return nil, wire.InvalidParams(err.Error())
	}
	sess, werr := p.session(req.SessionID)
	if werr != nil {
		return nil, werr
	}
	if werr := sess.Cancel(ctx); werr != nil {
		return nil, werr
	}
	return struct{}{}, nil
}

func (p *Provider) closeSession(params json.RawMessage) (any, *wire.Error) {
	var req protocol.SessionRequest
	if err := protocol.DecodeParams(params, &req); err != nil {
		return nil, wire.InvalidParams(err.Error())
	}
	sess, werr := p.session(req.SessionID)
	if werr != nil {
		return nil, werr
	}
	p.removeSession(req.SessionID)
	sess.Close()
	p.log.Info("session closed", zap.String("session_id", req.SessionID))
	return struct{}{}, nil
}

func (p *Provider) listModels(params json.RawMessage) (any, *wire.Error) {
	sess, werr := p.sessionFromParams(params)
	if werr != nil {
		return nil, werr
	}
	return &protocol.ListModelsResponse{Models: sess.Models()}, nil
}

func (p *Provider) listModes(params json.RawMessage) (any, *wire.Error) {
	sess, werr := p.sessionFromParams(params)
	if werr != nil {
		return nil, werr
	}
	return &protocol.ListModesResponse{Modes: sess.Modes()}, nil
}

func (p *Provider) listCommands(params json.RawMessage) (any, *wire.Error) {
	sess, werr := p.sessionFromParams(params)
	if werr != nil {
		return nil, werr
	}
	return &protocol.ListCommandsResponse{Commands: sess.Commands()}, nil
}

func (p *Provider) usageSnapshot(ctx context.Context) (any, *wire.Error) {
	if p.prober == nil {
		return nil, wire.MethodNotFound(protocol.MethodUsageSnapshot)
	}
	snap, err := p.prober.Snapshot(ctx)
	if err != nil {
		return nil, wire.Internal("usage probe failed", err.Error())
	}
	return snap, nil
}

func (p *Provider) sessionFromParams(params json.RawMessage) (*Session, *wire.Error) {
	var req protocol.SessionRequest
	if err := protocol.DecodeParams(params, &req); err != nil {
		return nil, wire.InvalidParams(err.Error())
	}
	return p.session(req.SessionID)
}

func (p *Provider) session(id string) (*Session, *wire.Error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	sess, ok := p.sessions[id]
	if !ok {
		return nil, wire.ResourceNotFound(fmt.Sprintf("session not found: %s", id))
	}
	return sess, nil
}

func (p *Provider) removeSession(id string) {
	p.mu.Lock()
	delete(p.sessions, id)
	p.mu.Unlock()
}

// --- Notifier ---

// SessionUpdate forwards one update to the client and mirrors it on the bus.
func (p *Provider) SessionUpdate(sessionID string, u protocol.SessionUpdate) {
	note := protocol.SessionNotification{SessionID: sessionID, Update: u}
	if err := p.conn.Notify(protocol.NotifySessionUpdate, note); err != nil {
		p.log.Warn("failed to send session update", zap.Error(err))
	}
	p.tap.record("out", sessionID, u.Kind, u)
	p.publish(sessionID, "update", note)
}

// UsageUpdate forwards turn usage totals to the client.
func (p *Provider) UsageUpdate(u protocol.UsageUpdate) {
	if err := p.conn.Notify(protocol.NotifyUsageUpdate, u); err != nil {
		p.log.Warn("failed to send usage update", zap.Error(err))
	}
	p.publish(u.SessionID, "usage", u)
}

// TitleGenerated forwards a generated conversation title to the client.
func (p *Provider) TitleGenerated(sessionID, title string) {
	note := protocol.TitleGeneratedNotification{SessionID: sessionID, Title: title}
	if err := p.conn.Notify(protocol.NotifyTitleGenerated, note); err != nil {
		p.log.Warn("failed to send title notification", zap.Error(err))
	}
	p.publish(sessionID, "title", note)
}

// RequestPermission runs a blocking permission round trip to the client.
func (p *Provider) RequestPermission(ctx context.Context, req protocol.RequestPermissionRequest) (protocol.RequestPermissionResponse, error) {
	p.tap.record("out", req.SessionID, "permission_request", req)
	raw, err := p.conn.Call(ctx, protocol.MethodRequestPermission, req)
	if err != nil {
		return protocol.RequestPermissionResponse{}, err
	}
	var resp protocol.RequestPermissionResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return protocol.RequestPermissionResponse{}, fmt.Errorf("malformed permission response: %w", err)
	}
	p.tap.record("in", req.SessionID, "permission_response", resp)
	return resp, nil
}

// publish mirrors a payload on the event bus, best effort.
func (p *Provider) publish(sessionID, kind string, payload any) {
	if p.bus == nil {
		return
	}
	subject := fmt.Sprintf("agentwire.session.%s.%s", sessionID, kind)
	if err := p.bus.Publish(subject, payload); err != nil {
		p.log.Debug("event bus publish failed", zap.String("subject", subject), zap.Error(err))
	}
}
