package bridge

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/agentwire/agentwire/internal/backend"
	"github.com/agentwire/agentwire/internal/common/logger"
	"github.com/agentwire/agentwire/pkg/protocol"
)

// Permission mode ids. The backend treats these as opaque strings; the
// arbitrator gives two of them short-circuit semantics.
const (
	ModeDefault     = "default"
	ModeAcceptEdits = "acceptEdits"
	ModeBypass      = "bypassPermissions"
	ModePlan        = "plan"
)

// Option ids offered on permission requests.
const (
	optionAllowAlways = "allow_always"
	optionAllowOnce   = "allow_once"
	optionRejectOnce  = "reject_once"

	// Options of the exit-plan flow.
	optionPlanAcceptEdits  = "acceptEdits"
	optionPlanAcceptManual = "default"
	optionPlanKeepPlanning = "keepPlanning"
)

// PermissionRequester forwards a permission question to the client and
// blocks until it answers or the context ends.
type PermissionRequester interface {
	RequestPermission(ctx context.Context, req protocol.RequestPermissionRequest) (protocol.RequestPermissionResponse, error)
}

// Arbitrator decides backend permission queries. Decisions come from three
// places, in order: mode short-circuits, session-scoped always-allow rules,
// and a round trip to the client. It fails closed: any transport failure or
// ambiguous answer becomes deny-with-interrupt.
type Arbitrator struct {
	log       *logger.Logger
	tools     *backend.ToolTable
	requester PermissionRequester
	sessionID string

	// mode reads the session's current permission mode.
	mode func() string

	// switchMode applies a mode change the user selected in the
	// exit-plan flow.
	switchMode func(ctx context.Context, modeID string)

	mu            sync.Mutex
	alwaysAllowed map[string]struct{}
}

func newArbitrator(log *logger.Logger, tools *backend.ToolTable, requester PermissionRequester, sessionID string, mode func() string, switchMode func(context.Context, string)) *Arbitrator {
	return &Arbitrator{
		log:           log,
		tools:         tools,
		requester:     requester,
		sessionID:     sessionID,
		mode:          mode,
		switchMode:    switchMode,
		alwaysAllowed: make(map[string]struct{}),
	}
}

// Arbitrate answers one permission query. It never returns an error; failure
// paths collapse into deny-with-interrupt.
func (a *Arbitrator) Arbitrate(ctx context.Context, q *backend.PermissionQuery) (*backend.PermissionDecision, error) {
	if a.tools.ExitPlanTool != "" && q.ToolName == a.tools.ExitPlanTool {
		return a.arbitratePlanExit(ctx, q), nil
	}

	switch a.mode() {
	case ModeBypass:
		return &backend.PermissionDecision{Allow: true}, nil
	case ModeAcceptEdits:
		if a.tools.Kind(q.ToolName) == protocol.ToolKindEdit {
			return &backend.PermissionDecision{Allow: true}, nil
		}
	}

	a.mu.Lock()
	_, always := a.alwaysAllowed[q.ToolName]
	a.mu.Unlock()
	if always {
		return &backend.PermissionDecision{Allow: true}, nil
	}

	options := []protocol.PermissionOption{
		{OptionID: optionAllowAlways, Name: "Always Allow", Kind: protocol.OptionAllowAlways},
		{OptionID: optionAllowOnce, Name: "Allow", Kind: protocol.OptionAllowOnce},
		{OptionID: optionRejectOnce, Name: "Reject", Kind: protocol.OptionRejectOnce},
	}

	selected, ok := a.ask(ctx, q, options)
	if !ok {
		return &backend.PermissionDecision{Allow: false, Interrupt: true}, nil
	}

	switch selected {
	case optionAllowAlways:
		a.mu.Lock()
		a.alwaysAllowed[q.ToolName] = struct{}{}
		a.mu.Unlock()
		return &backend.PermissionDecision{Allow: true}, nil
	case optionAllowOnce:
		return &backend.PermissionDecision{Allow: true}, nil
	case optionRejectOnce:
		return &backend.PermissionDecision{Allow: false}, nil
	default:
		a.log.Warn("client selected an option that was not offered",
			zap.String("option_id", selected), zap.String("tool", q.ToolName))
		return &backend.PermissionDecision{Allow: false, Interrupt: true}, nil
	}
}

// arbitratePlanExit runs the bespoke three-option flow for the designated
// exit-plan tool. Accepting the plan also switches the session's permission
// mode, so the flow bypasses the mode short-circuits entirely.
func (a *Arbitrator) arbitratePlanExit(ctx context.Context, q *backend.PermissionQuery) *backend.PermissionDecision {
	options := []protocol.PermissionOption{
		{OptionID: optionPlanAcceptEdits, Name: "Yes, and auto-accept edits", Kind: protocol.OptionAllowAlways},
		{OptionID: optionPlanAcceptManual, Name: "Yes, and manually approve edits", Kind: protocol.OptionAllowOnce},
		{OptionID: optionPlanKeepPlanning, Name: "No, keep planning", Kind: protocol.OptionRejectOnce},
	}

	selected, ok := a.ask(ctx, q, options)
	if !ok {
		return &backend.PermissionDecision{Allow: false, Interrupt: true}
	}

	switch selected {
	case optionPlanAcceptEdits:
		a.switchMode(ctx, ModeAcceptEdits)
		return &backend.PermissionDecision{Allow: true}
	case optionPlanAcceptManual:
		a.switchMode(ctx, ModeDefault)
		return &backend.PermissionDecision{Allow: true}
	case optionPlanKeepPlanning:
		return &backend.PermissionDecision{Allow: false}
	default:
		a.log.Warn("client selected an option that was not offered",
			zap.String("option_id", selected), zap.String("tool", q.ToolName))
		return &backend.PermissionDecision{Allow: false, Interrupt: true}
	}
}

// ask performs the client round trip. The second return is false when the
// request failed or was cancelled, which callers treat as deny-with-interrupt.
func (a *Arbitrator) ask(ctx context.Context, q *backend.PermissionQuery, options []protocol.PermissionOption) (string, bool) {
	resolved := a.tools.Resolve(q.ToolName, q.Input)
	status := protocol.ToolStatusPending
	req := protocol.RequestPermissionRequest{
		SessionID: a.sessionID,
		ToolCall: protocol.ToolCallUpdate{
			ToolCallID: q.ToolUseID,
			Title:      &resolved.Title,
			Kind:       &resolved.Kind,
			Status:     &status,
			Locations:  resolved.Locations,
			Content:    resolved.Content,
		},
		Options: options,
	}

	resp, err := a.requester.RequestPermission(ctx, req)
	if err != nil {
		a.log.Warn("permission request failed, denying",
			zap.String("tool", q.ToolName), zap.Error(err))
		return "", false
	}
	if resp.Outcome.Outcome != protocol.OutcomeSelected {
		return "", false
	}
	return resp.Outcome.OptionID, true
}
