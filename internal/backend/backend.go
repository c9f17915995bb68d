// Package backend defines the contract between the protocol bridge and an
// agent backend binding: the event stream a backend produces, the control
// surface it consumes, and the static per-backend declarations (capabilities,
// tool table, auth detection rule) the bridge needs to drive it.
package backend

import (
	"context"
	"encoding/json"
	"io"
	"strings"

	"github.com/agentwire/agentwire/pkg/protocol"
)

// Backend event types. Each binding converts its native wire messages into
// this stream; the bridge's translator consumes it.
const (
	// EventMessageDelta is streaming text, tagged with the producing role.
	EventMessageDelta = "message_delta"

	// EventThoughtDelta is streaming reasoning/thinking text.
	EventThoughtDelta = "thought_delta"

	// EventToolUse reports a tool invocation beginning.
	EventToolUse = "tool_use"

	// EventToolResult reports a tool invocation finishing.
	EventToolResult = "tool_result"

	// EventSystem is an init/bookkeeping event; it produces no notification.
	EventSystem = "system"

	// EventResult is the terminal event of a turn.
	EventResult = "result"

	// EventModeChanged reports an asynchronous permission-mode change.
	EventModeChanged = "mode_changed"

	// EventCommandsChanged reports a change to the advertised slash commands.
	EventCommandsChanged = "commands_changed"

	// EventTitle reports a generated conversation title.
	EventTitle = "title"
)

// Event is one backend-native stream event, normalized into a shape every
// binding can produce. Type selects which fields are populated. Unrecognized
// native events are forwarded with their original tag in Type and the raw
// payload in Raw so the translator can log them.
type Event struct {
	Type string

	// For message_delta and thought_delta
	Role string
	Text string

	// For tool_use
	ToolUseID string
	ToolName  string
	Input     map[string]any

	// For tool_result
	Content string
	IsError bool

	// For system
	SessionID string

	// For result
	StopReason  string // backend-reported reason, empty on hard failure
	Subtype     string // backend-native result subtype, for auth detection
	HardFailure bool
	ErrText     string
	Usage       *Usage

	// For mode_changed
	ModeID string

	// For commands_changed
	Commands []protocol.AvailableCommand

	// For title
	Title string

	// Original payload, for diagnostics on unrecognized events.
	Raw json.RawMessage
}

// Usage carries token totals reported by the backend.
type Usage struct {
	InputTokens  int64
	OutputTokens int64
	CacheTokens  int64
	CostUSD      float64
}

// Total returns the combined token count.
func (u *Usage) Total() int64 {
	return u.InputTokens + u.OutputTokens + u.CacheTokens
}

// PermissionQuery is a backend's request to perform a sensitive action,
// raised before the action runs.
type PermissionQuery struct {
	ToolUseID string
	ToolName  string
	Input     map[string]any
}

// PermissionDecision is the arbitrated answer to a PermissionQuery.
type PermissionDecision struct {
	Allow bool

	// Interrupt tells the backend to abort the action rather than retry.
	// Only meaningful on deny.
	Interrupt bool
}

// PermissionRequestFunc arbitrates a permission query. Implementations must
// fail closed: any error translates to deny with interrupt.
type PermissionRequestFunc func(ctx context.Context, q *PermissionQuery) (*PermissionDecision, error)

// Handle is the control surface of a live backend conversation. The bridge
// owns exactly one Handle per session.
type Handle interface {
	// Prompt pushes normalized content onto the backend's input channel.
	// Streaming output arrives on Events; the turn ends with an
	// EventResult event.
	Prompt(ctx context.Context, blocks []protocol.ContentBlock) error

	// Events returns the backend's asynchronous event stream. The channel
	// closes when the backend shuts down; a close without a preceding
	// EventResult while a prompt is outstanding is an internal error.
	Events() <-chan Event

	// Interrupt signals the backend to abort the in-flight turn.
	Interrupt(ctx context.Context) error

	// SetModel switches the backend's model.
	SetModel(ctx context.Context, modelID string) error

	// SetPermissionMode switches the backend's permission mode.
	SetPermissionMode(ctx context.Context, modeID string) error

	// Resume attaches the handle to an existing backend conversation.
	Resume(ctx context.Context, sessionID string) error

	// SupportedModels lists the models the backend advertises.
	SupportedModels() []protocol.ModelInfo

	// SupportedCommands lists the slash commands the backend advertises.
	SupportedCommands() []protocol.AvailableCommand

	// SetPermissionRequestHandler installs the arbitration callback invoked
	// when the backend asks to perform a sensitive action.
	SetPermissionRequestHandler(fn PermissionRequestFunc)

	// Close releases backend resources. Idempotent.
	Close() error
}

// AuthRule is a backend-declared detection rule for "authentication
// required". Exact heuristics are backend configuration, not bridge logic.
type AuthRule struct {
	// Hints are substrings of result text that indicate a login is needed.
	Hints []string

	// Subtypes are explicit result subtypes that indicate a login is needed.
	Subtypes []string
}

// Detect reports whether a terminal result indicates the backend needs
// authentication, per this rule.
func (r AuthRule) Detect(subtype, text string) bool {
	for _, s := range r.Subtypes {
		if s != "" && s == subtype {
			return true
		}
	}
	for _, h := range r.Hints {
		if h != "" && strings.Contains(text, h) {
			return true
		}
	}
	return false
}

// Binding is the static declaration of one backend kind: its capability set,
// its declarative tool table, its auth rule, and the way to wire a Handle
// over an established subprocess stream pair.
type Binding interface {
	Name() string
	Version() string
	Capabilities() protocol.Capabilities
	Tools() *ToolTable
	Modes() []protocol.ModeInfo
	AuthRule() AuthRule

	// Connect wires a Handle over the subprocess pipes. The subprocess
	// itself is started by the caller; bindings never spawn processes.
	Connect(ctx context.Context, stdin io.Writer, stdout io.Reader) (Handle, error)
}
