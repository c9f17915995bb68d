// Package claude binds the Claude Code CLI to the backend contract. The CLI
// speaks newline-delimited JSON over stdin/stdout in stream-json mode:
// assistant and result messages flow out, user messages and control traffic
// flow in, and the CLI raises control_request messages when it wants
// permission to use a tool.
package claude

import "encoding/json"

// Message types on the CLI stream.
const (
	msgTypeSystem          = "system"
	msgTypeAssistant       = "assistant"
	msgTypeUser            = "user"
	msgTypeResult          = "result"
	msgTypeControlRequest  = "control_request"
	msgTypeControlResponse = "control_response"
)

// Control request subtypes.
const (
	subtypeInitialize        = "initialize"
	subtypeInterrupt         = "interrupt"
	subtypeCanUseTool        = "can_use_tool"
	subtypeHookCallback      = "hook_callback"
	subtypeSetPermissionMode = "set_permission_mode"
	subtypeSetModel          = "set_model"
)

// Result subtypes the CLI reports.
const (
	resultSuccess      = "success"
	resultErrMaxTurns  = "error_max_turns"
	resultErrExecution = "error_during_execution"
)

// Permission behaviors in control responses.
const (
	behaviorAllow = "allow"
	behaviorDeny  = "deny"
)

// StreamMessage is one line of CLI stdout. Type selects which fields are
// populated.
type StreamMessage struct {
	Type string `json:"type"`

	// For system messages
	SessionID     string `json:"session_id,omitempty"`
	SessionStatus string `json:"session_status,omitempty"`

	// For assistant messages
	Message *AssistantBody `json:"message,omitempty"`

	// For control_request messages
	RequestID string          `json:"request_id,omitempty"`
	Request   *ControlRequest `json:"request,omitempty"`

	// For control_response messages
	Response *ControlResponseIn `json:"response,omitempty"`

	// For result messages. Result is a string on errors and an object on
	// success, so it stays raw until inspected.
	Result            json.RawMessage `json:"result,omitempty"`
	Subtype           string          `json:"subtype,omitempty"`
	IsError           bool            `json:"is_error,omitempty"`
	NumTurns          int             `json:"num_turns,omitempty"`
	CostUSD           float64         `json:"cost_usd,omitempty"`
	TotalInputTokens  int64           `json:"total_input_tokens,omitempty"`
	TotalOutputTokens int64           `json:"total_output_tokens,omitempty"`
}

// AssistantBody is the payload of an assistant message.
type AssistantBody struct {
	Role       string           `json:"role"`
	Model      string           `json:"model,omitempty"`
	StopReason string           `json:"stop_reason,omitempty"`
	Content    []AssistantBlock `json:"content,omitempty"`
	Usage      *TokenUsage      `json:"usage,omitempty"`
}

// AssistantBlock is one content block of an assistant message.
type AssistantBlock struct {
	Type string `json:"type"`

	// For text blocks
	Text string `json:"text,omitempty"`

	// For thinking blocks
	Thinking string `json:"thinking,omitempty"`

	// For tool_use blocks
	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`

	// For tool_result blocks
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`
}

// TokenUsage is the CLI's token accounting on assistant messages.
type TokenUsage struct {
	InputTokens              int64 `json:"input_tokens"`
	OutputTokens             int64 `json:"output_tokens"`
	CacheCreationInputTokens int64 `json:"cache_creation_input_tokens,omitempty"`
	CacheReadInputTokens     int64 `json:"cache_read_input_tokens,omitempty"`
}

// resultBody is the object form of a result message's result field.
type resultBody struct {
	Text      string `json:"text,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}

// resultData parses the result field as an object, or returns nil.
func (m *StreamMessage) resultData() *resultBody {
	if len(m.Result) == 0 {
		return nil
	}
	var body resultBody
	if err := json.Unmarshal(m.Result, &body); err != nil {
		return nil
	}
	return &body
}

// resultString parses the result field as a string, the error form.
func (m *StreamMessage) resultString() string {
	if len(m.Result) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(m.Result, &s); err != nil {
		return ""
	}
	return s
}

// ControlRequest is a control-channel request the CLI raises, most commonly
// can_use_tool before a sensitive action runs.
type ControlRequest struct {
	Subtype string `json:"subtype"`

	// For can_use_tool
	ToolName  string         `json:"tool_name,omitempty"`
	ToolUseID string         `json:"tool_use_id,omitempty"`
	Input     map[string]any `json:"input,omitempty"`

	// For hook_callback
	CallbackID string `json:"callback_id,omitempty"`
	HookName   string `json:"hook_name,omitempty"`
}

// ControlRequestOut is a control request sent to the CLI: initialize,
// interrupt, set_permission_mode, set_model.
type ControlRequestOut struct {
	Type      string             `json:"type"`
	RequestID string             `json:"request_id"`
	Request   ControlRequestBody `json:"request"`
}

// ControlRequestBody is the body of an outbound control request.
type ControlRequestBody struct {
	Subtype string `json:"subtype"`

	// For set_permission_mode
	Mode string `json:"mode,omitempty"`

	// For set_model
	Model string `json:"model,omitempty"`
}

// ControlResponseOut answers a control request the CLI raised.
type ControlResponseOut struct {
	Type      string               `json:"type"`
	RequestID string               `json:"request_id"`
	Response  *ControlResponseBody `json:"response"`
}

// ControlResponseBody carries either a permission result or an error.
type ControlResponseBody struct {
	Subtype string            `json:"subtype"` // "success" or "error"
	Result  *PermissionResult `json:"result,omitempty"`
	Error   string            `json:"error,omitempty"`
}

// PermissionResult is the decision payload of a can_use_tool response.
type PermissionResult struct {
	Behavior  string `json:"behavior"`
	Message   string `json:"message,omitempty"`
	Interrupt *bool  `json:"interrupt,omitempty"`
}

// ControlResponseIn is the CLI's answer to a control request we sent. The
// request id lives inside the response object, not on the envelope.
type ControlResponseIn struct {
	Subtype   string        `json:"subtype"`
	RequestID string        `json:"request_id"`
	Response  *InitResponse `json:"response,omitempty"`
	Error     string        `json:"error,omitempty"`
}

// InitResponse is the payload of a successful initialize response.
type InitResponse struct {
	Commands []SlashCommand `json:"commands,omitempty"`
	Agents   []string       `json:"agents,omitempty"`
}

// SlashCommand is one slash command the CLI advertises on initialize.
type SlashCommand struct {
	Name         string `json:"name"`
	Description  string `json:"description,omitempty"`
	ArgumentHint string `json:"argument_hint,omitempty"`
}

// UserMessage carries a prompt to the CLI.
type UserMessage struct {
	Type    string          `json:"type"`
	Message UserMessageBody `json:"message"`
}

// UserMessageBody holds the prompt content: a plain string, or a block list
// when the prompt carries images.
type UserMessageBody struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}
