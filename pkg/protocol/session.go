package protocol

// Session update kinds, the discriminator values of the SessionUpdate union.
const (
	UpdateUserMessageChunk        = "user_message_chunk"
	UpdateAgentMessageChunk       = "agent_message_chunk"
	UpdateAgentThoughtChunk       = "agent_thought_chunk"
	UpdateToolCall                = "tool_call"
	UpdateToolCallUpdate          = "tool_call_update"
	UpdatePlan                    = "plan"
	UpdateAvailableCommandsUpdate = "available_commands_update"
	UpdateCurrentModeUpdate       = "current_mode_update"
)

// Tool kinds categorize what a tool call does.
const (
	ToolKindRead       = "read"
	ToolKindEdit       = "edit"
	ToolKindDelete     = "delete"
	ToolKindMove       = "move"
	ToolKindSearch     = "search"
	ToolKindExecute    = "execute"
	ToolKindThink      = "think"
	ToolKindFetch      = "fetch"
	ToolKindSwitchMode = "switch_mode"
	ToolKindOther      = "other"
)

// Tool call statuses.
const (
	ToolStatusPending    = "pending"
	ToolStatusInProgress = "in_progress"
	ToolStatusCompleted  = "completed"
	ToolStatusFailed     = "failed"
)

// Stop reasons carried on the terminal prompt response.
const (
	StopEndTurn         = "end_turn"
	StopMaxTokens       = "max_tokens"
	StopMaxTurnRequests = "max_turn_requests"
	StopRefusal         = "refusal"
	StopCancelled       = "cancelled"
)

// Plan entry priorities.
const (
	PlanPriorityHigh   = "high"
	PlanPriorityMedium = "medium"
	PlanPriorityLow    = "low"
)

// SessionUpdate is the tagged union delivered via the sessionUpdate
// notification. Kind selects which payload field is populated.
type SessionUpdate struct {
	Kind string `json:"sessionUpdate"`

	// For user_message_chunk, agent_message_chunk, agent_thought_chunk
	Content *ContentBlock `json:"content,omitempty"`

	// For tool_call
	ToolCall *ToolCall `json:"toolCall,omitempty"`

	// For tool_call_update
	ToolCallUpdate *ToolCallUpdate `json:"toolCallUpdate,omitempty"`

	// For plan
	Plan []PlanEntry `json:"entries,omitempty"`

	// For available_commands_update
	AvailableCommands []AvailableCommand `json:"availableCommands,omitempty"`

	// For current_mode_update
	CurrentModeID string `json:"currentModeId,omitempty"`
}

// SessionNotification scopes a SessionUpdate to a session.
type SessionNotification struct {
	SessionID string        `json:"sessionId"`
	Update    SessionUpdate `json:"update"`
}

// ToolCall reports a tool invocation started by the backend.
type ToolCall struct {
	ToolCallID string            `json:"toolCallId"`
	Title      string            `json:"title"`
	Kind       string            `json:"kind,omitempty"`
	Status     string            `json:"status,omitempty"`
	Locations  []ToolCallLocation `json:"locations,omitempty"`
	Content    []ToolCallContent `json:"content,omitempty"`
	RawInput   map[string]any    `json:"rawInput,omitempty"`
}

// ToolCallUpdate carries a partial update to an existing tool call. Every
// field except the id is optional; absent fields mean "unchanged".
type ToolCallUpdate struct {
	ToolCallID string             `json:"toolCallId"`
	Title      *string            `json:"title,omitempty"`
	Kind       *string            `json:"kind,omitempty"`
	Status     *string            `json:"status,omitempty"`
	Locations  []ToolCallLocation `json:"locations,omitempty"`
	Content    []ToolCallContent  `json:"content,omitempty"`
	RawOutput  any                `json:"rawOutput,omitempty"`
}

// ToolCallLocation points at a file the tool touches.
type ToolCallLocation struct {
	Path string `json:"path"`
	Line *int   `json:"line,omitempty"`
}

// ToolCallContent is the sub-union of tool call payloads: either a wrapped
// content block or a diff.
type ToolCallContent struct {
	Type string `json:"type"` // "content" or "diff"

	// For type "content"
	Content *ContentBlock `json:"content,omitempty"`

	// For type "diff"
	Path    string  `json:"path,omitempty"`
	OldText *string `json:"oldText,omitempty"`
	NewText string  `json:"newText,omitempty"`
}

// ContentToolContent wraps a content block as tool call content.
func ContentToolContent(block ContentBlock) ToolCallContent {
	return ToolCallContent{Type: "content", Content: &block}
}

// DiffToolContent builds diff-typed tool call content.
func DiffToolContent(path string, oldText *string, newText string) ToolCallContent {
	return ToolCallContent{Type: "diff", Path: path, OldText: oldText, NewText: newText}
}

// PlanEntry is one entry of the backend's execution plan.
type PlanEntry struct {
	Content  string `json:"content"`
	Status   string `json:"status"`   // "pending", "in_progress", "completed"
	Priority string `json:"priority"` // defaults to "medium"
}

// AvailableCommand describes a slash command the backend advertises.
type AvailableCommand struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Input       string `json:"input,omitempty"`
}

// PromptResponse is the terminal result of a session/prompt call.
type PromptResponse struct {
	StopReason string `json:"stopReason"`
}

// UsageUpdate surfaces backend token totals after a turn.
type UsageUpdate struct {
	SessionID    string `json:"sessionId"`
	InputTokens  int64  `json:"inputTokens"`
	OutputTokens int64  `json:"outputTokens"`
	TotalTokens  int64  `json:"totalTokens"`
	CostUSD      float64 `json:"costUsd,omitempty"`
}

// ModelInfo describes a model the backend can run.
type ModelInfo struct {
	ModelID     string `json:"modelId"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// ModeInfo describes a permission mode the backend supports.
type ModeInfo struct {
	ModeID      string `json:"modeId"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}
