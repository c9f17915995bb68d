package protocol

import "encoding/json"

// Client-to-adapter methods, gated by the capability registry.
const (
	MethodInitialize    = "initialize"
	MethodListModels    = "session/list_models"
	MethodListModes     = "session/list_modes"
	MethodNewSession    = "session/new"
	MethodResumeSession = "session/resume"
	MethodPrompt        = "session/prompt"
	MethodSetModel      = "session/set_model"
	MethodSetMode       = "session/set_mode"
	MethodCancelSession = "session/cancel"
	MethodCloseSession  = "session/close"
	MethodListCommands  = "session/list_commands"
	MethodUsageSnapshot = "usage/snapshot"
)

// Adapter-to-client methods and notifications.
const (
	MethodRequestPermission = "session/request_permission"
	NotifySessionUpdate     = "session/update"
	NotifyUsageUpdate       = "session/usage_update"
	NotifyTitleGenerated    = "session/title_generated"
	NotifyError             = "session/error"
)

// InitializeRequest carries the client's protocol handshake.
type InitializeRequest struct {
	ProtocolVersion int         `json:"protocolVersion"`
	ClientInfo      *ClientInfo `json:"clientInfo,omitempty"`
}

// ClientInfo identifies the connecting client.
type ClientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// InitializeResponse advertises the adapter's negotiated capabilities.
type InitializeResponse struct {
	ProtocolVersion int          `json:"protocolVersion"`
	AgentInfo       AgentInfo    `json:"agentInfo"`
	Capabilities    Capabilities `json:"capabilities"`
}

// AgentInfo identifies the backend binding behind the adapter.
type AgentInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Capabilities is the four-way capability partition declared per backend
// binding, immutable for the binding's lifetime.
type Capabilities struct {
	SessionOps    []string `json:"sessionOps"`
	AuthOps       []string `json:"authOps"`
	PromptContent []string `json:"promptContent"`
	UtilityOps    []string `json:"utilityOps"`
}

// NewSessionRequest creates a session.
type NewSessionRequest struct {
	Cwd     string `json:"cwd,omitempty"`
	ModeID  string `json:"modeId,omitempty"`
	ModelID string `json:"modelId,omitempty"`
}

// NewSessionResponse returns the new session id and the backend's advertised
// models and modes.
type NewSessionResponse struct {
	SessionID string      `json:"sessionId"`
	Models    []ModelInfo `json:"models,omitempty"`
	Modes     []ModeInfo  `json:"modes,omitempty"`
}

// ResumeSessionRequest resumes a previously created session.
type ResumeSessionRequest struct {
	SessionID string `json:"sessionId"`
	Cwd       string `json:"cwd,omitempty"`
}

// PromptRequest drives one turn of a session.
type PromptRequest struct {
	SessionID string         `json:"sessionId"`
	Prompt    []ContentBlock `json:"prompt"`
}

// SessionRequest addresses an existing session.
type SessionRequest struct {
	SessionID string `json:"sessionId"`
}

// SetModelRequest switches the session's model.
type SetModelRequest struct {
	SessionID string `json:"sessionId"`
	ModelID   string `json:"modelId"`
}

// SetModeRequest switches the session's permission mode.
type SetModeRequest struct {
	SessionID string `json:"sessionId"`
	ModeID    string `json:"modeId"`
}

// ListModelsResponse lists the backend's advertised models.
type ListModelsResponse struct {
	Models []ModelInfo `json:"models"`
}

// ListModesResponse lists the backend's advertised permission modes.
type ListModesResponse struct {
	Modes []ModeInfo `json:"modes"`
}

// ListCommandsResponse lists the backend's advertised slash commands.
type ListCommandsResponse struct {
	Commands []AvailableCommand `json:"commands"`
}

// UsageSnapshotResponse reports account-level usage limits read from the
// backend's own tooling, independent of any session.
type UsageSnapshotResponse struct {
	SessionPercent int    `json:"sessionPercent"`
	WeekPercent    int    `json:"weekPercent"`
	ResetsAt       string `json:"resetsAt,omitempty"`
	Raw            string `json:"raw,omitempty"`
}

// ErrorNotification surfaces a non-fatal session-scoped error to the client.
type ErrorNotification struct {
	SessionID string `json:"sessionId,omitempty"`
	Message   string `json:"message"`
	Data      any    `json:"data,omitempty"`
}

// TitleGeneratedNotification carries a generated conversation title.
type TitleGeneratedNotification struct {
	SessionID string `json:"sessionId"`
	Title     string `json:"title"`
}

// DecodeParams unmarshals request params into the given value.
func DecodeParams(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, v)
}
