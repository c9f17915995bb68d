package protocol

// Permission option kinds.
const (
	OptionAllowOnce    = "allow_once"
	OptionAllowAlways  = "allow_always"
	OptionRejectOnce   = "reject_once"
	OptionRejectAlways = "reject_always"
)

// Permission request outcomes.
const (
	OutcomeCancelled = "cancelled"
	OutcomeSelected  = "selected"
)

// PermissionOption is one named choice presented to the caller.
type PermissionOption struct {
	OptionID string `json:"optionId"`
	Name     string `json:"name"`
	Kind     string `json:"kind"`
}

// RequestPermissionRequest asks the client to decide on a pending tool call.
type RequestPermissionRequest struct {
	SessionID string             `json:"sessionId"`
	ToolCall  ToolCallUpdate     `json:"toolCall"`
	Options   []PermissionOption `json:"options"`
}

// RequestPermissionOutcome is the tagged outcome of a permission request:
// either cancelled or a selected option id.
type RequestPermissionOutcome struct {
	Outcome  string `json:"outcome"`
	OptionID string `json:"optionId,omitempty"`
}

// RequestPermissionResponse is the client's answer.
type RequestPermissionResponse struct {
	Outcome RequestPermissionOutcome `json:"outcome"`
}
