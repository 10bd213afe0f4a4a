package llm

import "log/slog"

// LevelTrace logs raw provider payloads, below debug.
const LevelTrace = slog.Level(-8)

// Roles a Message may carry.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is one entry of the conversation sent to a model. Tool
// results use RoleTool and name the call they answer in ToolCallID.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// ToolCall is an action the model asked to run. ID is empty for
// providers that do not assign one.
type ToolCall struct {
	ID       string       `json:"id,omitempty"`
	Function ToolFunction `json:"function"`
}

// ToolFunction names the action and its decoded arguments.
type ToolFunction struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// ChatResponse is one model turn, normalized across providers.
type ChatResponse struct {
	Model   string
	Message Message
	// StopReason is the provider's reason for ending the turn, such as
	// end_turn, tool_use, max_tokens or stop. Empty when unreported.
	StopReason string

	InputTokens  int
	OutputTokens int
}

// StreamCallback receives text as it is generated, in order.
type StreamCallback func(token string)
