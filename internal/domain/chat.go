package domain

// Chat turn roles sent to a model. RoleTool only exists inside a context window.
const RoleTool = "tool"

// ChatTurn is the provider-agnostic message shape handed to model integrations.
type ChatTurn struct {
	Role       string
	Content    string
	ToolCalls  []ToolCall
	ToolCallID string
	Name       string
}

// ToolCall is one decoded request to run a named tool.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// ToolResult is the stored outcome of one tool call, positionally matched to
// the assistant message's tool calls.
type ToolResult struct {
	ToolCallID string         `json:"tool_call_id,omitempty"`
	Name       string         `json:"name"`
	Success    bool           `json:"success"`
	Result     map[string]any `json:"result,omitempty"`
	Error      string         `json:"error,omitempty"`
}

// ToolDefinition describes one tool in the catalog offered to the model.
// Parameters is a JSON schema object.
type ToolDefinition struct {
	Name        string
	Description string
	Parameters  map[string]any
}
