package domain

// Message represents a chat message.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	Name       string     `json:"name,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// ToolCall represents a tool call made by the assistant.
type ToolCall struct {
	ID       string           `json:"id"`
	Type     string           `json:"type"` // "function"
	Function ToolCallFunction `json:"function"`
}

// ToolCallFunction represents the function details in a tool call.
type ToolCallFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"` // JSON string
}

// ToolDefinition represents a tool that the model can call.
type ToolDefinition struct {
	Type     string      `json:"type"`
	Function FunctionDef `json:"function"`
}

// FunctionDef describes the function signature.
type FunctionDef struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Parameters  any    `json:"parameters"` // JSON Schema
}

// ChatRequest is the dialect-neutral request handed to an upstream client.
type ChatRequest struct {
	Model       string           `json:"model"`
	Messages    []Message        `json:"messages"`
	Tools       []ToolDefinition `json:"tools,omitempty"`
	Temperature *float64         `json:"temperature,omitempty"`
	MaxTokens   int              `json:"max_tokens,omitempty"`

	// RequestID is forwarded upstream as the correlation header.
	RequestID string `json:"-"`

	// UserAgent is forwarded upstream when set.
	UserAgent string `json:"-"`
}

// Usage represents token usage.
type Usage struct {
	PromptTokens     int  `json:"prompt_tokens,omitempty"`
	CompletionTokens int  `json:"completion_tokens"`
	TotalTokens      int  `json:"total_tokens,omitempty"`
	Estimated        bool `json:"estimated,omitempty"`
}

// Completion is a non-streaming upstream reply.
type Completion struct {
	Model        string
	Content      string
	ToolCalls    []ToolCall
	FinishReason string
	Usage        *Usage
}

// Delta is one item of an upstream stream. Exactly one of Content,
// ToolCall, Usage, Done, or Err is meaningful per delta.
type Delta struct {
	Content  string
	ToolCall *ToolCall
	Usage    *Usage
	Done     bool
	Err      error
}
