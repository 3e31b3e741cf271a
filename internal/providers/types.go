// Package providers implements LLM provider clients behind a common
// chat interface. All providers speak the OpenAI chat-completions wire
// format; provider-specific quirks are handled in thin wrappers.
package providers

import "context"

// Message is a single chat message in provider-neutral form.
type Message struct {
	Role       string     `json:"role"` // "system", "user", "assistant", "tool"
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`   // assistant messages
	ToolCallID string     `json:"tool_call_id,omitempty"` // tool result messages
}

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	ID        string                 `json:"id"`
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments"`
}

// ToolDefinition describes a callable tool in OpenAI function format.
type ToolDefinition struct {
	Type     string             `json:"type"` // always "function"
	Function ToolFunctionSchema `json:"function"`
}

// ToolFunctionSchema is the function half of a tool definition.
type ToolFunctionSchema struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters"`
}

// ChatRequest is a provider-neutral chat completion request.
type ChatRequest struct {
	Model    string           `json:"model,omitempty"` // empty = provider default
	Messages []Message        `json:"messages"`
	Tools    []ToolDefinition `json:"tools,omitempty"`

	// Options carries provider pass-through settings (max_tokens,
	// temperature, top_p).
	Options map[string]interface{} `json:"options,omitempty"`
}

// Usage reports token consumption for one completion.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ChatResponse is the provider-neutral completion result.
type ChatResponse struct {
	Content      string     `json:"content"`
	Thinking     string     `json:"thinking,omitempty"` // reasoning content when the model emits it
	ToolCalls    []ToolCall `json:"tool_calls,omitempty"`
	FinishReason string     `json:"finish_reason,omitempty"`
	Model        string     `json:"model,omitempty"`
	Usage        Usage      `json:"usage"`
}

// StreamChunk is one incremental delta from a streaming completion.
// Exactly one of Content/Thinking is set per chunk; Done marks the end
// of the stream.
type StreamChunk struct {
	Content  string
	Thinking string
	Done     bool
}

// Provider is an LLM backend. ChatStream must return the fully
// assembled response after the stream ends so callers can run tool
// loops without re-reading chunks.
type Provider interface {
	Name() string
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)
	ChatStream(ctx context.Context, req ChatRequest, onChunk func(StreamChunk)) (*ChatResponse, error)
}
