// Package llm provides unified chat types and protocol adapters for
// the model backends. The conversation loop works with one message
// shape; each adapter translates to its wire format at the boundary.
package llm

import "context"

// Message roles used across both backends.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is a single conversation message in the unified format.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`

	// ToolCalls is set on assistant messages that request tool use.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`

	// ToolCallID and Name are set on tool messages carrying results.
	ToolCallID string `json:"tool_call_id,omitempty"`
	Name       string `json:"name,omitempty"`
}

// ToolCall is a single tool invocation requested by the model.
type ToolCall struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

// ChatRequest carries one model round trip. Tools is in the backend's
// native format (chat-completions tool specs or Gemini function
// declarations); callers obtain it from the registry.
type ChatRequest struct {
	Model    string
	System   string
	Messages []Message
	Tools    []map[string]any
}

// ChatResponse is the unified model reply. A reply either carries
// final Content or one or more ToolCalls.
type ChatResponse struct {
	Content   string
	ToolCalls []ToolCall
}

// Backend is a chat model backend capable of tool calling.
type Backend interface {
	// Chat sends the conversation and returns the model's reply.
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)
}
