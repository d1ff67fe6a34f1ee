// Package providers defines the model-invocation boundary for worker pods.
//
// Transport to actual model providers lives outside this repo; embedders
// register Caller implementations per provider name. This package supplies
// the shared request/response types, error classification used to decide
// whether a failed call may move to a fallback model, and a scripted caller
// for tests.
package providers

import (
	"context"
	"encoding/json"
	"time"
)

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is one turn of model context.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`

	// ToolCallID links a tool-role message to the call it answers.
	ToolCallID string `json:"tool_call_id,omitempty"`

	// Name is the tool name for tool-role messages.
	Name string `json:"name,omitempty"`
}

// ToolDescriptor describes a tool offered to the model.
type ToolDescriptor struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

// Usage reports token consumption for one call.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// TotalTokens returns input plus output tokens.
func (u Usage) TotalTokens() int {
	return u.InputTokens + u.OutputTokens
}

// Request is a single model invocation.
type Request struct {
	Provider    string           `json:"provider"`
	Model       string           `json:"model"`
	System      string           `json:"system,omitempty"`
	Messages    []Message        `json:"messages"`
	Temperature float64          `json:"temperature"`
	MaxTokens   int              `json:"max_tokens,omitempty"`
	Tools       []ToolDescriptor `json:"tools,omitempty"`
}

// Response is the model's reply. A response with ToolCalls expects the
// caller to execute them and continue the conversation with tool-role
// messages.
type Response struct {
	Content   string        `json:"content"`
	ToolCalls []ToolCall    `json:"tool_calls,omitempty"`
	Usage     Usage         `json:"usage"`
	Model     string        `json:"model,omitempty"`
	Latency   time.Duration `json:"latency,omitempty"`
}

// Caller invokes one model provider. Implementations own transport,
// authentication and streaming; the engine only sees the final response.
type Caller interface {
	Call(ctx context.Context, req Request) (*Response, error)
}

// Candidate is one (provider, model) pair in a fallback chain.
type Candidate struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
}
