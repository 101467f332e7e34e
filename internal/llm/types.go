// Package llm defines the model provider interface and related types.
// Providers are interchangeable behind Provider; the session driver only sees
// messages, tool schemas and tool calls.
package llm

import (
	"context"
	"encoding/json"
)

// Role constants for Message.Role.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// StopReason describes why the model stopped generating.
const (
	StopReasonEndTurn   = "end_turn"
	StopReasonToolUse   = "tool_use"
	StopReasonMaxTokens = "max_tokens"
)

// ToolUse represents a tool call requested by the model.
type ToolUse struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// ToolResult is the result returned to the model after executing a tool.
type ToolResult struct {
	ToolUseID string `json:"tool_use_id"`
	Name      string `json:"name"`
	Content   string `json:"content"`
	IsError   bool   `json:"is_error,omitempty"`
}

// Message is a single turn in the conversation. An assistant turn may carry
// text and tool uses; a user turn carries either text or tool results.
type Message struct {
	Role        string       `json:"role"`
	Content     string       `json:"content,omitempty"`
	ToolUses    []ToolUse    `json:"tool_uses,omitempty"`
	ToolResults []ToolResult `json:"tool_results,omitempty"`
}

// ToolSchema describes a tool's interface for the model.
type ToolSchema struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"` // JSON Schema object
}

// CompletionRequest is the input to a provider's Complete call.
type CompletionRequest struct {
	Messages     []Message
	SystemPrompt string
	Tools        []ToolSchema
	MaxTokens    int
	Temperature  float64
	Model        string // override provider default if set
}

// CompletionResponse is returned by Complete.
type CompletionResponse struct {
	Text         string
	StopReason   string
	ToolUses     []ToolUse
	InputTokens  int
	OutputTokens int
}

// Provider is the core abstraction for language model backends.
type Provider interface {
	// Complete sends a completion request and waits for the full response.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// Name identifies the backend in logs and errors.
	Name() string

	// ModelID returns the default model identifier.
	ModelID() string
}

// UserMessage creates a plain text user turn.
func UserMessage(text string) Message {
	return Message{Role: RoleUser, Content: text}
}

// AssistantMessage records a model response so it can be replayed as history.
func AssistantMessage(resp *CompletionResponse) Message {
	return Message{
		Role:     RoleAssistant,
		Content:  resp.Text,
		ToolUses: resp.ToolUses,
	}
}

// ToolResultMessage creates a user turn carrying the results of one assistant turn's tool calls.
func ToolResultMessage(results ...ToolResult) Message {
	return Message{Role: RoleUser, ToolResults: results}
}
