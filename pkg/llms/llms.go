// Package llms defines the LLM client boundary the agent core consumes.
//
// The mesh treats inference as an external collaborator: the core only needs
// a streaming invoke call that yields text deltas, tool calls and token
// usage. Provider implementations live outside this repository.
package llms

import (
	"context"
)

// Client is the inference boundary. Implementations must be safe for
// concurrent use by multiple workers.
type Client interface {
	// Invoke starts one model turn and returns a stream of chunks. The
	// channel is closed when the turn ends. A chunk with a non-nil Err
	// terminates the stream; partial output before it must be discarded
	// by the caller.
	Invoke(ctx context.Context, req *Request) (<-chan Chunk, error)
}

// Request describes one model turn.
type Request struct {
	System   string
	Messages []Message
	Tools    []ToolDefinition
}

// Role identifies the author of a conversation message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one entry of the conversation history sent to the model.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content,omitempty"`

	// ToolCalls carries the calls an assistant message requested.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`

	// ToolCallID and ToolName identify the call a tool-role message answers.
	ToolCallID string `json:"tool_call_id,omitempty"`
	ToolName   string `json:"tool_name,omitempty"`
}

// ToolCall is one tool invocation requested by the model.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// ToolDefinition advertises a callable tool to the model.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// ChunkType discriminates streamed chunks.
type ChunkType string

const (
	ChunkTypeText     ChunkType = "text"
	ChunkTypeToolCall ChunkType = "tool_call"
	ChunkTypeUsage    ChunkType = "usage"
	ChunkTypeError    ChunkType = "error"
)

// Chunk is one streamed unit of a model turn.
type Chunk struct {
	Type     ChunkType
	Text     string
	ToolCall *ToolCall
	Usage    *Usage
	Err      error
}

// Usage reports token consumption for one model call.
type Usage struct {
	Model             string `json:"model,omitempty"`
	Source            string `json:"source,omitempty"`
	InputTokens       int    `json:"input_tokens"`
	OutputTokens      int    `json:"output_tokens"`
	CachedInputTokens int    `json:"cached_input_tokens"`
}
