// Package a2a implements the Agent-to-Agent (A2A) protocol model used on the
// mesh: JSON-RPC 2.0 envelopes, messages, tasks, streaming events and agent
// cards, exchanged over namespaced broker topics.
package a2a

import (
	"time"
)

const (
	// ProtocolVersion is the topic-level protocol version segment.
	ProtocolVersion = "v1"
)

// ============================================================================
// RPC METHODS
// ============================================================================

const (
	MethodMessageSend   = "message/send"
	MethodMessageStream = "message/stream"
	MethodTasksCancel   = "tasks/cancel"
)

// ============================================================================
// USER PROPERTIES
// Broker-level metadata attached to every published message.
// ============================================================================

const (
	PropReplyTo  = "replyTo"  // topic for the terminal response
	PropStatusTo = "statusTo" // topic for streaming status events
	PropClientID = "clientId"
	PropUserID   = "userId"
)

// ============================================================================
// MESSAGE - Conversation Messages
// ============================================================================

// Message represents a message exchanged between agents and users.
type Message struct {
	Kind      string         `json:"kind"` // always "message"
	MessageID string         `json:"messageId"`
	Role      MessageRole    `json:"role"`
	Parts     []Part         `json:"parts"`
	TaskID    string         `json:"taskId,omitempty"`
	ContextID string         `json:"contextId,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// MessageRole represents the role of a message sender.
type MessageRole string

const (
	MessageRoleUser  MessageRole = "user"
	MessageRoleAgent MessageRole = "agent"
)

// Part represents a part of a message (union type, discriminated by Kind).
type Part struct {
	Kind PartKind `json:"kind"` // "text", "data", "file"

	Text string `json:"text,omitempty"`

	Data map[string]any `json:"data,omitempty"`

	File *FilePart `json:"file,omitempty"`
}

// PartKind represents the type of message part.
type PartKind string

const (
	PartKindText PartKind = "text"
	PartKindData PartKind = "data"
	PartKindFile PartKind = "file"
)

// FilePart references file content by name or inline bytes.
type FilePart struct {
	Name     string `json:"name"`
	MimeType string `json:"mimeType,omitempty"`
	Bytes    []byte `json:"bytes,omitempty"`
	URI      string `json:"uri,omitempty"`
}

// TextPart builds a text part.
func TextPart(text string) Part {
	return Part{Kind: PartKindText, Text: text}
}

// DataPart builds a structured data part.
func DataPart(data map[string]any) Part {
	return Part{Kind: PartKindData, Data: data}
}

// ============================================================================
// TASK - Unit of Work
// ============================================================================

// Task is the terminal result object for a unit of agent work.
type Task struct {
	Kind      string         `json:"kind"` // always "task"
	ID        string         `json:"id"`
	ContextID string         `json:"contextId"`
	Status    TaskStatus     `json:"status"`
	Artifacts []Artifact     `json:"artifacts,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// TaskStatus represents the status of a task.
type TaskStatus struct {
	State     TaskState `json:"state"`
	Message   *Message  `json:"message,omitempty"`
	Timestamp string    `json:"timestamp"` // RFC 3339
}

// TaskState represents the lifecycle state of a task.
type TaskState string

const (
	TaskStateSubmitted TaskState = "submitted"
	TaskStateWorking   TaskState = "working"
	TaskStateCompleted TaskState = "completed"
	TaskStateFailed    TaskState = "failed"
	TaskStateCanceled  TaskState = "canceled"
)

// IsTerminal reports whether the state admits no further transitions.
func (s TaskState) IsTerminal() bool {
	switch s {
	case TaskStateCompleted, TaskStateFailed, TaskStateCanceled:
		return true
	}
	return false
}

// Now returns the current time formatted for TaskStatus.Timestamp.
func Now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

// ============================================================================
// STREAMING EVENTS
// ============================================================================

// StatusUpdateEvent is a non-final streaming update for a running task.
type StatusUpdateEvent struct {
	Kind      string     `json:"kind"` // always "status-update"
	TaskID    string     `json:"task_id"`
	ContextID string     `json:"context_id"`
	Final     bool       `json:"final"`
	Status    TaskStatus `json:"status"`
}

// ArtifactUpdateEvent announces an artifact produced by a task.
type ArtifactUpdateEvent struct {
	Kind      string   `json:"kind"` // always "artifact-update"
	TaskID    string   `json:"task_id"`
	ContextID string   `json:"context_id"`
	Artifact  Artifact `json:"artifact"`
}

const (
	KindMessage        = "message"
	KindTask           = "task"
	KindStatusUpdate   = "status-update"
	KindArtifactUpdate = "artifact-update"
)

// Artifact describes one versioned output file of a task.
type Artifact struct {
	Filename  string `json:"filename"`
	Version   int    `json:"version"`
	MimeType  string `json:"mime_type,omitempty"`
	SizeBytes int64  `json:"size_bytes,omitempty"`
}

// ============================================================================
// RPC METHOD PARAMETERS
// ============================================================================

// MessageSendParams are the parameters for message/send and message/stream.
type MessageSendParams struct {
	Message Message `json:"message"`
}

// TaskCancelParams are the parameters for tasks/cancel.
type TaskCancelParams struct {
	TaskID string `json:"taskId"`
	Reason string `json:"reason,omitempty"`
}

// ============================================================================
// AGENT CARD - Discovery & Capability Advertisement
// ============================================================================

// AgentCard is the self-description an agent publishes on the discovery topic.
type AgentCard struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Version     string          `json:"version,omitempty"`
	Skills      []AgentSkill    `json:"skills,omitempty"`
	Tools       []ToolSignature `json:"tools,omitempty"`
}

// AgentSkill describes a capability the agent advertises.
type AgentSkill struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Tags        []string `json:"tags,omitempty"`
}

// ToolSignature describes one callable tool for peer delegation catalogs.
type ToolSignature struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}
