package a2a

import (
	"strings"

	"github.com/google/uuid"
)

// Metadata keys carried on delegation messages.
const (
	MetadataAgentName    = "agent_name"
	MetadataParentTaskID = "parentTaskId"
)

// NewUserMessage builds a user-role message from parts.
func NewUserMessage(parts ...Part) Message {
	return Message{
		Kind:      KindMessage,
		MessageID: uuid.NewString(),
		Role:      MessageRoleUser,
		Parts:     parts,
	}
}

// NewAgentMessage builds an agent-role message from parts.
func NewAgentMessage(parts ...Part) Message {
	return Message{
		Kind:      KindMessage,
		MessageID: uuid.NewString(),
		Role:      MessageRoleAgent,
		Parts:     parts,
	}
}

// Text concatenates all text parts of the message.
func (m *Message) Text() string {
	var sb strings.Builder
	for _, p := range m.Parts {
		if p.Kind == PartKindText {
			sb.WriteString(p.Text)
		}
	}
	return sb.String()
}

// Data returns the first data part of the message, or nil.
func (m *Message) Data() map[string]any {
	for _, p := range m.Parts {
		if p.Kind == PartKindData {
			return p.Data
		}
	}
	return nil
}

// AgentName returns the target agent name from message metadata, or "".
func (m *Message) AgentName() string {
	if v, ok := m.Metadata[MetadataAgentName].(string); ok {
		return v
	}
	return ""
}

// ParentTaskID returns the delegating task id from message metadata, or "".
func (m *Message) ParentTaskID() string {
	if v, ok := m.Metadata[MetadataParentTaskID].(string); ok {
		return v
	}
	return ""
}

// NewWorkingStatus builds a non-final status-update event carrying a text chunk.
func NewWorkingStatus(taskID, contextID, text string) StatusUpdateEvent {
	msg := NewAgentMessage(TextPart(text))
	msg.TaskID = taskID
	msg.ContextID = contextID
	return StatusUpdateEvent{
		Kind:      KindStatusUpdate,
		TaskID:    taskID,
		ContextID: contextID,
		Final:     false,
		Status: TaskStatus{
			State:     TaskStateWorking,
			Message:   &msg,
			Timestamp: Now(),
		},
	}
}

// NewTaskResult builds a terminal task result.
func NewTaskResult(taskID, contextID string, state TaskState, message *Message, artifacts []Artifact) Task {
	return Task{
		Kind:      KindTask,
		ID:        taskID,
		ContextID: contextID,
		Status: TaskStatus{
			State:     state,
			Message:   message,
			Timestamp: Now(),
		},
		Artifacts: artifacts,
	}
}
