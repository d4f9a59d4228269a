package agent

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/agentmesh/agentmesh/pkg/a2a"
	"github.com/agentmesh/agentmesh/pkg/llms"
)

// ExecutionContext is the in-memory mutable state of one task. The
// serializable fields round-trip through Snapshot/RestoreContext; everything
// else is transient and rebuilt fresh on restore.
//
// Mutations happen under the per-task lock. The lock is never held across
// I/O; callers copy what they need out, do the I/O, and write back.
type ExecutionContext struct {
	TaskID    string
	ContextID string

	// Originator routing, captured at intake.
	RPCID     string
	ReplyTo   string
	StatusTo  string
	ClientID  string
	Streaming bool

	// UserID is the security context of the originator. It rides the
	// checkpoint blob and outbound delegations but is never logged.
	UserID string

	mu sync.Mutex

	history           []llms.Message
	responseBuffer    []string
	producedArtifacts []a2a.Artifact
	artifactSignals   []a2a.Artifact
	invocationID      string
	usage             UsageTotals
	flags             map[string]any // per-task scratch, survives suspension

	// Transient. Freshly initialized on restore, never checkpointed.
	cancelled atomic.Bool
	terminal  atomic.Bool
	running   atomic.Bool
}

// UsageTotals accumulates token consumption across the turns of a task.
type UsageTotals struct {
	InputTokens       int                    `json:"input_tokens"`
	OutputTokens      int                    `json:"output_tokens"`
	CachedInputTokens int                    `json:"cached_input_tokens"`
	ByModel           map[string]*llms.Usage `json:"by_model,omitempty"`
	BySource          map[string]*llms.Usage `json:"by_source,omitempty"`
}

func (u *UsageTotals) add(usage *llms.Usage) {
	if usage == nil {
		return
	}
	u.InputTokens += usage.InputTokens
	u.OutputTokens += usage.OutputTokens
	u.CachedInputTokens += usage.CachedInputTokens
	if usage.Model != "" {
		if u.ByModel == nil {
			u.ByModel = make(map[string]*llms.Usage)
		}
		addUsageInto(u.ByModel, usage.Model, usage)
	}
	if usage.Source != "" {
		if u.BySource == nil {
			u.BySource = make(map[string]*llms.Usage)
		}
		addUsageInto(u.BySource, usage.Source, usage)
	}
}

func addUsageInto(m map[string]*llms.Usage, key string, usage *llms.Usage) {
	acc, ok := m[key]
	if !ok {
		acc = &llms.Usage{Model: usage.Model, Source: usage.Source}
		m[key] = acc
	}
	acc.InputTokens += usage.InputTokens
	acc.OutputTokens += usage.OutputTokens
	acc.CachedInputTokens += usage.CachedInputTokens
}

// contextSnapshot is the persisted form of an ExecutionContext.
type contextSnapshot struct {
	TaskID    string `json:"task_id"`
	ContextID string `json:"context_id"`
	RPCID     string `json:"rpc_id"`
	ReplyTo   string `json:"reply_to"`
	StatusTo  string `json:"status_to"`
	ClientID  string `json:"client_id"`
	UserID    string `json:"user_id"`
	Streaming bool   `json:"streaming"`

	History           []llms.Message `json:"history"`
	ResponseBuffer    []string       `json:"response_buffer,omitempty"`
	ProducedArtifacts []a2a.Artifact `json:"produced_artifacts,omitempty"`
	ArtifactSignals   []a2a.Artifact `json:"artifact_signals,omitempty"`
	InvocationID      string         `json:"invocation_id,omitempty"`
	Usage             UsageTotals    `json:"usage"`
	Flags             map[string]any `json:"flags,omitempty"`
}

// NewExecutionContext creates the context for a freshly accepted task.
func NewExecutionContext(taskID, contextID string) *ExecutionContext {
	return &ExecutionContext{TaskID: taskID, ContextID: contextID}
}

// Snapshot returns a deep-copied, JSON-safe map of the serializable state.
// Transient fields (cancellation signal, terminal flag, lock) are excluded;
// outstanding peer sub-tasks and parallel aggregates live in the checkpoint
// store tables, not here.
func (t *ExecutionContext) Snapshot() (map[string]any, error) {
	t.mu.Lock()
	var flags map[string]any
	if len(t.flags) > 0 {
		flags = make(map[string]any, len(t.flags))
		for k, v := range t.flags {
			flags[k] = v
		}
	}
	snap := contextSnapshot{
		TaskID:            t.TaskID,
		ContextID:         t.ContextID,
		RPCID:             t.RPCID,
		ReplyTo:           t.ReplyTo,
		StatusTo:          t.StatusTo,
		ClientID:          t.ClientID,
		UserID:            t.UserID,
		Streaming:         t.Streaming,
		History:           append([]llms.Message(nil), t.history...),
		ResponseBuffer:    append([]string(nil), t.responseBuffer...),
		ProducedArtifacts: append([]a2a.Artifact(nil), t.producedArtifacts...),
		ArtifactSignals:   append([]a2a.Artifact(nil), t.artifactSignals...),
		InvocationID:      t.invocationID,
		Usage:             t.usage,
		Flags:             flags,
	}
	t.mu.Unlock()

	// Round-trip through JSON so nested maps are isolated from the caller.
	blob, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize execution context: %w", err)
	}
	var state map[string]any
	if err := json.Unmarshal(blob, &state); err != nil {
		return nil, fmt.Errorf("failed to round-trip execution context: %w", err)
	}
	return state, nil
}

// RestoreContext rebuilds an ExecutionContext from a checkpointed state map.
// All transient fields start fresh. Peer sub-task and parallel invocation
// state is deliberately not rebuilt here: the checkpoint store tables are the
// source of truth for those.
func RestoreContext(state map[string]any) (*ExecutionContext, error) {
	blob, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("failed to re-encode checkpoint state: %w", err)
	}
	var snap contextSnapshot
	if err := json.Unmarshal(blob, &snap); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint state: %w", err)
	}
	if snap.TaskID == "" {
		return nil, fmt.Errorf("checkpoint state has no task_id")
	}
	return &ExecutionContext{
		TaskID:            snap.TaskID,
		ContextID:         snap.ContextID,
		RPCID:             snap.RPCID,
		ReplyTo:           snap.ReplyTo,
		StatusTo:          snap.StatusTo,
		ClientID:          snap.ClientID,
		UserID:            snap.UserID,
		Streaming:         snap.Streaming,
		history:           snap.History,
		responseBuffer:    snap.ResponseBuffer,
		producedArtifacts: snap.ProducedArtifacts,
		artifactSignals:   snap.ArtifactSignals,
		invocationID:      snap.InvocationID,
		usage:             snap.Usage,
		flags:             snap.Flags,
	}, nil
}

// AppendUser adds a user message to the conversation history.
func (t *ExecutionContext) AppendUser(content string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.history = append(t.history, llms.Message{Role: llms.RoleUser, Content: content})
}

// AppendAssistant records one model turn: its text and the tool calls it
// requested.
func (t *ExecutionContext) AppendAssistant(text string, calls []llms.ToolCall) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.history = append(t.history, llms.Message{
		Role:      llms.RoleAssistant,
		Content:   text,
		ToolCalls: append([]llms.ToolCall(nil), calls...),
	})
}

// AppendToolResult records the outcome of one tool call as a tool-role
// message.
func (t *ExecutionContext) AppendToolResult(callID, toolName string, content map[string]any) {
	encoded, err := json.Marshal(content)
	if err != nil {
		encoded = []byte(fmt.Sprintf(`{"status":"error","message":"unencodable tool result: %v"}`, err))
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.history = append(t.history, llms.Message{
		Role:       llms.RoleTool,
		Content:    string(encoded),
		ToolCallID: callID,
		ToolName:   toolName,
	})
}

// HistoryCopy returns the conversation history for a model call.
func (t *ExecutionContext) HistoryCopy() []llms.Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]llms.Message(nil), t.history...)
}

// PushResponse appends final-answer text from one turn to the run buffer.
func (t *ExecutionContext) PushResponse(text string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.responseBuffer = append(t.responseBuffer, text)
}

// ResponseText joins the buffered final-answer text.
func (t *ExecutionContext) ResponseText() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch len(t.responseBuffer) {
	case 0:
		return ""
	case 1:
		return t.responseBuffer[0]
	}
	var out string
	for i, s := range t.responseBuffer {
		if i > 0 {
			out += "\n\n"
		}
		out += s
	}
	return out
}

// AddArtifact records a produced artifact and queues its update event.
func (t *ExecutionContext) AddArtifact(art a2a.Artifact) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.producedArtifacts = append(t.producedArtifacts, art)
	t.artifactSignals = append(t.artifactSignals, art)
}

// Artifacts returns the produced artifact list.
func (t *ExecutionContext) Artifacts() []a2a.Artifact {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]a2a.Artifact(nil), t.producedArtifacts...)
}

// DrainArtifactSignals returns the pending artifact-update events and clears
// the queue.
func (t *ExecutionContext) DrainArtifactSignals() []a2a.Artifact {
	t.mu.Lock()
	defer t.mu.Unlock()
	signals := t.artifactSignals
	t.artifactSignals = nil
	return signals
}

// SetFlag records a per-task scratch value. Flags ride the checkpoint blob,
// so values must be JSON-serializable.
func (t *ExecutionContext) SetFlag(key string, value any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.flags == nil {
		t.flags = make(map[string]any)
	}
	t.flags[key] = value
}

// Flag returns a scratch value set by SetFlag.
func (t *ExecutionContext) Flag(key string) (any, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.flags[key]
	return v, ok
}

// SetInvocationID records the correlation id of the current tool fan-out.
func (t *ExecutionContext) SetInvocationID(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.invocationID = id
}

// AddUsage accumulates token usage from one model call.
func (t *ExecutionContext) AddUsage(usage *llms.Usage) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.usage.add(usage)
}

// Usage returns the accumulated token totals.
func (t *ExecutionContext) Usage() UsageTotals {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.usage
}

// Cancel sets the cooperative cancellation signal.
func (t *ExecutionContext) Cancel() {
	t.cancelled.Store(true)
}

// Cancelled reports whether cancellation was requested.
func (t *ExecutionContext) Cancelled() bool {
	return t.cancelled.Load()
}

// BeginTerminal marks the task terminal. It returns true exactly once; the
// winner publishes the terminal response, everyone else stands down. Status
// emission is disabled from this point on.
func (t *ExecutionContext) BeginTerminal() bool {
	return t.terminal.CompareAndSwap(false, true)
}

// Terminal reports whether the task has begun its terminal transition.
func (t *ExecutionContext) Terminal() bool {
	return t.terminal.Load()
}
