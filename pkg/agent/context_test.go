package agent

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmesh/agentmesh/pkg/a2a"
	"github.com/agentmesh/agentmesh/pkg/llms"
)

func populatedContext() *ExecutionContext {
	tec := NewExecutionContext("task-1", "ctx-1")
	tec.RPCID = "rpc-1"
	tec.ReplyTo = "gw/reply"
	tec.StatusTo = "gw/status"
	tec.ClientID = "client-1"
	tec.UserID = "user-1"
	tec.Streaming = true
	tec.AppendUser("What is 2+2?")
	tec.AppendAssistant("", []llms.ToolCall{{ID: "call-1", Name: "add", Arguments: map[string]any{"a": 2.0, "b": 2.0}}})
	tec.AppendToolResult("call-1", "add", map[string]any{"status": "success", "text": "4"})
	tec.PushResponse("the answer is 4")
	tec.AddArtifact(a2a.Artifact{Filename: "out.txt", Version: 1})
	tec.SetInvocationID("inv-1")
	tec.AddUsage(&llms.Usage{Model: "gpt-test", Source: "openai", InputTokens: 10, OutputTokens: 5})
	tec.SetFlag("budget", 2.0)
	return tec
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	tec := populatedContext()

	state, err := tec.Snapshot()
	require.NoError(t, err)

	restored, err := RestoreContext(state)
	require.NoError(t, err)

	assert.Equal(t, tec.TaskID, restored.TaskID)
	assert.Equal(t, tec.ContextID, restored.ContextID)
	assert.Equal(t, tec.RPCID, restored.RPCID)
	assert.Equal(t, tec.ReplyTo, restored.ReplyTo)
	assert.Equal(t, tec.StatusTo, restored.StatusTo)
	assert.Equal(t, tec.ClientID, restored.ClientID)
	assert.Equal(t, tec.UserID, restored.UserID)
	assert.Equal(t, tec.Streaming, restored.Streaming)
	assert.Equal(t, tec.HistoryCopy(), restored.HistoryCopy())
	assert.Equal(t, tec.ResponseText(), restored.ResponseText())
	assert.Equal(t, tec.Artifacts(), restored.Artifacts())
	assert.Equal(t, tec.Usage().InputTokens, restored.Usage().InputTokens)
	assert.Equal(t, tec.Usage().ByModel["gpt-test"].OutputTokens, restored.Usage().ByModel["gpt-test"].OutputTokens)

	// Scratch flags survive suspension.
	v, ok := restored.Flag("budget")
	require.True(t, ok)
	assert.Equal(t, 2.0, v)

	// Transients start fresh.
	assert.False(t, restored.Cancelled())
	assert.False(t, restored.Terminal())
}

func TestSnapshotIsolatesCaller(t *testing.T) {
	tec := populatedContext()

	state, err := tec.Snapshot()
	require.NoError(t, err)

	// Mutating the live context after the snapshot must not leak into it.
	tec.AppendUser("another question")
	tec.PushResponse("more text")

	restored, err := RestoreContext(state)
	require.NoError(t, err)
	assert.Len(t, restored.HistoryCopy(), 3)
	assert.Equal(t, "the answer is 4", restored.ResponseText())
}

func TestRestoreRejectsEmptyState(t *testing.T) {
	_, err := RestoreContext(map[string]any{})
	assert.Error(t, err)
}

func TestBeginTerminalWinsOnce(t *testing.T) {
	tec := NewExecutionContext("task-1", "ctx-1")
	assert.True(t, tec.BeginTerminal())
	assert.False(t, tec.BeginTerminal())
	assert.True(t, tec.Terminal())
}

func TestDrainArtifactSignalsClears(t *testing.T) {
	tec := NewExecutionContext("task-1", "ctx-1")
	tec.AddArtifact(a2a.Artifact{Filename: "a.txt", Version: 1})
	tec.AddArtifact(a2a.Artifact{Filename: "a.txt", Version: 2})

	signals := tec.DrainArtifactSignals()
	assert.Len(t, signals, 2)
	assert.Empty(t, tec.DrainArtifactSignals())
	// Produced list survives the drain.
	assert.Len(t, tec.Artifacts(), 2)
}

func TestWorkerPoolOverflow(t *testing.T) {
	pool := newWorkerPool(1, 1)
	defer pool.Stop()

	block := make(chan struct{})
	require.True(t, pool.TrySubmit(func() { <-block }))
	require.True(t, pool.TrySubmit(func() {})) // fills the queue

	assert.False(t, pool.TrySubmit(func() {}))
	close(block)
}

func TestWorkerPoolRejectsAfterStop(t *testing.T) {
	pool := newWorkerPool(2, 4)
	pool.Stop()
	assert.False(t, pool.TrySubmit(func() {}))
}
