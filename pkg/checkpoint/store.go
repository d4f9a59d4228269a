// Package checkpoint persists paused task state and peer sub-task
// correlations so tasks survive process restarts and resume in any process
// of the same agent identity.
//
// The destructive claim on peer sub-tasks is the mutual-exclusion primitive
// of the whole mesh: for any sub-task id, at most one caller ever receives
// the correlation data, whether that caller is a response handler or the
// timeout sweeper.
package checkpoint

import (
	"context"
	"errors"
)

// ErrInvocationNotFound reports that no parallel invocation aggregator
// exists for the given key. Callers use it to distinguish standalone
// sub-tasks from members of a parallel batch.
var ErrInvocationNotFound = errors.New("parallel invocation not found")

// TaskSnapshot is the serializable state of a paused task.
type TaskSnapshot struct {
	TaskID    string         `json:"task_id"`
	AgentName string         `json:"agent_name"`
	State     map[string]any `json:"state"`
}

// PeerSubTask is the correlation record for one delegated call.
type PeerSubTask struct {
	SubTaskID       string `json:"sub_task_id"`
	TaskID          string `json:"logical_task_id"`
	AgentName       string `json:"agent_name"`
	PeerToolName    string `json:"peer_tool_name"`
	PeerAgentName   string `json:"peer_agent_name"`
	FunctionCallID  string `json:"function_call_id"`
	InvocationID    string `json:"invocation_id"`
	DeadlineEpochMs int64  `json:"deadline_epoch_ms"`
}

// ParallelInvocation aggregates the fan-out tool calls of one model turn.
type ParallelInvocation struct {
	TaskID       string           `json:"task_id"`
	InvocationID string           `json:"invocation_id"`
	Total        int              `json:"total"`
	Completed    int              `json:"completed"`
	Results      []map[string]any `json:"results"`
}

// Store is the durable checkpoint backend. All processes of one agent
// identity share a store; no other cross-process coordination exists.
type Store interface {
	// Checkpoint upserts the paused-task snapshot. When subTasks or
	// invocations is non-nil, the corresponding table rows for the task
	// are replaced by the given set; nil leaves that table untouched
	// (used when only the snapshot changed mid-aggregation).
	Checkpoint(ctx context.Context, snap *TaskSnapshot, subTasks []*PeerSubTask, invocations []*ParallelInvocation) error

	// Restore returns the snapshot state for a task, or (nil, nil) when
	// no checkpoint exists.
	Restore(ctx context.Context, taskID string) (map[string]any, error)

	// ClaimPeerSubTask destructively claims a correlation record.
	// Returns (nil, nil) when the record is absent or already claimed;
	// across all processes and time, at most one call returns non-nil
	// for a given sub-task id.
	ClaimPeerSubTask(ctx context.Context, subTaskID string) (*PeerSubTask, error)

	// RecordParallelResult atomically appends a result to the aggregator
	// and increments its completion count, returning the new counts.
	// Returns ErrInvocationNotFound when no aggregator exists.
	RecordParallelResult(ctx context.Context, taskID, invocationID string, result map[string]any) (completed, total int, err error)

	// ConsumeParallelInvocation destructively reads the aggregated
	// results. Returns ErrInvocationNotFound when absent.
	ConsumeParallelInvocation(ctx context.Context, taskID, invocationID string) ([]map[string]any, error)

	// ResetTimeoutDeadline moves the deadline of an unclaimed sub-task.
	// Returns false when the record is absent or already claimed.
	ResetTimeoutDeadline(ctx context.Context, subTaskID string, newDeadlineEpochMs int64) (bool, error)

	// SweepExpiredTimeouts claims every unclaimed sub-task of the agent
	// whose deadline is at or before now, returning the claimed records.
	SweepExpiredTimeouts(ctx context.Context, agentName string, nowEpochMs int64) ([]*PeerSubTask, error)

	// CleanupTask removes all rows of a task across all tables.
	CleanupTask(ctx context.Context, taskID string) error

	Close() error
}
