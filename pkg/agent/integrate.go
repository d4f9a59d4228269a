package agent

import (
	"context"
	"errors"

	"github.com/agentmesh/agentmesh/pkg/a2a"
	"github.com/agentmesh/agentmesh/pkg/broker"
	"github.com/agentmesh/agentmesh/pkg/checkpoint"
)

// processResponse integrates one peer response. The destructive claim is the
// duplicate filter: whoever loses the claim drops the message, so at-least-
// once delivery and post-timeout stragglers are both handled in one place.
func (a *Agent) processResponse(msg *broker.Message) {
	defer msg.Ack()
	ctx := a.runCtx

	subTaskID := a2a.SubTaskIDFromTopic(msg.Topic)
	if subTaskID == "" {
		a.logger.Warn("Response topic has no sub-task id", "topic", msg.Topic)
		return
	}

	claimed, err := a.store.ClaimPeerSubTask(ctx, subTaskID)
	if err != nil {
		a.logger.Error("Claim failed", "sub_task_id", subTaskID, "error", err)
		msg.Nack()
		return
	}
	if claimed == nil {
		a.logger.Debug("Dropping unclaimed response", "sub_task_id", subTaskID)
		return
	}

	a.mu.Lock()
	delete(a.routes, subTaskID)
	a.mu.Unlock()

	a.integrateClaimed(ctx, claimed, peerResultContent(msg.Payload))
}

// integrateClaimed routes a claimed result to its task: directly for a
// standalone delegation, through the aggregator for a parallel fan-out.
// The caller must hold the claim; this is what makes processing exactly-once.
func (a *Agent) integrateClaimed(ctx context.Context, claimed *checkpoint.PeerSubTask, content map[string]any) {
	if claimed.InvocationID == "" {
		a.resumeWithResults(ctx, claimed.TaskID, []map[string]any{
			wrapResult(claimed.FunctionCallID, claimed.PeerToolName, content),
		})
		return
	}
	a.recordParallelResult(ctx, claimed.TaskID, claimed.InvocationID,
		claimed.FunctionCallID, claimed.PeerToolName, content)
}

// recordParallelResult feeds one result into a parallel invocation
// aggregator and resumes the task when the batch is complete.
func (a *Agent) recordParallelResult(ctx context.Context, taskID, invocationID, callID, toolName string, content map[string]any) {
	result := wrapResult(callID, toolName, content)

	completed, total, err := a.store.RecordParallelResult(ctx, taskID, invocationID, result)
	if errors.Is(err, checkpoint.ErrInvocationNotFound) {
		// No aggregator: treat as standalone rather than losing the result.
		a.resumeWithResults(ctx, taskID, []map[string]any{result})
		return
	}
	if err != nil {
		// The result was already claimed; dropping it here would leave the
		// task suspended forever with nothing left for the sweeper to claim.
		a.logger.Error("Failed to record parallel result",
			"task_id", taskID,
			"invocation_id", invocationID,
			"error", err)
		a.failTask(ctx, taskID, &TaskError{Code: CodeCheckpointUnavailable, Err: err})
		return
	}
	a.logger.Debug("Parallel result recorded",
		"task_id", taskID,
		"invocation_id", invocationID,
		"completed", completed,
		"total", total)
	if completed < total {
		return
	}

	results, err := a.store.ConsumeParallelInvocation(ctx, taskID, invocationID)
	if errors.Is(err, checkpoint.ErrInvocationNotFound) {
		// Another worker consumed the full aggregator first.
		return
	}
	if err != nil {
		a.logger.Error("Failed to consume parallel invocation",
			"task_id", taskID,
			"invocation_id", invocationID,
			"error", err)
		a.failTask(ctx, taskID, &TaskError{Code: CodeCheckpointUnavailable, Err: err})
		return
	}
	a.resumeWithResults(ctx, taskID, results)
}

// resumeWithResults appends the tool results to the task history and resumes
// the turn loop on the current worker.
func (a *Agent) resumeWithResults(ctx context.Context, taskID string, results []map[string]any) {
	tec := a.residentOrRestore(ctx, taskID)
	if tec == nil {
		a.logger.Warn("No task state for results, dropping", "task_id", taskID)
		return
	}
	if tec.Terminal() {
		return
	}
	for _, r := range results {
		callID, _ := r["function_call_id"].(string)
		toolName, _ := r["tool_name"].(string)
		content, _ := r["content"].(map[string]any)
		if content == nil {
			content = map[string]any{"status": "error", "message": "missing result content"}
		}
		tec.AppendToolResult(callID, toolName, content)
	}
	a.runTask(ctx, tec)
}

func wrapResult(callID, toolName string, content map[string]any) map[string]any {
	return map[string]any{
		"function_call_id": callID,
		"tool_name":        toolName,
		"content":          content,
	}
}

// peerResultContent converts a peer's terminal response envelope into the
// content map fed back to the model, mirroring local tool result shapes.
func peerResultContent(payload []byte) map[string]any {
	env, err := a2a.Decode(payload)
	if err != nil {
		return map[string]any{"status": "error", "message": "undecodable peer response: " + err.Error()}
	}
	if env.Error != nil {
		return map[string]any{
			"status":  "error",
			"code":    env.Error.Code,
			"message": env.Error.Message,
		}
	}

	switch env.ResultKind() {
	case a2a.KindTask:
		var task a2a.Task
		if err := env.DecodeResult(&task); err != nil {
			return map[string]any{"status": "error", "message": "malformed task result: " + err.Error()}
		}
		var text string
		if task.Status.Message != nil {
			text = task.Status.Message.Text()
		}
		if task.Status.State != a2a.TaskStateCompleted {
			content := map[string]any{
				"status":  "error",
				"message": text,
				"state":   string(task.Status.State),
			}
			if code, ok := task.Metadata["code"].(string); ok {
				content["code"] = code
			}
			return content
		}
		content := map[string]any{"status": "success", "text": text}
		if len(task.Artifacts) > 0 {
			artifacts := make([]any, 0, len(task.Artifacts))
			for _, art := range task.Artifacts {
				artifacts = append(artifacts, map[string]any{
					"filename": art.Filename,
					"version":  art.Version,
				})
			}
			content["artifacts"] = artifacts
		}
		return content

	case a2a.KindMessage:
		var msg a2a.Message
		if err := env.DecodeResult(&msg); err != nil {
			return map[string]any{"status": "error", "message": "malformed message result: " + err.Error()}
		}
		return map[string]any{"status": "success", "text": msg.Text()}
	}
	return map[string]any{"status": "error", "message": "peer response has no recognizable result"}
}

// processStatusRelay forwards a peer's streaming status event to the
// originator of the parent task. Relay is best-effort: it only happens while
// the parent task is resident in this process.
func (a *Agent) processStatusRelay(msg *broker.Message) {
	defer msg.Ack()

	subTaskID := a2a.SubTaskIDFromTopic(msg.Topic)
	a.mu.Lock()
	taskID, ok := a.routes[subTaskID]
	var tec *ExecutionContext
	if ok {
		tec = a.resident[taskID]
	}
	a.mu.Unlock()
	if tec == nil {
		return
	}

	env, err := a2a.Decode(msg.Payload)
	if err != nil || env.ResultKind() != a2a.KindStatusUpdate {
		return
	}
	var event a2a.StatusUpdateEvent
	if err := env.DecodeResult(&event); err != nil || event.Status.Message == nil {
		return
	}
	a.emitWorkingStatus(a.runCtx, tec, event.Status.Message.Text())
}
