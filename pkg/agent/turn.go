package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/agentmesh/agentmesh/pkg/a2a"
	"github.com/agentmesh/agentmesh/pkg/auth"
	"github.com/agentmesh/agentmesh/pkg/checkpoint"
	"github.com/agentmesh/agentmesh/pkg/llms"
	"github.com/agentmesh/agentmesh/pkg/tool"
)

// runTask drives the state machine for one resident task until it reaches a
// terminal state or a suspension point (peer delegation or parallel fan-out).
// It runs on a pool worker; suspension is simply returning.
func (a *Agent) runTask(ctx context.Context, tec *ExecutionContext) {
	tec.running.Store(true)
	defer tec.running.Store(false)

	for {
		if tec.Cancelled() {
			a.finalize(ctx, tec, a2a.TaskStateCanceled, "task canceled", CodeCanceled)
			return
		}

		turnStart := a.now()
		text, calls, err := a.invokeLLM(ctx, tec)
		a.metrics.TurnObserved(ctx, a.name, a.now().Sub(turnStart))
		if err != nil {
			a.logger.Error("Model turn failed", "task_id", tec.TaskID, "error", err)
			a.finalize(ctx, tec, a2a.TaskStateFailed, err.Error(), errorCode(err, CodeLLMFailed))
			return
		}

		tec.AppendAssistant(text, calls)
		if text != "" {
			tec.PushResponse(text)
		}

		if tec.Cancelled() {
			a.finalize(ctx, tec, a2a.TaskStateCanceled, "task canceled", CodeCanceled)
			return
		}

		switch {
		case len(calls) == 0:
			a.finalize(ctx, tec, a2a.TaskStateCompleted, tec.ResponseText(), "")
			return

		case len(calls) == 1 && !a.tools.IsPeerDelegation(calls[0].Name):
			result := a.executeLocal(ctx, tec, calls[0])
			tec.AppendToolResult(calls[0].ID, calls[0].Name, result)

		case len(calls) == 1:
			if a.delegate(ctx, tec, calls[0]) {
				a.suspended(ctx, tec)
				return
			}

		default:
			if a.dispatchParallel(ctx, tec, calls) {
				a.suspended(ctx, tec)
				return
			}
		}
	}
}

// suspended releases the worker after a suspension point. Clearing running
// before the last cancellation check means a cancel arriving in the gap is
// picked up either here or by cancelTask; the terminal transition
// deduplicates when both fire.
func (a *Agent) suspended(ctx context.Context, tec *ExecutionContext) {
	tec.running.Store(false)
	if tec.Cancelled() {
		a.finalize(ctx, tec, a2a.TaskStateCanceled, "task canceled", CodeCanceled)
	}
}

// invokeLLM runs one model call with bounded retries. A partial stream that
// errors is discarded entirely and the call restarted from the same prompt.
func (a *Agent) invokeLLM(ctx context.Context, tec *ExecutionContext) (string, []llms.ToolCall, error) {
	req := &llms.Request{
		System:   a.cfg.Instructions,
		Messages: tec.HistoryCopy(),
		Tools:    a.toolDefinitions(),
	}

	attempts := a.cfg.LLMRetryMaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return "", nil, ctx.Err()
			case <-time.After(time.Duration(attempt-1) * 200 * time.Millisecond):
			}
		}
		text, calls, usage, err := a.streamOnce(ctx, tec, req)
		if err == nil {
			tec.AddUsage(usage)
			return text, calls, nil
		}
		lastErr = err
		a.logger.Warn("Model call failed, retrying",
			"task_id", tec.TaskID,
			"attempt", attempt,
			"error", err)
	}
	return "", nil, &TaskError{
		Code: CodeLLMFailed,
		Err:  fmt.Errorf("model call failed after %d attempts: %w", attempts, lastErr),
	}
}

func (a *Agent) streamOnce(ctx context.Context, tec *ExecutionContext, req *llms.Request) (string, []llms.ToolCall, *llms.Usage, error) {
	chunks, err := a.llm.Invoke(ctx, req)
	if err != nil {
		return "", nil, nil, err
	}

	var (
		text  string
		calls []llms.ToolCall
		usage llms.Usage
	)
	for chunk := range chunks {
		switch chunk.Type {
		case llms.ChunkTypeText:
			text += chunk.Text
			a.emitWorkingStatus(ctx, tec, chunk.Text)
		case llms.ChunkTypeToolCall:
			if chunk.ToolCall != nil {
				calls = append(calls, *chunk.ToolCall)
			}
		case llms.ChunkTypeUsage:
			if chunk.Usage != nil {
				usage = *chunk.Usage
			}
		case llms.ChunkTypeError:
			// Partial output is discarded; the retry restarts the stream.
			for range chunks {
			}
			return "", nil, nil, chunk.Err
		}
	}
	return text, calls, &usage, nil
}

func (a *Agent) toolDefinitions() []llms.ToolDefinition {
	specs := a.tools.Specs()
	defs := make([]llms.ToolDefinition, 0, len(specs))
	for _, s := range specs {
		defs = append(defs, llms.ToolDefinition{
			Name:        s.Name,
			Description: s.Description,
			Parameters:  s.Parameters,
		})
	}
	return defs
}

// ============================================================================
// LOCAL TOOL EXECUTION
// ============================================================================

// executeLocal runs one local tool through the middleware chain and returns
// the content map fed back to the model. Tool failures never terminate the
// task; the model sees them and decides how to recover.
func (a *Agent) executeLocal(ctx context.Context, tec *ExecutionContext, call llms.ToolCall) map[string]any {
	t, ok := a.tools.Lookup(call.Name)
	if !ok {
		return tool.Content(&tool.ErrorResult{Message: fmt.Sprintf("unknown tool: %s", call.Name)})
	}

	tc := &tool.Call{
		ID:        call.ID,
		Name:      call.Name,
		Arguments: call.Arguments,
		TaskID:    tec.TaskID,
		ContextID: tec.ContextID,
		UserID:    tec.UserID,
		AgentName: a.name,
		Artifacts: a.artifacts,
	}
	result, err := tool.Chain(ctx, a.middleware, tc, t.Call)
	if err != nil {
		a.logger.Warn("Tool execution failed", "task_id", tec.TaskID, "tool", call.Name, "error", err)
		return tool.Content(&tool.ErrorResult{Message: err.Error()})
	}
	if ar, ok := result.(*tool.ArtifactResult); ok {
		tec.AddArtifact(a2a.Artifact{
			Filename:  ar.Filename,
			Version:   ar.Version,
			MimeType:  ar.MimeType,
			SizeBytes: ar.SizeBytes,
		})
	}
	return tool.Content(result)
}

// ============================================================================
// PEER DELEGATION
// ============================================================================

// delegate publishes a single peer sub-task and suspends the task. Returns
// true when the task suspended (or terminated); false when the call was
// resolved in place and the turn loop should continue.
func (a *Agent) delegate(ctx context.Context, tec *ExecutionContext, call llms.ToolCall) bool {
	peer := a.tools.PeerAgent(call.Name)
	if err := a.validator.ValidateAgentAccess(tec.UserID, a.name, peer); err != nil {
		// Denied delegations come back to the model as tool errors; the
		// task keeps running and may try a different path.
		tec.AppendToolResult(call.ID, call.Name, permissionContent(err))
		return false
	}

	subTaskID := uuid.NewString()
	row := a.subTaskRow(tec, call, peer, subTaskID, "")

	if !a.checkpointForSuspend(ctx, tec, []*checkpoint.PeerSubTask{row}, nil) {
		return true
	}
	if err := a.publishDelegation(ctx, tec, peer, subTaskID, call); err != nil {
		a.finalize(ctx, tec, a2a.TaskStateFailed,
			fmt.Sprintf("failed to reach peer %s: %v", peer, err), CodeTransportFailed)
		return true
	}
	a.logger.Info("Delegated to peer",
		"task_id", tec.TaskID,
		"peer", peer,
		"sub_task_id", subTaskID)
	return true
}

// dispatchParallel fans out K>1 tool calls of one turn: peer calls are
// published as sub-tasks, local calls run concurrently, and all results meet
// in the parallel invocation aggregator. Returns true when suspended.
func (a *Agent) dispatchParallel(ctx context.Context, tec *ExecutionContext, calls []llms.ToolCall) bool {
	invocationID := uuid.NewString()
	tec.SetInvocationID(invocationID)

	type peerDispatch struct {
		call      llms.ToolCall
		peer      string
		subTaskID string
	}
	var (
		peers    []peerDispatch
		locals   []llms.ToolCall
		denied   []llms.ToolCall
		deniedBy []error
	)
	for _, call := range calls {
		if !a.tools.IsPeerDelegation(call.Name) {
			locals = append(locals, call)
			continue
		}
		peer := a.tools.PeerAgent(call.Name)
		if err := a.validator.ValidateAgentAccess(tec.UserID, a.name, peer); err != nil {
			denied = append(denied, call)
			deniedBy = append(deniedBy, err)
			continue
		}
		peers = append(peers, peerDispatch{call: call, peer: peer, subTaskID: uuid.NewString()})
	}

	rows := make([]*checkpoint.PeerSubTask, 0, len(peers))
	for _, p := range peers {
		rows = append(rows, a.subTaskRow(tec, p.call, p.peer, p.subTaskID, invocationID))
	}
	aggregate := &checkpoint.ParallelInvocation{
		TaskID:       tec.TaskID,
		InvocationID: invocationID,
		Total:        len(calls),
	}
	if !a.checkpointForSuspend(ctx, tec, rows, []*checkpoint.ParallelInvocation{aggregate}) {
		return true
	}

	for _, p := range peers {
		if err := a.publishDelegation(ctx, tec, p.peer, p.subTaskID, p.call); err != nil {
			a.finalize(ctx, tec, a2a.TaskStateFailed,
				fmt.Sprintf("failed to reach peer %s: %v", p.peer, err), CodeTransportFailed)
			return true
		}
	}

	// Local calls run as one errgroup off the agent's run context and feed
	// the same aggregation path as peer responses.
	if len(locals) > 0 {
		go func() {
			g, gctx := errgroup.WithContext(a.runCtx)
			for _, call := range locals {
				call := call
				g.Go(func() error {
					content := a.executeLocal(gctx, tec, call)
					a.recordParallelResult(a.runCtx, tec.TaskID, invocationID, call.ID, call.Name, content)
					return nil
				})
			}
			g.Wait()
		}()
	}
	for i, call := range denied {
		a.recordParallelResult(ctx, tec.TaskID, invocationID, call.ID, call.Name, permissionContent(deniedBy[i]))
	}
	return true
}

// subTaskRow builds the correlation record for one delegated call.
func (a *Agent) subTaskRow(tec *ExecutionContext, call llms.ToolCall, peer, subTaskID, invocationID string) *checkpoint.PeerSubTask {
	deadline := a.now().Add(time.Duration(a.cfg.DefaultPeerTimeoutSeconds) * time.Second)
	return &checkpoint.PeerSubTask{
		SubTaskID:       subTaskID,
		TaskID:          tec.TaskID,
		AgentName:       a.name,
		PeerToolName:    call.Name,
		PeerAgentName:   peer,
		FunctionCallID:  call.ID,
		InvocationID:    invocationID,
		DeadlineEpochMs: deadline.UnixMilli(),
	}
}

// checkpointForSuspend persists the snapshot and correlation rows before a
// suspension. Without a durable checkpoint the task cannot safely suspend,
// so a store failure fails the task instead. Returns false on failure.
func (a *Agent) checkpointForSuspend(ctx context.Context, tec *ExecutionContext, rows []*checkpoint.PeerSubTask, aggregates []*checkpoint.ParallelInvocation) bool {
	state, err := tec.Snapshot()
	if err == nil {
		snap := &checkpoint.TaskSnapshot{TaskID: tec.TaskID, AgentName: a.name, State: state}
		err = a.store.Checkpoint(ctx, snap, rows, aggregates)
	}
	if err != nil {
		a.logger.Error("Checkpoint write failed, refusing suspension",
			"task_id", tec.TaskID,
			"error", err)
		a.finalize(ctx, tec, a2a.TaskStateFailed,
			fmt.Sprintf("checkpoint store unavailable: %v", err), CodeCheckpointUnavailable)
		return false
	}

	a.mu.Lock()
	for _, row := range rows {
		a.routes[row.SubTaskID] = tec.TaskID
	}
	a.mu.Unlock()
	return true
}

// publishDelegation sends the sub-task request to the peer's request topic.
func (a *Agent) publishDelegation(ctx context.Context, tec *ExecutionContext, peer, subTaskID string, call llms.ToolCall) error {
	msg := a2a.NewUserMessage(a2a.DataPart(call.Arguments))
	msg.ContextID = tec.ContextID
	msg.Metadata = map[string]any{
		a2a.MetadataAgentName:    peer,
		a2a.MetadataParentTaskID: tec.TaskID,
	}

	env, err := a2a.NewRequest(a2a.MethodMessageSend, a2a.MessageSendParams{Message: msg})
	if err != nil {
		return err
	}
	props := map[string]string{
		a2a.PropReplyTo:  a.topics.AgentResponse(a.name, subTaskID),
		a2a.PropStatusTo: a.topics.AgentStatus(a.name, subTaskID),
		a2a.PropUserID:   tec.UserID,
		a2a.PropClientID: tec.ClientID,
	}
	if err := a.publishEnvelope(ctx, a.topics.AgentRequest(peer), env, props); err != nil {
		return err
	}
	a.metrics.PeerDelegation(ctx, a.name, peer)
	return nil
}

func permissionContent(err error) map[string]any {
	content := map[string]any{
		"status":  "error",
		"code":    CodePermissionDenied,
		"message": err.Error(),
	}
	var perr *auth.PermissionError
	if errors.As(err, &perr) {
		content["target_agent"] = perr.TargetAgent
	}
	return content
}

func encodeJSON(v any) string {
	blob, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(blob)
}
