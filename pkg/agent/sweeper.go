package agent

import (
	"context"
	"fmt"
	"time"
)

// sweepLoop periodically claims expired peer sub-tasks and synthesizes
// timeout results for them. Because the sweep is destructive, a genuine
// response racing the sweeper loses the claim and is dropped; each sub-task
// produces exactly one of the two outcomes.
func (a *Agent) sweepLoop() {
	defer a.bg.Done()

	interval := time.Duration(a.cfg.TimeoutSweepIntervalMs) * time.Millisecond
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-a.runCtx.Done():
			return
		case <-ticker.C:
			a.sweepOnce(a.runCtx)
		}
	}
}

// sweepOnce runs one sweep pass at the current clock.
func (a *Agent) sweepOnce(ctx context.Context) {
	expired, err := a.store.SweepExpiredTimeouts(ctx, a.name, a.now().UnixMilli())
	if err != nil {
		a.logger.Error("Timeout sweep failed", "error", err)
		return
	}

	for _, row := range expired {
		row := row
		a.metrics.TimeoutSwept(ctx, a.name)
		a.logger.Warn("Peer sub-task timed out",
			"task_id", row.TaskID,
			"sub_task_id", row.SubTaskID,
			"peer", row.PeerAgentName)

		a.mu.Lock()
		delete(a.routes, row.SubTaskID)
		a.mu.Unlock()

		content := map[string]any{
			"status":         "error",
			"code":           CodeTimeout,
			"message":        fmt.Sprintf("peer %s did not respond before the deadline", row.PeerAgentName),
			"peer_tool_name": row.PeerToolName,
		}
		// The row is already claimed; the result must not be lost. If the
		// pool is saturated, integrate on the sweeper goroutine.
		if !a.pool.TrySubmit(func() { a.integrateClaimed(ctx, row, content) }) {
			a.integrateClaimed(ctx, row, content)
		}
	}
}
