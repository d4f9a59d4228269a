package checkpoint

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmesh/agentmesh/pkg/config"
)

// storeUnderTest runs the behavior suite against every backend.
func storeUnderTest(t *testing.T, name string) Store {
	t.Helper()
	switch name {
	case "memory":
		return NewMemoryStore()
	case "sqlite":
		cfg := &config.CheckpointConfig{
			Driver:     "sqlite",
			BackendURL: filepath.Join(t.TempDir(), "checkpoint_test.db"),
			MaxConns:   4,
			MaxIdle:    2,
		}
		store, err := NewSQLStoreFromConfig(cfg)
		require.NoError(t, err)
		t.Cleanup(func() { store.Close() })
		return store
	default:
		t.Fatalf("unknown backend: %s", name)
		return nil
	}
}

func eachBackend(t *testing.T, fn func(t *testing.T, store Store)) {
	for _, backend := range []string{"memory", "sqlite"} {
		t.Run(backend, func(t *testing.T) {
			fn(t, storeUnderTest(t, backend))
		})
	}
}

func sampleSubTask(subTaskID, taskID string, deadline int64) *PeerSubTask {
	return &PeerSubTask{
		SubTaskID:       subTaskID,
		TaskID:          taskID,
		AgentName:       "math",
		PeerToolName:    "ask_research_agent",
		PeerAgentName:   "research",
		FunctionCallID:  "call-1",
		InvocationID:    "inv-1",
		DeadlineEpochMs: deadline,
	}
}

func TestCheckpointRestoreRoundTrip(t *testing.T) {
	eachBackend(t, func(t *testing.T, store Store) {
		ctx := context.Background()

		state := map[string]any{
			"response_buffer": []any{"partial"},
			"token_usage":     map[string]any{"input": float64(12)},
		}
		err := store.Checkpoint(ctx, &TaskSnapshot{TaskID: "task-1", AgentName: "math", State: state}, nil, nil)
		require.NoError(t, err)

		restored, err := store.Restore(ctx, "task-1")
		require.NoError(t, err)
		assert.Equal(t, state, restored)

		restored, err = store.Restore(ctx, "task-404")
		require.NoError(t, err)
		assert.Nil(t, restored)
	})
}

func TestCheckpointUpsertReplacesSnapshot(t *testing.T) {
	eachBackend(t, func(t *testing.T, store Store) {
		ctx := context.Background()

		require.NoError(t, store.Checkpoint(ctx, &TaskSnapshot{TaskID: "t", AgentName: "math", State: map[string]any{"v": float64(1)}}, nil, nil))
		require.NoError(t, store.Checkpoint(ctx, &TaskSnapshot{TaskID: "t", AgentName: "math", State: map[string]any{"v": float64(2)}}, nil, nil))

		restored, err := store.Restore(ctx, "t")
		require.NoError(t, err)
		assert.Equal(t, float64(2), restored["v"])
	})
}

func TestClaimPeerSubTaskAtMostOnce(t *testing.T) {
	eachBackend(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		deadline := time.Now().Add(time.Minute).UnixMilli()

		snap := &TaskSnapshot{TaskID: "task-1", AgentName: "math", State: map[string]any{}}
		require.NoError(t, store.Checkpoint(ctx, snap, []*PeerSubTask{sampleSubTask("sub-1", "task-1", deadline)}, nil))

		claimed, err := store.ClaimPeerSubTask(ctx, "sub-1")
		require.NoError(t, err)
		require.NotNil(t, claimed)
		assert.Equal(t, "ask_research_agent", claimed.PeerToolName)
		assert.Equal(t, "research", claimed.PeerAgentName)

		again, err := store.ClaimPeerSubTask(ctx, "sub-1")
		require.NoError(t, err)
		assert.Nil(t, again)

		absent, err := store.ClaimPeerSubTask(ctx, "sub-404")
		require.NoError(t, err)
		assert.Nil(t, absent)
	})
}

func TestClaimPeerSubTaskConcurrent(t *testing.T) {
	eachBackend(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		deadline := time.Now().Add(time.Minute).UnixMilli()

		snap := &TaskSnapshot{TaskID: "task-1", AgentName: "math", State: map[string]any{}}
		require.NoError(t, store.Checkpoint(ctx, snap, []*PeerSubTask{sampleSubTask("sub-1", "task-1", deadline)}, nil))

		const claimers = 16
		var wg sync.WaitGroup
		wins := make(chan *PeerSubTask, claimers)
		for i := 0; i < claimers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				st, err := store.ClaimPeerSubTask(ctx, "sub-1")
				assert.NoError(t, err)
				if st != nil {
					wins <- st
				}
			}()
		}
		wg.Wait()
		close(wins)

		var count int
		for range wins {
			count++
		}
		assert.Equal(t, 1, count, "exactly one claimer must win")
	})
}

func TestParallelInvocationAggregation(t *testing.T) {
	eachBackend(t, func(t *testing.T, store Store) {
		ctx := context.Background()

		snap := &TaskSnapshot{TaskID: "task-1", AgentName: "math", State: map[string]any{}}
		inv := &ParallelInvocation{TaskID: "task-1", InvocationID: "inv-1", Total: 2, Completed: 0}
		require.NoError(t, store.Checkpoint(ctx, snap, nil, []*ParallelInvocation{inv}))

		completed, total, err := store.RecordParallelResult(ctx, "task-1", "inv-1", map[string]any{"r": "first"})
		require.NoError(t, err)
		assert.Equal(t, 1, completed)
		assert.Equal(t, 2, total)

		completed, total, err = store.RecordParallelResult(ctx, "task-1", "inv-1", map[string]any{"r": "second"})
		require.NoError(t, err)
		assert.Equal(t, 2, completed)
		assert.Equal(t, 2, total)

		// Aggregator is full: further results are a protocol violation.
		_, _, err = store.RecordParallelResult(ctx, "task-1", "inv-1", map[string]any{"r": "third"})
		assert.Error(t, err)

		results, err := store.ConsumeParallelInvocation(ctx, "task-1", "inv-1")
		require.NoError(t, err)
		require.Len(t, results, 2)
		assert.Equal(t, "first", results[0]["r"])
		assert.Equal(t, "second", results[1]["r"])

		_, err = store.ConsumeParallelInvocation(ctx, "task-1", "inv-1")
		assert.ErrorIs(t, err, ErrInvocationNotFound)

		_, _, err = store.RecordParallelResult(ctx, "task-1", "inv-404", map[string]any{})
		assert.ErrorIs(t, err, ErrInvocationNotFound)
	})
}

func TestSweepExpiredTimeouts(t *testing.T) {
	eachBackend(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		now := time.Now().UnixMilli()

		snap := &TaskSnapshot{TaskID: "task-1", AgentName: "math", State: map[string]any{}}
		subTasks := []*PeerSubTask{
			sampleSubTask("sub-expired", "task-1", now-1000),
			sampleSubTask("sub-future", "task-1", now+60_000),
		}
		require.NoError(t, store.Checkpoint(ctx, snap, subTasks, nil))

		expired, err := store.SweepExpiredTimeouts(ctx, "math", now)
		require.NoError(t, err)
		require.Len(t, expired, 1)
		assert.Equal(t, "sub-expired", expired[0].SubTaskID)

		// Swept rows are claimed: a late genuine response loses.
		late, err := store.ClaimPeerSubTask(ctx, "sub-expired")
		require.NoError(t, err)
		assert.Nil(t, late)

		// The unexpired row is still claimable.
		ok, err := store.ClaimPeerSubTask(ctx, "sub-future")
		require.NoError(t, err)
		assert.NotNil(t, ok)

		// A second sweep finds nothing.
		expired, err = store.SweepExpiredTimeouts(ctx, "math", now)
		require.NoError(t, err)
		assert.Empty(t, expired)
	})
}

func TestSweepIgnoresOtherAgents(t *testing.T) {
	eachBackend(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		now := time.Now().UnixMilli()

		st := sampleSubTask("sub-1", "task-1", now-1000)
		st.AgentName = "research"
		snap := &TaskSnapshot{TaskID: "task-1", AgentName: "research", State: map[string]any{}}
		require.NoError(t, store.Checkpoint(ctx, snap, []*PeerSubTask{st}, nil))

		expired, err := store.SweepExpiredTimeouts(ctx, "math", now)
		require.NoError(t, err)
		assert.Empty(t, expired)
	})
}

func TestResetTimeoutDeadline(t *testing.T) {
	eachBackend(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		now := time.Now().UnixMilli()

		snap := &TaskSnapshot{TaskID: "task-1", AgentName: "math", State: map[string]any{}}
		require.NoError(t, store.Checkpoint(ctx, snap, []*PeerSubTask{sampleSubTask("sub-1", "task-1", now+1000)}, nil))

		ok, err := store.ResetTimeoutDeadline(ctx, "sub-1", now+120_000)
		require.NoError(t, err)
		assert.True(t, ok)

		// Deadline moved: nothing expires at the old horizon.
		expired, err := store.SweepExpiredTimeouts(ctx, "math", now+60_000)
		require.NoError(t, err)
		assert.Empty(t, expired)

		ok, err = store.ResetTimeoutDeadline(ctx, "sub-404", now)
		require.NoError(t, err)
		assert.False(t, ok)

		// Claimed rows cannot have their deadline moved.
		_, err = store.ClaimPeerSubTask(ctx, "sub-1")
		require.NoError(t, err)
		ok, err = store.ResetTimeoutDeadline(ctx, "sub-1", now+240_000)
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestCleanupTaskRemovesAllRows(t *testing.T) {
	eachBackend(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		deadline := time.Now().Add(time.Minute).UnixMilli()

		snap := &TaskSnapshot{TaskID: "task-1", AgentName: "math", State: map[string]any{"k": "v"}}
		subTasks := []*PeerSubTask{sampleSubTask("sub-1", "task-1", deadline)}
		invocations := []*ParallelInvocation{{TaskID: "task-1", InvocationID: "inv-1", Total: 2}}
		require.NoError(t, store.Checkpoint(ctx, snap, subTasks, invocations))

		require.NoError(t, store.CleanupTask(ctx, "task-1"))

		restored, err := store.Restore(ctx, "task-1")
		require.NoError(t, err)
		assert.Nil(t, restored)

		claimed, err := store.ClaimPeerSubTask(ctx, "sub-1")
		require.NoError(t, err)
		assert.Nil(t, claimed)

		_, _, err = store.RecordParallelResult(ctx, "task-1", "inv-1", map[string]any{})
		assert.ErrorIs(t, err, ErrInvocationNotFound)
	})
}

func TestCheckpointNilTablesLeavesRows(t *testing.T) {
	eachBackend(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		deadline := time.Now().Add(time.Minute).UnixMilli()

		snap := &TaskSnapshot{TaskID: "task-1", AgentName: "math", State: map[string]any{"v": float64(1)}}
		require.NoError(t, store.Checkpoint(ctx, snap, []*PeerSubTask{sampleSubTask("sub-1", "task-1", deadline)}, nil))

		// Snapshot-only update must not disturb outstanding correlations.
		snap.State = map[string]any{"v": float64(2)}
		require.NoError(t, store.Checkpoint(ctx, snap, nil, nil))

		claimed, err := store.ClaimPeerSubTask(ctx, "sub-1")
		require.NoError(t, err)
		assert.NotNil(t, claimed)
	})
}

func TestCheckpointReplacesSubTaskSet(t *testing.T) {
	eachBackend(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		deadline := time.Now().Add(time.Minute).UnixMilli()

		snap := &TaskSnapshot{TaskID: "task-1", AgentName: "math", State: map[string]any{}}
		require.NoError(t, store.Checkpoint(ctx, snap, []*PeerSubTask{sampleSubTask("sub-old", "task-1", deadline)}, nil))
		require.NoError(t, store.Checkpoint(ctx, snap, []*PeerSubTask{sampleSubTask("sub-new", "task-1", deadline)}, nil))

		old, err := store.ClaimPeerSubTask(ctx, "sub-old")
		require.NoError(t, err)
		assert.Nil(t, old)

		current, err := store.ClaimPeerSubTask(ctx, "sub-new")
		require.NoError(t, err)
		assert.NotNil(t, current)
	})
}
