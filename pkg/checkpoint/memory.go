package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// MemoryStore is an in-process Store for tests and single-process runs.
// Semantics match SQLStore, including the at-most-one claim guarantee.
type MemoryStore struct {
	mu          sync.Mutex
	snapshots   map[string]string              // taskID -> tec blob JSON
	agents      map[string]string              // taskID -> agent name
	subTasks    map[string]*PeerSubTask        // subTaskID -> record
	claimed     map[string]bool                // subTaskID -> claimed
	invocations map[string]*ParallelInvocation // taskID/invocationID -> aggregator
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		snapshots:   make(map[string]string),
		agents:      make(map[string]string),
		subTasks:    make(map[string]*PeerSubTask),
		claimed:     make(map[string]bool),
		invocations: make(map[string]*ParallelInvocation),
	}
}

func invKey(taskID, invocationID string) string {
	return taskID + "/" + invocationID
}

// Checkpoint implements Store.
func (s *MemoryStore) Checkpoint(ctx context.Context, snap *TaskSnapshot, subTasks []*PeerSubTask, invocations []*ParallelInvocation) error {
	if snap == nil || snap.TaskID == "" {
		return fmt.Errorf("task snapshot with a task_id is required")
	}
	blob, err := json.Marshal(snap.State)
	if err != nil {
		return fmt.Errorf("failed to serialize snapshot: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.snapshots[snap.TaskID] = string(blob)
	s.agents[snap.TaskID] = snap.AgentName

	if subTasks != nil {
		for id, st := range s.subTasks {
			if st.TaskID == snap.TaskID {
				delete(s.subTasks, id)
				delete(s.claimed, id)
			}
		}
		for _, st := range subTasks {
			cp := *st
			s.subTasks[st.SubTaskID] = &cp
			s.claimed[st.SubTaskID] = false
		}
	}

	if invocations != nil {
		for key, inv := range s.invocations {
			if inv.TaskID == snap.TaskID {
				delete(s.invocations, key)
			}
		}
		for _, inv := range invocations {
			cp := *inv
			cp.Results = append([]map[string]any(nil), inv.Results...)
			s.invocations[invKey(inv.TaskID, inv.InvocationID)] = &cp
		}
	}
	return nil
}

// Restore implements Store.
func (s *MemoryStore) Restore(ctx context.Context, taskID string) (map[string]any, error) {
	s.mu.Lock()
	blob, ok := s.snapshots[taskID]
	s.mu.Unlock()
	if !ok {
		return nil, nil
	}
	var state map[string]any
	if err := json.Unmarshal([]byte(blob), &state); err != nil {
		return nil, fmt.Errorf("failed to deserialize snapshot: %w", err)
	}
	return state, nil
}

// ClaimPeerSubTask implements Store.
func (s *MemoryStore) ClaimPeerSubTask(ctx context.Context, subTaskID string) (*PeerSubTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.subTasks[subTaskID]
	if !ok || s.claimed[subTaskID] {
		return nil, nil
	}
	s.claimed[subTaskID] = true
	cp := *st
	return &cp, nil
}

// RecordParallelResult implements Store.
func (s *MemoryStore) RecordParallelResult(ctx context.Context, taskID, invocationID string, result map[string]any) (int, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inv, ok := s.invocations[invKey(taskID, invocationID)]
	if !ok {
		return 0, 0, ErrInvocationNotFound
	}
	if inv.Completed >= inv.Total {
		return 0, 0, fmt.Errorf("invocation %s/%s already complete (%d/%d)", taskID, invocationID, inv.Completed, inv.Total)
	}
	inv.Results = append(inv.Results, result)
	inv.Completed++
	return inv.Completed, inv.Total, nil
}

// ConsumeParallelInvocation implements Store.
func (s *MemoryStore) ConsumeParallelInvocation(ctx context.Context, taskID, invocationID string) ([]map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := invKey(taskID, invocationID)
	inv, ok := s.invocations[key]
	if !ok {
		return nil, ErrInvocationNotFound
	}
	delete(s.invocations, key)
	return inv.Results, nil
}

// ResetTimeoutDeadline implements Store.
func (s *MemoryStore) ResetTimeoutDeadline(ctx context.Context, subTaskID string, newDeadlineEpochMs int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.subTasks[subTaskID]
	if !ok || s.claimed[subTaskID] {
		return false, nil
	}
	st.DeadlineEpochMs = newDeadlineEpochMs
	return true, nil
}

// SweepExpiredTimeouts implements Store.
func (s *MemoryStore) SweepExpiredTimeouts(ctx context.Context, agentName string, nowEpochMs int64) ([]*PeerSubTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var expired []*PeerSubTask
	for id, st := range s.subTasks {
		if st.AgentName != agentName || s.claimed[id] || st.DeadlineEpochMs > nowEpochMs {
			continue
		}
		s.claimed[id] = true
		cp := *st
		expired = append(expired, &cp)
	}
	return expired, nil
}

// CleanupTask implements Store.
func (s *MemoryStore) CleanupTask(ctx context.Context, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.snapshots, taskID)
	delete(s.agents, taskID)
	for id, st := range s.subTasks {
		if st.TaskID == taskID {
			delete(s.subTasks, id)
			delete(s.claimed, id)
		}
	}
	for key, inv := range s.invocations {
		if inv.TaskID == taskID {
			delete(s.invocations, key)
		}
	}
	return nil
}

// Close implements Store.
func (s *MemoryStore) Close() error {
	return nil
}
