// Package auth defines the access validation boundary for peer delegation.
package auth

import (
	"fmt"
)

// PermissionError reports a rejected delegation. It is surfaced to the model
// as a tool error rather than failing the task.
type PermissionError struct {
	UserID      string
	FromAgent   string
	TargetAgent string
	Reason      string
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("delegation from %s to %s denied: %s", e.FromAgent, e.TargetAgent, e.Reason)
}

// Validator authorizes peer delegations before any sub-task is published.
type Validator interface {
	// ValidateAgentAccess returns a *PermissionError when the user or
	// agent may not delegate to the target.
	ValidateAgentAccess(userID, fromAgent, targetAgent string) error
}

// AllowList permits delegation to a fixed set of peers. An empty set permits
// any peer. Self-delegation is always rejected: an agent delegating to
// itself deadlocks a single-worker pool.
type AllowList struct {
	allowed map[string]struct{}
}

// NewAllowList builds a validator from peer names.
func NewAllowList(peers []string) *AllowList {
	v := &AllowList{}
	if len(peers) > 0 {
		v.allowed = make(map[string]struct{}, len(peers))
		for _, p := range peers {
			v.allowed[p] = struct{}{}
		}
	}
	return v
}

// ValidateAgentAccess implements Validator.
func (v *AllowList) ValidateAgentAccess(userID, fromAgent, targetAgent string) error {
	if targetAgent == "" {
		return &PermissionError{UserID: userID, FromAgent: fromAgent, TargetAgent: targetAgent, Reason: "no target agent"}
	}
	if targetAgent == fromAgent {
		return &PermissionError{UserID: userID, FromAgent: fromAgent, TargetAgent: targetAgent, Reason: "self-delegation is not allowed"}
	}
	if v.allowed != nil {
		if _, ok := v.allowed[targetAgent]; !ok {
			return &PermissionError{UserID: userID, FromAgent: fromAgent, TargetAgent: targetAgent, Reason: "target agent is not in the allowed peer list"}
		}
	}
	return nil
}
