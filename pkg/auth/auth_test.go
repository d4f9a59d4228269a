package auth

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAllowListRejectsSelfDelegation(t *testing.T) {
	v := NewAllowList(nil)
	err := v.ValidateAgentAccess("user-1", "math", "math")
	var perr *PermissionError
	assert.ErrorAs(t, err, &perr)
	assert.Equal(t, "math", perr.TargetAgent)
}

func TestAllowListEmptyAllowsAnyPeer(t *testing.T) {
	v := NewAllowList(nil)
	assert.NoError(t, v.ValidateAgentAccess("user-1", "math", "research"))
}

func TestAllowListRestrictsPeers(t *testing.T) {
	v := NewAllowList([]string{"research"})
	assert.NoError(t, v.ValidateAgentAccess("user-1", "math", "research"))

	var perr *PermissionError
	assert.ErrorAs(t, v.ValidateAgentAccess("user-1", "math", "finance"), &perr)
}

func TestAllowListRejectsEmptyTarget(t *testing.T) {
	v := NewAllowList(nil)
	assert.Error(t, v.ValidateAgentAccess("user-1", "math", ""))
}
