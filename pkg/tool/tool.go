// Package tool defines the tool interfaces the agent core dispatches to, the
// lifecycle-owned registry, sealed result variants and call middleware.
//
// Two kinds of entries live in a registry: local tools, executed in-process,
// and peer delegations, which route the call to another agent over the mesh.
package tool

import (
	"context"

	"github.com/agentmesh/agentmesh/pkg/artifact"
)

// Tool is a locally executable capability.
type Tool interface {
	// Name returns the unique name of the tool.
	Name() string

	// Description returns what the tool does, for the model's benefit.
	Description() string

	// Schema returns the JSON schema of the tool's parameters, or nil.
	Schema() map[string]any

	// Call executes the tool. Failures that the model should see are
	// returned as *ErrorResult with a nil error; the error return is for
	// infrastructure failures only.
	Call(ctx context.Context, call *Call) (Result, error)
}

// Call is the invocation context passed to tools and middleware. The
// dispatching agent fills it in; tools must not mutate it.
type Call struct {
	ID        string // function call id assigned by the model turn
	Name      string
	Arguments map[string]any

	TaskID    string
	ContextID string
	UserID    string
	AgentName string

	// Artifacts is the store artifact-producing tools persist through.
	// A tool that saves here returns the resulting ref as *ArtifactResult.
	Artifacts artifact.Store
}

// Spec describes a tool for catalogs and model advertisement.
type Spec struct {
	Name        string
	Description string
	Parameters  map[string]any
	Scopes      []string

	// PeerAgent is set when the tool is a delegation to another agent.
	PeerAgent string
}

// IsPeerDelegation reports whether the spec routes to a peer agent.
func (s Spec) IsPeerDelegation() bool {
	return s.PeerAgent != ""
}
