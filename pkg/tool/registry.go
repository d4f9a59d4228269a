package tool

import (
	"fmt"
	"sort"
	"sync"
)

// Registry holds the tools and peer delegations available to one agent.
// It is owned by the agent that constructed it; there is no process-global
// registry.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
	peers map[string]Spec // delegation tool name -> spec with PeerAgent set
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		tools: make(map[string]Tool),
		peers: make(map[string]Spec),
	}
}

// Register adds a local tool. Names must be unique across tools and peers.
func (r *Registry) Register(t Tool) error {
	if t == nil || t.Name() == "" {
		return fmt.Errorf("tool with a name is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Name()]; exists {
		return fmt.Errorf("tool already registered: %s", t.Name())
	}
	if _, exists := r.peers[t.Name()]; exists {
		return fmt.Errorf("name already registered as peer delegation: %s", t.Name())
	}
	r.tools[t.Name()] = t
	return nil
}

// RegisterPeer adds a peer delegation entry: calls to name are routed to the
// given agent over the mesh.
func (r *Registry) RegisterPeer(name, peerAgent, description string, parameters map[string]any) error {
	if name == "" || peerAgent == "" {
		return fmt.Errorf("name and peer agent are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("name already registered as local tool: %s", name)
	}
	r.peers[name] = Spec{
		Name:        name,
		Description: description,
		Parameters:  parameters,
		PeerAgent:   peerAgent,
	}
	return nil
}

// Lookup returns the local tool with the given name.
func (r *Registry) Lookup(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// IsPeerDelegation reports whether name routes to a peer agent.
func (r *Registry) IsPeerDelegation(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.peers[name]
	return ok
}

// PeerAgent returns the target agent for a delegation tool, or "".
func (r *Registry) PeerAgent(name string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.peers[name].PeerAgent
}

// Specs returns all tool specs, local and peer, sorted by name.
func (r *Registry) Specs() []Spec {
	r.mu.RLock()
	defer r.mu.RUnlock()

	specs := make([]Spec, 0, len(r.tools)+len(r.peers))
	for _, t := range r.tools {
		specs = append(specs, Spec{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  t.Schema(),
		})
	}
	for _, s := range r.peers {
		specs = append(specs, s)
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].Name < specs[j].Name })
	return specs
}
