// Package llmtest provides a scripted llms.Client for tests: each invocation
// plays back the next pre-programmed turn.
package llmtest

import (
	"context"
	"sync"

	"github.com/agentmesh/agentmesh/pkg/llms"
)

// Turn is one scripted model response.
type Turn struct {
	Text      string
	ToolCalls []llms.ToolCall
	Usage     *llms.Usage
	Err       error
}

// Script replays turns in order. Invocations beyond the script return an
// empty text turn. Safe for concurrent use.
type Script struct {
	mu       sync.Mutex
	turns    []Turn
	requests []*llms.Request
}

// NewScript builds a scripted client.
func NewScript(turns ...Turn) *Script {
	return &Script{turns: turns}
}

// Invoke implements llms.Client.
func (s *Script) Invoke(ctx context.Context, req *llms.Request) (<-chan llms.Chunk, error) {
	s.mu.Lock()
	idx := len(s.requests)
	s.requests = append(s.requests, req)
	var turn Turn
	if idx < len(s.turns) {
		turn = s.turns[idx]
	}
	s.mu.Unlock()

	ch := make(chan llms.Chunk, len(turn.ToolCalls)+3)
	go func() {
		defer close(ch)
		if turn.Err != nil {
			ch <- llms.Chunk{Type: llms.ChunkTypeError, Err: turn.Err}
			return
		}
		if turn.Text != "" {
			ch <- llms.Chunk{Type: llms.ChunkTypeText, Text: turn.Text}
		}
		for i := range turn.ToolCalls {
			call := turn.ToolCalls[i]
			ch <- llms.Chunk{Type: llms.ChunkTypeToolCall, ToolCall: &call}
		}
		if turn.Usage != nil {
			ch <- llms.Chunk{Type: llms.ChunkTypeUsage, Usage: turn.Usage}
		}
	}()
	return ch, nil
}

// Invocations returns how many times Invoke was called.
func (s *Script) Invocations() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

// Request returns the i-th recorded request, or nil.
func (s *Script) Request(i int) *llms.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i < 0 || i >= len(s.requests) {
		return nil
	}
	return s.requests[i]
}
