package tool

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type echoArgs struct {
	Text string `json:"text" jsonschema:"description=Text to echo"`
}

func newEchoTool(t *testing.T) *FunctionTool {
	t.Helper()
	tl, err := NewFunction("echo", "Echoes text back", echoArgs{},
		func(ctx context.Context, call *Call) (Result, error) {
			text, _ := call.Arguments["text"].(string)
			return &TextResult{Text: text}, nil
		})
	require.NoError(t, err)
	return tl
}

func TestFunctionToolSchema(t *testing.T) {
	tl := newEchoTool(t)

	schema := tl.Schema()
	require.NotNil(t, schema)
	assert.Equal(t, "object", schema["type"])
	props, ok := schema["properties"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, props, "text")
	assert.NotContains(t, schema, "$schema")
}

func TestRegistryLocalAndPeer(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(newEchoTool(t)))
	require.NoError(t, r.RegisterPeer("ask_research_agent", "research", "Delegate a research question", nil))

	_, ok := r.Lookup("echo")
	assert.True(t, ok)
	assert.False(t, r.IsPeerDelegation("echo"))

	_, ok = r.Lookup("ask_research_agent")
	assert.False(t, ok)
	assert.True(t, r.IsPeerDelegation("ask_research_agent"))
	assert.Equal(t, "research", r.PeerAgent("ask_research_agent"))
	assert.Equal(t, "", r.PeerAgent("echo"))

	specs := r.Specs()
	require.Len(t, specs, 2)
	assert.Equal(t, "ask_research_agent", specs[0].Name)
	assert.True(t, specs[0].IsPeerDelegation())
	assert.Equal(t, "echo", specs[1].Name)
	assert.False(t, specs[1].IsPeerDelegation())
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(newEchoTool(t)))
	assert.Error(t, r.Register(newEchoTool(t)))
	assert.Error(t, r.RegisterPeer("echo", "other", "", nil))

	require.NoError(t, r.RegisterPeer("ask", "other", "", nil))
	echo2, err := NewFunction("ask", "", nil, func(ctx context.Context, call *Call) (Result, error) {
		return &TextResult{}, nil
	})
	require.NoError(t, err)
	assert.Error(t, r.Register(echo2))
}

func TestResultContent(t *testing.T) {
	assert.Equal(t, "success", Content(&TextResult{Text: "hi"})["status"])
	assert.Equal(t, "hi", Content(&TextResult{Text: "hi"})["text"])

	data := Content(&DataResult{Data: map[string]any{"k": "v"}})
	assert.Equal(t, map[string]any{"k": "v"}, data["data"])

	art := Content(&ArtifactResult{Filename: "report.csv", Version: 2})
	assert.Equal(t, "success", art["status"])

	errc := Content(&ErrorResult{Code: "TIMEOUT", Message: "peer timed out"})
	assert.Equal(t, "error", errc["status"])
	assert.Equal(t, "TIMEOUT", errc["code"])
}

func TestMiddlewareChainOrder(t *testing.T) {
	var trace []string
	mws := []Middleware{
		{
			Before: func(ctx context.Context, call *Call) error {
				trace = append(trace, "pre1")
				return nil
			},
			After: func(ctx context.Context, call *Call, result Result, callErr error) Result {
				trace = append(trace, "post1")
				return nil
			},
		},
		{
			Before: func(ctx context.Context, call *Call) error {
				trace = append(trace, "pre2")
				return nil
			},
			After: func(ctx context.Context, call *Call, result Result, callErr error) Result {
				trace = append(trace, "post2")
				return nil
			},
		},
	}

	result, err := Chain(context.Background(), mws, &Call{Name: "echo"},
		func(ctx context.Context, call *Call) (Result, error) {
			trace = append(trace, "call")
			return &TextResult{Text: "done"}, nil
		})
	require.NoError(t, err)
	assert.Equal(t, &TextResult{Text: "done"}, result)
	assert.Equal(t, []string{"pre1", "pre2", "call", "post2", "post1"}, trace)
}

func TestMiddlewareBeforeAborts(t *testing.T) {
	mws := []Middleware{{
		Before: func(ctx context.Context, call *Call) error {
			return fmt.Errorf("denied")
		},
	}}

	called := false
	result, err := Chain(context.Background(), mws, &Call{Name: "echo"},
		func(ctx context.Context, call *Call) (Result, error) {
			called = true
			return &TextResult{}, nil
		})
	require.NoError(t, err)
	assert.False(t, called)
	errResult, ok := result.(*ErrorResult)
	require.True(t, ok)
	assert.Equal(t, "denied", errResult.Message)
}

func TestMiddlewareAfterReplacesResult(t *testing.T) {
	mws := []Middleware{{
		After: func(ctx context.Context, call *Call, result Result, callErr error) Result {
			if callErr != nil {
				return &ErrorResult{Message: "recovered: " + callErr.Error()}
			}
			return nil
		},
	}}

	result, err := Chain(context.Background(), mws, &Call{Name: "echo"},
		func(ctx context.Context, call *Call) (Result, error) {
			return nil, fmt.Errorf("infra down")
		})
	require.NoError(t, err)
	assert.Equal(t, &ErrorResult{Message: "recovered: infra down"}, result)
}
