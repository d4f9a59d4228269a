package tool

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
)

// FunctionTool wraps a plain Go function as a Tool. The parameter schema is
// reflected from a sample arguments struct.
type FunctionTool struct {
	name        string
	description string
	schema      map[string]any
	fn          func(ctx context.Context, call *Call) (Result, error)
}

// NewFunction builds a FunctionTool. args is an instance of the arguments
// struct used only for schema reflection; pass nil for a parameterless tool.
func NewFunction(name, description string, args any, fn func(ctx context.Context, call *Call) (Result, error)) (*FunctionTool, error) {
	if name == "" {
		return nil, fmt.Errorf("tool name is required")
	}
	if fn == nil {
		return nil, fmt.Errorf("tool function is required")
	}

	var schema map[string]any
	if args != nil {
		reflector := &jsonschema.Reflector{
			DoNotReference: true,
			ExpandedStruct: true,
		}
		reflected := reflector.Reflect(args)
		data, err := json.Marshal(reflected)
		if err != nil {
			return nil, fmt.Errorf("failed to reflect schema for %s: %w", name, err)
		}
		if err := json.Unmarshal(data, &schema); err != nil {
			return nil, fmt.Errorf("failed to decode schema for %s: %w", name, err)
		}
		delete(schema, "$schema")
	}

	return &FunctionTool{
		name:        name,
		description: description,
		schema:      schema,
		fn:          fn,
	}, nil
}

// Name implements Tool.
func (t *FunctionTool) Name() string { return t.name }

// Description implements Tool.
func (t *FunctionTool) Description() string { return t.description }

// Schema implements Tool.
func (t *FunctionTool) Schema() map[string]any { return t.schema }

// Call implements Tool.
func (t *FunctionTool) Call(ctx context.Context, call *Call) (Result, error) {
	return t.fn(ctx, call)
}
