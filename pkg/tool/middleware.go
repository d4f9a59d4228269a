package tool

import (
	"context"
)

// Middleware is a (pre, post) pair invoked around every tool call. Before
// runs in registration order, After in reverse order. Returning an error
// from Before aborts the call; the error surfaces to the model as an
// ErrorResult.
type Middleware struct {
	// Before observes the call before execution. The *Call is shared and
	// must not be mutated.
	Before func(ctx context.Context, call *Call) error

	// After observes the outcome and may replace it. A nil return keeps
	// the original result.
	After func(ctx context.Context, call *Call, result Result, callErr error) Result
}

// Chain applies middleware around fn.
func Chain(ctx context.Context, mws []Middleware, call *Call, fn func(ctx context.Context, call *Call) (Result, error)) (Result, error) {
	for _, mw := range mws {
		if mw.Before == nil {
			continue
		}
		if err := mw.Before(ctx, call); err != nil {
			return &ErrorResult{Message: err.Error()}, nil
		}
	}

	result, err := fn(ctx, call)

	for i := len(mws) - 1; i >= 0; i-- {
		if mws[i].After == nil {
			continue
		}
		if replaced := mws[i].After(ctx, call, result, err); replaced != nil {
			result = replaced
			err = nil
		}
	}
	return result, err
}
