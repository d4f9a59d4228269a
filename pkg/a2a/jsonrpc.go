package a2a

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// JSONRPCVersion is the fixed version string carried by every envelope.
const JSONRPCVersion = "2.0"

// Standard JSON-RPC error codes used on the mesh.
const (
	ErrorCodeParse         = -32700
	ErrorCodeInvalidParams = -32602
	ErrorCodeInternal      = -32603
	ErrorCodeTaskFailed    = -32000
)

// Envelope is a JSON-RPC 2.0 envelope. A request carries Method+Params,
// a response carries Result or Error.
type Envelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      string          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is a JSON-RPC 2.0 error object.
type RPCError struct {
	Code    int            `json:"code"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// IsRequest reports whether the envelope is a request (has a method).
func (e *Envelope) IsRequest() bool {
	return e.Method != ""
}

// NewRequest builds a request envelope with a generated RPC id.
func NewRequest(method string, params any) (*Envelope, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal params: %w", err)
	}
	return &Envelope{
		JSONRPC: JSONRPCVersion,
		ID:      uuid.NewString(),
		Method:  method,
		Params:  raw,
	}, nil
}

// NewResponse builds a success response envelope for the given RPC id.
func NewResponse(id string, result any) (*Envelope, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal result: %w", err)
	}
	return &Envelope{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Result:  raw,
	}, nil
}

// NewErrorResponse builds an error response envelope for the given RPC id.
func NewErrorResponse(id string, code int, message string) *Envelope {
	return &Envelope{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Error:   &RPCError{Code: code, Message: message},
	}
}

// Decode parses a raw payload into an envelope and validates the version.
func Decode(payload []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("failed to decode envelope: %w", err)
	}
	if env.JSONRPC != JSONRPCVersion {
		return nil, fmt.Errorf("unsupported jsonrpc version: %q", env.JSONRPC)
	}
	return &env, nil
}

// Encode serializes an envelope to its wire form.
func (e *Envelope) Encode() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to encode envelope: %w", err)
	}
	return data, nil
}

// DecodeParams unmarshals the request params into out.
func (e *Envelope) DecodeParams(out any) error {
	if len(e.Params) == 0 {
		return fmt.Errorf("envelope has no params")
	}
	if err := json.Unmarshal(e.Params, out); err != nil {
		return fmt.Errorf("failed to decode params for %s: %w", e.Method, err)
	}
	return nil
}

// DecodeResult unmarshals the response result into out.
func (e *Envelope) DecodeResult(out any) error {
	if len(e.Result) == 0 {
		return fmt.Errorf("envelope has no result")
	}
	if err := json.Unmarshal(e.Result, out); err != nil {
		return fmt.Errorf("failed to decode result: %w", err)
	}
	return nil
}

// ResultKind returns the "kind" discriminator of a result payload, or "".
func (e *Envelope) ResultKind() string {
	if len(e.Result) == 0 {
		return ""
	}
	var probe struct {
		Kind string `json:"kind"`
	}
	if err := json.Unmarshal(e.Result, &probe); err != nil {
		return ""
	}
	return probe.Kind
}
