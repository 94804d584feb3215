package mcp

import (
	"context"
	"encoding/json"
	"fmt"
)

// jsonrpcVersion is the JSON-RPC framing version providers speak.
const jsonrpcVersion = "2.0"

// Call is an outgoing JSON-RPC message. A nonzero ID marks a request
// that expects a Reply; a zero ID makes it a notification and the id
// field is omitted on the wire.
type Call struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id,omitempty"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// Reply is an incoming JSON-RPC response. Exactly one of Result or Err
// is set in a well-formed reply.
type Reply struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Err     *CallError      `json:"error,omitempty"`
}

// CallError is the error object a provider returns for a failed call.
type CallError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *CallError) Error() string {
	return fmt.Sprintf("provider rpc error %d: %s", e.Code, e.Message)
}

// Transport carries calls to a single provider process. The registry
// opens one transport per external provider at turn start and closes it
// when the turn's registry closes; transports never outlive a turn.
type Transport interface {
	// Roundtrip delivers a request and returns the matching reply.
	Roundtrip(ctx context.Context, call *Call) (*Reply, error)

	// Post delivers a notification. No reply is read.
	Post(ctx context.Context, call *Call) error

	// Close releases the transport. For subprocess transports this
	// terminates the provider process.
	Close() error
}
