// Package gateway is the hub side of the runner WebSocket fabric: each
// connected runner gets a socket with an RPC channel in both directions,
// and the methods it serves are advertised into the sync registry.
package gateway

import "encoding/json"

// Frame kinds carried on a runner socket.
const (
	FrameRPCRequest    = "rpc-request"
	FrameRPCResponse   = "rpc-response"
	FrameRPCRegister   = "rpc-register"
	FrameRPCUnregister = "rpc-unregister"
	FrameEvent         = "event"
)

// Frame is one message on a runner socket. Requests carry id+method+params;
// responses echo the id with result or error.
type Frame struct {
	ID     int64           `json:"id,omitempty"`
	Type   string          `json:"type"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}
