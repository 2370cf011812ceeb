// Package handler implements the Request Handler (C7) of this design: it
// is the single entry point for every client JSON-RPC call, recognizing a
// fixed set of MCP methods and forwarding everything else to all enabled
// backends.
package handler

import "encoding/json"

// Request is one JSON-RPC 2.0 request or notification.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// IsNotification reports whether r carries no id, per JSON-RPC 2.0.
func (r Request) IsNotification() bool { return len(r.ID) == 0 }

// Response is one JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is a JSON-RPC 2.0 error object, per the propagation
// policy.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func errorResponse(id json.RawMessage, code int, message string) Response {
	return Response{
		JSONRPC: "2.0",
		ID:      id,
		Error:   &RPCError{Code: code, Message: message},
	}
}

func resultResponse(id json.RawMessage, result any) Response {
	data, err := json.Marshal(result)
	if err != nil {
		return errorResponse(id, -32603, "marshal result: "+err.Error())
	}
	return Response{JSONRPC: "2.0", ID: id, Result: data}
}
