// Package jsonrpc implements the JSON-RPC 2.0 framing shared by the
// orchestration API and the portal protocol. Both surfaces speak the same
// request/response envelope; only the transport differs (HTTP for the API,
// a point-to-point vsock stream for the portal).
package jsonrpc

import (
	"encoding/json"
	"fmt"
)

const Version = "2.0"

// Standard JSON-RPC 2.0 error codes, plus the server-reserved range used for
// sandbox-specific failures.
const (
	CodeParse          = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternal       = -32603

	CodeSandboxState = -32000 // start/stop called in the wrong state
	CodeResource     = -32001 // port, layer, or digest conflicts
	CodeNotFound     = -32004 // unknown sandbox or project
)

type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      *uint64         `json:"id,omitempty"`
}

type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
	ID      *uint64         `json:"id"`
}

type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// NewRequest builds a request with marshaled params. A nil id marks a
// notification.
func NewRequest(id *uint64, method string, params any) (Request, error) {
	req := Request{JSONRPC: Version, Method: method, ID: id}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return Request{}, fmt.Errorf("marshal params for %s: %w", method, err)
		}
		req.Params = raw
	}
	return req, nil
}

func NewResult(id *uint64, result any) (Response, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return Response{}, fmt.Errorf("marshal result: %w", err)
	}
	return Response{JSONRPC: Version, Result: raw, ID: id}, nil
}

func NewError(id *uint64, code int, message string) Response {
	return Response{
		JSONRPC: Version,
		Error:   &Error{Code: code, Message: message},
		ID:      id,
	}
}

// Validate checks the envelope fields a server must reject up front.
func (r Request) Validate() *Error {
	if r.JSONRPC != Version {
		return &Error{Code: CodeInvalidRequest, Message: "invalid or missing jsonrpc version field"}
	}
	if r.Method == "" {
		return &Error{Code: CodeInvalidRequest, Message: "missing method"}
	}
	return nil
}

// UnmarshalParams decodes request params into dst, treating absent params as
// an empty object.
func (r Request) UnmarshalParams(dst any) error {
	raw := r.Params
	if len(raw) == 0 {
		raw = []byte("{}")
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("decode params for %s: %w", r.Method, err)
	}
	return nil
}
