// Package wire implements the framed JSON-RPC 2.0 message layer agentwire
// speaks with its client: newline-delimited UTF-8 records over a duplex byte
// stream, with correlation of outstanding requests to their responses.
package wire

import (
	"encoding/json"
	"fmt"
)

// Version is the JSON-RPC protocol version carried on every message.
const Version = "2.0"

// Reserved error codes. Codes outside this set are reserved for
// backend-specific extensions.
const (
	CodeParseError       = -32700
	CodeInvalidRequest   = -32600
	CodeMethodNotFound   = -32601
	CodeInvalidParams    = -32602
	CodeInternalError    = -32603
	CodeAuthRequired     = -32000
	CodeResourceNotFound = -32002
)

// Request is an id-bearing message that expects a Response.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response answers a Request, carrying either a result or an error.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Notification is an id-less message; no response is expected.
type Notification struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Error is the wire-level error object.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// NewError creates an Error with the given code and message.
func NewError(code int, message string) *Error {
	return &Error{Code: code, Message: message}
}

// NewErrorf creates an Error with a formatted message.
func NewErrorf(code int, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithData returns a copy of the error carrying additional detail.
func (e *Error) WithData(data any) *Error {
	return &Error{Code: e.Code, Message: e.Message, Data: data}
}

// MethodNotFound builds the standard error for an unknown or unsupported method.
func MethodNotFound(method string) *Error {
	return NewErrorf(CodeMethodNotFound, "method not found: %s", method)
}

// InvalidParams builds the standard error for malformed or rejected params.
func InvalidParams(msg string) *Error {
	return NewError(CodeInvalidParams, msg)
}

// ResourceNotFound builds the standard error for an unknown session or resource.
func ResourceNotFound(msg string) *Error {
	return NewError(CodeResourceNotFound, msg)
}

// Internal builds the standard internal error, preserving detail in data.
func Internal(msg string, data any) *Error {
	e := NewError(CodeInternalError, msg)
	if data != nil {
		e = e.WithData(data)
	}
	return e
}

// AuthRequired builds the reserved authentication-required error.
func AuthRequired(msg string, data any) *Error {
	e := NewError(CodeAuthRequired, msg)
	if data != nil {
		e = e.WithData(data)
	}
	return e
}
