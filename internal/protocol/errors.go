package protocol

import (
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
)

// Application error codes, in the JSON-RPC server-defined range.
const (
	CodeCapacity       = -32001
	CodeProcessFailure = -32002
	CodeUnsupported    = -32003
	CodeNotFound       = -32004
)

// Standard JSON-RPC codes, re-exported for handlers.
const (
	CodeParseError     = mcp.PARSE_ERROR
	CodeInvalidRequest = mcp.INVALID_REQUEST
	CodeMethodNotFound = mcp.METHOD_NOT_FOUND
	CodeInvalidParams  = mcp.INVALID_PARAMS
	CodeInternalError  = mcp.INTERNAL_ERROR
)

// Error is a wire-level error. Handlers return it to control the code and
// data of the error envelope; any other error becomes CodeInternalError.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s (code %d)", e.Message, e.Code)
}

// NewError builds an Error.
func NewError(code int, message string, data any) *Error {
	return &Error{Code: code, Message: message, Data: data}
}

// Errorf builds an Error with a formatted message and no data.
func Errorf(code int, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}
