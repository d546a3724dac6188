package protocol

import (
	"encoding/json"

	"github.com/mark3labs/mcp-go/mcp"
)

var nullID = json.RawMessage("null")

// Request is an incoming JSON-RPC message. A missing id makes it a
// notification.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// IsNotification reports whether no response is expected.
func (r *Request) IsNotification() bool { return len(r.ID) == 0 }

// Response is an outgoing JSON-RPC message.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

func resultResponse(id json.RawMessage, result any) *Response {
	if result == nil {
		result = struct{}{}
	}
	return &Response{JSONRPC: mcp.JSONRPC_VERSION, ID: id, Result: result}
}

func errorResponse(id json.RawMessage, e *Error) *Response {
	if len(id) == 0 {
		id = nullID
	}
	return &Response{JSONRPC: mcp.JSONRPC_VERSION, ID: id, Error: e}
}

// parseErrorResponse is the fixed envelope for unparseable input.
func parseErrorResponse() []byte {
	data, _ := json.Marshal(errorResponse(nullID, &Error{Code: CodeParseError, Message: "Parse error"}))
	return data
}

// --- Built-in method payloads ---

// InitializeParams is the initialize request body.
type InitializeParams struct {
	ProtocolVersion string             `json:"protocolVersion"`
	ClientInfo      mcp.Implementation `json:"clientInfo"`
	Capabilities    json.RawMessage    `json:"capabilities,omitempty"`
}

// InitializeResult is the initialize response body.
type InitializeResult struct {
	ProtocolVersion string             `json:"protocolVersion"`
	ServerInfo      mcp.Implementation `json:"serverInfo"`
	Capabilities    Capabilities       `json:"capabilities"`
	Instructions    string             `json:"instructions,omitempty"`
}

// Capabilities advertises what the server supports.
type Capabilities struct {
	Tools     *ListCapability     `json:"tools,omitempty"`
	Resources *ResourceCapability `json:"resources,omitempty"`
}

// ListCapability flags list-change notifications.
type ListCapability struct {
	ListChanged bool `json:"listChanged"`
}

// ResourceCapability flags resource subscriptions.
type ResourceCapability struct {
	Subscribe   bool `json:"subscribe"`
	ListChanged bool `json:"listChanged"`
}

type callToolParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

type readResourceParams struct {
	URI string `json:"uri"`
}

type listToolsResult struct {
	Tools []mcp.Tool `json:"tools"`
}

type listResourcesResult struct {
	Resources []mcp.Resource `json:"resources"`
}

type readResourceResult struct {
	Contents []mcp.ResourceContents `json:"contents"`
}
