// Package protocol is the JSON-RPC dispatch shell of the MCP server.
//
// It owns the initialize handshake, the method, tool and resource
// registries, and the mapping of handler results and errors onto wire
// envelopes. Transports feed raw messages to HandleWireMessage and write
// back whatever it returns.
package protocol

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/rs/zerolog"
	"gitlab.com/tozd/go/errors"
	"golang.org/x/sync/errgroup"
)

// State is the handshake state of a Server.
type State int

const (
	StateUninitialized State = iota
	StateInitializing
	StateReady
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Method names handled by the server itself.
const (
	MethodInitialize    = "initialize"
	MethodInitialized   = "notifications/initialized"
	MethodPing          = "ping"
	MethodToolsList     = "tools/list"
	MethodToolsCall     = "tools/call"
	MethodResourcesList = "resources/list"
	MethodResourcesRead = "resources/read"
)

// RequestHandler serves one request method.
type RequestHandler func(ctx context.Context, params json.RawMessage) (any, error)

// NotificationHandler serves one notification method. Errors are logged only.
type NotificationHandler func(ctx context.Context, params json.RawMessage) error

// ToolHandlerFunc serves one tool.
type ToolHandlerFunc func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error)

// ResourceHandlerFunc serves one resource.
type ResourceHandlerFunc func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error)

type toolEntry struct {
	tool    mcp.Tool
	handler ToolHandlerFunc
}

type resourceEntry struct {
	resource mcp.Resource
	handler  ResourceHandlerFunc
}

// Server dispatches wire messages to registered handlers.
type Server struct {
	info         mcp.Implementation
	instructions string
	logger       zerolog.Logger

	mu            sync.RWMutex
	state         State
	client        mcp.Implementation
	requests      map[string]RequestHandler
	notifications map[string]NotificationHandler
	tools         map[string]toolEntry
	toolOrder     []string
	resources     map[string]resourceEntry
	resourceOrder []string
}

// Option customizes a Server.
type Option func(*Server)

// WithInstructions sets the instructions returned from initialize.
func WithInstructions(text string) Option {
	return func(s *Server) { s.instructions = text }
}

// WithLogger sets the server logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// NewServer returns a Server with the built-in methods registered.
func NewServer(name, version string, opts ...Option) *Server {
	s := &Server{
		info:          mcp.Implementation{Name: name, Version: version},
		logger:        zerolog.Nop(),
		requests:      make(map[string]RequestHandler),
		notifications: make(map[string]NotificationHandler),
		tools:         make(map[string]toolEntry),
		resources:     make(map[string]resourceEntry),
	}
	for _, o := range opts {
		o(s)
	}
	s.registerBuiltins()
	return s
}

// --- Registries ---

// HandleRequest registers h for method, replacing any previous handler.
func (s *Server) HandleRequest(method string, h RequestHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests[method] = h
}

// HandleNotification registers h for method.
func (s *Server) HandleNotification(method string, h NotificationHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notifications[method] = h
}

// AddTool registers a tool. Registering the same name again replaces it.
func (s *Server) AddTool(tool mcp.Tool, h ToolHandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tools[tool.Name]; !ok {
		s.toolOrder = append(s.toolOrder, tool.Name)
	}
	s.tools[tool.Name] = toolEntry{tool: tool, handler: h}
}

// AddResource registers a resource by URI.
func (s *Server) AddResource(res mcp.Resource, h ResourceHandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.resources[res.URI]; !ok {
		s.resourceOrder = append(s.resourceOrder, res.URI)
	}
	s.resources[res.URI] = resourceEntry{resource: res, handler: h}
}

// Tools returns the registered tools in registration order.
func (s *Server) Tools() []mcp.Tool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]mcp.Tool, 0, len(s.toolOrder))
	for _, name := range s.toolOrder {
		out = append(out, s.tools[name].tool)
	}
	return out
}

// Resources returns the registered resources in registration order.
func (s *Server) Resources() []mcp.Resource {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]mcp.Resource, 0, len(s.resourceOrder))
	for _, uri := range s.resourceOrder {
		out = append(out, s.resources[uri].resource)
	}
	return out
}

// State returns the handshake state.
func (s *Server) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Client returns the client identity sent with initialize.
func (s *Server) Client() mcp.Implementation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.client
}

// --- Tool and resource entry points ---

// CallTool invokes a registered tool by name.
func (s *Server) CallTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error) {
	s.mu.RLock()
	entry, ok := s.tools[name]
	s.mu.RUnlock()
	if !ok {
		return nil, Errorf(CodeNotFound, "tool not found: %s", name)
	}

	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args
	return entry.handler(ctx, req)
}

// ReadResource reads a registered resource by URI.
func (s *Server) ReadResource(ctx context.Context, uri string) ([]mcp.ResourceContents, error) {
	s.mu.RLock()
	entry, ok := s.resources[uri]
	s.mu.RUnlock()
	if !ok {
		return nil, Errorf(CodeNotFound, "resource not found: %s", uri)
	}

	req := mcp.ReadResourceRequest{}
	req.Params.URI = uri
	return entry.handler(ctx, req)
}

// --- Wire handling ---

// HandleWireMessage resolves one raw message, single or batch, and returns
// the encoded response, or nil when nothing needs to be sent back.
func (s *Server) HandleWireMessage(ctx context.Context, raw []byte) []byte {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || !json.Valid(raw) {
		return parseErrorResponse()
	}

	if raw[0] != '[' {
		resp := s.resolve(ctx, raw)
		if resp == nil {
			return nil
		}
		return s.encode(resp)
	}

	var batch []json.RawMessage
	if err := json.Unmarshal(raw, &batch); err != nil {
		return parseErrorResponse()
	}
	if len(batch) == 0 {
		return s.encode(errorResponse(nil, &Error{Code: CodeInvalidRequest, Message: "empty batch"}))
	}

	results := make([]*Response, len(batch))
	var g errgroup.Group
	for i, msg := range batch {
		g.Go(func() error {
			results[i] = s.resolve(ctx, msg)
			return nil
		})
	}
	_ = g.Wait()

	results = slices.DeleteFunc(results, func(r *Response) bool { return r == nil })
	if len(results) == 0 {
		return nil
	}
	data, err := json.Marshal(results)
	if err != nil {
		s.logger.Error().Err(err).Msg("encoding batch response")
		return s.encode(errorResponse(nil, &Error{Code: CodeInternalError, Message: "encoding response failed"}))
	}
	return data
}

func (s *Server) encode(resp *Response) []byte {
	data, err := json.Marshal(resp)
	if err != nil {
		s.logger.Error().Err(err).Str("id", string(resp.ID)).Msg("encoding response")
		data, _ = json.Marshal(errorResponse(resp.ID, &Error{Code: CodeInternalError, Message: "encoding response failed"}))
	}
	return data
}

// resolve handles one non-batch message. It returns nil for notifications.
func (s *Server) resolve(ctx context.Context, raw json.RawMessage) *Response {
	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return errorResponse(nil, &Error{Code: CodeInvalidRequest, Message: "invalid request"})
	}
	if req.JSONRPC != mcp.JSONRPC_VERSION || req.Method == "" {
		return errorResponse(req.ID, &Error{Code: CodeInvalidRequest, Message: "invalid request"})
	}

	if req.IsNotification() {
		s.dispatchNotification(ctx, &req)
		return nil
	}

	result, err := s.dispatchRequest(ctx, &req)
	if err != nil {
		return errorResponse(req.ID, toWireError(err))
	}
	return resultResponse(req.ID, result)
}

func (s *Server) dispatchRequest(ctx context.Context, req *Request) (result any, err error) {
	if err := s.gate(req.Method); err != nil {
		return nil, err
	}

	s.mu.RLock()
	h, ok := s.requests[req.Method]
	s.mu.RUnlock()
	if !ok {
		return nil, Errorf(CodeMethodNotFound, "method not found: %s", req.Method)
	}

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().Interface("panic", r).Str("method", req.Method).Msg("request handler panicked")
			result, err = nil, Errorf(CodeInternalError, "internal error: %v", r)
		}
	}()

	logger := s.logger.With().Str("method", req.Method).RawJSON("id", req.ID).Logger()
	result, err = h(logger.WithContext(ctx), req.Params)
	if err != nil && req.Method == MethodInitialize {
		// A rejected initialize leaves the handshake where it started.
		s.mu.Lock()
		s.state = StateUninitialized
		s.mu.Unlock()
	}
	return result, err
}

// gate enforces the handshake for requests.
func (s *Server) gate(method string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if method == MethodInitialize {
		if s.state != StateUninitialized {
			return Errorf(CodeInvalidParams, "server already initialized")
		}
		s.state = StateInitializing
		return nil
	}
	if s.state == StateUninitialized {
		return Errorf(CodeInvalidParams, "server not initialized: %s requires initialize first", method)
	}
	return nil
}

func (s *Server) dispatchNotification(ctx context.Context, req *Request) {
	logger := s.logger.With().Str("method", req.Method).Logger()

	if req.Method != MethodInitialized && s.State() == StateUninitialized {
		logger.Warn().Msg("dropping notification before initialize")
		return
	}

	s.mu.RLock()
	h, ok := s.notifications[req.Method]
	s.mu.RUnlock()
	if !ok {
		logger.Debug().Msg("no handler for notification")
		return
	}

	defer func() {
		if r := recover(); r != nil {
			logger.Error().Interface("panic", r).Msg("notification handler panicked")
		}
	}()
	if err := h(logger.WithContext(ctx), req.Params); err != nil {
		logger.Warn().Err(err).Msg("notification handler failed")
	}
}

// toWireError keeps a handler's *Error and maps everything else to an
// internal error.
func toWireError(err error) *Error {
	var werr *Error
	if errors.As(err, &werr) {
		return werr
	}
	return &Error{Code: CodeInternalError, Message: err.Error()}
}
