package protocol

import (
	"context"
	"encoding/json"
	"slices"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/rs/zerolog"
)

var supportedProtocolVersions = []string{"2025-06-18", "2025-03-26", "2024-11-05"}

func (s *Server) registerBuiltins() {
	s.requests[MethodInitialize] = s.handleInitialize
	s.requests[MethodPing] = func(context.Context, json.RawMessage) (any, error) { return struct{}{}, nil }
	s.requests[MethodToolsList] = func(context.Context, json.RawMessage) (any, error) {
		return listToolsResult{Tools: s.Tools()}, nil
	}
	s.requests[MethodToolsCall] = s.handleToolsCall
	s.requests[MethodResourcesList] = func(context.Context, json.RawMessage) (any, error) {
		return listResourcesResult{Resources: s.Resources()}, nil
	}
	s.requests[MethodResourcesRead] = s.handleResourcesRead
	s.notifications[MethodInitialized] = s.handleInitialized
}

func (s *Server) handleInitialize(ctx context.Context, raw json.RawMessage) (any, error) {
	var params InitializeParams
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &params); err != nil {
			return nil, Errorf(CodeInvalidParams, "invalid initialize params: %v", err)
		}
	}

	version := mcp.LATEST_PROTOCOL_VERSION
	if slices.Contains(supportedProtocolVersions, params.ProtocolVersion) {
		version = params.ProtocolVersion
	}

	s.mu.Lock()
	s.client = params.ClientInfo
	s.mu.Unlock()

	zerolog.Ctx(ctx).Info().
		Str("client", params.ClientInfo.Name).
		Str("client_version", params.ClientInfo.Version).
		Str("protocol", version).
		Msg("initialize")

	return InitializeResult{
		ProtocolVersion: version,
		ServerInfo:      s.info,
		Capabilities: Capabilities{
			Tools:     &ListCapability{},
			Resources: &ResourceCapability{},
		},
		Instructions: s.instructions,
	}, nil
}

func (s *Server) handleInitialized(ctx context.Context, _ json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateInitializing {
		s.state = StateReady
		zerolog.Ctx(ctx).Info().Msg("session ready")
	}
	return nil
}

func (s *Server) handleToolsCall(ctx context.Context, raw json.RawMessage) (any, error) {
	var params callToolParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, Errorf(CodeInvalidParams, "invalid tools/call params: %v", err)
	}
	if params.Name == "" {
		return nil, Errorf(CodeInvalidParams, "tools/call requires a name")
	}
	return s.CallTool(ctx, params.Name, params.Arguments)
}

func (s *Server) handleResourcesRead(ctx context.Context, raw json.RawMessage) (any, error) {
	var params readResourceParams
	if err := json.Unmarshal(raw, &params); err != nil || params.URI == "" {
		return nil, Errorf(CodeInvalidParams, "resources/read requires a uri")
	}
	contents, err := s.ReadResource(ctx, params.URI)
	if err != nil {
		return nil, err
	}
	return readResourceResult{Contents: contents}, nil
}
