// Package mcp exposes the dispatcher's tools over the Model Context Protocol.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	mcp "github.com/fredcamaral/gomcp-sdk"
	"github.com/fredcamaral/gomcp-sdk/protocol"
	"github.com/fredcamaral/gomcp-sdk/server"

	"mcp-resource-server/internal/dispatch"
	mcperrors "mcp-resource-server/internal/errors"
	"mcp-resource-server/internal/logging"
	"mcp-resource-server/internal/memory"
	"mcp-resource-server/internal/security"
)

const (
	methodToolsCall     = "tools/call"
	notificationsPrefix = "notifications/"

	// StatsResourceURI serves the memory store statistics.
	StatsResourceURI = "memory://stats"
)

// Options configure a Server.
type Options struct {
	Name    string
	Version string
	// DefaultIdentity is attached to requests whose context carries none,
	// which is the case for every request read from stdio.
	DefaultIdentity *security.Identity
}

// Server adapts the dispatcher to an MCP server. Tool calls are intercepted
// and run through the dispatcher so that every transport reports errors the
// same way; the remaining methods are served by the SDK.
type Server struct {
	mcpServer  *server.Server
	dispatcher *dispatch.Dispatcher
	bridge     *memory.Bridge
	logger     logging.Logger
	identity   *security.Identity
}

// NewServer registers every dispatcher tool and the stats resource.
func NewServer(opts Options, d *dispatch.Dispatcher, bridge *memory.Bridge, logger logging.Logger) *Server {
	if logger == nil {
		logger = logging.NewNoOpLogger()
	}
	s := &Server{
		mcpServer:  mcp.NewServer(opts.Name, opts.Version),
		dispatcher: d,
		bridge:     bridge,
		logger:     logger.WithComponent("mcp"),
		identity:   opts.DefaultIdentity,
	}
	s.registerTools()
	s.registerResources()
	return s
}

func (s *Server) registerTools() {
	tools := s.dispatcher.Tools()
	for _, t := range tools {
		name := t.Name
		s.mcpServer.AddTool(mcp.NewTool(
			t.Name,
			t.Description,
			mcp.ObjectSchema(t.Description, t.Properties(), t.Required()),
		), mcp.ToolHandlerFunc(func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			resp := s.dispatcher.Dispatch(s.withIdentity(ctx), dispatch.Request{Name: name, Arguments: params})
			if resp.IsError() {
				return nil, resp.Error
			}
			return resp.Result, nil
		}))
	}
	s.logger.Info("MCP tools registered", "count", len(tools))
}

func (s *Server) registerResources() {
	s.mcpServer.AddResource(
		mcp.NewResource(StatsResourceURI, "Memory Statistics", "Usage of the in-process memory store", "application/json"),
		mcp.ResourceHandlerFunc(s.handleResourceRead),
	)
}

func (s *Server) handleResourceRead(_ context.Context, uri string) ([]protocol.Content, error) {
	if uri != StatsResourceURI {
		return nil, fmt.Errorf("unknown resource: %s", uri)
	}
	data, err := json.Marshal(s.bridge.Stats())
	if err != nil {
		return nil, fmt.Errorf("failed to marshal stats: %w", err)
	}
	return []protocol.Content{protocol.NewContent(string(data))}, nil
}

// MCPServer returns the underlying SDK server.
func (s *Server) MCPServer() *server.Server {
	return s.mcpServer
}

// HandleRequest serves one JSON-RPC request. Notifications get no response.
func (s *Server) HandleRequest(ctx context.Context, req *protocol.JSONRPCRequest) *protocol.JSONRPCResponse {
	if strings.HasPrefix(req.Method, notificationsPrefix) {
		s.logger.DebugContext(ctx, "notification received", "method", req.Method)
		return nil
	}

	ctx = s.withIdentity(ctx)
	if req.Method != methodToolsCall {
		return s.mcpServer.HandleRequest(ctx, req)
	}

	call, err := decodeToolCall(req.Params)
	if err != nil {
		return mcperrors.NewStandardError(mcperrors.ErrorCodeInvalidArguments, "invalid tools/call params", map[string]interface{}{
			"reason": err.Error(),
		}).ToJSONRPCError(req.ID)
	}

	resp := s.dispatcher.Dispatch(ctx, dispatch.Request{Name: call.Name, Arguments: call.Arguments})
	result, err := ToolResult(resp)
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to encode tool result", "tool", call.Name, "error", err)
		return mcperrors.NewInternalError("failed to encode tool result").WithTraceID(resp.TraceID).ToJSONRPCError(req.ID)
	}
	return &protocol.JSONRPCResponse{JSONRPC: "2.0", ID: req.ID, Result: result}
}

// ToolResult renders a dispatcher response as an MCP tool result. Failures
// become results flagged IsError whose text is the StandardError JSON.
func ToolResult(resp *dispatch.Response) (*protocol.ToolCallResult, error) {
	var body interface{} = resp.Result
	if resp.IsError() {
		body = resp.Error
	}
	data, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	result := protocol.NewToolCallResult(protocol.NewContent(string(data)))
	result.IsError = resp.IsError()
	return result, nil
}

// decodeToolCall accepts params in any shape that marshals to
// {"name": ..., "arguments": {...}}.
func decodeToolCall(params interface{}) (*protocol.ToolCallRequest, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	var call protocol.ToolCallRequest
	if err := json.Unmarshal(raw, &call); err != nil {
		return nil, err
	}
	if call.Name == "" {
		return nil, fmt.Errorf("missing tool name")
	}
	if call.Arguments == nil {
		call.Arguments = map[string]interface{}{}
	}
	return &call, nil
}

func (s *Server) withIdentity(ctx context.Context) context.Context {
	if s.identity == nil {
		return ctx
	}
	if _, ok := ctx.Value(security.ContextKeyIdentity).(security.Identity); ok {
		return ctx
	}
	return security.WithIdentity(ctx, *s.identity)
}
