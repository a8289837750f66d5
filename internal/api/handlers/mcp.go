package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/fredcamaral/gomcp-sdk/protocol"

	"mcp-resource-server/internal/logging"
)

// RequestHandler serves one JSON-RPC request; nil means no response.
type RequestHandler interface {
	HandleRequest(ctx context.Context, req *protocol.JSONRPCRequest) *protocol.JSONRPCResponse
}

// MCPHandler serves MCP over HTTP, one JSON-RPC request per POST.
type MCPHandler struct {
	handler RequestHandler
	logger  logging.Logger
}

func NewMCPHandler(handler RequestHandler, logger logging.Logger) *MCPHandler {
	if logger == nil {
		logger = logging.NewNoOpLogger()
	}
	return &MCPHandler{handler: handler, logger: logger.WithComponent("mcp-http")}
}

// ServeHTTP handles POST /mcp.
func (h *MCPHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req protocol.JSONRPCRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeRPC(w, http.StatusBadRequest, parseError(err))
		return
	}

	resp := h.handler.HandleRequest(r.Context(), &req)
	if resp == nil {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	writeRPC(w, http.StatusOK, resp)
}

func parseError(err error) *protocol.JSONRPCResponse {
	return &protocol.JSONRPCResponse{
		JSONRPC: "2.0",
		Error:   protocol.NewJSONRPCError(protocol.ParseError, "Parse error", err.Error()),
	}
}

func writeRPC(w http.ResponseWriter, status int, resp *protocol.JSONRPCResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}
