// Package handlers provides the HTTP handlers of the API router.
package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"mcp-resource-server/internal/api/response"
	"mcp-resource-server/internal/dispatch"
	mcperrors "mcp-resource-server/internal/errors"
)

// ToolsHandler serves the REST rendition of the tool surface.
type ToolsHandler struct {
	dispatcher *dispatch.Dispatcher
}

// ToolCallResponse is the body of a successful REST tool call.
type ToolCallResponse struct {
	Tool    string      `json:"tool"`
	Result  interface{} `json:"result"`
	TraceID string      `json:"trace_id"`
}

func NewToolsHandler(d *dispatch.Dispatcher) *ToolsHandler {
	return &ToolsHandler{dispatcher: d}
}

// List handles GET /v1/tools.
func (h *ToolsHandler) List(w http.ResponseWriter, _ *http.Request) {
	tools := h.dispatcher.Tools()
	infos := make([]dispatch.ToolInfo, 0, len(tools))
	for _, t := range tools {
		infos = append(infos, t.Info())
	}
	response.WriteSuccess(w, map[string]interface{}{
		"tools": infos,
		"count": len(infos),
	})
}

// Call handles POST /v1/tools/{name}. The body is the arguments object; an
// empty body means no arguments.
func (h *ToolsHandler) Call(w http.ResponseWriter, r *http.Request) {
	args, err := decodeArguments(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			mcperrors.FromError(mcperrors.New(mcperrors.KindTooLarge, "request body too large").
				With("limit", tooLarge.Limit)).WriteHTTPError(w)
			return
		}
		mcperrors.FromError(mcperrors.InvalidArgument("arguments", "body must be a JSON object")).WriteHTTPError(w)
		return
	}

	resp := h.dispatcher.Dispatch(r.Context(), dispatch.Request{
		Name:      chi.URLParam(r, "name"),
		Arguments: args,
	})
	if resp.IsError() {
		resp.Error.WriteHTTPError(w)
		return
	}
	w.Header().Set("X-Trace-ID", resp.TraceID)
	response.WriteSuccess(w, ToolCallResponse{Tool: resp.Tool, Result: resp.Result, TraceID: resp.TraceID})
}

func decodeArguments(body io.Reader) (map[string]interface{}, error) {
	var args map[string]interface{}
	err := json.NewDecoder(body).Decode(&args)
	if errors.Is(err, io.EOF) {
		return map[string]interface{}{}, nil
	}
	if err != nil {
		return nil, err
	}
	if args == nil {
		args = map[string]interface{}{}
	}
	return args, nil
}
