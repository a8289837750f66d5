// Package response writes JSON bodies for the HTTP API.
package response

import (
	"encoding/json"
	"net/http"

	mcperrors "mcp-resource-server/internal/errors"
)

// Transport-level codes that have no counterpart in the tool error taxonomy.
const (
	ErrorCodeBadRequest       mcperrors.ErrorCode = "BAD_REQUEST"
	ErrorCodeRouteNotFound    mcperrors.ErrorCode = "ROUTE_NOT_FOUND"
	ErrorCodeMethodNotAllowed mcperrors.ErrorCode = "METHOD_NOT_ALLOWED"
)

// WriteJSON writes v with the given status.
func WriteJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteSuccess writes v with status 200.
func WriteSuccess(w http.ResponseWriter, v interface{}) {
	WriteJSON(w, http.StatusOK, v)
}

// WriteError writes a transport-level error in the same shape as tool
// errors.
func WriteError(w http.ResponseWriter, status int, code mcperrors.ErrorCode, message string) {
	WriteJSON(w, status, mcperrors.NewStandardError(code, message, nil))
}

func WriteBadRequest(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusBadRequest, ErrorCodeBadRequest, message)
}

func WriteNotFound(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusNotFound, ErrorCodeRouteNotFound, message)
}

func WriteMethodNotAllowed(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusMethodNotAllowed, ErrorCodeMethodNotAllowed, message)
}
