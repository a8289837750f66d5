package errors

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"math"
	"net/http"
	"time"

	"github.com/fredcamaral/gomcp-sdk/protocol"
)

// ErrorCode is the stable code clients match on
type ErrorCode string

const (
	// Sandbox violations
	ErrorCodePathEscape        ErrorCode = "PATH_ESCAPE"
	ErrorCodeExtensionRejected ErrorCode = "EXTENSION_REJECTED"
	ErrorCodePathDenied        ErrorCode = "PATH_DENIED"

	// Resource errors
	ErrorCodeNotFound     ErrorCode = "NOT_FOUND"
	ErrorCodeIsDirectory  ErrorCode = "IS_DIRECTORY"
	ErrorCodeNotDirectory ErrorCode = "NOT_DIRECTORY"

	// Capacity errors
	ErrorCodeTooLarge     ErrorCode = "TOO_LARGE"
	ErrorCodeSizeExceeded ErrorCode = "SIZE_EXCEEDED"

	// Request errors
	ErrorCodeInvalidArguments ErrorCode = "INVALID_ARGUMENTS"
	ErrorCodeRateLimited      ErrorCode = "RATE_LIMITED"
	ErrorCodeUnknownTool      ErrorCode = "UNKNOWN_TOOL"

	// System errors
	ErrorCodeFallbackUnavailable ErrorCode = "FALLBACK_UNAVAILABLE"
	ErrorCodeInternalError       ErrorCode = "INTERNAL_ERROR"
)

var kindCodes = map[Kind]ErrorCode{
	KindInternal:            ErrorCodeInternalError,
	KindPathEscape:          ErrorCodePathEscape,
	KindExtensionRejected:   ErrorCodeExtensionRejected,
	KindPathDenied:          ErrorCodePathDenied,
	KindNotFound:            ErrorCodeNotFound,
	KindIsDirectory:         ErrorCodeIsDirectory,
	KindNotDirectory:        ErrorCodeNotDirectory,
	KindTooLarge:            ErrorCodeTooLarge,
	KindSizeExceeded:        ErrorCodeSizeExceeded,
	KindInvalidArguments:    ErrorCodeInvalidArguments,
	KindRateLimited:         ErrorCodeRateLimited,
	KindUnknownTool:         ErrorCodeUnknownTool,
	KindFallbackUnavailable: ErrorCodeFallbackUnavailable,
}

// Code returns the wire code for the kind
func (k Kind) Code() ErrorCode {
	if code, ok := kindCodes[k]; ok {
		return code
	}
	return ErrorCodeInternalError
}

// StandardError represents the unified error structure across all transports
type StandardError struct {
	ErrorInfo ErrorDetails `json:"error"`
}

// Error implements the Go error interface
func (e *StandardError) Error() string {
	return e.ErrorInfo.Message
}

// ErrorDetails contains the detailed error information
type ErrorDetails struct {
	Code     ErrorCode   `json:"code"`
	Message  string      `json:"message"`
	Details  interface{} `json:"details,omitempty"`
	Protocol string      `json:"protocol,omitempty"`
	TraceID  string      `json:"trace_id,omitempty"`
}

// RateLimitDetail provides rate limiting error information
type RateLimitDetail struct {
	Limit      int           `json:"limit"`
	Window     string        `json:"window"`
	RetryAfter time.Duration `json:"-"`
	RetrySecs  int64         `json:"retry_after"`
	Remaining  int           `json:"remaining"`
}

// NewStandardError creates a new standardized error
func NewStandardError(code ErrorCode, message string, details interface{}) *StandardError {
	return &StandardError{
		ErrorInfo: ErrorDetails{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

// NewRateLimitError creates a rate limiting error
func NewRateLimitError(limit int, window time.Duration, retryAfter time.Duration, remaining int) *StandardError {
	return &StandardError{
		ErrorInfo: ErrorDetails{
			Code:    ErrorCodeRateLimited,
			Message: fmt.Sprintf("Rate limit exceeded: %d requests per %s", limit, window),
			Details: RateLimitDetail{
				Limit:      limit,
				Window:     window.String(),
				RetryAfter: retryAfter,
				RetrySecs:  int64(math.Ceil(retryAfter.Seconds())),
				Remaining:  remaining,
			},
		},
	}
}

// NewInternalError creates an internal server error. The cause is not
// exposed to clients.
func NewInternalError(message string) *StandardError {
	return NewStandardError(ErrorCodeInternalError, message, map[string]interface{}{
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// FromError converts any error into its wire representation.
func FromError(err error) *StandardError {
	var std *StandardError
	if stderrors.As(err, &std) {
		return std
	}

	var e *Error
	if !stderrors.As(err, &e) || e.Kind == KindInternal || e.Kind == KindFallbackUnavailable {
		return NewInternalError("Internal server error occurred")
	}

	if e.Kind == KindRateLimited {
		limit, _ := e.Details["limit"].(int)
		window, _ := e.Details["window"].(time.Duration)
		retryAfter, _ := e.Details["retry_after"].(time.Duration)
		remaining, _ := e.Details["remaining"].(int)
		return NewRateLimitError(limit, window, retryAfter, remaining)
	}

	var details interface{}
	if len(e.Details) > 0 {
		details = e.Details
	}
	return NewStandardError(e.Kind.Code(), e.Message, details)
}

// WithTraceID adds a trace ID to the error for debugging
func (e *StandardError) WithTraceID(traceID string) *StandardError {
	e.ErrorInfo.TraceID = traceID
	return e
}

// WithProtocol adds protocol information to the error
func (e *StandardError) WithProtocol(protocolName string) *StandardError {
	e.ErrorInfo.Protocol = protocolName
	return e
}

// JSONRPCCode maps the semantic code to a JSON-RPC error code
func (e *StandardError) JSONRPCCode() int {
	switch e.ErrorInfo.Code {
	case ErrorCodeInvalidArguments:
		return -32602 // Invalid params
	case ErrorCodeUnknownTool:
		return -32601 // Method not found
	case ErrorCodePathEscape, ErrorCodeExtensionRejected, ErrorCodePathDenied:
		return -32000
	case ErrorCodeRateLimited:
		return -32001
	case ErrorCodeNotFound, ErrorCodeIsDirectory, ErrorCodeNotDirectory:
		return -32002
	case ErrorCodeTooLarge, ErrorCodeSizeExceeded:
		return -32003
	default:
		return -32603 // Internal error
	}
}

// ToJSONRPCError converts StandardError to JSON-RPC error format
func (e *StandardError) ToJSONRPCError(id interface{}) *protocol.JSONRPCResponse {
	return &protocol.JSONRPCResponse{
		JSONRPC: "2.0",
		ID:      id,
		Error: &protocol.JSONRPCError{
			Code:    e.JSONRPCCode(),
			Message: e.ErrorInfo.Message,
			Data:    e,
		},
	}
}

// ToHTTPStatus maps StandardError to appropriate HTTP status code
func (e *StandardError) ToHTTPStatus() int {
	switch e.ErrorInfo.Code {
	case ErrorCodePathEscape, ErrorCodeExtensionRejected, ErrorCodePathDenied:
		return http.StatusForbidden
	case ErrorCodeInvalidArguments, ErrorCodeIsDirectory, ErrorCodeNotDirectory:
		return http.StatusBadRequest
	case ErrorCodeNotFound, ErrorCodeUnknownTool:
		return http.StatusNotFound
	case ErrorCodeTooLarge, ErrorCodeSizeExceeded:
		return http.StatusRequestEntityTooLarge
	case ErrorCodeRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// ToJSON converts StandardError to JSON bytes
func (e *StandardError) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

// WriteHTTPError writes StandardError as HTTP response
func (e *StandardError) WriteHTTPError(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")

	if e.ErrorInfo.TraceID != "" {
		w.Header().Set("X-Trace-ID", e.ErrorInfo.TraceID)
	}

	if e.ErrorInfo.Code == ErrorCodeRateLimited {
		if detail, ok := e.ErrorInfo.Details.(RateLimitDetail); ok {
			w.Header().Set("Retry-After", fmt.Sprintf("%d", detail.RetrySecs))
			w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%d", detail.Limit))
			w.Header().Set("X-RateLimit-Remaining", fmt.Sprintf("%d", detail.Remaining))
		}
	}

	w.WriteHeader(e.ToHTTPStatus())

	jsonBytes, _ := e.ToJSON()
	_, _ = w.Write(jsonBytes)
}

// IsSecurityError checks if the error is a sandbox violation
func IsSecurityError(err *StandardError) bool {
	return err.ErrorInfo.Code == ErrorCodePathEscape ||
		err.ErrorInfo.Code == ErrorCodeExtensionRejected ||
		err.ErrorInfo.Code == ErrorCodePathDenied
}

func IsClientError(err *StandardError) bool {
	status := err.ToHTTPStatus()
	return status >= 400 && status < 500
}
