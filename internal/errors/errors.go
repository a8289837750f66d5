// Package errors provides the error taxonomy shared by every component and
// its conversion to the wire formats used by the MCP, HTTP and WebSocket
// transports.
package errors

import (
	stderrors "errors"
	"fmt"
)

// Kind classifies a failure independently of the transport that reports it.
type Kind int

const (
	KindInternal Kind = iota
	KindPathEscape
	KindExtensionRejected
	KindPathDenied
	KindNotFound
	KindIsDirectory
	KindNotDirectory
	KindTooLarge
	KindSizeExceeded
	KindInvalidArguments
	KindRateLimited
	KindUnknownTool
	KindFallbackUnavailable
)

var kindNames = map[Kind]string{
	KindInternal:            "internal",
	KindPathEscape:          "path_escape",
	KindExtensionRejected:   "extension_rejected",
	KindPathDenied:          "path_denied",
	KindNotFound:            "not_found",
	KindIsDirectory:         "is_directory",
	KindNotDirectory:        "not_directory",
	KindTooLarge:            "too_large",
	KindSizeExceeded:        "size_exceeded",
	KindInvalidArguments:    "invalid_arguments",
	KindRateLimited:         "rate_limited",
	KindUnknownTool:         "unknown_tool",
	KindFallbackUnavailable: "fallback_unavailable",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// IsSecurity reports whether failures of this kind are sandbox violations.
func (k Kind) IsSecurity() bool {
	return k == KindPathEscape || k == KindExtensionRejected || k == KindPathDenied
}

// Error is the error value returned by components. Details are copied into
// the wire error untouched.
type Error struct {
	Kind    Kind
	Message string
	Details map[string]interface{}
	Cause   error
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches another *Error of the same kind, so sentinel comparisons like
// errors.Is(err, &Error{Kind: KindNotFound}) work.
func (e *Error) Is(target error) bool {
	var other *Error
	if !stderrors.As(target, &other) {
		return false
	}
	return other.Kind == e.Kind
}

// New creates an error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates an error of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an error of the given kind around a cause.
func Wrap(kind Kind, cause error, message string) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// With adds a detail entry and returns the receiver.
func (e *Error) With(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// KindOf returns the kind of err, or KindInternal when err carries none.
func KindOf(err error) Kind {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsKind reports whether err is an *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	if err == nil {
		return false
	}
	var e *Error
	return stderrors.As(err, &e) && e.Kind == kind
}

func InvalidArgument(field, reason string) *Error {
	return Newf(KindInvalidArguments, "invalid argument '%s': %s", field, reason).
		With("field", field).
		With("reason", reason)
}

func NotFound(what, name string) *Error {
	return Newf(KindNotFound, "%s not found: %s", what, name).With(what, name)
}

func TooLarge(limit, attempted int64) *Error {
	return Newf(KindTooLarge, "content of %d bytes exceeds limit of %d bytes", attempted, limit).
		With("limit", limit).
		With("attempted", attempted)
}

func SizeExceeded(limit, attempted int64) *Error {
	return Newf(KindSizeExceeded, "entry of %d bytes exceeds store capacity of %d bytes", attempted, limit).
		With("limit", limit).
		With("attempted", attempted)
}

func UnknownTool(name string) *Error {
	return New(KindUnknownTool, "unknown tool").With("tool", name)
}
