package security

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"mcp-resource-server/internal/logging"
)

// EventSeverity represents the severity level
type EventSeverity string

const (
	SeverityMedium EventSeverity = "medium"
	SeverityHigh   EventSeverity = "high"
)

// AuditEvent records one blocked access attempt.
type AuditEvent struct {
	ID        string        `json:"id"`
	Timestamp time.Time     `json:"timestamp"`
	Kind      string        `json:"kind"`
	Tool      string        `json:"tool"`
	Resource  string        `json:"resource"`
	Reason    string        `json:"reason"`
	Severity  EventSeverity `json:"severity"`
	Actor     Identity      `json:"actor"`
	TraceID   string        `json:"trace_id,omitempty"`
}

// SecurityCounter counts security events for metrics.
type SecurityCounter interface {
	ObserveSecurityEvent(kind, tool string)
}

// AuditLogger writes security events to the log and keeps the most recent
// ones in a ring buffer.
type AuditLogger struct {
	logger  logging.Logger
	counter SecurityCounter
	now     func() time.Time

	mu     sync.Mutex
	buffer []AuditEvent
	next   int
	full   bool
}

// NewAuditLogger keeps up to bufferSize recent events.
func NewAuditLogger(logger logging.Logger, counter SecurityCounter, bufferSize int) *AuditLogger {
	if logger == nil {
		logger = logging.NewNoOpLogger()
	}
	if bufferSize <= 0 {
		bufferSize = 100
	}
	return &AuditLogger{
		logger:  logger.WithComponent("security"),
		counter: counter,
		now:     time.Now,
		buffer:  make([]AuditEvent, bufferSize),
	}
}

// LogSecurityEvent records a blocked attempt by the caller in ctx.
func (al *AuditLogger) LogSecurityEvent(ctx context.Context, kind, tool, resource, reason string) AuditEvent {
	event := AuditEvent{
		ID:        uuid.NewString(),
		Timestamp: al.now(),
		Kind:      kind,
		Tool:      tool,
		Resource:  resource,
		Reason:    reason,
		Severity:  severityOf(kind),
		Actor:     IdentityFrom(ctx),
		TraceID:   logging.GetTraceID(ctx),
	}

	al.mu.Lock()
	al.buffer[al.next] = event
	al.next = (al.next + 1) % len(al.buffer)
	if al.next == 0 {
		al.full = true
	}
	al.mu.Unlock()

	al.logger.WarnContext(ctx, "security event",
		"event_id", event.ID,
		"kind", kind,
		"tool", tool,
		"resource", resource,
		"reason", reason,
		"severity", string(event.Severity),
		"identity", event.Actor.ID,
		"auth_method", string(event.Actor.Method))

	if al.counter != nil {
		al.counter.ObserveSecurityEvent(kind, tool)
	}
	return event
}

// Recent returns up to n events, newest first.
func (al *AuditLogger) Recent(n int) []AuditEvent {
	al.mu.Lock()
	defer al.mu.Unlock()

	size := al.next
	if al.full {
		size = len(al.buffer)
	}
	if n <= 0 || n > size {
		n = size
	}

	out := make([]AuditEvent, 0, n)
	for i := 1; i <= n; i++ {
		idx := (al.next - i + len(al.buffer)) % len(al.buffer)
		out = append(out, al.buffer[idx])
	}
	return out
}

func severityOf(kind string) EventSeverity {
	if kind == "PATH_ESCAPE" {
		return SeverityHigh
	}
	return SeverityMedium
}
