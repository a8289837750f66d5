// Package dispatch validates, rate limits and routes tool calls to the
// file gateway and the memory store, and is the single place where
// component errors become wire errors.
package dispatch

import (
	"context"
	"time"

	mcperrors "mcp-resource-server/internal/errors"
	"mcp-resource-server/internal/logging"
	"mcp-resource-server/internal/memory"
	"mcp-resource-server/internal/metrics"
	"mcp-resource-server/internal/ratelimit"
	"mcp-resource-server/internal/sandbox"
	"mcp-resource-server/internal/security"
)

// Stage is a step of the per-request state machine.
type Stage string

const (
	StageReceived        Stage = "received"
	StageSchemaValidated Stage = "schema_validated"
	StageRateChecked     Stage = "rate_checked"
	StageRouted          Stage = "routed"
	StageCompleted       Stage = "completed"
	StageFailed          Stage = "failed"
)

// codeOK labels successful calls in metrics.
const codeOK = "OK"

// Request is one tool call.
type Request struct {
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments"`
}

// Response carries either a result or a wire error.
type Response struct {
	Tool     string                   `json:"tool"`
	Result   interface{}              `json:"result,omitempty"`
	Error    *mcperrors.StandardError `json:"error,omitempty"`
	TraceID  string                   `json:"trace_id"`
	Duration time.Duration            `json:"-"`
	// Stage is StageCompleted or StageFailed; FailedAt is the last stage
	// reached before a failure.
	Stage    Stage `json:"-"`
	FailedAt Stage `json:"-"`
}

// IsError reports whether the call failed.
func (r *Response) IsError() bool {
	return r.Error != nil
}

// Deps are the collaborators of a Dispatcher. Audit and Metrics may be nil.
type Deps struct {
	Files   *sandbox.Gateway
	Memory  *memory.Bridge
	Limiter ratelimit.Limiter
	Audit   *security.AuditLogger
	Metrics *metrics.Metrics
	Logger  logging.Logger
}

// Dispatcher runs tool calls through
// Received → SchemaValidated → RateChecked → Routed → Completed | Failed.
type Dispatcher struct {
	files   *sandbox.Gateway
	memory  *memory.Bridge
	limiter ratelimit.Limiter
	audit   *security.AuditLogger
	metrics *metrics.Metrics
	logger  logging.Logger

	tools    []Tool
	byName   map[string]Tool
	handlers map[string]handler
}

func New(deps Deps) *Dispatcher {
	logger := deps.Logger
	if logger == nil {
		logger = logging.NewNoOpLogger()
	}

	d := &Dispatcher{
		files:   deps.Files,
		memory:  deps.Memory,
		limiter: deps.Limiter,
		audit:   deps.Audit,
		metrics: deps.Metrics,
		logger:  logger.WithComponent("dispatcher"),
		tools:   toolDefinitions(),
	}
	if d.audit == nil {
		d.audit = security.NewAuditLogger(logger, deps.Metrics, 0)
	}
	d.byName = make(map[string]Tool, len(d.tools))
	for _, t := range d.tools {
		d.byName[t.Name] = t
	}
	d.handlers = d.routes()
	return d
}

// Tools returns the declared tools in presentation order.
func (d *Dispatcher) Tools() []Tool {
	out := make([]Tool, len(d.tools))
	copy(out, d.tools)
	return out
}

// Tool looks up a declared tool.
func (d *Dispatcher) Tool(name string) (Tool, bool) {
	t, ok := d.byName[name]
	return t, ok
}

// Dispatch runs one call. It never returns nil; failures are carried in
// Response.Error.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) *Response {
	start := time.Now()

	traceID := logging.GetTraceID(ctx)
	if traceID == "" {
		traceID = logging.GenerateTraceID()
		ctx = logging.WithTraceID(ctx, traceID)
	}
	resp := &Response{Tool: req.Name, TraceID: traceID}

	result, stage, err := d.run(ctx, req)
	resp.Duration = time.Since(start)

	code := codeOK
	if err != nil {
		resp.Stage = StageFailed
		resp.FailedAt = stage
		resp.Error = d.fail(ctx, req, stage, err).WithTraceID(traceID)
		code = string(resp.Error.ErrorInfo.Code)
	} else {
		resp.Stage = StageCompleted
		resp.Result = result
		d.logger.DebugContext(ctx, "tool call completed",
			"tool", req.Name,
			"duration_ms", resp.Duration.Milliseconds())
	}

	d.metrics.ObserveToolCall(d.metricLabel(req.Name), code, resp.Duration)
	return resp
}

// run advances the state machine and returns the stage at which it
// stopped.
func (d *Dispatcher) run(ctx context.Context, req Request) (interface{}, Stage, error) {
	stage := StageReceived

	tool, known := d.byName[req.Name]
	if known {
		if err := tool.Validate(req.Arguments); err != nil {
			return nil, stage, err
		}
	}
	stage = StageSchemaValidated

	if err := d.checkRate(ctx); err != nil {
		return nil, stage, err
	}
	stage = StageRateChecked

	h, ok := d.handlers[req.Name]
	if !known || !ok {
		return nil, stage, mcperrors.UnknownTool(req.Name)
	}
	stage = StageRouted

	result, err := h(ctx, req.Arguments)
	if err != nil {
		return nil, stage, err
	}
	return result, StageCompleted, nil
}

func (d *Dispatcher) checkRate(ctx context.Context) error {
	if d.limiter == nil {
		return nil
	}
	identity := security.IdentityFrom(ctx)

	res, err := d.limiter.Check(ctx, identity.ID)
	if err != nil {
		// Fail open when the backend errors.
		d.logger.ErrorContext(ctx, "rate limiter unavailable, admitting request",
			"backend", d.limiter.Name(),
			"identity", identity.ID,
			"error", err)
		return nil
	}
	if !res.Allowed {
		d.metrics.ObserveRateLimited(d.limiter.Name())
		d.logger.InfoContext(ctx, "rate limit exceeded",
			"identity", identity.ID,
			"limit", res.Limit,
			"retry_after_ms", res.RetryAfter.Milliseconds())
		return res.Err()
	}
	return nil
}

// fail converts err to its wire form, recording security events and
// logging unexpected failures with their cause.
func (d *Dispatcher) fail(ctx context.Context, req Request, stage Stage, err error) *mcperrors.StandardError {
	kind := mcperrors.KindOf(err)

	switch {
	case kind.IsSecurity():
		resource, _ := req.Arguments["path"].(string)
		d.audit.LogSecurityEvent(ctx, string(kind.Code()), req.Name, resource, err.Error())
	case kind == mcperrors.KindInternal || kind == mcperrors.KindFallbackUnavailable:
		d.logger.ErrorContext(ctx, "tool call failed",
			"tool", req.Name,
			"stage", string(stage),
			"error", err)
	default:
		d.logger.DebugContext(ctx, "tool call rejected",
			"tool", req.Name,
			"stage", string(stage),
			"code", string(kind.Code()),
			"error", err)
	}

	return mcperrors.FromError(err)
}

// metricLabel keeps arbitrary client-supplied names out of metric labels.
func (d *Dispatcher) metricLabel(name string) string {
	if _, ok := d.byName[name]; ok {
		return name
	}
	return "unknown"
}
