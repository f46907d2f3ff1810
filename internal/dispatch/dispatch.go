// Package dispatch routes host-call requests to their handlers after the
// capability policy check, and converts handler results back into outcomes.
// It is the only path by which extension code reaches a privileged operation.
package dispatch

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/haasonsaas/enclave/internal/events"
	"github.com/haasonsaas/enclave/internal/hostcall"
	"github.com/haasonsaas/enclave/internal/observability"
	"github.com/haasonsaas/enclave/internal/policy"
	"github.com/haasonsaas/enclave/internal/region"
	"github.com/haasonsaas/enclave/internal/scheduler"
	"github.com/haasonsaas/enclave/internal/sessions"
	"github.com/haasonsaas/enclave/internal/stream"
	"github.com/haasonsaas/enclave/internal/tools"
)

// Completer receives outcomes for a host-call. The engine implements this by
// enqueueing HostcallComplete and StreamChunk macrotasks, which is what gives
// completion its happens-before edge with script observation.
type Completer interface {
	// Complete delivers the single terminal outcome of a non-streaming call.
	Complete(callID uint64, outcome hostcall.Outcome)

	// Chunk delivers one streaming outcome. The final chunk (or an error
	// outcome) terminates the sequence.
	Chunk(callID uint64, outcome hostcall.Outcome)
}

// Config wires the dispatcher's collaborators.
type Config struct {
	Policy   *policy.Evaluator
	Tools    tools.Executor
	Sessions sessions.Handle
	Launcher ProcessLauncher
	HTTP     HTTPClient
	UI       UISink
	Bus      *events.Bus

	// Sched, when set and Inline is false, carries event publishes back onto
	// the scheduler thread: script subscribers only ever run inside a
	// macrotask.
	Sched *scheduler.Scheduler

	Logger   *observability.Logger
	EventLog *observability.EventLog
	Metrics  *observability.Metrics

	// DefaultTimeout applies when a request does not set timeout_ms.
	// Zero means unbounded (up to the region budget).
	DefaultTimeout time.Duration

	// StreamBufferSize is the default bounded-channel capacity.
	StreamBufferSize int

	// StreamStallTimeout is the default stall timer.
	StreamStallTimeout time.Duration

	// Inline runs handlers synchronously inside Submit instead of on a
	// region task. The lab scheduler uses this for deterministic runs.
	Inline bool
}

// Dispatcher routes host-calls. One dispatcher serves all regions; per-call
// state (streams in flight) is keyed by region and call ID.
type Dispatcher struct {
	cfg    Config
	logger *observability.Logger
	tracer trace.Tracer

	streams streamTable
}

// New creates a dispatcher.
func New(cfg Config) *Dispatcher {
	if cfg.Logger == nil {
		cfg.Logger = observability.NewLogger(observability.LogConfig{})
	}
	if cfg.Launcher == nil {
		cfg.Launcher = NewOSLauncher()
	}
	if cfg.HTTP == nil {
		cfg.HTTP = NewGuardedHTTPClient(0)
	}
	if cfg.UI == nil {
		cfg.UI = NewMemoryUISink()
	}
	if cfg.StreamBufferSize <= 0 {
		cfg.StreamBufferSize = stream.DefaultBufferSize
	}
	if cfg.StreamStallTimeout == 0 {
		cfg.StreamStallTimeout = stream.DefaultStallTimeout
	}
	d := &Dispatcher{
		cfg:    cfg,
		logger: cfg.Logger.WithFields("component", "dispatch"),
		tracer: otel.Tracer("enclave/dispatch"),
	}
	d.streams.init()
	return d
}

// Submit accepts one host-call on behalf of extensionID's region. Outcomes
// are delivered through the completer; Submit itself never blocks on the
// handler in async mode.
func (d *Dispatcher) Submit(reg *region.Region, extensionID string, req hostcall.Request, completer Completer) {
	ctx := observability.AddExtensionID(reg.Context(), extensionID)
	ctx = observability.AddRegionID(ctx, reg.ID)
	ctx = observability.AddCallID(ctx, req.CallID)

	if !req.Kind.Known() {
		d.finish(ctx, req, completer, hostcall.Errorf(hostcall.CodeInvalidRequest, "unknown host-call kind %q", req.Kind))
		return
	}

	// Policy step 1: a region outside Running denies everything.
	if !reg.Running() {
		d.finish(ctx, req, completer, hostcall.Errorf(hostcall.CodeDenied, "region_draining"))
		return
	}

	polReq, sessionOp := d.policyRequest(extensionID, req)
	res := d.cfg.Policy.Evaluate(ctx, polReq)
	if !res.Allowed() {
		d.finish(ctx, req, completer, hostcall.Errorf(hostcall.CodeDenied, "%s", polReq.Capability))
		return
	}

	run := func(ctx context.Context) {
		ctx, span := d.tracer.Start(ctx, "hostcall",
			trace.WithAttributes(
				attribute.String("hostcall.kind", string(req.Kind)),
				attribute.Int64("hostcall.call_id", int64(req.CallID)),
				attribute.String("extension.id", extensionID),
				attribute.Bool("hostcall.stream", req.Stream),
			))
		defer span.End()

		var timer *prometheus.Timer
		if d.cfg.Metrics != nil {
			timer = prometheus.NewTimer(d.cfg.Metrics.HostcallDuration.WithLabelValues(string(req.Kind)))
		}

		if req.Stream {
			d.runStreaming(ctx, reg, extensionID, req, completer)
		} else {
			outcome := d.runUnary(ctx, reg, extensionID, req, sessionOp)
			d.finish(ctx, req, completer, outcome)
		}

		if timer != nil {
			timer.ObserveDuration()
		}
	}

	if d.cfg.Inline {
		d.withTimeout(ctx, reg, req, run)
		return
	}

	_, err := reg.CreateTask("hostcall", region.Unbounded, func(taskCtx context.Context) error {
		d.withTimeout(taskCtx, reg, req, run)
		return nil
	})
	if err != nil {
		d.finish(ctx, req, completer, hostcall.Errorf(hostcall.CodeDenied, "region_draining"))
	}
}

// withTimeout composes the request timeout with the region's remaining
// budget (component-wise minimum) and runs fn under the result.
func (d *Dispatcher) withTimeout(ctx context.Context, reg *region.Region, req hostcall.Request, fn func(ctx context.Context)) {
	timeout := d.cfg.DefaultTimeout
	if req.TimeoutMS > 0 {
		timeout = time.Duration(req.TimeoutMS) * time.Millisecond
	}
	budget := reg.Budget()
	if !budget.Deadline.IsZero() {
		remaining := budget.Remaining(time.Now())
		if timeout == 0 || remaining < timeout {
			timeout = remaining
		}
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	fn(ctx)
}

// runUnary executes a non-streaming handler and maps its error into the
// closed outcome taxonomy.
func (d *Dispatcher) runUnary(ctx context.Context, reg *region.Region, extensionID string, req hostcall.Request, sessionWrite bool) hostcall.Outcome {
	var (
		value any
		err   error
	)
	switch req.Kind {
	case hostcall.KindTool:
		value, err = d.handleTool(ctx, req)
	case hostcall.KindExec:
		value, err = d.handleExec(ctx, req)
	case hostcall.KindHTTP:
		value, err = d.handleHTTP(ctx, req)
	case hostcall.KindSession:
		value, err = d.handleSession(ctx, reg, req, sessionWrite)
	case hostcall.KindUI:
		value, err = d.handleUI(ctx, extensionID, req)
	case hostcall.KindEvents:
		value, err = d.handleEvents(ctx, extensionID, req)
	case hostcall.KindLog:
		value, err = d.handleLog(ctx, req)
	default:
		err = hostcall.NewError(hostcall.CodeInvalidRequest, "unknown host-call kind %q", req.Kind)
	}
	if err != nil {
		return d.mapError(ctx, err)
	}
	return hostcall.Success(value)
}

// mapError collapses handler errors into the closed taxonomy, translating
// context expiry into TIMEOUT or CANCELLED.
func (d *Dispatcher) mapError(ctx context.Context, err error) hostcall.Outcome {
	switch {
	case err == context.DeadlineExceeded || ctx.Err() == context.DeadlineExceeded:
		return hostcall.Errorf(hostcall.CodeTimeout, "host-call timed out")
	case err == context.Canceled || ctx.Err() == context.Canceled:
		return hostcall.Errorf(hostcall.CodeCancelled, "host-call cancelled")
	}
	return hostcall.OutcomeFromError(err)
}

// finish records metrics and delivers a terminal outcome.
func (d *Dispatcher) finish(ctx context.Context, req hostcall.Request, completer Completer, outcome hostcall.Outcome) {
	if d.cfg.Metrics != nil {
		code := "OK"
		if outcome.IsError() {
			code = outcome.Code
		}
		d.cfg.Metrics.HostcallCounter.WithLabelValues(string(req.Kind), code).Inc()
	}
	if outcome.IsError() && outcome.Code == hostcall.CodeDenied {
		// Denials produce no side effect; the policy layer already logged
		// the evidence record.
		d.logger.Debug(ctx, "host-call denied", "kind", req.Kind)
	}
	completer.Complete(req.CallID, outcome)
}

// policyRequest maps a host-call onto the capability policy's vocabulary.
// The second return marks session mutations for the reserve/commit path.
func (d *Dispatcher) policyRequest(extensionID string, req hostcall.Request) (policy.Request, bool) {
	pr := policy.Request{Extension: extensionID, Operation: string(req.Kind)}
	sessionWrite := false
	switch req.Kind {
	case hostcall.KindTool:
		pr.Capability = policy.CapTool
		if name, ok := req.Payload["name"].(string); ok {
			pr.Operation = name
		}
	case hostcall.KindExec:
		pr.Capability = policy.CapExec
		if cmd, ok := req.Payload["command"].(string); ok {
			pr.Operation = cmd
		}
	case hostcall.KindHTTP:
		pr.Capability = policy.CapHTTP
	case hostcall.KindSession:
		pr.Capability = policy.CapSession
		if op, ok := req.Payload["op"].(string); ok {
			pr.Operation = op
			switch op {
			case "set_name", "set_model", "set_label", "set_thinking_level", "append_message":
				sessionWrite = true
			}
		}
		pr.SessionWrite = sessionWrite
	case hostcall.KindUI:
		pr.Capability = policy.CapUI
	case hostcall.KindEvents:
		pr.Capability = policy.CapEvents
	case hostcall.KindLog:
		pr.Capability = policy.CapLog
	}
	return pr, sessionWrite
}

// CheckRead evaluates the Read capability for a path classified against the
// extension root. The module registry's fs shims call this before touching
// the filesystem.
func (d *Dispatcher) CheckRead(ctx context.Context, extensionID string, outsideRoot bool) error {
	res := d.cfg.Policy.Evaluate(ctx, policy.Request{
		Extension:   extensionID,
		Capability:  policy.CapRead,
		Operation:   "read",
		OutsideRoot: outsideRoot,
	})
	if !res.Allowed() {
		return hostcall.NewError(hostcall.CodeDenied, "%s", policy.CapRead)
	}
	return nil
}

// CheckWrite evaluates the Write capability for the fs shims.
func (d *Dispatcher) CheckWrite(ctx context.Context, extensionID string) error {
	res := d.cfg.Policy.Evaluate(ctx, policy.Request{
		Extension:  extensionID,
		Capability: policy.CapWrite,
		Operation:  "write",
	})
	if !res.Allowed() {
		return hostcall.NewError(hostcall.CodeDenied, "%s", policy.CapWrite)
	}
	return nil
}

// CheckEnv evaluates the Env capability for the process shim.
func (d *Dispatcher) CheckEnv(ctx context.Context, extensionID string) error {
	res := d.cfg.Policy.Evaluate(ctx, policy.Request{
		Extension:  extensionID,
		Capability: policy.CapEnv,
		Operation:  "env",
	})
	if !res.Allowed() {
		return hostcall.NewError(hostcall.CodeDenied, "%s", policy.CapEnv)
	}
	return nil
}
