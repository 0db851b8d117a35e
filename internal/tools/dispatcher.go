package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tjfontaine/polyglot-call-gateway/internal/callstate"
	"github.com/tjfontaine/polyglot-call-gateway/internal/core/domain"
	"github.com/tjfontaine/polyglot-call-gateway/internal/telemetry"
)

// DefaultToolTimeout bounds one tool execution.
const DefaultToolTimeout = 10 * time.Second

// Recorder appends sequenced transcript entries.
type Recorder interface {
	Append(e domain.TranscriptEntry) (domain.TranscriptEntry, error)
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the dispatcher's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

// WithTimeout bounds each tool execution.
func WithTimeout(timeout time.Duration) Option {
	return func(d *Dispatcher) {
		if timeout > 0 {
			d.timeout = timeout
		}
	}
}

// WithTracer overrides the tracer used for tool spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(d *Dispatcher) {
		d.tracer = tracer
	}
}

// WithFatalHandler is called when a tool panics. The call has already been
// moved to failed when it runs.
func WithFatalHandler(fn func(error)) Option {
	return func(d *Dispatcher) {
		d.onFatal = fn
	}
}

// Dispatcher executes tool calls for one call session, one at a time.
//
// It is the only writer of the call context: a tool sees the context only
// while the dispatcher holds its lock.
type Dispatcher struct {
	mu sync.Mutex

	registry *Registry
	machine  *callstate.Machine
	cctx     *callstate.CallContext
	recorder Recorder

	timeout time.Duration
	logger  *slog.Logger
	tracer  trace.Tracer
	onFatal func(error)

	closed atomic.Bool
	view   atomic.Pointer[callstate.View]
}

// NewDispatcher creates a dispatcher for one call.
func NewDispatcher(registry *Registry, machine *callstate.Machine, cctx *callstate.CallContext, recorder Recorder, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		registry: registry,
		machine:  machine,
		cctx:     cctx,
		recorder: recorder,
		timeout:  DefaultToolTimeout,
		logger:   slog.Default(),
		tracer:   telemetry.Tracer(),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.logger.With(slog.String("call_id", cctx.CallID))
	d.publishView()
	return d
}

// Close stops accepting tool calls. An execution already running finishes and
// is recorded.
func (d *Dispatcher) Close() {
	d.closed.Store(true)
}

// Closed reports whether Close was called.
func (d *Dispatcher) Closed() bool {
	return d.closed.Load()
}

// View returns the call context as of the last finished tool call. It never
// waits for a running tool.
func (d *Dispatcher) View() callstate.View {
	return *d.view.Load()
}

func (d *Dispatcher) publishView() {
	v := d.cctx.View()
	d.view.Store(&v)
}

// Dispatch gates, executes and records one tool call, returning the result
// to speak back to the caller.
func (d *Dispatcher) Dispatch(ctx context.Context, call domain.ToolCall) domain.ToolResult {
	if d.closed.Load() {
		return d.closedResult(call)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed.Load() {
		return d.closedResult(call)
	}

	tool, ok := d.registry.Lookup(call.Name)
	if !ok {
		d.block(call, call.Params, domain.FailureUnknownTool, nil)
		return failureResult(call, domain.FailureUnknownTool, MessageUnknownTool, nil)
	}

	spec := tool.Spec()
	params := normalize(call.Params, spec.Aliases)

	if err := d.machine.Gate(tool.Name(), tool.LegalIn()); err != nil {
		var ge *callstate.GateError
		kind := domain.FailureIllegalState
		if errors.As(err, &ge) {
			kind = ge.Kind
		}
		d.block(call, redact(params, spec.Redact), kind, err)
		return failureResult(call, kind, gateMessage(kind), nil)
	}

	if missing := params.Missing(spec.Required); len(missing) > 0 {
		err := fmt.Errorf("missing required parameters: %v", missing)
		d.block(call, redact(params, spec.Redact), domain.FailureInvalidParams, err)
		return failureResult(call, domain.FailureInvalidParams, missingParamsMessage(missing), map[string]any{
			"missing": missing,
		})
	}

	return d.run(ctx, call, tool, params)
}

func (d *Dispatcher) run(ctx context.Context, call domain.ToolCall, tool Tool, params Params) domain.ToolResult {
	name := tool.Name()
	spec := tool.Spec()
	logged := redact(params, spec.Redact)

	invocation, _ := d.record(domain.TranscriptEntry{
		Type:     domain.EntryToolInvocation,
		Speaker:  domain.SpeakerAgent,
		ToolName: name,
		Payload:  marshalPayload(map[string]any{"tool_call_id": call.ID, "params": logged}),
	})

	ctx, span := d.tracer.Start(ctx, "tool."+name, trace.WithAttributes(
		attribute.String("call.id", d.cctx.CallID),
		attribute.String("tool.name", name),
	))
	defer span.End()

	inv := &Invocation{
		CallID:  d.cctx.CallID,
		Call:    call,
		Params:  params,
		Context: d.cctx,
		Verify:  d.machine,
		Logger:  d.logger.With(slog.String("tool", name)),
	}

	start := time.Now()
	res, fatal := d.execute(ctx, tool, inv)
	elapsed := time.Since(start)

	if !res.Success {
		if res.FailureKind == domain.FailureNone {
			res.FailureKind = domain.FailureUnavailable
		}
		if res.Message == "" || (res.Err != nil && res.FailureKind == domain.FailureUnavailable) {
			res.Message = MessageUnavailable
		}
	}

	detail := ""
	if res.Err != nil {
		detail = res.Err.Error()
		span.RecordError(res.Err)
		span.SetStatus(codes.Error, detail)
		d.logger.Error("tool execution failed",
			slog.String("tool", name),
			slog.String("failure_kind", string(res.FailureKind)),
			slog.String("error", detail),
		)
	}
	span.SetAttributes(
		attribute.Bool("tool.success", res.Success),
		attribute.String("tool.failure_kind", string(res.FailureKind)),
	)

	d.record(domain.TranscriptEntry{
		Type:     domain.EntryToolResult,
		Speaker:  domain.SpeakerSystem,
		ToolName: name,
		Text:     res.Message,
		Invocation: &domain.ToolInvocationRecord{
			ToolName:           name,
			Params:             logged,
			Success:            res.Success,
			Message:            res.Message,
			Data:               res.Data,
			FailureKind:        res.FailureKind,
			Detail:             detail,
			Duration:           elapsed,
			InvocationSequence: invocation.Sequence,
		},
	})

	var transitions []callstate.Transition
	switch {
	case fatal != nil:
		transitions = d.machine.Fail("tool_panic")
	case res.Success:
		transitions = d.machine.Succeeded(name)
	case res.FailureKind == domain.FailureVerificationExhausted:
		transitions = d.machine.Fail("verification_exhausted")
	}
	for _, t := range transitions {
		d.record(t.Entry())
	}

	d.cctx.Verified = d.machine.Verified()
	d.cctx.VerificationAttempts = d.machine.Attempts()
	if d.machine.State() == domain.StateFailed && d.cctx.Outcome == domain.OutcomeNone {
		d.cctx.Outcome = domain.OutcomeFailed
	}
	d.publishView()

	d.logger.Info("tool executed",
		slog.String("tool", name),
		slog.Bool("success", res.Success),
		slog.String("failure_kind", string(res.FailureKind)),
		slog.String("state", string(d.machine.State())),
		slog.Duration("duration", elapsed),
	)

	if fatal != nil {
		d.record(domain.LifecycleEntry(domain.LifecycleFatal, map[string]string{
			"tool":  name,
			"error": fatal.Error(),
		}))
		if d.onFatal != nil {
			d.onFatal(fatal)
		}
	}

	return domain.ToolResult{
		CallID:      call.ID,
		Name:        name,
		Success:     res.Success,
		Message:     res.Message,
		Data:        res.Data,
		FailureKind: res.FailureKind,
		Directive:   res.Directive,
	}
}

// execute runs the tool under the tool timeout. A panic is converted into an
// unavailable result and reported as fatal.
func (d *Dispatcher) execute(ctx context.Context, tool Tool, inv *Invocation) (res Result, fatal error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			fatal = fmt.Errorf("tool %s panicked: %v", tool.Name(), r)
			res = Unavailable(fatal)
		}
	}()

	res = tool.Execute(ctx, inv)
	if !res.Success && res.Err == nil && ctx.Err() != nil {
		res.Err = ctx.Err()
	}
	return res, nil
}

func (d *Dispatcher) closedResult(call domain.ToolCall) domain.ToolResult {
	d.block(call, nil, domain.FailureSessionClosed, domain.ErrSessionClosed)
	return failureResult(call, domain.FailureSessionClosed, MessageClosed, nil)
}

// block records a tool call that was refused before execution.
func (d *Dispatcher) block(call domain.ToolCall, params map[string]any, kind domain.FailureKind, cause error) {
	payload := map[string]any{
		"tool_call_id": call.ID,
		"kind":         kind,
		"state":        d.machine.State(),
	}
	if params != nil {
		payload["params"] = params
	}
	if cause != nil {
		payload["detail"] = cause.Error()
	}
	d.record(domain.TranscriptEntry{
		Type:     domain.EntryToolBlocked,
		Speaker:  domain.SpeakerSystem,
		ToolName: call.Name,
		Payload:  marshalPayload(payload),
	})
	d.logger.Warn("tool blocked",
		slog.String("tool", call.Name),
		slog.String("failure_kind", string(kind)),
		slog.String("state", string(d.machine.State())),
	)
}

func (d *Dispatcher) record(e domain.TranscriptEntry) (domain.TranscriptEntry, error) {
	stored, err := d.recorder.Append(e)
	if err != nil && !errors.Is(err, domain.ErrSessionClosed) {
		d.logger.Error("failed to record transcript entry",
			slog.String("type", string(e.Type)),
			slog.String("error", err.Error()),
		)
	}
	return stored, err
}

func gateMessage(kind domain.FailureKind) string {
	switch kind {
	case domain.FailureNotVerified:
		return MessageNotVerified
	case domain.FailureSessionClosed:
		return MessageClosed
	default:
		return MessageIllegalState
	}
}

func failureResult(call domain.ToolCall, kind domain.FailureKind, message string, data map[string]any) domain.ToolResult {
	return domain.ToolResult{
		CallID:      call.ID,
		Name:        call.Name,
		Message:     message,
		Data:        data,
		FailureKind: kind,
	}
}

// redact masks parameter values that must not reach the transcript.
func redact(p Params, keys []string) map[string]any {
	if len(p) == 0 {
		return nil
	}
	out := make(map[string]any, len(p))
	for k, v := range p {
		if slices.Contains(keys, k) {
			out[k] = "[redacted]"
			continue
		}
		out[k] = v
	}
	return out
}

func marshalPayload(v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return raw
}
