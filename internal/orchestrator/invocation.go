package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/renderd/internal/audit"
	"github.com/fyrsmithlabs/renderd/internal/hooks"
	"github.com/fyrsmithlabs/renderd/internal/logging"
	"github.com/fyrsmithlabs/renderd/internal/plan"
	"github.com/fyrsmithlabs/renderd/internal/telemetry"
	"github.com/fyrsmithlabs/renderd/internal/tenant"
)

// invocation carries the state of one render from admission to audit.
type invocation struct {
	traceID   string
	mode      audit.Mode
	tenantID  string
	prompt    string
	event     *plan.Event
	target    string
	metadata  map[string]any
	settings  Settings
	startedAt time.Time

	stage  Stage
	metric Metric
	span   trace.Span

	lease     *tenant.Lease
	planRef   *plan.Plan
	llm       *LLMResponse
	security  *SecurityResult
	execution *ExecutionResult

	finished bool
}

func (inv *invocation) hookContext() hooks.Context {
	hc := hooks.Context{
		TraceID:  inv.traceID,
		TenantID: inv.tenantID,
		Mode:     string(inv.mode),
		Metadata: inv.metadata,
	}
	if inv.planRef != nil {
		hc.PlanID = inv.planRef.ID
		hc.PlanVersion = inv.planRef.Version
	}
	return hc
}

// begin admits a new invocation. It fails only with ErrNotRunning, which is not audited.
func (o *Orchestrator) begin(ctx context.Context, mode audit.Mode, opts RenderOptions) (context.Context, *invocation, error) {
	if err := o.ensureRunning(); err != nil {
		return ctx, nil, err
	}
	settings := o.Settings()

	target := opts.Target
	if target == "" {
		target = settings.RenderTarget
	}
	inv := &invocation{
		traceID:   o.newTraceID(),
		mode:      mode,
		tenantID:  tenant.NormalizeID(opts.TenantID),
		target:    target,
		metadata:  plan.CloneMap(opts.Metadata),
		settings:  settings,
		startedAt: o.now(),
	}
	inv.metric = Metric{
		TraceID:   inv.traceID,
		Mode:      mode,
		TenantID:  inv.tenantID,
		StartedAt: inv.startedAt,
	}

	ctx = logging.WithRenderTraceID(ctx, inv.traceID)
	ctx = logging.WithTenantID(ctx, inv.tenantID)
	ctx, inv.span = o.tracer.Start(ctx, telemetry.InvocationSpanName(string(mode)),
		trace.WithAttributes(telemetry.InvocationAttributes(inv.traceID, string(mode), inv.tenantID)...),
	)
	o.logger.Debug(ctx, "render started", zap.String("mode", string(mode)))
	return ctx, inv, nil
}

// protect runs fn and converts a panic into an *UnhandledError for the current stage.
func (o *Orchestrator) protect(inv *invocation, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			cause, ok := r.(error)
			if !ok {
				cause = fmt.Errorf("panic: %v", r)
			}
			err = &UnhandledError{Stage: inv.stage, Cause: cause}
		}
	}()
	return fn()
}

// run executes fn for inv and sends any failure through the failure sequence.
func (o *Orchestrator) run(ctx context.Context, inv *invocation, fn func(ctx context.Context) (*Result, error)) (*Result, error) {
	defer o.releaseLease(inv)

	var res *Result
	err := o.protect(inv, func() error {
		var err error
		res, err = fn(ctx)
		return err
	})
	if err != nil {
		return nil, o.fail(ctx, inv, err)
	}
	return res, nil
}

// timed runs one stage, recording its duration on the metric, in Prometheus
// and as a child span.
func timed[T any](ctx context.Context, o *Orchestrator, inv *invocation, stage Stage, fn func(ctx context.Context) (T, error)) (out T, err error) {
	ctx, end := beginStage(ctx, o, inv, stage)
	defer func() { end(err) }()

	out, err = fn(ctx)
	if err != nil && ctx.Err() != nil && !errors.Is(err, ErrCancelled) {
		err = cancelled(ctx)
	}
	return out, err
}

// beginStage opens the span and timer for stage. The returned func records
// the timing and ends the span; only its first call has an effect.
func beginStage(ctx context.Context, o *Orchestrator, inv *invocation, stage Stage) (context.Context, func(error)) {
	inv.stage = stage
	ctx, span := o.tracer.Start(ctx, telemetry.StageSpanName(string(stage)),
		trace.WithAttributes(telemetry.KeyRenderStage.String(string(stage))),
	)
	start := time.Now()
	var once sync.Once
	return ctx, func(err error) {
		once.Do(func() {
			d := time.Since(start)
			inv.metric.Stages = append(inv.metric.Stages, StageTiming{Stage: stage, DurationMs: d.Milliseconds()})
			o.metrics.observeStage(stage, d)
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			}
			span.End()
		})
	}
}

func (o *Orchestrator) acquireLease(ctx context.Context, inv *invocation) error {
	_, err := timed(ctx, o, inv, StageLease, func(context.Context) (struct{}, error) {
		lease, err := o.governor.Acquire(inv.tenantID)
		if err != nil {
			var quota *tenant.QuotaExceededError
			if errors.As(err, &quota) {
				o.metrics.recordQuota(quota)
			}
			return struct{}{}, err
		}
		inv.lease = lease
		o.metrics.leaseAcquired()
		return struct{}{}, nil
	})
	return err
}

func (o *Orchestrator) releaseLease(inv *invocation) {
	if inv.lease == nil {
		return
	}
	inv.lease.Release()
	inv.lease = nil
	o.metrics.leaseReleased()
}

func (o *Orchestrator) closeMetric(inv *invocation, status audit.Status) {
	inv.metric.Status = status
	inv.metric.CompletedAt = o.now()
	inv.metric.DurationMs = inv.metric.CompletedAt.Sub(inv.startedAt).Milliseconds()
	if inv.llm != nil {
		inv.metric.LLMAttempts = inv.llm.Attempts
	}
}

func (o *Orchestrator) auditRecord(inv *invocation, status audit.Status, err error) audit.Record {
	rec := audit.Record{
		TraceID:     inv.traceID,
		Mode:        inv.mode,
		Status:      status,
		StartedAt:   inv.startedAt,
		CompletedAt: inv.metric.CompletedAt,
		DurationMs:  inv.metric.DurationMs,
		Prompt:      inv.prompt,
		TenantID:    inv.tenantID,
		Event:       inv.event.Clone(),
	}
	if inv.planRef != nil {
		rec.PlanID = inv.planRef.ID
		rec.PlanVersion = inv.planRef.Version
	}
	if inv.execution != nil {
		rec.DiagnosticsCount = len(inv.execution.Diagnostics)
	}
	if inv.security != nil {
		rec.SecurityIssueCount = len(inv.security.Issues)
	}
	if err != nil {
		rec.Error = err.Error()
	}
	return rec
}

// appendAudit records the outcome. It holds historyMu so ClearHistory never interleaves.
func (o *Orchestrator) appendAudit(ctx context.Context, rec audit.Record) {
	o.historyMu.RLock()
	defer o.historyMu.RUnlock()
	o.audits.Append(context.WithoutCancel(ctx), rec)
}

// fail closes the invocation as failed and returns err unchanged.
func (o *Orchestrator) fail(ctx context.Context, inv *invocation, err error) error {
	if inv.finished {
		return err
	}
	inv.finished = true

	status := StatusFor(err)
	o.closeMetric(inv, status)
	o.releaseLease(inv)

	rec := o.auditRecord(inv, status, err)
	o.appendAudit(ctx, rec)
	o.metrics.recordRender(inv.mode, status)

	inv.span.RecordError(err)
	inv.span.SetStatus(codes.Error, err.Error())
	inv.span.SetAttributes(telemetry.KeyRenderStatus.String(string(status)))
	inv.span.End()

	fields := []zap.Field{
		zap.String("mode", string(inv.mode)),
		zap.String("status", string(status)),
		zap.String("stage", string(inv.stage)),
		zap.Error(err),
	}
	switch {
	case status == audit.StatusFailed && !isCancellation(err):
		o.logger.Error(ctx, "render failed", fields...)
	default:
		o.logger.Info(ctx, "render failed", fields...)
	}

	o.events.emit(EventRenderFailed, RenderFailedEvent{
		TraceID: inv.traceID,
		Metric:  inv.metric,
		Audit:   rec,
		Err:     err,
	})
	return err
}

// succeed closes the invocation as succeeded and builds its result.
func (o *Orchestrator) succeed(ctx context.Context, inv *invocation, p plan.Plan, rendered string) *Result {
	inv.finished = true

	o.closeMetric(inv, audit.StatusSucceeded)
	o.releaseLease(inv)

	rec := o.auditRecord(inv, audit.StatusSucceeded, nil)
	o.appendAudit(ctx, rec)
	o.metrics.recordRender(inv.mode, audit.StatusSucceeded)

	inv.span.SetAttributes(telemetry.KeyRenderStatus.String(string(audit.StatusSucceeded)))
	inv.span.SetAttributes(telemetry.PlanAttributes(p.ID, p.Version)...)
	inv.span.End()

	o.logger.Info(ctx, "render succeeded",
		zap.String("mode", string(inv.mode)),
		zap.String("plan_id", p.ID),
		zap.Int("plan_version", p.Version),
		zap.Int64("duration_ms", inv.metric.DurationMs),
	)

	res := &Result{
		TraceID:  inv.traceID,
		Prompt:   inv.prompt,
		Plan:     p,
		Rendered: rendered,
		Audit:    rec,
		Metric:   inv.metric,
	}
	if inv.llm != nil {
		llm := *inv.llm
		res.LLM = &llm
	}
	if inv.security != nil {
		res.Security = *inv.security
	}
	if inv.execution != nil {
		res.Execution = *inv.execution
	}

	o.events.emit(EventRendered, RenderedEvent{
		TraceID: inv.traceID,
		Metric:  inv.metric,
		Audit:   rec,
	})
	return res
}
