package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/renderd/internal/audit"
	"github.com/fyrsmithlabs/renderd/internal/hooks"
	"github.com/fyrsmithlabs/renderd/internal/plan"
)

// Typed hook points. Each binds a hooks.Name to its payload type.
var (
	HookBeforeLLM         = hooks.NewPoint[LLMRequest](hooks.BeforeLLM)
	HookAfterLLM          = hooks.NewPoint[LLMResponse](hooks.AfterLLM)
	HookBeforeCodeGen     = hooks.NewPoint[CodeGenInput](hooks.BeforeCodeGen)
	HookAfterCodeGen      = hooks.NewPoint[plan.Plan](hooks.AfterCodeGen)
	HookBeforePolicyCheck = hooks.NewPoint[plan.Plan](hooks.BeforePolicyCheck)
	HookAfterPolicyCheck  = hooks.NewPoint[SecurityResult](hooks.AfterPolicyCheck)
	HookBeforeRuntime     = hooks.NewPoint[ExecutionInput](hooks.BeforeRuntime)
	HookAfterRuntime      = hooks.NewPoint[ExecutionResult](hooks.AfterRuntime)
	HookBeforeRender      = hooks.NewPoint[RenderInput](hooks.BeforeRender)
	HookAfterRender       = hooks.NewPoint[RenderOutput](hooks.AfterRender)
)

// stateSource selects the state an execution starts from.
type stateSource int

const (
	// stateLive prefers the engine's live state and falls back to the snapshot.
	stateLive stateSource = iota
	// stateSeeded uses the plan's own state when it carries one, else the live state.
	stateSeeded
	// stateSnapshot always uses the registered snapshot's state.
	stateSnapshot
)

// tailSpec parameterizes the shared tail of every entry point.
type tailSpec struct {
	plan     plan.Plan
	register bool
	state    stateSource
	// persist writes the execution's resulting state back to the engine.
	persist bool
}

// tail runs registration (optional), lease, policy check, execution and
// render, then records success. Failures are returned to run.
func (o *Orchestrator) tail(ctx context.Context, inv *invocation, ts tailSpec) (*Result, error) {
	p := ts.plan
	if ts.register {
		rec, err := timed(ctx, o, inv, StageRegister, func(ctx context.Context) (plan.Record, error) {
			o.historyMu.RLock()
			defer o.historyMu.RUnlock()
			return o.registry.Register(ctx, p), nil
		})
		if err != nil {
			return nil, err
		}
		p = rec.Plan
	}
	inv.planRef = &p

	if err := o.acquireLease(ctx, inv); err != nil {
		return nil, err
	}

	security, err := timed(ctx, o, inv, StagePolicy, func(ctx context.Context) (SecurityResult, error) {
		return o.checkPolicy(ctx, inv, p)
	})
	if err != nil {
		return nil, err
	}
	inv.security = &security
	if !security.Passed {
		o.events.emit(EventPolicyRejected, PolicyRejectedEvent{
			TraceID:  inv.traceID,
			TenantID: inv.tenantID,
			Security: security,
		})
		return nil, &PolicyRejectionError{Issues: security.Issues, Result: security}
	}

	execution, err := timed(ctx, o, inv, StageRuntime, func(ctx context.Context) (ExecutionResult, error) {
		return o.execute(ctx, inv, p, ts)
	})
	if err != nil {
		return nil, err
	}
	inv.execution = &execution

	rendered, err := timed(ctx, o, inv, StageRender, func(ctx context.Context) (string, error) {
		return o.render(ctx, inv, execution)
	})
	if err != nil {
		return nil, err
	}

	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	return o.succeed(ctx, inv, p, rendered), nil
}

func (o *Orchestrator) checkPolicy(ctx context.Context, inv *invocation, p plan.Plan) (SecurityResult, error) {
	hc := inv.hookContext()
	checked, err := hooks.Apply(ctx, o.hooks, HookBeforePolicyCheck, hc, p.Clone())
	if err != nil {
		return SecurityResult{}, err
	}
	result, err := o.security.CheckPlan(ctx, checked)
	if err != nil {
		return SecurityResult{}, stageError(StagePolicy, err)
	}
	return hooks.Apply(ctx, o.hooks, HookAfterPolicyCheck, hc, result)
}

func (o *Orchestrator) execute(ctx context.Context, inv *invocation, p plan.Plan, ts tailSpec) (ExecutionResult, error) {
	state := plan.CloneMap(p.State)
	useLive := ts.state == stateLive || (ts.state == stateSeeded && p.State == nil)
	if useLive {
		if live, ok := o.engine.GetPlanState(p.ID); ok {
			state = plan.CloneMap(live)
		}
	}

	hc := inv.hookContext()
	input, err := hooks.Apply(ctx, o.hooks, HookBeforeRuntime, hc, ExecutionInput{
		Plan:     p.Clone(),
		State:    state,
		Event:    inv.event.Clone(),
		TraceID:  inv.traceID,
		TenantID: inv.tenantID,
	})
	if err != nil {
		return ExecutionResult{}, err
	}
	result, err := o.engine.Execute(ctx, input)
	if err != nil {
		return ExecutionResult{}, stageError(StageRuntime, err)
	}
	result, err = hooks.Apply(ctx, o.hooks, HookAfterRuntime, hc, result)
	if err != nil {
		return ExecutionResult{}, err
	}
	if ts.persist {
		o.engine.SetPlanState(p.ID, plan.CloneMap(result.State))
	}
	return result, nil
}

func (o *Orchestrator) render(ctx context.Context, inv *invocation, execution ExecutionResult) (string, error) {
	hc := inv.hookContext()
	in, err := hooks.Apply(ctx, o.hooks, HookBeforeRender, hc, RenderInput{Execution: execution, Target: inv.target})
	if err != nil {
		return "", err
	}
	output, err := o.renderer.Render(ctx, in.Execution, in.Target)
	if err != nil {
		return "", stageError(StageRender, err)
	}
	out, err := hooks.Apply(ctx, o.hooks, HookAfterRender, hc, RenderOutput{Output: output, Target: in.Target})
	if err != nil {
		return "", err
	}
	return out.Output, nil
}

// RenderPlan runs the tail pipeline on a caller-supplied plan. The plan is
// registered first; opts.Mode tags the audit record and defaults to plan.
func (o *Orchestrator) RenderPlan(ctx context.Context, p plan.Plan, opts RenderOptions) (*Result, error) {
	mode := opts.Mode
	if !mode.Valid() {
		mode = audit.ModePlan
	}
	ctx, inv, err := o.begin(ctx, mode, opts)
	if err != nil {
		return nil, err
	}
	return o.run(ctx, inv, func(ctx context.Context) (*Result, error) {
		if err := checkContext(ctx); err != nil {
			return nil, err
		}
		return o.tail(ctx, inv, tailSpec{plan: p, register: true, state: stateSeeded, persist: true})
	})
}

// DispatchEvent runs the latest version of planID with event.
func (o *Orchestrator) DispatchEvent(ctx context.Context, planID string, event plan.Event, opts RenderOptions) (*Result, error) {
	if err := o.ensureRunning(); err != nil {
		return nil, err
	}
	rec, ok := o.registry.Get(planID, 0)
	if !ok {
		return nil, &NotFoundError{Kind: "plan", ID: planID}
	}
	if strings.TrimSpace(event.Type) == "" {
		return nil, fmt.Errorf("%w: event type is required", ErrInvalidInput)
	}

	ctx, inv, err := o.begin(ctx, audit.ModeEvent, opts)
	if err != nil {
		return nil, err
	}
	inv.event = event.Clone()
	return o.run(ctx, inv, func(ctx context.Context) (*Result, error) {
		if err := checkContext(ctx); err != nil {
			return nil, err
		}
		return o.tail(ctx, inv, tailSpec{plan: rec.Plan, state: stateLive, persist: true})
	})
}

// RollbackPlan runs the exact registered version of planID. Live execution
// state for the plan is cleared first, so the run starts from the
// snapshot's own state.
func (o *Orchestrator) RollbackPlan(ctx context.Context, planID string, version int, opts RenderOptions) (*Result, error) {
	if err := o.ensureRunning(); err != nil {
		return nil, err
	}
	if version <= 0 {
		return nil, &NotFoundError{Kind: "plan", ID: planID, Version: version}
	}
	rec, ok := o.registry.Get(planID, version)
	if !ok {
		return nil, &NotFoundError{Kind: "plan", ID: planID, Version: version}
	}

	ctx, inv, err := o.begin(ctx, audit.ModeRollback, opts)
	if err != nil {
		return nil, err
	}
	return o.run(ctx, inv, func(ctx context.Context) (*Result, error) {
		if err := checkContext(ctx); err != nil {
			return nil, err
		}
		inv.stage = StageRuntime
		o.engine.ClearPlanState(planID)
		o.logger.Info(ctx, "rolling back plan", zap.String("plan_id", planID), zap.Int("plan_version", version))
		return o.tail(ctx, inv, tailSpec{plan: rec.Plan, state: stateSnapshot, persist: true})
	})
}

// ReplayTrace re-runs the plan snapshot referenced by an audit record with
// the record's original prompt and event. Replay never touches live state.
func (o *Orchestrator) ReplayTrace(ctx context.Context, traceID string, opts RenderOptions) (*Result, error) {
	if err := o.ensureRunning(); err != nil {
		return nil, err
	}
	source, ok := o.audits.Get(traceID)
	if !ok {
		return nil, &NotFoundError{Kind: "trace", ID: traceID}
	}
	if !source.HasPlan() {
		return nil, &NotFoundError{Kind: "plan for trace", ID: traceID}
	}
	rec, ok := o.registry.Get(source.PlanID, source.PlanVersion)
	if !ok {
		return nil, &NotFoundError{Kind: "plan", ID: source.PlanID, Version: source.PlanVersion}
	}

	if opts.TenantID == "" {
		opts.TenantID = source.TenantID
	}
	ctx, inv, err := o.begin(ctx, audit.ModeReplay, opts)
	if err != nil {
		return nil, err
	}
	inv.prompt = source.Prompt
	inv.event = source.Event.Clone()
	return o.run(ctx, inv, func(ctx context.Context) (*Result, error) {
		if err := checkContext(ctx); err != nil {
			return nil, err
		}
		return o.tail(ctx, inv, tailSpec{plan: rec.Plan, state: stateSnapshot})
	})
}
