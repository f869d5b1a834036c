package orchestrator

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/renderd/internal/audit"
	"github.com/fyrsmithlabs/renderd/internal/hooks"
	"github.com/fyrsmithlabs/renderd/internal/plan"
	"github.com/fyrsmithlabs/renderd/internal/tenant"
)

// MockSecurityChecker is a mock implementation of SecurityChecker
type MockSecurityChecker struct {
	mock.Mock
}

func (m *MockSecurityChecker) CheckPlan(ctx context.Context, p plan.Plan) (SecurityResult, error) {
	args := m.Called(ctx, p)
	return args.Get(0).(SecurityResult), args.Error(1)
}

func TestRenderPrompt_Success(t *testing.T) {
	f := newFixture()
	o := f.start(t)

	res, err := o.RenderPrompt(context.Background(), "say hello", RenderOptions{TenantID: "acme"})
	require.NoError(t, err)

	require.NotNil(t, res.LLM)
	assert.Equal(t, "hello", res.LLM.Text)
	assert.Equal(t, 1, res.LLM.Attempts)
	assert.False(t, res.LLM.Structured)

	assert.Equal(t, "p-generated", res.Plan.ID)
	assert.Equal(t, 1, res.Plan.Version)
	assert.True(t, res.Security.Passed)
	assert.Equal(t, "html|p-generated@1|hello|count=<nil>", res.Rendered)

	assert.Equal(t, "trace-1", res.TraceID)
	assert.Equal(t, audit.ModePrompt, res.Audit.Mode)
	assert.Equal(t, audit.StatusSucceeded, res.Audit.Status)
	assert.Equal(t, "say hello", res.Audit.Prompt)
	assert.Equal(t, "acme", res.Audit.TenantID)
	assert.Equal(t, "p-generated", res.Audit.PlanID)
	assert.Equal(t, 1, res.Audit.PlanVersion)
	assert.Empty(t, res.Audit.Error)

	_, ok := f.registry.Get("p-generated", 1)
	assert.True(t, ok)
	assert.Equal(t, 0, f.governor.ActiveLeases())

	for _, stage := range []Stage{StageLLM, StageCodeGen, StageRegister, StageLease, StagePolicy, StageRuntime, StageRender} {
		_, ok := res.Metric.StageDuration(stage)
		assert.True(t, ok, "missing timing for %s", stage)
	}
	assert.Equal(t, audit.StatusSucceeded, res.Metric.Status)
}

func TestRenderPrompt_AnonymousTenant(t *testing.T) {
	f := newFixture()
	o := f.start(t)

	res, err := o.RenderPrompt(context.Background(), "hi", RenderOptions{TenantID: "  "})
	require.NoError(t, err)
	assert.Equal(t, tenant.AnonymousID, res.Audit.TenantID)
}

func TestRenderPlan_PolicyRejection(t *testing.T) {
	f := newFixture()
	security := &MockSecurityChecker{}
	issues := []SecurityIssue{
		{Code: "blocked-module", Message: "module fs is not allowed"},
		{Code: "network", Message: "host evil.example is not allowed"},
	}
	security.On("CheckPlan", mock.Anything, mock.MatchedBy(func(p plan.Plan) bool {
		return p.ID == "p1"
	})).Return(SecurityResult{Passed: false, Issues: issues}, nil).Once()
	f.opts.Security = security
	o := f.start(t)

	var rejected []PolicyRejectedEvent
	var failed []RenderFailedEvent
	o.On(EventPolicyRejected, func(p any) { rejected = append(rejected, p.(PolicyRejectedEvent)) })
	o.On(EventRenderFailed, func(p any) { failed = append(failed, p.(RenderFailedEvent)) })

	res, err := o.RenderPlan(context.Background(), samplePlan("p1"), RenderOptions{})
	require.Nil(t, res)

	var rejection *PolicyRejectionError
	require.ErrorAs(t, err, &rejection)
	assert.Equal(t, issues, rejection.Issues)

	audits := f.audits.List(0)
	require.Len(t, audits, 1)
	assert.Equal(t, audit.StatusRejected, audits[0].Status)
	assert.Equal(t, 2, audits[0].SecurityIssueCount)
	assert.Equal(t, "p1", audits[0].PlanID)
	assert.NotEmpty(t, audits[0].Error)

	// registration is never rolled back
	_, ok := f.registry.Get("p1", 1)
	assert.True(t, ok)
	assert.Equal(t, 0, f.governor.ActiveLeases())
	assert.Empty(t, f.engine.callLog(), "rejected plans never execute")

	require.Len(t, rejected, 1)
	assert.Equal(t, issues, rejected[0].Security.Issues)
	require.Len(t, failed, 1)
	assert.Equal(t, audit.StatusRejected, failed[0].Metric.Status)
	assert.ErrorAs(t, failed[0].Err, &rejection)

	security.AssertExpectations(t)
}

func TestRenderPlan_QuotaExceeded(t *testing.T) {
	f := newFixture()
	f.settings.Governor = tenant.Limits{MaxConcurrentExecutions: 1}
	o := f.start(t)

	held, err := o.Governor().Acquire("acme")
	require.NoError(t, err)
	defer held.Release()

	_, err = o.RenderPlan(context.Background(), samplePlan("p1"), RenderOptions{TenantID: "acme"})
	var quota *tenant.QuotaExceededError
	require.ErrorAs(t, err, &quota)
	assert.Equal(t, tenant.DimensionConcurrency, quota.Dimension)

	audits := f.audits.List(0)
	require.Len(t, audits, 1)
	assert.Equal(t, audit.StatusThrottled, audits[0].Status)
	assert.Equal(t, 1, f.governor.ActiveLeases(), "only the held lease remains")

	// another tenant is unaffected
	_, err = o.RenderPlan(context.Background(), samplePlan("p1"), RenderOptions{TenantID: "other"})
	assert.NoError(t, err)
}

func TestRenderPlan_ModeTag(t *testing.T) {
	f := newFixture()
	o := f.start(t)

	res, err := o.RenderPlan(context.Background(), samplePlan("p1"), RenderOptions{Mode: audit.ModeReplay})
	require.NoError(t, err)
	assert.Equal(t, audit.ModeReplay, res.Audit.Mode)

	res, err = o.RenderPlan(context.Background(), samplePlan("p1"), RenderOptions{Mode: "bogus"})
	require.NoError(t, err)
	assert.Equal(t, audit.ModePlan, res.Audit.Mode)
}

func TestPipeline_FaultInjection(t *testing.T) {
	boom := errors.New("boom")
	tests := []struct {
		name       string
		inject     func(f *fixture)
		stage      Stage
		panics     bool
		leaseTaken bool
		planStored bool
	}{
		{"llm error", func(f *fixture) { f.llm.err = boom }, StageLLM, false, false, false},
		{"llm panic", func(f *fixture) { f.llm.panicMsg = "llm exploded" }, StageLLM, true, false, false},
		{"codegen error", func(f *fixture) { f.codegen.err = boom }, StageCodeGen, false, false, false},
		{"codegen panic", func(f *fixture) { f.codegen.panicMsg = boom }, StageCodeGen, true, false, false},
		{"security error", func(f *fixture) { f.security.err = boom }, StagePolicy, false, true, true},
		{"security panic", func(f *fixture) { f.security.panicMsg = "nil map" }, StagePolicy, true, true, true},
		{"engine error", func(f *fixture) { f.engine.err = boom }, StageRuntime, false, true, true},
		{"engine panic", func(f *fixture) { f.engine.panicMsg = "sandbox crashed" }, StageRuntime, true, true, true},
		{"renderer error", func(f *fixture) { f.renderer.err = boom }, StageRender, false, true, true},
		{"renderer panic", func(f *fixture) { f.renderer.panicMsg = boom }, StageRender, true, true, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			tt.inject(f)
			o := f.start(t)

			var failed []RenderFailedEvent
			o.On(EventRenderFailed, func(p any) { failed = append(failed, p.(RenderFailedEvent)) })

			res, err := o.RenderPrompt(context.Background(), "hi", RenderOptions{TenantID: "acme"})
			require.Error(t, err)
			assert.Nil(t, res)

			if tt.panics {
				var unhandled *UnhandledError
				require.ErrorAs(t, err, &unhandled)
				assert.Equal(t, tt.stage, unhandled.Stage)
			} else {
				assert.ErrorIs(t, err, boom)
				assert.Contains(t, err.Error(), string(tt.stage)+": ")
			}

			audits := f.audits.List(0)
			require.Len(t, audits, 1)
			assert.Equal(t, audit.StatusFailed, audits[0].Status)
			assert.Equal(t, err.Error(), audits[0].Error)
			require.Len(t, failed, 1)
			assert.Equal(t, audits[0], failed[0].Audit)

			assert.Equal(t, 0, f.governor.ActiveLeases(), "lease leaked")
			snaps := f.governor.Snapshots()
			if tt.leaseTaken {
				require.Len(t, snaps, 1)
				assert.Equal(t, 1, snaps[0].ExecutionsInWindow)
			} else {
				assert.Empty(t, snaps)
			}

			_, stored := f.registry.Get("p-generated", 1)
			assert.Equal(t, tt.planStored, stored)
		})
	}
}

func TestPipeline_CancelledBeforeStart(t *testing.T) {
	f := newFixture()
	o := f.start(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := o.RenderPrompt(ctx, "hi", RenderOptions{})
	assert.ErrorIs(t, err, ErrCancelled)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, f.llm.calls())

	audits := f.audits.List(0)
	require.Len(t, audits, 1)
	assert.Equal(t, audit.StatusFailed, audits[0].Status)
}

func TestPipeline_CancelledBeforeFinalRender(t *testing.T) {
	f := newFixture()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.renderer.before = cancel
	o := f.start(t)

	var rendered int
	o.On(EventRendered, func(any) { rendered++ })

	_, err := o.RenderPlan(ctx, samplePlan("p1"), RenderOptions{})
	assert.ErrorIs(t, err, ErrCancelled)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, rendered)
	assert.Equal(t, 0, f.governor.ActiveLeases())

	audits := f.audits.List(0)
	require.Len(t, audits, 1)
	assert.Equal(t, audit.StatusFailed, audits[0].Status)
}

func TestRollbackPlan_ClearsLiveState(t *testing.T) {
	f := newFixture()
	o := f.start(t)
	ctx := context.Background()

	_, err := o.RenderPlan(ctx, samplePlan("p1"), RenderOptions{})
	require.NoError(t, err)

	v2 := samplePlan("p1")
	v2.State = map[string]any{"count": 10}
	res, err := o.RenderPlan(ctx, v2, RenderOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Plan.Version)

	res, err = o.DispatchEvent(ctx, "p1", plan.Event{Type: "increment"}, RenderOptions{})
	require.NoError(t, err)
	assert.Equal(t, "html|p1@2|static|count=11", res.Rendered)
	assert.Equal(t, audit.ModeEvent, res.Audit.Mode)
	require.NotNil(t, res.Audit.Event)
	assert.Equal(t, "increment", res.Audit.Event.Type)

	before := len(f.engine.callLog())
	res, err = o.RollbackPlan(ctx, "p1", 1, RenderOptions{})
	require.NoError(t, err)

	calls := f.engine.callLog()[before:]
	assert.Equal(t, []string{"clear:p1", "execute:p1", "set:p1"}, calls)
	assert.Equal(t, map[string]any{"count": 0}, f.engine.lastInput().State)
	assert.Equal(t, 1, res.Plan.Version)
	assert.Equal(t, "html|p1@1|static|count=0", res.Rendered)
	assert.Equal(t, audit.ModeRollback, res.Audit.Mode)
	assert.Equal(t, 1, res.Audit.PlanVersion)

	// rollback does not register a new version
	versions, err := o.ListPlanVersions("p1")
	require.NoError(t, err)
	assert.Len(t, versions, 2)
}

func TestRollbackPlan_UnknownVersion(t *testing.T) {
	f := newFixture()
	o := f.start(t)
	ctx := context.Background()

	_, err := o.RenderPlan(ctx, samplePlan("p1"), RenderOptions{})
	require.NoError(t, err)

	_, err = o.RollbackPlan(ctx, "p1", 5, RenderOptions{})
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = o.RollbackPlan(ctx, "p1", 0, RenderOptions{})
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = o.RollbackPlan(ctx, "nope", 1, RenderOptions{})
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, 1, f.audits.Len())
}

func TestDispatchEvent_Validation(t *testing.T) {
	f := newFixture()
	o := f.start(t)
	ctx := context.Background()

	_, err := o.DispatchEvent(ctx, "missing", plan.Event{Type: "increment"}, RenderOptions{})
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = o.RenderPlan(ctx, samplePlan("p1"), RenderOptions{})
	require.NoError(t, err)
	_, err = o.DispatchEvent(ctx, "p1", plan.Event{}, RenderOptions{})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestReplayTrace_UsesStoredSnapshot(t *testing.T) {
	f := newFixture()
	o := f.start(t)
	ctx := context.Background()

	first, err := o.RenderPlan(ctx, samplePlan("p1"), RenderOptions{TenantID: "acme"})
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		_, err = o.DispatchEvent(ctx, "p1", plan.Event{Type: "increment"}, RenderOptions{})
		require.NoError(t, err)
	}

	replay, err := o.ReplayTrace(ctx, first.TraceID, RenderOptions{})
	require.NoError(t, err)

	if diff := cmp.Diff(first.Plan, replay.Plan); diff != "" {
		t.Errorf("replayed plan differs (-original +replay):\n%s", diff)
	}
	assert.Equal(t, first.Rendered, replay.Rendered)
	assert.Equal(t, audit.ModeReplay, replay.Audit.Mode)
	assert.Equal(t, "acme", replay.Audit.TenantID)
	assert.NotEqual(t, first.TraceID, replay.TraceID)

	// replay leaves live state alone
	live, ok := f.engine.GetPlanState("p1")
	require.True(t, ok)
	assert.Equal(t, 2, live["count"])

	versions, err := o.ListPlanVersions("p1")
	require.NoError(t, err)
	assert.Len(t, versions, 1)
}

func TestReplayTrace_ReappliesEvent(t *testing.T) {
	f := newFixture()
	o := f.start(t)
	ctx := context.Background()

	_, err := o.RenderPlan(ctx, samplePlan("p1"), RenderOptions{})
	require.NoError(t, err)
	ev, err := o.DispatchEvent(ctx, "p1", plan.Event{Type: "increment"}, RenderOptions{})
	require.NoError(t, err)

	replay, err := o.ReplayTrace(ctx, ev.TraceID, RenderOptions{})
	require.NoError(t, err)
	assert.Equal(t, ev.Rendered, replay.Rendered)
	require.NotNil(t, replay.Audit.Event)
	assert.Equal(t, "increment", replay.Audit.Event.Type)
}

func TestReplayTrace_NotFound(t *testing.T) {
	f := newFixture()
	f.llm.err = errors.New("down")
	o := f.start(t)
	ctx := context.Background()

	_, err := o.ReplayTrace(ctx, "unknown", RenderOptions{})
	assert.ErrorIs(t, err, ErrNotFound)

	// a trace that failed before registration has no plan to replay
	_, err = o.RenderPrompt(ctx, "hi", RenderOptions{})
	require.Error(t, err)
	audits := f.audits.List(0)
	require.Len(t, audits, 1)

	_, err = o.ReplayTrace(ctx, audits[0].TraceID, RenderOptions{})
	assert.ErrorIs(t, err, ErrNotFound)

	// a trace whose plan was purged
	f.llm.err = nil
	res, err := o.RenderPrompt(ctx, "hi", RenderOptions{})
	require.NoError(t, err)
	f.registry.Remove(ctx, res.Plan.ID)
	_, err = o.ReplayTrace(ctx, res.TraceID, RenderOptions{})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPipeline_HookOrder(t *testing.T) {
	f := newFixture()
	var order []hooks.Name
	record := func(name hooks.Name) { order = append(order, name) }

	hooks.Register(f.hooks, HookBeforeLLM, func(_ context.Context, _ hooks.Context, r LLMRequest) (LLMRequest, error) {
		record(hooks.BeforeLLM)
		r.Context = append(r.Context, "be concise")
		return r, nil
	})
	hooks.Register(f.hooks, HookAfterLLM, func(_ context.Context, _ hooks.Context, r LLMResponse) (LLMResponse, error) {
		record(hooks.AfterLLM)
		return r, nil
	})
	hooks.Register(f.hooks, HookBeforeCodeGen, func(_ context.Context, _ hooks.Context, in CodeGenInput) (CodeGenInput, error) {
		record(hooks.BeforeCodeGen)
		in.Text += "!"
		return in, nil
	})
	hooks.Register(f.hooks, HookAfterCodeGen, func(_ context.Context, _ hooks.Context, p plan.Plan) (plan.Plan, error) {
		record(hooks.AfterCodeGen)
		p.Metadata = map[string]any{"annotated": true}
		return p, nil
	})
	hooks.Register(f.hooks, HookBeforePolicyCheck, func(_ context.Context, hc hooks.Context, p plan.Plan) (plan.Plan, error) {
		record(hooks.BeforePolicyCheck)
		assert.Equal(t, p.ID, hc.PlanID)
		return p, nil
	})
	hooks.Register(f.hooks, HookAfterPolicyCheck, func(_ context.Context, _ hooks.Context, r SecurityResult) (SecurityResult, error) {
		record(hooks.AfterPolicyCheck)
		return r, nil
	})
	hooks.Register(f.hooks, HookBeforeRuntime, func(_ context.Context, _ hooks.Context, in ExecutionInput) (ExecutionInput, error) {
		record(hooks.BeforeRuntime)
		return in, nil
	})
	hooks.Register(f.hooks, HookAfterRuntime, func(_ context.Context, _ hooks.Context, r ExecutionResult) (ExecutionResult, error) {
		record(hooks.AfterRuntime)
		return r, nil
	})
	hooks.Register(f.hooks, HookBeforeRender, func(_ context.Context, _ hooks.Context, in RenderInput) (RenderInput, error) {
		record(hooks.BeforeRender)
		in.Target = "text"
		return in, nil
	})
	hooks.Register(f.hooks, HookAfterRender, func(_ context.Context, _ hooks.Context, out RenderOutput) (RenderOutput, error) {
		record(hooks.AfterRender)
		out.Output = "[" + out.Output + "]"
		return out, nil
	})
	o := f.start(t)

	res, err := o.RenderPrompt(context.Background(), "hi", RenderOptions{})
	require.NoError(t, err)

	assert.Equal(t, hooks.Names(), order)
	assert.Equal(t, []string{"be concise"}, f.llm.requests[0].Context)
	assert.Equal(t, "[text|p-generated@1|hello!|count=<nil>]", res.Rendered)
	assert.Equal(t, true, res.Plan.Metadata["annotated"])

	stored, ok := f.registry.Get("p-generated", 1)
	require.True(t, ok)
	assert.Equal(t, true, stored.Plan.Metadata["annotated"], "afterCodeGen output is what gets registered")
}

func TestPipeline_HookErrorFailsInvocation(t *testing.T) {
	f := newFixture()
	hooks.Register(f.hooks, HookBeforeRuntime, func(context.Context, hooks.Context, ExecutionInput) (ExecutionInput, error) {
		return ExecutionInput{}, errors.New("denied by hook")
	})
	o := f.start(t)

	_, err := o.RenderPlan(context.Background(), samplePlan("p1"), RenderOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "beforeRuntime")
	assert.Equal(t, audit.StatusFailed, f.audits.List(0)[0].Status)
	assert.Equal(t, 0, f.governor.ActiveLeases())
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want audit.Status
	}{
		{"nil", nil, audit.StatusSucceeded},
		{"rejection", &PolicyRejectionError{}, audit.StatusRejected},
		{"wrapped quota", stageError(StageLease, &tenant.QuotaExceededError{}), audit.StatusThrottled},
		{"cancelled", ErrCancelled, audit.StatusFailed},
		{"unhandled", &UnhandledError{Stage: StageRuntime, Cause: errors.New("x")}, audit.StatusFailed},
		{"other", errors.New("x"), audit.StatusFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := StatusFor(tt.err); got != tt.want {
				t.Errorf("StatusFor() = %s, want %s", got, tt.want)
			}
		})
	}
}
