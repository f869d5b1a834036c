package orchestrator

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/renderd/internal/audit"
	"github.com/fyrsmithlabs/renderd/internal/plan"
	"github.com/fyrsmithlabs/renderd/internal/tenant"
)

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "LLM")
	assert.Contains(t, err.Error(), "Renderer")
}

func TestOrchestrator_NotRunning(t *testing.T) {
	f := newFixture()
	o, err := New(f.opts)
	require.NoError(t, err)
	ctx := context.Background()

	assertNotRunning := func(t *testing.T) {
		t.Helper()
		_, err := o.RenderPrompt(ctx, "hi", RenderOptions{})
		assert.ErrorIs(t, err, ErrNotRunning)
		_, err = o.RenderPlan(ctx, samplePlan("p"), RenderOptions{})
		assert.ErrorIs(t, err, ErrNotRunning)
		_, err = o.DispatchEvent(ctx, "p", plan.Event{Type: "increment"}, RenderOptions{})
		assert.ErrorIs(t, err, ErrNotRunning)
		_, err = o.RollbackPlan(ctx, "p", 1, RenderOptions{})
		assert.ErrorIs(t, err, ErrNotRunning)
		_, err = o.ReplayTrace(ctx, "trace-1", RenderOptions{})
		assert.ErrorIs(t, err, ErrNotRunning)
		_, err = o.ListPlans()
		assert.ErrorIs(t, err, ErrNotRunning)
		_, err = o.ListAudits(0)
		assert.ErrorIs(t, err, ErrNotRunning)
		_, err = o.GetPlan("p", 0)
		assert.ErrorIs(t, err, ErrNotRunning)
		assert.ErrorIs(t, o.ClearHistory(ctx), ErrNotRunning)

		for chunk, err := range o.RenderPromptStream(ctx, "hi", RenderOptions{}) {
			assert.Equal(t, StreamChunk{}, chunk)
			assert.ErrorIs(t, err, ErrNotRunning)
		}
	}

	t.Run("before start", assertNotRunning)

	require.NoError(t, o.Start(ctx))
	require.NoError(t, o.Stop(ctx))

	t.Run("after stop", assertNotRunning)
	assert.Equal(t, 0, f.audits.Len(), "lifecycle rejections are not audited")
}

func TestOrchestrator_StartIsIdempotent(t *testing.T) {
	f := newFixture()
	f.settings.Governor = tenant.Limits{MaxConcurrentExecutions: 2}
	f.settings.Security = SecurityPolicy{BlockedModules: []string{"fs"}}
	o, err := New(f.opts)
	require.NoError(t, err)

	var started, stopped int
	o.On(EventStarted, func(any) { started++ })
	o.On(EventStopped, func(any) { stopped++ })

	ctx := context.Background()
	require.NoError(t, o.Start(ctx))
	require.NoError(t, o.Start(ctx))
	assert.Equal(t, 1, started)
	assert.Equal(t, 1, f.engine.initCount)
	assert.True(t, o.Running())

	assert.Equal(t, 2, o.Governor().Limits().MaxConcurrentExecutions)
	assert.Equal(t, tenant.DefaultMaxExecutionsPerMinute, o.Governor().Limits().MaxExecutionsPerMinute)
	require.NotNil(t, f.security.policy)
	assert.Equal(t, []string{"fs"}, f.security.policy.BlockedModules)

	require.NoError(t, o.Stop(ctx))
	require.NoError(t, o.Stop(ctx))
	assert.Equal(t, 1, stopped)
	assert.Equal(t, 1, f.engine.termCount)
	assert.False(t, o.Running())
}

func TestOrchestrator_StartFailsOnSettingsError(t *testing.T) {
	f := newFixture()
	f.opts.LoadSettings = func(context.Context) (Settings, error) {
		return Settings{}, errors.New("bad config")
	}
	o, err := New(f.opts)
	require.NoError(t, err)

	err = o.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad config")
	assert.False(t, o.Running())
}

func TestOrchestrator_History(t *testing.T) {
	f := newFixture()
	o := f.start(t)
	ctx := context.Background()

	first, err := o.RenderPlan(ctx, samplePlan("p1"), RenderOptions{})
	require.NoError(t, err)
	_, err = o.RenderPlan(ctx, samplePlan("p1"), RenderOptions{})
	require.NoError(t, err)

	plans, err := o.ListPlans()
	require.NoError(t, err)
	require.Len(t, plans, 1)
	assert.Equal(t, []int{1, 2}, plans[0].Versions)

	versions, err := o.ListPlanVersions("p1")
	require.NoError(t, err)
	assert.Len(t, versions, 2)

	_, err = o.ListPlanVersions("missing")
	assert.ErrorIs(t, err, ErrNotFound)

	latest, err := o.GetPlan("p1", 0)
	require.NoError(t, err)
	assert.Equal(t, 2, latest.Plan.Version)

	_, err = o.GetPlan("p1", 9)
	var nf *NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, 9, nf.Version)

	got, err := o.GetAudit(first.TraceID)
	require.NoError(t, err)
	assert.Equal(t, first.Audit, got)

	_, err = o.GetAudit("nope")
	assert.ErrorIs(t, err, ErrNotFound)

	audits, err := o.ListAudits(1)
	require.NoError(t, err)
	assert.Len(t, audits, 1)
}

func TestOrchestrator_ClearHistory(t *testing.T) {
	f := newFixture()
	o := f.start(t)
	ctx := context.Background()

	_, err := o.RenderPlan(ctx, samplePlan("p1"), RenderOptions{TenantID: "acme"})
	require.NoError(t, err)
	require.NotEmpty(t, o.Governor().Snapshots())

	require.NoError(t, o.ClearHistory(ctx))

	plans, err := o.ListPlans()
	require.NoError(t, err)
	assert.Empty(t, plans)
	audits, err := o.ListAudits(0)
	require.NoError(t, err)
	assert.Empty(t, audits)
	assert.Empty(t, o.Governor().Snapshots())
}

func TestOrchestrator_EventsUnsubscribe(t *testing.T) {
	f := newFixture()
	o := f.start(t)
	ctx := context.Background()

	var rendered []RenderedEvent
	unsubscribe := o.On(EventRendered, func(payload any) {
		rendered = append(rendered, payload.(RenderedEvent))
	})
	o.On(EventRendered, func(any) { panic("listener bug") })

	res, err := o.RenderPlan(ctx, samplePlan("p1"), RenderOptions{})
	require.NoError(t, err)
	require.Len(t, rendered, 1)
	assert.Equal(t, res.TraceID, rendered[0].TraceID)
	assert.Equal(t, audit.StatusSucceeded, rendered[0].Metric.Status)

	unsubscribe()
	unsubscribe()
	_, err = o.RenderPlan(ctx, samplePlan("p1"), RenderOptions{})
	require.NoError(t, err)
	assert.Len(t, rendered, 1)

	f.logs.AssertLogged(t, zapcore.ErrorLevel, "event listener panicked")
}

func TestOrchestrator_Emit(t *testing.T) {
	f := newFixture()
	o := f.start(t)

	var got any
	o.On("custom", func(p any) { got = p })
	o.Emit("custom", 42)
	assert.Equal(t, 42, got)
}
