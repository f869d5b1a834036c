package orchestrator

import (
	"context"
	"fmt"
	"iter"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/renderd/internal/audit"
	"github.com/fyrsmithlabs/renderd/internal/hooks"
	"github.com/fyrsmithlabs/renderd/internal/logging"
	"github.com/fyrsmithlabs/renderd/internal/plan"
	"github.com/fyrsmithlabs/renderd/internal/tenant"
)

type fakeLLM struct {
	mu       sync.Mutex
	text     string
	err      error
	panicMsg any
	requests []LLMRequest
}

func (f *fakeLLM) GenerateResponse(_ context.Context, req LLMRequest) (LLMResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.panicMsg != nil {
		panic(f.panicMsg)
	}
	if f.err != nil {
		return LLMResponse{}, f.err
	}
	return LLMResponse{Text: f.text, Model: "fake"}, nil
}

func (f *fakeLLM) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

type structuredReply struct {
	resp StructuredResponse
	err  error
}

type fakeStructuredLLM struct {
	fakeLLM
	replies    []structuredReply
	structured []LLMRequest
}

func (f *fakeStructuredLLM) GenerateStructuredResponse(_ context.Context, req LLMRequest) (StructuredResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := len(f.structured)
	f.structured = append(f.structured, req)
	if i >= len(f.replies) {
		return StructuredResponse{}, fmt.Errorf("no structured reply %d", i)
	}
	return f.replies[i].resp, f.replies[i].err
}

type fakeStreamingLLM struct {
	fakeLLM
	deltas  []LLMDelta
	failAt  int
	failErr error
	pulled  int
}

func (f *fakeStreamingLLM) GenerateResponseStream(_ context.Context, _ LLMRequest) (iter.Seq2[LLMDelta, error], error) {
	return func(yield func(LLMDelta, error) bool) {
		for i, d := range f.deltas {
			f.pulled++
			if f.failErr != nil && i == f.failAt {
				yield(LLMDelta{}, f.failErr)
				return
			}
			if !yield(d, nil) {
				return
			}
		}
	}, nil
}

type fakeCodeGen struct {
	mu       sync.Mutex
	planID   string
	err      error
	panicMsg any
	inputs   []CodeGenInput
}

func (f *fakeCodeGen) GeneratePlan(_ context.Context, in CodeGenInput) (plan.Plan, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inputs = append(f.inputs, in)
	if f.panicMsg != nil {
		panic(f.panicMsg)
	}
	if f.err != nil {
		return plan.Plan{}, f.err
	}
	return plan.Plan{
		ID:      f.planID,
		Version: 1,
		Root:    &plan.Component{Type: "text", Text: in.Text},
	}, nil
}

type fakeSecurity struct {
	mu       sync.Mutex
	result   *SecurityResult
	err      error
	panicMsg any
	policy   *SecurityPolicy
	checked  []plan.Plan
}

func (f *fakeSecurity) CheckPlan(_ context.Context, p plan.Plan) (SecurityResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checked = append(f.checked, p)
	if f.panicMsg != nil {
		panic(f.panicMsg)
	}
	if f.err != nil {
		return SecurityResult{}, f.err
	}
	if f.result != nil {
		return *f.result, nil
	}
	return SecurityResult{Passed: true}, nil
}

func (f *fakeSecurity) Initialize(_ context.Context, policy SecurityPolicy) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.policy = &policy
	return nil
}

type fakeEngine struct {
	mu        sync.Mutex
	states    map[string]map[string]any
	inputs    []ExecutionInput
	calls     []string
	err       error
	panicMsg  any
	initCount int
	termCount int
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{states: make(map[string]map[string]any)}
}

func (f *fakeEngine) Initialize(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.initCount++
	return nil
}

func (f *fakeEngine) Terminate(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.termCount++
	return nil
}

func (f *fakeEngine) Execute(ctx context.Context, in ExecutionInput) (ExecutionResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inputs = append(f.inputs, in)
	f.calls = append(f.calls, "execute:"+in.Plan.ID)
	if f.panicMsg != nil {
		panic(f.panicMsg)
	}
	if f.err != nil {
		return ExecutionResult{}, f.err
	}
	if err := ctx.Err(); err != nil {
		return ExecutionResult{}, err
	}
	state := plan.CloneMap(in.State)
	if state == nil {
		state = map[string]any{}
	}
	if in.Event != nil && in.Event.Type == "increment" {
		n, _ := state["count"].(int)
		state["count"] = n + 1
	}
	return ExecutionResult{
		PlanID:      in.Plan.ID,
		PlanVersion: in.Plan.Version,
		Tree:        in.Plan.Root.Clone(),
		State:       state,
	}, nil
}

func (f *fakeEngine) GetPlanState(planID string) (map[string]any, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.states[planID]
	return plan.CloneMap(s), ok
}

func (f *fakeEngine) SetPlanState(planID string, state map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "set:"+planID)
	f.states[planID] = plan.CloneMap(state)
}

func (f *fakeEngine) ClearPlanState(planID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "clear:"+planID)
	delete(f.states, planID)
}

func (f *fakeEngine) callLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeEngine) lastInput() ExecutionInput {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.inputs[len(f.inputs)-1]
}

type fakeRenderer struct {
	err      error
	panicMsg any
	before   func()
}

func (f *fakeRenderer) Render(_ context.Context, r ExecutionResult, target string) (string, error) {
	if f.before != nil {
		f.before()
	}
	if f.panicMsg != nil {
		panic(f.panicMsg)
	}
	if f.err != nil {
		return "", f.err
	}
	text := ""
	if r.Tree != nil {
		text = r.Tree.Text
	}
	return fmt.Sprintf("%s|%s@%d|%s|count=%v", target, r.PlanID, r.PlanVersion, text, r.State["count"]), nil
}

type fixture struct {
	llm      *fakeLLM
	codegen  *fakeCodeGen
	security *fakeSecurity
	engine   *fakeEngine
	renderer *fakeRenderer
	hooks    *hooks.HookManager
	logs     *logging.TestLogger
	registry *plan.Registry
	audits   *audit.Log
	governor *tenant.Governor
	settings Settings
	opts     Options
}

func newFixture() *fixture {
	f := &fixture{
		llm:      &fakeLLM{text: "hello"},
		codegen:  &fakeCodeGen{planID: "p-generated"},
		security: &fakeSecurity{},
		engine:   newFakeEngine(),
		renderer: &fakeRenderer{},
		hooks:    hooks.NewHookManager(nil),
		logs:     logging.NewTestLogger(),
		registry: plan.NewRegistry(),
		audits:   audit.NewLog(),
		governor: tenant.NewGovernor(),
		settings: DefaultSettings(),
	}
	var n int
	var mu sync.Mutex
	f.opts = Options{
		LLM:      f.llm,
		CodeGen:  f.codegen,
		Security: f.security,
		Engine:   f.engine,
		Renderer: f.renderer,
		Registry: f.registry,
		Audit:    f.audits,
		Governor: f.governor,
		Hooks:    f.hooks,
		Logger:   f.logs.Logger,
		Metrics:  NewMetrics(prometheus.NewRegistry()),
		LoadSettings: func(context.Context) (Settings, error) {
			return f.settings, nil
		},
		NewTraceID: func() string {
			mu.Lock()
			defer mu.Unlock()
			n++
			return fmt.Sprintf("trace-%d", n)
		},
	}
	return f
}

// start builds and starts an orchestrator from the fixture.
func (f *fixture) start(t *testing.T) *Orchestrator {
	t.Helper()
	o, err := New(f.opts)
	require.NoError(t, err)
	require.NoError(t, o.Start(context.Background()))
	t.Cleanup(func() { _ = o.Stop(context.Background()) })
	return o
}

func samplePlan(id string) plan.Plan {
	return plan.Plan{
		ID:      id,
		Version: 1,
		Root:    &plan.Component{Type: "text", Text: "static"},
		State:   map[string]any{"count": 0},
	}
}
