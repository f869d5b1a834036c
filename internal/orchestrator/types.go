package orchestrator

import (
	"context"
	"iter"
	"time"

	"github.com/fyrsmithlabs/renderd/internal/audit"
	"github.com/fyrsmithlabs/renderd/internal/plan"
	"github.com/fyrsmithlabs/renderd/internal/tenant"
)

// LLMRequest is what the pipeline sends to the language model.
type LLMRequest struct {
	Prompt   string `json:"prompt"`
	TraceID  string `json:"traceId"`
	TenantID string `json:"tenantId,omitempty"`
	// Context carries extra instructions, including validation errors from a
	// failed structured attempt.
	Context  []string       `json:"context,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// LLMResponse is the language model's answer.
type LLMResponse struct {
	Text  string `json:"text"`
	Model string `json:"model,omitempty"`
	// Plan is set when structured generation produced a valid plan.
	Plan       *plan.Plan `json:"plan,omitempty"`
	Structured bool       `json:"structured"`
	Streamed   bool       `json:"streamed,omitempty"`
	Attempts   int        `json:"attempts"`
}

// StructuredResponse is the result of one structured generation attempt.
type StructuredResponse struct {
	Text   string     `json:"text"`
	Plan   *plan.Plan `json:"plan,omitempty"`
	Valid  bool       `json:"valid"`
	Errors []string   `json:"errors,omitempty"`
	Model  string     `json:"model,omitempty"`
}

// LLMDelta is one increment of streamed model output.
type LLMDelta struct {
	Text string `json:"text"`
	Done bool   `json:"done,omitempty"`
}

// LLMInterpreter is the minimal language model contract.
type LLMInterpreter interface {
	GenerateResponse(ctx context.Context, req LLMRequest) (LLMResponse, error)
}

// StructuredLLM is implemented by models that can emit a plan directly.
type StructuredLLM interface {
	GenerateStructuredResponse(ctx context.Context, req LLMRequest) (StructuredResponse, error)
}

// StreamingLLM is implemented by models that can stream their output.
type StreamingLLM interface {
	GenerateResponseStream(ctx context.Context, req LLMRequest) (iter.Seq2[LLMDelta, error], error)
}

// CodeGenInput is what the code generator turns into a plan.
type CodeGenInput struct {
	Prompt   string      `json:"prompt"`
	Text     string      `json:"text"`
	TraceID  string      `json:"traceId"`
	TenantID string      `json:"tenantId,omitempty"`
	Response LLMResponse `json:"response"`
}

// CodeGenerator turns model output into a plan.
type CodeGenerator interface {
	GeneratePlan(ctx context.Context, in CodeGenInput) (plan.Plan, error)
}

// CodeGenSession builds a plan incrementally from streamed deltas.
// Both methods may return a nil plan when nothing usable exists yet.
type CodeGenSession interface {
	PushDelta(ctx context.Context, delta LLMDelta) (*plan.Plan, error)
	Finalize(ctx context.Context, text string) (*plan.Plan, error)
}

// IncrementalCodeGenerator is implemented by generators that support streaming sessions.
type IncrementalCodeGenerator interface {
	NewSession(ctx context.Context, in CodeGenInput) (CodeGenSession, error)
}

// SecurityIssue is one policy violation.
type SecurityIssue struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Severity string `json:"severity,omitempty"`
	Path     string `json:"path,omitempty"`
}

// SecurityResult is the outcome of a policy check.
type SecurityResult struct {
	Passed bool            `json:"passed"`
	Issues []SecurityIssue `json:"issues,omitempty"`
}

// SecurityPolicy holds the overrides passed to the checker on Start.
type SecurityPolicy struct {
	BlockedModules    []string `json:"blockedModules,omitempty" koanf:"blocked_modules"`
	BlockedComponents []string `json:"blockedComponents,omitempty" koanf:"blocked_components"`
	AllowedHosts      []string `json:"allowedHosts,omitempty" koanf:"allowed_hosts"`
	MaxNodes          int      `json:"maxNodes,omitempty" koanf:"max_nodes"`
}

// SecurityChecker evaluates a plan against the security policy.
type SecurityChecker interface {
	CheckPlan(ctx context.Context, p plan.Plan) (SecurityResult, error)
}

// SecurityInitializer is implemented by checkers that accept policy overrides.
type SecurityInitializer interface {
	Initialize(ctx context.Context, policy SecurityPolicy) error
}

// ExecutionInput is what the execution engine runs.
type ExecutionInput struct {
	Plan     plan.Plan      `json:"plan"`
	State    map[string]any `json:"state,omitempty"`
	Event    *plan.Event    `json:"event,omitempty"`
	TraceID  string         `json:"traceId"`
	TenantID string         `json:"tenantId,omitempty"`
}

// Diagnostic is a non-fatal message produced during execution.
type Diagnostic struct {
	Level   string `json:"level"`
	Message string `json:"message"`
	Path    string `json:"path,omitempty"`
}

// ExecutionResult is the engine's output for one plan run.
type ExecutionResult struct {
	PlanID      string          `json:"planId"`
	PlanVersion int             `json:"planVersion"`
	Tree        *plan.Component `json:"tree,omitempty"`
	State       map[string]any  `json:"state,omitempty"`
	Diagnostics []Diagnostic    `json:"diagnostics,omitempty"`
	DurationMs  int64           `json:"durationMs"`
}

// ExecutionEngine runs plans in a sandbox and keeps per-plan live state.
type ExecutionEngine interface {
	Initialize(ctx context.Context) error
	Terminate(ctx context.Context) error
	Execute(ctx context.Context, in ExecutionInput) (ExecutionResult, error)
	GetPlanState(planID string) (map[string]any, bool)
	SetPlanState(planID string, state map[string]any)
	ClearPlanState(planID string)
}

// Renderer turns an execution result into output for a target.
type Renderer interface {
	Render(ctx context.Context, result ExecutionResult, target string) (string, error)
}

// RenderInput is the payload of the beforeRender hook.
type RenderInput struct {
	Execution ExecutionResult `json:"execution"`
	Target    string          `json:"target"`
}

// RenderOutput is the payload of the afterRender hook.
type RenderOutput struct {
	Output string `json:"output"`
	Target string `json:"target"`
}

// Settings are loaded on Start.
type Settings struct {
	Governor tenant.Limits
	Security SecurityPolicy
	// StructuredGeneration enables the structured-first LLM path.
	StructuredGeneration bool
	// PreviewEvery is the number of streamed deltas between previews.
	PreviewEvery int
	RenderTarget string
}

// DefaultSettings returns the settings used when no loader is configured.
func DefaultSettings() Settings {
	return Settings{
		Governor:             tenant.DefaultLimits(),
		StructuredGeneration: true,
		PreviewEvery:         DefaultPreviewEvery,
		RenderTarget:         DefaultRenderTarget,
	}
}

const (
	DefaultPreviewEvery = 2
	DefaultRenderTarget = "html"
)

// SettingsLoader loads settings on Start.
type SettingsLoader func(ctx context.Context) (Settings, error)

// RenderOptions are per-call options.
type RenderOptions struct {
	TenantID string
	// Mode tags the audit record of RenderPlan. Other entry points set their own mode.
	Mode     audit.Mode
	Target   string
	Metadata map[string]any
}

// StageTiming is the duration of one pipeline stage.
type StageTiming struct {
	Stage      Stage `json:"stage"`
	DurationMs int64 `json:"durationMs"`
}

// Metric summarizes one invocation. It is attached to rendered and renderFailed events.
type Metric struct {
	TraceID     string        `json:"traceId"`
	Mode        audit.Mode    `json:"mode"`
	TenantID    string        `json:"tenantId"`
	Status      audit.Status  `json:"status"`
	StartedAt   time.Time     `json:"startedAt"`
	CompletedAt time.Time     `json:"completedAt"`
	DurationMs  int64         `json:"durationMs"`
	Stages      []StageTiming `json:"stages,omitempty"`
	LLMAttempts int           `json:"llmAttempts,omitempty"`
	Previews    int           `json:"previews,omitempty"`
}

// StageDuration returns the total time spent in stage.
func (m Metric) StageDuration(stage Stage) (time.Duration, bool) {
	var total int64
	found := false
	for _, s := range m.Stages {
		if s.Stage == stage {
			total += s.DurationMs
			found = true
		}
	}
	return time.Duration(total) * time.Millisecond, found
}

// Result is the outcome of a successful render.
type Result struct {
	TraceID   string          `json:"traceId"`
	Prompt    string          `json:"prompt,omitempty"`
	LLM       *LLMResponse    `json:"llm,omitempty"`
	Plan      plan.Plan       `json:"plan"`
	Security  SecurityResult  `json:"security"`
	Execution ExecutionResult `json:"execution"`
	Rendered  string          `json:"rendered"`
	Audit     audit.Record    `json:"audit"`
	Metric    Metric          `json:"metric"`
}

// ChunkType distinguishes stream chunks.
type ChunkType string

const (
	ChunkLLMDelta ChunkType = "llm-delta"
	ChunkPreview  ChunkType = "preview"
	ChunkFinal    ChunkType = "final"
)

// StreamChunk is one element of RenderPromptStream.
type StreamChunk struct {
	Type     ChunkType `json:"type"`
	TraceID  string    `json:"traceId"`
	Sequence int       `json:"sequence"`
	// Delta and Text are set on llm-delta chunks. Text is the accumulated output so far.
	Delta *LLMDelta `json:"delta,omitempty"`
	Text  string    `json:"text,omitempty"`
	// PlanID is the transient preview plan id on preview chunks and the
	// registered plan id on the final chunk.
	PlanID   string  `json:"planId,omitempty"`
	Rendered string  `json:"rendered,omitempty"`
	Result   *Result `json:"result,omitempty"`
}
