package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/renderd/internal/audit"
	"github.com/fyrsmithlabs/renderd/internal/hooks"
	"github.com/fyrsmithlabs/renderd/internal/logging"
	"github.com/fyrsmithlabs/renderd/internal/plan"
	"github.com/fyrsmithlabs/renderd/internal/tenant"
)

const tracerName = "github.com/fyrsmithlabs/renderd/internal/orchestrator"

type lifecycleState int

const (
	stateUninitialized lifecycleState = iota
	stateRunning
	stateStopped
)

func (s lifecycleState) String() string {
	switch s {
	case stateRunning:
		return "running"
	case stateStopped:
		return "stopped"
	default:
		return "uninitialized"
	}
}

// Options wires an Orchestrator. The five collaborators are required;
// everything else has a per-instance default.
type Options struct {
	LLM      LLMInterpreter
	CodeGen  CodeGenerator
	Security SecurityChecker
	Engine   ExecutionEngine
	Renderer Renderer

	Registry *plan.Registry
	Audit    *audit.Log
	Governor *tenant.Governor
	Hooks    *hooks.HookManager

	LoadSettings SettingsLoader

	Logger  *logging.Logger
	Metrics *Metrics
	Tracer  trace.Tracer

	Clock      func() time.Time
	NewTraceID func() string
}

// Orchestrator sequences the render pipeline. It is safe for concurrent use.
type Orchestrator struct {
	llm      LLMInterpreter
	codegen  CodeGenerator
	security SecurityChecker
	engine   ExecutionEngine
	renderer Renderer

	registry *plan.Registry
	audits   *audit.Log
	governor *tenant.Governor
	hooks    *hooks.HookManager

	loadSettings SettingsLoader

	logger  *logging.Logger
	metrics *Metrics
	tracer  trace.Tracer

	now        func() time.Time
	newTraceID func() string

	mu       sync.RWMutex
	state    lifecycleState
	settings Settings

	// historyMu makes ClearHistory atomic with respect to registrations and audit appends.
	historyMu sync.RWMutex

	events *emitter
}

// New creates an orchestrator in the uninitialized state.
func New(opts Options) (*Orchestrator, error) {
	var missing []string
	if opts.LLM == nil {
		missing = append(missing, "LLM")
	}
	if opts.CodeGen == nil {
		missing = append(missing, "CodeGen")
	}
	if opts.Security == nil {
		missing = append(missing, "Security")
	}
	if opts.Engine == nil {
		missing = append(missing, "Engine")
	}
	if opts.Renderer == nil {
		missing = append(missing, "Renderer")
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("orchestrator: missing collaborators: %v", missing)
	}

	o := &Orchestrator{
		llm:          opts.LLM,
		codegen:      opts.CodeGen,
		security:     opts.Security,
		engine:       opts.Engine,
		renderer:     opts.Renderer,
		registry:     opts.Registry,
		audits:       opts.Audit,
		governor:     opts.Governor,
		hooks:        opts.Hooks,
		loadSettings: opts.LoadSettings,
		logger:       opts.Logger,
		metrics:      opts.Metrics,
		tracer:       opts.Tracer,
		now:          opts.Clock,
		newTraceID:   opts.NewTraceID,
		settings:     DefaultSettings(),
	}
	if o.registry == nil {
		o.registry = plan.NewRegistry()
	}
	if o.audits == nil {
		o.audits = audit.NewLog()
	}
	if o.governor == nil {
		o.governor = tenant.NewGovernor()
	}
	if o.logger == nil {
		o.logger = logging.NewNop()
	}
	if o.tracer == nil {
		o.tracer = otel.Tracer(tracerName)
	}
	if o.now == nil {
		o.now = time.Now
	}
	if o.newTraceID == nil {
		o.newTraceID = func() string { return "trace_" + uuid.NewString() }
	}
	o.events = newEmitter(func(name string, recovered any) {
		o.logger.Error(context.Background(), "event listener panicked",
			zap.String("event", name),
			zap.Any("panic", recovered),
		)
	})
	return o, nil
}

// Start loads settings and initializes the collaborators. Calling Start on a
// running orchestrator is a no-op.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.state == stateRunning {
		o.mu.Unlock()
		return nil
	}

	settings := DefaultSettings()
	if o.loadSettings != nil {
		loaded, err := o.loadSettings(ctx)
		if err != nil {
			o.mu.Unlock()
			return fmt.Errorf("load settings: %w", err)
		}
		settings = normalizeSettings(loaded)
	}

	if init, ok := o.security.(SecurityInitializer); ok {
		if err := init.Initialize(ctx, settings.Security); err != nil {
			o.mu.Unlock()
			return fmt.Errorf("initialize security checker: %w", err)
		}
	}
	o.governor.Initialize(settings.Governor)
	if err := o.engine.Initialize(ctx); err != nil {
		o.mu.Unlock()
		return fmt.Errorf("initialize execution engine: %w", err)
	}

	o.settings = settings
	o.state = stateRunning
	o.mu.Unlock()

	o.logger.Info(ctx, "orchestrator started",
		zap.Int("max_concurrent_executions", o.governor.Limits().MaxConcurrentExecutions),
		zap.Int("max_executions_per_minute", o.governor.Limits().MaxExecutionsPerMinute),
		zap.Bool("structured_generation", settings.StructuredGeneration),
	)
	o.events.emit(EventStarted, nil)
	return nil
}

// Stop terminates the execution engine. Stopping an orchestrator that is not
// running is a no-op.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.mu.Lock()
	if o.state != stateRunning {
		o.mu.Unlock()
		return nil
	}
	o.state = stateStopped
	o.mu.Unlock()

	err := o.engine.Terminate(ctx)
	if err != nil {
		err = fmt.Errorf("terminate execution engine: %w", err)
	}
	o.logger.Info(ctx, "orchestrator stopped")
	o.events.emit(EventStopped, nil)
	return err
}

// Running reports whether the orchestrator accepts work.
func (o *Orchestrator) Running() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.state == stateRunning
}

// Settings returns the settings loaded by the last Start.
func (o *Orchestrator) Settings() Settings {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.settings
}

func (o *Orchestrator) ensureRunning() error {
	if !o.Running() {
		return ErrNotRunning
	}
	return nil
}

// On subscribes fn to the named event and returns a function that removes the subscription.
func (o *Orchestrator) On(name string, fn Listener) (unsubscribe func()) {
	return o.events.on(name, fn)
}

// Emit delivers payload to the listeners of name.
func (o *Orchestrator) Emit(name string, payload any) {
	o.events.emit(name, payload)
}

// Governor exposes the tenant governor for introspection.
func (o *Orchestrator) Governor() *tenant.Governor {
	return o.governor
}

// ListPlans returns a summary of every registered plan.
func (o *Orchestrator) ListPlans() ([]plan.Summary, error) {
	if err := o.ensureRunning(); err != nil {
		return nil, err
	}
	return o.registry.List(), nil
}

// ListPlanVersions returns every version of planID in ascending order.
func (o *Orchestrator) ListPlanVersions(planID string) ([]plan.Record, error) {
	if err := o.ensureRunning(); err != nil {
		return nil, err
	}
	versions := o.registry.ListVersions(planID)
	if len(versions) == 0 {
		return nil, &NotFoundError{Kind: "plan", ID: planID}
	}
	return versions, nil
}

// GetPlan returns planID at version, or the latest version when version <= 0.
func (o *Orchestrator) GetPlan(planID string, version int) (plan.Record, error) {
	if err := o.ensureRunning(); err != nil {
		return plan.Record{}, err
	}
	rec, ok := o.registry.Get(planID, version)
	if !ok {
		return plan.Record{}, &NotFoundError{Kind: "plan", ID: planID, Version: version}
	}
	return rec, nil
}

// ListAudits returns audit records newest first, truncated to limit when limit > 0.
func (o *Orchestrator) ListAudits(limit int) ([]audit.Record, error) {
	if err := o.ensureRunning(); err != nil {
		return nil, err
	}
	return o.audits.List(limit), nil
}

// GetAudit returns the audit record for traceID.
func (o *Orchestrator) GetAudit(traceID string) (audit.Record, error) {
	if err := o.ensureRunning(); err != nil {
		return audit.Record{}, err
	}
	rec, ok := o.audits.Get(traceID)
	if !ok {
		return audit.Record{}, &NotFoundError{Kind: "trace", ID: traceID}
	}
	return rec, nil
}

// ClearHistory purges the plan registry, the audit log and the governor together.
func (o *Orchestrator) ClearHistory(ctx context.Context) error {
	if err := o.ensureRunning(); err != nil {
		return err
	}
	o.historyMu.Lock()
	defer o.historyMu.Unlock()

	o.registry.Clear(ctx)
	o.audits.Clear(ctx)
	o.governor.Reset()
	o.logger.Info(ctx, "history cleared")
	return nil
}

func normalizeSettings(s Settings) Settings {
	if s.PreviewEvery <= 0 {
		s.PreviewEvery = DefaultPreviewEvery
	}
	if s.RenderTarget == "" {
		s.RenderTarget = DefaultRenderTarget
	}
	return s
}

// isCancellation reports whether err was caused by cancellation.
func isCancellation(err error) bool {
	return errors.Is(err, ErrCancelled) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
