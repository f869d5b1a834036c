package adapters

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/renderd/internal/orchestrator"
	"github.com/fyrsmithlabs/renderd/internal/plan"
)

// ErrEngineNotInitialized is returned by Execute before Initialize or after Terminate.
var ErrEngineNotInitialized = errors.New("execution engine is not initialized")

// Event types understood by MemoryEngine.
const (
	EventSet       = "set"
	EventIncrement = "increment"
	EventReset     = "reset"
)

// KnownComponents are the component types MemoryEngine renders without a diagnostic.
var KnownComponents = []string{
	"section", "heading", "text", "list", "item", "button",
	"link", "image", "form", "input", "code", "divider",
}

var statePattern = regexp.MustCompile(`\{\{\s*state\.([a-zA-Z0-9_.-]+)\s*\}\}`)

// MemoryEngine executes plans in process. It resolves {{state.key}}
// placeholders in text and string props, applies set, increment and reset
// events to the state, and keeps per-plan live state in memory.
type MemoryEngine struct {
	logger *zap.Logger
	known  map[string]bool

	mu          sync.RWMutex
	initialized bool
	states      map[string]map[string]any
}

// NewMemoryEngine creates an engine. A nil logger disables logging.
func NewMemoryEngine(logger *zap.Logger) *MemoryEngine {
	if logger == nil {
		logger = zap.NewNop()
	}
	known := make(map[string]bool, len(KnownComponents))
	for _, c := range KnownComponents {
		known[c] = true
	}
	return &MemoryEngine{
		logger: logger,
		known:  known,
		states: make(map[string]map[string]any),
	}
}

// Initialize marks the engine ready. Calling it again is harmless.
func (e *MemoryEngine) Initialize(context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.initialized = true
	return nil
}

// Terminate drops all live state.
func (e *MemoryEngine) Terminate(context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.initialized = false
	e.states = make(map[string]map[string]any)
	return nil
}

// Execute runs one plan. A positive Capabilities.MaxExecutionMs bounds the run.
func (e *MemoryEngine) Execute(ctx context.Context, in orchestrator.ExecutionInput) (orchestrator.ExecutionResult, error) {
	e.mu.RLock()
	ready := e.initialized
	e.mu.RUnlock()
	if !ready {
		return orchestrator.ExecutionResult{}, ErrEngineNotInitialized
	}

	if ms := in.Plan.Capabilities.MaxExecutionMs; ms > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(ms)*time.Millisecond)
		defer cancel()
	}
	start := time.Now()

	state := plan.CloneMap(in.State)
	if state == nil {
		state = map[string]any{}
	}
	var diags []orchestrator.Diagnostic
	if in.Event != nil {
		var err error
		state, err = applyEvent(state, in.Plan.State, *in.Event)
		if err != nil {
			diags = append(diags, orchestrator.Diagnostic{Level: SeverityWarning, Message: err.Error()})
		}
	}

	tree := in.Plan.Root.Clone()
	var walkErr error
	walkPaths(tree, "root", func(path string, c *plan.Component) {
		if walkErr != nil {
			return
		}
		if walkErr = ctx.Err(); walkErr != nil {
			return
		}
		if !e.known[c.Type] {
			diags = append(diags, orchestrator.Diagnostic{
				Level:   SeverityWarning,
				Message: fmt.Sprintf("unknown component type %q", c.Type),
				Path:    path,
			})
		}
		c.Text = interpolate(c.Text, state, path, &diags)
		for k, v := range c.Props {
			if s, ok := v.(string); ok {
				c.Props[k] = interpolate(s, state, path+".props."+k, &diags)
			}
		}
	})
	if walkErr != nil {
		return orchestrator.ExecutionResult{}, fmt.Errorf("execute plan %s: %w", in.Plan.ID, walkErr)
	}

	if len(diags) > 0 {
		e.logger.Debug("plan executed with diagnostics",
			zap.String("plan_id", in.Plan.ID),
			zap.String("trace_id", in.TraceID),
			zap.Int("diagnostics", len(diags)),
		)
	}
	return orchestrator.ExecutionResult{
		PlanID:      in.Plan.ID,
		PlanVersion: in.Plan.Version,
		Tree:        tree,
		State:       state,
		Diagnostics: diags,
		DurationMs:  time.Since(start).Milliseconds(),
	}, nil
}

// GetPlanState returns a copy of the live state of planID.
func (e *MemoryEngine) GetPlanState(planID string) (map[string]any, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	s, ok := e.states[planID]
	return plan.CloneMap(s), ok
}

// SetPlanState replaces the live state of planID with a copy of state.
func (e *MemoryEngine) SetPlanState(planID string, state map[string]any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.states[planID] = plan.CloneMap(state)
}

// ClearPlanState forgets the live state of planID.
func (e *MemoryEngine) ClearPlanState(planID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.states, planID)
}

// applyEvent returns the state after ev. Unsupported events leave the state unchanged.
//
//	set:       payload {"key": k, "value": v} or a map of keys to values
//	increment: payload {"key": k, "by": n}; key defaults to "count", by to 1
//	reset:     restores the plan's initial state
func applyEvent(state, initial map[string]any, ev plan.Event) (map[string]any, error) {
	switch ev.Type {
	case EventSet:
		if key, ok := ev.Payload["key"].(string); ok {
			state[key] = plan.CloneValue(ev.Payload["value"])
			return state, nil
		}
		for k, v := range ev.Payload {
			state[k] = plan.CloneValue(v)
		}
		return state, nil
	case EventIncrement:
		key, _ := ev.Payload["key"].(string)
		if key == "" {
			key = "count"
		}
		by := 1.0
		if v, ok := ev.Payload["by"]; ok {
			n, ok := toFloat(v)
			if !ok {
				return state, fmt.Errorf("increment: %v is not a number", v)
			}
			by = n
		}
		current, ok := toFloat(state[key])
		if !ok && state[key] != nil {
			return state, fmt.Errorf("increment: state %s is not a number", key)
		}
		state[key] = normalizeNumber(current + by)
		return state, nil
	case EventReset:
		reset := plan.CloneMap(initial)
		if reset == nil {
			reset = map[string]any{}
		}
		return reset, nil
	default:
		return state, fmt.Errorf("unsupported event type %q", ev.Type)
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	case float32:
		return float64(n), true
	default:
		return 0, false
	}
}

// normalizeNumber keeps whole numbers as int so they print without a fraction.
func normalizeNumber(f float64) any {
	if f == float64(int(f)) {
		return int(f)
	}
	return f
}

func interpolate(s string, state map[string]any, path string, diags *[]orchestrator.Diagnostic) string {
	if !strings.Contains(s, "{{") {
		return s
	}
	return statePattern.ReplaceAllStringFunc(s, func(match string) string {
		key := statePattern.FindStringSubmatch(match)[1]
		v, ok := lookup(state, key)
		if !ok {
			*diags = append(*diags, orchestrator.Diagnostic{
				Level:   SeverityWarning,
				Message: fmt.Sprintf("state key %q is not defined", key),
				Path:    path,
			})
			return ""
		}
		return fmt.Sprint(v)
	})
}

// lookup resolves a dotted key through nested maps.
func lookup(state map[string]any, key string) (any, bool) {
	var cur any = state
	for _, part := range strings.Split(key, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}
