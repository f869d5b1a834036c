package hooks

import (
	"context"
	"fmt"
	"sync"
)

// Name identifies a hook point.
type Name string

const (
	BeforeLLM         Name = "beforeLLM"
	AfterLLM          Name = "afterLLM"
	BeforeCodeGen     Name = "beforeCodeGen"
	AfterCodeGen      Name = "afterCodeGen"
	BeforePolicyCheck Name = "beforePolicyCheck"
	AfterPolicyCheck  Name = "afterPolicyCheck"
	BeforeRuntime     Name = "beforeRuntime"
	AfterRuntime      Name = "afterRuntime"
	BeforeRender      Name = "beforeRender"
	AfterRender       Name = "afterRender"
)

// Names returns every hook point in pipeline order.
func Names() []Name {
	return []Name{
		BeforeLLM, AfterLLM,
		BeforeCodeGen, AfterCodeGen,
		BeforePolicyCheck, AfterPolicyCheck,
		BeforeRuntime, AfterRuntime,
		BeforeRender, AfterRender,
	}
}

// Valid reports whether n is a known hook point.
func (n Name) Valid() bool {
	for _, known := range Names() {
		if n == known {
			return true
		}
	}
	return false
}

// Context describes the invocation a hook runs in.
type Context struct {
	TraceID     string         `json:"traceId"`
	TenantID    string         `json:"tenantId,omitempty"`
	Mode        string         `json:"mode"`
	PlanID      string         `json:"planId,omitempty"`
	PlanVersion int            `json:"planVersion,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Engine is an untyped customization engine invoked after the typed transforms.
// Returning a nil result leaves the payload unchanged.
type Engine interface {
	RunHook(ctx context.Context, name Name, payload any, hc Context) (any, error)
}

// Transform rewrites or annotates a payload at one point.
type Transform[T any] func(ctx context.Context, hc Context, payload T) (T, error)

// Point is a hook point bound to its payload type.
type Point[T any] struct {
	name Name
}

// NewPoint binds name to payload type T.
func NewPoint[T any](name Name) Point[T] {
	return Point[T]{name: name}
}

// Name returns the point's name.
func (p Point[T]) Name() Name { return p.name }

// TypeMismatchError is returned when the engine hands back a payload of the wrong type.
type TypeMismatchError struct {
	Hook Name
	Want string
	Got  string
}

func (e *TypeMismatchError) Error() string {
	return fmt.Sprintf("hook %s: engine returned %s, want %s", e.Hook, e.Got, e.Want)
}

type handler func(ctx context.Context, hc Context, payload any) (any, error)

// HookManager holds the transforms registered on each point.
type HookManager struct {
	config *Config

	mu       sync.RWMutex
	handlers map[Name][]handler
	engine   Engine
}

// NewHookManager creates a hook manager. A nil config uses DefaultConfig.
func NewHookManager(config *Config) *HookManager {
	if config == nil {
		config = DefaultConfig()
	}
	return &HookManager{
		config:   config,
		handlers: make(map[Name][]handler),
	}
}

// SetEngine installs the customization engine. Pass nil to remove it.
func (h *HookManager) SetEngine(e Engine) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.engine = e
}

// Config returns the hook configuration.
func (h *HookManager) Config() *Config {
	return h.config
}

// Count returns the number of transforms registered on name.
func (h *HookManager) Count(name Name) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.handlers[name])
}

// Register appends fn to point's transforms.
func Register[T any](h *HookManager, point Point[T], fn Transform[T]) {
	wrapped := func(ctx context.Context, hc Context, payload any) (any, error) {
		return fn(ctx, hc, payload.(T))
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handlers[point.name] = append(h.handlers[point.name], wrapped)
}

// Apply runs point's transforms over payload in registration order, then the
// engine if one is installed. A nil manager returns payload unchanged.
func Apply[T any](ctx context.Context, h *HookManager, point Point[T], hc Context, payload T) (T, error) {
	if h == nil || h.config.IsDisabled(point.name) {
		return payload, nil
	}

	h.mu.RLock()
	handlers := append([]handler(nil), h.handlers[point.name]...)
	engine := h.engine
	h.mu.RUnlock()

	var current any = payload
	for _, fn := range handlers {
		out, err := fn(ctx, hc, current)
		if err != nil {
			var zero T
			return zero, fmt.Errorf("hook %s: %w", point.name, err)
		}
		current = out
	}

	if engine != nil {
		runCtx := ctx
		if h.config.EngineTimeout > 0 {
			var cancel context.CancelFunc
			runCtx, cancel = context.WithTimeout(ctx, h.config.EngineTimeout)
			defer cancel()
		}
		out, err := engine.RunHook(runCtx, point.name, current, hc)
		if err != nil {
			var zero T
			return zero, fmt.Errorf("hook %s engine: %w", point.name, err)
		}
		if out != nil {
			typed, ok := out.(T)
			if !ok {
				var zero T
				return zero, &TypeMismatchError{
					Hook: point.name,
					Want: fmt.Sprintf("%T", payload),
					Got:  fmt.Sprintf("%T", out),
				}
			}
			current = typed
		}
	}
	return current.(T), nil
}
