package tenant

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// Default admission limits.
const (
	DefaultMaxExecutionsPerMinute  = 120
	DefaultMaxConcurrentExecutions = 4
	DefaultWindow                  = 60 * time.Second
)

// Dimension names the limit that rejected an admission.
type Dimension string

const (
	DimensionConcurrency Dimension = "concurrency"
	DimensionRate        Dimension = "rate"
)

// QuotaExceededError is returned by Acquire when a tenant is at capacity.
type QuotaExceededError struct {
	TenantID  string
	Dimension Dimension
	Limit     int
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("tenant %q exceeded %s quota (limit %d)", e.TenantID, e.Dimension, e.Limit)
}

// Limits configures a Governor. Non-positive fields keep their defaults.
type Limits struct {
	MaxExecutionsPerMinute  int           `json:"maxExecutionsPerMinute" yaml:"max_executions_per_minute"`
	MaxConcurrentExecutions int           `json:"maxConcurrentExecutions" yaml:"max_concurrent_executions"`
	Window                  time.Duration `json:"window" yaml:"window"`
}

// DefaultLimits returns the default admission limits.
func DefaultLimits() Limits {
	return Limits{
		MaxExecutionsPerMinute:  DefaultMaxExecutionsPerMinute,
		MaxConcurrentExecutions: DefaultMaxConcurrentExecutions,
		Window:                  DefaultWindow,
	}
}

func (l Limits) withDefaults() Limits {
	d := DefaultLimits()
	if l.MaxExecutionsPerMinute > 0 {
		d.MaxExecutionsPerMinute = l.MaxExecutionsPerMinute
	}
	if l.MaxConcurrentExecutions > 0 {
		d.MaxConcurrentExecutions = l.MaxConcurrentExecutions
	}
	if l.Window > 0 {
		d.Window = l.Window
	}
	return d
}

// Snapshot is a read-only view of one tenant's window state.
type Snapshot struct {
	TenantID             string    `json:"tenantId"`
	WindowStartedAt      time.Time `json:"windowStartedAt"`
	ExecutionsInWindow   int       `json:"executionsInWindow"`
	ConcurrentExecutions int       `json:"concurrentExecutions"`
}

type windowState struct {
	windowStartedAt      time.Time
	executionsInWindow   int
	concurrentExecutions int
}

// Governor enforces per-tenant fixed-window rate and concurrency limits.
//
// The window is fixed, not sliding: bursts straddling a window boundary can
// admit up to twice the nominal rate.
type Governor struct {
	mu         sync.Mutex
	limits     Limits
	tenants    map[string]*windowState
	generation uint64
	now        func() time.Time
}

// GovernorOption configures a Governor.
type GovernorOption func(*Governor)

// WithClock overrides the time source used for window accounting.
func WithClock(now func() time.Time) GovernorOption {
	return func(g *Governor) { g.now = now }
}

// NewGovernor creates a governor with default limits.
func NewGovernor(opts ...GovernorOption) *Governor {
	g := &Governor{
		limits:  DefaultLimits(),
		tenants: make(map[string]*windowState),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Initialize applies limit overrides. Existing tenant state is kept.
func (g *Governor) Initialize(overrides Limits) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.limits = overrides.withDefaults()
}

// Limits returns the limits currently in force.
func (g *Governor) Limits() Limits {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.limits
}

// Acquire admits one execution for tenantID.
//
// On rejection it returns a *QuotaExceededError and no counter is changed.
// Concurrency is checked before rate.
func (g *Governor) Acquire(tenantID string) (*Lease, error) {
	id := NormalizeID(tenantID)

	g.mu.Lock()
	defer g.mu.Unlock()

	state := g.resolve(id)
	if state.concurrentExecutions >= g.limits.MaxConcurrentExecutions {
		return nil, &QuotaExceededError{TenantID: id, Dimension: DimensionConcurrency, Limit: g.limits.MaxConcurrentExecutions}
	}
	if state.executionsInWindow >= g.limits.MaxExecutionsPerMinute {
		return nil, &QuotaExceededError{TenantID: id, Dimension: DimensionRate, Limit: g.limits.MaxExecutionsPerMinute}
	}
	state.executionsInWindow++
	state.concurrentExecutions++

	return &Lease{tenantID: id, governor: g, state: state, generation: g.generation}, nil
}

// resolve returns the state for id, resetting the window if it has elapsed.
// Callers must hold g.mu.
func (g *Governor) resolve(id string) *windowState {
	now := g.now()
	state, ok := g.tenants[id]
	if !ok {
		state = &windowState{windowStartedAt: now}
		g.tenants[id] = state
		return state
	}
	if now.Sub(state.windowStartedAt) >= g.limits.Window {
		state.windowStartedAt = now
		state.executionsInWindow = 0
	}
	return state
}

func (g *Governor) release(l *Lease) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if l.generation != g.generation {
		return
	}
	if l.state.concurrentExecutions > 0 {
		l.state.concurrentExecutions--
	}
}

// Snapshots returns the state of every known tenant, sorted by tenant id.
func (g *Governor) Snapshots() []Snapshot {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make([]Snapshot, 0, len(g.tenants))
	for id, s := range g.tenants {
		out = append(out, Snapshot{
			TenantID:             id,
			WindowStartedAt:      s.windowStartedAt,
			ExecutionsInWindow:   s.executionsInWindow,
			ConcurrentExecutions: s.concurrentExecutions,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TenantID < out[j].TenantID })
	return out
}

// ActiveLeases returns the number of leases currently held across all tenants.
func (g *Governor) ActiveLeases() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, s := range g.tenants {
		n += s.concurrentExecutions
	}
	return n
}

// Reset clears all tenant state. Leases acquired before the reset release as no-ops.
func (g *Governor) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.tenants = make(map[string]*windowState)
	g.generation++
}

// Lease is one admitted execution. Release it exactly once; extra calls are no-ops.
type Lease struct {
	tenantID   string
	governor   *Governor
	state      *windowState
	generation uint64
	once       sync.Once
}

// TenantID returns the normalized tenant the lease was granted to.
func (l *Lease) TenantID() string {
	if l == nil {
		return ""
	}
	return l.tenantID
}

// Release returns the lease's concurrency slot. It is safe to call more than
// once and on a nil lease.
func (l *Lease) Release() {
	if l == nil {
		return
	}
	l.once.Do(func() { l.governor.release(l) })
}
