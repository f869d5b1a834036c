package plan

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Archive persists registered plans outside the process.
// The registry writes through to it and can be hydrated from it on start.
type Archive interface {
	SavePlan(ctx context.Context, rec Record) error
	DeletePlan(ctx context.Context, id string) error
	PurgePlans(ctx context.Context) error
	LoadPlans(ctx context.Context) ([]Record, error)
}

// Registry is the append-only, versioned store of plans.
//
// A stored (id, version) pair is never overwritten. Registering an existing
// pair stores the plan under max(version)+1 instead.
type Registry struct {
	mu      sync.RWMutex
	plans   map[string]map[int]Record
	archive Archive
	logger  *zap.Logger
	now     func() time.Time
	newID   func() string
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithArchive makes the registry write through to a durable archive.
func WithArchive(a Archive) RegistryOption {
	return func(r *Registry) { r.archive = a }
}

// WithLogger sets the logger used for archive failures.
func WithLogger(l *zap.Logger) RegistryOption {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithClock overrides the registration timestamp source.
func WithClock(now func() time.Time) RegistryOption {
	return func(r *Registry) { r.now = now }
}

// WithIDGenerator overrides the generator used for blank plan ids.
func WithIDGenerator(gen func() string) RegistryOption {
	return func(r *Registry) { r.newID = gen }
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		plans:  make(map[string]map[int]Record),
		logger: zap.NewNop(),
		now:    time.Now,
		newID:  func() string { return "plan_" + uuid.NewString() },
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register stores a plan and returns a clone of the stored record.
func (r *Registry) Register(ctx context.Context, p Plan) Record {
	p = p.Clone()
	p.ID = strings.TrimSpace(p.ID)
	if p.ID == "" {
		p.ID = r.newID()
	}
	if p.Version <= 0 {
		p.Version = 1
	}

	r.mu.Lock()
	versions, ok := r.plans[p.ID]
	if !ok {
		versions = make(map[int]Record)
		r.plans[p.ID] = versions
	}
	if _, taken := versions[p.Version]; taken {
		p.Version = maxVersion(versions) + 1
	}
	rec := Record{Plan: p, RegisteredAt: r.now().UTC()}
	versions[p.Version] = rec
	r.mu.Unlock()

	if r.archive != nil {
		if err := r.archive.SavePlan(ctx, rec.Clone()); err != nil {
			r.logger.Warn("failed to archive plan",
				zap.String("plan_id", p.ID),
				zap.Int("plan_version", p.Version),
				zap.Error(err),
			)
		}
	}
	return rec.Clone()
}

// Get returns the record for id at version, or the latest version when version <= 0.
func (r *Registry) Get(id string, version int) (Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	versions, ok := r.plans[id]
	if !ok || len(versions) == 0 {
		return Record{}, false
	}
	if version <= 0 {
		version = maxVersion(versions)
	}
	rec, ok := versions[version]
	if !ok {
		return Record{}, false
	}
	return rec.Clone(), true
}

// List returns one summary per plan id, sorted by id.
func (r *Registry) List() []Summary {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Summary, 0, len(r.plans))
	for id, versions := range r.plans {
		if len(versions) == 0 {
			continue
		}
		nums := sortedVersions(versions)
		latest := nums[len(nums)-1]
		out = append(out, Summary{
			ID:            id,
			LatestVersion: latest,
			Versions:      nums,
			UpdatedAt:     versions[latest].RegisteredAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ListVersions returns every record for id in ascending version order.
func (r *Registry) ListVersions(id string) []Record {
	r.mu.RLock()
	defer r.mu.RUnlock()

	versions := r.plans[id]
	out := make([]Record, 0, len(versions))
	for _, v := range sortedVersions(versions) {
		out = append(out, versions[v].Clone())
	}
	return out
}

// Remove purges every version of id. It reports whether anything was removed.
func (r *Registry) Remove(ctx context.Context, id string) bool {
	r.mu.Lock()
	_, ok := r.plans[id]
	delete(r.plans, id)
	r.mu.Unlock()

	if ok && r.archive != nil {
		if err := r.archive.DeletePlan(ctx, id); err != nil {
			r.logger.Warn("failed to delete archived plan", zap.String("plan_id", id), zap.Error(err))
		}
	}
	return ok
}

// Clear purges every plan.
func (r *Registry) Clear(ctx context.Context) {
	r.mu.Lock()
	r.plans = make(map[string]map[int]Record)
	r.mu.Unlock()

	if r.archive != nil {
		if err := r.archive.PurgePlans(ctx); err != nil {
			r.logger.Warn("failed to purge archived plans", zap.Error(err))
		}
	}
}

// Hydrate loads archived plans into memory. Records already present are kept.
func (r *Registry) Hydrate(ctx context.Context) (int, error) {
	if r.archive == nil {
		return 0, nil
	}
	records, err := r.archive.LoadPlans(ctx)
	if err != nil {
		return 0, fmt.Errorf("load archived plans: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	loaded := 0
	for _, rec := range records {
		versions, ok := r.plans[rec.Plan.ID]
		if !ok {
			versions = make(map[int]Record)
			r.plans[rec.Plan.ID] = versions
		}
		if _, exists := versions[rec.Plan.Version]; exists {
			continue
		}
		versions[rec.Plan.Version] = rec.Clone()
		loaded++
	}
	return loaded, nil
}

func maxVersion(versions map[int]Record) int {
	highest := 0
	for v := range versions {
		if v > highest {
			highest = v
		}
	}
	return highest
}

func sortedVersions(versions map[int]Record) []int {
	nums := make([]int, 0, len(versions))
	for v := range versions {
		nums = append(nums, v)
	}
	sort.Ints(nums)
	return nums
}
