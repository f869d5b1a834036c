package tenant

import (
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestGovernor_ConcurrencyLimit(t *testing.T) {
	g := NewGovernor()
	g.Initialize(Limits{MaxConcurrentExecutions: 4})

	var leases []*Lease
	for i := 0; i < 4; i++ {
		l, err := g.Acquire("tenantA")
		require.NoError(t, err)
		leases = append(leases, l)
	}

	_, err := g.Acquire("tenantA")
	var quota *QuotaExceededError
	require.True(t, errors.As(err, &quota))
	assert.Equal(t, "tenantA", quota.TenantID)
	assert.Equal(t, DimensionConcurrency, quota.Dimension)
	assert.Equal(t, 4, quota.Limit)

	// the rejected call must not have counted against the window
	snap := g.Snapshots()
	require.Len(t, snap, 1)
	assert.Equal(t, 4, snap[0].ExecutionsInWindow)
	assert.Equal(t, 4, snap[0].ConcurrentExecutions)

	leases[0].Release()
	l, err := g.Acquire("tenantA")
	require.NoError(t, err)
	assert.Equal(t, "tenantA", l.TenantID())
}

func TestGovernor_TenantsAreIndependent(t *testing.T) {
	g := NewGovernor()
	g.Initialize(Limits{MaxConcurrentExecutions: 1})

	_, err := g.Acquire("a")
	require.NoError(t, err)
	_, err = g.Acquire("b")
	require.NoError(t, err)
	_, err = g.Acquire("a")
	assert.Error(t, err)
}

func TestGovernor_RateWindow(t *testing.T) {
	clock := newFakeClock()
	g := NewGovernor(WithClock(clock.Now))
	g.Initialize(Limits{MaxExecutionsPerMinute: 2, MaxConcurrentExecutions: 10, Window: time.Minute})

	for i := 0; i < 2; i++ {
		l, err := g.Acquire("t")
		require.NoError(t, err)
		l.Release()
	}

	_, err := g.Acquire("t")
	var quota *QuotaExceededError
	require.ErrorAs(t, err, &quota)
	assert.Equal(t, DimensionRate, quota.Dimension)
	assert.Equal(t, 2, quota.Limit)

	clock.Advance(59 * time.Second)
	_, err = g.Acquire("t")
	require.Error(t, err)

	clock.Advance(time.Second)
	_, err = g.Acquire("t")
	require.NoError(t, err)

	snap := g.Snapshots()
	require.Len(t, snap, 1)
	assert.Equal(t, 1, snap[0].ExecutionsInWindow)
	assert.Equal(t, clock.Now(), snap[0].WindowStartedAt)
}

func TestGovernor_WindowResetKeepsConcurrency(t *testing.T) {
	clock := newFakeClock()
	g := NewGovernor(WithClock(clock.Now))
	g.Initialize(Limits{MaxConcurrentExecutions: 2, Window: time.Second})

	held, err := g.Acquire("t")
	require.NoError(t, err)
	clock.Advance(2 * time.Second)

	_, err = g.Acquire("t")
	require.NoError(t, err)
	_, err = g.Acquire("t")
	var quota *QuotaExceededError
	require.ErrorAs(t, err, &quota)
	assert.Equal(t, DimensionConcurrency, quota.Dimension)

	held.Release()
	_, err = g.Acquire("t")
	assert.NoError(t, err)
}

func TestGovernor_ConcurrencyCheckedBeforeRate(t *testing.T) {
	g := NewGovernor()
	g.Initialize(Limits{MaxExecutionsPerMinute: 1, MaxConcurrentExecutions: 1})

	_, err := g.Acquire("t")
	require.NoError(t, err)

	_, err = g.Acquire("t")
	var quota *QuotaExceededError
	require.ErrorAs(t, err, &quota)
	assert.Equal(t, DimensionConcurrency, quota.Dimension)
}

func TestLease_ReleaseIsIdempotent(t *testing.T) {
	g := NewGovernor()
	g.Initialize(Limits{MaxConcurrentExecutions: 2})

	a, err := g.Acquire("t")
	require.NoError(t, err)
	_, err = g.Acquire("t")
	require.NoError(t, err)

	a.Release()
	a.Release()
	a.Release()

	snap := g.Snapshots()
	require.Len(t, snap, 1)
	assert.Equal(t, 1, snap[0].ConcurrentExecutions)

	var nilLease *Lease
	assert.NotPanics(t, nilLease.Release)
}

func TestLease_ReleaseAfterResetIsNoop(t *testing.T) {
	g := NewGovernor()
	stale, err := g.Acquire("t")
	require.NoError(t, err)

	g.Reset()
	assert.Empty(t, g.Snapshots())

	fresh, err := g.Acquire("t")
	require.NoError(t, err)
	stale.Release()

	assert.Equal(t, 1, g.ActiveLeases())
	fresh.Release()
	assert.Equal(t, 0, g.ActiveLeases())
}

func TestGovernor_InitializeKeepsDefaultsForNonPositive(t *testing.T) {
	g := NewGovernor()
	g.Initialize(Limits{MaxExecutionsPerMinute: -1, MaxConcurrentExecutions: 0, Window: -time.Second})
	assert.Equal(t, DefaultLimits(), g.Limits())

	g.Initialize(Limits{MaxExecutionsPerMinute: 7})
	assert.Equal(t, 7, g.Limits().MaxExecutionsPerMinute)
	assert.Equal(t, DefaultMaxConcurrentExecutions, g.Limits().MaxConcurrentExecutions)
}

func TestGovernor_SnapshotsSorted(t *testing.T) {
	g := NewGovernor()
	for _, id := range []string{"zeta", "alpha", "", "mid"} {
		_, err := g.Acquire(id)
		require.NoError(t, err)
	}
	var ids []string
	for _, s := range g.Snapshots() {
		ids = append(ids, s.TenantID)
	}
	assert.Equal(t, []string{"alpha", AnonymousID, "mid", "zeta"}, ids)
}

func TestGovernor_ConcurrentAcquireHonoursCap(t *testing.T) {
	g := NewGovernor()
	g.Initialize(Limits{MaxConcurrentExecutions: 3, MaxExecutionsPerMinute: 1000})

	var admitted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := g.Acquire("shared"); err == nil {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(3), admitted.Load())
	assert.Equal(t, 3, g.ActiveLeases())
}

func TestNormalizeID(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "tenantA", "tenantA"},
		{"trimmed", "  acme  ", "acme"},
		{"blank", "   ", AnonymousID},
		{"empty", "", AnonymousID},
		{"control chars", "bad\nid", AnonymousID},
		{"spaces inside", "two words", AnonymousID},
		{"punctuation allowed", "org:team-1.user@x", "org:team-1.user@x"},
		{"too long", strings.Repeat("a", maxIDLength+1), AnonymousID},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NormalizeID(tt.in); got != tt.want {
				t.Errorf("NormalizeID(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}
