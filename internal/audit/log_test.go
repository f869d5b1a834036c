package audit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/renderd/internal/plan"
)

var base = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

func rec(trace string, offset time.Duration) Record {
	return Record{
		TraceID:   trace,
		Mode:      ModePrompt,
		Status:    StatusSucceeded,
		StartedAt: base.Add(offset),
	}
}

func traces(records []Record) []string {
	out := make([]string, len(records))
	for i, r := range records {
		out[i] = r.TraceID
	}
	return out
}

func TestLog_ListOrdering(t *testing.T) {
	l := NewLog()
	ctx := context.Background()

	l.Append(ctx, rec("old", 0))
	l.Append(ctx, rec("newest", 2*time.Second))
	l.Append(ctx, rec("tie-first", time.Second))
	l.Append(ctx, rec("tie-second", time.Second))

	assert.Equal(t, []string{"newest", "tie-second", "tie-first", "old"}, traces(l.List(0)))
	assert.Equal(t, []string{"newest", "tie-second"}, traces(l.List(2)))
	assert.Len(t, l.List(-1), 4)
	assert.Len(t, l.List(100), 4)
}

func TestLog_CopySemantics(t *testing.T) {
	l := NewLog()
	ctx := context.Background()

	in := rec("t1", 0)
	in.Event = &plan.Event{Type: "set", Payload: map[string]any{"key": "a"}}
	l.Append(ctx, in)

	in.Status = StatusFailed
	in.Event.Payload["key"] = "mutated"

	listed := l.List(0)
	listed[0].Status = StatusRejected
	listed[0].Event.Payload["key"] = "mutated again"

	got, ok := l.Get("t1")
	require.True(t, ok)
	assert.Equal(t, StatusSucceeded, got.Status)
	assert.Equal(t, "a", got.Event.Payload["key"])
}

func TestLog_GetAndClear(t *testing.T) {
	l := NewLog()
	ctx := context.Background()

	_, ok := l.Get("missing")
	assert.False(t, ok)

	l.Append(ctx, rec("t1", 0))
	assert.Equal(t, 1, l.Len())

	l.Clear(ctx)
	assert.Equal(t, 0, l.Len())
	_, ok = l.Get("t1")
	assert.False(t, ok)
	assert.Empty(t, l.List(0))
}

func TestLog_ConcurrentAppend(t *testing.T) {
	l := NewLog()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			l.Append(ctx, rec(time.Duration(i).String(), time.Duration(i)))
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 100, l.Len())
}

type memoryArchive struct {
	mu      sync.Mutex
	records []Record
	purged  bool
}

func (m *memoryArchive) SaveAudit(_ context.Context, r Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, r)
	return nil
}

func (m *memoryArchive) PurgeAudits(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = nil
	m.purged = true
	return nil
}

func (m *memoryArchive) LoadAudits(context.Context) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Record(nil), m.records...), nil
}

func TestLog_ArchiveAndHydrate(t *testing.T) {
	archive := &memoryArchive{}
	ctx := context.Background()

	l := NewLog(WithArchive(archive))
	l.Append(ctx, rec("a", 0))
	l.Append(ctx, rec("b", 0))
	require.Len(t, archive.records, 2)

	restored := NewLog(WithArchive(archive))
	n, err := restored.Hydrate(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"b", "a"}, traces(restored.List(0)))

	restored.Clear(ctx)
	assert.True(t, archive.purged)
}

func TestMode_Valid(t *testing.T) {
	for _, m := range []Mode{ModePrompt, ModePlan, ModeRollback, ModeReplay, ModeEvent} {
		assert.True(t, m.Valid(), m)
	}
	assert.False(t, Mode("other").Valid())
}
