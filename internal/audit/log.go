package audit

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// Archive persists audit records outside the process.
type Archive interface {
	SaveAudit(ctx context.Context, rec Record) error
	PurgeAudits(ctx context.Context) error
	LoadAudits(ctx context.Context) ([]Record, error)
}

type entry struct {
	seq    uint64
	record Record
}

// Log is the in-memory, append-only audit log.
type Log struct {
	mu      sync.RWMutex
	entries []entry
	byTrace map[string]int
	seq     uint64
	archive Archive
	logger  *zap.Logger
}

// Option configures a Log.
type Option func(*Log)

// WithArchive makes the log write through to a durable archive.
func WithArchive(a Archive) Option {
	return func(l *Log) { l.archive = a }
}

// WithLogger sets the logger used for archive failures.
func WithLogger(logger *zap.Logger) Option {
	return func(l *Log) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// NewLog creates an empty audit log.
func NewLog(opts ...Option) *Log {
	l := &Log{
		byTrace: make(map[string]int),
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Append stores a copy of rec.
func (l *Log) Append(ctx context.Context, rec Record) {
	rec = rec.Clone()

	l.mu.Lock()
	l.seq++
	l.entries = append(l.entries, entry{seq: l.seq, record: rec})
	l.byTrace[rec.TraceID] = len(l.entries) - 1
	l.mu.Unlock()

	if l.archive != nil {
		if err := l.archive.SaveAudit(ctx, rec.Clone()); err != nil {
			l.logger.Warn("failed to archive audit record",
				zap.String("trace_id", rec.TraceID),
				zap.Error(err),
			)
		}
	}
}

// Get returns the record for traceID.
func (l *Log) Get(traceID string) (Record, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	idx, ok := l.byTrace[traceID]
	if !ok {
		return Record{}, false
	}
	return l.entries[idx].record.Clone(), true
}

// List returns copies of the records, newest first by StartedAt. Records
// with equal StartedAt are ordered by append order, latest first. A positive
// limit truncates the result.
func (l *Log) List(limit int) []Record {
	l.mu.RLock()
	sorted := make([]entry, len(l.entries))
	copy(sorted, l.entries)
	l.mu.RUnlock()

	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if !a.record.StartedAt.Equal(b.record.StartedAt) {
			return a.record.StartedAt.After(b.record.StartedAt)
		}
		return a.seq > b.seq
	})
	if limit > 0 && len(sorted) > limit {
		sorted = sorted[:limit]
	}

	out := make([]Record, len(sorted))
	for i, e := range sorted {
		out[i] = e.record.Clone()
	}
	return out
}

// Len returns the number of stored records.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Clear removes every record.
func (l *Log) Clear(ctx context.Context) {
	l.mu.Lock()
	l.entries = nil
	l.byTrace = make(map[string]int)
	l.mu.Unlock()

	if l.archive != nil {
		if err := l.archive.PurgeAudits(ctx); err != nil {
			l.logger.Warn("failed to purge archived audit records", zap.Error(err))
		}
	}
}

// Hydrate loads archived records in their archived order. It only runs on an empty log.
func (l *Log) Hydrate(ctx context.Context) (int, error) {
	if l.archive == nil {
		return 0, nil
	}
	records, err := l.archive.LoadAudits(ctx)
	if err != nil {
		return 0, fmt.Errorf("load archived audit records: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.entries) > 0 {
		return 0, nil
	}
	for _, rec := range records {
		l.seq++
		l.entries = append(l.entries, entry{seq: l.seq, record: rec.Clone()})
		l.byTrace[rec.TraceID] = len(l.entries) - 1
	}
	return len(records), nil
}
