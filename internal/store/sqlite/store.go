package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/fyrsmithlabs/renderd/internal/audit"
	"github.com/fyrsmithlabs/renderd/internal/plan"
)

const timeLayout = time.RFC3339Nano

// Store archives plans and audit records in SQLite.
type Store struct {
	db *sql.DB
}

var (
	_ plan.Archive  = (*Store)(nil)
	_ audit.Archive = (*Store)(nil)
)

// Open opens (creating if needed) the database at path and runs migrations.
// Use ":memory:" for a throwaway database.
func Open(ctx context.Context, path string) (*Store, error) {
	dsn := path
	if path != ":memory:" {
		sep := "?"
		if strings.Contains(path, "?") {
			sep = "&"
		}
		dsn = path + sep + "_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite archive: %w", err)
	}

	// One connection serializes writes and keeps ":memory:" databases shared.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := Migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// SavePlan stores one plan snapshot. Existing (id, version) rows are left untouched.
func (s *Store) SavePlan(ctx context.Context, rec plan.Record) error {
	data, err := json.Marshal(rec.Plan)
	if err != nil {
		return fmt.Errorf("encode plan %s@%d: %w", rec.Plan.ID, rec.Plan.Version, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO plans (id, version, plan_json, registered_at) VALUES (?, ?, ?, ?)`,
		rec.Plan.ID, rec.Plan.Version, string(data), rec.RegisteredAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("insert plan %s@%d: %w", rec.Plan.ID, rec.Plan.Version, err)
	}
	return nil
}

// DeletePlan removes every version of id.
func (s *Store) DeletePlan(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM plans WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete plan %s: %w", id, err)
	}
	return nil
}

// PurgePlans removes every plan.
func (s *Store) PurgePlans(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM plans`); err != nil {
		return fmt.Errorf("purge plans: %w", err)
	}
	return nil
}

// LoadPlans returns every archived plan ordered by id and version.
func (s *Store) LoadPlans(ctx context.Context) ([]plan.Record, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT plan_json, registered_at FROM plans ORDER BY id, version`)
	if err != nil {
		return nil, fmt.Errorf("query plans: %w", err)
	}
	defer rows.Close()

	var out []plan.Record
	for rows.Next() {
		var data, registeredAt string
		if err := rows.Scan(&data, &registeredAt); err != nil {
			return nil, fmt.Errorf("scan plan: %w", err)
		}
		var rec plan.Record
		if err := json.Unmarshal([]byte(data), &rec.Plan); err != nil {
			return nil, fmt.Errorf("decode plan: %w", err)
		}
		if rec.RegisteredAt, err = time.Parse(timeLayout, registeredAt); err != nil {
			return nil, fmt.Errorf("parse registered_at for %s: %w", rec.Plan.ID, err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// SaveAudit appends one audit record.
func (s *Store) SaveAudit(ctx context.Context, rec audit.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode audit %s: %w", rec.TraceID, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO audits (trace_id, mode, status, tenant_id, plan_id, plan_version, started_at, record_json)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.TraceID, string(rec.Mode), string(rec.Status), rec.TenantID, rec.PlanID, rec.PlanVersion,
		rec.StartedAt.UTC().Format(timeLayout), string(data),
	)
	if err != nil {
		return fmt.Errorf("insert audit %s: %w", rec.TraceID, err)
	}
	return nil
}

// PurgeAudits removes every audit record.
func (s *Store) PurgeAudits(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM audits`); err != nil {
		return fmt.Errorf("purge audits: %w", err)
	}
	return nil
}

// LoadAudits returns every archived audit record in append order.
func (s *Store) LoadAudits(ctx context.Context) ([]audit.Record, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT record_json FROM audits ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("query audits: %w", err)
	}
	defer rows.Close()

	var out []audit.Record
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan audit: %w", err)
		}
		var rec audit.Record
		if err := json.Unmarshal([]byte(data), &rec); err != nil {
			return nil, fmt.Errorf("decode audit: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
