package sqlite

import (
	"context"
	"database/sql"
	"fmt"
)

// Migrate creates the archive tables.
func Migrate(ctx context.Context, db *sql.DB) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS plans (
			id TEXT NOT NULL,
			version INTEGER NOT NULL,
			plan_json TEXT NOT NULL,
			registered_at TEXT NOT NULL,
			PRIMARY KEY (id, version)
		)`,

		`CREATE TABLE IF NOT EXISTS audits (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			trace_id TEXT NOT NULL UNIQUE,
			mode TEXT NOT NULL,
			status TEXT NOT NULL,
			tenant_id TEXT,
			plan_id TEXT,
			plan_version INTEGER,
			started_at TEXT NOT NULL,
			record_json TEXT NOT NULL
		)`,

		`CREATE INDEX IF NOT EXISTS idx_audits_plan ON audits(plan_id, plan_version)`,
		`CREATE INDEX IF NOT EXISTS idx_audits_tenant ON audits(tenant_id)`,
	}

	for i, m := range migrations {
		if _, err := db.ExecContext(ctx, m); err != nil {
			return fmt.Errorf("migration %d: %w", i, err)
		}
	}
	return nil
}
