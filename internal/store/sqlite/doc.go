// Package sqlite is the durable archive for plan snapshots and audit records.
//
// It implements plan.Archive and audit.Archive on a single SQLite database
// using the pure-Go modernc.org/sqlite driver.
package sqlite
