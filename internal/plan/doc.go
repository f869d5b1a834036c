// Package plan defines renderd's plan model and the versioned plan registry.
//
// A plan is identified by (id, version). Once registered a snapshot is
// immutable: registering the same pair again stores a new, higher version.
// The registry hands out deep clones only, so callers can never mutate
// stored state. Replay and rollback depend on that guarantee.
package plan
