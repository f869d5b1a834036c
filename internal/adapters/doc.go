// Package adapters provides reference implementations of the orchestrator's
// collaborators: a deterministic template-driven language model, a JSON
// plan generator, a policy checker, an in-memory execution engine and a
// markup renderer.
//
// They are complete enough to serve renderd end to end without external
// services, and they are what the CLI and the HTTP server wire by default.
package adapters
