// Package orchestrator drives the render pipeline.
//
// A render turns a prompt (or a caller-supplied plan) into rendered output
// through fixed stages:
//
//	LLM → code generation → registration → lease → policy check → runtime → render → audit
//
// Every stage is bracketed by a pair of typed hook points (see package hooks).
// Plans are registered in a plan.Registry before anything executes, a
// tenant.Lease is held from admission until the invocation ends, and every
// invocation that gets past the lifecycle check ends with exactly one
// audit.Record, success or failure.
//
// # Entry points
//
//   - RenderPrompt and RenderPromptStream run the whole pipeline.
//   - RenderPlan starts at registration with a caller-supplied plan.
//   - DispatchEvent runs the latest version of a plan with an event.
//   - RollbackPlan runs an exact historical version after clearing live state.
//   - ReplayTrace re-runs the snapshot an audit record points at.
//
// # Failures
//
// Failures on the tail are audited with a status derived from the error:
// *PolicyRejectionError maps to rejected, *tenant.QuotaExceededError to
// throttled, anything else to failed. Panics raised by collaborators are
// recovered into *UnhandledError. Registration is never rolled back.
//
// # Streaming
//
// RenderPromptStream returns an iter.Seq2. The producer only advances when
// the consumer pulls; breaking out of the range loop audits the invocation as
// cancelled and clears any preview execution state.
package orchestrator
