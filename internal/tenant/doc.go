// Package tenant provides per-tenant admission control.
//
// The Governor admits executions against two limits per tenant: a cap on
// concurrent executions and a cap on executions per fixed time window.
// Each admitted execution is represented by a Lease that must be released
// exactly once.
package tenant
