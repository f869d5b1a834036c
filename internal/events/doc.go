// Package events publishes orchestrator lifecycle events to NATS.
//
// Render events are published to
//
//	<prefix>.<tenant_id>.<trace_id>.<event>
//
// where event is one of rendered, renderFailed or policyRejected. Start and
// stop are published to <prefix>.system.lifecycle.<event>. Subscribers can
// follow one tenant with <prefix>.<tenant_id>.> or everything with <prefix>.>.
package events
