// Package logging is renderd's structured logger, a thin layer over zap.
//
// Every method takes the request context and adds the correlation fields
// found there: the OTel trace_id and span_id, render.trace_id and tenant.id.
// The orchestrator tags the context once per invocation:
//
//	ctx = logging.WithRenderTraceID(ctx, traceID)
//	ctx = logging.WithTenantID(ctx, tenantID)
//	logger.Info(ctx, "render succeeded", zap.String("plan.id", id))
//
// Output goes to stdout (JSON or console) and, when telemetry supplies a
// log provider, to OpenTelemetry through the otelzap bridge. Entries below
// error are sampled per message; errors are never dropped.
//
// The stdout encoder masks configured keys (token, password, api_key, ...)
// and value patterns such as bearer credentials. Secret and RedactedString
// log only a value's length.
//
// Tests use NewTestLogger, which records entries through zaptest/observer.
package logging
