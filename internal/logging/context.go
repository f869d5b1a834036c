package logging

import (
	"context"
	"unicode/utf8"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Field keys added from the context. They match the span attribute keys so
// logs and traces of one render join on the same names.
const (
	FieldRenderTraceID = "render.trace_id"
	FieldTenantID      = "tenant.id"
)

const maxIDLen = 128

type (
	renderTraceKey struct{}
	tenantKey      struct{}
)

// WithRenderTraceID tags ctx with the render invocation id.
func WithRenderTraceID(ctx context.Context, traceID string) context.Context {
	if !usableID(traceID) {
		return ctx
	}
	return context.WithValue(ctx, renderTraceKey{}, traceID)
}

// RenderTraceID returns the render invocation id carried by ctx, if any.
func RenderTraceID(ctx context.Context) string {
	s, _ := ctx.Value(renderTraceKey{}).(string)
	return s
}

// WithTenantID tags ctx with the tenant the invocation runs for.
func WithTenantID(ctx context.Context, tenantID string) context.Context {
	if !usableID(tenantID) {
		return ctx
	}
	return context.WithValue(ctx, tenantKey{}, tenantID)
}

// TenantID returns the tenant carried by ctx, if any.
func TenantID(ctx context.Context) string {
	s, _ := ctx.Value(tenantKey{}).(string)
	return s
}

// Ids arrive from request headers; unusable ones are dropped rather than
// failing the request.
func usableID(id string) bool {
	return id != "" && len(id) <= maxIDLen && utf8.ValidString(id)
}

// contextFields returns the correlation fields carried by ctx: the OTel span
// (when one is recording) and the render trace and tenant ids.
func contextFields(ctx context.Context) []zap.Field {
	if ctx == nil {
		return nil
	}
	var fields []zap.Field
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		fields = append(fields,
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()),
		)
	}
	if id := RenderTraceID(ctx); id != "" {
		fields = append(fields, zap.String(FieldRenderTraceID, id))
	}
	if id := TenantID(ctx); id != "" {
		fields = append(fields, zap.String(FieldTenantID, id))
	}
	return fields
}
