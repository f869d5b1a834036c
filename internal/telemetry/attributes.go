package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Span attribute keys shared by every render invocation.
const (
	KeyRenderTraceID = attribute.Key("render.trace_id")
	KeyRenderMode    = attribute.Key("render.mode")
	KeyRenderStatus  = attribute.Key("render.status")
	KeyRenderStage   = attribute.Key("render.stage")
	KeyTenantID      = attribute.Key("tenant.id")
	KeyPlanID        = attribute.Key("plan.id")
	KeyPlanVersion   = attribute.Key("plan.version")
)

// InvocationSpanName is the root span name of one invocation in mode.
func InvocationSpanName(mode string) string {
	return "render." + mode
}

// StageSpanName is the child span name of one pipeline stage.
func StageSpanName(stage string) string {
	return "render.stage." + stage
}

// InvocationAttributes are set when an invocation starts.
func InvocationAttributes(traceID, mode, tenantID string) []attribute.KeyValue {
	return []attribute.KeyValue{
		KeyRenderTraceID.String(traceID),
		KeyRenderMode.String(mode),
		KeyTenantID.String(tenantID),
	}
}

// PlanAttributes identify the plan snapshot an invocation ran.
func PlanAttributes(id string, version int) []attribute.KeyValue {
	return []attribute.KeyValue{
		KeyPlanID.String(id),
		KeyPlanVersion.Int(version),
	}
}
