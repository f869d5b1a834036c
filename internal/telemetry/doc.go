// Package telemetry exports renderd's traces and metrics over OTLP.
//
// Each render invocation is a root span named after its mode
// (render.prompt, render.plan, render.event, render.rollback,
// render.replay) with one child span per pipeline stage
// (render.stage.llm ... render.stage.render). The attribute keys in
// attributes.go are shared with the log fields of package logging.
//
// Telemetry is disabled by default. When enabled, New installs the
// providers globally so HTTP metrics and instrumented libraries pick them
// up:
//
//	telemetry:
//	  enabled: true
//	  endpoint: collector.internal:4317
//	  insecure: false
//	  sampling:
//	    rate: 0.1
//
// Tests use NewTestTelemetry, or New with WithSpanExporter and
// WithMetricExporter to keep the real provider wiring.
package telemetry
