package telemetry

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// countingExporter records how many metric batches were exported.
type countingExporter struct {
	exports atomic.Int64
}

func (e *countingExporter) Temporality(sdkmetric.InstrumentKind) metricdata.Temporality {
	return metricdata.CumulativeTemporality
}

func (e *countingExporter) Aggregation(k sdkmetric.InstrumentKind) sdkmetric.Aggregation {
	return sdkmetric.DefaultAggregationSelector(k)
}

func (e *countingExporter) Export(context.Context, *metricdata.ResourceMetrics) error {
	e.exports.Add(1)
	return nil
}

func (e *countingExporter) ForceFlush(context.Context) error { return nil }
func (e *countingExporter) Shutdown(context.Context) error   { return nil }

func TestNewResource(t *testing.T) {
	cfg := NewDefaultConfig()

	res, err := newResource(cfg)
	require.NoError(t, err)
	require.NotNil(t, res)

	// Resource should contain service name attribute
	attrs := res.Attributes()
	var foundServiceName bool
	for _, attr := range attrs {
		if string(attr.Key) == "service.name" {
			assert.Equal(t, cfg.ServiceName, attr.Value.AsString())
			foundServiceName = true
		}
	}
	assert.True(t, foundServiceName, "service.name attribute not found")
}

func TestNew_WithInjectedExporters(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Enabled = true
	cfg.Metrics.Enabled = true

	spans := tracetest.NewInMemoryExporter()
	metrics := &countingExporter{}

	tel, err := New(context.Background(), cfg, WithSpanExporter(spans), WithMetricExporter(metrics))
	require.NoError(t, err)
	t.Cleanup(func() { _ = tel.Shutdown(context.Background()) })
	assert.True(t, tel.IsEnabled())

	_, span := tel.Tracer("renderd-test").Start(context.Background(), InvocationSpanName("prompt"))
	span.SetAttributes(InvocationAttributes("trace_1", "prompt", "acme")...)
	span.End()

	counter, err := tel.Meter("renderd-test").Int64Counter("renders")
	require.NoError(t, err)
	counter.Add(context.Background(), 1)

	require.NoError(t, tel.ForceFlush(context.Background()))

	got := spans.GetSpans()
	require.Len(t, got, 1)
	assert.Equal(t, "render.prompt", got[0].Name)
	assert.Contains(t, got[0].Attributes, KeyTenantID.String("acme"))
	assert.Positive(t, metrics.exports.Load())
}

func TestNewMeterProvider_Disabled(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Metrics.Enabled = false
	res, err := newResource(cfg)
	require.NoError(t, err)

	mp, err := newMeterProvider(context.Background(), cfg, res, nil)
	require.NoError(t, err)
	assert.Nil(t, mp)
}

func TestNewSampler(t *testing.T) {
	tests := []struct {
		rate float64
		want string
	}{
		{1, "ParentBased{root:AlwaysOnSampler"},
		{0, "ParentBased{root:AlwaysOffSampler"},
		{0.5, "ParentBased{root:TraceIDRatioBased{0.5}"},
	}
	for _, tt := range tests {
		assert.Contains(t, newSampler(tt.rate).Description(), tt.want)
	}
}

func TestSkipVerifyTLS(t *testing.T) {
	cfg := NewDefaultConfig()
	assert.Nil(t, skipVerifyTLS(cfg), "insecure connections carry no TLS")

	cfg.Insecure = false
	assert.Nil(t, skipVerifyTLS(cfg))

	cfg.TLSSkipVerify = true
	tlsCfg := skipVerifyTLS(cfg)
	require.NotNil(t, tlsCfg)
	assert.True(t, tlsCfg.InsecureSkipVerify)
}

func TestStripScheme(t *testing.T) {
	assert.Equal(t, "collector:4318", stripScheme("https://collector:4318"))
	assert.Equal(t, "collector:4318", stripScheme("http://collector:4318"))
	assert.Equal(t, "collector:4318", stripScheme("collector:4318"))
}

var _ trace.SpanExporter = (*tracetest.InMemoryExporter)(nil)
