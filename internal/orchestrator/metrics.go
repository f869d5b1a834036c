package orchestrator

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/fyrsmithlabs/renderd/internal/audit"
	"github.com/fyrsmithlabs/renderd/internal/tenant"
)

// Metrics holds Prometheus metrics for the render pipeline.
//
// All metrics are prefixed with "renderd_".
//
// Metrics:
//   - renderd_renders_total{mode,status} - Count of finished invocations
//   - renderd_stage_duration_seconds{stage} - Histogram of stage durations
//   - renderd_structured_retries_total - Structured generation retries
//   - renderd_structured_fallbacks_total - Fallbacks to unstructured generation
//   - renderd_previews_total - Stream previews produced
//   - renderd_quota_rejections_total{dimension} - Admissions rejected by the governor
//   - renderd_active_leases - Leases currently held
//
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	RendersTotal        *prometheus.CounterVec
	StageDuration       *prometheus.HistogramVec
	StructuredRetries   prometheus.Counter
	StructuredFallbacks prometheus.Counter
	PreviewsTotal       prometheus.Counter
	QuotaRejections     *prometheus.CounterVec
	ActiveLeases        prometheus.Gauge
}

// NewMetrics creates and registers the pipeline metrics on reg.
// Each orchestrator should get its own registry in tests to avoid
// duplicate registration panics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		RendersTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "renderd_renders_total",
				Help: "Total number of finished render invocations",
			},
			[]string{"mode", "status"},
		),

		StageDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "renderd_stage_duration_seconds",
				Help:    "Duration of pipeline stages in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			},
			[]string{"stage"},
		),

		StructuredRetries: factory.NewCounter(prometheus.CounterOpts{
			Name: "renderd_structured_retries_total",
			Help: "Total number of structured generation retries",
		}),

		StructuredFallbacks: factory.NewCounter(prometheus.CounterOpts{
			Name: "renderd_structured_fallbacks_total",
			Help: "Total number of fallbacks from structured to unstructured generation",
		}),

		PreviewsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "renderd_previews_total",
			Help: "Total number of stream previews rendered",
		}),

		QuotaRejections: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "renderd_quota_rejections_total",
				Help: "Total number of admissions rejected by the tenant governor",
			},
			[]string{"dimension"},
		),

		ActiveLeases: factory.NewGauge(prometheus.GaugeOpts{
			Name: "renderd_active_leases",
			Help: "Number of tenant leases currently held",
		}),
	}
}

func (m *Metrics) observeStage(stage Stage, d time.Duration) {
	if m == nil {
		return
	}
	m.StageDuration.WithLabelValues(string(stage)).Observe(d.Seconds())
}

func (m *Metrics) recordRender(mode audit.Mode, status audit.Status) {
	if m == nil {
		return
	}
	m.RendersTotal.WithLabelValues(string(mode), string(status)).Inc()
}

func (m *Metrics) recordRetry() {
	if m == nil {
		return
	}
	m.StructuredRetries.Inc()
}

func (m *Metrics) recordFallback() {
	if m == nil {
		return
	}
	m.StructuredFallbacks.Inc()
}

func (m *Metrics) recordPreview() {
	if m == nil {
		return
	}
	m.PreviewsTotal.Inc()
}

func (m *Metrics) recordQuota(err *tenant.QuotaExceededError) {
	if m == nil {
		return
	}
	m.QuotaRejections.WithLabelValues(string(err.Dimension)).Inc()
}

func (m *Metrics) leaseAcquired() {
	if m == nil {
		return
	}
	m.ActiveLeases.Inc()
}

func (m *Metrics) leaseReleased() {
	if m == nil {
		return
	}
	m.ActiveLeases.Dec()
}
