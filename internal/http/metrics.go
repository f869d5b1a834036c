package http

import (
	"context"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const meterName = "github.com/fyrsmithlabs/renderd/internal/http"

// requestMetrics records per-route OTLP instruments. Render latency and
// outcome counters live in package orchestrator; these only describe the
// HTTP layer.
type requestMetrics struct {
	requests metric.Int64Counter
	latency  metric.Float64Histogram
	inFlight metric.Int64UpDownCounter
}

// newRequestMetrics builds the instruments on meter. An instrument that
// fails to register is logged and skipped.
func newRequestMetrics(meter metric.Meter, logger *zap.Logger) *requestMetrics {
	if meter == nil {
		meter = otel.Meter(meterName)
	}
	var (
		m   requestMetrics
		err error
	)
	if m.requests, err = meter.Int64Counter("renderd.http.requests",
		metric.WithDescription("HTTP requests by route, method and status class."),
		metric.WithUnit("{request}"),
	); err != nil {
		logger.Warn("http request counter unavailable", zap.Error(err))
	}
	if m.latency, err = meter.Float64Histogram("renderd.http.request.duration",
		metric.WithDescription("Time to serve an HTTP request. Streaming routes include the whole stream."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.005, 0.025, 0.1, 0.5, 1, 2.5, 10, 30),
	); err != nil {
		logger.Warn("http latency histogram unavailable", zap.Error(err))
	}
	if m.inFlight, err = meter.Int64UpDownCounter("renderd.http.in_flight",
		metric.WithDescription("Requests currently being served."),
		metric.WithUnit("{request}"),
	); err != nil {
		logger.Warn("http in-flight gauge unavailable", zap.Error(err))
	}
	return &m
}

func (m *requestMetrics) middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx := c.Request().Context()
			m.addInFlight(ctx, 1)
			defer m.addInFlight(ctx, -1)

			start := time.Now()
			err := next(c)
			if err != nil {
				// Let echo resolve the status before it is recorded.
				c.Error(err)
				err = nil
			}

			set := metric.WithAttributes(
				attribute.String("http.route", routeLabel(c.Path())),
				attribute.String("http.method", c.Request().Method),
				attribute.String("http.status_class", statusClass(c.Response().Status)),
			)
			if m.requests != nil {
				m.requests.Add(ctx, 1, set)
			}
			if m.latency != nil {
				m.latency.Record(ctx, time.Since(start).Seconds(), set)
			}
			return err
		}
	}
}

func (m *requestMetrics) addInFlight(ctx context.Context, n int64) {
	if m.inFlight != nil {
		m.inFlight.Add(ctx, n)
	}
}

// routeLabel keeps label cardinality bounded: echo reports the registered
// pattern (/api/v1/plans/:id), never the concrete id.
func routeLabel(path string) string {
	if path == "" {
		return "unmatched"
	}
	return path
}

func statusClass(code int) string {
	if code < 100 || code > 599 {
		return "other"
	}
	return strconv.Itoa(code/100) + "xx"
}
