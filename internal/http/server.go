// Package http provides the HTTP API for renderd.
package http

import (
	"context"
	"fmt"
	"iter"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/renderd/internal/audit"
	"github.com/fyrsmithlabs/renderd/internal/orchestrator"
	"github.com/fyrsmithlabs/renderd/internal/plan"
)

// HeaderTenantID carries the tenant of a request.
const HeaderTenantID = "X-Tenant-ID"

// Orchestrator is the part of the orchestrator the API serves.
type Orchestrator interface {
	Running() bool
	RenderPrompt(ctx context.Context, prompt string, opts orchestrator.RenderOptions) (*orchestrator.Result, error)
	RenderPromptStream(ctx context.Context, prompt string, opts orchestrator.RenderOptions) iter.Seq2[orchestrator.StreamChunk, error]
	RenderPlan(ctx context.Context, p plan.Plan, opts orchestrator.RenderOptions) (*orchestrator.Result, error)
	DispatchEvent(ctx context.Context, planID string, event plan.Event, opts orchestrator.RenderOptions) (*orchestrator.Result, error)
	RollbackPlan(ctx context.Context, planID string, version int, opts orchestrator.RenderOptions) (*orchestrator.Result, error)
	ReplayTrace(ctx context.Context, traceID string, opts orchestrator.RenderOptions) (*orchestrator.Result, error)
	ListPlans() ([]plan.Summary, error)
	ListPlanVersions(planID string) ([]plan.Record, error)
	GetPlan(planID string, version int) (plan.Record, error)
	ListAudits(limit int) ([]audit.Record, error)
	GetAudit(traceID string) (audit.Record, error)
	ClearHistory(ctx context.Context) error
}

// Server provides HTTP endpoints for renderd.
type Server struct {
	echo    *echo.Echo
	orch    Orchestrator
	logger  *zap.Logger
	config  *Config
	metrics *requestMetrics
}

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int
	// RequestTimeout bounds non-streaming render requests. Zero means no bound.
	RequestTimeout time.Duration
	// RateLimit is requests per second per tenant (or client IP without a
	// tenant header). Zero disables limiting.
	RateLimit float64
	RateBurst int
	// Gatherer backs GET /metrics. Nil uses the default registry.
	Gatherer prometheus.Gatherer
	// Meter receives the OTLP request instruments. Nil uses the global meter.
	Meter metric.Meter
}

// NewServer creates a new HTTP server.
func NewServer(orch Orchestrator, logger *zap.Logger, cfg *Config) (*Server, error) {
	if orch == nil {
		return nil, fmt.Errorf("orchestrator cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{
			Host: "localhost",
			Port: 9191,
		}
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		echo:    e,
		orch:    orch,
		logger:  logger,
		config:  cfg,
		metrics: newRequestMetrics(cfg.Meter, logger),
	}

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(middleware.BodyLimit("1M"))
	e.Use(s.metrics.middleware())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:    true,
		LogURI:       true,
		LogStatus:    true,
		LogLatency:   true,
		LogRequestID: true,
		LogHeaders:   []string{HeaderTenantID},
		LogValuesFunc: func(_ echo.Context, v middleware.RequestLoggerValues) error {
			fields := []zap.Field{
				zap.String("method", v.Method),
				zap.String("uri", v.URI),
				zap.Int("status", v.Status),
				zap.Duration("latency", v.Latency),
				zap.String("request_id", v.RequestID),
			}
			// Echo canonicalizes the key, so read the only logged header by value.
			for _, tenant := range v.Headers {
				if len(tenant) > 0 {
					fields = append(fields, zap.String("tenant_id", tenant[0]))
				}
			}
			logger.Info("request", fields...)
			return nil
		},
	}))
	if cfg.RateLimit > 0 {
		e.Use(s.rateLimiter())
	}

	s.registerRoutes()
	return s, nil
}

// rateLimiter throttles requests per tenant with a token bucket.
func (s *Server) rateLimiter() echo.MiddlewareFunc {
	burst := s.config.RateBurst
	if burst < 1 {
		burst = 1
	}
	store := middleware.NewRateLimiterMemoryStoreWithConfig(middleware.RateLimiterMemoryStoreConfig{
		Rate:      rate.Limit(s.config.RateLimit),
		Burst:     burst,
		ExpiresIn: 3 * time.Minute,
	})
	return middleware.RateLimiterWithConfig(middleware.RateLimiterConfig{
		Skipper: func(c echo.Context) bool {
			return c.Path() == "/health" || c.Path() == "/metrics"
		},
		Store: store,
		IdentifierExtractor: func(c echo.Context) (string, error) {
			if id := c.Request().Header.Get(HeaderTenantID); id != "" {
				return "tenant:" + id, nil
			}
			return "ip:" + c.RealIP(), nil
		},
		ErrorHandler: func(c echo.Context, err error) error {
			return c.JSON(http.StatusForbidden, ErrorResponse{Error: err.Error(), Code: "forbidden"})
		},
		DenyHandler: func(c echo.Context, _ string, _ error) error {
			return c.JSON(http.StatusTooManyRequests, ErrorResponse{Error: "request rate limit exceeded", Code: "rate_limited"})
		},
	})
}

// registerRoutes sets up the HTTP endpoints.
func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)

	gatherer := s.config.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	v1 := s.echo.Group("/api/v1")
	v1.POST("/render/prompt", s.handleRenderPrompt)
	v1.POST("/render/prompt/stream", s.handleRenderPromptStream)
	v1.POST("/render/plan", s.handleRenderPlan)

	v1.GET("/plans", s.handleListPlans)
	v1.GET("/plans/:id", s.handleGetPlan)
	v1.GET("/plans/:id/versions", s.handleListPlanVersions)
	v1.POST("/plans/:id/events", s.handleDispatchEvent)
	v1.POST("/plans/:id/rollback/:version", s.handleRollback)

	v1.POST("/traces/:id/replay", s.handleReplay)
	v1.GET("/audits", s.handleListAudits)
	v1.GET("/audits/:id", s.handleGetAudit)
	v1.DELETE("/history", s.handleClearHistory)
}

// Handler returns the server's HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start starts the HTTP server. It returns http.ErrServerClosed after Shutdown.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info("starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}
