package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fyrsmithlabs/renderd/internal/adapters"
	"github.com/fyrsmithlabs/renderd/internal/audit"
	"github.com/fyrsmithlabs/renderd/internal/config"
	"github.com/fyrsmithlabs/renderd/internal/events"
	"github.com/fyrsmithlabs/renderd/internal/hooks"
	httpserver "github.com/fyrsmithlabs/renderd/internal/http"
	"github.com/fyrsmithlabs/renderd/internal/logging"
	"github.com/fyrsmithlabs/renderd/internal/orchestrator"
	"github.com/fyrsmithlabs/renderd/internal/plan"
	"github.com/fyrsmithlabs/renderd/internal/store/sqlite"
	"github.com/fyrsmithlabs/renderd/internal/telemetry"
	"github.com/fyrsmithlabs/renderd/internal/tenant"
)

const orchestratorTracer = "github.com/fyrsmithlabs/renderd/internal/orchestrator"

func newServeCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the renderd HTTP server",
		Long: `Start the renderd HTTP server.

Configuration is read from --config (default ~/.config/renderd/config.yaml)
and RENDERD_* environment variables. The server stops gracefully on SIGINT
or SIGTERM.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, configPath)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "path to config.yaml")
	return cmd
}

// run starts renderd and blocks until ctx is cancelled.
//
// It loads configuration, builds logging and telemetry, opens the optional
// SQLite archive and NATS connection, wires the orchestrator, then serves HTTP.
func run(ctx context.Context, configPath string) error {
	cfg, err := config.LoadWithFile(configPath)
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	app, err := newApp(ctx, cfg, configPath)
	if err != nil {
		return err
	}
	defer app.Close()

	return app.Serve(ctx)
}

// app holds every long-lived component of a running server.
type app struct {
	cfg       *config.Config
	logger    *logging.Logger
	telemetry *telemetry.Telemetry
	store     *sqlite.Store
	natsConn  *nats.Conn
	bridge    *events.Bridge
	orch      *orchestrator.Orchestrator
	server    *httpserver.Server
}

func newApp(ctx context.Context, cfg *config.Config, configPath string) (_ *app, err error) {
	a := &app{cfg: cfg}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	telCfg := telemetry.NewDefaultConfig()
	if err := cfg.Section("telemetry", telCfg); err != nil {
		return nil, fmt.Errorf("telemetry config: %w", err)
	}
	telCfg.ServiceVersion = version
	a.telemetry, err = telemetry.New(ctx, telCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	logCfg := logging.NewDefaultConfig()
	if err := cfg.Section("logging", logCfg); err != nil {
		return nil, fmt.Errorf("logging config: %w", err)
	}
	a.logger, err = logging.NewLogger(logCfg, a.telemetry.LoggerProvider())
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	zl := a.logger.Underlying()

	a.logger.Info(ctx, "starting renderd",
		zap.String("version", version),
		zap.String("addr", cfg.Server.Addr()),
		zap.Bool("telemetry", a.telemetry.IsEnabled()),
		zap.Bool("storage", cfg.Storage.Enabled()),
		zap.Bool("events", cfg.Events.Enabled),
	)

	var registryOpts []plan.RegistryOption
	auditOpts := []audit.Option{audit.WithLogger(zl.Named("audit"))}
	registryOpts = append(registryOpts, plan.WithLogger(zl.Named("plans")))
	if cfg.Storage.Enabled() {
		a.store, err = sqlite.Open(ctx, cfg.Storage.Path)
		if err != nil {
			return nil, err
		}
		registryOpts = append(registryOpts, plan.WithArchive(a.store))
		auditOpts = append(auditOpts, audit.WithArchive(a.store))
	}
	registry := plan.NewRegistry(registryOpts...)
	audits := audit.NewLog(auditOpts...)
	if a.store != nil {
		plans, err := registry.Hydrate(ctx)
		if err != nil {
			return nil, fmt.Errorf("hydrate plans: %w", err)
		}
		records, err := audits.Hydrate(ctx)
		if err != nil {
			return nil, fmt.Errorf("hydrate audits: %w", err)
		}
		a.logger.Info(ctx, "history restored",
			zap.String("path", cfg.Storage.Path),
			zap.Int("plans", plans),
			zap.Int("audits", records))
	}

	llm, err := adapters.NewTemplateLLM(adapters.TemplateLLMConfig{
		Templates:         cfg.LLM.Templates,
		Default:           cfg.LLM.DefaultTemplate,
		Model:             cfg.LLM.Model,
		ChunkSize:         cfg.LLM.ChunkSize,
		RequestsPerSecond: cfg.LLM.RequestsPerSecond,
		Burst:             cfg.LLM.Burst,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create language model: %w", err)
	}
	renderer := adapters.NewMarkupRenderer()
	renderer.Indent = cfg.Render.Indent

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	a.orch, err = orchestrator.New(orchestrator.Options{
		LLM:          llm,
		CodeGen:      adapters.NewJSONCodeGenerator(),
		Security:     adapters.NewPolicyChecker(),
		Engine:       adapters.NewMemoryEngine(zl.Named("engine")),
		Renderer:     renderer,
		Registry:     registry,
		Audit:        audits,
		Governor:     tenant.NewGovernor(),
		Hooks:        hooks.NewHookManager(&cfg.Hooks),
		LoadSettings: settingsLoader(cfg, configPath),
		Logger:       a.logger.Named("orchestrator"),
		Metrics:      orchestrator.NewMetrics(reg),
		Tracer:       a.telemetry.Tracer(orchestratorTracer),
	})
	if err != nil {
		return nil, err
	}

	if cfg.Events.Enabled {
		a.natsConn, err = connectNATS(cfg.Events)
		if err != nil {
			return nil, err
		}
		a.bridge = events.NewBridge(a.natsConn,
			events.WithSubjectPrefix(cfg.Events.SubjectPrefix),
			events.WithLogger(zl.Named("events")),
		)
		a.bridge.Attach(a.orch)
		a.logger.Info(ctx, "connected to NATS",
			zap.String("url", cfg.Events.URL),
			logging.Secret("token", cfg.Events.Token),
		)
	}

	if err := a.orch.Start(ctx); err != nil {
		return nil, fmt.Errorf("failed to start orchestrator: %w", err)
	}

	a.server, err = httpserver.NewServer(a.orch, zl.Named("http"), &httpserver.Config{
		Host:           cfg.Server.Host,
		Port:           cfg.Server.Port,
		RequestTimeout: cfg.Server.RequestTimeout.Duration(),
		RateLimit:      cfg.Server.RateLimit,
		RateBurst:      cfg.Server.RateBurst,
		Gatherer:       reg,
		Meter:          a.telemetry.Meter("github.com/fyrsmithlabs/renderd/internal/http"),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create http server: %w", err)
	}
	return a, nil
}

// Serve runs the HTTP server until ctx is cancelled, then shuts it down.
func (a *app) Serve(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := a.server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		timeout := a.cfg.Server.ShutdownTimeout.Duration()
		if timeout <= 0 {
			timeout = config.DefaultShutdownTimeout
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := a.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}
		return nil
	})
	err := g.Wait()
	a.logger.Info(context.Background(), "renderd stopped")
	return err
}

// Close releases every resource in reverse start order. It is safe on a
// partially built app.
func (a *app) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if a.orch != nil {
		if err := a.orch.Stop(ctx); err != nil && a.logger != nil {
			a.logger.Warn(ctx, "orchestrator stop failed", zap.Error(err))
		}
	}
	if a.bridge != nil {
		if err := a.bridge.Detach(); err != nil && a.logger != nil {
			a.logger.Warn(ctx, "event bridge detach failed", zap.Error(err))
		}
	}
	if a.natsConn != nil {
		a.natsConn.Close()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil && a.logger != nil {
			a.logger.Warn(ctx, "archive close failed", zap.Error(err))
		}
	}
	if a.telemetry != nil {
		if err := a.telemetry.Shutdown(ctx); err != nil && a.logger != nil {
			a.logger.Warn(ctx, "telemetry shutdown failed", zap.Error(err))
		}
	}
	if a.logger != nil {
		_ = a.logger.Sync() // Best-effort sync on shutdown
	}
}

// connectNATS dials the event broker.
func connectNATS(cfg config.EventsConfig) (*nats.Conn, error) {
	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(5),
		nats.ReconnectWait(1 * time.Second),
	}
	if cfg.Token.IsSet() {
		opts = append(opts, nats.Token(cfg.Token.Value()))
	}
	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", cfg.URL, err)
	}
	return nc, nil
}

// settingsLoader serves the already loaded config on the first Start and
// re-reads the file on every later one, so a restart picks up edited limits
// and policy.
func settingsLoader(initial *config.Config, configPath string) orchestrator.SettingsLoader {
	first := true
	return func(ctx context.Context) (orchestrator.Settings, error) {
		cfg := initial
		if !first {
			reloaded, err := config.LoadWithFile(configPath)
			if err != nil {
				return orchestrator.Settings{}, fmt.Errorf("reload config: %w", err)
			}
			cfg = reloaded
		}
		first = false
		return settingsFromConfig(cfg), nil
	}
}

// settingsFromConfig converts the file configuration into orchestrator settings.
func settingsFromConfig(cfg *config.Config) orchestrator.Settings {
	return orchestrator.Settings{
		Governor: tenant.Limits{
			MaxExecutionsPerMinute:  cfg.Governor.MaxExecutionsPerMinute,
			MaxConcurrentExecutions: cfg.Governor.MaxConcurrentExecutions,
			Window:                  cfg.Governor.Window.Duration(),
		},
		Security: orchestrator.SecurityPolicy{
			BlockedModules:    cfg.Security.BlockedModules,
			BlockedComponents: cfg.Security.BlockedComponents,
			AllowedHosts:      cfg.Security.AllowedHosts,
			MaxNodes:          cfg.Security.MaxNodes,
		},
		StructuredGeneration: cfg.Structured.Enabled,
		PreviewEvery:         cfg.Stream.PreviewEvery,
		RenderTarget:         cfg.Render.Target,
	}
}
