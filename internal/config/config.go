package config

import (
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/v2"

	"github.com/fyrsmithlabs/renderd/internal/hooks"
)

// Config holds the complete renderd configuration.
//
// The logging and telemetry sections belong to packages that depend on this
// one, so they are not fields here. Decode them with Section.
type Config struct {
	Server     ServerConfig     `koanf:"server"`
	Governor   GovernorConfig   `koanf:"governor"`
	Stream     StreamConfig     `koanf:"stream"`
	Structured StructuredConfig `koanf:"structured"`
	Render     RenderConfig     `koanf:"render"`
	Security   SecurityConfig   `koanf:"security"`
	Storage    StorageConfig    `koanf:"storage"`
	Events     EventsConfig     `koanf:"events"`
	LLM        LLMConfig        `koanf:"llm"`
	Hooks      hooks.Config     `koanf:"hooks"`

	k *koanf.Koanf
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Host            string   `koanf:"host"`
	Port            int      `koanf:"port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
	// RequestTimeout bounds non-streaming requests. Zero means no bound.
	RequestTimeout Duration `koanf:"request_timeout"`
	// RateLimit is the API-wide request rate per second. Zero disables limiting.
	RateLimit float64 `koanf:"rate_limit"`
	RateBurst int     `koanf:"rate_burst"`
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// GovernorConfig configures per-tenant admission control.
type GovernorConfig struct {
	MaxExecutionsPerMinute  int      `koanf:"max_executions_per_minute"`
	MaxConcurrentExecutions int      `koanf:"max_concurrent_executions"`
	Window                  Duration `koanf:"window"`
}

// StreamConfig configures streamed prompt rendering.
type StreamConfig struct {
	PreviewEvery int `koanf:"preview_every"`
}

// StructuredConfig toggles the structured-first generation path.
type StructuredConfig struct {
	Enabled bool `koanf:"enabled"`
}

// RenderConfig holds render defaults.
type RenderConfig struct {
	Target string `koanf:"target"`
	Indent string `koanf:"indent"`
}

// SecurityConfig holds the policy overrides handed to the security checker.
type SecurityConfig struct {
	BlockedModules    []string `koanf:"blocked_modules"`
	BlockedComponents []string `koanf:"blocked_components"`
	AllowedHosts      []string `koanf:"allowed_hosts"`
	MaxNodes          int      `koanf:"max_nodes"`
}

// StorageConfig configures the durable history archive.
type StorageConfig struct {
	// Path is the SQLite database file. Empty keeps history in memory only.
	Path string `koanf:"path"`
}

// Enabled reports whether the archive is configured.
func (s StorageConfig) Enabled() bool {
	return strings.TrimSpace(s.Path) != ""
}

// EventsConfig configures lifecycle event publishing to NATS.
type EventsConfig struct {
	Enabled       bool   `koanf:"enabled"`
	URL           string `koanf:"url"`
	Token         Secret `koanf:"token"`
	SubjectPrefix string `koanf:"subject_prefix"`
	Name          string `koanf:"name"`
}

// LLMConfig configures the built-in template language model.
type LLMConfig struct {
	Model             string            `koanf:"model"`
	Templates         map[string]string `koanf:"templates"`
	DefaultTemplate   string            `koanf:"default_template"`
	ChunkSize         int               `koanf:"chunk_size"`
	RequestsPerSecond float64           `koanf:"requests_per_second"`
	Burst             int               `koanf:"burst"`
}

const (
	DefaultPort            = 9191
	DefaultShutdownTimeout = 10 * time.Second
	DefaultSubjectPrefix   = "renderd"
)

// Defaults returns the configuration used when nothing is set.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "127.0.0.1",
			Port:            DefaultPort,
			ShutdownTimeout: Duration(DefaultShutdownTimeout),
			RequestTimeout:  Duration(30 * time.Second),
			RateBurst:       20,
		},
		Governor: GovernorConfig{
			MaxExecutionsPerMinute:  120,
			MaxConcurrentExecutions: 4,
			Window:                  Duration(time.Minute),
		},
		Stream:     StreamConfig{PreviewEvery: 2},
		Structured: StructuredConfig{Enabled: true},
		Render:     RenderConfig{Target: "html"},
		Events: EventsConfig{
			URL:           "nats://127.0.0.1:4222",
			SubjectPrefix: DefaultSubjectPrefix,
			Name:          "renderd",
		},
		LLM: LLMConfig{
			Model:     "template-v1",
			ChunkSize: 16,
			Burst:     1,
		},
		Hooks: *hooks.DefaultConfig(),
	}
}

// Section decodes the raw configuration at path into out. Fields of out that
// have no value at path keep what they held, so callers pass pre-filled defaults.
func (c *Config) Section(path string, out any) error {
	if c.k == nil || !c.k.Exists(path) {
		return nil
	}
	if err := c.k.Unmarshal(path, out); err != nil {
		return fmt.Errorf("failed to decode %s config: %w", path, err)
	}
	return nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port must be between 1 and 65535, got %d", c.Server.Port))
	}
	if strings.ContainsAny(c.Server.Host, " \t\n;$`") {
		errs = append(errs, fmt.Errorf("server.host contains invalid characters: %q", c.Server.Host))
	}
	if c.Server.ShutdownTimeout.Duration() <= 0 {
		errs = append(errs, errors.New("server.shutdown_timeout must be positive"))
	}
	if c.Server.RateLimit < 0 {
		errs = append(errs, fmt.Errorf("server.rate_limit must not be negative, got %v", c.Server.RateLimit))
	}
	if c.Server.RateLimit > 0 && c.Server.RateBurst < 1 {
		errs = append(errs, errors.New("server.rate_burst must be at least 1 when rate limiting is enabled"))
	}

	if c.Governor.MaxExecutionsPerMinute < 0 || c.Governor.MaxConcurrentExecutions < 0 {
		errs = append(errs, errors.New("governor limits must not be negative"))
	}
	if c.Stream.PreviewEvery < 0 {
		errs = append(errs, fmt.Errorf("stream.preview_every must not be negative, got %d", c.Stream.PreviewEvery))
	}
	switch c.Render.Target {
	case "", "html", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("render.target must be html, text or json, got %q", c.Render.Target))
	}
	if c.Security.MaxNodes < 0 {
		errs = append(errs, fmt.Errorf("security.max_nodes must not be negative, got %d", c.Security.MaxNodes))
	}

	if c.Storage.Enabled() && c.Storage.Path != ":memory:" {
		if strings.Contains(c.Storage.Path, "..") {
			errs = append(errs, fmt.Errorf("storage.path must not contain '..': %q", c.Storage.Path))
		} else if !filepath.IsAbs(c.Storage.Path) {
			errs = append(errs, fmt.Errorf("storage.path must be absolute: %q", c.Storage.Path))
		}
	}

	if c.Events.Enabled {
		u, err := url.Parse(c.Events.URL)
		if err != nil || u.Host == "" {
			errs = append(errs, fmt.Errorf("events.url is not a valid server url: %q", c.Events.URL))
		} else if u.Scheme != "nats" && u.Scheme != "tls" {
			errs = append(errs, fmt.Errorf("events.url scheme must be nats or tls, got %q", u.Scheme))
		}
		if strings.ContainsAny(c.Events.SubjectPrefix, " *>") {
			errs = append(errs, fmt.Errorf("events.subject_prefix contains invalid characters: %q", c.Events.SubjectPrefix))
		}
	}

	if c.LLM.ChunkSize < 0 {
		errs = append(errs, fmt.Errorf("llm.chunk_size must not be negative, got %d", c.LLM.ChunkSize))
	}
	if c.LLM.RequestsPerSecond < 0 {
		errs = append(errs, fmt.Errorf("llm.requests_per_second must not be negative, got %v", c.LLM.RequestsPerSecond))
	}

	if err := c.Hooks.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("hooks: %w", err))
	}

	return errors.Join(errs...)
}
