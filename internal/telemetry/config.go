package telemetry

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/fyrsmithlabs/renderd/internal/config"
)

// Config is the telemetry section of the renderd configuration. Telemetry
// is off until enabled because most installs have no collector.
type Config struct {
	Enabled bool `koanf:"enabled"`

	// Endpoint is the collector's host:port. The HTTP protocol also
	// accepts an http:// or https:// prefix.
	Endpoint      string `koanf:"endpoint"`
	Protocol      string `koanf:"protocol"` // grpc or http/protobuf
	Insecure      bool   `koanf:"insecure"`
	TLSSkipVerify bool   `koanf:"tls_skip_verify"`

	ServiceName    string `koanf:"service_name"`
	ServiceVersion string `koanf:"service_version"`

	Sampling SamplingConfig `koanf:"sampling"`
	Metrics  MetricsConfig  `koanf:"metrics"`

	ShutdownTimeout config.Duration `koanf:"shutdown_timeout"`
}

// SamplingConfig controls which render traces are kept.
type SamplingConfig struct {
	// Rate is the fraction of root spans sampled, 0 to 1. Child spans
	// follow their parent, so a sampled render keeps all its stages.
	Rate float64 `koanf:"rate"`
}

// MetricsConfig controls OTLP metric export.
type MetricsConfig struct {
	Enabled        bool            `koanf:"enabled"`
	ExportInterval config.Duration `koanf:"export_interval"`
}

// NewDefaultConfig returns a disabled config pointing at a local collector.
func NewDefaultConfig() *Config {
	return &Config{
		Endpoint:        "localhost:4317",
		Protocol:        "grpc",
		Insecure:        true,
		ServiceName:     "renderd",
		ServiceVersion:  "dev",
		Sampling:        SamplingConfig{Rate: 1},
		Metrics:         MetricsConfig{Enabled: true, ExportInterval: config.Duration(15 * time.Second)},
		ShutdownTimeout: config.Duration(5 * time.Second),
	}
}

// Validate checks an enabled config. A disabled one is always valid.
func (c *Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	var errs []error
	if c.Endpoint == "" {
		errs = append(errs, errors.New("endpoint is required"))
	}
	if c.ServiceName == "" {
		errs = append(errs, errors.New("service_name is required"))
	}
	switch c.Protocol {
	case "", "grpc", protocolHTTP:
	default:
		errs = append(errs, fmt.Errorf("protocol must be grpc or %s, got %q", protocolHTTP, c.Protocol))
	}
	if c.Insecure && c.Endpoint != "" && !isLoopback(c.Endpoint) {
		errs = append(errs, fmt.Errorf("insecure export is only allowed to a loopback collector, got %q", c.Endpoint))
	}
	if c.Sampling.Rate < 0 || c.Sampling.Rate > 1 {
		errs = append(errs, fmt.Errorf("sampling.rate must be within [0, 1], got %g", c.Sampling.Rate))
	}
	if c.Metrics.Enabled && c.Metrics.ExportInterval.Duration() <= 0 {
		errs = append(errs, errors.New("metrics.export_interval must be positive"))
	}
	if c.ShutdownTimeout.Duration() <= 0 {
		errs = append(errs, errors.New("shutdown_timeout must be positive"))
	}
	return errors.Join(errs...)
}

// isLoopback reports whether endpoint names this host.
func isLoopback(endpoint string) bool {
	host := stripScheme(endpoint)
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.Trim(host, "[]")
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
