package logging

import (
	"errors"
	"fmt"
	"regexp"
	"time"

	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/renderd/internal/config"
)

// Config is the logging section of the renderd configuration.
type Config struct {
	Level  zapcore.Level `koanf:"level"`
	Format string        `koanf:"format"` // json or console

	// Stdout and OTel select the sinks. OTel only takes effect when
	// telemetry provides a log provider.
	Stdout bool `koanf:"stdout"`
	OTel   bool `koanf:"otel"`

	Caller bool `koanf:"caller"`

	Sampling SamplingConfig    `koanf:"sampling"`
	Redact   RedactConfig      `koanf:"redact"`
	Fields   map[string]string `koanf:"fields"`
}

// SamplingConfig throttles repeated entries below error level. Within each
// tick the first Initial entries with the same message are kept, then one
// in every Thereafter.
type SamplingConfig struct {
	Enabled    bool            `koanf:"enabled"`
	Tick       config.Duration `koanf:"tick"`
	Initial    int             `koanf:"initial"`
	Thereafter int             `koanf:"thereafter"`
}

// RedactConfig names the field keys whose values never reach a sink, and
// value patterns masked wherever they appear in string fields.
type RedactConfig struct {
	Keys     []string `koanf:"keys"`
	Patterns []string `koanf:"patterns"`
}

const maxPatternLen = 200

// NewDefaultConfig returns JSON logs at info to stdout.
func NewDefaultConfig() *Config {
	return &Config{
		Level:  zapcore.InfoLevel,
		Format: "json",
		Stdout: true,
		Caller: true,
		Sampling: SamplingConfig{
			Enabled:    true,
			Tick:       config.Duration(time.Second),
			Initial:    100,
			Thereafter: 10,
		},
		Redact: RedactConfig{
			Keys: []string{
				"token", "password", "secret", "api_key",
				"authorization", "credential", "private_key",
			},
			Patterns: []string{
				`(?i)bearer\s+\S+`,
				`(?i)api[_-]?key[=:]\s*\S+`,
			},
		},
		Fields: map[string]string{"service": "renderd"},
	}
}

// Validate reports every problem in the config at once.
func (c *Config) Validate() error {
	var errs []error
	if c.Format != "json" && c.Format != "console" {
		errs = append(errs, fmt.Errorf("format must be json or console, got %q", c.Format))
	}
	if !c.Stdout && !c.OTel {
		errs = append(errs, errors.New("at least one of stdout or otel must be enabled"))
	}
	if c.Sampling.Enabled {
		if c.Sampling.Tick.Duration() <= 0 {
			errs = append(errs, errors.New("sampling.tick must be positive"))
		}
		if c.Sampling.Initial < 1 {
			errs = append(errs, fmt.Errorf("sampling.initial must be at least 1, got %d", c.Sampling.Initial))
		}
		if c.Sampling.Thereafter < 0 {
			errs = append(errs, fmt.Errorf("sampling.thereafter must not be negative, got %d", c.Sampling.Thereafter))
		}
	}
	if _, err := compilePatterns(c.Redact.Patterns); err != nil {
		errs = append(errs, err)
	}
	for k, v := range c.Fields {
		if k == "" || v == "" {
			errs = append(errs, fmt.Errorf("constant field %q=%q needs a key and a value", k, v))
		}
	}
	return errors.Join(errs...)
}

func compilePatterns(patterns []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		if len(p) > maxPatternLen {
			return nil, fmt.Errorf("redact pattern longer than %d characters: %q", maxPatternLen, p)
		}
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid redact pattern %q: %w", p, err)
		}
		out = append(out, re)
	}
	return out, nil
}
