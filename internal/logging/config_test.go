package logging

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestNewDefaultConfig(t *testing.T) {
	cfg := NewDefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, zapcore.InfoLevel, cfg.Level)
	assert.Equal(t, "json", cfg.Format)
	assert.True(t, cfg.Stdout)
	assert.False(t, cfg.OTel)
	assert.Contains(t, cfg.Redact.Keys, "token")
	assert.Equal(t, "renderd", cfg.Fields["service"])
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"console format", func(c *Config) { c.Format = "console" }, ""},
		{"otel only", func(c *Config) { c.Stdout, c.OTel = false, true }, ""},
		{"sampling off ignores tick", func(c *Config) { c.Sampling.Enabled, c.Sampling.Tick = false, 0 }, ""},
		{"bad format", func(c *Config) { c.Format = "xml" }, "format must be json or console"},
		{"no sink", func(c *Config) { c.Stdout = false }, "at least one of stdout or otel"},
		{"zero tick", func(c *Config) { c.Sampling.Tick = 0 }, "sampling.tick"},
		{"zero initial", func(c *Config) { c.Sampling.Initial = 0 }, "sampling.initial"},
		{"negative thereafter", func(c *Config) { c.Sampling.Thereafter = -1 }, "sampling.thereafter"},
		{"bad pattern", func(c *Config) { c.Redact.Patterns = []string{"("} }, "invalid redact pattern"},
		{"long pattern", func(c *Config) { c.Redact.Patterns = []string{strings.Repeat("a", 201)} }, "longer than 200"},
		{"empty field value", func(c *Config) { c.Fields = map[string]string{"env": ""} }, "needs a key and a value"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewDefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestConfig_ValidateJoinsErrors(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Format = "xml"
	cfg.Stdout = false

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "format")
	assert.Contains(t, err.Error(), "stdout")
}
