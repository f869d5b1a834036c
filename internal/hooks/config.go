package hooks

import (
	"fmt"
	"time"
)

// Config controls which hook points run and how long the engine may take.
type Config struct {
	// Disabled lists hook points that are skipped entirely.
	Disabled []string `json:"disabled" koanf:"disabled"`

	// EngineTimeout bounds each customization engine call. Zero means no bound.
	EngineTimeout time.Duration `json:"engine_timeout" koanf:"engine_timeout"`
}

// DefaultConfig returns the default configuration: every point enabled, no engine timeout.
func DefaultConfig() *Config {
	return &Config{}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	for _, name := range c.Disabled {
		if !Name(name).Valid() {
			return fmt.Errorf("unknown hook point %q", name)
		}
	}
	if c.EngineTimeout < 0 {
		return fmt.Errorf("engine_timeout must not be negative, got %s", c.EngineTimeout)
	}
	return nil
}

// IsDisabled reports whether name is switched off.
func (c *Config) IsDisabled(name Name) bool {
	if c == nil {
		return false
	}
	for _, d := range c.Disabled {
		if Name(d) == name {
			return true
		}
	}
	return false
}
