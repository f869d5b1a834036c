// Package config provides configuration loading for renderd.
package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const (
	maxConfigFileSize = 1 << 20

	// EnvPrefix marks environment variables that override the config file.
	EnvPrefix = "RENDERD_"
)

// listKeys are split on commas when set from the environment.
var listKeys = map[string]bool{
	"security.blocked_modules":    true,
	"security.blocked_components": true,
	"security.allowed_hosts":      true,
	"hooks.disabled":              true,
}

// LoadWithFile loads configuration from a YAML file, then overrides it with
// environment variables.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (RENDERD_SERVER_PORT, RENDERD_EVENTS_URL, etc.)
//  2. YAML config file (~/.config/renderd/config.yaml)
//  3. Defaults
//
// An empty configPath uses the default path. A missing file is not an error.
//
// # Security Considerations
//
// The file must have 0600 or 0400 permissions, live under ~/.config/renderd/
// or /etc/renderd/, and be at most 1MB.
//
// # Environment Variable Mapping
//
// The prefix is stripped and the first underscore separates section from field:
//
//	RENDERD_SERVER_PORT -> server.port
//	RENDERD_GOVERNOR_MAX_CONCURRENT_EXECUTIONS -> governor.max_concurrent_executions
//	RENDERD_SECURITY_ALLOWED_HOSTS=a.com,b.com -> security.allowed_hosts
func LoadWithFile(configPath string) (*Config, error) {
	k := koanf.New(".")

	if configPath == "" {
		dir, err := DefaultConfigDir()
		if err != nil {
			return nil, err
		}
		configPath = filepath.Join(dir, "config.yaml")
	}

	if err := validateConfigPath(configPath); err != nil {
		return nil, err
	}
	if _, err := os.Stat(configPath); err == nil {
		content, err := readConfigFile(configPath)
		if err != nil {
			return nil, err
		}
		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("parse %s: %w", configPath, err)
		}
	}

	if err := k.Load(env.ProviderWithValue(EnvPrefix, ".", envValue), nil); err != nil {
		return nil, fmt.Errorf("read %s* environment: %w", EnvPrefix, err)
	}

	cfg := Defaults()
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.k = k

	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// envKey maps RENDERD_SECTION_FIELD_NAME to section.field_name.
func envKey(s string) string {
	lower := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	parts := strings.SplitN(lower, "_", 2)
	if len(parts) == 1 {
		return lower
	}
	return parts[0] + "." + parts[1]
}

func envValue(key, value string) (string, any) {
	k := envKey(key)
	if listKeys[k] {
		var items []string
		for _, item := range strings.Split(value, ",") {
			if item = strings.TrimSpace(item); item != "" {
				items = append(items, item)
			}
		}
		return k, items
	}
	return k, value
}

// readConfigFile checks and reads the file through one descriptor, so the
// file that passed the checks is the file that is read.
func readConfigFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	if err := checkFileInfo(info); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return io.ReadAll(io.LimitReader(f, maxConfigFileSize))
}

// DefaultConfigDir returns ~/.config/renderd.
func DefaultConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".config", "renderd"), nil
}

// EnsureConfigDir creates the renderd config directory with 0700 permissions
// if it doesn't exist.
func EnsureConfigDir() error {
	dir, err := DefaultConfigDir()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory %s: %w", dir, err)
	}
	return nil
}

// validateConfigPath checks that path is in an allowed directory.
// It runs even if the file doesn't exist yet.
func validateConfigPath(path string) error {
	if strings.Contains(path, "..") {
		return fmt.Errorf("config path must not contain '..': %s", path)
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve path: %w", err)
	}
	// Symlinks are resolved so they cannot escape the allowed directories.
	resolvedPath, err := filepath.EvalSymlinks(absPath)
	if err != nil {
		resolvedPath = absPath
	}

	userDir, err := DefaultConfigDir()
	if err != nil {
		return err
	}
	for _, dir := range []string{userDir, "/etc/renderd"} {
		if resolvedPath == dir || strings.HasPrefix(resolvedPath, dir+string(filepath.Separator)) {
			return nil
		}
	}
	return fmt.Errorf("config file must be in ~/.config/renderd/ or /etc/renderd/")
}

// checkFileInfo rejects files other users can read or write, and files
// over the size cap.
func checkFileInfo(info os.FileInfo) error {
	if mode := info.Mode().Perm(); runtime.GOOS != "windows" && mode&0o077 != 0 {
		return fmt.Errorf("mode %v is readable by others; use 0600 or 0400", mode)
	}
	if size := info.Size(); size > maxConfigFileSize {
		return fmt.Errorf("%d bytes exceeds the %d byte limit", size, maxConfigFileSize)
	}
	return nil
}

// applyDefaults restores defaults for values explicitly set to zero where
// zero has no meaning.
func applyDefaults(cfg *Config) {
	d := Defaults()
	if cfg.Server.Port == 0 {
		cfg.Server.Port = d.Server.Port
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = d.Server.ShutdownTimeout
	}
	if cfg.Governor.Window == 0 {
		cfg.Governor.Window = d.Governor.Window
	}
	if cfg.Stream.PreviewEvery == 0 {
		cfg.Stream.PreviewEvery = d.Stream.PreviewEvery
	}
	if cfg.Render.Target == "" {
		cfg.Render.Target = d.Render.Target
	}
	if cfg.Events.SubjectPrefix == "" {
		cfg.Events.SubjectPrefix = d.Events.SubjectPrefix
	}
	if cfg.LLM.Model == "" {
		cfg.LLM.Model = d.LLM.Model
	}
}
