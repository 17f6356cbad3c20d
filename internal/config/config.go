// Package config loads the CLI's runtime configuration: built-in
// defaults, overridden by an optional YAML file, overridden by
// AGENTWIRE_* environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const envPrefix = "AGENTWIRE_"

// Config holds the CLI's runtime configuration. Library callers
// configure the agent package directly; this only feeds the binary.
type Config struct {
	CLIPath        string `koanf:"cli_path"`
	Model          string `koanf:"model"`
	PermissionMode string `koanf:"permission_mode"`
	SystemPrompt   string `koanf:"system_prompt"`
	MaxTurns       int    `koanf:"max_turns"`
	DataDir        string `koanf:"data_dir"`
	LogLevel       string `koanf:"log_level"`
}

func defaults() map[string]any {
	return map[string]any{
		"cli_path":        "",
		"model":           "",
		"permission_mode": "",
		"system_prompt":   "",
		"max_turns":       0,
		"data_dir":        defaultDataDir(),
		"log_level":       "info",
	}
}

// Load builds a Config from defaults, the YAML file at path (skipped
// when path is empty or the file does not exist), and the environment.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("load config file %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("stat config file %s: %w", path, err)
		}
	}

	// AGENTWIRE_LOG_LEVEL=debug -> log_level.
	err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, envPrefix))
	}), nil)
	if err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	var c Config
	if err := k.Unmarshal("", &c); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &c, nil
}

// DefaultPath returns the conventional config file location.
func DefaultPath() string {
	return filepath.Join(configRoot(), "config.yaml")
}

// DBPath returns the path to the session store database file.
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, "sessions.db")
}

// Validate checks the configuration and ensures required directories
// exist.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data dir is required")
	}
	if err := os.MkdirAll(c.DataDir, 0o750); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	return nil
}

func configRoot() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".config", "agentwire")
	}
	return filepath.Join(home, ".config", "agentwire")
}

func defaultDataDir() string {
	return configRoot()
}
