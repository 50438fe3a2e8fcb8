// Package config loads the CLI's top-level configuration: the
// multicast address to join, the host identity, and the log level. It
// is read once from an optional YAML file, mirroring the source's
// config.yml. Of its fields, only the log level has a command-line
// override (the CLIs' --verbose flag, which forces debug).
package config

import (
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"
)

const (
	defaultMulticastIP = "239.1.1.1"
	defaultPort        = 4210
	defaultLogLevel    = "info"
)

// Config is the CLI-level configuration, loadable from YAML.
type Config struct {
	Address       string `yaml:"address"`
	Port          int    `yaml:"port"`
	InterfaceName string `yaml:"interface"`
	HostID        string `yaml:"hostid"`
	LogLevel      string `yaml:"log_level"`
}

// Default returns a Config with the source's documented defaults.
func Default() Config {
	return Config{
		Address:  defaultMulticastIP,
		Port:     defaultPort,
		LogLevel: defaultLogLevel,
	}
}

// Load reads a YAML config file, if present, over top of Default.
// A missing path is not an error: the CLI falls back to flags/defaults
// the way udronerc.py's config.yml was optional in practice.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	b, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// Validate fills remaining defaults and rejects nonsensical values.
func (c *Config) Validate() error {
	if c.Address == "" {
		c.Address = defaultMulticastIP
	}
	if c.Port <= 0 {
		c.Port = defaultPort
	}
	if c.LogLevel == "" {
		c.LogLevel = defaultLogLevel
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// ParseLevel maps the config/flag log level string to a slog.Level.
func ParseLevel(level string) (slog.Level, error) {
	switch level {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level %q", level)
	}
}
