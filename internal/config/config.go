// ABOUTME: Configuration loading and parsing for gorp
// ABOUTME: Supports YAML files with environment variable expansion and env overrides

package config

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Config represents the complete gorp configuration
type Config struct {
	Workspace string                    `yaml:"workspace" env:"GORP_WORKSPACE"`
	Backends  map[string]map[string]any `yaml:"backends"`
	Defaults  DefaultsConfig            `yaml:"defaults"`
	Bus       BusConfig                 `yaml:"bus"`
	Gateways  GatewaysConfig            `yaml:"gateways"`
	Logging   LoggingConfig             `yaml:"logging"`
}

// DefaultsConfig names the backend used when a channel does not choose one
type DefaultsConfig struct {
	Backend string `yaml:"backend" env:"GORP_DEFAULT_BACKEND"`
}

// BusConfig holds message bus and deduplication tuning
type BusConfig struct {
	Capacity   int           `yaml:"capacity"`
	DedupeSize int           `yaml:"dedupe_size"`
	DedupeTTL  time.Duration `yaml:"-"`

	// Raw string value for YAML unmarshaling
	DedupeTTLRaw string `yaml:"dedupe_ttl"`
}

// GatewaysConfig holds configuration for all platform adapters
type GatewaysConfig struct {
	Web WebConfig `yaml:"web"`
}

// WebConfig holds the websocket gateway configuration
type WebConfig struct {
	Enabled bool   `yaml:"enabled" env:"GORP_WEB_ENABLED"`
	Addr    string `yaml:"addr" env:"GORP_WEB_ADDR"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" env:"GORP_LOG_LEVEL"`
	Format string `yaml:"format" env:"GORP_LOG_FORMAT"`
}

// Load reads a configuration file from the given path and returns a parsed
// Config. Environment variables in the format ${VAR_NAME} are expanded in the
// raw YAML, GORP_* variables override individual fields afterwards, and
// duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expandedData := expandEnvVars(string(data))

	cfg := defaultConfig()
	if err := yaml.Unmarshal([]byte(expandedData), cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("applying env overrides: %w", err)
	}

	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func defaultConfig() *Config {
	return &Config{
		Defaults: DefaultsConfig{Backend: "direct"},
		Bus: BusConfig{
			Capacity:   256,
			DedupeSize: 10000,
			DedupeTTL:  time.Hour,
		},
		Gateways: GatewaysConfig{
			Web: WebConfig{Addr: "127.0.0.1:8130"},
		},
		Logging: LoggingConfig{Level: "info", Format: "text"},
	}
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Workspace == "" {
		return fmt.Errorf("workspace is required")
	}

	if c.Defaults.Backend == "" {
		return fmt.Errorf("defaults.backend is required")
	}

	if len(c.Backends) > 0 {
		if _, ok := c.Backends[c.Defaults.Backend]; !ok {
			return fmt.Errorf("defaults.backend %q has no backends.%s section", c.Defaults.Backend, c.Defaults.Backend)
		}
	}

	if c.Gateways.Web.Enabled && c.Gateways.Web.Addr == "" {
		return fmt.Errorf("gateways.web.addr is required when the web gateway is enabled")
	}

	if c.Bus.Capacity <= 0 {
		return fmt.Errorf("bus.capacity must be positive")
	}

	return nil
}

// RawFor returns the configuration section for the named backend as JSON,
// suitable for a backend factory. An absent section yields an empty object.
func (c *Config) RawFor(name string) json.RawMessage {
	section, ok := c.Backends[name]
	if !ok || section == nil {
		return json.RawMessage(`{}`)
	}
	data, err := json.Marshal(section)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return data
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	if cfg.Bus.DedupeTTLRaw != "" {
		ttl, err := time.ParseDuration(cfg.Bus.DedupeTTLRaw)
		if err != nil {
			return fmt.Errorf("parsing dedupe_ttl %q: %w", cfg.Bus.DedupeTTLRaw, err)
		}
		cfg.Bus.DedupeTTL = ttl
	}

	return nil
}
