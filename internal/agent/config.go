// ABOUTME: Backend configuration loading from TOML files.
// ABOUTME: A [backend] table carries a type discriminator plus free-form factory fields.

package agent

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// BackendConfig selects a backend by name and carries the remaining
// configuration verbatim for that backend's factory.
type BackendConfig struct {
	// Type is the registry name of the backend ("mock", "direct", "acp",
	// "native").
	Type string

	// Raw is everything else from the config table, passed untouched to
	// the chosen factory.
	Raw json.RawMessage
}

// Config is the top-level gorp-agent configuration file.
type Config struct {
	Backend BackendConfig
}

type tomlFile struct {
	Backend map[string]any `toml:"backend"`
}

// ParseConfig parses a TOML configuration document. The [backend] table
// must contain a string "type" key; all other keys become the factory's
// raw config.
func ParseConfig(content string) (*Config, error) {
	var file tomlFile
	if err := toml.Unmarshal([]byte(content), &file); err != nil {
		return nil, fmt.Errorf("parsing config TOML: %w", err)
	}
	if file.Backend == nil {
		return nil, fmt.Errorf("config is missing a [backend] table")
	}

	backendType, ok := file.Backend["type"].(string)
	if !ok || backendType == "" {
		return nil, fmt.Errorf("backend config is missing a string \"type\" field")
	}
	delete(file.Backend, "type")

	raw, err := json.Marshal(file.Backend)
	if err != nil {
		return nil, fmt.Errorf("encoding backend config: %w", err)
	}

	return &Config{Backend: BackendConfig{Type: backendType, Raw: raw}}, nil
}

// LoadConfig reads and parses a TOML configuration file.
func LoadConfig(path string) (*Config, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}
	return ParseConfig(string(content))
}

// FindConfig searches the standard locations for a configuration file:
// ./gorp-agent.toml, then $XDG_CONFIG_HOME/gorp/agent.toml (falling back
// to ~/.config). It returns nil without error if none exists.
func FindConfig() (*Config, error) {
	candidates := []string{"gorp-agent.toml"}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			configDir = filepath.Join(home, ".config")
		}
	}
	if configDir != "" {
		candidates = append(candidates, filepath.Join(configDir, "gorp", "agent.toml"))
	}

	for _, candidate := range candidates {
		if _, err := os.Stat(candidate); err == nil {
			return LoadConfig(candidate)
		}
	}
	return nil, nil
}
