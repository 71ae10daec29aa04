package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models foreman.yml.
type Config struct {
	Project struct {
		ID   string `yaml:"id"`
		Kind string `yaml:"kind"`
	} `yaml:"project"`
	Defaults struct {
		PickStrategy       string `yaml:"pick_strategy"`
		GateTimeoutSeconds int    `yaml:"gate_timeout_seconds"`
		GateWorkdir        string `yaml:"gate_workdir"`
	} `yaml:"defaults"`
	Safety struct {
		// ExtraPatterns extend the built-in danger table. Built-in
		// patterns cannot be removed, only added to.
		ExtraPatterns []SafetyPattern `yaml:"extra_patterns"`
	} `yaml:"safety"`
	Gates struct {
		// Catalog documents well-known gate names for the project.
		Catalog map[string]struct {
			Description string `yaml:"description"`
		} `yaml:"catalog"`
	} `yaml:"gates"`
	// Webhooks receive project events over HTTP, each with its own cursor.
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

// WebhookConfig describes one event delivery target.
type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret"`
	Events         []string `yaml:"events"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

// SafetyPattern is a configuration-supplied danger pattern.
type SafetyPattern struct {
	Name     string `yaml:"name"`
	Pattern  string `yaml:"pattern"`
	Severity string `yaml:"severity"`
}

var pickStrategies = map[string]bool{
	"priority":     true,
	"oldest":       true,
	"dependencies": true,
	"newest":       true,
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; import with fm project config import --file <path>", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Project.ID == "" {
		return fmt.Errorf("config.project.id is required")
	}
	if c.Project.Kind != "software-project" {
		return fmt.Errorf("config.project.kind must be 'software-project'")
	}
	if c.Defaults.PickStrategy != "" && !pickStrategies[c.Defaults.PickStrategy] {
		return fmt.Errorf("config.defaults.pick_strategy %q unknown", c.Defaults.PickStrategy)
	}
	if c.Defaults.GateTimeoutSeconds < 0 {
		return fmt.Errorf("config.defaults.gate_timeout_seconds must be >= 0")
	}
	for i, h := range c.Webhooks {
		if h.TimeoutSeconds < 0 {
			return fmt.Errorf("config.webhooks[%d].timeout_seconds must be >= 0", i)
		}
	}
	for i, p := range c.Safety.ExtraPatterns {
		if p.Name == "" || p.Pattern == "" {
			return fmt.Errorf("config.safety.extra_patterns[%d] requires name and pattern", i)
		}
		switch p.Severity {
		case "critical", "high", "medium":
		default:
			return fmt.Errorf("config.safety.extra_patterns[%d] severity must be critical, high or medium", i)
		}
	}
	return nil
}

// PickStrategy returns the configured strategy, defaulting to priority.
func (c *Config) PickStrategy() string {
	if c.Defaults.PickStrategy == "" {
		return "priority"
	}
	return c.Defaults.PickStrategy
}

// GateTimeoutSeconds returns the enforced gate execution bound. Gate commands
// always run under a timeout; zero config means the built-in default.
func (c *Config) GateTimeoutSeconds() int {
	if c.Defaults.GateTimeoutSeconds <= 0 {
		return 300
	}
	return c.Defaults.GateTimeoutSeconds
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "foreman.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(projectID string) string {
	return fmt.Sprintf(defaultTemplate, projectID)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct for a project.
func Default(projectID string) *Config {
	var cfg Config
	cfg.Project.ID = projectID
	cfg.Project.Kind = "software-project"
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, projectID))).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `project:
  id: %s
  kind: software-project

defaults:
  pick_strategy: priority
  gate_timeout_seconds: 300
  gate_workdir: ""

safety:
  extra_patterns: []

gates:
  catalog:
    tests:
      description: "Test suite passes"
    lint:
      description: "Linters report no findings"
    build:
      description: "Project builds cleanly"
    review:
      description: "Human review recorded"
`
