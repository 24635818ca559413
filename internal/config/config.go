package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models mergeline.yml.
type Config struct {
	Engine struct {
		MaxBatch            int `yaml:"max_batch"`
		MaxConcurrentGroups int `yaml:"max_concurrent_groups"`
	} `yaml:"engine"`
	Defaults struct {
		Strategy     string   `yaml:"strategy"`
		DeleteBranch bool     `yaml:"delete_branch"`
		MergeDelay   Duration `yaml:"merge_delay"`
	} `yaml:"defaults"`
	Providers map[string]Provider `yaml:"providers"`
}

// Duration parses yaml values like "5s" or "250ms".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		var n int64
		if err := value.Decode(&n); err != nil {
			return fmt.Errorf("invalid duration %q", value.Value)
		}
		*d = Duration(time.Duration(n))
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

type Provider struct {
	BaseURL string `yaml:"base_url"`
	Token   string `yaml:"token"`
}

var validStrategies = map[string]bool{"merge": true, "squash": true, "rebase": true}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Engine.MaxBatch < 1 {
		return fmt.Errorf("config.engine.max_batch must be >= 1")
	}
	if c.Engine.MaxConcurrentGroups < 1 {
		return fmt.Errorf("config.engine.max_concurrent_groups must be >= 1")
	}
	if !validStrategies[c.Defaults.Strategy] {
		return fmt.Errorf("config.defaults.strategy must be one of merge, squash, rebase")
	}
	if c.Defaults.MergeDelay < 0 {
		return fmt.Errorf("config.defaults.merge_delay must not be negative")
	}
	for name, p := range c.Providers {
		switch name {
		case "github", "gitlab":
		default:
			return fmt.Errorf("config.providers: unknown provider %s", name)
		}
		if p.Token == "" {
			return fmt.Errorf("config.providers.%s.token is required", name)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "mergeline.yml")
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one or run with defaults via 'ml init'", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the defaults if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the built-in config: batch cap 50, four concurrent
// repository groups, plain merges with no pacing delay.
func Default() *Config {
	var cfg Config
	cfg.Engine.MaxBatch = 50
	cfg.Engine.MaxConcurrentGroups = 4
	cfg.Defaults.Strategy = "merge"
	cfg.Defaults.DeleteBranch = false
	cfg.Defaults.MergeDelay = 0
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Omitted engine
// and defaults fields fall back to the built-in values.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if cfg.Engine.MaxBatch == 0 {
		cfg.Engine.MaxBatch = 50
	}
	if cfg.Engine.MaxConcurrentGroups == 0 {
		cfg.Engine.MaxConcurrentGroups = 4
	}
	if cfg.Defaults.Strategy == "" {
		cfg.Defaults.Strategy = "merge"
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// GenerateDefault returns default config YAML for 'ml init'.
func GenerateDefault() string {
	return defaultTemplate
}

const defaultTemplate = `engine:
  max_batch: 50
  max_concurrent_groups: 4

defaults:
  strategy: merge
  delete_branch: false
  merge_delay: 0s

providers:
  github:
    base_url: https://api.github.com
    token: ${GITHUB_TOKEN}
  gitlab:
    base_url: https://gitlab.com/api/v4
    token: ${GITLAB_TOKEN}
`
