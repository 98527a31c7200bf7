// Package config loads the YAML run configuration for a pipeline invocation.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/mykhaliev/org-promptgen/model"
	"github.com/mykhaliev/org-promptgen/templates"
	"gopkg.in/yaml.v3"
)

// RunConfig is the top-level structure for a run config file.
type RunConfig struct {
	Salesforce  model.Credentials  `yaml:"salesforce"`
	Providers   []model.Provider   `yaml:"providers"`
	UseCaseText string             `yaml:"use_cases"`
	Generation  GenerationSettings `yaml:"generation"`
	Session     SessionSettings    `yaml:"session"`
	Export      ExportSettings     `yaml:"export"`
}

// GenerationSettings controls the prompt generation behaviour.
type GenerationSettings struct {
	Provider    string `yaml:"provider"`     // provider name to generate with (defaults to first provider)
	PromptCount int    `yaml:"prompt_count"` // prompts per use case (default 3, bounds 1-20)
	Concurrency int    `yaml:"concurrency"`  // concurrent per-use-case calls (default 4)
}

// SessionSettings controls session lifecycle.
type SessionSettings struct {
	IdleTimeout string `yaml:"idle_timeout"` // Go duration string, default 45m
}

// ExportSettings controls where and how results are written.
type ExportSettings struct {
	Format string `yaml:"format"` // "structured" | "tabular" (default "structured")
	Path   string `yaml:"path"`   // output file path (default stdout)
}

func (g *GenerationSettings) applyDefaults() {
	if g.PromptCount <= 0 {
		g.PromptCount = model.DefaultPromptCount
	}
	if g.PromptCount > model.MaxPromptCount {
		g.PromptCount = model.MaxPromptCount
	}
	if g.Concurrency <= 0 {
		g.Concurrency = 4
	}
}

func (e *ExportSettings) applyDefaults() {
	if e.Format == "" {
		e.Format = "structured"
	}
}

// IdleTimeoutDuration parses the configured idle timeout, defaulting to 45
// minutes when unset or unparsable values error out.
func (s SessionSettings) IdleTimeoutDuration() (time.Duration, error) {
	if s.IdleTimeout == "" {
		return 45 * time.Minute, nil
	}
	d, err := time.ParseDuration(s.IdleTimeout)
	if err != nil {
		return 0, fmt.Errorf("invalid idle_timeout %q: %w", s.IdleTimeout, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("idle_timeout must be positive, got %q", s.IdleTimeout)
	}
	return d, nil
}

// ParseRunConfig reads and unmarshals a run config YAML file, applying
// defaults for omitted settings. Credential fields are rendered against the
// environment so secrets can be referenced as {{SF_PASSWORD}} instead of
// being written into the file.
func ParseRunConfig(path string) (*RunConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read run config %q: %w", path, err)
	}
	return ParseRunConfigFromString(string(data))
}

// ParseRunConfigFromString parses a run config from YAML text.
func ParseRunConfigFromString(definition string) (*RunConfig, error) {
	var cfg RunConfig
	if err := yaml.Unmarshal([]byte(definition), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML config: %w", err)
	}

	env := templates.AllEnv()
	cfg.Salesforce.Username = templates.Render(cfg.Salesforce.Username, env)
	cfg.Salesforce.Password = templates.Render(cfg.Salesforce.Password, env)
	cfg.Salesforce.SecurityToken = templates.Render(cfg.Salesforce.SecurityToken, env)
	cfg.Salesforce.Domain = templates.Render(cfg.Salesforce.Domain, env)

	cfg.Generation.applyDefaults()
	cfg.Export.applyDefaults()

	// Default generation provider to the first configured provider.
	if cfg.Generation.Provider == "" && len(cfg.Providers) > 0 {
		cfg.Generation.Provider = cfg.Providers[0].Name
	}

	return &cfg, nil
}
