package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mykhaliev/org-promptgen/model"
	"github.com/mykhaliev/org-promptgen/templates"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimalConfig = `
salesforce:
  username: probe@acme.example
  password: hunter2
providers:
  - name: main
    type: OPENAI
    model: gpt-4o
    token: test-key
use_cases: |
  Find accounts by name.
`

func TestParseRunConfigFromString_Defaults(t *testing.T) {
	templates.Init()

	cfg, err := ParseRunConfigFromString(minimalConfig)
	require.NoError(t, err)

	assert.Equal(t, "probe@acme.example", cfg.Salesforce.Username)
	assert.Equal(t, model.DefaultPromptCount, cfg.Generation.PromptCount)
	assert.Equal(t, 4, cfg.Generation.Concurrency)
	assert.Equal(t, "structured", cfg.Export.Format)
	assert.Equal(t, "main", cfg.Generation.Provider)
	assert.Contains(t, cfg.UseCaseText, "Find accounts")
}

func TestParseRunConfigFromString_EnvRendering(t *testing.T) {
	templates.Init()
	t.Setenv("SF_PASSWORD", "secret-from-env")
	t.Setenv("SF_TOKEN", "token-from-env")

	cfg, err := ParseRunConfigFromString(`
salesforce:
  username: probe@acme.example
  password: "{{SF_PASSWORD}}"
  security_token: "{{SF_TOKEN}}"
`)
	require.NoError(t, err)
	assert.Equal(t, "secret-from-env", cfg.Salesforce.Password)
	assert.Equal(t, "token-from-env", cfg.Salesforce.SecurityToken)
}

func TestParseRunConfigFromString_ExplicitSettings(t *testing.T) {
	templates.Init()

	cfg, err := ParseRunConfigFromString(`
generation:
  provider: backup
  prompt_count: 50
  concurrency: 2
session:
  idle_timeout: 10m
export:
  format: tabular
  path: out.csv
providers:
  - name: main
    type: OPENAI
  - name: backup
    type: ANTHROPIC
`)
	require.NoError(t, err)

	// prompt_count is clamped into the supported range.
	assert.Equal(t, model.MaxPromptCount, cfg.Generation.PromptCount)
	assert.Equal(t, 2, cfg.Generation.Concurrency)
	assert.Equal(t, "backup", cfg.Generation.Provider)
	assert.Equal(t, "tabular", cfg.Export.Format)
	assert.Equal(t, "out.csv", cfg.Export.Path)

	d, err := cfg.Session.IdleTimeoutDuration()
	require.NoError(t, err)
	assert.Equal(t, 10*time.Minute, d)
}

func TestIdleTimeoutDuration(t *testing.T) {
	d, err := SessionSettings{}.IdleTimeoutDuration()
	require.NoError(t, err)
	assert.Equal(t, 45*time.Minute, d)

	_, err = SessionSettings{IdleTimeout: "soon"}.IdleTimeoutDuration()
	require.Error(t, err)

	_, err = SessionSettings{IdleTimeout: "-5m"}.IdleTimeoutDuration()
	require.Error(t, err)
}

func TestParseRunConfig_File(t *testing.T) {
	templates.Init()

	path := filepath.Join(t.TempDir(), "run.yaml")
	require.NoError(t, os.WriteFile(path, []byte(minimalConfig), 0644))

	cfg, err := ParseRunConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "main", cfg.Generation.Provider)

	_, err = ParseRunConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestParseRunConfigFromString_BadYAML(t *testing.T) {
	templates.Init()

	_, err := ParseRunConfigFromString("salesforce: [")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse YAML config")
}
