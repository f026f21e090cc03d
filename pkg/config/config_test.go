package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conductor/pkg/gate"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.NoError(t, cfg.Validate())
	assert.Equal(t, DefaultTaskTimeout, cfg.DefaultTaskTimeout)
	assert.Equal(t, ProviderMock, cfg.Executor.Provider)
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "conductor.yaml")

	content := `
default_task_timeout: 90s
max_concurrent_tasks: 4
executor:
  provider: anthropic
  model: claude-sonnet-4-20250514
  api_key_env: TEST_API_KEY
rules:
  - name: has-title
    pattern: "(?m)^# "
    severity: ERROR
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, cfg.DefaultTaskTimeout)
	assert.Equal(t, 4, cfg.MaxConcurrentTasks)
	assert.Equal(t, DefaultTokensPerMinute, cfg.TokensPerMinute, "unset fields keep defaults")
	assert.Equal(t, ProviderAnthropic, cfg.Executor.Provider)
	require.Len(t, cfg.Rules, 1)
	assert.Equal(t, gate.SeverityError, cfg.Rules[0].Severity)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestValidateRejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero timeout", func(c *Config) { c.DefaultTaskTimeout = 0 }},
		{"zero concurrency", func(c *Config) { c.MaxConcurrentTasks = 0 }},
		{"zero token budget", func(c *Config) { c.TokensPerMinute = 0 }},
		{"unknown provider", func(c *Config) { c.Executor.Provider = "carrier-pigeon" }},
		{"zero max tokens", func(c *Config) { c.Executor.MaxTokens = 0 }},
		{"rule without name", func(c *Config) {
			c.Rules = []gate.Rule{{Pattern: "x", Severity: gate.SeverityInfo}}
		}},
		{"rule without pattern", func(c *Config) {
			c.Rules = []gate.Rule{{Name: "r", Severity: gate.SeverityInfo}}
		}},
		{"rule bad severity", func(c *Config) {
			c.Rules = []gate.Rule{{Name: "r", Pattern: "x", Severity: "FATAL"}}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestAPIKeyResolution(t *testing.T) {
	t.Setenv("CUSTOM_KEY", "custom-secret")
	t.Setenv("ANTHROPIC_API_KEY", "anthropic-secret")

	custom := ExecutorConfig{Provider: ProviderAnthropic, APIKeyEnv: "CUSTOM_KEY"}
	assert.Equal(t, "custom-secret", custom.APIKey())

	conventional := ExecutorConfig{Provider: ProviderAnthropic}
	assert.Equal(t, "anthropic-secret", conventional.APIKey())

	mock := ExecutorConfig{Provider: ProviderMock}
	assert.Equal(t, "", mock.APIKey())
}
