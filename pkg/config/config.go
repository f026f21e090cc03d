// Package config provides configuration loading and validation for the
// orchestration engine. Configuration is passed explicitly by value; there
// is no global instance, so session behavior never depends on hidden state.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"conductor/pkg/gate"
)

// Collaborator providers selectable for task execution.
const (
	ProviderMock      = "mock"
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
	ProviderGemini    = "gemini"
	ProviderOllama    = "ollama"
)

// Default engine parameters.
const (
	DefaultTaskTimeout     = 5 * time.Minute
	DefaultMaxConcurrent   = 8
	DefaultTokensPerMinute = 200000
	DefaultMaxOutputTokens = 4096
)

// ExecutorConfig selects and parameterizes the task-execution collaborator.
type ExecutorConfig struct {
	Provider  string `yaml:"provider"`
	Model     string `yaml:"model"`
	APIKeyEnv string `yaml:"api_key_env"` // environment variable holding the API key
	Host      string `yaml:"host"`        // ollama only
	MaxTokens int    `yaml:"max_tokens"`
}

// Config is the full engine configuration.
type Config struct {
	DefaultTaskTimeout time.Duration  `yaml:"default_task_timeout"`
	MaxConcurrentTasks int            `yaml:"max_concurrent_tasks"`
	TokensPerMinute    int            `yaml:"tokens_per_minute"`
	Executor           ExecutorConfig `yaml:"executor"`
	EventLogDir        string         `yaml:"event_log_dir"`
	DatabasePath       string         `yaml:"database_path"`
	Rules              []gate.Rule    `yaml:"rules"`
}

// Default returns the engine defaults, suitable for tests and for callers
// that configure programmatically.
func Default() Config {
	return Config{
		DefaultTaskTimeout: DefaultTaskTimeout,
		MaxConcurrentTasks: DefaultMaxConcurrent,
		TokensPerMinute:    DefaultTokensPerMinute,
		Executor: ExecutorConfig{
			Provider:  ProviderMock,
			MaxTokens: DefaultMaxOutputTokens,
		},
	}
}

// Load reads a YAML config file over the defaults and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the configuration for values the engine cannot run with.
func (c *Config) Validate() error {
	if c.DefaultTaskTimeout <= 0 {
		return fmt.Errorf("default_task_timeout must be positive, got %s", c.DefaultTaskTimeout)
	}
	if c.MaxConcurrentTasks <= 0 {
		return fmt.Errorf("max_concurrent_tasks must be positive, got %d", c.MaxConcurrentTasks)
	}
	if c.TokensPerMinute <= 0 {
		return fmt.Errorf("tokens_per_minute must be positive, got %d", c.TokensPerMinute)
	}

	switch c.Executor.Provider {
	case ProviderMock, ProviderAnthropic, ProviderOpenAI, ProviderGemini, ProviderOllama:
	default:
		return fmt.Errorf("unknown executor provider %q", c.Executor.Provider)
	}

	if c.Executor.MaxTokens <= 0 {
		return fmt.Errorf("executor max_tokens must be positive, got %d", c.Executor.MaxTokens)
	}

	for i := range c.Rules {
		rule := &c.Rules[i]
		if rule.Name == "" {
			return fmt.Errorf("rule %d: name is required", i)
		}
		if rule.Pattern == "" {
			return fmt.Errorf("rule %q: pattern is required", rule.Name)
		}
		switch rule.Severity {
		case gate.SeverityError, gate.SeverityWarning, gate.SeverityInfo:
		default:
			return fmt.Errorf("rule %q: unknown severity %q", rule.Name, rule.Severity)
		}
	}

	return nil
}

// APIKey resolves the collaborator API key from the configured environment
// variable, falling back to provider-conventional variables.
func (e *ExecutorConfig) APIKey() string {
	if e.APIKeyEnv != "" {
		return os.Getenv(e.APIKeyEnv)
	}
	switch e.Provider {
	case ProviderAnthropic:
		return os.Getenv("ANTHROPIC_API_KEY")
	case ProviderOpenAI:
		return os.Getenv("OPENAI_API_KEY")
	case ProviderGemini:
		return os.Getenv("GEMINI_API_KEY")
	default:
		return ""
	}
}
