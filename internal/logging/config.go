// internal/logging/config.go
package logging

import (
	"fmt"
	"regexp"
	"time"

	"github.com/fyrsmithlabs/cortexd/internal/config"
	"go.uber.org/zap/zapcore"
)

// Config holds logging configuration.
type Config struct {
	Level      zapcore.Level
	Format     string
	Output     OutputConfig
	Sampling   SamplingConfig
	Caller     CallerConfig
	Stacktrace zapcore.Level
	Fields     map[string]string
	Redaction  RedactionConfig
}

// OutputConfig controls where logs are written.
type OutputConfig struct {
	Stdout bool
	OTEL   bool
}

// SamplingConfig controls log volume reduction below error level.
type SamplingConfig struct {
	Enabled    bool
	Tick       config.Duration
	Initial    int
	Thereafter int
}

// CallerConfig controls caller information in logs.
type CallerConfig struct {
	Enabled bool
	Skip    int
}

// RedactionConfig lists field names and value patterns that never reach the
// log sink in clear text.
type RedactionConfig struct {
	Enabled  bool
	Fields   []string
	Patterns []string
}

// NewDefaultConfig returns production defaults.
//
// Question, answer and prompt text are redacted by field name: they can carry
// customer PII before DLP has run.
func NewDefaultConfig() *Config {
	return &Config{
		Level:  zapcore.InfoLevel,
		Format: "json",
		Output: OutputConfig{Stdout: true},
		Sampling: SamplingConfig{
			Enabled:    true,
			Tick:       config.Duration(time.Second),
			Initial:    100,
			Thereafter: 10,
		},
		Caller:     CallerConfig{Enabled: true, Skip: 1},
		Stacktrace: zapcore.ErrorLevel,
		Fields:     map[string]string{"service": "cortexd"},
		Redaction: RedactionConfig{
			Enabled: true,
			Fields: []string{
				"password", "secret", "token", "api_key", "x-api-key",
				"authorization", "bearer", "credential",
				"question", "answer", "prompt",
			},
			Patterns: []string{
				`(?i)bearer\s+\S+`,
				`(?i)api[_-]?key[=:]\s*\S+`,
			},
		},
	}
}

// FromSettings applies the level and format exposed in the service config.
func FromSettings(s config.LoggingConfig) (*Config, error) {
	cfg := NewDefaultConfig()
	if s.Level != "" {
		lvl, err := LevelFromString(s.Level)
		if err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", s.Level, err)
		}
		cfg.Level = lvl
	}
	if s.Format != "" {
		cfg.Format = s.Format
	}
	return cfg, cfg.Validate()
}

// Validate checks config for errors.
func (c *Config) Validate() error {
	if c.Format != "json" && c.Format != "console" {
		return fmt.Errorf("format must be 'json' or 'console', got %q", c.Format)
	}
	if !c.Output.Stdout && !c.Output.OTEL {
		return fmt.Errorf("at least one output must be enabled (stdout or otel)")
	}
	if c.Sampling.Enabled && c.Sampling.Tick.Duration() <= 0 {
		return fmt.Errorf("sampling tick must be > 0 when sampling enabled")
	}
	if c.Caller.Enabled && c.Caller.Skip < 0 {
		return fmt.Errorf("caller skip must be >= 0, got %d", c.Caller.Skip)
	}
	if c.Redaction.Enabled {
		for _, p := range c.Redaction.Patterns {
			if len(p) > 200 {
				return fmt.Errorf("redaction pattern too long (max 200 chars): %q", p)
			}
			if _, err := regexp.Compile(p); err != nil {
				return fmt.Errorf("invalid redaction pattern %q: %w", p, err)
			}
		}
	}
	for k, v := range c.Fields {
		if k == "" || v == "" {
			return fmt.Errorf("constant log field %q must have a non-empty key and value", k)
		}
	}
	return nil
}
