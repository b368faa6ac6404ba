package logging

import (
	"fmt"
	"regexp"
	"time"

	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/phaseflow/internal/config"
)

// TraceLevel sits below Debug for per-attempt payload dumps.
const TraceLevel = zapcore.Level(-2)

// Config controls the logger built by NewLogger.
type Config struct {
	Level  zapcore.Level
	Format string // "json" or "console"

	Stdout bool
	OTEL   bool

	Sampling  Sampling
	Redaction Redaction

	// Caller adds the call site to every entry.
	Caller bool
	// Fields are attached to every entry.
	Fields map[string]string
}

// Sampling thins repeated entries below error level within each tick.
type Sampling struct {
	Enabled    bool
	Tick       time.Duration
	Initial    int
	Thereafter int
}

// Redaction masks sensitive values before entries reach stdout. Keys are
// masked whole; patterns are replaced inside any string value.
type Redaction struct {
	Enabled  bool
	Keys     []string
	Patterns []string
}

// NewDefaultConfig returns the production defaults.
func NewDefaultConfig() *Config {
	return &Config{
		Level:  zapcore.InfoLevel,
		Format: "json",
		Stdout: true,
		Sampling: Sampling{
			Enabled:    true,
			Tick:       time.Second,
			Initial:    100,
			Thereafter: 10,
		},
		Redaction: Redaction{
			Enabled: true,
			Keys:    []string{"token", "password", "authorization", "secret", "credentials"},
			Patterns: []string{
				`(?i)bearer\s+\S+`,
				`(?i)(api[_-]?key|token)[=:]\s*\S+`,
				`nats://[^:@/\s]+:[^@/\s]+@`,
			},
		},
		Caller: true,
		Fields: map[string]string{"service": "phaseflow"},
	}
}

// FromSettings builds a logger config from the logging section of the
// config file.
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
	cfg.OTEL = s.OTEL
	cfg.Sampling.Enabled = s.Sampled
	cfg.Redaction.Keys = append(cfg.Redaction.Keys, s.RedactKeys...)
	return cfg, cfg.Validate()
}

// LevelFromString parses a level name, including "trace".
func LevelFromString(level string) (zapcore.Level, error) {
	if level == "trace" {
		return TraceLevel, nil
	}
	var l zapcore.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return zapcore.InfoLevel, err
	}
	return l, nil
}

// Validate checks c for errors.
func (c *Config) Validate() error {
	if c.Format != "json" && c.Format != "console" {
		return fmt.Errorf("format must be 'json' or 'console', got %q", c.Format)
	}
	if !c.Stdout && !c.OTEL {
		return fmt.Errorf("at least one output must be enabled (stdout or otel)")
	}
	if c.Sampling.Enabled && c.Sampling.Tick <= 0 {
		return fmt.Errorf("sampling tick must be > 0 when sampling is enabled")
	}
	for _, pattern := range c.Redaction.Patterns {
		if len(pattern) > maxPatternLen {
			return fmt.Errorf("redaction pattern too long (max %d chars): %q", maxPatternLen, pattern)
		}
		if _, err := regexp.Compile(pattern); err != nil {
			return fmt.Errorf("invalid redaction pattern %q: %w", pattern, err)
		}
	}
	for k, v := range c.Fields {
		if k == "" || v == "" {
			return fmt.Errorf("static field %q must have a key and a value", k)
		}
	}
	return nil
}
