// Package config provides configuration loading for phaseflow.
//
// Configuration is read from a YAML file and overridden by PHASEFLOW_*
// environment variables. Every section has usable defaults, so an empty
// file (or no file) yields a runnable local configuration.
package config

import (
	"errors"
	"fmt"
	"regexp"
	"time"
)

// Config holds the complete phaseflow configuration.
type Config struct {
	Server      ServerConfig      `koanf:"server"`
	Engine      EngineConfig      `koanf:"engine"`
	NATS        NATSConfig        `koanf:"nats"`
	Temporal    TemporalConfig    `koanf:"temporal"`
	Definitions DefinitionsConfig `koanf:"definitions"`
	Redaction   RedactionConfig   `koanf:"redaction"`
	Logging     LoggingConfig     `koanf:"logging"`
	Telemetry   TelemetryConfig   `koanf:"telemetry"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string   `koanf:"http_host"`
	Port            int      `koanf:"http_port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
}

// EngineConfig holds the orchestration defaults applied to every phase
// that does not set its own values.
type EngineConfig struct {
	TaskTimeout        Duration `koanf:"task_timeout"`
	MaxIterations      int      `koanf:"max_iterations"`
	RemediationTimeout Duration `koanf:"remediation_timeout"`
	TaskDeadline       Duration `koanf:"task_deadline"`
	DispatchRate       float64  `koanf:"dispatch_rate"`
	MaxConcurrency     int      `koanf:"max_concurrency"`

	// Executor selects the task backend: "nats" or "temporal".
	Executor string `koanf:"executor"`
	// Remediator selects the fix channel: "nats" or "manual".
	Remediator string `koanf:"remediator"`
	// Store selects the artifact store: "memory" or "jetstream".
	Store string `koanf:"store"`
}

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL            string   `koanf:"url"`
	Token          Secret   `koanf:"token"`
	SubjectPrefix  string   `koanf:"subject_prefix"`
	Bucket         string   `koanf:"bucket"`
	MaxReconnects  int      `koanf:"max_reconnects"`
	ReconnectWait  Duration `koanf:"reconnect_wait"`
	ConnectRetries int      `koanf:"connect_retries"`
}

// TemporalConfig holds Temporal client settings.
type TemporalConfig struct {
	HostPort    string `koanf:"host_port"`
	Namespace   string `koanf:"namespace"`
	TaskQueue   string `koanf:"task_queue"`
	DialRetries int    `koanf:"dial_retries"`
}

// DefinitionsConfig locates pipeline definition files.
type DefinitionsConfig struct {
	Dir   string `koanf:"dir"`
	Watch bool   `koanf:"watch"`
}

// RedactionConfig controls secret redaction in task failures.
type RedactionConfig struct {
	Enabled bool `koanf:"enabled"`
	// Allow lists regexes for values that look like secrets but are not.
	Allow []string `koanf:"allow"`
}

// LoggingConfig holds the subset of logging settings exposed in the file.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	// OTEL mirrors entries to the OpenTelemetry log bridge.
	OTEL bool `koanf:"otel"`
	// Sampled thins repeated entries below error level.
	Sampled    bool     `koanf:"sampled"`
	RedactKeys []string `koanf:"redact_keys"`
}

// TelemetryConfig holds OpenTelemetry export settings.
type TelemetryConfig struct {
	Enabled     bool    `koanf:"enabled"`
	Endpoint    string  `koanf:"endpoint"`
	Protocol    string  `koanf:"protocol"`
	Insecure    bool    `koanf:"insecure"`
	ServiceName string  `koanf:"service_name"`
	SampleRate  float64 `koanf:"sample_rate"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{
		Redaction: RedactionConfig{Enabled: true},
		Logging:   LoggingConfig{Sampled: true},
		Telemetry: TelemetryConfig{Insecure: true, SampleRate: 1.0},
	}
	applyDefaults(cfg)
	return cfg
}

// applyDefaults sets default values for missing configuration fields.
func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 9090
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = Duration(10 * time.Second)
	}

	if cfg.Engine.TaskTimeout == 0 {
		cfg.Engine.TaskTimeout = Duration(10 * time.Minute)
	}
	if cfg.Engine.MaxIterations == 0 {
		cfg.Engine.MaxIterations = 5
	}
	if cfg.Engine.RemediationTimeout == 0 {
		cfg.Engine.RemediationTimeout = Duration(15 * time.Minute)
	}
	if cfg.Engine.TaskDeadline == 0 {
		cfg.Engine.TaskDeadline = Duration(time.Hour)
	}
	if cfg.Engine.Executor == "" {
		cfg.Engine.Executor = "nats"
	}
	if cfg.Engine.Remediator == "" {
		cfg.Engine.Remediator = "manual"
	}
	if cfg.Engine.Store == "" {
		cfg.Engine.Store = "memory"
	}

	if cfg.NATS.URL == "" {
		cfg.NATS.URL = "nats://127.0.0.1:4222"
	}
	if cfg.NATS.SubjectPrefix == "" {
		cfg.NATS.SubjectPrefix = "phaseflow"
	}
	if cfg.NATS.Bucket == "" {
		cfg.NATS.Bucket = "phaseflow_artifacts"
	}
	if cfg.NATS.MaxReconnects == 0 {
		cfg.NATS.MaxReconnects = 10
	}
	if cfg.NATS.ReconnectWait == 0 {
		cfg.NATS.ReconnectWait = Duration(2 * time.Second)
	}
	if cfg.NATS.ConnectRetries == 0 {
		cfg.NATS.ConnectRetries = 5
	}

	if cfg.Temporal.HostPort == "" {
		cfg.Temporal.HostPort = "localhost:7233"
	}
	if cfg.Temporal.Namespace == "" {
		cfg.Temporal.Namespace = "default"
	}
	if cfg.Temporal.TaskQueue == "" {
		cfg.Temporal.TaskQueue = "phaseflow-tasks"
	}
	if cfg.Temporal.DialRetries == 0 {
		cfg.Temporal.DialRetries = 5
	}

	if cfg.Definitions.Dir == "" {
		cfg.Definitions.Dir = "pipelines"
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	if cfg.Telemetry.Endpoint == "" {
		cfg.Telemetry.Endpoint = "localhost:4317"
	}
	if cfg.Telemetry.Protocol == "" {
		cfg.Telemetry.Protocol = "grpc"
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "phaseflow"
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.http_port must be between 1 and 65535, got %d", c.Server.Port))
	}

	if c.Engine.MaxIterations < 1 {
		errs = append(errs, fmt.Errorf("engine.max_iterations must be >= 1, got %d", c.Engine.MaxIterations))
	}
	if c.Engine.DispatchRate < 0 {
		errs = append(errs, fmt.Errorf("engine.dispatch_rate cannot be negative"))
	}
	if c.Engine.MaxConcurrency < 0 {
		errs = append(errs, fmt.Errorf("engine.max_concurrency cannot be negative"))
	}
	switch c.Engine.Executor {
	case "nats", "temporal":
	default:
		errs = append(errs, fmt.Errorf("engine.executor must be 'nats' or 'temporal', got %q", c.Engine.Executor))
	}
	switch c.Engine.Remediator {
	case "nats", "manual":
	default:
		errs = append(errs, fmt.Errorf("engine.remediator must be 'nats' or 'manual', got %q", c.Engine.Remediator))
	}
	switch c.Engine.Store {
	case "memory", "jetstream":
	default:
		errs = append(errs, fmt.Errorf("engine.store must be 'memory' or 'jetstream', got %q", c.Engine.Store))
	}

	if c.NATS.SubjectPrefix == "" {
		errs = append(errs, errors.New("nats.subject_prefix is required"))
	}

	for _, pattern := range c.Redaction.Allow {
		if _, err := regexp.Compile(pattern); err != nil {
			errs = append(errs, fmt.Errorf("redaction.allow: invalid pattern %q: %w", pattern, err))
		}
	}

	switch c.Logging.Format {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("logging.format must be 'json' or 'console', got %q", c.Logging.Format))
	}

	if c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1 {
		errs = append(errs, fmt.Errorf("telemetry.sample_rate must be between 0 and 1, got %f", c.Telemetry.SampleRate))
	}
	switch c.Telemetry.Protocol {
	case "grpc", "http/protobuf":
	default:
		errs = append(errs, fmt.Errorf("telemetry.protocol must be 'grpc' or 'http/protobuf', got %q", c.Telemetry.Protocol))
	}

	return errors.Join(errs...)
}
