package config

import (
	"fmt"
	"time"
)

// Config is the daemon configuration, assembled from the YAML config file
// and environment variable overrides.
type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Store     StoreConfig     `koanf:"store"`
	NATS      NATSConfig      `koanf:"nats"`
	Runner    RunnerConfig    `koanf:"runner"`
	Consult   ConsultConfig   `koanf:"consult"`
	Verify    VerifyConfig    `koanf:"verify"`
	Git       GitConfig       `koanf:"git"`
	Secrets   SecretsConfig   `koanf:"secrets"`
	Logging   LoggingConfig   `koanf:"logging"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host            string   `koanf:"host"`
	Port            int      `koanf:"port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
}

// StoreConfig holds run state store settings.
type StoreConfig struct {
	// Dir is the root directory for per-run event logs.
	Dir string `koanf:"dir"`
}

// NATSConfig holds event bus settings. Publishing is optional; a disabled
// bus turns the publisher into a no-op.
type NATSConfig struct {
	Enabled       bool     `koanf:"enabled"`
	URL           string   `koanf:"url"`
	MaxReconnects int      `koanf:"max_reconnects"`
	ReconnectWait Duration `koanf:"reconnect_wait"`
}

// RunnerConfig holds agent runner settings.
type RunnerConfig struct {
	// Command is the agent executable; the rendered prompt is delivered on stdin.
	Command string   `koanf:"command"`
	Args    []string `koanf:"args"`
	WorkDir string   `koanf:"work_dir"`

	// Mode selects how the terminal signal is collected: "attached" parses the
	// captured output of the spawned process, "detached" watches SignalDir for
	// a signal file written by an externally managed agent session.
	Mode      string `koanf:"mode"`
	SignalDir string `koanf:"signal_dir"`

	// SignalTimeout bounds the wait for a terminal signal; expiry is an
	// implicit BLOCKED.
	SignalTimeout Duration `koanf:"signal_timeout"`
}

// ConsultConfig holds reviewer consultation settings.
type ConsultConfig struct {
	// Command is the reviewer executable; {reviewer} in Args is replaced
	// with the reviewer identity per dispatch. Falls back to the runner
	// command when empty.
	Command string   `koanf:"command"`
	Args    []string `koanf:"args"`

	// Timeout bounds each individual reviewer request.
	Timeout Duration `koanf:"timeout"`

	// OnUnavailable selects the quorum policy for UNAVAILABLE reviewers:
	// "exclude" (default) drops them from the tally, "block" treats any
	// UNAVAILABLE verdict as blocking.
	OnUnavailable string `koanf:"on_unavailable"`

	// RequestsPerMinute and Burst rate-limit dispatch per reviewer identity.
	RequestsPerMinute float64 `koanf:"requests_per_minute"`
	Burst             int     `koanf:"burst"`
}

// VerifyConfig holds verification check settings.
type VerifyConfig struct {
	// CheckTimeout bounds each check command execution.
	CheckTimeout Duration `koanf:"check_timeout"`
}

// GitConfig holds commit/push side effect settings.
type GitConfig struct {
	AuthorName  string   `koanf:"author_name"`
	AuthorEmail string   `koanf:"author_email"`
	Remote      string   `koanf:"remote"`
	PushTimeout Duration `koanf:"push_timeout"`
}

// SecretsConfig holds feedback scrubbing settings.
type SecretsConfig struct {
	Enabled bool `koanf:"enabled"`

	// ProjectPath is the directory searched for .gitleaks.toml; UserAllowlist
	// is an additional allowlist file. Both optional.
	ProjectPath   string `koanf:"project_path"`
	UserAllowlist string `koanf:"user_allowlist"`
}

// LoggingConfig holds log settings mapped onto the logging package at startup.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// TelemetryConfig holds OpenTelemetry export settings mapped onto the
// telemetry package at startup.
type TelemetryConfig struct {
	Enabled         bool     `koanf:"enabled"`
	Endpoint        string   `koanf:"endpoint"`
	Protocol        string   `koanf:"protocol"`
	ServiceName     string   `koanf:"service_name"`
	ServiceVersion  string   `koanf:"service_version"`
	Insecure        bool     `koanf:"insecure"`
	TLSSkipVerify   bool     `koanf:"tls_skip_verify"`
	SampleRate      float64  `koanf:"sample_rate"`
	MetricsInterval Duration `koanf:"metrics_interval"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
}

// Consultation quorum policies.
const (
	OnUnavailableExclude = "exclude"
	OnUnavailableBlock   = "block"
)

// Runner signal collection modes.
const (
	RunnerModeAttached = "attached"
	RunnerModeDetached = "detached"
)

// applyDefaults fills zero values with production defaults.
func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 9190
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = Duration(10 * time.Second)
	}

	if cfg.Store.Dir == "" {
		cfg.Store.Dir = "~/.local/share/conductd/runs"
	}

	if cfg.NATS.URL == "" {
		cfg.NATS.URL = "nats://localhost:4222"
	}
	if cfg.NATS.MaxReconnects == 0 {
		cfg.NATS.MaxReconnects = 5
	}
	if cfg.NATS.ReconnectWait == 0 {
		cfg.NATS.ReconnectWait = Duration(time.Second)
	}

	if cfg.Runner.Mode == "" {
		cfg.Runner.Mode = RunnerModeAttached
	}
	if cfg.Runner.SignalTimeout == 0 {
		cfg.Runner.SignalTimeout = Duration(15 * time.Minute)
	}

	if cfg.Consult.Timeout == 0 {
		cfg.Consult.Timeout = Duration(2 * time.Minute)
	}
	if cfg.Consult.OnUnavailable == "" {
		cfg.Consult.OnUnavailable = OnUnavailableExclude
	}
	if cfg.Consult.RequestsPerMinute == 0 {
		cfg.Consult.RequestsPerMinute = 30
	}
	if cfg.Consult.Burst == 0 {
		cfg.Consult.Burst = 3
	}

	if cfg.Verify.CheckTimeout == 0 {
		cfg.Verify.CheckTimeout = Duration(5 * time.Minute)
	}

	if cfg.Git.AuthorName == "" {
		cfg.Git.AuthorName = "conductd"
	}
	if cfg.Git.AuthorEmail == "" {
		cfg.Git.AuthorEmail = "conductd@localhost"
	}
	if cfg.Git.Remote == "" {
		cfg.Git.Remote = "origin"
	}
	if cfg.Git.PushTimeout == 0 {
		cfg.Git.PushTimeout = Duration(time.Minute)
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
		cfg.Telemetry.ServiceName = "conductd"
	}
	if cfg.Telemetry.ServiceVersion == "" {
		cfg.Telemetry.ServiceVersion = "0.1.0"
	}
	if cfg.Telemetry.SampleRate == 0 {
		cfg.Telemetry.SampleRate = 1.0
	}
	if cfg.Telemetry.MetricsInterval == 0 {
		cfg.Telemetry.MetricsInterval = Duration(15 * time.Second)
	}
	if cfg.Telemetry.ShutdownTimeout == 0 {
		cfg.Telemetry.ShutdownTimeout = Duration(5 * time.Second)
	}
}

// Validate checks the assembled configuration for errors.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 1-65535, got %d", c.Server.Port)
	}
	if c.Server.ShutdownTimeout.Duration() <= 0 {
		return fmt.Errorf("server.shutdown_timeout must be > 0")
	}

	if c.Store.Dir == "" {
		return fmt.Errorf("store.dir is required")
	}

	if c.NATS.Enabled && c.NATS.URL == "" {
		return fmt.Errorf("nats.url is required when nats is enabled")
	}

	switch c.Runner.Mode {
	case RunnerModeAttached, RunnerModeDetached:
	default:
		return fmt.Errorf("runner.mode must be %q or %q, got %q",
			RunnerModeAttached, RunnerModeDetached, c.Runner.Mode)
	}
	if c.Runner.Mode == RunnerModeDetached && c.Runner.SignalDir == "" {
		return fmt.Errorf("runner.signal_dir is required in detached mode")
	}
	if c.Runner.SignalTimeout.Duration() <= 0 {
		return fmt.Errorf("runner.signal_timeout must be > 0")
	}

	switch c.Consult.OnUnavailable {
	case OnUnavailableExclude, OnUnavailableBlock:
	default:
		return fmt.Errorf("consult.on_unavailable must be %q or %q, got %q",
			OnUnavailableExclude, OnUnavailableBlock, c.Consult.OnUnavailable)
	}
	if c.Consult.Timeout.Duration() <= 0 {
		return fmt.Errorf("consult.timeout must be > 0")
	}
	if c.Consult.RequestsPerMinute < 0 {
		return fmt.Errorf("consult.requests_per_minute cannot be negative")
	}

	if c.Verify.CheckTimeout.Duration() <= 0 {
		return fmt.Errorf("verify.check_timeout must be > 0")
	}

	if c.Telemetry.Enabled {
		if c.Telemetry.Endpoint == "" {
			return fmt.Errorf("telemetry.endpoint is required when telemetry is enabled")
		}
		if c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1 {
			return fmt.Errorf("telemetry.sample_rate must be 0.0-1.0, got %v", c.Telemetry.SampleRate)
		}
	}

	return nil
}
