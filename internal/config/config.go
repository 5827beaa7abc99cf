// Package config provides configuration loading for upgraded.
//
// Configuration is loaded from a YAML file with environment variable
// overrides. See LoadWithFile for precedence and security rules.
package config

import (
	"fmt"
	"time"
)

// Config holds the complete upgraded daemon configuration.
type Config struct {
	Server    ServerConfig    `koanf:"server"`
	NATS      NATSConfig      `koanf:"nats"`
	Workspace WorkspaceConfig `koanf:"workspace"`
	Episodic  EpisodicConfig  `koanf:"episodic"`
	Agent     AgentConfig     `koanf:"agent"`
	Session   SessionConfig   `koanf:"session"`
	Modes     ModesConfig     `koanf:"modes"`
	Guard     GuardConfig     `koanf:"guard"`
	Logging   LoggingConfig   `koanf:"logging"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port            int      `koanf:"http_port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`

	// ToggleRate limits POST /v1/toggle and POST /v1/sessions per client
	// (requests per second, with ToggleBurst allowed in a burst).
	ToggleRate  float64 `koanf:"toggle_rate"`
	ToggleBurst int     `koanf:"toggle_burst"`
}

// NATSConfig selects the event bus transport. With Embedded set the daemon
// runs an in-process NATS server on a loopback port; otherwise it connects
// to URL.
type NATSConfig struct {
	Embedded bool   `koanf:"embedded"`
	URL      string `koanf:"url"`
	Token    Secret `koanf:"token"`
}

// WorkspaceConfig controls variant workspace placement and drift detection.
type WorkspaceConfig struct {
	// Root is the directory under which per-session workspace trees are
	// created. Supports a leading "~".
	Root string `koanf:"root"`

	// WatchDrift enables the fsnotify watcher over the canonical target for
	// the duration of a session.
	WatchDrift bool `koanf:"watch_drift"`
}

// EpisodicConfig locates the episodic memory store.
type EpisodicConfig struct {
	// Path is the sqlite database file. Supports a leading "~".
	Path string `koanf:"path"`
}

// AgentConfig names the agent binary run for every variant attempt. The
// executor starts it inside the variant workspace and passes attempt
// metadata through UPGRADED_* environment variables.
type AgentConfig struct {
	Command string `koanf:"command"`

	// Args are static arguments passed on every invocation.
	Args []string `koanf:"args"`

	// Env is extra agent environment in KEY=VALUE form.
	Env []string `koanf:"env"`
}

// SessionConfig holds default session budgets. An explicit budget in a
// session request overrides these.
type SessionConfig struct {
	MaxRounds              int      `koanf:"max_rounds"`
	RoundTimeout           Duration `koanf:"round_timeout"`
	GracePeriod            Duration `koanf:"grace_period"`
	MaxIndeterminateRounds int      `koanf:"max_indeterminate_rounds"`
}

// ModesConfig tunes mode descriptors at load time. Modes are fixed once the
// registry is built; these values are never re-read mid-run.
type ModesConfig struct {
	// RefinerBias is the evaluator tie-break nudge applied to the refiner
	// role in the dual modes.
	RefinerBias float64 `koanf:"refiner_bias"`

	// Guidance overrides built-in executor instructions. A "<mode>:<role>"
	// key replaces that role's instruction; a bare "<mode>" key is appended
	// to every role's instruction as operator guidance.
	Guidance map[string]string `koanf:"guidance"`
}

// GuardConfig controls the pre-merge secret scan of variant changes.
type GuardConfig struct {
	Enabled bool `koanf:"enabled"`

	// AllowlistFile names the TOML allowlist relative to the target root.
	AllowlistFile string `koanf:"allowlist_file"`
}

// LoggingConfig holds the app-level logging knobs mapped onto the logging
// package's config at boot.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// TelemetryConfig holds the app-level telemetry knobs mapped onto the
// telemetry package's config at boot.
type TelemetryConfig struct {
	Enabled        bool     `koanf:"enabled"`
	Endpoint       string   `koanf:"endpoint"`
	Protocol       string   `koanf:"protocol"`
	Insecure       bool     `koanf:"insecure"`
	SampleRate     float64  `koanf:"sample_rate"`
	MetricsEnabled bool     `koanf:"metrics_enabled"`
	ExportInterval Duration `koanf:"export_interval"`
}

// ServiceName identifies the daemon in telemetry and health responses.
const ServiceName = "upgraded"

// NewDefaultConfig returns the configuration used when no file and no
// environment overrides are present.
func NewDefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8777,
			ShutdownTimeout: Duration(10 * time.Second),
			ToggleRate:      5,
			ToggleBurst:     10,
		},
		NATS: NATSConfig{
			Embedded: true,
			URL:      "nats://127.0.0.1:4222",
		},
		Workspace: WorkspaceConfig{
			Root:       "~/.local/state/upgraded/workspaces",
			WatchDrift: true,
		},
		Episodic: EpisodicConfig{
			Path: "~/.local/state/upgraded/episodic.db",
		},
		Agent: AgentConfig{
			Command: "upgrade-agent",
		},
		Session: SessionConfig{
			MaxRounds:              4,
			RoundTimeout:           Duration(10 * time.Minute),
			GracePeriod:            Duration(10 * time.Second),
			MaxIndeterminateRounds: 2,
		},
		Modes: ModesConfig{
			RefinerBias: 0.05,
		},
		Guard: GuardConfig{
			Enabled:       true,
			AllowlistFile: ".upgraded-allowlist.toml",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Telemetry: TelemetryConfig{
			Enabled:        false,
			Endpoint:       "localhost:4317",
			Protocol:       "grpc",
			Insecure:       true,
			SampleRate:     1.0,
			MetricsEnabled: true,
			ExportInterval: Duration(15 * time.Second),
		},
	}
}

// applyDefaults sets default values for fields the file and environment left
// at their zero value.
func applyDefaults(cfg *Config) {
	def := NewDefaultConfig()

	if cfg.Server.Port == 0 {
		cfg.Server.Port = def.Server.Port
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = def.Server.ShutdownTimeout
	}
	if cfg.Server.ToggleRate == 0 {
		cfg.Server.ToggleRate = def.Server.ToggleRate
	}
	if cfg.Server.ToggleBurst == 0 {
		cfg.Server.ToggleBurst = def.Server.ToggleBurst
	}

	if cfg.NATS.URL == "" {
		cfg.NATS.URL = def.NATS.URL
	}

	if cfg.Workspace.Root == "" {
		cfg.Workspace.Root = def.Workspace.Root
	}

	if cfg.Episodic.Path == "" {
		cfg.Episodic.Path = def.Episodic.Path
	}

	if cfg.Agent.Command == "" {
		cfg.Agent.Command = def.Agent.Command
	}

	if cfg.Session.MaxRounds == 0 {
		cfg.Session.MaxRounds = def.Session.MaxRounds
	}
	if cfg.Session.RoundTimeout == 0 {
		cfg.Session.RoundTimeout = def.Session.RoundTimeout
	}
	if cfg.Session.GracePeriod == 0 {
		cfg.Session.GracePeriod = def.Session.GracePeriod
	}
	if cfg.Session.MaxIndeterminateRounds == 0 {
		cfg.Session.MaxIndeterminateRounds = def.Session.MaxIndeterminateRounds
	}

	if cfg.Modes.RefinerBias == 0 {
		cfg.Modes.RefinerBias = def.Modes.RefinerBias
	}

	if cfg.Guard.AllowlistFile == "" {
		cfg.Guard.AllowlistFile = def.Guard.AllowlistFile
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = def.Logging.Level
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = def.Logging.Format
	}

	if cfg.Telemetry.Endpoint == "" {
		cfg.Telemetry.Endpoint = def.Telemetry.Endpoint
	}
	if cfg.Telemetry.Protocol == "" {
		cfg.Telemetry.Protocol = def.Telemetry.Protocol
	}
	if cfg.Telemetry.SampleRate == 0 {
		cfg.Telemetry.SampleRate = def.Telemetry.SampleRate
	}
	if cfg.Telemetry.ExportInterval == 0 {
		cfg.Telemetry.ExportInterval = def.Telemetry.ExportInterval
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d (must be 1-65535)", c.Server.Port)
	}
	if c.Server.ShutdownTimeout.Duration() <= 0 {
		return fmt.Errorf("shutdown timeout must be positive")
	}
	if c.Server.ToggleRate <= 0 {
		return fmt.Errorf("toggle rate must be positive, got %f", c.Server.ToggleRate)
	}
	if c.Server.ToggleBurst < 1 {
		return fmt.Errorf("toggle burst must be at least 1, got %d", c.Server.ToggleBurst)
	}

	if !c.NATS.Embedded && c.NATS.URL == "" {
		return fmt.Errorf("nats url is required when embedded server is disabled")
	}

	if c.Workspace.Root == "" {
		return fmt.Errorf("workspace root is required")
	}

	if c.Episodic.Path == "" {
		return fmt.Errorf("episodic path is required")
	}

	if c.Agent.Command == "" {
		return fmt.Errorf("agent command is required")
	}

	if c.Session.MaxRounds < 1 {
		return fmt.Errorf("session max_rounds must be at least 1, got %d", c.Session.MaxRounds)
	}
	if c.Session.RoundTimeout.Duration() <= 0 {
		return fmt.Errorf("session round_timeout must be positive")
	}
	if c.Session.GracePeriod.Duration() <= 0 {
		return fmt.Errorf("session grace_period must be positive")
	}
	if c.Session.MaxIndeterminateRounds < 1 {
		return fmt.Errorf("session max_indeterminate_rounds must be at least 1, got %d", c.Session.MaxIndeterminateRounds)
	}

	if c.Modes.RefinerBias < 0 || c.Modes.RefinerBias >= 1 {
		return fmt.Errorf("modes refiner_bias must be in [0, 1), got %f", c.Modes.RefinerBias)
	}

	if c.Telemetry.Enabled {
		if c.Telemetry.Endpoint == "" {
			return fmt.Errorf("telemetry endpoint is required when telemetry is enabled")
		}
		if c.Telemetry.Protocol != "grpc" && c.Telemetry.Protocol != "http/protobuf" {
			return fmt.Errorf("telemetry protocol must be 'grpc' or 'http/protobuf', got %q", c.Telemetry.Protocol)
		}
		if c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1 {
			return fmt.Errorf("telemetry sample_rate must be between 0 and 1, got %f", c.Telemetry.SampleRate)
		}
	}

	return nil
}
