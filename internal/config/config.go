// Package config loads and validates the runtime configuration. Files are
// YAML (or JSON5) with environment expansion and $include merging.
package config

import (
	"fmt"
	"time"
)

// Config is the root configuration for the extension runtime.
type Config struct {
	Runtime     RuntimeConfig     `yaml:"runtime"`
	Extensions  ExtensionsConfig  `yaml:"extensions"`
	Sessions    SessionsConfig    `yaml:"sessions"`
	Logging     LoggingConfig     `yaml:"logging"`
	Tracing     TracingConfig     `yaml:"tracing"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	EventLog    EventLogConfig    `yaml:"event_log"`
	Risk        RiskConfig        `yaml:"risk"`
	Conformance ConformanceConfig `yaml:"conformance"`
}

// RuntimeConfig bounds the runtime's scheduling and cleanup behavior.
type RuntimeConfig struct {
	// CleanupBudget bounds region shutdown (default 5s).
	CleanupBudget time.Duration `yaml:"cleanup_budget"`

	// HostcallTimeout is the default per-call timeout when the call does not
	// set timeout_ms. Zero means no default timeout.
	HostcallTimeout time.Duration `yaml:"hostcall_timeout"`

	// StreamBufferSize is the default streaming channel capacity.
	StreamBufferSize int `yaml:"stream_buffer_size"`

	// StreamStallTimeout is the default stall timer (default 30s).
	StreamStallTimeout time.Duration `yaml:"stream_stall_timeout"`
}

// ExtensionsConfig governs discovery and policy assignment.
type ExtensionsConfig struct {
	// Roots are the directories scanned for extensions, in precedence order:
	// installed packages, project-local, user-local.
	Roots []string `yaml:"roots"`

	// DefaultProfile is one of safe, balanced, permissive.
	DefaultProfile string `yaml:"default_profile"`

	// Profiles maps extension ID to a profile name, overriding the default.
	Profiles map[string]string `yaml:"profiles"`

	// Overrides maps extension ID to a partial capability -> decision map
	// (allow|warn|deny).
	Overrides map[string]map[string]string `yaml:"overrides"`

	// Watch enables fsnotify-driven rescans of the extension roots.
	Watch bool `yaml:"watch"`

	// RescanSchedule is an optional cron expression for periodic rescans.
	RescanSchedule string `yaml:"rescan_schedule"`
}

// SessionsConfig selects the session store backing.
type SessionsConfig struct {
	// Store is "memory" or "sqlite".
	Store string `yaml:"store"`

	// Path is the SQLite database path when Store is "sqlite".
	Path string `yaml:"path"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// TracingConfig configures OpenTelemetry tracing.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	SamplingRate float64 `yaml:"sampling_rate"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// EventLogConfig locates the persisted JSONL runtime event log.
type EventLogConfig struct {
	Path string `yaml:"path"`
}

// RiskConfig locates the append-only per-extension risk ledger.
type RiskConfig struct {
	LedgerPath string `yaml:"ledger_path"`
}

// ConformanceConfig locates the conformance corpus inclusion list.
type ConformanceConfig struct {
	CorpusPath string `yaml:"corpus_path"`
}

// Load reads and parses the configuration file, resolving includes and
// environment references, then applies defaults and validates.
func Load(path string) (*Config, error) {
	raw, err := LoadRaw(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg, err := decodeRawConfig(raw)
	if err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a configuration with all defaults applied and no roots.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Runtime.CleanupBudget == 0 {
		cfg.Runtime.CleanupBudget = 5 * time.Second
	}
	if cfg.Runtime.StreamBufferSize == 0 {
		cfg.Runtime.StreamBufferSize = 16
	}
	if cfg.Runtime.StreamStallTimeout == 0 {
		cfg.Runtime.StreamStallTimeout = 30 * time.Second
	}
	if cfg.Extensions.DefaultProfile == "" {
		cfg.Extensions.DefaultProfile = "balanced"
	}
	if cfg.Sessions.Store == "" {
		cfg.Sessions.Store = "memory"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Tracing.SamplingRate == 0 {
		cfg.Tracing.SamplingRate = 1.0
	}
	if cfg.Metrics.Addr == "" {
		cfg.Metrics.Addr = "127.0.0.1:9090"
	}
}

// Validate rejects configurations the runtime cannot honor.
func (c *Config) Validate() error {
	switch c.Extensions.DefaultProfile {
	case "safe", "balanced", "permissive":
	default:
		return fmt.Errorf("unknown default_profile %q", c.Extensions.DefaultProfile)
	}
	for extID, profile := range c.Extensions.Profiles {
		switch profile {
		case "safe", "balanced", "permissive":
		default:
			return fmt.Errorf("extension %s: unknown profile %q", extID, profile)
		}
	}
	for extID, overrides := range c.Extensions.Overrides {
		for cap, decision := range overrides {
			switch decision {
			case "allow", "warn", "deny":
			default:
				return fmt.Errorf("extension %s: capability %s: unknown decision %q", extID, cap, decision)
			}
		}
	}
	switch c.Sessions.Store {
	case "memory":
	case "sqlite":
		if c.Sessions.Path == "" {
			return fmt.Errorf("sessions.path is required for the sqlite store")
		}
	default:
		return fmt.Errorf("unknown sessions.store %q", c.Sessions.Store)
	}
	if c.Runtime.CleanupBudget < 0 || c.Runtime.StreamStallTimeout < 0 {
		return fmt.Errorf("durations must not be negative")
	}
	return nil
}
