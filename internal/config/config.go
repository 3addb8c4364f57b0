// Package config loads and validates the Whereabouts YAML configuration.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the full application configuration loaded from YAML.
type Config struct {
	// AccountID identifies the account whose rows are read and written on
	// the backend. All devices under one account share a visit history.
	AccountID string `yaml:"account_id"`

	// DeviceID identifies this device in visit records and on the backend.
	// Defaults to the hostname if unset.
	DeviceID string `yaml:"device_id"`

	// Backend is the remote visit store shared across devices.
	Backend ServiceConfig `yaml:"backend"`

	// Bridge is the local positioning bridge that produces fixes and
	// geocodes them.
	Bridge ServiceConfig `yaml:"bridge"`

	// DBPath is the sqlite database location. Defaults to
	// ~/.local/share/whereabouts/state.db.
	DBPath string `yaml:"db_path"`

	// CheckInterval controls how often the foreground loop runs a location
	// check. Minimum 30s, maximum 1h. Defaults to 5m if unset.
	CheckInterval time.Duration `yaml:"check_interval"`

	// SyncInterval controls how often a full sync pass runs. Minimum 1m,
	// maximum 24h. Defaults to 15m if unset.
	SyncInterval time.Duration `yaml:"sync_interval"`

	// ProbeInterval controls how often connectivity is probed. Minimum 5s.
	// Defaults to 30s if unset.
	ProbeInterval time.Duration `yaml:"probe_interval"`

	// Telemetry configures optional OpenTelemetry export via OTLP gRPC.
	// Omit the block entirely to disable telemetry.
	Telemetry *TelemetryConfig `yaml:"telemetry,omitempty"`
}

// ServiceConfig is one HTTP collaborator: base URL plus bearer token.
type ServiceConfig struct {
	URL   string `yaml:"url"`
	Token string `yaml:"token"`
}

// TelemetryConfig holds optional OpenTelemetry settings.
type TelemetryConfig struct {
	// OTLPEndpoint is the gRPC host:port of the OTLP collector (e.g. "localhost:4317").
	OTLPEndpoint string `yaml:"otlp_endpoint"`

	// Insecure disables TLS for the collector connection. Use for local collectors.
	Insecure bool `yaml:"insecure"`

	// ServiceName overrides the OTel service.name attribute. Defaults to "whereabouts".
	ServiceName string `yaml:"service_name"`

	// Headers contains key-value pairs sent as gRPC metadata on every OTLP
	// request. Equivalent to the OTEL_EXPORTER_OTLP_HEADERS environment
	// variable. Use this for authentication tokens, e.g.:
	//   Authorization: "Bearer <token>"
	Headers map[string]string `yaml:"headers,omitempty"`
}

// DefaultPath returns the default config file path: ~/.config/whereabouts/config.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, ".config", "whereabouts", "config.yaml"), nil
}

// Load reads and validates the configuration file at the given path.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening config file %q: %w", path, err)
	}
	defer f.Close()

	var cfg Config
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true) // reject unknown keys to catch typos early
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %q: %w", path, err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required fields are present and well-formed.
func (c *Config) validate() error {
	if c.AccountID == "" {
		return fmt.Errorf("account_id is required")
	}

	if c.DeviceID == "" {
		host, err := os.Hostname()
		if err != nil {
			return fmt.Errorf("device_id is unset and the hostname could not be resolved: %w", err)
		}
		c.DeviceID = host
	}

	if err := c.Backend.validate("backend"); err != nil {
		return err
	}
	if err := c.Bridge.validate("bridge"); err != nil {
		return err
	}

	if c.CheckInterval == 0 {
		c.CheckInterval = 5 * time.Minute
	}
	if c.CheckInterval < 30*time.Second {
		return fmt.Errorf("check_interval %v is too short (minimum 30s)", c.CheckInterval)
	}
	if c.CheckInterval > time.Hour {
		return fmt.Errorf("check_interval %v is too long (maximum 1h)", c.CheckInterval)
	}

	if c.SyncInterval == 0 {
		c.SyncInterval = 15 * time.Minute
	}
	if c.SyncInterval < time.Minute {
		return fmt.Errorf("sync_interval %v is too short (minimum 1m)", c.SyncInterval)
	}
	if c.SyncInterval > 24*time.Hour {
		return fmt.Errorf("sync_interval %v is too long (maximum 24h)", c.SyncInterval)
	}

	if c.ProbeInterval == 0 {
		c.ProbeInterval = 30 * time.Second
	}
	if c.ProbeInterval < 5*time.Second {
		return fmt.Errorf("probe_interval %v is too short (minimum 5s)", c.ProbeInterval)
	}

	if c.Telemetry != nil {
		if c.Telemetry.OTLPEndpoint == "" {
			return fmt.Errorf("telemetry.otlp_endpoint is required when telemetry is configured")
		}
	}

	return nil
}

func (s *ServiceConfig) validate(name string) error {
	if s.URL == "" {
		return fmt.Errorf("%s.url is required", name)
	}
	u, err := url.ParseRequestURI(s.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("%s.url %q must be a valid http or https URL", name, s.URL)
	}
	if s.Token == "" {
		return fmt.Errorf("%s.token is required", name)
	}
	return nil
}
