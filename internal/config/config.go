// ABOUTME: Configuration loading and parsing for passkey-gateway
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete passkey-gateway configuration
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Tailscale    TailscaleConfig    `yaml:"tailscale"`
	Database     DatabaseConfig     `yaml:"database"`
	RelyingParty RelyingPartyConfig `yaml:"relying_party"`
	Session      SessionConfig      `yaml:"session"`
	Admission    AdmissionConfig    `yaml:"admission"`
	Logging      LoggingConfig      `yaml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Hostname  string `yaml:"hostname"`
	AuthKey   string `yaml:"auth_key"`
	StateDir  string `yaml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral"`
	HTTPS     bool   `yaml:"https"`  // Serve TLS with Tailscale-provisioned certs
	Funnel    bool   `yaml:"funnel"` // Enable public Funnel (implies HTTPS)
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// RelyingPartyConfig identifies this service to authenticators. BaseURL
// is the externally visible origin; the WebAuthn RP ID is derived from
// its hostname.
type RelyingPartyConfig struct {
	BaseURL     string `yaml:"base_url"`
	DisplayName string `yaml:"display_name"`
}

// SessionConfig holds session issuance configuration
type SessionConfig struct {
	// Secret enables signed session tokens when set. Sessions remain
	// revocable either way; the signature only rejects tampering early.
	Secret   string        `yaml:"secret"`
	Duration time.Duration `yaml:"-"`

	DurationRaw string `yaml:"duration"`
}

// AdmissionConfig holds ceremony-start rate limiting configuration
type AdmissionConfig struct {
	Limit      int           `yaml:"limit"`
	MaxClients int           `yaml:"max_clients"`
	Window     time.Duration `yaml:"-"`

	// TrustProxyHeader keys the limiter on X-Forwarded-For. Only enable
	// behind a proxy that overwrites the header; a direct client could
	// otherwise rotate it to dodge the limit.
	TrustProxyHeader bool `yaml:"trust_proxy_header"`

	WindowRaw string `yaml:"window"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

func (c *Config) applyDefaults() {
	if c.RelyingParty.DisplayName == "" {
		c.RelyingParty.DisplayName = "Passkey Gateway"
	}
	if c.Admission.Limit == 0 {
		c.Admission.Limit = 10
	}
	if c.Admission.MaxClients == 0 {
		c.Admission.MaxClients = 10000
	}
	if c.Admission.Window == 0 {
		c.Admission.Window = time.Minute
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	// A server address is required unless Tailscale provides the listener
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required (or enable tailscale)")
	}

	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if c.RelyingParty.BaseURL == "" {
		return fmt.Errorf("relying_party.base_url is required")
	}

	if c.Session.Duration < 0 {
		return fmt.Errorf("session.duration must be positive")
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Session.DurationRaw != "" {
		cfg.Session.Duration, err = time.ParseDuration(cfg.Session.DurationRaw)
		if err != nil {
			return fmt.Errorf("parsing session duration %q: %w", cfg.Session.DurationRaw, err)
		}
	}

	if cfg.Admission.WindowRaw != "" {
		cfg.Admission.Window, err = time.ParseDuration(cfg.Admission.WindowRaw)
		if err != nil {
			return fmt.Errorf("parsing admission window %q: %w", cfg.Admission.WindowRaw, err)
		}
	}

	return nil
}
