// ABOUTME: Configuration loading and parsing for courier-hub
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete courier-hub configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale"`
	Database  DatabaseConfig  `yaml:"database"`
	Identity  IdentityConfig  `yaml:"identity"`
	Auth      AuthConfig      `yaml:"auth"`
	Webhook   WebhookConfig   `yaml:"webhook"`
	Whitelist WhitelistConfig `yaml:"whitelist"`
	Transport TransportConfig `yaml:"transport"`
	Reply     ReplyConfig     `yaml:"reply"`
	Push      PushConfig      `yaml:"push"`
	Logging   LoggingConfig   `yaml:"logging"`
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
	CertFile  string `yaml:"cert_file"` // TLS cert file (generate via: tailscale cert <hostname>)
	KeyFile   string `yaml:"key_file"`  // TLS key file
	Funnel    bool   `yaml:"funnel"`    // Enable public Funnel (implies HTTPS)
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// IdentityConfig identifies the local messaging handle the hub relays for.
// Messages sent by or addressed from this handle are treated as the hub's own.
type IdentityConfig struct {
	Address string `yaml:"address"`
}

// AuthConfig holds authentication configuration.
// An empty JWTSecret disables authenticated client endpoints.
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

// WebhookConfig holds inbound webhook verification configuration
type WebhookConfig struct {
	Secret string `yaml:"secret"`
}

// WhitelistConfig holds the outbound recipient allow list.
// An empty list means no outbound sends are permitted.
type WhitelistConfig struct {
	AllowedRecipients []string `yaml:"allowed_recipients"`
}

// TransportConfig holds the outbound message API configuration
type TransportConfig struct {
	APIURL string `yaml:"api_url"`
	APIKey string `yaml:"api_key"`

	Timeout time.Duration `yaml:"-"`

	// Raw string value for YAML unmarshaling
	TimeoutRaw string `yaml:"timeout"`
}

// ReplyConfig holds automatic reply generation configuration
type ReplyConfig struct {
	Enabled      bool   `yaml:"enabled"`
	BaseURL      string `yaml:"base_url"`
	APIKey       string `yaml:"api_key"`
	Model        string `yaml:"model"`
	Persona      string `yaml:"persona"`
	PersonasFile string `yaml:"personas_file"`

	Timeout time.Duration `yaml:"-"`

	// Raw string value for YAML unmarshaling
	TimeoutRaw string `yaml:"timeout"`
}

// PushConfig holds push notification delivery configuration.
// An empty Endpoint disables push delivery.
type PushConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AuthToken string `yaml:"auth_token"`
	Topic     string `yaml:"topic"`

	Timeout time.Duration `yaml:"-"`

	// Raw string value for YAML unmarshaling
	TimeoutRaw string `yaml:"timeout"`
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

	// Parse duration fields
	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	// Match ${VAR_NAME} pattern
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	// Server address is required unless Tailscale is enabled
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required (or enable tailscale)")
	}

	// Tailscale requires a hostname
	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if c.Identity.Address == "" {
		return fmt.Errorf("identity.address is required")
	}

	if c.Webhook.Secret == "" {
		return fmt.Errorf("webhook.secret is required")
	}

	if c.Transport.APIURL == "" {
		return fmt.Errorf("transport.api_url is required")
	}

	if c.Reply.Enabled {
		if c.Reply.APIKey == "" {
			return fmt.Errorf("reply.api_key is required when reply is enabled")
		}
		if c.Reply.Model == "" {
			return fmt.Errorf("reply.model is required when reply is enabled")
		}
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Transport.TimeoutRaw != "" {
		cfg.Transport.Timeout, err = time.ParseDuration(cfg.Transport.TimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing transport.timeout %q: %w", cfg.Transport.TimeoutRaw, err)
		}
	}

	if cfg.Reply.TimeoutRaw != "" {
		cfg.Reply.Timeout, err = time.ParseDuration(cfg.Reply.TimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing reply.timeout %q: %w", cfg.Reply.TimeoutRaw, err)
		}
	}

	if cfg.Push.TimeoutRaw != "" {
		cfg.Push.Timeout, err = time.ParseDuration(cfg.Push.TimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing push.timeout %q: %w", cfg.Push.TimeoutRaw, err)
		}
	}

	return nil
}
