// ABOUTME: Configuration loading and parsing for catalyst-gateway
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete catalyst-gateway configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Auth      AuthConfig      `yaml:"auth"`
	Agents    AgentsConfig    `yaml:"agents"`
	Clients   ClientsConfig   `yaml:"clients"`
	Limits    LimitsConfig    `yaml:"limits"`
	Backups   BackupsConfig   `yaml:"backups"`
	Templates TemplatesConfig `yaml:"templates"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig holds the listen address for the websocket/HTTP server
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

// AgentsConfig holds agent-population timing and capacity configuration
type AgentsConfig struct {
	HeartbeatInterval time.Duration `yaml:"-"`
	HeartbeatTimeout  time.Duration `yaml:"-"`
	HandshakeDeadline time.Duration `yaml:"-"`
	MaxConnections    int           `yaml:"max_connections"`

	// Raw string values for YAML unmarshaling
	HeartbeatIntervalRaw string `yaml:"heartbeat_interval"`
	HeartbeatTimeoutRaw  string `yaml:"heartbeat_timeout"`
	HandshakeDeadlineRaw string `yaml:"handshake_deadline"`
}

// ClientsConfig holds client-population timing and capacity configuration
type ClientsConfig struct {
	HandshakeDeadline time.Duration `yaml:"-"`
	MaxConnections    int           `yaml:"max_connections"`
	MaxPerUser        int           `yaml:"max_per_user"`

	HandshakeDeadlineRaw string `yaml:"handshake_deadline"`
}

// LimitsConfig holds rate limiting configuration
type LimitsConfig struct {
	SettingsTTL time.Duration `yaml:"-"`

	// ConsoleBytesPerSecond caps agent console output persisted per server.
	ConsoleBytesPerSecond int `yaml:"console_bytes_per_second"`

	// MaxPendingRequests caps outstanding agent request/response pairs.
	MaxPendingRequests int `yaml:"max_pending_requests"`

	// EnforceSuspension rejects console/control traffic for suspended servers.
	EnforceSuspension bool `yaml:"enforce_suspension"`

	SettingsTTLRaw string `yaml:"settings_ttl"`
}

// BackupsConfig holds backup storage configuration
type BackupsConfig struct {
	LocalDir       string `yaml:"local_dir"`
	StreamDir      string `yaml:"stream_dir"`
	RetentionCount int    `yaml:"retention_count"`
	RetentionDays  int    `yaml:"retention_days"`
}

// TemplatesConfig holds the server template library location
type TemplatesConfig struct {
	Dir string `yaml:"dir"`
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

	cfg.applyDefaults()

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

// applyDefaults fills timing values that were omitted from the file.
func (c *Config) applyDefaults() {
	if c.Agents.HeartbeatInterval == 0 {
		c.Agents.HeartbeatInterval = 15 * time.Second
	}
	if c.Agents.HeartbeatTimeout == 0 {
		c.Agents.HeartbeatTimeout = 60 * time.Second
	}
	if c.Agents.HandshakeDeadline == 0 {
		c.Agents.HandshakeDeadline = 10 * time.Second
	}
	if c.Clients.HandshakeDeadline == 0 {
		c.Clients.HandshakeDeadline = 5 * time.Second
	}
	if c.Limits.SettingsTTL == 0 {
		c.Limits.SettingsTTL = 30 * time.Second
	}
	if c.Limits.ConsoleBytesPerSecond == 0 {
		c.Limits.ConsoleBytesPerSecond = 64 * 1024
	}
	if c.Limits.MaxPendingRequests == 0 {
		c.Limits.MaxPendingRequests = 256
	}
	if c.Backups.LocalDir == "" {
		c.Backups.LocalDir = "./data/backups"
	}
	if c.Backups.StreamDir == "" {
		c.Backups.StreamDir = "./data/backups/stream"
	}
	if c.Templates.Dir == "" {
		c.Templates.Dir = "./templates"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}

	if c.Agents.HeartbeatTimeout < c.Agents.HeartbeatInterval {
		return fmt.Errorf("agents.heartbeat_timeout must be at least heartbeat_interval")
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Agents.HeartbeatIntervalRaw != "" {
		cfg.Agents.HeartbeatInterval, err = time.ParseDuration(cfg.Agents.HeartbeatIntervalRaw)
		if err != nil {
			return fmt.Errorf("parsing heartbeat_interval %q: %w", cfg.Agents.HeartbeatIntervalRaw, err)
		}
	}

	if cfg.Agents.HeartbeatTimeoutRaw != "" {
		cfg.Agents.HeartbeatTimeout, err = time.ParseDuration(cfg.Agents.HeartbeatTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing heartbeat_timeout %q: %w", cfg.Agents.HeartbeatTimeoutRaw, err)
		}
	}

	if cfg.Agents.HandshakeDeadlineRaw != "" {
		cfg.Agents.HandshakeDeadline, err = time.ParseDuration(cfg.Agents.HandshakeDeadlineRaw)
		if err != nil {
			return fmt.Errorf("parsing agents handshake_deadline %q: %w", cfg.Agents.HandshakeDeadlineRaw, err)
		}
	}

	if cfg.Clients.HandshakeDeadlineRaw != "" {
		cfg.Clients.HandshakeDeadline, err = time.ParseDuration(cfg.Clients.HandshakeDeadlineRaw)
		if err != nil {
			return fmt.Errorf("parsing clients handshake_deadline %q: %w", cfg.Clients.HandshakeDeadlineRaw, err)
		}
	}

	if cfg.Limits.SettingsTTLRaw != "" {
		cfg.Limits.SettingsTTL, err = time.ParseDuration(cfg.Limits.SettingsTTLRaw)
		if err != nil {
			return fmt.Errorf("parsing settings_ttl %q: %w", cfg.Limits.SettingsTTLRaw, err)
		}
	}

	return nil
}
