// ABOUTME: Configuration loading and parsing for chat-bridge
// ABOUTME: Supports YAML files with .env loading, env var expansion, and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config represents the complete chat-bridge configuration
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Salesforce SalesforceConfig `yaml:"salesforce"`
	Session    SessionConfig    `yaml:"session"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// ServerConfig holds bridge server configuration
type ServerConfig struct {
	HTTPAddr      string `yaml:"http_addr"`
	AllowedOrigin string `yaml:"allowed_origin"`
}

// SalesforceConfig holds upstream Messaging for In-App and Web settings.
// ScrtURL is the org's messaging host without a scheme, e.g.
// "example.my.salesforce-scrt.com". ESDeveloperName is the embedded
// service deployment's developer name.
type SalesforceConfig struct {
	OrgID           string `yaml:"org_id"`
	ScrtURL         string `yaml:"scrt_url"`
	ESDeveloperName string `yaml:"es_developer_name"`
}

// SessionConfig holds conversation session timing configuration
type SessionConfig struct {
	IdleTimeout time.Duration `yaml:"-"`

	// Raw string value for YAML unmarshaling
	IdleTimeoutRaw string `yaml:"idle_timeout"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DefaultIdleTimeout applies when session.idle_timeout is not configured.
const DefaultIdleTimeout = 5 * time.Minute

// Load reads a configuration file from the given path and returns a parsed Config.
// A .env file in the working directory is loaded first (if present), then
// environment variables in the format ${VAR_NAME} are expanded in the YAML.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	// Ignore a missing .env - variables may be set in the environment directly
	_ = godotenv.Load()

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

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}

	if c.Salesforce.OrgID == "" {
		return fmt.Errorf("salesforce.org_id is required")
	}
	if c.Salesforce.ScrtURL == "" {
		return fmt.Errorf("salesforce.scrt_url is required")
	}
	if c.Salesforce.ESDeveloperName == "" {
		return fmt.Errorf("salesforce.es_developer_name is required")
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	if cfg.Session.IdleTimeoutRaw == "" {
		cfg.Session.IdleTimeout = DefaultIdleTimeout
		return nil
	}

	d, err := time.ParseDuration(cfg.Session.IdleTimeoutRaw)
	if err != nil {
		return fmt.Errorf("parsing idle_timeout %q: %w", cfg.Session.IdleTimeoutRaw, err)
	}
	if d <= 0 {
		return fmt.Errorf("idle_timeout must be positive, got %q", cfg.Session.IdleTimeoutRaw)
	}
	cfg.Session.IdleTimeout = d

	return nil
}
