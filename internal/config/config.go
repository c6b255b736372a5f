// ABOUTME: Configuration loading and parsing for cryovault
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"net/url"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete cryovault configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Auth     AuthConfig     `yaml:"auth"`
	WebAuthn WebAuthnConfig `yaml:"webauthn"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AuthConfig holds session token configuration
type AuthConfig struct {
	JWTSecret  string        `yaml:"jwt_secret"`
	SessionTTL time.Duration `yaml:"-"`

	// Raw string value for YAML unmarshaling
	SessionTTLRaw string `yaml:"session_ttl"`
}

// WebAuthnConfig holds relying-party identity and ceremony policy.
// RPID must be the hostname the browser sees; Origin must match the page
// origin exactly (scheme, host, port).
type WebAuthnConfig struct {
	RPID         string        `yaml:"rp_id"`
	RPName       string        `yaml:"rp_name"`
	Origin       string        `yaml:"origin"`
	ChallengeTTL time.Duration `yaml:"-"`

	ChallengeTTLRaw string `yaml:"challenge_ttl"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Defaults applied when the config file omits optional fields.
const (
	DefaultSessionTTL   = 12 * time.Hour
	DefaultChallengeTTL = 5 * time.Minute
)

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

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}
	if len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("auth.jwt_secret must be at least 32 characters")
	}

	if c.WebAuthn.RPID == "" {
		return fmt.Errorf("webauthn.rp_id is required")
	}
	if c.WebAuthn.Origin == "" {
		return fmt.Errorf("webauthn.origin is required")
	}

	parsed, err := url.Parse(c.WebAuthn.Origin)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("webauthn.origin must be a full origin URL, got %q", c.WebAuthn.Origin)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	cfg.Auth.SessionTTL = DefaultSessionTTL
	if cfg.Auth.SessionTTLRaw != "" {
		cfg.Auth.SessionTTL, err = time.ParseDuration(cfg.Auth.SessionTTLRaw)
		if err != nil {
			return fmt.Errorf("parsing session_ttl %q: %w", cfg.Auth.SessionTTLRaw, err)
		}
	}

	cfg.WebAuthn.ChallengeTTL = DefaultChallengeTTL
	if cfg.WebAuthn.ChallengeTTLRaw != "" {
		cfg.WebAuthn.ChallengeTTL, err = time.ParseDuration(cfg.WebAuthn.ChallengeTTLRaw)
		if err != nil {
			return fmt.Errorf("parsing challenge_ttl %q: %w", cfg.WebAuthn.ChallengeTTLRaw, err)
		}
	}

	return nil
}
