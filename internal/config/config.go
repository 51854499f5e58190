// Package config provides configuration loading and management for the
// stagelink server.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Option defines the interface for configuration options
type Option func(*loaderConfig) error

// loaderConfig defines the configuration for loading a configuration
type loaderConfig struct {
	path string
}

// WithConfigPath loads configuration from a YAML file
func WithConfigPath(path string) Option {
	return func(cfg *loaderConfig) error {
		if path == "" {
			return fmt.Errorf("path is required")
		}

		// Resolve symlinks to prevent symlink attacks.
		// Note that this calls filepath.Clean internally.
		realPath, err := filepath.EvalSymlinks(path)
		if err != nil {
			return fmt.Errorf("failed to evaluate symlinks: %w", err)
		}

		// Validate the path to prevent path traversal attacks
		if !filepath.IsAbs(realPath) {
			if !filepath.IsLocal(realPath) {
				return fmt.Errorf("path is not local or contains invalid traversal: %s", path)
			}
		}

		cfg.path = realPath
		return nil
	}
}

// Config represents the root configuration structure
type Config struct {
	// Gateway configures the platform API client
	Gateway GatewayConfig `yaml:"gateway"`

	// Engine configures the mapping engine and its background loops
	Engine EngineConfig `yaml:"engine,omitempty"`

	// Database configures the link repository. When omitted, links are
	// kept in memory only and do not survive a restart.
	Database *DatabaseConfig `yaml:"database,omitempty"`

	// Telemetry configures the OpenTelemetry metrics export
	Telemetry *TelemetryConfig `yaml:"telemetry,omitempty"`
}

// GatewayConfig defines the platform API client settings
type GatewayConfig struct {
	// BaseURL is the platform API base URL
	BaseURL string `yaml:"baseUrl"`

	// TokenFile is the path to a file containing the API bearer token.
	// This is the recommended approach for production deployments.
	TokenFile string `yaml:"tokenFile,omitempty"`

	// Timeout bounds each gateway call (e.g. "10s")
	Timeout string `yaml:"timeout,omitempty"`
}

// GetToken returns the platform API token using the following priority:
// 1. Read from TokenFile if specified
// 2. Read from STAGELINK_GATEWAY_TOKEN environment variable
//
// The token from file will have leading/trailing whitespace trimmed.
func (g *GatewayConfig) GetToken() (string, error) {
	if g.TokenFile != "" {
		// Use filepath.Clean to prevent path traversal attacks
		cleanPath := filepath.Clean(g.TokenFile)

		data, err := os.ReadFile(cleanPath)
		if err != nil {
			return "", fmt.Errorf("failed to read token from file %s: %w", g.TokenFile, err)
		}
		return strings.TrimSpace(string(data)), nil
	}

	if envToken := os.Getenv("STAGELINK_GATEWAY_TOKEN"); envToken != "" {
		return envToken, nil
	}

	return "", fmt.Errorf(
		"no gateway token configured: set tokenFile or STAGELINK_GATEWAY_TOKEN environment variable",
	)
}

// GetTimeout returns the parsed gateway call timeout, defaulting to 10s.
func (g *GatewayConfig) GetTimeout() time.Duration {
	return ParseDurationOr(g.Timeout, 10*time.Second)
}

// EngineConfig defines mapping engine tuning. All durations are strings in
// time.ParseDuration format; empty values fall back to engine defaults.
type EngineConfig struct {
	// DebounceWindow delays propagation until a burst of occupancy
	// events has quieted down (default "3s")
	DebounceWindow string `yaml:"debounceWindow,omitempty"`

	// HealthSweepInterval is the period of the link revalidation sweep
	// (default "10m")
	HealthSweepInterval string `yaml:"healthSweepInterval,omitempty"`

	// RepositorySyncInterval is the period of the full table
	// write-through (default "5m")
	RepositorySyncInterval string `yaml:"repositorySyncInterval,omitempty"`

	// StaleAfter drops persisted links older than this during startup
	// recovery when validation is unavailable (default "168h")
	StaleAfter string `yaml:"staleAfter,omitempty"`

	// PlaceholderPrefix marks standalone placeholder session IDs that a
	// bind may upgrade (default "standalone-")
	PlaceholderPrefix string `yaml:"placeholderPrefix,omitempty"`

	// Retry bounds propagation retries
	Retry *RetryConfig `yaml:"retry,omitempty"`
}

// RetryConfig defines the propagation retry policy
type RetryConfig struct {
	// MaxAttempts is the total number of attempts before giving up
	MaxAttempts int `yaml:"maxAttempts,omitempty"`

	// BaseDelay is the delay before the first retry (e.g. "2s")
	BaseDelay string `yaml:"baseDelay,omitempty"`

	// MaxDelay caps the backoff growth (e.g. "30s")
	MaxDelay string `yaml:"maxDelay,omitempty"`

	// Multiplier is the backoff growth factor
	Multiplier float64 `yaml:"multiplier,omitempty"`
}

// TelemetryConfig defines the OpenTelemetry export settings
type TelemetryConfig struct {
	// Enabled turns metric export on
	Enabled bool `yaml:"enabled"`

	// Endpoint is the OTLP HTTP endpoint (host:port)
	Endpoint string `yaml:"endpoint,omitempty"`

	// Insecure disables TLS for the OTLP connection
	Insecure bool `yaml:"insecure,omitempty"`
}

// DatabaseConfig defines database connection settings
type DatabaseConfig struct {
	// Host is the database server hostname or IP address
	Host string `yaml:"host"`

	// Port is the database server port
	Port int `yaml:"port"`

	// User is the database username
	User string `yaml:"user"`

	// PasswordFile is the path to a file containing the database password
	// This is the recommended approach for production deployments
	// The file should contain only the password with optional trailing whitespace
	PasswordFile string `yaml:"passwordFile,omitempty"`

	// Database is the database name
	Database string `yaml:"database"`

	// SSLMode is the SSL mode for the connection (disable, require, verify-ca, verify-full)
	SSLMode string `yaml:"sslMode,omitempty"`

	// MaxOpenConns is the maximum number of open connections to the database
	MaxOpenConns int32 `yaml:"maxOpenConns,omitempty"`

	// ConnMaxLifetime is the maximum lifetime of a connection (e.g., "1h", "30m")
	ConnMaxLifetime string `yaml:"connMaxLifetime,omitempty"`
}

// GetPassword returns the database password using the following priority:
// 1. Read from PasswordFile if specified
// 2. Read from STAGELINK_DATABASE_PASSWORD environment variable
//
// The password from file will have leading/trailing whitespace trimmed.
func (d *DatabaseConfig) GetPassword() (string, error) {
	if d.PasswordFile != "" {
		// Use filepath.Clean to prevent path traversal attacks
		cleanPath := filepath.Clean(d.PasswordFile)

		data, err := os.ReadFile(cleanPath)
		if err != nil {
			return "", fmt.Errorf("failed to read password from file %s: %w", d.PasswordFile, err)
		}

		// Trim whitespace (including newlines) from file content
		password := strings.TrimSpace(string(data))
		return password, nil
	}

	if envPassword := os.Getenv("STAGELINK_DATABASE_PASSWORD"); envPassword != "" {
		return envPassword, nil
	}

	return "", fmt.Errorf(
		"no database password configured: set passwordFile or STAGELINK_DATABASE_PASSWORD environment variable",
	)
}

// GetConnectionString builds a PostgreSQL connection string with proper
// password handling. The password is URL-escaped to handle special
// characters safely.
func (d *DatabaseConfig) GetConnectionString() (string, error) {
	password, err := d.GetPassword()
	if err != nil {
		return "", err
	}

	sslMode := d.SSLMode
	if sslMode == "" {
		sslMode = "require"
	}

	// URL-escape the password to handle special characters
	escapedPassword := url.QueryEscape(password)

	connString := fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User,
		escapedPassword,
		d.Host,
		d.Port,
		d.Database,
		sslMode,
	)

	return connString, nil
}

// LoadConfig loads and parses configuration from a YAML file
func LoadConfig(opts ...Option) (*Config, error) {
	loaderCfg := &loaderConfig{}
	for _, opt := range opts {
		if err := opt(loaderCfg); err != nil {
			return nil, err
		}
	}

	// As of now, this is required because there's no other options to load
	// configuration. Once we add more options, we can remove this check.
	if loaderCfg.path == "" {
		return nil, fmt.Errorf("path is required")
	}

	// Read the entire file into memory
	data, err := os.ReadFile(loaderCfg.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Parse YAML content
	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse YAML config: %w", err)
	}

	// Validate the config
	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// validate performs validation on the configuration
func (c *Config) validate() error {
	if c == nil {
		return fmt.Errorf("config cannot be nil")
	}

	if c.Gateway.BaseURL == "" {
		return fmt.Errorf("gateway.baseUrl is required")
	}
	parsed, err := url.Parse(c.Gateway.BaseURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("gateway.baseUrl must be a valid URL: %s", c.Gateway.BaseURL)
	}

	if err := validateDurations("gateway", map[string]string{
		"timeout": c.Gateway.Timeout,
	}); err != nil {
		return err
	}

	if err := validateDurations("engine", map[string]string{
		"debounceWindow":         c.Engine.DebounceWindow,
		"healthSweepInterval":    c.Engine.HealthSweepInterval,
		"repositorySyncInterval": c.Engine.RepositorySyncInterval,
		"staleAfter":             c.Engine.StaleAfter,
	}); err != nil {
		return err
	}

	if retry := c.Engine.Retry; retry != nil {
		if retry.MaxAttempts < 0 {
			return fmt.Errorf("engine.retry.maxAttempts must not be negative")
		}
		if err := validateDurations("engine.retry", map[string]string{
			"baseDelay": retry.BaseDelay,
			"maxDelay":  retry.MaxDelay,
		}); err != nil {
			return err
		}
	}

	if db := c.Database; db != nil {
		if db.Host == "" {
			return fmt.Errorf("database.host is required")
		}
		if db.Port == 0 {
			return fmt.Errorf("database.port is required")
		}
		if db.User == "" {
			return fmt.Errorf("database.user is required")
		}
		if db.Database == "" {
			return fmt.Errorf("database.database is required")
		}
		if err := validateDurations("database", map[string]string{
			"connMaxLifetime": db.ConnMaxLifetime,
		}); err != nil {
			return err
		}
	}

	return nil
}

// validateDurations ensures every non-empty value parses as a duration
func validateDurations(prefix string, fields map[string]string) error {
	for name, value := range fields {
		if value == "" {
			continue
		}
		if _, err := time.ParseDuration(value); err != nil {
			return fmt.Errorf("%s.%s must be a valid duration (e.g., '30s', '5m'): %w", prefix, name, err)
		}
	}
	return nil
}

// ParseDurationOr parses a duration string, falling back to the given
// default when the value is empty or invalid.
func ParseDurationOr(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return d
}
