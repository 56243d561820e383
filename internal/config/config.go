// Package config provides application configuration with multi-source priority.
//
// Configuration sources (highest to lowest priority):
//  1. Environment variables (AGENTGATE_* prefix, DATABASE_URL override)
//  2. Config file (~/.agentgate/config.yaml)
//  3. Default values
//
// Sensitive values (the PostgreSQL password) are never logged. Validation uses
// sentinel errors so callers can branch with errors.Is.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

var (
	// ErrInvalidSessionTTL indicates the session TTL is zero or negative.
	ErrInvalidSessionTTL = errors.New("invalid session TTL")

	// ErrInvalidMaxSessions indicates the session quota is below 1.
	ErrInvalidMaxSessions = errors.New("invalid max sessions")

	// ErrInvalidSweepInterval indicates the expiry sweep interval is zero or negative.
	ErrInvalidSweepInterval = errors.New("invalid sweep interval")

	// ErrInvalidQueryTimeout indicates the default query timeout is negative.
	ErrInvalidQueryTimeout = errors.New("invalid query timeout")

	// ErrInvalidPostgresPort indicates the PostgreSQL port is out of range.
	ErrInvalidPostgresPort = errors.New("invalid PostgreSQL port")

	// ErrInvalidPostgresSSLMode indicates the PostgreSQL SSL mode is invalid.
	ErrInvalidPostgresSSLMode = errors.New("invalid PostgreSQL SSL mode")

	// ErrMissingAgentCommand indicates no agent CLI command is configured.
	ErrMissingAgentCommand = errors.New("missing agent command")

	// ErrInvalidPermissionMode indicates the default permission mode is unknown.
	ErrInvalidPermissionMode = errors.New("invalid permission mode")
)

// Defaults for session lifecycle and server behavior.
const (
	DefaultAddr          = "127.0.0.1:3400"
	DefaultSessionTTL    = time.Hour
	DefaultMaxSessions   = 100
	DefaultSweepInterval = time.Minute
	DefaultAgentCommand  = "claude"
	DefaultModel         = "claude-sonnet-4-5"
)

// Permission modes accepted for agent execution.
const (
	PermissionDefault     = "default"
	PermissionAcceptEdits = "acceptEdits"
	PermissionBypass      = "bypassPermissions"
	PermissionPlan        = "plan"
)

// Config stores application configuration.
type Config struct {
	// HTTP server
	Addr       string `mapstructure:"addr"`
	TrustProxy bool   `mapstructure:"trust_proxy"`
	RateBurst  int    `mapstructure:"rate_burst"`

	// Session lifecycle
	SessionTTL    time.Duration `mapstructure:"session_ttl"`
	MaxSessions   int           `mapstructure:"max_sessions"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`

	// QueryTimeout is the default per-query timeout. Zero means no timeout:
	// wait indefinitely for the agent.
	QueryTimeout time.Duration `mapstructure:"query_timeout"`

	// Agent backend
	AgentCommand   string `mapstructure:"agent_command"`
	Model          string `mapstructure:"model"`
	PermissionMode string `mapstructure:"permission_mode"`

	// PostgreSQL. An empty host selects the in-memory store.
	PostgresHost     string `mapstructure:"postgres_host"`
	PostgresPort     int    `mapstructure:"postgres_port"`
	PostgresUser     string `mapstructure:"postgres_user"`
	PostgresPassword string `mapstructure:"postgres_password"`
	PostgresDBName   string `mapstructure:"postgres_dbname"`
	PostgresSSLMode  string `mapstructure:"postgres_sslmode"`

	// Logging
	LogLevel string `mapstructure:"log_level"`
	LogJSON  bool   `mapstructure:"log_json"`

	// Tracing. Empty endpoint disables the OTLP exporter.
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
	ServiceName  string `mapstructure:"service_name"`
	Environment  string `mapstructure:"environment"`
}

// Load reads configuration from defaults, the config file, and environment
// variables, in ascending priority.
func Load() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if dir, err := configDir(); err == nil {
		v.AddConfigPath(dir)
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("reading config file: %w", err)
			}
		}
	}

	v.SetEnvPrefix("AGENTGATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.applyDatabaseURL(os.Getenv("DATABASE_URL")); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("addr", DefaultAddr)
	v.SetDefault("rate_burst", 60)
	v.SetDefault("session_ttl", DefaultSessionTTL)
	v.SetDefault("max_sessions", DefaultMaxSessions)
	v.SetDefault("sweep_interval", DefaultSweepInterval)
	v.SetDefault("query_timeout", time.Duration(0))
	v.SetDefault("agent_command", DefaultAgentCommand)
	v.SetDefault("model", DefaultModel)
	v.SetDefault("permission_mode", PermissionDefault)
	v.SetDefault("postgres_port", 5432)
	v.SetDefault("postgres_user", "agentgate")
	v.SetDefault("postgres_dbname", "agentgate")
	v.SetDefault("postgres_sslmode", "disable")
	v.SetDefault("log_level", "info")
	v.SetDefault("service_name", "agentgate")
	v.SetDefault("environment", "dev")
}

// configDir returns ~/.agentgate, creating it if needed.
func configDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	dir := filepath.Join(home, ".agentgate")
	if err := os.MkdirAll(dir, 0750); err != nil {
		return "", fmt.Errorf("creating config directory: %w", err)
	}
	return dir, nil
}

// Validate checks configuration invariants for the serve command.
func (c *Config) Validate() error {
	if c.SessionTTL <= 0 {
		return fmt.Errorf("%w: %v", ErrInvalidSessionTTL, c.SessionTTL)
	}
	if c.MaxSessions < 1 {
		return fmt.Errorf("%w: %d", ErrInvalidMaxSessions, c.MaxSessions)
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("%w: %v", ErrInvalidSweepInterval, c.SweepInterval)
	}
	if c.QueryTimeout < 0 {
		return fmt.Errorf("%w: %v", ErrInvalidQueryTimeout, c.QueryTimeout)
	}
	if c.AgentCommand == "" {
		return ErrMissingAgentCommand
	}
	switch c.PermissionMode {
	case PermissionDefault, PermissionAcceptEdits, PermissionBypass, PermissionPlan:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidPermissionMode, c.PermissionMode)
	}
	if c.PostgresHost != "" {
		if c.PostgresPort < 1 || c.PostgresPort > 65535 {
			return fmt.Errorf("%w: %d", ErrInvalidPostgresPort, c.PostgresPort)
		}
		switch c.PostgresSSLMode {
		case "disable", "require", "verify-ca", "verify-full", "prefer", "allow":
		default:
			return fmt.Errorf("%w: %q", ErrInvalidPostgresSSLMode, c.PostgresSSLMode)
		}
	}
	return nil
}

// UsePostgres reports whether a PostgreSQL store is configured.
// Without a host the server falls back to the in-memory store.
func (c *Config) UsePostgres() bool {
	return c.PostgresHost != ""
}
