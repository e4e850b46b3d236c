// ABOUTME: Configuration loading for the nodeward server and agent.
// ABOUTME: YAML files with environment variable expansion and duration parsing.

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// ServerConfig is the complete coordination-service configuration.
type ServerConfig struct {
	Server   ListenConfig   `yaml:"server"`
	Crypto   CryptoConfig   `yaml:"crypto"`
	Auth     AuthConfig     `yaml:"auth"`
	Database DatabaseConfig `yaml:"database"`
	Agents   AgentsConfig   `yaml:"agents"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ListenConfig holds server address configuration.
type ListenConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// CryptoConfig holds the pre-shared wire encryption key. Every agent and
// the server hold the same derived key; there is no per-agent isolation
// and no forward secrecy. Revisit before exposing beyond a trusted fleet.
type CryptoConfig struct {
	SharedKey string `yaml:"shared_key"`
}

// AuthConfig holds operator API authentication configuration.
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

// DatabaseConfig holds history store configuration.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AgentsConfig holds agent liveness timing.
type AgentsConfig struct {
	HeartbeatTimeout time.Duration `yaml:"-"`

	HeartbeatTimeoutRaw string `yaml:"heartbeat_timeout"`
}

// MetricsConfig holds the Prometheus endpoint configuration.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// AgentConfig is the complete endpoint-agent configuration.
type AgentConfig struct {
	ServerURL  string           `yaml:"server_url"`
	Crypto     CryptoConfig     `yaml:"crypto"`
	StateDir   string           `yaml:"state_dir"`
	Connection ConnectionConfig `yaml:"connection"`
	Autonomous AutonomousConfig `yaml:"autonomous"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// ConnectionConfig holds the agent transport timing knobs.
type ConnectionConfig struct {
	HeartbeatInterval time.Duration `yaml:"-"`
	ConnectTimeout    time.Duration `yaml:"-"`
	RetryBase         time.Duration `yaml:"-"`
	RetryCap          time.Duration `yaml:"-"`

	HeartbeatIntervalRaw string `yaml:"heartbeat_interval"`
	ConnectTimeoutRaw    string `yaml:"connect_timeout"`
	RetryBaseRaw         string `yaml:"retry_base"`
	RetryCapRaw          string `yaml:"retry_cap"`
}

// AutonomousConfig lifts the offline decision-engine constants out of
// the code. Defaults preserve the historical behavior.
type AutonomousConfig struct {
	CriticalScore int           `yaml:"critical_score"`
	DegradedScore int           `yaml:"degraded_score"`
	FailureStreak int           `yaml:"failure_streak"`
	CheckCooldown time.Duration `yaml:"-"`

	CheckCooldownRaw string `yaml:"check_cooldown"`
}

// LoadServer reads and validates a server configuration file.
// ${VAR} references are expanded from the environment.
func LoadServer(path string) (*ServerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var cfg ServerConfig
	if err := yaml.Unmarshal([]byte(expandEnvVars(string(data))), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyDefaults()
	if cfg.Agents.HeartbeatTimeout, err = parseDuration(cfg.Agents.HeartbeatTimeoutRaw, 90*time.Second, "heartbeat_timeout"); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return &cfg, nil
}

func (c *ServerConfig) applyDefaults() {
	if c.Server.HTTPAddr == "" {
		c.Server.HTTPAddr = ":8090"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

// Validate checks required server fields, first failure wins.
func (c *ServerConfig) Validate() error {
	if c.Crypto.SharedKey == "" {
		return fmt.Errorf("crypto.shared_key is required")
	}
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	return nil
}

// LoadAgent reads and validates an agent configuration file.
func LoadAgent(path string) (*AgentConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var cfg AgentConfig
	if err := yaml.Unmarshal([]byte(expandEnvVars(string(data))), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.parseDurations(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return &cfg, nil
}

func (c *AgentConfig) applyDefaults() {
	if c.Autonomous.CriticalScore == 0 {
		c.Autonomous.CriticalScore = 40
	}
	if c.Autonomous.DegradedScore == 0 {
		c.Autonomous.DegradedScore = 60
	}
	if c.Autonomous.FailureStreak == 0 {
		c.Autonomous.FailureStreak = 10
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

func (c *AgentConfig) parseDurations() error {
	var err error
	if c.Connection.HeartbeatInterval, err = parseDuration(c.Connection.HeartbeatIntervalRaw, 30*time.Second, "heartbeat_interval"); err != nil {
		return err
	}
	if c.Connection.ConnectTimeout, err = parseDuration(c.Connection.ConnectTimeoutRaw, 30*time.Second, "connect_timeout"); err != nil {
		return err
	}
	if c.Connection.RetryBase, err = parseDuration(c.Connection.RetryBaseRaw, 5*time.Second, "retry_base"); err != nil {
		return err
	}
	if c.Connection.RetryCap, err = parseDuration(c.Connection.RetryCapRaw, 120*time.Second, "retry_cap"); err != nil {
		return err
	}
	if c.Autonomous.CheckCooldown, err = parseDuration(c.Autonomous.CheckCooldownRaw, 300*time.Second, "check_cooldown"); err != nil {
		return err
	}
	return nil
}

// Validate checks required agent fields, first failure wins.
func (c *AgentConfig) Validate() error {
	if c.ServerURL == "" {
		return fmt.Errorf("server_url is required")
	}
	if c.Crypto.SharedKey == "" {
		return fmt.Errorf("crypto.shared_key is required")
	}
	if c.StateDir == "" {
		return fmt.Errorf("state_dir is required")
	}
	return nil
}

// parseDuration parses a duration string, falling back to def when the
// raw value is empty.
func parseDuration(raw string, def time.Duration, field string) (time.Duration, error) {
	if raw == "" {
		return def, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("parsing %s %q: %w", field, raw, err)
	}
	return d, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} with the environment value, or an
// empty string when unset.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}
