// Package config loads and validates the server's process-wide
// configuration from the environment.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config is the full configuration surface, populated from environment
// variables at startup. Defaults suit a small LAN deployment.
type Config struct {
	Host string `env:"HOST" envDefault:"0.0.0.0"`
	Port int    `env:"PORT" envDefault:"8888"`

	MaxClients            int `env:"MAX_CLIENTS" envDefault:"100"`
	MaxConnectionsPerIP   int `env:"MAX_CONNECTIONS_PER_IP" envDefault:"5"`
	MaxConnectionsPerMin  int `env:"MAX_CONNECTIONS_PER_MINUTE" envDefault:"10"`
	ConnectionTimeoutSecs int `env:"CONNECTION_TIMEOUT_SECONDS" envDefault:"30"`
	TempBlockDurationMins int `env:"TEMP_BLOCK_DURATION_MINUTES" envDefault:"5"`

	RateLimitMessagesPerMin int `env:"RATE_LIMIT_MESSAGES_PER_MINUTE" envDefault:"60"`
	BurstAllowance          int `env:"BURST_ALLOWANCE" envDefault:"10"`

	MaxUsernameLength  int `env:"MAX_USERNAME_LENGTH" envDefault:"50"`
	MaxMessageLength   int `env:"MAX_MESSAGE_LENGTH" envDefault:"1000"`
	MessageHistorySize int `env:"MESSAGE_HISTORY_SIZE" envDefault:"50"`

	DiscoveryPort              int `env:"DISCOVERY_PORT" envDefault:"8889"`
	DiscoveryBroadcastInterval int `env:"DISCOVERY_BROADCAST_INTERVAL" envDefault:"5"`

	StrictValidation bool `env:"STRICT_VALIDATION" envDefault:"false"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	// MetricsAddr serves /metrics and /healthz when set, e.g. ":9090".
	// Empty disables the HTTP endpoint entirely.
	MetricsAddr string `env:"METRICS_ADDR" envDefault:""`
}

// Load reads an optional .env file, then the environment, then validates.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the server cannot run with. Called once
// at startup; failures are fatal.
func (c *Config) Validate() error {
	if c.Port < 1024 || c.Port > 65535 {
		return fmt.Errorf("PORT must be in [1024, 65535], got %d", c.Port)
	}
	if c.MaxClients < 1 {
		return fmt.Errorf("MAX_CLIENTS must be at least 1, got %d", c.MaxClients)
	}
	if c.RateLimitMessagesPerMin < 1 {
		return fmt.Errorf("RATE_LIMIT_MESSAGES_PER_MINUTE must be at least 1, got %d", c.RateLimitMessagesPerMin)
	}
	if c.MaxConnectionsPerIP < 1 {
		return fmt.Errorf("MAX_CONNECTIONS_PER_IP must be at least 1, got %d", c.MaxConnectionsPerIP)
	}
	if c.BurstAllowance < 0 {
		return fmt.Errorf("BURST_ALLOWANCE must not be negative, got %d", c.BurstAllowance)
	}
	if c.MaxUsernameLength < 2 {
		return fmt.Errorf("MAX_USERNAME_LENGTH must be at least 2, got %d", c.MaxUsernameLength)
	}
	if c.MaxMessageLength < 1 {
		return fmt.Errorf("MAX_MESSAGE_LENGTH must be at least 1, got %d", c.MaxMessageLength)
	}
	if c.DiscoveryPort < 1024 || c.DiscoveryPort > 65535 {
		return fmt.Errorf("DISCOVERY_PORT must be in [1024, 65535], got %d", c.DiscoveryPort)
	}
	if c.DiscoveryBroadcastInterval < 1 {
		return fmt.Errorf("DISCOVERY_BROADCAST_INTERVAL must be at least 1 second, got %d", c.DiscoveryBroadcastInterval)
	}
	switch c.LogFormat {
	case "json", "pretty":
	default:
		return fmt.Errorf("LOG_FORMAT must be json or pretty, got %q", c.LogFormat)
	}
	return nil
}

// Addr is the TCP listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// ConnectionTimeout is the per-read socket deadline.
func (c *Config) ConnectionTimeout() time.Duration {
	return time.Duration(c.ConnectionTimeoutSecs) * time.Second
}

// TempBlockDuration is how long a flooding IP stays blocked.
func (c *Config) TempBlockDuration() time.Duration {
	return time.Duration(c.TempBlockDurationMins) * time.Minute
}

// DiscoveryInterval is the beacon broadcast period.
func (c *Config) DiscoveryInterval() time.Duration {
	return time.Duration(c.DiscoveryBroadcastInterval) * time.Second
}
