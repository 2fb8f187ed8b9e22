package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:8888", cfg.Addr())
	assert.Equal(t, 100, cfg.MaxClients)
	assert.Equal(t, 60, cfg.RateLimitMessagesPerMin)
	assert.Equal(t, 10, cfg.BurstAllowance)
	assert.Equal(t, 50, cfg.MessageHistorySize)
	assert.False(t, cfg.StrictValidation)
	assert.Empty(t, cfg.MetricsAddr)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("PORT", "9100")
	t.Setenv("MAX_CLIENTS", "7")
	t.Setenv("STRICT_VALIDATION", "true")
	t.Setenv("LOG_FORMAT", "pretty")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 9100, cfg.Port)
	assert.Equal(t, 7, cfg.MaxClients)
	assert.True(t, cfg.StrictValidation)
	assert.Equal(t, "pretty", cfg.LogFormat)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"privileged port", func(c *Config) { c.Port = 80 }},
		{"port too high", func(c *Config) { c.Port = 70000 }},
		{"zero clients", func(c *Config) { c.MaxClients = 0 }},
		{"zero message rate", func(c *Config) { c.RateLimitMessagesPerMin = 0 }},
		{"zero per-ip cap", func(c *Config) { c.MaxConnectionsPerIP = 0 }},
		{"negative burst", func(c *Config) { c.BurstAllowance = -1 }},
		{"username max too small", func(c *Config) { c.MaxUsernameLength = 1 }},
		{"bad log format", func(c *Config) { c.LogFormat = "xml" }},
		{"zero beacon interval", func(c *Config) { c.DiscoveryBroadcastInterval = 0 }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg, err := Load()
			require.NoError(t, err)
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestDurationHelpers(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "30s", cfg.ConnectionTimeout().String())
	assert.Equal(t, "5m0s", cfg.TempBlockDuration().String())
	assert.Equal(t, "5s", cfg.DiscoveryInterval().String())
}
