package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "hazardwatch.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestNewDefaultConfig_IsValid(t *testing.T) {
	c := NewDefaultConfig()
	require.NoError(t, c.Validate())
	assert.Equal(t, 10*time.Second, c.API.Timeout)
	assert.Equal(t, 30*time.Second, c.Realtime.HeartbeatInterval)
	assert.Equal(t, 0, c.Realtime.MaxAttempts)
}

func TestLoad_Layering(t *testing.T) {
	path := writeConfigFile(t, `
api:
  base_url: https://api.example.test
  timeout: 4s
realtime:
  url: wss://rt.example.test/ws
  max_delay: 2m
feed:
  radius_km: 3
`)
	t.Setenv("HAZARD_API_TIMEOUT", "7s")
	t.Setenv("HAZARD_REALTIME_MAX_ATTEMPTS", "12")
	t.Setenv("HAZARD_LOG_FORMAT", "text")

	c, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "https://api.example.test", c.API.BaseURL)
	assert.Equal(t, 7*time.Second, c.API.Timeout, "env must override the file")
	assert.Equal(t, 3, c.API.MaxRetries, "unset keys keep their defaults")
	assert.Equal(t, "wss://rt.example.test/ws", c.Realtime.URL)
	assert.Equal(t, 2*time.Minute, c.Realtime.MaxDelay)
	assert.Equal(t, 12, c.Realtime.MaxAttempts)
	assert.Equal(t, 3.0, c.Feed.RadiusKm)
	assert.Equal(t, "text", c.Log.Format)
}

func TestLoad_NoFile(t *testing.T) {
	t.Setenv("HAZARD_API_BASE_URL", "https://env.example.test")

	c, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "https://env.example.test", c.API.BaseURL)
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = Load(writeConfigFile(t, "api: [not, a, map"))
	assert.Error(t, err)

	_, err = Load(writeConfigFile(t, "storage:\n  in_memory: false\n"))
	assert.ErrorContains(t, err, "storage.path")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
		want   string
	}{
		{"missing base url", func(c *Config) { c.API.BaseURL = "" }, "api.base_url"},
		{"max delay below base", func(c *Config) { c.Realtime.MaxDelay = time.Millisecond }, "realtime.max_delay"},
		{"negative attempts", func(c *Config) { c.Realtime.MaxAttempts = -1 }, "realtime.max_attempts"},
		{"bad log format", func(c *Config) { c.Log.Format = "xml" }, "log.format"},
		{"zero radius", func(c *Config) { c.Feed.RadiusKm = 0 }, "feed.radius_km"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewDefaultConfig()
			tt.mutate(c)
			assert.ErrorContains(t, c.Validate(), tt.want)
		})
	}
}
