// Package config centralizes the client's configuration into typed structs.
//
// Values are layered: NewDefaultConfig supplies defaults, an optional YAML
// file overrides them and HAZARD_* environment variables override both.
// Environment keys follow the struct nesting with words split on case
// boundaries, e.g. HAZARD_API_BASE_URL or HAZARD_REALTIME_MAX_DELAY.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// EnvPrefix is the prefix of every environment override.
const EnvPrefix = "HAZARD"

// Config is the top-level configuration container.
type Config struct {
	API      APIConfig      `yaml:"api" split_words:"true"`
	Realtime RealtimeConfig `yaml:"realtime" split_words:"true"`
	Feed     FeedConfig     `yaml:"feed" split_words:"true"`
	Storage  StorageConfig  `yaml:"storage" split_words:"true"`
	Inspect  InspectConfig  `yaml:"inspect" split_words:"true"`
	Log      LogConfig      `yaml:"log" split_words:"true"`
}

// APIConfig holds REST client settings. Timeout applies to each attempt,
// not to the whole retried call.
type APIConfig struct {
	BaseURL           string        `yaml:"base_url" split_words:"true"`
	Timeout           time.Duration `yaml:"timeout" split_words:"true"`
	MaxRetries        int           `yaml:"max_retries" split_words:"true"`
	RetryBaseDelay    time.Duration `yaml:"retry_base_delay" split_words:"true"`
	RetryMaxDelay     time.Duration `yaml:"retry_max_delay" split_words:"true"`
	RequestsPerSecond float64       `yaml:"requests_per_second" split_words:"true"`
	Burst             int           `yaml:"burst" split_words:"true"`
}

// RealtimeConfig controls the socket connection. MaxAttempts 0 means
// reconnect forever.
type RealtimeConfig struct {
	URL               string        `yaml:"url" split_words:"true"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval" split_words:"true"`
	BaseDelay         time.Duration `yaml:"base_delay" split_words:"true"`
	MaxDelay          time.Duration `yaml:"max_delay" split_words:"true"`
	MaxAttempts       int           `yaml:"max_attempts" split_words:"true"`
	HandshakeTimeout  time.Duration `yaml:"handshake_timeout" split_words:"true"`
	WriteTimeout      time.Duration `yaml:"write_timeout" split_words:"true"`
}

// FeedConfig controls the nearby feed. RadiusKm is the fixed query radius
// around the viewport center; a new fetch is only issued once the center has
// moved more than RefetchThresholdKm.
type FeedConfig struct {
	RadiusKm              float64 `yaml:"radius_km" split_words:"true"`
	RefetchThresholdKm    float64 `yaml:"refetch_threshold_km" split_words:"true"`
	IndexPrecision        int     `yaml:"index_precision" split_words:"true"`
	AllowFallbackLocation bool    `yaml:"allow_fallback_location" split_words:"true"`
}

// StorageConfig selects where persisted client state lives. An empty Path
// or InMemory keeps everything in memory.
type StorageConfig struct {
	Path       string `yaml:"path" split_words:"true"`
	InMemory   bool   `yaml:"in_memory" split_words:"true"`
	SyncWrites bool   `yaml:"sync_writes" split_words:"true"`
}

// InspectConfig controls the local debug HTTP server.
type InspectConfig struct {
	Enabled bool   `yaml:"enabled" split_words:"true"`
	Addr    string `yaml:"addr" split_words:"true"`
	Token   string `yaml:"token" split_words:"true"`
}

// LogConfig selects the log level and output format ("json" or "text").
type LogConfig struct {
	Level  string `yaml:"level" split_words:"true"`
	Format string `yaml:"format" split_words:"true"`
}

// NewDefaultConfig returns a Config populated with sensible defaults.
func NewDefaultConfig() *Config {
	return &Config{
		API: APIConfig{
			BaseURL:           "http://localhost:8080",
			Timeout:           10 * time.Second,
			MaxRetries:        3,
			RetryBaseDelay:    500 * time.Millisecond,
			RetryMaxDelay:     5 * time.Second,
			RequestsPerSecond: 10,
			Burst:             5,
		},
		Realtime: RealtimeConfig{
			URL:               "ws://localhost:8080/ws",
			HeartbeatInterval: 30 * time.Second,
			BaseDelay:         time.Second,
			MaxDelay:          time.Minute,
			MaxAttempts:       0,
			HandshakeTimeout:  10 * time.Second,
			WriteTimeout:      10 * time.Second,
		},
		Feed: FeedConfig{
			RadiusKm:           5.0,
			RefetchThresholdKm: 0.5,
			IndexPrecision:     6,
		},
		Storage: StorageConfig{
			InMemory: true,
		},
		Inspect: InspectConfig{
			Addr: "127.0.0.1:8089",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Validate rejects configurations the client cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.API.BaseURL == "" {
		errs = append(errs, errors.New("api.base_url is required"))
	}
	if c.API.Timeout <= 0 {
		errs = append(errs, errors.New("api.timeout must be positive"))
	}
	if c.API.MaxRetries < 0 {
		errs = append(errs, errors.New("api.max_retries must not be negative"))
	}
	if c.Realtime.URL == "" {
		errs = append(errs, errors.New("realtime.url is required"))
	}
	if c.Realtime.BaseDelay <= 0 {
		errs = append(errs, errors.New("realtime.base_delay must be positive"))
	}
	if c.Realtime.MaxDelay < c.Realtime.BaseDelay {
		errs = append(errs, errors.New("realtime.max_delay must be at least realtime.base_delay"))
	}
	if c.Realtime.MaxAttempts < 0 {
		errs = append(errs, errors.New("realtime.max_attempts must not be negative"))
	}
	if c.Realtime.HeartbeatInterval <= 0 {
		errs = append(errs, errors.New("realtime.heartbeat_interval must be positive"))
	}
	if c.Feed.RadiusKm <= 0 {
		errs = append(errs, errors.New("feed.radius_km must be positive"))
	}
	if !c.Storage.InMemory && c.Storage.Path == "" {
		errs = append(errs, errors.New("storage.path is required unless storage.in_memory is set"))
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("log.format %q must be json or text", c.Log.Format))
	}
	return errors.Join(errs...)
}
