// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Report    ReportConfig    `mapstructure:"report"`
	Stream    StreamConfig    `mapstructure:"stream"`
	Activity  ActivityConfig  `mapstructure:"activity"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig defines API authentication toggles for the ingest endpoint.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// DatabaseConfig controls access to the relational database. An empty DSN
// selects the in-memory store (mock mode).
type DatabaseConfig struct {
	DSN string `mapstructure:"dsn"`
}

// RedisConfig selects the Redis-backed broker for multi-instance fan-out.
// An empty URL keeps the in-process registry.
type RedisConfig struct {
	URL string `mapstructure:"url"`
}

// ReportConfig holds report-shape defaults.
type ReportConfig struct {
	// TotalSections is the expected section count for a fresh progress row.
	TotalSections int `mapstructure:"total_sections"`
}

// StreamConfig governs streaming session lifecycle.
type StreamConfig struct {
	HeartbeatSeconds   int `mapstructure:"heartbeat_seconds"`
	MaxLifetimeSeconds int `mapstructure:"max_lifetime_seconds"`
	ListenerBuffer     int `mapstructure:"listener_buffer"`
}

// ActivityConfig controls the service-milestone hub.
type ActivityConfig struct {
	Enabled    bool `mapstructure:"enabled"`
	BufferSize int  `mapstructure:"buffer_size"`
	MaxBatch   int  `mapstructure:"max_batch"`
	MaxWaitMs  int  `mapstructure:"max_wait_ms"`
	LogEnabled bool `mapstructure:"log_enabled"`
}

// TelemetryConfig identifies the service for traces and metrics.
type TelemetryConfig struct {
	ServiceName string `mapstructure:"service_name"`
	Version     string `mapstructure:"version"`
	// ProjectID enables the Google Cloud Trace exporter when set.
	ProjectID string `mapstructure:"project_id"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("REPORTD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("report.total_sections", 12)
	v.SetDefault("stream.heartbeat_seconds", 30)
	v.SetDefault("stream.max_lifetime_seconds", 600)
	v.SetDefault("stream.listener_buffer", 16)
	v.SetDefault("activity.enabled", true)
	v.SetDefault("activity.buffer_size", 1024)
	v.SetDefault("activity.max_batch", 256)
	v.SetDefault("activity.max_wait_ms", 500)
	v.SetDefault("activity.log_enabled", false)
	v.SetDefault("telemetry.service_name", "reportd")
	v.SetDefault("telemetry.version", "dev")
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Report.TotalSections <= 0 {
		return fmt.Errorf("report.total_sections must be > 0")
	}
	if c.Stream.HeartbeatSeconds <= 0 {
		return fmt.Errorf("stream.heartbeat_seconds must be > 0")
	}
	if c.Stream.MaxLifetimeSeconds <= c.Stream.HeartbeatSeconds {
		return fmt.Errorf("stream.max_lifetime_seconds must exceed stream.heartbeat_seconds")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	return nil
}

// HeartbeatInterval returns the keep-alive period for streaming sessions.
func (c Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.Stream.HeartbeatSeconds) * time.Second
}

// MaxSessionLifetime returns the hard ceiling on a streaming session.
func (c Config) MaxSessionLifetime() time.Duration {
	return time.Duration(c.Stream.MaxLifetimeSeconds) * time.Second
}
