// Package config loads and validates relay service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Upstream UpstreamConfig `mapstructure:"upstream"`
	Relay    RelayConfig    `mapstructure:"relay"`
	DB       DBConfig       `mapstructure:"db"`
	PubSub   PubSubConfig   `mapstructure:"pubsub"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig controls the HTTP server.
type ServerConfig struct {
	Port           int `mapstructure:"port"`
	TimeoutSeconds int `mapstructure:"timeout_seconds"`
}

// UpstreamConfig locates the external crawl engine.
type UpstreamConfig struct {
	BaseURL                string `mapstructure:"base_url"`
	SnapshotTimeoutSeconds int    `mapstructure:"snapshot_timeout_seconds"`
}

// RelayConfig governs stream handling.
type RelayConfig struct {
	// ResidualPolicy is "discard" or "error"; it decides what happens to
	// unflushed bytes when an upstream stream closes mid-frame.
	ResidualPolicy string `mapstructure:"residual_policy"`
}

// DBConfig selects and configures the result store.
type DBConfig struct {
	Provider     string `mapstructure:"provider"`
	DSN          string `mapstructure:"dsn"`
	Table        string `mapstructure:"table"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
}

// PubSubConfig holds metadata for terminal-transition notifications.
type PubSubConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CRAWLRELAY")
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
	v.SetDefault("server.timeout_seconds", 30)
	v.SetDefault("upstream.base_url", "http://localhost:9090")
	v.SetDefault("upstream.snapshot_timeout_seconds", 5)
	v.SetDefault("relay.residual_policy", "discard")
	v.SetDefault("db.provider", "memory")
	v.SetDefault("db.table", "crawl_results")
	v.SetDefault("db.max_open_conns", 8)
	v.SetDefault("pubsub.topic_name", "crawl-session-terminal")
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Upstream.BaseURL == "" {
		return fmt.Errorf("upstream.base_url is required")
	}
	switch strings.ToLower(c.Relay.ResidualPolicy) {
	case "", "discard", "error":
	default:
		return fmt.Errorf("relay.residual_policy must be discard or error, got %q", c.Relay.ResidualPolicy)
	}
	switch c.DB.Provider {
	case "memory":
	case "postgres":
		if c.DB.DSN == "" {
			return fmt.Errorf("db.dsn is required when db.provider is postgres")
		}
	default:
		return fmt.Errorf("unknown db provider %q", c.DB.Provider)
	}
	if c.PubSub.Enabled && (c.PubSub.ProjectID == "" || c.PubSub.TopicName == "") {
		return fmt.Errorf("pubsub.project_id and pubsub.topic_name are required when pubsub is enabled")
	}
	return nil
}

// SnapshotTimeout converts the configured upstream snapshot timeout.
func (c Config) SnapshotTimeout() time.Duration {
	return time.Duration(c.Upstream.SnapshotTimeoutSeconds) * time.Second
}

// ServerTimeout converts the configured request timeout.
func (c Config) ServerTimeout() time.Duration {
	return time.Duration(c.Server.TimeoutSeconds) * time.Second
}
