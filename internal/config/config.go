// Package config loads runtime configuration from the environment with sane
// defaults for every knob. All variables use the DUROQ_ prefix, e.g.
// DUROQ_DB_PATH, DUROQ_LEASE_DURATION.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/feedforge/duroq/internal/queue"
)

// Config holds every tunable of the queue and its commands.
type Config struct {
	// DBPath is the SQLite database file.
	DBPath string `mapstructure:"db_path"`
	// LogLevel is one of debug, info, warn, error.
	LogLevel string `mapstructure:"log_level"`
	// AdminListen is the adminapi bind address.
	AdminListen string `mapstructure:"admin_listen"`

	// ClaimOrder is "fifo" or "lifo".
	ClaimOrder string `mapstructure:"claim_order"`

	LeaseDuration     time.Duration `mapstructure:"lease_duration"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	IdleInterval      time.Duration `mapstructure:"idle_interval"`
	StaleAfter        time.Duration `mapstructure:"stale_after"`
	BackoffBase       time.Duration `mapstructure:"backoff_base"`
	BackoffMax        time.Duration `mapstructure:"backoff_max"`
}

// Load reads configuration from the environment.
func Load() (*Config, error) {
	v := viper.New()

	v.SetDefault("db_path", "duroq.db")
	v.SetDefault("log_level", "info")
	v.SetDefault("admin_listen", ":8888")
	v.SetDefault("claim_order", "fifo")
	v.SetDefault("lease_duration", "30s")
	v.SetDefault("heartbeat_interval", "5s")
	v.SetDefault("idle_interval", "1s")
	v.SetDefault("stale_after", "60s")
	v.SetDefault("backoff_base", "5s")
	v.SetDefault("backoff_max", "10m")

	v.SetEnvPrefix("DUROQ")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.DBPath == "" {
		return fmt.Errorf("config: db_path must not be empty")
	}
	switch c.ClaimOrder {
	case "fifo", "lifo":
	default:
		return fmt.Errorf("config: claim_order must be fifo or lifo, got %q", c.ClaimOrder)
	}
	for name, d := range map[string]time.Duration{
		"lease_duration":     c.LeaseDuration,
		"heartbeat_interval": c.HeartbeatInterval,
		"idle_interval":      c.IdleInterval,
		"stale_after":        c.StaleAfter,
		"backoff_base":       c.BackoffBase,
		"backoff_max":        c.BackoffMax,
	} {
		if d <= 0 {
			return fmt.Errorf("config: %s must be positive", name)
		}
	}
	return nil
}

// Ordering maps the configured claim order string to a queue.Ordering.
func (c *Config) Ordering() queue.Ordering {
	return queue.ParseOrdering(c.ClaimOrder)
}

// RetryPolicy builds the retry policy from the configured backoff bounds.
func (c *Config) RetryPolicy() queue.RetryPolicy {
	return queue.RetryPolicy{
		BaseDelay: c.BackoffBase,
		MaxDelay:  c.BackoffMax,
		Classify:  queue.DefaultClassifier,
	}
}
