// Package daemon manages the nudge daemon lifecycle and configuration.
package daemon

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config holds all daemon configuration.
type Config struct {
	User       UserConfig       `toml:"user"`
	API        APIConfig        `toml:"api"`
	Logging    LoggingConfig    `toml:"logging"`
	QuietHours QuietHoursConfig `toml:"quiet_hours"`
	RateLimit  RateLimitConfig  `toml:"rate_limit"`
	Queue      QueueConfig      `toml:"queue"`
	Delivery   DeliveryConfig   `toml:"delivery"`
	Scheduler  SchedulerConfig  `toml:"scheduler"`
	Telemetry  TelemetryConfig  `toml:"telemetry"`
}

// UserConfig identifies whose state this installation keeps.
type UserConfig struct {
	ID       string `toml:"id"`
	Timezone string `toml:"timezone"` // IANA name; empty means the host zone
}

// APIConfig controls the HTTP API server.
type APIConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	Level string `toml:"level"`
	File  string `toml:"file"`
}

// QuietHoursConfig is the local-hour range during which nudges wait.
type QuietHoursConfig struct {
	Start int `toml:"start"`
	End   int `toml:"end"`
}

// RateLimitConfig mirrors ratelimit.Config with string durations.
type RateLimitConfig struct {
	MaxPerWindow         int     `toml:"max_per_window"`
	Window               string  `toml:"window"`
	Cooldown             string  `toml:"cooldown"`
	BackoffMultiplier    float64 `toml:"backoff_multiplier"`
	MaxCooldown          string  `toml:"max_cooldown"`
	InterventionCooldown string  `toml:"intervention_cooldown"`
}

// QueueConfig controls the persistent retry queue.
type QueueConfig struct {
	MaxAttempts  int     `toml:"max_attempts"`
	BaseDelay    string  `toml:"base_delay"`
	Multiplier   float64 `toml:"multiplier"`
	MaxDelay     string  `toml:"max_delay"`
	MaxAge       string  `toml:"max_age"`
	MaxSize      int     `toml:"max_size"`
	PollInterval string  `toml:"poll_interval"`
}

// DeliveryConfig selects the delivery primitive.
type DeliveryConfig struct {
	Mode       string `toml:"mode"` // "inbox" or "webhook"
	WebhookURL string `toml:"webhook_url"`
	Timeout    string `toml:"timeout"`
}

// SchedulerConfig controls the periodic behavioural check.
type SchedulerConfig struct {
	CheckInterval  string `toml:"check_interval"`
	HealthInterval string `toml:"health_interval"`
}

// TelemetryConfig controls metrics exposure.
type TelemetryConfig struct {
	Prometheus bool `toml:"prometheus"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	homeDir := nudgeHome()
	return Config{
		User: UserConfig{ID: "default"},
		API: APIConfig{
			Host: "127.0.0.1",
			Port: 11535,
		},
		Logging: LoggingConfig{
			Level: "info",
			File:  filepath.Join(homeDir, "nudge.log"),
		},
		QuietHours: QuietHoursConfig{Start: 22, End: 7},
		RateLimit: RateLimitConfig{
			MaxPerWindow:         4,
			Window:               "1h",
			Cooldown:             "15m",
			BackoffMultiplier:    2,
			MaxCooldown:          "12h",
			InterventionCooldown: "5m",
		},
		Queue: QueueConfig{
			MaxAttempts:  5,
			BaseDelay:    "30s",
			Multiplier:   2,
			MaxDelay:     "30m",
			MaxAge:       "24h",
			MaxSize:      50,
			PollInterval: "30s",
		},
		Delivery: DeliveryConfig{
			Mode:    "inbox",
			Timeout: "10s",
		},
		Scheduler: SchedulerConfig{
			CheckInterval:  "30m",
			HealthInterval: "60s",
		},
		Telemetry: TelemetryConfig{Prometheus: true},
	}
}

// Validate rejects settings the daemon cannot run with.
func (c Config) Validate() error {
	if c.QuietHours.Start < 0 || c.QuietHours.Start > 23 || c.QuietHours.End < 0 || c.QuietHours.End > 23 {
		return fmt.Errorf("quiet_hours: start and end must be in 0..23")
	}
	switch c.Delivery.Mode {
	case "inbox":
	case "webhook":
		if c.Delivery.WebhookURL == "" {
			return fmt.Errorf("delivery: webhook mode needs webhook_url")
		}
	default:
		return fmt.Errorf("delivery: unknown mode %q", c.Delivery.Mode)
	}
	if _, err := c.location(); err != nil {
		return fmt.Errorf("user.timezone: %w", err)
	}
	return nil
}

func (c Config) location() (*time.Location, error) {
	if c.User.Timezone == "" {
		return time.Local, nil
	}
	return time.LoadLocation(c.User.Timezone)
}

// LoadConfig reads config from $NUDGE_HOME/config.toml, falling back to defaults.
func LoadConfig() (Config, error) {
	cfg := DefaultConfig()
	path := filepath.Join(nudgeHome(), "config.toml")

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// SaveConfig writes the config to $NUDGE_HOME/config.toml.
func SaveConfig(cfg Config) error {
	path := filepath.Join(nudgeHome(), "config.toml")
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}

// nudgeHome returns the data directory.
func nudgeHome() string {
	if env := os.Getenv("NUDGE_HOME"); env != "" {
		return env
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".nudge")
}

// Home is exported for use by other packages.
func Home() string {
	return nudgeHome()
}

// parseDuration parses a duration string, returning a fallback on error.
func parseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		return fallback
	}
	return d
}
