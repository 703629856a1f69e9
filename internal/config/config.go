// Package config holds all configuration types and loading logic for EpochTimer.
// Fields are only ever added, never renamed or removed.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/snehjoshi/epochtimer/internal/timer"
)

// Config is the root configuration for an EpochTimer server instance.
type Config struct {
	Node      NodeConfig      `yaml:"node"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Session   SessionConfig   `yaml:"session"`
	Storage   StorageConfig   `yaml:"storage"`
	Auth      AuthConfig      `yaml:"auth"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

// NodeConfig holds identity and network settings for this server node.
type NodeConfig struct {
	// ID is a ULID string. Use "auto" to generate and persist one on first start.
	ID      string `yaml:"id"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
	DataDir string `yaml:"data_dir"`
}

// SchedulerConfig selects and sizes the timeout scheduler.
type SchedulerConfig struct {
	// Kind is "heap" or "wheel".
	Kind string `yaml:"kind"`
	// TickInterval is how often the reactor calls Tick. For the wheel it is
	// also the width of one slot.
	TickInterval string `yaml:"tick_interval"`

	HeapCapacity    int `yaml:"heap_capacity"`
	HeapMaxCapacity int `yaml:"heap_max_capacity"`

	WheelSlots int `yaml:"wheel_slots"`
}

// SessionConfig controls idle WebSocket sessions.
type SessionConfig struct {
	// IdleTimeout closes a session that has sent nothing for this long.
	IdleTimeout string `yaml:"idle_timeout"`
}

// StorageConfig controls the session journal.
type StorageConfig struct {
	// JournalFile is relative to node.data_dir unless absolute.
	JournalFile string `yaml:"journal_file"`
}

// AuthConfig controls API key authentication.
type AuthConfig struct {
	Enabled bool   `yaml:"enabled"`
	APIKey  string `yaml:"api_key"`
}

// MetricsConfig controls the Prometheus metrics endpoint.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// RateLimitConfig sets per-IP HTTP rate limiting.
type RateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

// Default returns a Config populated with safe, sensible defaults.
// It is the canonical source of truth for default values.
func Default() *Config {
	return &Config{
		Node: NodeConfig{
			ID:      "auto",
			Host:    "0.0.0.0",
			Port:    8080,
			DataDir: "./data",
		},
		Scheduler: SchedulerConfig{
			Kind:            string(timer.KindWheel),
			TickInterval:    "1s",
			HeapCapacity:    64,
			HeapMaxCapacity: 1 << 24,
			WheelSlots:      60,
		},
		Session: SessionConfig{
			IdleTimeout: "60s",
		},
		Storage: StorageConfig{
			JournalFile: "journal.db",
		},
		Auth: AuthConfig{
			Enabled: false,
			APIKey:  "",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
		},
		RateLimit: RateLimitConfig{
			RPS:   100,
			Burst: 200,
		},
	}
}

// Load reads a YAML config file at path and overlays it on top of Default().
// If the file does not exist the default config is returned without error.
//
// After loading the file, environment variables are applied as overrides:
//
//	EPOCHTIMER_AUTH_API_KEY   — sets auth.api_key and enables auth (auth.enabled = true)
//	EPOCHTIMER_DATA_DIR       — sets node.data_dir
//	EPOCHTIMER_PORT           — sets node.port
//	EPOCHTIMER_SCHEDULER      — sets scheduler.kind
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			applyEnv(cfg)
			return cfg, nil
		}
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	applyEnv(cfg)
	return cfg, nil
}

// applyEnv overlays environment variable overrides onto cfg.
func applyEnv(cfg *Config) {
	if v := os.Getenv("EPOCHTIMER_AUTH_API_KEY"); v != "" {
		cfg.Auth.APIKey = v
		cfg.Auth.Enabled = true
	}
	if v := os.Getenv("EPOCHTIMER_DATA_DIR"); v != "" {
		cfg.Node.DataDir = v
	}
	if v := os.Getenv("EPOCHTIMER_PORT"); v != "" {
		var p int
		if _, err := fmt.Sscanf(v, "%d", &p); err == nil && p > 0 {
			cfg.Node.Port = p
		}
	}
	if v := os.Getenv("EPOCHTIMER_SCHEDULER"); v != "" {
		cfg.Scheduler.Kind = v
	}
}

// Validate checks that the config values are consistent and within acceptable
// ranges. It returns the first error found.
func (c *Config) Validate() error {
	if c.Node.Port < 1 || c.Node.Port > 65535 {
		return errors.New("node.port must be between 1 and 65535")
	}
	if c.Node.DataDir == "" {
		return errors.New("node.data_dir must not be empty")
	}
	if _, err := timer.ParseKind(c.Scheduler.Kind); err != nil {
		return errors.New(`scheduler.kind must be one of "heap", "wheel"`)
	}
	if d, err := time.ParseDuration(c.Scheduler.TickInterval); err != nil || d <= 0 {
		return errors.New("scheduler.tick_interval must be a positive duration")
	}
	if c.Scheduler.HeapCapacity < 1 {
		return errors.New("scheduler.heap_capacity must be at least 1")
	}
	if c.Scheduler.HeapMaxCapacity < c.Scheduler.HeapCapacity {
		return errors.New("scheduler.heap_max_capacity must not be below scheduler.heap_capacity")
	}
	if c.Scheduler.WheelSlots < 1 {
		return errors.New("scheduler.wheel_slots must be at least 1")
	}
	if d, err := time.ParseDuration(c.Session.IdleTimeout); err != nil || d <= 0 {
		return errors.New("session.idle_timeout must be a positive duration")
	}
	if c.Storage.JournalFile == "" {
		return errors.New("storage.journal_file must not be empty")
	}
	if c.Metrics.Port < 1 || c.Metrics.Port > 65535 {
		return errors.New("metrics.port must be between 1 and 65535")
	}
	if c.RateLimit.RPS <= 0 || c.RateLimit.Burst < 1 {
		return errors.New("rate_limit.rps must be positive and rate_limit.burst at least 1")
	}
	return nil
}

// TickInterval returns scheduler.tick_interval parsed. Call after Validate.
func (c *Config) TickInterval() time.Duration {
	d, _ := time.ParseDuration(c.Scheduler.TickInterval)
	return d
}

// IdleTimeout returns session.idle_timeout parsed. Call after Validate.
func (c *Config) IdleTimeout() time.Duration {
	d, _ := time.ParseDuration(c.Session.IdleTimeout)
	return d
}

// SchedulerKind returns scheduler.kind parsed. Call after Validate.
func (c *Config) SchedulerKind() timer.Kind {
	k, _ := timer.ParseKind(c.Scheduler.Kind)
	return k
}
