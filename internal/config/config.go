package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// Config collects every policy knob of the synchronization layer. All the
// numbers here are policy defaults, not invariants; anything can be overridden
// per deployment via the YAML file or environment variables.
type Config struct {
	Cache         Cache            `yaml:"cache"`
	Activity      Activity         `yaml:"activity"`
	Polling       map[string]Topic `yaml:"polling"`
	Subscriptions Subscriptions    `yaml:"subscriptions"`
	RateLimits    Limits           `yaml:"rate_limits"`
}

// Cache configures the TTL store.
type Cache struct {
	SweepIntervalSeconds int `yaml:"sweep_interval_seconds" envconfig:"CACHE_SWEEP_INTERVAL_SECONDS"`
	ReferenceTTLMinutes  int `yaml:"reference_ttl_minutes" envconfig:"CACHE_REFERENCE_TTL_MINUTES"`
}

func (c Cache) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalSeconds) * time.Second
}

func (c Cache) ReferenceTTL() time.Duration {
	return time.Duration(c.ReferenceTTLMinutes) * time.Minute
}

// Activity configures the eligibility predicate.
type Activity struct {
	InactivityThresholdMinutes int `yaml:"inactivity_threshold_minutes" envconfig:"ACTIVITY_INACTIVITY_THRESHOLD_MINUTES"`
}

func (a Activity) InactivityThreshold() time.Duration {
	return time.Duration(a.InactivityThresholdMinutes) * time.Minute
}

// Topic is the adaptive-interval configuration for one polling topic.
// Intervals are milliseconds to keep the YAML round and the arithmetic exact.
type Topic struct {
	BaseIntervalMS    int     `yaml:"base_interval_ms"`
	MinIntervalMS     int     `yaml:"min_interval_ms"`
	MaxIntervalMS     int     `yaml:"max_interval_ms"`
	BackoffMultiplier float64 `yaml:"backoff_multiplier"`
}

func (t Topic) Base() time.Duration { return time.Duration(t.BaseIntervalMS) * time.Millisecond }
func (t Topic) Min() time.Duration  { return time.Duration(t.MinIntervalMS) * time.Millisecond }
func (t Topic) Max() time.Duration  { return time.Duration(t.MaxIntervalMS) * time.Millisecond }

// Validate rejects topic configurations that would make the interval
// arithmetic nonsensical.
func (t Topic) Validate() error {
	if t.BaseIntervalMS <= 0 {
		return fmt.Errorf("base interval must be positive, got %dms", t.BaseIntervalMS)
	}
	if t.MinIntervalMS <= 0 || t.MaxIntervalMS < t.MinIntervalMS {
		return fmt.Errorf("interval bounds [%dms, %dms] are invalid", t.MinIntervalMS, t.MaxIntervalMS)
	}
	if t.BackoffMultiplier < 1 {
		return fmt.Errorf("backoff multiplier must be >= 1, got %g", t.BackoffMultiplier)
	}
	return nil
}

// Subscriptions configures the push-subscription router.
type Subscriptions struct {
	DebounceMS           int `yaml:"debounce_ms" envconfig:"SUBSCRIPTIONS_DEBOUNCE_MS"`
	IdleTimeoutMinutes   int `yaml:"idle_timeout_minutes" envconfig:"SUBSCRIPTIONS_IDLE_TIMEOUT_MINUTES"`
	SweepIntervalMinutes int `yaml:"sweep_interval_minutes" envconfig:"SUBSCRIPTIONS_SWEEP_INTERVAL_MINUTES"`
	MaxProjects          int `yaml:"max_projects" envconfig:"SUBSCRIPTIONS_MAX_PROJECTS"`
	MaxVendorAssignments int `yaml:"max_vendor_assignments" envconfig:"SUBSCRIPTIONS_MAX_VENDOR_ASSIGNMENTS"`
}

func (s Subscriptions) Debounce() time.Duration {
	return time.Duration(s.DebounceMS) * time.Millisecond
}

func (s Subscriptions) IdleTimeout() time.Duration {
	return time.Duration(s.IdleTimeoutMinutes) * time.Minute
}

func (s Subscriptions) SweepInterval() time.Duration {
	return time.Duration(s.SweepIntervalMinutes) * time.Minute
}

// Limits bounds the aggregate backend request rate shared by all polling
// topics.
type Limits struct {
	RequestsPerSecond float64 `yaml:"requests_per_second" envconfig:"REQUESTS_PER_SECOND"`
	Burst             int     `yaml:"burst" envconfig:"BURST"`
}

// ConfigPath returns the configuration file path.
// Default: ~/.config/bidsync/config.yaml
func ConfigPath() string {
	if path := os.Getenv("BIDSYNC_CONFIG"); path != "" {
		return path
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "bidsync", "config.yaml")
}

// Load builds the effective configuration: defaults, overridden by the YAML
// file when present, overridden by BIDSYNC_* environment variables.
func Load() (*Config, error) {
	cfg := Default()

	configPath := ConfigPath()
	if data, err := os.ReadFile(configPath); err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, err
		}
	}

	// Process nested structs individually to support flat env var names.
	// The polling topic table is YAML-only.
	if err := envconfig.Process("BIDSYNC", &cfg.Cache); err != nil {
		return nil, err
	}
	if err := envconfig.Process("BIDSYNC", &cfg.Activity); err != nil {
		return nil, err
	}
	if err := envconfig.Process("BIDSYNC", &cfg.Subscriptions); err != nil {
		return nil, err
	}
	if err := envconfig.Process("BIDSYNC", &cfg.RateLimits); err != nil {
		return nil, err
	}

	for name, topic := range cfg.Polling {
		if err := topic.Validate(); err != nil {
			return nil, fmt.Errorf("polling topic %q: %w", name, err)
		}
	}

	return cfg, nil
}

// Save writes the configuration to the config path, creating the directory
// if needed.
func (c *Config) Save() error {
	configPath := ConfigPath()

	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}

	return os.WriteFile(configPath, data, 0644)
}
