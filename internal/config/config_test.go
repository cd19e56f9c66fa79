package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := Default()
	assert.Equal(t, 60, cfg.Cache.SweepIntervalSeconds)
	assert.Equal(t, time.Hour, cfg.Cache.ReferenceTTL())
	assert.Equal(t, 5*time.Minute, cfg.Activity.InactivityThreshold())
	assert.Equal(t, 2*time.Second, cfg.Subscriptions.Debounce())
	assert.Equal(t, 30*time.Minute, cfg.Subscriptions.IdleTimeout())
	assert.Equal(t, 5*time.Minute, cfg.Subscriptions.SweepInterval())
	assert.Equal(t, 50, cfg.Subscriptions.MaxProjects)
	assert.Equal(t, 100, cfg.Subscriptions.MaxVendorAssignments)
	assert.Equal(t, 10.0, cfg.RateLimits.RequestsPerSecond)

	bids, ok := cfg.Polling["bids"]
	require.True(t, ok)
	assert.Equal(t, 30*time.Second, bids.Base())
	assert.Equal(t, 10*time.Second, bids.Min())
	assert.Equal(t, 5*time.Minute, bids.Max())
	assert.Equal(t, 1.5, bids.BackoffMultiplier)

	for name, topic := range cfg.Polling {
		assert.NoError(t, topic.Validate(), "topic %s", name)
	}
}

func TestLoadConfig_Defaults(t *testing.T) {
	// No file on disk: Load returns the defaults untouched.
	t.Setenv("BIDSYNC_CONFIG", filepath.Join(t.TempDir(), "nonexistent.yaml"))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 2000, cfg.Subscriptions.DebounceMS)
	assert.Equal(t, 60, cfg.Cache.SweepIntervalSeconds)
}

func TestLoadConfig_FromFile(t *testing.T) {
	tempDir := t.TempDir()
	configPath := filepath.Join(tempDir, "config.yaml")

	yamlContent := `
cache:
  sweep_interval_seconds: 30
  reference_ttl_minutes: 15
activity:
  inactivity_threshold_minutes: 10
polling:
  bids:
    base_interval_ms: 20000
    min_interval_ms: 5000
    max_interval_ms: 200000
    backoff_multiplier: 2
subscriptions:
  debounce_ms: 1000
  idle_timeout_minutes: 20
  sweep_interval_minutes: 2
  max_projects: 25
  max_vendor_assignments: 40
rate_limits:
  requests_per_second: 5.0
  burst: 10
`

	err := os.WriteFile(configPath, []byte(yamlContent), 0644)
	require.NoError(t, err)
	t.Setenv("BIDSYNC_CONFIG", configPath)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 15*time.Minute, cfg.Cache.ReferenceTTL())
	assert.Equal(t, 10*time.Minute, cfg.Activity.InactivityThreshold())
	assert.Equal(t, time.Second, cfg.Subscriptions.Debounce())
	assert.Equal(t, 25, cfg.Subscriptions.MaxProjects)
	assert.Equal(t, 5.0, cfg.RateLimits.RequestsPerSecond)

	bids := cfg.Polling["bids"]
	assert.Equal(t, 20*time.Second, bids.Base())
	assert.Equal(t, 2.0, bids.BackoffMultiplier)
}

func TestLoadConfig_EnvOverride(t *testing.T) {
	t.Setenv("BIDSYNC_CONFIG", filepath.Join(t.TempDir(), "nonexistent.yaml"))
	t.Setenv("BIDSYNC_SUBSCRIPTIONS_DEBOUNCE_MS", "500")
	t.Setenv("BIDSYNC_CACHE_REFERENCE_TTL_MINUTES", "5")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 500*time.Millisecond, cfg.Subscriptions.Debounce())
	assert.Equal(t, 5*time.Minute, cfg.Cache.ReferenceTTL())
}

func TestLoadConfig_InvalidTopic(t *testing.T) {
	tempDir := t.TempDir()
	configPath := filepath.Join(tempDir, "config.yaml")

	yamlContent := `
polling:
  bids:
    base_interval_ms: 0
    min_interval_ms: 1000
    max_interval_ms: 2000
    backoff_multiplier: 2
`
	require.NoError(t, os.WriteFile(configPath, []byte(yamlContent), 0644))
	t.Setenv("BIDSYNC_CONFIG", configPath)

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bids")
}

func TestTopicValidate(t *testing.T) {
	tests := []struct {
		name    string
		topic   Topic
		wantErr bool
	}{
		{
			name:    "valid",
			topic:   Topic{BaseIntervalMS: 30000, MinIntervalMS: 10000, MaxIntervalMS: 300000, BackoffMultiplier: 1.5},
			wantErr: false,
		},
		{
			name:    "zero base",
			topic:   Topic{MinIntervalMS: 1000, MaxIntervalMS: 2000, BackoffMultiplier: 2},
			wantErr: true,
		},
		{
			name:    "max below min",
			topic:   Topic{BaseIntervalMS: 1000, MinIntervalMS: 2000, MaxIntervalMS: 1000, BackoffMultiplier: 2},
			wantErr: true,
		},
		{
			name:    "multiplier below one",
			topic:   Topic{BaseIntervalMS: 1000, MinIntervalMS: 500, MaxIntervalMS: 2000, BackoffMultiplier: 0.5},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.topic.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestSaveConfig(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "nested", "config.yaml")
	t.Setenv("BIDSYNC_CONFIG", configPath)

	cfg := Default()
	cfg.Subscriptions.MaxProjects = 10
	require.NoError(t, cfg.Save())

	loaded, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 10, loaded.Subscriptions.MaxProjects)
}
