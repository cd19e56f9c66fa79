package config

// Default returns the shipped policy defaults: volatile collections poll on
// adaptive 15s–2m bases, reference data caches for an hour, subscriptions
// debounce bursts for 2s and are retired after 30 minutes idle.
func Default() *Config {
	return &Config{
		Cache: Cache{
			SweepIntervalSeconds: 60,
			ReferenceTTLMinutes:  60,
		},
		Activity: Activity{
			InactivityThresholdMinutes: 5,
		},
		Polling: map[string]Topic{
			"bids": {
				BaseIntervalMS:    30000,
				MinIntervalMS:     10000,
				MaxIntervalMS:     300000,
				BackoffMultiplier: 1.5,
			},
			"vendors": {
				BaseIntervalMS:    120000,
				MinIntervalMS:     60000,
				MaxIntervalMS:     600000,
				BackoffMultiplier: 2,
			},
			"notes": {
				BaseIntervalMS:    15000,
				MinIntervalMS:     5000,
				MaxIntervalMS:     120000,
				BackoffMultiplier: 1.5,
			},
		},
		Subscriptions: Subscriptions{
			DebounceMS:           2000,
			IdleTimeoutMinutes:   30,
			SweepIntervalMinutes: 5,
			MaxProjects:          50,
			MaxVendorAssignments: 100,
		},
		RateLimits: Limits{
			RequestsPerSecond: 10,
			Burst:             20,
		},
	}
}
