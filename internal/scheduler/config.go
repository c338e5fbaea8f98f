package scheduler

import (
	"time"

	"github.com/smallbiznis/collectr/internal/config"
)

// Config controls the sweep interval and batch size.
type Config struct {
	RunInterval time.Duration
	BatchSize   int
	JobTimeout  time.Duration
}

func DefaultConfig() Config {
	return Config{
		RunInterval: 0,
		BatchSize:   100,
		JobTimeout:  30 * time.Second,
	}
}

// ProvideConfig reads the sweep policy from the billing config. A zero interval disables the loop.
func ProvideConfig(billing *config.BillingConfigHolder) Config {
	cfg := billing.Get()
	return Config{
		RunInterval: cfg.SweepInterval,
		BatchSize:   cfg.SweepBatchSize,
	}.withDefaults()
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.RunInterval < 0 {
		c.RunInterval = defaults.RunInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaults.BatchSize
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = defaults.JobTimeout
	}
	return c
}

func (c Config) Enabled() bool {
	return c.RunInterval > 0
}
