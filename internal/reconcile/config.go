package reconcile

import (
	"time"

	"github.com/smallbiznis/payflow/internal/config"
)

// Config controls how often the reconciler runs and how much it takes on.
type Config struct {
	Interval         time.Duration
	StaleAfter       time.Duration
	BatchSize        int
	LockTTL          time.Duration
	ReceiptRetention time.Duration
	JobTimeout       time.Duration
}

func DefaultConfig() Config {
	return Config{
		Interval:         time.Minute,
		StaleAfter:       5 * time.Minute,
		BatchSize:        100,
		LockTTL:          2 * time.Minute,
		ReceiptRetention: 90 * 24 * time.Hour,
		JobTimeout:       time.Minute,
	}
}

func ProvideConfig(cfg config.Config) Config {
	return Config{
		Interval:         cfg.Reconcile.Interval,
		StaleAfter:       cfg.Reconcile.StaleAfter,
		BatchSize:        cfg.Reconcile.BatchSize,
		LockTTL:          cfg.Reconcile.LockTTL,
		ReceiptRetention: cfg.Reconcile.ReceiptRetention,
	}.withDefaults()
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.Interval <= 0 {
		c.Interval = defaults.Interval
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = defaults.StaleAfter
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaults.BatchSize
	}
	if c.LockTTL <= 0 {
		c.LockTTL = defaults.LockTTL
	}
	if c.ReceiptRetention <= 0 {
		c.ReceiptRetention = defaults.ReceiptRetention
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = defaults.JobTimeout
	}
	return c
}
