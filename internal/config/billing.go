package config

import (
	"errors"
	"log"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// BillingConfig is the reconciliation policy. It is hot-reloaded from billing.yml.
type BillingConfig struct {
	// MaxRetries is the failed-renewal ceiling; the failure that reaches it cancels the subscription.
	MaxRetries  int           `mapstructure:"maxRetries"`
	GracePeriod time.Duration `mapstructure:"gracePeriod"`
	// RenewalLeadWindow is how early before the paid period end a failed charge still counts
	// against an active subscription. Earlier failures belong to an invoice already paid.
	RenewalLeadWindow time.Duration `mapstructure:"renewalLeadWindow"`

	LockTTL            time.Duration `mapstructure:"lockTTL"`
	LockAcquireTimeout time.Duration `mapstructure:"lockAcquireTimeout"`

	IdempotencyTTL            time.Duration `mapstructure:"idempotencyTTL"`
	IdempotencyReservationTTL time.Duration `mapstructure:"idempotencyReservationTTL"`
	IdempotencyWaitTimeout    time.Duration `mapstructure:"idempotencyWaitTimeout"`

	// SweepInterval of zero disables the lifecycle sweeper.
	SweepInterval  time.Duration `mapstructure:"sweepInterval"`
	SweepBatchSize int           `mapstructure:"sweepBatchSize"`
}

func DefaultBillingConfig() BillingConfig {
	return BillingConfig{
		MaxRetries:                3,
		GracePeriod:               72 * time.Hour,
		RenewalLeadWindow:         24 * time.Hour,
		LockTTL:                   30 * time.Second,
		LockAcquireTimeout:        5 * time.Second,
		IdempotencyTTL:            72 * time.Hour,
		IdempotencyReservationTTL: 60 * time.Second,
		IdempotencyWaitTimeout:    10 * time.Second,
		SweepInterval:             0,
		SweepBatchSize:            100,
	}
}

type BillingConfigHolder struct {
	current atomic.Value // holds BillingConfig
}

// NewStaticBillingConfigHolder wraps a fixed policy, used by tests and tooling.
func NewStaticBillingConfigHolder(cfg BillingConfig) *BillingConfigHolder {
	holder := &BillingConfigHolder{}
	holder.current.Store(cfg)
	return holder
}

func NewBillingConfigHolder() (*BillingConfigHolder, error) {
	v := viper.New()

	v.SetConfigName("billing")
	v.SetConfigType("yml")
	v.AddConfigPath("/etc/collectr")
	v.AddConfigPath(".")

	v.SetEnvPrefix("COLLECTR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultBillingConfig()
	v.SetDefault("billing.maxRetries", defaults.MaxRetries)
	v.SetDefault("billing.gracePeriod", defaults.GracePeriod.String())
	v.SetDefault("billing.renewalLeadWindow", defaults.RenewalLeadWindow.String())
	v.SetDefault("billing.lockTTL", defaults.LockTTL.String())
	v.SetDefault("billing.lockAcquireTimeout", defaults.LockAcquireTimeout.String())
	v.SetDefault("billing.idempotencyTTL", defaults.IdempotencyTTL.String())
	v.SetDefault("billing.idempotencyReservationTTL", defaults.IdempotencyReservationTTL.String())
	v.SetDefault("billing.idempotencyWaitTimeout", defaults.IdempotencyWaitTimeout.String())
	v.SetDefault("billing.sweepInterval", defaults.SweepInterval.String())
	v.SetDefault("billing.sweepBatchSize", defaults.SweepBatchSize)

	configFound := true
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		configFound = false
	}

	var cfg BillingConfig
	if err := v.UnmarshalKey("billing", &cfg); err != nil {
		return nil, err
	}
	if err := validateBillingConfig(cfg); err != nil {
		return nil, err
	}

	holder := NewStaticBillingConfigHolder(cfg)
	if !configFound {
		return holder, nil
	}

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated BillingConfig
		if err := v.UnmarshalKey("billing", &updated); err != nil {
			log.Printf("[billing-config] reload failed: %v", err)
			return
		}
		if err := validateBillingConfig(updated); err != nil {
			log.Printf("[billing-config] invalid config ignored: %v", err)
			return
		}
		holder.current.Store(updated)
		log.Printf("[billing-config] reloaded from %s", e.Name)
	})

	return holder, nil
}

func (h *BillingConfigHolder) Get() BillingConfig {
	if h == nil {
		return DefaultBillingConfig()
	}
	cfg, ok := h.current.Load().(BillingConfig)
	if !ok {
		return DefaultBillingConfig()
	}
	return cfg
}

func validateBillingConfig(cfg BillingConfig) error {
	if cfg.MaxRetries <= 0 {
		return errors.New("billing.maxRetries must be positive")
	}
	if cfg.GracePeriod <= 0 {
		return errors.New("billing.gracePeriod must be positive")
	}
	if cfg.RenewalLeadWindow < 0 {
		return errors.New("billing.renewalLeadWindow cannot be negative")
	}
	if cfg.LockTTL <= 0 {
		return errors.New("billing.lockTTL must be positive")
	}
	if cfg.LockAcquireTimeout < 0 {
		return errors.New("billing.lockAcquireTimeout cannot be negative")
	}
	if cfg.IdempotencyTTL <= 0 {
		return errors.New("billing.idempotencyTTL must be positive")
	}
	if cfg.IdempotencyReservationTTL <= 0 {
		return errors.New("billing.idempotencyReservationTTL must be positive")
	}
	if cfg.SweepInterval < 0 {
		return errors.New("billing.sweepInterval cannot be negative")
	}
	return nil
}
