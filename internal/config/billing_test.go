package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultBillingConfigIsValid(t *testing.T) {
	cfg := DefaultBillingConfig()
	require.NoError(t, validateBillingConfig(cfg))
	assert.Equal(t, 3, cfg.MaxRetries)
	assert.Equal(t, 72*time.Hour, cfg.GracePeriod)
	assert.Equal(t, 24*time.Hour, cfg.RenewalLeadWindow)
}

func TestValidateBillingConfigRejectsInvalidPolicy(t *testing.T) {
	cfg := DefaultBillingConfig()
	cfg.MaxRetries = 0
	assert.Error(t, validateBillingConfig(cfg))

	cfg = DefaultBillingConfig()
	cfg.GracePeriod = 0
	assert.Error(t, validateBillingConfig(cfg))

	cfg = DefaultBillingConfig()
	cfg.RenewalLeadWindow = -time.Minute
	assert.Error(t, validateBillingConfig(cfg))

	cfg = DefaultBillingConfig()
	cfg.LockTTL = -time.Second
	assert.Error(t, validateBillingConfig(cfg))
}

func TestNewBillingConfigHolderFallsBackToDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	holder, err := NewBillingConfigHolder()
	require.NoError(t, err)

	cfg := holder.Get()
	assert.Equal(t, DefaultBillingConfig().MaxRetries, cfg.MaxRetries)
	assert.Equal(t, DefaultBillingConfig().GracePeriod, cfg.GracePeriod)
	assert.Equal(t, DefaultBillingConfig().LockTTL, cfg.LockTTL)
}

func TestBillingConfigHolderNilSafe(t *testing.T) {
	var holder *BillingConfigHolder
	assert.Equal(t, DefaultBillingConfig(), holder.Get())
}

func TestNormalizeBackend(t *testing.T) {
	assert.Equal(t, BackendDatabase, normalizeBackend("postgres"))
	assert.Equal(t, BackendMemory, normalizeBackend(" MEMORY "))
	assert.Equal(t, BackendRedis, normalizeBackend(""))
}
