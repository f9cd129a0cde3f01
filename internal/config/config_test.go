package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feedforge/duroq/internal/config"
	"github.com/feedforge/duroq/internal/queue"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, "duroq.db", cfg.DBPath)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, ":8888", cfg.AdminListen)
	assert.Equal(t, "fifo", cfg.ClaimOrder)
	assert.Equal(t, 30*time.Second, cfg.LeaseDuration)
	assert.Equal(t, 5*time.Second, cfg.HeartbeatInterval)
	assert.Equal(t, time.Second, cfg.IdleInterval)
	assert.Equal(t, time.Minute, cfg.StaleAfter)
	assert.Equal(t, 5*time.Second, cfg.BackoffBase)
	assert.Equal(t, 10*time.Minute, cfg.BackoffMax)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("DUROQ_DB_PATH", "/var/lib/duroq/feeds.db")
	t.Setenv("DUROQ_CLAIM_ORDER", "lifo")
	t.Setenv("DUROQ_LEASE_DURATION", "2m")

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/duroq/feeds.db", cfg.DBPath)
	assert.Equal(t, "lifo", cfg.ClaimOrder)
	assert.Equal(t, 2*time.Minute, cfg.LeaseDuration)
	assert.Equal(t, queue.OrderLIFO, cfg.Ordering())
}

func TestLoadRejectsBadClaimOrder(t *testing.T) {
	t.Setenv("DUROQ_CLAIM_ORDER", "random")

	_, err := config.Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "claim_order")
}

func TestLoadRejectsNonPositiveDurations(t *testing.T) {
	t.Setenv("DUROQ_LEASE_DURATION", "0s")

	_, err := config.Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "lease_duration")
}

func TestRetryPolicyFromConfig(t *testing.T) {
	t.Setenv("DUROQ_BACKOFF_BASE", "1s")
	t.Setenv("DUROQ_BACKOFF_MAX", "30s")

	cfg, err := config.Load()
	require.NoError(t, err)

	policy := cfg.RetryPolicy()
	assert.Equal(t, time.Second, policy.BaseDelay)
	assert.Equal(t, 30*time.Second, policy.MaxDelay)
	require.NotNil(t, policy.Classify)
}
