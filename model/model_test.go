package model

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rudderlabs/rudder-go-kit/config"
)

func TestJobState(t *testing.T) {
	for _, state := range []JobState{Queued, Processing} {
		require.True(t, state.Active(), state)
		require.False(t, state.Terminal(), state)
	}
	for _, state := range []JobState{Completed, Cancelled} {
		require.True(t, state.Terminal(), state)
		require.False(t, state.Active(), state)
	}
	// failed and retrying sit between the two: the job no longer holds
	// quota but may still come back through the retry sweep
	for _, state := range []JobState{Failed, Retrying} {
		require.False(t, state.Active(), state)
		require.False(t, state.Terminal(), state)
	}
}

func TestParseTenantTier(t *testing.T) {
	tier, ok := ParseTenantTier("premium")
	require.True(t, ok)
	require.Equal(t, TierPremium, tier)

	tier, ok = ParseTenantTier("platinum")
	require.False(t, ok)
	require.Equal(t, TierFree, tier, "unknown tiers fall back to free")
}

func TestLoadTenantQuotas(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		quotas := LoadTenantQuotas(config.New())
		require.Len(t, quotas, 4)

		free := quotas[TierFree]
		require.Equal(t, 2, free.ConcurrentJobsLimit)
		require.Equal(t, 50, free.DailyJobsLimit)
		require.True(t, free.Allows(ClassCDN))
		require.False(t, free.Allows(ClassAI))
		require.False(t, free.Allows(ClassCritical))

		require.True(t, quotas[TierEnterprise].Allows(ClassCritical))
	})

	t.Run("configured overrides", func(t *testing.T) {
		conf := config.New()
		conf.Set("Quota.free.concurrentJobs", 7)
		conf.Set("Quota.free.allowedClasses", []string{"api", "bogus"})

		quotas := LoadTenantQuotas(conf)
		require.Equal(t, 7, quotas[TierFree].ConcurrentJobsLimit)
		require.Equal(t, []QueueClass{ClassAPI}, quotas[TierFree].AllowedQueueClasses,
			"unknown classes in config are dropped")
	})
}

func TestLoadClassConfigs(t *testing.T) {
	configs := LoadClassConfigs(config.New())
	require.Len(t, configs, len(QueueClasses()))
	for _, class := range QueueClasses() {
		cfg := configs[class]
		require.Greater(t, cfg.MaxDepth, 0, class)
		require.Greater(t, cfg.MaxConcurrentWorkers, 0, class)
		require.Greater(t, cfg.Timeout.Seconds(), 0.0, class)
	}
}

func TestRejectionAsError(t *testing.T) {
	var err error = &Rejection{Reason: ReasonQueueFull, Message: "saturated"}

	rejection, ok := AsRejection(err)
	require.True(t, ok)
	require.Equal(t, ReasonQueueFull, rejection.Reason)

	_, ok = AsRejection(ErrNotFound)
	require.False(t, ok)
}
