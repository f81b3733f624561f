package model

import (
	"time"

	"github.com/rudderlabs/rudder-go-kit/config"
	"github.com/samber/lo"
)

type tierDefaults struct {
	concurrent int
	daily      int
	classes    []QueueClass
}

var quotaDefaults = map[TenantTier]tierDefaults{
	TierFree:       {2, 50, []QueueClass{ClassAPI, ClassCDN, ClassDiscovery}},
	TierStandard:   {5, 500, []QueueClass{ClassAPI, ClassCDN, ClassDiscovery, ClassBulk}},
	TierPremium:    {10, 2000, []QueueClass{ClassAPI, ClassCDN, ClassDiscovery, ClassBulk, ClassAI}},
	TierEnterprise: {25, 10000, QueueClasses()},
}

// LoadTenantQuotas builds the tier -> quota table from configuration,
// e.g. Quota.premium.concurrentJobs, falling back to built-in defaults.
func LoadTenantQuotas(conf *config.Config) map[TenantTier]TenantQuota {
	quotas := make(map[TenantTier]TenantQuota, len(quotaDefaults))
	for tier, def := range quotaDefaults {
		prefix := "Quota." + string(tier) + "."
		classes := def.classes
		if configured := conf.GetStringSlice(prefix+"allowedClasses", nil); len(configured) > 0 {
			classes = lo.FilterMap(configured, func(s string, _ int) (QueueClass, bool) {
				return QueueClass(s), ValidQueueClass(QueueClass(s))
			})
		}
		quotas[tier] = TenantQuota{
			ConcurrentJobsLimit: conf.GetInt(prefix+"concurrentJobs", def.concurrent),
			DailyJobsLimit:      conf.GetInt(prefix+"dailyJobs", def.daily),
			AllowedQueueClasses: classes,
		}
	}
	return quotas
}

type classDefaults struct {
	maxDepth   int
	maxWorkers int
	timeout    time.Duration
}

var classConfigDefaults = map[QueueClass]classDefaults{
	ClassCritical:  {50, 8, 60 * time.Second},
	ClassAPI:       {200, 16, 30 * time.Second},
	ClassCDN:       {500, 12, 120 * time.Second},
	ClassAI:        {100, 4, 600 * time.Second},
	ClassDiscovery: {300, 8, 300 * time.Second},
	ClassBulk:      {1000, 4, 900 * time.Second},
}

// LoadClassConfigs builds the per-class scheduling policy from
// configuration, e.g. Queue.cdn.maxDepth, falling back to built-in
// defaults. The class set itself is closed and not configurable.
func LoadClassConfigs(conf *config.Config) map[QueueClass]ClassConfig {
	configs := make(map[QueueClass]ClassConfig, len(classConfigDefaults))
	for class, def := range classConfigDefaults {
		prefix := "Queue." + string(class) + "."
		configs[class] = ClassConfig{
			MaxDepth:             conf.GetInt(prefix+"maxDepth", def.maxDepth),
			MaxConcurrentWorkers: conf.GetInt(prefix+"maxConcurrentWorkers", def.maxWorkers),
			Timeout:              conf.GetDuration(prefix+"timeout", int64(def.timeout/time.Second), time.Second),
		}
	}
	return configs
}
