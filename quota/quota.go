// Package quota enforces per-tier admission limits. The tracker is
// stateless: counts are read from the job store at call time, so it
// cannot drift from the source of truth.
package quota

import (
	"context"
	"fmt"
	"time"

	"github.com/rudderlabs/rudder-go-kit/config"
	"github.com/rudderlabs/rudder-go-kit/logger"
	"github.com/rudderlabs/rudder-go-kit/stats"

	"github.com/jobgate/jobgate/model"
)

type jobCounter interface {
	CountActive(ctx context.Context, ownerID string) (int, error)
	CountCreatedSince(ctx context.Context, ownerID string, since time.Time) (int, error)
}

// Tracker answers whether a tenant may submit one more job.
type Tracker struct {
	repo   jobCounter
	logger logger.Logger
	quotas map[model.TenantTier]model.TenantQuota
	now    func() time.Time

	dailyWindow time.Duration

	deniedCounters map[model.RejectReason]stats.Measurement
}

func New(conf *config.Config, log logger.Logger, statsFactory stats.Stats, repo jobCounter) *Tracker {
	t := &Tracker{
		repo:        repo,
		logger:      log.Child("quota"),
		quotas:      model.LoadTenantQuotas(conf),
		now:         time.Now,
		dailyWindow: conf.GetDuration("Quota.dailyWindow", 24, time.Hour),
	}
	t.deniedCounters = map[model.RejectReason]stats.Measurement{}
	for _, reason := range []model.RejectReason{model.ReasonQuotaExceeded, model.ReasonInvalidQueueClass} {
		t.deniedCounters[reason] = statsFactory.NewTaggedStat("jobgate_quota_denied", stats.CountType, stats.Tags{
			"reason": string(reason),
		})
	}
	return t
}

// WithNow overrides the clock, used by tests.
func (t *Tracker) WithNow(now func() time.Time) *Tracker {
	t.now = now
	return t
}

// Quota returns the effective quota for a tier.
func (t *Tracker) Quota(tier model.TenantTier) model.TenantQuota {
	return t.quotas[tier]
}

// Check returns nil when the tenant may submit to the class, or a
// *model.Rejection describing why not. Any other error is an internal
// store failure, not a policy decision.
func (t *Tracker) Check(ctx context.Context, ownerID string, tier model.TenantTier, class model.QueueClass) error {
	quota := t.quotas[tier]

	if !quota.Allows(class) {
		t.deniedCounters[model.ReasonInvalidQueueClass].Increment()
		return &model.Rejection{
			Reason:  model.ReasonInvalidQueueClass,
			Message: fmt.Sprintf("queue class %q not permitted for tier %q", class, tier),
		}
	}

	active, err := t.repo.CountActive(ctx, ownerID)
	if err != nil {
		return fmt.Errorf("counting active jobs for %s: %w", ownerID, err)
	}
	if active >= quota.ConcurrentJobsLimit {
		t.deniedCounters[model.ReasonQuotaExceeded].Increment()
		// No retry hint: nothing is knowable about when the tenant's
		// running jobs will finish.
		return &model.Rejection{
			Reason:  model.ReasonQuotaExceeded,
			Message: fmt.Sprintf("concurrent jobs limit (%d) exceeded", quota.ConcurrentJobsLimit),
		}
	}

	daily, err := t.repo.CountCreatedSince(ctx, ownerID, t.now().Add(-t.dailyWindow))
	if err != nil {
		return fmt.Errorf("counting daily jobs for %s: %w", ownerID, err)
	}
	if daily >= quota.DailyJobsLimit {
		t.deniedCounters[model.ReasonQuotaExceeded].Increment()
		return &model.Rejection{
			Reason:     model.ReasonQuotaExceeded,
			Message:    fmt.Sprintf("daily jobs limit (%d) exceeded", quota.DailyJobsLimit),
			RetryAfter: t.dailyWindow,
		}
	}

	return nil
}
