// Package reconciler runs the background sweeps that keep the
// in-memory queues and the job store consistent: rebuilding queue
// entries from the store, failing timed-out processing jobs and
// requeueing retryable failures.
package reconciler

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rudderlabs/rudder-go-kit/config"
	"github.com/rudderlabs/rudder-go-kit/logger"
	"github.com/rudderlabs/rudder-go-kit/stats"
	"golang.org/x/sync/errgroup"

	"github.com/jobgate/jobgate/jsonrs"
	"github.com/jobgate/jobgate/model"
	"github.com/jobgate/jobgate/pqueue"
	"github.com/jobgate/jobgate/repo"
)

type jobStore interface {
	QueuedRefs(ctx context.Context, class model.QueueClass) ([]repo.QueuedRef, error)
	StuckProcessing(ctx context.Context, class model.QueueClass, startedBefore time.Time) ([]*model.Job, error)
	RetryableFailed(ctx context.Context, baseBackoff time.Duration, limit int) ([]*model.Job, error)
	Fail(ctx context.Context, id uuid.UUID, errorDetails json.RawMessage) error
	Requeue(ctx context.Context, id uuid.UUID) error
}

type dispatcher interface {
	Notify(ctx context.Context, handoff model.Handoff)
}

type Opt func(*Reconciler)

// WithNow overrides the clock.
func WithNow(now func() time.Time) Opt {
	return func(r *Reconciler) { r.now = now }
}

// Reconciler owns the periodic consistency sweeps. It never makes
// admission decisions, it only repairs state after crashes, worker
// timeouts and failures.
type Reconciler struct {
	repo       jobStore
	pq         *pqueue.Queue
	dispatcher dispatcher
	logger     logger.Logger

	classes map[model.QueueClass]model.ClassConfig
	now     func() time.Time

	rebuildInterval      time.Duration
	timeoutSweepInterval time.Duration
	retrySweepInterval   time.Duration
	retryBaseBackoff     time.Duration
	retryBatchSize       int

	stats struct {
		rebuilt  stats.Measurement
		dropped  stats.Measurement
		timedOut stats.Measurement
		requeued stats.Measurement
	}
}

func New(
	conf *config.Config,
	log logger.Logger,
	statsFactory stats.Stats,
	store jobStore,
	pq *pqueue.Queue,
	d dispatcher,
	opts ...Opt,
) *Reconciler {
	r := &Reconciler{
		repo:       store,
		pq:         pq,
		dispatcher: d,
		logger:     log.Child("reconciler"),
		classes:    model.LoadClassConfigs(conf),
		now:        time.Now,

		rebuildInterval:      conf.GetDuration("Reconciler.rebuildInterval", 1, time.Minute),
		timeoutSweepInterval: conf.GetDuration("Reconciler.timeoutSweepInterval", 30, time.Second),
		retrySweepInterval:   conf.GetDuration("Reconciler.retrySweepInterval", 30, time.Second),
		retryBaseBackoff:     conf.GetDuration("Reconciler.retryBaseBackoff", 30, time.Second),
		retryBatchSize:       conf.GetInt("Reconciler.retryBatchSize", 100),
	}
	for _, opt := range opts {
		opt(r)
	}

	r.stats.rebuilt = statsFactory.NewStat("jobgate_reconciler_rebuilt", stats.CountType)
	r.stats.dropped = statsFactory.NewStat("jobgate_reconciler_dropped", stats.CountType)
	r.stats.timedOut = statsFactory.NewStat("jobgate_reconciler_timed_out", stats.CountType)
	r.stats.requeued = statsFactory.NewStat("jobgate_reconciler_requeued", stats.CountType)
	return r
}

// Start rebuilds the queues from the store and then runs the periodic
// sweeps until the context is cancelled. The initial rebuild is retried
// with exponential backoff since the store may still be warming up.
func (r *Reconciler) Start(ctx context.Context) error {
	rebuild := func() error { return r.RebuildQueues(ctx) }
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 5), ctx)
	if err := backoff.Retry(rebuild, policy); err != nil {
		return fmt.Errorf("initial queue rebuild: %w", err)
	}

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error { return r.loop(gCtx, r.rebuildInterval, "rebuild", r.RebuildQueues) })
	g.Go(func() error { return r.loop(gCtx, r.timeoutSweepInterval, "timeout", r.SweepTimeouts) })
	g.Go(func() error { return r.loop(gCtx, r.retrySweepInterval, "retry", r.SweepRetries) })
	return g.Wait()
}

// loop runs sweep on every tick. Sweep errors are logged and the loop
// keeps going: a transient store error must not take the service down.
func (r *Reconciler) loop(ctx context.Context, interval time.Duration, name string, sweep func(context.Context) error) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := sweep(ctx); err != nil {
				r.logger.Errorf("%s sweep: %v", name, err)
			}
		}
	}
}

// RebuildQueues resyncs every class queue with the store: queued rows
// missing from the queue are enqueued, queue entries whose row is no
// longer queued are dropped. Safe to run at any time since enqueue is
// idempotent.
func (r *Reconciler) RebuildQueues(ctx context.Context) error {
	for _, class := range model.QueueClasses() {
		refs, err := r.repo.QueuedRefs(ctx, class)
		if err != nil {
			return fmt.Errorf("listing queued jobs for %q: %w", class, err)
		}

		queued := make(map[uuid.UUID]struct{}, len(refs))
		for _, ref := range refs {
			queued[ref.ID] = struct{}{}
			if !r.pq.Contains(class, ref.ID) {
				r.pq.Enqueue(class, ref.ID, ref.Priority)
				r.stats.rebuilt.Increment()
			}
		}
		for _, id := range r.pq.JobIDs(class) {
			if _, ok := queued[id]; !ok {
				r.pq.Remove(class, id)
				r.stats.dropped.Increment()
			}
		}
	}
	return nil
}

// SweepTimeouts fails processing jobs that have exceeded their class
// timeout. The retry sweep picks them up once their backoff elapses,
// so a timed-out job with retry budget left will run again.
func (r *Reconciler) SweepTimeouts(ctx context.Context) error {
	now := r.now()
	for class, cfg := range r.classes {
		stuck, err := r.repo.StuckProcessing(ctx, class, now.Add(-cfg.Timeout))
		if err != nil {
			return fmt.Errorf("listing stuck jobs for %q: %w", class, err)
		}
		for _, job := range stuck {
			details, err := jsonrs.Marshal(map[string]string{
				"error": fmt.Sprintf("job timed out after %s", cfg.Timeout),
			})
			if err != nil {
				return fmt.Errorf("marshalling timeout details: %w", err)
			}
			if err := r.repo.Fail(ctx, job.ID, details); err != nil {
				r.logger.Warnf("failing timed-out job %s: %v", job.ID, err)
				continue
			}
			r.stats.timedOut.Increment()
			r.logger.Infon("job timed out",
				logger.NewStringField("jobId", job.ID.String()),
				logger.NewStringField("queueClass", string(class)))
		}
	}
	return nil
}

// SweepRetries requeues failed jobs whose exponential backoff has
// elapsed and which still have retry budget, then re-enqueues and
// re-dispatches them.
func (r *Reconciler) SweepRetries(ctx context.Context) error {
	jobs, err := r.repo.RetryableFailed(ctx, r.retryBaseBackoff, r.retryBatchSize)
	if err != nil {
		return fmt.Errorf("listing retryable jobs: %w", err)
	}
	for _, job := range jobs {
		if err := r.repo.Requeue(ctx, job.ID); err != nil {
			// lost a race with a cancel or another sweep, skip
			r.logger.Warnf("requeueing job %s: %v", job.ID, err)
			continue
		}
		r.pq.Enqueue(job.QueueClass, job.ID, job.Priority)
		r.dispatcher.Notify(ctx, model.Handoff{
			JobID:      job.ID,
			QueueClass: job.QueueClass,
			Priority:   job.Priority,
		})
		r.stats.requeued.Increment()
	}
	return nil
}
