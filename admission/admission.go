// Package admission is the orchestration core: it validates quota,
// applies backpressure, resolves idempotency, persists the job,
// enqueues it and hands it to the dispatcher.
package admission

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/rudderlabs/rudder-go-kit/config"
	"github.com/rudderlabs/rudder-go-kit/logger"
	"github.com/rudderlabs/rudder-go-kit/stats"
	"github.com/spaolacci/murmur3"

	"github.com/jobgate/jobgate/jsonrs"
	"github.com/jobgate/jobgate/model"
	"github.com/jobgate/jobgate/pqueue"
	"github.com/jobgate/jobgate/repo"
)

type jobStore interface {
	Insert(ctx context.Context, job *model.Job, concurrentLimit int) error
	Get(ctx context.Context, id uuid.UUID) (*model.Job, error)
	FindActiveByIdempotencyKey(ctx context.Context, key string) (*model.Job, error)
	AvgProcessingTime(ctx context.Context, class model.QueueClass, window time.Duration) (time.Duration, error)
	Cancel(ctx context.Context, id uuid.UUID) error
}

type quotaChecker interface {
	Check(ctx context.Context, ownerID string, tier model.TenantTier, class model.QueueClass) error
	Quota(tier model.TenantTier) model.TenantQuota
}

type dispatcher interface {
	Notify(ctx context.Context, handoff model.Handoff)
}

type enqueueObserver interface {
	JobEnqueued(class model.QueueClass)
}

type nopEnqueueObserver struct{}

func (nopEnqueueObserver) JobEnqueued(model.QueueClass) {}

type Opt func(*Controller)

// WithNow overrides the clock.
func WithNow(now func() time.Time) Opt {
	return func(c *Controller) { c.now = now }
}

// WithRand overrides the load-shedding random source, so that
// backpressure behaviour is deterministic under test.
func WithRand(randFn func() float64) Opt {
	return func(c *Controller) { c.rand = randFn }
}

// WithIDGenerator overrides job id generation.
func WithIDGenerator(newID func() uuid.UUID) Opt {
	return func(c *Controller) { c.newID = newID }
}

// WithEnqueueObserver registers the health aggregator's enqueue hook.
func WithEnqueueObserver(observer enqueueObserver) Opt {
	return func(c *Controller) { c.observer = observer }
}

// Controller admits jobs into the system.
type Controller struct {
	repo       jobStore
	quota      quotaChecker
	pq         *pqueue.Queue
	dispatcher dispatcher
	observer   enqueueObserver
	logger     logger.Logger

	classes map[model.QueueClass]model.ClassConfig

	now   func() time.Time
	rand  func() float64
	newID func() uuid.UUID

	shedStartFraction  float64
	shedMaxProbability float64
	avgWindow          time.Duration
	defaultMaxRetries  int

	stats struct {
		admitted  stats.Measurement
		existing  stats.Measurement
		rejected  map[model.RejectReason]stats.Measurement
		admitTime stats.Measurement
	}
}

func New(
	conf *config.Config,
	log logger.Logger,
	statsFactory stats.Stats,
	store jobStore,
	quota quotaChecker,
	pq *pqueue.Queue,
	d dispatcher,
	opts ...Opt,
) *Controller {
	c := &Controller{
		repo:       store,
		quota:      quota,
		pq:         pq,
		dispatcher: d,
		observer:   nopEnqueueObserver{},
		logger:     log.Child("admission"),
		classes:    model.LoadClassConfigs(conf),
		now:        time.Now,
		rand:       rand.Float64,
		newID:      uuid.New,

		shedStartFraction:  conf.GetFloat64("Admission.shedStartFraction", 0.8),
		shedMaxProbability: conf.GetFloat64("Admission.shedMaxProbability", 0.8),
		avgWindow:          conf.GetDuration("Admission.avgProcessingWindow", 24, time.Hour),
		defaultMaxRetries:  conf.GetInt("Admission.defaultMaxRetries", 3),
	}
	for _, opt := range opts {
		opt(c)
	}

	c.stats.admitted = statsFactory.NewStat("jobgate_admitted", stats.CountType)
	c.stats.existing = statsFactory.NewStat("jobgate_admitted_existing", stats.CountType)
	c.stats.admitTime = statsFactory.NewStat("jobgate_admit_time", stats.TimerType)
	c.stats.rejected = make(map[model.RejectReason]stats.Measurement)
	for _, reason := range []model.RejectReason{
		model.ReasonQuotaExceeded, model.ReasonQueueFull, model.ReasonInvalidQueueClass,
	} {
		c.stats.rejected[reason] = statsFactory.NewTaggedStat("jobgate_rejected", stats.CountType, stats.Tags{
			"reason": string(reason),
		})
	}
	return c
}

// Admit runs the admission sequence. It returns either an accepted
// result, a *model.Rejection (policy refusal) or an internal error.
// Each step short-circuits on failure.
func (c *Controller) Admit(ctx context.Context, req model.AdmissionRequest) (*model.Accepted, error) {
	defer c.stats.admitTime.RecordDuration()()

	if !model.ValidQueueClass(req.QueueClass) {
		return nil, c.reject(&model.Rejection{
			Reason:  model.ReasonInvalidQueueClass,
			Message: fmt.Sprintf("unknown queue class %q", req.QueueClass),
		})
	}
	cfg := c.classes[req.QueueClass]

	// 1. quota
	if err := c.quota.Check(ctx, req.OwnerID, req.TenantTier, req.QueueClass); err != nil {
		if rejection, ok := model.AsRejection(err); ok {
			return nil, c.reject(rejection)
		}
		return nil, fmt.Errorf("quota check: %w", err)
	}

	// 2. backpressure. High-priority traffic is never shed randomly.
	depth := c.pq.Depth(req.QueueClass)
	if req.Priority < model.PriorityHigh {
		if p := c.shedProbability(depth, cfg.MaxDepth); p > 0 && c.rand() < p {
			return nil, c.reject(&model.Rejection{
				Reason:       model.ReasonQueueFull,
				Message:      fmt.Sprintf("queue %q is saturated", req.QueueClass),
				CurrentDepth: depth,
				MaxDepth:     cfg.MaxDepth,
			})
		}
	}

	// 3. idempotency
	key := req.IdempotencyKey
	if key == "" {
		var err error
		if key, err = IdempotencyKey(req.OwnerID, req.JobType, req.Params); err != nil {
			return nil, fmt.Errorf("deriving idempotency key: %w", err)
		}
	}
	if existing, err := c.repo.FindActiveByIdempotencyKey(ctx, key); err == nil {
		c.stats.existing.Increment()
		return &model.Accepted{JobID: existing.ID, Status: existing.Status, Existing: true}, nil
	} else if !errors.Is(err, model.ErrNotFound) {
		return nil, fmt.Errorf("idempotency lookup: %w", err)
	}

	// 4. persist, with the concurrency guard inside the statement
	params, err := jsonrs.Marshal(req.Params)
	if err != nil {
		return nil, fmt.Errorf("marshalling params: %w", err)
	}
	maxRetries := req.MaxRetries
	if maxRetries <= 0 {
		maxRetries = c.defaultMaxRetries
	}
	job := &model.Job{
		ID:                c.newID(),
		OwnerID:           req.OwnerID,
		JobType:           req.JobType,
		QueueClass:        req.QueueClass,
		TenantTier:        req.TenantTier,
		Priority:          req.Priority,
		Params:            params,
		IdempotencyKey:    key,
		Status:            model.Queued,
		MaxRetries:        maxRetries,
		EstimatedDuration: req.EstimatedDuration,
		CreatedAt:         c.now(),
	}
	err = c.repo.Insert(ctx, job, c.quota.Quota(req.TenantTier).ConcurrentJobsLimit)
	switch {
	case errors.Is(err, repo.ErrConcurrentLimit):
		return nil, c.reject(&model.Rejection{
			Reason:  model.ReasonQuotaExceeded,
			Message: "concurrent jobs limit exceeded",
		})
	case errors.Is(err, repo.ErrDuplicateIdempotencyKey):
		// lost the admission race, the winner's job is the result
		existing, findErr := c.repo.FindActiveByIdempotencyKey(ctx, key)
		if findErr != nil {
			return nil, fmt.Errorf("resolving duplicate admission: %w", findErr)
		}
		c.stats.existing.Increment()
		return &model.Accepted{JobID: existing.ID, Status: existing.Status, Existing: true}, nil
	case err != nil:
		return nil, fmt.Errorf("persisting job: %w", err)
	}

	// 5. enqueue
	c.pq.Enqueue(req.QueueClass, job.ID, job.Priority)
	c.observer.JobEnqueued(req.QueueClass)

	// 6. dispatch hand-off, fire and forget
	c.dispatcher.Notify(ctx, model.Handoff{
		JobID:      job.ID,
		QueueClass: job.QueueClass,
		Priority:   job.Priority,
	})

	// 7. position and ETA
	position := c.pq.Position(req.QueueClass, job.ID)
	c.stats.admitted.Increment()
	return &model.Accepted{
		JobID:                      job.ID,
		Status:                     model.Queued,
		QueuePosition:              position,
		EstimatedCompletionSeconds: estimateCompletion(position, cfg, req.EstimatedDuration),
	}, nil
}

// shedProbability ramps linearly from 0 at shedStartFraction*maxDepth
// up to shedMaxProbability at maxDepth and beyond. The ceiling is
// deliberately below 1.0: a saturated queue keeps admitting a trickle
// instead of locking out completely.
func (c *Controller) shedProbability(depth, maxDepth int) float64 {
	if maxDepth <= 0 {
		return 0
	}
	start := c.shedStartFraction * float64(maxDepth)
	if float64(depth) <= start {
		return 0
	}
	ramp := (float64(depth) - start) / (float64(maxDepth) - start)
	if ramp > 1 {
		ramp = 1
	}
	return ramp * c.shedMaxProbability
}

func estimateCompletion(position int, cfg model.ClassConfig, estimated time.Duration) float64 {
	perJob := estimated
	if perJob <= 0 {
		perJob = cfg.Timeout / 2
	}
	workers := cfg.MaxConcurrentWorkers
	if workers <= 0 {
		workers = 1
	}
	return float64(position) / float64(workers) * perJob.Seconds()
}

// IdempotencyKey derives the stable admission key from the owner, job
// type and canonically serialized params (the JSON codec sorts map
// keys, so equal maps always produce equal bytes).
func IdempotencyKey(ownerID, jobType string, params map[string]any) (string, error) {
	canonical, err := jsonrs.Marshal(params)
	if err != nil {
		return "", err
	}
	h := murmur3.New128()
	_, _ = h.Write([]byte(ownerID))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(jobType))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write(canonical)
	h1, h2 := h.Sum128()
	return fmt.Sprintf("%016x%016x", h1, h2), nil
}

func (c *Controller) reject(rejection *model.Rejection) *model.Rejection {
	c.stats.rejected[rejection.Reason].Increment()
	c.logger.Debugf("admission rejected: %s: %s", rejection.Reason, rejection.Message)
	return rejection
}
