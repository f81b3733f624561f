// Package repo implements the durable job record store on Postgres.
// The store is the single source of truth for job state; the in-memory
// priority queue is only an index over rows in status 'queued'.
package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/jobgate/jobgate/model"
)

const jobsTableName = "jobq_jobs"

const jobColumns = `
	id,
	owner_id,
	job_type,
	queue_class,
	tenant_tier,
	priority,
	status,
	params,
	result,
	error_details,
	idempotency_key,
	progress_percent,
	progress_message,
	retry_count,
	max_retries,
	estimated_duration_seconds,
	actual_duration_seconds,
	created_at,
	started_at,
	completed_at
`

var (
	// ErrConcurrentLimit is returned by Insert when the owner is at its
	// concurrency quota. The check and the insert happen in a single
	// statement, so two racing admissions cannot both slip past it.
	ErrConcurrentLimit = errors.New("concurrent jobs limit reached")

	// ErrDuplicateIdempotencyKey is returned by Insert when another live
	// job holds the same idempotency key.
	ErrDuplicateIdempotencyKey = errors.New("idempotency key already active")

	// ErrInvalidTransition is returned when a status update does not
	// apply because the job is not in the expected source state.
	ErrInvalidTransition = errors.New("invalid job state transition")
)

// QueuedRef is the minimal projection used to rebuild the in-memory
// queue from the store.
type QueuedRef struct {
	ID       uuid.UUID
	Priority int
}

// StatusObserver is notified after successful status transitions so
// that the health aggregator can keep trailing-window counters as side
// effects instead of table scans.
type StatusObserver interface {
	JobCompleted(class model.QueueClass)
	JobFailed(class model.QueueClass)
	JobRequeued(class model.QueueClass)
}

type Opt func(*Jobs)

func WithNow(now func() time.Time) Opt {
	return func(r *Jobs) {
		r.now = now
	}
}

func WithObserver(observer StatusObserver) Opt {
	return func(r *Jobs) {
		r.observer = observer
	}
}

// Jobs is the job record store.
type Jobs struct {
	db       *sql.DB
	now      func() time.Time
	observer StatusObserver
}

func NewJobs(db *sql.DB, opts ...Opt) *Jobs {
	r := &Jobs{
		db:  db,
		now: time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Observe registers the status observer after construction. The health
// aggregator reads processing counts from the store while the store
// notifies the aggregator of transitions, so one of the two references
// has to be wired late.
func (r *Jobs) Observe(observer StatusObserver) {
	r.observer = observer
}

// Insert persists a new job in status queued, guarded by the owner's
// concurrency limit inside the same statement. The partial unique index
// on idempotency_key rejects a concurrent duplicate admission.
func (r *Jobs) Insert(ctx context.Context, job *model.Job, concurrentLimit int) error {
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO `+jobsTableName+` (
			id, owner_id, job_type, queue_class, tenant_tier, priority,
			status, params, idempotency_key, max_retries,
			estimated_duration_seconds, created_at
		)
		SELECT $1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12
		WHERE (
			SELECT COUNT(*) FROM `+jobsTableName+`
			WHERE owner_id = $2 AND status IN ($13, $14)
		) < $15`,
		job.ID,
		job.OwnerID,
		job.JobType,
		job.QueueClass,
		job.TenantTier,
		job.Priority,
		model.Queued,
		string(job.Params),
		job.IdempotencyKey,
		job.MaxRetries,
		int64(job.EstimatedDuration/time.Second),
		job.CreatedAt,
		model.Queued,
		model.Processing,
		concurrentLimit,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrDuplicateIdempotencyKey
		}
		return fmt.Errorf("inserting job: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("inserting job: rows affected: %w", err)
	}
	if rows == 0 {
		return ErrConcurrentLimit
	}
	return nil
}

// Get fetches a job by id.
func (r *Jobs) Get(ctx context.Context, id uuid.UUID) (*model.Job, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+jobColumns+` FROM `+jobsTableName+` WHERE id = $1`,
		id,
	)
	return scanJob(row.Scan)
}

// FindActiveByIdempotencyKey returns the live job holding the key, if
// any. Terminal jobs do not reserve their keys.
func (r *Jobs) FindActiveByIdempotencyKey(ctx context.Context, key string) (*model.Job, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+jobColumns+` FROM `+jobsTableName+`
		WHERE idempotency_key = $1 AND status IN ($2, $3)
		LIMIT 1`,
		key, model.Queued, model.Processing,
	)
	return scanJob(row.Scan)
}

// CountActive counts the owner's jobs holding concurrency quota.
func (r *Jobs) CountActive(ctx context.Context, ownerID string) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM `+jobsTableName+`
		WHERE owner_id = $1 AND status IN ($2, $3)`,
		ownerID, model.Queued, model.Processing,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting active jobs: %w", err)
	}
	return count, nil
}

// CountCreatedSince counts all of the owner's jobs created after the
// given instant, regardless of status.
func (r *Jobs) CountCreatedSince(ctx context.Context, ownerID string, since time.Time) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM `+jobsTableName+`
		WHERE owner_id = $1 AND created_at >= $2`,
		ownerID, since,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting created jobs: %w", err)
	}
	return count, nil
}

// ProcessingCounts returns the number of jobs currently processing,
// grouped by queue class.
func (r *Jobs) ProcessingCounts(ctx context.Context) (map[model.QueueClass]int, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT queue_class, COUNT(*) FROM `+jobsTableName+`
		WHERE status = $1
		GROUP BY queue_class`,
		model.Processing,
	)
	if err != nil {
		return nil, fmt.Errorf("counting processing jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[model.QueueClass]int)
	for rows.Next() {
		var class model.QueueClass
		var count int
		if err := rows.Scan(&class, &count); err != nil {
			return nil, fmt.Errorf("counting processing jobs: scan: %w", err)
		}
		counts[class] = count
	}
	return counts, rows.Err()
}

// MarkProcessing transitions a queued job to processing, recording the
// start time. Ownership of the job passes to the worker substrate.
func (r *Jobs) MarkProcessing(ctx context.Context, id uuid.UUID) error {
	return r.transition(ctx, `
		UPDATE `+jobsTableName+` SET
			status = $2,
			started_at = $3,
			progress_percent = 0,
			progress_message = ''
		WHERE id = $1 AND status = $4`,
		id, model.Processing, r.now(), model.Queued,
	)
}

// UpdateProgress records worker progress. The percentage is monotonic,
// a stale lower value never overwrites a higher one.
func (r *Jobs) UpdateProgress(ctx context.Context, id uuid.UUID, percent int, message string) error {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	return r.transition(ctx, `
		UPDATE `+jobsTableName+` SET
			progress_percent = GREATEST(progress_percent, $2),
			progress_message = $3
		WHERE id = $1 AND status = $4`,
		id, percent, message, model.Processing,
	)
}

// Complete transitions a processing job to completed and measures the
// actual duration from started_at.
func (r *Jobs) Complete(ctx context.Context, id uuid.UUID, result json.RawMessage) error {
	class, err := r.transitionClass(ctx, `
		UPDATE `+jobsTableName+` SET
			status = $2,
			result = $3,
			progress_percent = 100,
			completed_at = $4,
			actual_duration_seconds = COALESCE(EXTRACT(EPOCH FROM ($4::timestamptz - started_at))::BIGINT, 0)
		WHERE id = $1 AND status = $5
		RETURNING queue_class`,
		id, model.Completed, string(result), r.now(), model.Processing,
	)
	if err != nil {
		return err
	}
	if r.observer != nil {
		r.observer.JobCompleted(class)
	}
	return nil
}

// Fail transitions a processing job to failed and consumes one unit of
// retry budget. Whether the job is retried again is the reconciler's
// decision.
func (r *Jobs) Fail(ctx context.Context, id uuid.UUID, errorDetails json.RawMessage) error {
	class, err := r.transitionClass(ctx, `
		UPDATE `+jobsTableName+` SET
			status = $2,
			error_details = $3,
			retry_count = retry_count + 1,
			completed_at = $4
		WHERE id = $1 AND status = $5
		RETURNING queue_class`,
		id, model.Failed, string(errorDetails), r.now(), model.Processing,
	)
	if err != nil {
		return err
	}
	if r.observer != nil {
		r.observer.JobFailed(class)
	}
	return nil
}

// Requeue puts a failed job back in the queue, provided it still has
// retry budget. The last failure's error_details are kept for
// inspection until the next attempt overwrites them.
func (r *Jobs) Requeue(ctx context.Context, id uuid.UUID) error {
	class, err := r.transitionClass(ctx, `
		UPDATE `+jobsTableName+` SET
			status = $2,
			started_at = NULL,
			completed_at = NULL,
			progress_percent = 0,
			progress_message = ''
		WHERE id = $1 AND status IN ($3, $4) AND retry_count <= max_retries
		RETURNING queue_class`,
		id, model.Queued, model.Failed, model.Retrying,
	)
	if err != nil {
		return err
	}
	if r.observer != nil {
		r.observer.JobRequeued(class)
	}
	return nil
}

// Cancel records a requested cancellation for a live job. Stopping an
// in-flight worker is the execution substrate's responsibility.
func (r *Jobs) Cancel(ctx context.Context, id uuid.UUID) error {
	err := r.transition(ctx, `
		UPDATE `+jobsTableName+` SET
			status = $2,
			completed_at = $3
		WHERE id = $1 AND status IN ($4, $5)`,
		id, model.Cancelled, r.now(), model.Queued, model.Processing,
	)
	if errors.Is(err, ErrInvalidTransition) {
		if _, getErr := r.Get(ctx, id); errors.Is(getErr, model.ErrNotFound) {
			return model.ErrNotFound
		}
	}
	return err
}

// StuckProcessing returns jobs of a class that entered processing
// before the given cutoff and never reported back.
func (r *Jobs) StuckProcessing(ctx context.Context, class model.QueueClass, startedBefore time.Time) ([]*model.Job, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+jobColumns+` FROM `+jobsTableName+`
		WHERE status = $1 AND queue_class = $2 AND started_at <= $3
		ORDER BY started_at ASC`,
		model.Processing, class, startedBefore,
	)
	if err != nil {
		return nil, fmt.Errorf("querying stuck jobs: %w", err)
	}
	return scanJobs(rows)
}

// RetryableFailed returns failed jobs whose retry budget is not
// exhausted and whose exponential backoff window has elapsed:
// completed_at + base * 2^(retry_count-1) <= now.
func (r *Jobs) RetryableFailed(ctx context.Context, baseBackoff time.Duration, limit int) ([]*model.Job, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+jobColumns+` FROM `+jobsTableName+`
		WHERE status = $1
		  AND retry_count <= max_retries
		  AND completed_at + ($2 * interval '1 second') * POWER(2, GREATEST(retry_count - 1, 0)) <= $3
		ORDER BY completed_at ASC
		LIMIT $4`,
		model.Failed, int64(baseBackoff/time.Second), r.now(), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying retryable jobs: %w", err)
	}
	return scanJobs(rows)
}

// QueuedRefs returns the ids and priorities of all queued jobs of a
// class, in dequeue order. Used to rebuild the in-memory queue.
func (r *Jobs) QueuedRefs(ctx context.Context, class model.QueueClass) ([]QueuedRef, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, priority FROM `+jobsTableName+`
		WHERE status = $1 AND queue_class = $2
		ORDER BY priority DESC, created_at ASC`,
		model.Queued, class,
	)
	if err != nil {
		return nil, fmt.Errorf("querying queued refs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var refs []QueuedRef
	for rows.Next() {
		var ref QueuedRef
		if err := rows.Scan(&ref.ID, &ref.Priority); err != nil {
			return nil, fmt.Errorf("querying queued refs: scan: %w", err)
		}
		refs = append(refs, ref)
	}
	return refs, rows.Err()
}

// AvgProcessingTime returns the average measured duration of the
// class's completions within the trailing window. Zero when there is no
// history yet.
func (r *Jobs) AvgProcessingTime(ctx context.Context, class model.QueueClass, window time.Duration) (time.Duration, error) {
	var avgSeconds float64
	err := r.db.QueryRowContext(ctx, `
		SELECT COALESCE(AVG(actual_duration_seconds), 0) FROM `+jobsTableName+`
		WHERE queue_class = $1 AND status = $2 AND completed_at >= $3`,
		class, model.Completed, r.now().Add(-window),
	).Scan(&avgSeconds)
	if err != nil {
		return 0, fmt.Errorf("averaging processing time: %w", err)
	}
	return time.Duration(avgSeconds * float64(time.Second)), nil
}

func (r *Jobs) transitionClass(ctx context.Context, query string, args ...any) (model.QueueClass, error) {
	var class model.QueueClass
	err := r.db.QueryRowContext(ctx, query, args...).Scan(&class)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrInvalidTransition
	}
	if err != nil {
		return "", fmt.Errorf("updating job: %w", err)
	}
	return class, nil
}

func (r *Jobs) transition(ctx context.Context, query string, args ...any) error {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("updating job: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("updating job: rows affected: %w", err)
	}
	if rows == 0 {
		return ErrInvalidTransition
	}
	return nil
}

func scanJobs(rows *sql.Rows) ([]*model.Job, error) {
	defer func() { _ = rows.Close() }()

	var jobs []*model.Job
	for rows.Next() {
		job, err := scanJob(rows.Scan)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func scanJob(scan func(...any) error) (*model.Job, error) {
	var (
		job              model.Job
		params           []byte
		result           []byte
		errorDetails     []byte
		estimatedSeconds int64
		actualSeconds    int64
		startedAt        sql.NullTime
		completedAt      sql.NullTime
	)
	err := scan(
		&job.ID,
		&job.OwnerID,
		&job.JobType,
		&job.QueueClass,
		&job.TenantTier,
		&job.Priority,
		&job.Status,
		&params,
		&result,
		&errorDetails,
		&job.IdempotencyKey,
		&job.ProgressPercent,
		&job.ProgressMessage,
		&job.RetryCount,
		&job.MaxRetries,
		&estimatedSeconds,
		&actualSeconds,
		&job.CreatedAt,
		&startedAt,
		&completedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning job: %w", err)
	}
	job.Params = json.RawMessage(params)
	job.Result = json.RawMessage(result)
	job.ErrorDetails = json.RawMessage(errorDetails)
	job.EstimatedDuration = time.Duration(estimatedSeconds) * time.Second
	job.ActualDuration = time.Duration(actualSeconds) * time.Second
	if startedAt.Valid {
		job.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		job.CompletedAt = &completedAt.Time
	}
	return &job, nil
}
