package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// JobState is the lifecycle state of a job. Allowed transitions:
// queued -> processing -> {completed | failed | cancelled}
// failed -> retrying -> queued (while the retry budget lasts)
type JobState string

const (
	Queued     JobState = "queued"
	Processing JobState = "processing"
	Completed  JobState = "completed"
	Failed     JobState = "failed"
	Retrying   JobState = "retrying"
	Cancelled  JobState = "cancelled"
)

// Active reports whether the state counts towards concurrency quota and
// keeps the idempotency key reserved.
func (s JobState) Active() bool {
	return s == Queued || s == Processing
}

// Terminal reports whether no further transitions are possible.
func (s JobState) Terminal() bool {
	return s == Completed || s == Cancelled
}

// QueueClass identifies one of the fixed scheduling lanes. Each class
// has its own depth limit, worker pool size and timeout budget.
type QueueClass string

const (
	ClassCritical  QueueClass = "critical"
	ClassAPI       QueueClass = "api"
	ClassCDN       QueueClass = "cdn"
	ClassAI        QueueClass = "ai"
	ClassDiscovery QueueClass = "discovery"
	ClassBulk      QueueClass = "bulk"
)

// QueueClasses returns the closed set of queue classes.
func QueueClasses() []QueueClass {
	return []QueueClass{ClassCritical, ClassAPI, ClassCDN, ClassAI, ClassDiscovery, ClassBulk}
}

// ValidQueueClass reports whether c belongs to the closed enumeration.
func ValidQueueClass(c QueueClass) bool {
	switch c {
	case ClassCritical, ClassAPI, ClassCDN, ClassAI, ClassDiscovery, ClassBulk:
		return true
	}
	return false
}

// TenantTier is the service tier of the submitting tenant.
type TenantTier string

const (
	TierFree       TenantTier = "free"
	TierStandard   TenantTier = "standard"
	TierPremium    TenantTier = "premium"
	TierEnterprise TenantTier = "enterprise"
)

// ParseTenantTier maps arbitrary input to a tier. The mapping is total:
// anything outside the closed set resolves to the free tier and ok is
// false so that the caller can log the downgrade.
func ParseTenantTier(s string) (tier TenantTier, ok bool) {
	switch TenantTier(s) {
	case TierFree, TierStandard, TierPremium, TierEnterprise:
		return TenantTier(s), true
	}
	return TierFree, false
}

// Priority levels. Higher is served first. Jobs at or above
// PriorityHigh are exempt from probabilistic load shedding.
const (
	PriorityLow      = 10
	PriorityNormal   = 50
	PriorityHigh     = 100
	PriorityCritical = 200
)

// Job is the unit of schedulable work.
type Job struct {
	ID             uuid.UUID
	OwnerID        string
	JobType        string
	QueueClass     QueueClass
	TenantTier     TenantTier
	Priority       int
	Params         json.RawMessage
	IdempotencyKey string

	Status          JobState
	ProgressPercent int
	ProgressMessage string

	Result       json.RawMessage
	ErrorDetails json.RawMessage

	RetryCount int
	MaxRetries int

	EstimatedDuration time.Duration
	ActualDuration    time.Duration

	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// TenantQuota is the per-tier admission policy.
type TenantQuota struct {
	ConcurrentJobsLimit int
	DailyJobsLimit      int
	AllowedQueueClasses []QueueClass
}

// Allows reports whether the tier may submit to the given class.
func (q TenantQuota) Allows(class QueueClass) bool {
	for _, c := range q.AllowedQueueClasses {
		if c == class {
			return true
		}
	}
	return false
}

// ClassConfig is the static per-class scheduling policy.
type ClassConfig struct {
	MaxDepth             int
	MaxConcurrentWorkers int
	Timeout              time.Duration
}

// RejectReason is the machine-readable category of an admission
// rejection, so that callers can branch without string matching.
type RejectReason string

const (
	ReasonQuotaExceeded     RejectReason = "quota_exceeded"
	ReasonQueueFull         RejectReason = "queue_full"
	ReasonInvalidQueueClass RejectReason = "invalid_queue_class"
)

// Rejection is a typed, policy-level admission refusal. It is distinct
// from internal errors: a Rejection means the system is healthy and
// said no.
type Rejection struct {
	Reason  RejectReason
	Message string

	// RetryAfter is a hint, zero when no retry time is knowable.
	RetryAfter time.Duration

	// Populated for queue_full rejections only.
	CurrentDepth int
	MaxDepth     int
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("admission rejected (%s): %s", r.Reason, r.Message)
}

// AsRejection unwraps err into a *Rejection, if it is one.
func AsRejection(err error) (*Rejection, bool) {
	var r *Rejection
	ok := errors.As(err, &r)
	return r, ok
}

// AdmissionRequest carries everything the admission controller needs to
// decide on a job.
type AdmissionRequest struct {
	OwnerID    string
	JobType    string
	Params     map[string]any
	Priority   int
	QueueClass QueueClass
	TenantTier TenantTier

	// EstimatedDuration is an optional caller hint used for ETA math.
	EstimatedDuration time.Duration

	// IdempotencyKey is optional; when empty it is derived from
	// (OwnerID, JobType, Params).
	IdempotencyKey string

	MaxRetries int
}

// Accepted is the successful admission result.
type Accepted struct {
	JobID  uuid.UUID `json:"job_id"`
	Status JobState  `json:"status"`

	// Existing is true when the idempotency key matched a live job and
	// no new work was created.
	Existing bool `json:"existing"`

	QueuePosition              int     `json:"queue_position,omitempty"`
	EstimatedCompletionSeconds float64 `json:"estimated_completion_seconds,omitempty"`
}

// JobStatusView is the caller-facing status projection. ETA fields are
// mutually exclusive by state: queued jobs carry QueuePosition and
// EstimatedStartSeconds, processing jobs carry ElapsedSeconds and
// EstimatedRemainingSeconds, terminal jobs carry neither.
type JobStatusView struct {
	JobID           uuid.UUID `json:"job_id"`
	Status          JobState  `json:"status"`
	ProgressPercent int       `json:"progress_percent"`
	ProgressMessage string    `json:"progress_message,omitempty"`

	QueuePosition         *int     `json:"queue_position,omitempty"`
	EstimatedStartSeconds *float64 `json:"estimated_start_seconds,omitempty"`

	ElapsedSeconds            *float64 `json:"elapsed_seconds,omitempty"`
	EstimatedRemainingSeconds *float64 `json:"estimated_remaining_seconds,omitempty"`

	Result       json.RawMessage `json:"result,omitempty"`
	ErrorDetails json.RawMessage `json:"error_details,omitempty"`
}

// Handoff is the dispatch message. Workers fetch the full row from the
// job store, the message stays tiny on purpose.
type Handoff struct {
	JobID      uuid.UUID  `json:"job_id"`
	QueueClass QueueClass `json:"queue_class"`
	Priority   int        `json:"priority"`
}

// ErrNotFound is returned when a job id does not exist in the store.
var ErrNotFound = errors.New("job not found")
