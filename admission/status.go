package admission

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/jobgate/jobgate/model"
	"github.com/jobgate/jobgate/repo"
)

// Status projects a job into its caller-facing view. The ETA fields
// depend on the job's state: a queued job gets its queue position and
// an estimated start, a processing job gets elapsed and remaining
// time, a terminal job gets only its result or error.
func (c *Controller) Status(ctx context.Context, jobID uuid.UUID) (*model.JobStatusView, error) {
	job, err := c.repo.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}

	view := &model.JobStatusView{
		JobID:           job.ID,
		Status:          job.Status,
		ProgressPercent: job.ProgressPercent,
		ProgressMessage: job.ProgressMessage,
	}

	switch job.Status {
	case model.Queued:
		if position := c.pq.Position(job.QueueClass, job.ID); position > 0 {
			view.QueuePosition = &position
			estimatedStart := c.estimateStart(ctx, job.QueueClass, position)
			view.EstimatedStartSeconds = &estimatedStart
		}
	case model.Processing:
		if job.StartedAt != nil {
			elapsed := c.now().Sub(*job.StartedAt).Seconds()
			view.ElapsedSeconds = &elapsed
			if job.EstimatedDuration > 0 {
				remaining := job.EstimatedDuration.Seconds() - elapsed
				if remaining < 0 {
					remaining = 0
				}
				view.EstimatedRemainingSeconds = &remaining
			}
		}
	case model.Completed:
		view.Result = job.Result
	case model.Failed, model.Cancelled:
		view.ErrorDetails = job.ErrorDetails
	}
	return view, nil
}

// estimateStart multiplies the number of full worker rounds ahead of
// the job by the class's recent average processing time, falling back
// to half the class timeout when there is no recent history.
func (c *Controller) estimateStart(ctx context.Context, class model.QueueClass, position int) float64 {
	cfg := c.classes[class]
	perJob, err := c.repo.AvgProcessingTime(ctx, class, c.avgWindow)
	if err != nil {
		c.logger.Warnf("average processing time for %q: %v", class, err)
		perJob = 0
	}
	if perJob <= 0 {
		perJob = cfg.Timeout / 2
	}
	workers := cfg.MaxConcurrentWorkers
	if workers <= 0 {
		workers = 1
	}
	return float64(position-1) / float64(workers) * perJob.Seconds()
}

// Cancel cancels a still-live job. It returns model.ErrNotFound for an
// unknown id and repo.ErrInvalidTransition when the job has already
// reached a terminal state.
func (c *Controller) Cancel(ctx context.Context, jobID uuid.UUID) error {
	job, err := c.repo.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if err := c.repo.Cancel(ctx, jobID); err != nil {
		return err
	}
	if job.Status == model.Queued {
		c.pq.Remove(job.QueueClass, jobID)
	}
	return nil
}

// IsTerminalCancel reports whether a cancel error means the job had
// already finished.
func IsTerminalCancel(err error) bool {
	return errors.Is(err, repo.ErrInvalidTransition)
}
