package scheduler

import (
	"time"

	"github.com/psantana5/fitpipe/pkg/models"
)

// recoverQueue restores the persisted queue after a process restart.
// Runs from Start before the loop goroutine exists, so it may touch
// loop-owned state directly.
//
// An interrupted run counts as a failed attempt: jobs found in
// processing come back as pending with their retry count incremented,
// or fail permanently if that exhausts the budget. Retrying jobs keep
// their backoff schedule. Callbacks do not survive a restart, so
// exhausted jobs get a persisted result only.
func (s *Scheduler) recoverQueue() {
	jobs, err := s.store.LoadQueue()
	if err != nil {
		s.log.Warn("Could not load persisted queue, starting empty", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}
	if len(jobs) == 0 {
		return
	}

	now := time.Now()
	restored, failed, dropped := 0, 0, 0

	for _, job := range jobs {
		switch job.Status {
		case models.JobStatusProcessing:
			job.RetryCount++
			if s.policy.Exhausted(job.RetryCount) {
				s.failInterrupted(job, now)
				failed++
				continue
			}
			job.Status = models.JobStatusPending
			job.NextAttemptAt = nil
			job.Progress = models.Progress{}
			job.StartedAt = nil
			job.UpdatedAt = now
			s.queue.push(job)
			restored++

		case models.JobStatusPending, models.JobStatusRetrying:
			s.queue.push(job)
			restored++

		default:
			// Terminal jobs never belong in the queue key.
			dropped++
		}
	}

	s.persistQueue()
	s.log.Info("Queue recovered", map[string]interface{}{
		"restored": restored,
		"failed":   failed,
		"dropped":  dropped,
	})
}

// failInterrupted finalizes a job whose interrupted run used up its
// last retry. It bypasses callback notification, which is impossible
// across a restart; the result is still persisted for GetStatus.
func (s *Scheduler) failInterrupted(job *models.Job, now time.Time) {
	job.Status = models.JobStatusFailed
	job.Error = "interrupted by restart with no retries left"
	job.CompletedAt = &now
	job.UpdatedAt = now

	result := &models.JobResult{
		JobID:       job.ID,
		Status:      models.JobStatusFailed,
		Error:       job.Error,
		RetryCount:  job.RetryCount,
		CompletedAt: now,
	}
	if err := s.store.SaveResult(result); err != nil {
		s.log.Warn("Failed to persist interrupted job result", map[string]interface{}{
			"job_id": job.ID,
			"error":  err.Error(),
		})
	}
	s.metrics.JobTransition(models.JobStatusFailed)
}
