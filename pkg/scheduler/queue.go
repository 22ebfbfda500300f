package scheduler

import (
	"sort"
	"time"

	"github.com/psantana5/fitpipe/pkg/models"
)

// jobQueue holds queued jobs (pending and retrying). It is owned by the
// scheduler's run loop and must never be touched from another goroutine.
type jobQueue struct {
	jobs []*models.Job
}

func newJobQueue() *jobQueue {
	return &jobQueue{}
}

func (q *jobQueue) len() int {
	return len(q.jobs)
}

func (q *jobQueue) push(job *models.Job) {
	q.jobs = append(q.jobs, job)
}

func (q *jobQueue) get(id string) *models.Job {
	for _, job := range q.jobs {
		if job.ID == id {
			return job
		}
	}
	return nil
}

func (q *jobQueue) remove(id string) *models.Job {
	for i, job := range q.jobs {
		if job.ID == id {
			q.jobs = append(q.jobs[:i], q.jobs[i+1:]...)
			return job
		}
	}
	return nil
}

// sorted returns the jobs in admission order: priority ascending
// (critical first), creation time breaking ties within a priority.
func (q *jobQueue) sorted() []*models.Job {
	sorted := make([]*models.Job, len(q.jobs))
	copy(sorted, q.jobs)

	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Priority != sorted[j].Priority {
			return sorted[i].Priority < sorted[j].Priority
		}
		return sorted[i].CreatedAt.Before(sorted[j].CreatedAt)
	})

	return sorted
}

// promoteDue flips retrying jobs whose backoff has elapsed back to
// pending. A missing NextAttemptAt counts as due immediately.
func (q *jobQueue) promoteDue(now time.Time) int {
	promoted := 0
	for _, job := range q.jobs {
		if job.Status != models.JobStatusRetrying {
			continue
		}
		if job.NextAttemptAt != nil && job.NextAttemptAt.After(now) {
			continue
		}
		job.Status = models.JobStatusPending
		job.NextAttemptAt = nil
		job.UpdatedAt = now
		promoted++
	}
	return promoted
}

func (q *jobQueue) perPriority() map[models.Priority]int {
	counts := make(map[models.Priority]int)
	for _, job := range q.jobs {
		counts[job.Priority]++
	}
	return counts
}

// all returns the backing jobs in insertion order. The slice is a copy,
// the elements are not.
func (q *jobQueue) all() []*models.Job {
	jobs := make([]*models.Job, len(q.jobs))
	copy(jobs, q.jobs)
	return jobs
}
