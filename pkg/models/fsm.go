package models

import (
	"fmt"
	"time"
)

// JobStatus represents the status of a job
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"    // In queue, waiting for admission
	JobStatusProcessing JobStatus = "processing" // Owned by an execution slot
	JobStatusRetrying   JobStatus = "retrying"   // Failed attempt, waiting out backoff
	JobStatusCompleted  JobStatus = "completed"  // Finished successfully
	JobStatusFailed     JobStatus = "failed"     // Failed permanently
	JobStatusCancelled  JobStatus = "cancelled"  // Explicitly cancelled by caller
)

// validTransitions maps from-state to allowed to-states
var validTransitions = map[JobStatus]map[JobStatus]bool{
	JobStatusPending: {
		JobStatusProcessing: true, // Pending → Processing (admitted into a slot)
		JobStatusCancelled:  true, // Pending → Cancelled (caller cancels while queued)
		JobStatusFailed:     true, // Pending → Failed (retry budget exhausted at recovery)
	},
	JobStatusProcessing: {
		JobStatusCompleted: true, // Processing → Completed (session succeeded)
		JobStatusFailed:    true, // Processing → Failed (non-retryable or retries exhausted)
		JobStatusRetrying:  true, // Processing → Retrying (recoverable failure, backoff scheduled)
		JobStatusCancelled: true, // Processing → Cancelled (cooperative cancel acknowledged)
	},
	JobStatusRetrying: {
		JobStatusPending:   true, // Retrying → Pending (backoff elapsed, re-admitted)
		JobStatusCancelled: true, // Retrying → Cancelled (caller cancels during backoff)
		JobStatusFailed:    true, // Retrying → Failed (retry budget exhausted)
	},
	// Terminal states (no transitions allowed)
	JobStatusCompleted: {},
	JobStatusFailed:    {},
	JobStatusCancelled: {},
}

// ValidateTransition checks if a state transition is valid
func ValidateTransition(from, to JobStatus) error {
	allowed, exists := validTransitions[from]
	if !exists {
		return fmt.Errorf("unknown source state: %s", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid transition from %s to %s", from, to)
	}
	return nil
}

// IsTerminalState returns true if the state is terminal (no further transitions)
func IsTerminalState(state JobStatus) bool {
	return state == JobStatusCompleted || state == JobStatusFailed || state == JobStatusCancelled
}

// IsActiveState returns true if the job currently owns an execution slot
func IsActiveState(state JobStatus) bool {
	return state == JobStatusProcessing
}

// IsQueuedState returns true if the job is waiting in the queue
func IsQueuedState(state JobStatus) bool {
	return state == JobStatusPending || state == JobStatusRetrying
}

// RetryPolicy defines retry behavior for failed jobs
type RetryPolicy struct {
	MaxRetries int           // Maximum number of retries after the first attempt
	BaseDelay  time.Duration // Delay before the first retry
	MaxDelay   time.Duration // Cap applied to the computed backoff
}

// DefaultRetryPolicy returns the retry policy used unless a caller overrides it
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: 3,
		BaseDelay:  2 * time.Second,
		MaxDelay:   5 * time.Minute,
	}
}

// Backoff returns the delay before re-admission for the given retry count,
// following baseDelay * 2^(retries-1). retryCount is the count after the
// failed attempt was recorded, so the first retry passes 1.
func (rp RetryPolicy) Backoff(retryCount int) time.Duration {
	if retryCount <= 1 {
		return rp.BaseDelay
	}

	delay := rp.BaseDelay
	for i := 1; i < retryCount; i++ {
		delay *= 2
		if delay > rp.MaxDelay {
			return rp.MaxDelay
		}
	}
	return delay
}

// Exhausted reports whether a job with the given retry count is out of retries
func (rp RetryPolicy) Exhausted(retryCount int) bool {
	return retryCount > rp.MaxRetries
}
