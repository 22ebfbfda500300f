package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// JobType identifies the kind of analysis a job performs
type JobType string

const (
	JobTypePoseAnalysis    JobType = "pose-analysis"
	JobTypeVideoProcessing JobType = "video-processing"
)

// Priority orders jobs for admission. Lower values are admitted first.
type Priority int

const (
	PriorityCritical Priority = iota
	PriorityHigh
	PriorityNormal
	PriorityLow
	PriorityIdle
)

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	case PriorityIdle:
		return "idle"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// ParsePriority parses a priority name, defaulting to normal
func ParsePriority(s string) Priority {
	switch s {
	case "critical":
		return PriorityCritical
	case "high":
		return PriorityHigh
	case "low":
		return PriorityLow
	case "idle":
		return PriorityIdle
	default:
		return PriorityNormal
	}
}

// ExecutionCondition is a declarative constraint a job requires to run
type ExecutionCondition string

const (
	ConditionAny          ExecutionCondition = "any"
	ConditionWifiOnly     ExecutionCondition = "wifi-only"
	ConditionChargingOnly ExecutionCondition = "charging-only"
	ConditionIdleOnly     ExecutionCondition = "idle-only"
)

// VideoRef describes the source video of a job
type VideoRef struct {
	ID              string  `json:"id"`
	URI             string  `json:"uri"`
	DurationSeconds float64 `json:"duration_seconds"`
	SizeBytes       int64   `json:"size_bytes"`
	Width           int     `json:"width,omitempty"`
	Height          int     `json:"height,omitempty"`
}

// Payload carries what a job operates on
type Payload struct {
	Video           VideoRef `json:"video"`
	ExerciseContext string   `json:"exercise_context,omitempty"` // e.g., "squat", "takedown-drill"
}

// Progress reports how far a job has advanced. Current counts frames
// attempted so far, so it never decreases for a given job.
type Progress struct {
	Current int     `json:"current"`
	Total   int     `json:"total"`
	Percent float64 `json:"percent"`
}

// Job is a unit of analysis work tracked through the pipeline state machine
type Job struct {
	ID            string             `json:"id"`
	Type          JobType            `json:"type"`
	Payload       Payload            `json:"payload"`
	Priority      Priority           `json:"priority"`
	Condition     ExecutionCondition `json:"condition"`
	Status        JobStatus          `json:"status"`
	Progress      Progress           `json:"progress"`
	RetryCount    int                `json:"retry_count"`
	NextAttemptAt *time.Time         `json:"next_attempt_at,omitempty"` // set while retrying
	CreatedAt     time.Time          `json:"created_at"`
	UpdatedAt     time.Time          `json:"updated_at"`
	StartedAt     *time.Time         `json:"started_at,omitempty"`
	CompletedAt   *time.Time         `json:"completed_at,omitempty"`
	Error         string             `json:"error,omitempty"`
}

// NewJob creates a pending job with a fresh id
func NewJob(jobType JobType, payload Payload, priority Priority, condition ExecutionCondition) *Job {
	now := time.Now()
	return &Job{
		ID:        uuid.New().String(),
		Type:      jobType,
		Payload:   payload,
		Priority:  priority,
		Condition: condition,
		Status:    JobStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Clone returns a deep copy safe to hand outside the scheduler
func (j *Job) Clone() *Job {
	c := *j
	if j.NextAttemptAt != nil {
		t := *j.NextAttemptAt
		c.NextAttemptAt = &t
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

// JobSnapshot is what GetStatus returns: the job plus, for terminal jobs
// still within retention, the performance report produced for it.
type JobSnapshot struct {
	Job    Job                `json:"job"`
	Report *PerformanceReport `json:"report,omitempty"`
}

// QueueSummary aggregates queue state for callers
type QueueSummary struct {
	QueueLength   int              `json:"queue_length"`
	ActiveCount   int              `json:"active_count"`
	PerPriority   map[Priority]int `json:"per_priority"`
	EstimatedWait time.Duration    `json:"estimated_wait"`
}

const (
	// MaxVideoSizeBytes is the largest video accepted at submission (50 MB).
	MaxVideoSizeBytes = 50 * 1024 * 1024
	// MaxVideoDurationSeconds bounds accepted video length.
	MaxVideoDurationSeconds = 600
)

// ValidateSubmission rejects malformed jobs before they are enqueued
func ValidateSubmission(jobType JobType, payload Payload, priority Priority, condition ExecutionCondition) error {
	switch jobType {
	case JobTypePoseAnalysis, JobTypeVideoProcessing:
	default:
		return NewValidationError(fmt.Sprintf("unknown job type %q", jobType), nil)
	}

	switch condition {
	case ConditionAny, ConditionWifiOnly, ConditionChargingOnly, ConditionIdleOnly:
	default:
		return NewValidationError(fmt.Sprintf("unknown execution condition %q", condition), nil)
	}

	if priority < PriorityCritical || priority > PriorityIdle {
		return NewValidationError(fmt.Sprintf("priority out of range: %d", priority), nil)
	}

	v := payload.Video
	if v.ID == "" {
		return NewValidationError("video id is required", nil)
	}
	if v.URI == "" {
		return NewValidationError("video uri is required", nil)
	}
	if v.DurationSeconds < 0 {
		return NewValidationError(fmt.Sprintf("negative video duration: %.2fs", v.DurationSeconds), nil)
	}
	if v.DurationSeconds > MaxVideoDurationSeconds {
		return NewValidationError(fmt.Sprintf("video too long: %.0fs (max %ds)", v.DurationSeconds, MaxVideoDurationSeconds), nil)
	}
	if v.SizeBytes > MaxVideoSizeBytes {
		return NewValidationError(fmt.Sprintf("video too large: %d bytes (max %d)", v.SizeBytes, MaxVideoSizeBytes), nil)
	}

	return nil
}
