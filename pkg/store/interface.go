package store

import (
	"errors"
	"time"

	"github.com/psantana5/fitpipe/pkg/models"
)

var (
	ErrResultNotFound  = errors.New("job result not found")
	ErrProfileNotFound = errors.New("device profile not found")
)

// Store is the persisted-state layout of the pipeline: the full non-terminal
// queue under one key, one terminal result per job id, and the device
// profile. Both implementations serialize with encoding/json.
type Store interface {
	// Queue operations. SaveQueue rewrites the whole queue atomically on
	// every mutation; LoadQueue returns it for restart recovery.
	SaveQueue(jobs []*models.Job) error
	LoadQueue() ([]*models.Job, error)

	// Result operations, keyed job-result:{jobId}. Written once when a job
	// reaches a terminal state, expired by the cleanup manager.
	SaveResult(res *models.JobResult) error
	GetResult(jobID string) (*models.JobResult, error)
	DeleteResult(jobID string) error
	ListResults() ([]*models.JobResult, error)
	PurgeResultsBefore(cutoff time.Time) (int, error)

	// Device profile operations
	SaveDeviceProfile(p *models.DeviceProfile) error
	GetDeviceProfile() (*models.DeviceProfile, error)

	// Lifecycle
	Close() error
	HealthCheck() error
	Vacuum() error
}

// Persisted-state keys
const (
	queueKey        = "queue"
	profileKey      = "device-profile"
	resultKeyPrefix = "job-result:"
)
