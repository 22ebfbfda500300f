package store

import (
	"sync"
	"time"

	"github.com/psantana5/fitpipe/pkg/models"
)

// MemoryStore is an in-memory implementation of the data store, used by
// tests and as the backend when persistence is disabled.
type MemoryStore struct {
	queueMu sync.RWMutex
	queue   []*models.Job

	resultsMu sync.RWMutex
	results   map[string]*models.JobResult
	savedAt   map[string]time.Time

	profileMu sync.RWMutex
	profile   *models.DeviceProfile
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		results: make(map[string]*models.JobResult),
		savedAt: make(map[string]time.Time),
	}
}

// SaveQueue replaces the persisted queue with a deep copy of jobs
func (s *MemoryStore) SaveQueue(jobs []*models.Job) error {
	copied := make([]*models.Job, 0, len(jobs))
	for _, j := range jobs {
		copied = append(copied, j.Clone())
	}

	s.queueMu.Lock()
	s.queue = copied
	s.queueMu.Unlock()
	return nil
}

// LoadQueue returns a deep copy of the persisted queue
func (s *MemoryStore) LoadQueue() ([]*models.Job, error) {
	s.queueMu.RLock()
	defer s.queueMu.RUnlock()

	out := make([]*models.Job, 0, len(s.queue))
	for _, j := range s.queue {
		out = append(out, j.Clone())
	}
	return out, nil
}

// SaveResult stores the terminal result for a job
func (s *MemoryStore) SaveResult(res *models.JobResult) error {
	c := *res
	if res.Report != nil {
		r := *res.Report
		c.Report = &r
	}

	s.resultsMu.Lock()
	s.results[res.JobID] = &c
	s.savedAt[res.JobID] = time.Now()
	s.resultsMu.Unlock()
	return nil
}

// GetResult retrieves the terminal result for a job
func (s *MemoryStore) GetResult(jobID string) (*models.JobResult, error) {
	s.resultsMu.RLock()
	defer s.resultsMu.RUnlock()

	res, ok := s.results[jobID]
	if !ok {
		return nil, ErrResultNotFound
	}
	c := *res
	if res.Report != nil {
		r := *res.Report
		c.Report = &r
	}
	return &c, nil
}

// DeleteResult removes the terminal result for a job
func (s *MemoryStore) DeleteResult(jobID string) error {
	s.resultsMu.Lock()
	defer s.resultsMu.Unlock()

	if _, ok := s.results[jobID]; !ok {
		return ErrResultNotFound
	}
	delete(s.results, jobID)
	delete(s.savedAt, jobID)
	return nil
}

// ListResults returns all stored terminal results
func (s *MemoryStore) ListResults() ([]*models.JobResult, error) {
	s.resultsMu.RLock()
	defer s.resultsMu.RUnlock()

	out := make([]*models.JobResult, 0, len(s.results))
	for _, res := range s.results {
		c := *res
		if res.Report != nil {
			r := *res.Report
			c.Report = &r
		}
		out = append(out, &c)
	}
	return out, nil
}

// PurgeResultsBefore deletes results persisted before cutoff
func (s *MemoryStore) PurgeResultsBefore(cutoff time.Time) (int, error) {
	s.resultsMu.Lock()
	defer s.resultsMu.Unlock()

	deleted := 0
	for id, at := range s.savedAt {
		if at.Before(cutoff) {
			delete(s.results, id)
			delete(s.savedAt, id)
			deleted++
		}
	}
	return deleted, nil
}

// SaveDeviceProfile stores the device profile
func (s *MemoryStore) SaveDeviceProfile(p *models.DeviceProfile) error {
	c := *p

	s.profileMu.Lock()
	s.profile = &c
	s.profileMu.Unlock()
	return nil
}

// GetDeviceProfile retrieves the stored device profile
func (s *MemoryStore) GetDeviceProfile() (*models.DeviceProfile, error) {
	s.profileMu.RLock()
	defer s.profileMu.RUnlock()

	if s.profile == nil {
		return nil, ErrProfileNotFound
	}
	c := *s.profile
	return &c, nil
}

// Close is a no-op for the memory store
func (s *MemoryStore) Close() error { return nil }

// HealthCheck is a no-op for the memory store
func (s *MemoryStore) HealthCheck() error { return nil }

// Vacuum is a no-op for the memory store
func (s *MemoryStore) Vacuum() error { return nil }
