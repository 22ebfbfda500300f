package store

import (
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/psantana5/fitpipe/pkg/models"
)

func testJob(id string, priority models.Priority) *models.Job {
	return &models.Job{
		ID:       id,
		Type:     models.JobTypePoseAnalysis,
		Priority: priority,
		Payload: models.Payload{
			Video: models.VideoRef{
				ID:              "video-" + id,
				URI:             "file:///videos/" + id + ".mp4",
				DurationSeconds: 12,
				SizeBytes:       4 << 20,
			},
		},
		Condition: models.ConditionAny,
		Status:    models.JobStatusPending,
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
}

// TestSQLiteQueueRoundTrip tests that the queue snapshot survives a store reopen
func TestSQLiteQueueRoundTrip(t *testing.T) {
	tmpDB := "/tmp/fitpipe_test_queue.db"
	defer os.Remove(tmpDB)
	defer os.Remove(tmpDB + "-shm")
	defer os.Remove(tmpDB + "-wal")

	s, err := NewSQLiteStore(tmpDB)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}

	jobs := []*models.Job{
		testJob("job-1", models.PriorityNormal),
		testJob("job-2", models.PriorityCritical),
	}
	jobs[1].Status = models.JobStatusRetrying
	jobs[1].RetryCount = 2

	if err := s.SaveQueue(jobs); err != nil {
		t.Fatalf("Failed to save queue: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Failed to close store: %v", err)
	}

	// Reopen and verify the snapshot is intact
	s, err = NewSQLiteStore(tmpDB)
	if err != nil {
		t.Fatalf("Failed to reopen store: %v", err)
	}
	defer s.Close()

	loaded, err := s.LoadQueue()
	if err != nil {
		t.Fatalf("Failed to load queue: %v", err)
	}
	if len(loaded) != 2 {
		t.Fatalf("Expected 2 jobs, got %d", len(loaded))
	}
	if loaded[0].ID != "job-1" || loaded[1].ID != "job-2" {
		t.Errorf("Queue order not preserved: got %s, %s", loaded[0].ID, loaded[1].ID)
	}
	if loaded[1].Status != models.JobStatusRetrying {
		t.Errorf("Expected status %s, got %s", models.JobStatusRetrying, loaded[1].Status)
	}
	if loaded[1].RetryCount != 2 {
		t.Errorf("Expected retry count 2, got %d", loaded[1].RetryCount)
	}

	// Each save replaces the previous snapshot entirely
	if err := s.SaveQueue([]*models.Job{}); err != nil {
		t.Fatalf("Failed to save empty queue: %v", err)
	}
	loaded, err = s.LoadQueue()
	if err != nil {
		t.Fatalf("Failed to load queue: %v", err)
	}
	if len(loaded) != 0 {
		t.Errorf("Expected empty queue after overwrite, got %d jobs", len(loaded))
	}
}

// TestSQLiteLoadQueueEmpty tests that a fresh store loads an empty queue
func TestSQLiteLoadQueueEmpty(t *testing.T) {
	tmpDB := "/tmp/fitpipe_test_empty.db"
	defer os.Remove(tmpDB)
	defer os.Remove(tmpDB + "-shm")
	defer os.Remove(tmpDB + "-wal")

	s, err := NewSQLiteStore(tmpDB)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	defer s.Close()

	loaded, err := s.LoadQueue()
	if err != nil {
		t.Fatalf("LoadQueue on fresh store failed: %v", err)
	}
	if len(loaded) != 0 {
		t.Errorf("Expected empty queue, got %d jobs", len(loaded))
	}
}

// TestSQLiteResultLifecycle tests save, get, delete and purge of job results
func TestSQLiteResultLifecycle(t *testing.T) {
	tmpDB := "/tmp/fitpipe_test_results.db"
	defer os.Remove(tmpDB)
	defer os.Remove(tmpDB + "-shm")
	defer os.Remove(tmpDB + "-wal")

	s, err := NewSQLiteStore(tmpDB)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	defer s.Close()

	now := time.Now().UTC()
	res := &models.JobResult{
		JobID:       "job-1",
		Status:      models.JobStatusCompleted,
		CompletedAt: now,
		Report: &models.PerformanceReport{
			JobID:       "job-1",
			Tier:        models.TierMedium,
			TotalFrames: 100,
			SuccessRate: 0.97,
			Score:       82,
			GeneratedAt: now,
		},
	}
	if err := s.SaveResult(res); err != nil {
		t.Fatalf("Failed to save result: %v", err)
	}

	got, err := s.GetResult("job-1")
	if err != nil {
		t.Fatalf("Failed to get result: %v", err)
	}
	if got.Status != models.JobStatusCompleted {
		t.Errorf("Expected status %s, got %s", models.JobStatusCompleted, got.Status)
	}
	if got.Report == nil || got.Report.Score != 82 {
		t.Errorf("Report not round-tripped: %+v", got.Report)
	}

	if _, err := s.GetResult("missing"); err != ErrResultNotFound {
		t.Errorf("Expected ErrResultNotFound, got %v", err)
	}

	// Purge with a cutoff in the past removes nothing
	n, err := s.PurgeResultsBefore(now.Add(-time.Hour))
	if err != nil {
		t.Fatalf("Purge failed: %v", err)
	}
	if n != 0 {
		t.Errorf("Expected 0 purged, got %d", n)
	}

	// Purge with a cutoff in the future removes the result
	n, err = s.PurgeResultsBefore(time.Now().UTC().Add(time.Hour))
	if err != nil {
		t.Fatalf("Purge failed: %v", err)
	}
	if n != 1 {
		t.Errorf("Expected 1 purged, got %d", n)
	}
	if _, err := s.GetResult("job-1"); err != ErrResultNotFound {
		t.Errorf("Expected ErrResultNotFound after purge, got %v", err)
	}

	if err := s.DeleteResult("job-1"); err != ErrResultNotFound {
		t.Errorf("Expected ErrResultNotFound on double delete, got %v", err)
	}
}

// TestSQLiteDeviceProfile tests that the device profile round-trips
func TestSQLiteDeviceProfile(t *testing.T) {
	tmpDB := "/tmp/fitpipe_test_profile.db"
	defer os.Remove(tmpDB)
	defer os.Remove(tmpDB + "-shm")
	defer os.Remove(tmpDB + "-wal")

	s, err := NewSQLiteStore(tmpDB)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	defer s.Close()

	if _, err := s.GetDeviceProfile(); err != ErrProfileNotFound {
		t.Errorf("Expected ErrProfileNotFound on fresh store, got %v", err)
	}

	p := &models.DeviceProfile{
		Tier:          models.TierHigh,
		CPUThreads:    8,
		CPUModel:      "Test CPU",
		RAMTotalBytes: 8 << 30,
		OS:            "linux",
		Arch:          "arm64",
		ComputedAt:    time.Now().UTC(),
		Params:        models.ParamsForTier(models.TierHigh),
	}
	if err := s.SaveDeviceProfile(p); err != nil {
		t.Fatalf("Failed to save profile: %v", err)
	}

	got, err := s.GetDeviceProfile()
	if err != nil {
		t.Fatalf("Failed to get profile: %v", err)
	}
	if got.Tier != models.TierHigh {
		t.Errorf("Expected tier %s, got %s", models.TierHigh, got.Tier)
	}
	if got.Params.ParallelWorkers != 5 {
		t.Errorf("Expected 5 workers in persisted params, got %d", got.Params.ParallelWorkers)
	}
}

// TestSQLiteConcurrentResults tests that concurrent writes don't cause locks
func TestSQLiteConcurrentResults(t *testing.T) {
	tmpDB := "/tmp/fitpipe_test_concurrent.db"
	defer os.Remove(tmpDB)
	defer os.Remove(tmpDB + "-shm")
	defer os.Remove(tmpDB + "-wal")

	s, err := NewSQLiteStore(tmpDB)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	defer s.Close()

	numResults := 20
	var wg sync.WaitGroup
	errors := make(chan error, numResults)

	for i := 0; i < numResults; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			res := &models.JobResult{
				JobID:       fmt.Sprintf("job-%d", idx),
				Status:      models.JobStatusCompleted,
				CompletedAt: time.Now().UTC(),
			}
			if err := s.SaveResult(res); err != nil {
				errors <- fmt.Errorf("result %d save failed: %w", idx, err)
			}
		}(i)
	}

	wg.Wait()
	close(errors)

	for err := range errors {
		t.Errorf("Concurrent save error: %v", err)
	}

	results, err := s.ListResults()
	if err != nil {
		t.Fatalf("Failed to list results: %v", err)
	}
	if len(results) != numResults {
		t.Errorf("Expected %d results, got %d", numResults, len(results))
	}
}

// TestMemoryStoreIsolation tests that stored jobs are isolated from caller mutation
func TestMemoryStoreIsolation(t *testing.T) {
	s := NewMemoryStore()

	job := testJob("job-1", models.PriorityHigh)
	if err := s.SaveQueue([]*models.Job{job}); err != nil {
		t.Fatalf("Failed to save queue: %v", err)
	}

	// Mutating the caller's copy must not leak into the store
	job.Status = models.JobStatusFailed
	job.RetryCount = 99

	loaded, err := s.LoadQueue()
	if err != nil {
		t.Fatalf("Failed to load queue: %v", err)
	}
	if len(loaded) != 1 {
		t.Fatalf("Expected 1 job, got %d", len(loaded))
	}
	if loaded[0].Status != models.JobStatusPending {
		t.Errorf("Stored job mutated: status %s", loaded[0].Status)
	}
	if loaded[0].RetryCount != 0 {
		t.Errorf("Stored job mutated: retry count %d", loaded[0].RetryCount)
	}

	// Mutating the loaded copy must not leak either
	loaded[0].Status = models.JobStatusCancelled
	again, _ := s.LoadQueue()
	if again[0].Status != models.JobStatusPending {
		t.Errorf("Loaded job shares backing data with store")
	}
}

// TestMemoryStorePurge tests retention purge against the memory store
func TestMemoryStorePurge(t *testing.T) {
	s := NewMemoryStore()

	for i := 0; i < 3; i++ {
		res := &models.JobResult{
			JobID:       fmt.Sprintf("job-%d", i),
			Status:      models.JobStatusFailed,
			CompletedAt: time.Now().UTC(),
		}
		if err := s.SaveResult(res); err != nil {
			t.Fatalf("Failed to save result: %v", err)
		}
	}

	n, err := s.PurgeResultsBefore(time.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("Purge failed: %v", err)
	}
	if n != 3 {
		t.Errorf("Expected 3 purged, got %d", n)
	}

	results, err := s.ListResults()
	if err != nil {
		t.Fatalf("Failed to list results: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("Expected no results after purge, got %d", len(results))
	}
}
