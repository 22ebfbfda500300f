package cleanup

import (
	"io"
	"testing"
	"time"

	"github.com/psantana5/fitpipe/pkg/logging"
	"github.com/psantana5/fitpipe/pkg/models"
	"github.com/psantana5/fitpipe/pkg/scratch"
	"github.com/psantana5/fitpipe/pkg/store"
)

func quietLogger() *logging.Logger {
	l := logging.NewLogger(logging.ERROR, false)
	l.SetOutput(io.Discard)
	return l
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.ResultRetention = 0 // everything already saved is expired
	cfg.InitialDelay = time.Hour
	cfg.SweepInterval = time.Hour
	cfg.VacuumInterval = time.Hour
	return cfg
}

func TestSweepExpiresResults(t *testing.T) {
	st := store.NewMemoryStore()
	for _, id := range []string{"job-1", "job-2"} {
		err := st.SaveResult(&models.JobResult{JobID: id, Status: models.JobStatusCompleted, CompletedAt: time.Now()})
		if err != nil {
			t.Fatalf("SaveResult: %v", err)
		}
	}

	m := New(testConfig(), st, nil, quietLogger())
	m.SweepNow()

	if _, err := st.GetResult("job-1"); err != store.ErrResultNotFound {
		t.Errorf("expected job-1 expired, got %v", err)
	}

	stats := m.GetStats()
	if stats.ResultsPurged != 2 {
		t.Errorf("expected 2 results purged, got %d", stats.ResultsPurged)
	}
	if stats.LastSweepTime.IsZero() {
		t.Error("LastSweepTime not recorded")
	}
}

func TestSweepPurgesOrphanedScratch(t *testing.T) {
	st := store.NewMemoryStore()
	sc := scratch.NewMem()

	for _, key := range []string{"live/frame-00000", "live/frame-00001", "orphan/frame-00000"} {
		if err := sc.Write(key, []byte("payload")); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}

	// One queued job still references the "live" video.
	job := models.NewJob(models.JobTypePoseAnalysis, models.Payload{
		Video: models.VideoRef{ID: "live", URI: "file:///v.mp4", DurationSeconds: 10},
	}, models.PriorityNormal, models.ConditionAny)
	if err := st.SaveQueue([]*models.Job{job}); err != nil {
		t.Fatalf("SaveQueue: %v", err)
	}

	m := New(testConfig(), st, sc, quietLogger())
	m.SweepNow()

	videos, err := sc.Videos()
	if err != nil {
		t.Fatalf("Videos: %v", err)
	}
	if len(videos) != 1 || videos[0] != "live" {
		t.Errorf("expected only live video to survive, got %v", videos)
	}

	if got := m.GetStats().VideosPurged; got != 1 {
		t.Errorf("expected 1 video purged, got %d", got)
	}
}

func TestVacuumNow(t *testing.T) {
	m := New(testConfig(), store.NewMemoryStore(), nil, quietLogger())
	m.VacuumNow()

	stats := m.GetStats()
	if stats.VacuumRuns != 1 {
		t.Errorf("expected 1 vacuum run, got %d", stats.VacuumRuns)
	}
}

func TestDisabledManagerIsInert(t *testing.T) {
	cfg := testConfig()
	cfg.Enabled = false

	m := New(cfg, store.NewMemoryStore(), nil, quietLogger())
	m.Start()
	m.Stop() // must not hang waiting on loops that never started
}

func TestStartStop(t *testing.T) {
	m := New(testConfig(), store.NewMemoryStore(), scratch.NewMem(), quietLogger())
	m.Start()

	done := make(chan struct{})
	go func() {
		m.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}
}
