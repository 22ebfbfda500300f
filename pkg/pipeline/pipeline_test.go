package pipeline

import (
	"context"
	"io"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/psantana5/fitpipe/pkg/cleanup"
	"github.com/psantana5/fitpipe/pkg/logging"
	"github.com/psantana5/fitpipe/pkg/models"
	"github.com/psantana5/fitpipe/pkg/process"
	"github.com/psantana5/fitpipe/pkg/scheduler"
	"github.com/psantana5/fitpipe/pkg/signals"
	"github.com/psantana5/fitpipe/pkg/store"
)

func quietLogger() *logging.Logger {
	l := logging.NewLogger(logging.ERROR, false)
	l.SetOutput(io.Discard)
	return l
}

// fastMediumParams is the medium tier with the throttling delays shrunk
// so a full run finishes in well under a second.
func fastMediumParams() models.TierParams {
	params := models.ParamsForTier(models.TierMedium)
	params.InterChunkYield = time.Millisecond
	params.MemorySampleEvery = 10 * time.Millisecond
	params.ChunkTimeout = 5 * time.Second
	return params
}

// seededStore pre-caches a medium-tier device profile so tests never
// depend on the machine they run on. CPUThreads and Arch must match the
// runtime or the profiler treats the cache as stale and re-probes.
func seededStore(t *testing.T) *store.MemoryStore {
	t.Helper()
	st := store.NewMemoryStore()
	err := st.SaveDeviceProfile(&models.DeviceProfile{
		Tier:          models.TierMedium,
		CPUThreads:    runtime.NumCPU(),
		RAMTotalBytes: 6 << 30,
		OS:            "android",
		Arch:          runtime.GOARCH,
		ComputedAt:    time.Now(),
		Params:        fastMediumParams(),
	})
	require.NoError(t, err)
	return st
}

func testOptions(st *store.MemoryStore, analyzer process.FrameAnalyzer, provider signals.Provider) Options {
	return Options{
		Store:    st,
		Analyzer: analyzer,
		Provider: provider,
		Logger:   quietLogger(),
		Scheduler: scheduler.Config{
			MaxConcurrent: 2,
			Tick:          10 * time.Millisecond,
			Retry: models.RetryPolicy{
				MaxRetries: 3,
				BaseDelay:  20 * time.Millisecond,
				MaxDelay:   200 * time.Millisecond,
			},
		},
		Cleanup: cleanup.Config{Enabled: false, ResultRetention: time.Hour},
	}
}

func newTestPipeline(t *testing.T, analyzer process.FrameAnalyzer, provider signals.Provider) *Pipeline {
	t.Helper()
	p, err := New(testOptions(seededStore(t), analyzer, provider))
	require.NoError(t, err)
	p.Start()
	t.Cleanup(func() { _ = p.Stop() })
	return p
}

func testVideo(id string, durationSeconds float64) models.Payload {
	return models.Payload{
		Video: models.VideoRef{
			ID:              id,
			URI:             "file:///videos/" + id + ".mp4",
			DurationSeconds: durationSeconds,
			SizeBytes:       8 << 20,
		},
		ExerciseContext: "squat",
	}
}

func statusOf(p *Pipeline, id string) models.JobStatus {
	snap, err := p.GetStatus(id)
	if err != nil {
		return ""
	}
	return snap.Job.Status
}

func TestAnalysisRunsToScoredCompletion(t *testing.T) {
	analyzer := process.AnalyzeFunc(func(ctx context.Context, ref *models.FrameRef, data []byte) error {
		time.Sleep(500 * time.Microsecond)
		return nil
	})

	p := newTestPipeline(t, analyzer, signals.NewSimulatedProvider())

	var mu sync.Mutex
	var report *models.PerformanceReport
	var percents []float64
	var completions int32

	id, err := p.Submit(models.JobTypePoseAnalysis, testVideo("squat-session", 10), models.PriorityNormal, models.ConditionAny, scheduler.Callbacks{
		OnProgress: func(jobID string, pr models.Progress) {
			mu.Lock()
			percents = append(percents, pr.Percent)
			mu.Unlock()
		},
		OnComplete: func(jobID string, r *models.PerformanceReport) {
			atomic.AddInt32(&completions, 1)
			mu.Lock()
			report = r
			mu.Unlock()
		},
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return statusOf(p, id) == models.JobStatusCompleted
	}, 15*time.Second, 20*time.Millisecond)

	require.Equal(t, int32(1), atomic.LoadInt32(&completions))

	mu.Lock()
	defer mu.Unlock()
	require.NotNil(t, report, "completed job must carry a performance report")
	require.Equal(t, 100, report.TotalFrames, "10s at medium tier samples 10 fps")
	require.GreaterOrEqual(t, report.SuccessRate, 0.9)
	require.Greater(t, report.Score, 0)
	require.LessOrEqual(t, report.Score, 100)
	require.Equal(t, models.TierMedium, report.Tier)

	require.NotEmpty(t, percents)
	for i := 1; i < len(percents); i++ {
		require.GreaterOrEqual(t, percents[i], percents[i-1], "progress went backwards")
	}
	require.GreaterOrEqual(t, percents[len(percents)-1], 90.0)

	// The terminal snapshot keeps the report available within retention.
	snap, err := p.GetStatus(id)
	require.NoError(t, err)
	require.NotNil(t, snap.Report)
	require.Equal(t, report.Score, snap.Report.Score)
}

func TestCancelTakesEffectAtChunkBoundary(t *testing.T) {
	var calls int32
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once

	analyzer := process.AnalyzeFunc(func(ctx context.Context, ref *models.FrameRef, data []byte) error {
		atomic.AddInt32(&calls, 1)
		once.Do(func() { close(started) })
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})

	p := newTestPipeline(t, analyzer, signals.NewSimulatedProvider())

	var errCalls int32
	var gotErr error
	var mu sync.Mutex
	id, err := p.Submit(models.JobTypePoseAnalysis, testVideo("to-cancel", 10), models.PriorityNormal, models.ConditionAny, scheduler.Callbacks{
		OnError: func(jobID string, err error) {
			atomic.AddInt32(&errCalls, 1)
			mu.Lock()
			gotErr = err
			mu.Unlock()
		},
	})
	require.NoError(t, err)

	<-started
	require.True(t, p.Cancel(id))
	close(release)

	require.Eventually(t, func() bool {
		return statusOf(p, id) == models.JobStatusCancelled
	}, 10*time.Second, 20*time.Millisecond)

	// The chunk that was in flight finished; nothing after it started.
	require.LessOrEqual(t, atomic.LoadInt32(&calls), int32(10), "analysis continued past the cancelled chunk")
	require.Equal(t, int32(1), atomic.LoadInt32(&errCalls))
	mu.Lock()
	require.True(t, models.IsCancelled(gotErr))
	mu.Unlock()

	require.False(t, p.Cancel(id), "cancel of a terminal job must report false")
}

func TestCorruptVideoFailsWithoutRetry(t *testing.T) {
	var calls int32
	analyzer := process.AnalyzeFunc(func(ctx context.Context, ref *models.FrameRef, data []byte) error {
		atomic.AddInt32(&calls, 1)
		return nil
	})

	p := newTestPipeline(t, analyzer, signals.NewSimulatedProvider())

	var errCalls int32
	var gotErr error
	var mu sync.Mutex
	// Zero declared duration and no probe: extraction cannot size the
	// frame sequence and must fail the job up front.
	id, err := p.Submit(models.JobTypePoseAnalysis, testVideo("corrupt", 0), models.PriorityNormal, models.ConditionAny, scheduler.Callbacks{
		OnError: func(jobID string, err error) {
			atomic.AddInt32(&errCalls, 1)
			mu.Lock()
			gotErr = err
			mu.Unlock()
		},
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return statusOf(p, id) == models.JobStatusFailed
	}, 5*time.Second, 20*time.Millisecond)

	require.Equal(t, int32(0), atomic.LoadInt32(&calls), "no frame may reach the analyzer")
	require.Equal(t, int32(1), atomic.LoadInt32(&errCalls))
	mu.Lock()
	require.Equal(t, models.ErrorTypeExtraction, models.TypeOf(gotErr))
	mu.Unlock()

	snap, err := p.GetStatus(id)
	require.NoError(t, err)
	require.Equal(t, 0, snap.Job.RetryCount, "extraction failures are not retried")
}

func TestRestartTreatsInterruptedRunAsFailedAttempt(t *testing.T) {
	st := seededStore(t)

	started := make(chan struct{})
	var once sync.Once
	analyzer := process.AnalyzeFunc(func(ctx context.Context, ref *models.FrameRef, data []byte) error {
		once.Do(func() { close(started) })
		<-ctx.Done()
		return ctx.Err()
	})

	p1, err := New(testOptions(st, analyzer, signals.NewSimulatedProvider()))
	require.NoError(t, err)
	p1.Start()

	id, err := p1.Submit(models.JobTypePoseAnalysis, testVideo("interrupted", 10), models.PriorityNormal, models.ConditionAny, scheduler.Callbacks{})
	require.NoError(t, err)
	<-started

	require.NoError(t, p1.Stop())

	jobs, err := st.LoadQueue()
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.Equal(t, models.JobStatusProcessing, jobs[0].Status)

	// Hold admission on the second run so the recovered state is
	// observable.
	deny := signals.NewSimulatedProvider()
	deny.SetBattery(10, false)

	p2, err := New(testOptions(st, analyzer, deny))
	require.NoError(t, err)
	p2.Start()
	t.Cleanup(func() { _ = p2.Stop() })

	snap, err := p2.GetStatus(id)
	require.NoError(t, err)
	require.Equal(t, models.JobStatusPending, snap.Job.Status)
	require.Equal(t, 1, snap.Job.RetryCount)
}

func TestSubmitValidation(t *testing.T) {
	analyzer := process.AnalyzeFunc(func(ctx context.Context, ref *models.FrameRef, data []byte) error { return nil })
	p := newTestPipeline(t, analyzer, signals.NewSimulatedProvider())

	_, err := p.Submit(models.JobTypePoseAnalysis, models.Payload{}, models.PriorityNormal, models.ConditionAny, scheduler.Callbacks{})
	require.True(t, models.IsValidation(err))

	long := testVideo("marathon", 0)
	long.Video.DurationSeconds = 3600
	_, err = p.Submit(models.JobTypePoseAnalysis, long, models.PriorityNormal, models.ConditionAny, scheduler.Callbacks{})
	require.True(t, models.IsValidation(err))
}
