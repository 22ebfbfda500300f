// Package pipeline assembles the background video-analysis pipeline
// behind a small programmatic API: submit jobs, cancel them, query
// status, and let the scheduler do the rest.
package pipeline

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/psantana5/fitpipe/pkg/cleanup"
	"github.com/psantana5/fitpipe/pkg/device"
	"github.com/psantana5/fitpipe/pkg/extract"
	"github.com/psantana5/fitpipe/pkg/gate"
	"github.com/psantana5/fitpipe/pkg/logging"
	"github.com/psantana5/fitpipe/pkg/metrics"
	"github.com/psantana5/fitpipe/pkg/models"
	"github.com/psantana5/fitpipe/pkg/monitor"
	"github.com/psantana5/fitpipe/pkg/process"
	"github.com/psantana5/fitpipe/pkg/scheduler"
	"github.com/psantana5/fitpipe/pkg/scratch"
	"github.com/psantana5/fitpipe/pkg/signals"
	"github.com/psantana5/fitpipe/pkg/store"
	"github.com/psantana5/fitpipe/pkg/tracing"
)

// watchInterval is how often the default host provider polls the OS
const watchInterval = 15 * time.Second

// Options configures a pipeline. Only Analyzer is required.
type Options struct {
	// DataDir roots persistent state: the database, frame scratch, and
	// log files. Empty keeps everything in memory.
	DataDir string

	// Analyzer is the pluggable frame-analysis function, typically the
	// pose-detection model adapter.
	Analyzer process.FrameAnalyzer

	// Provider supplies device signals. Defaults to the host provider
	// with a background poll.
	Provider signals.Provider

	// Probe inspects a video for its real duration before extraction.
	// Optional; without it the declared duration is trusted.
	Probe extract.ProbeFunc

	// Store overrides the persistence layer derived from DataDir.
	Store store.Store

	Logger    *logging.Logger
	Metrics   *metrics.Collector
	Tracing   *tracing.Provider
	Scheduler scheduler.Config
	Cleanup   cleanup.Config
}

// Pipeline is the assembled system
type Pipeline struct {
	store         store.Store
	provider      signals.Provider
	ownedProvider *signals.HostProvider
	profiler      *device.Profiler
	gate          *gate.Gate
	monitor       *monitor.Monitor
	scratch       scratch.Scratch
	scheduler     *scheduler.Scheduler
	cleanup       *cleanup.Manager
	metrics       *metrics.Collector
	log           *logging.Logger
}

// New builds a pipeline from the given options
func New(opts Options) (*Pipeline, error) {
	if opts.Analyzer == nil {
		return nil, fmt.Errorf("pipeline: frame analyzer is required")
	}

	log := opts.Logger
	if log == nil {
		log = logging.NewLogger(logging.INFO, false)
	}

	st := opts.Store
	var sc scratch.Scratch
	if opts.DataDir != "" {
		if err := os.MkdirAll(opts.DataDir, 0o755); err != nil {
			return nil, fmt.Errorf("pipeline: create data dir: %w", err)
		}
		if st == nil {
			sq, err := store.NewSQLiteStore(filepath.Join(opts.DataDir, "pipeline.db"))
			if err != nil {
				return nil, fmt.Errorf("pipeline: open store: %w", err)
			}
			st = sq
		}
		dir, err := scratch.NewDir(opts.DataDir)
		if err != nil {
			return nil, fmt.Errorf("pipeline: create scratch: %w", err)
		}
		sc = dir
	} else {
		if st == nil {
			st = store.NewMemoryStore()
		}
		sc = scratch.NewMem()
	}

	provider := opts.Provider
	var owned *signals.HostProvider
	if provider == nil {
		owned = signals.NewHostProvider()
		provider = owned
	}

	profiler := device.NewProfiler(st, log)
	g := gate.New(provider, log)
	mon := monitor.New(provider, log)
	extractor := extract.NewSampledExtractor(opts.Probe, sc, log)
	processor := process.New(opts.Analyzer, provider, sc, log)
	executor := NewAnalysisExecutor(profiler, extractor, processor, mon, sc, opts.Metrics, log).WithTracing(opts.Tracing)
	sched := scheduler.New(st, g, executor, log, opts.Metrics, opts.Scheduler)

	ccfg := opts.Cleanup
	if ccfg.ResultRetention == 0 {
		ccfg = cleanup.DefaultConfig()
	}

	return &Pipeline{
		store:         st,
		provider:      provider,
		ownedProvider: owned,
		profiler:      profiler,
		gate:          g,
		monitor:       mon,
		scratch:       sc,
		scheduler:     sched,
		cleanup:       cleanup.New(ccfg, st, sc, log),
		metrics:       opts.Metrics,
		log:           log,
	}, nil
}

// Start recovers persisted jobs and begins scheduling
func (p *Pipeline) Start() {
	if p.ownedProvider != nil {
		p.ownedProvider.Watch(watchInterval)
	}
	p.scheduler.Start()
	p.cleanup.Start()
	p.log.Info("Pipeline started", nil)
}

// Stop drains the scheduler and closes storage. In-flight jobs are
// persisted as processing and resume through recovery on the next
// Start.
func (p *Pipeline) Stop() error {
	err := p.scheduler.Stop()
	p.cleanup.Stop()
	if p.ownedProvider != nil {
		p.ownedProvider.Close()
	}
	if cerr := p.store.Close(); cerr != nil && err == nil {
		err = cerr
	}
	p.log.Info("Pipeline stopped", nil)
	return err
}

// Submit queues a new analysis job. Validation failures are returned
// synchronously; everything after that flows through the callbacks.
func (p *Pipeline) Submit(jobType models.JobType, payload models.Payload, priority models.Priority, condition models.ExecutionCondition, cbs scheduler.Callbacks) (string, error) {
	return p.scheduler.Submit(jobType, payload, priority, condition, cbs)
}

// Cancel cancels a queued or active job
func (p *Pipeline) Cancel(jobID string) bool {
	return p.scheduler.Cancel(jobID)
}

// GetStatus returns the job's current snapshot, or
// scheduler.ErrJobNotFound once it has left retention.
func (p *Pipeline) GetStatus(jobID string) (*models.JobSnapshot, error) {
	return p.scheduler.GetStatus(jobID)
}

// GetQueueSummary reports aggregate queue state
func (p *Pipeline) GetQueueSummary() (models.QueueSummary, error) {
	return p.scheduler.GetQueueSummary()
}

// Kick requests an immediate scheduling pass. Wire this to the host
// OS's periodic background-execution trigger.
func (p *Pipeline) Kick() {
	p.scheduler.Kick()
}

// DeviceProfile returns the cached or freshly probed device profile
func (p *Pipeline) DeviceProfile() (*models.DeviceProfile, error) {
	return p.profiler.Profile()
}

// DeviceState returns the current device signal snapshot
func (p *Pipeline) DeviceState() signals.Snapshot {
	return p.gate.Snapshot()
}

// CleanupStats reports retention maintenance activity
func (p *Pipeline) CleanupStats() cleanup.Stats {
	return p.cleanup.GetStats()
}
