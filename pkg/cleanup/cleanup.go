// Package cleanup expires old job results and reclaims orphaned frame
// scratch left behind by interrupted runs.
package cleanup

import (
	"context"
	"sync"
	"time"

	"github.com/psantana5/fitpipe/pkg/logging"
	"github.com/psantana5/fitpipe/pkg/scratch"
	"github.com/psantana5/fitpipe/pkg/store"
)

// Config defines retention policy and maintenance intervals
type Config struct {
	Enabled         bool
	ResultRetention time.Duration
	SweepInterval   time.Duration
	VacuumInterval  time.Duration
	InitialDelay    time.Duration
}

// DefaultConfig returns the production retention settings
func DefaultConfig() Config {
	return Config{
		Enabled:         true,
		ResultRetention: 24 * time.Hour,
		SweepInterval:   time.Hour,
		VacuumInterval:  24 * time.Hour,
		InitialDelay:    30 * time.Second,
	}
}

// Stats tracks maintenance activity
type Stats struct {
	LastSweepTime     time.Time
	LastVacuumTime    time.Time
	ResultsPurged     int64
	VideosPurged      int64
	VacuumRuns        int64
	LastSweepDuration time.Duration
}

// Manager runs periodic sweeps in the background
type Manager struct {
	config  Config
	store   store.Store
	scratch scratch.Scratch
	log     *logging.Logger
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu    sync.RWMutex
	stats Stats
}

// New creates a cleanup manager. sc may be nil when no scratch storage
// is in use.
func New(cfg Config, st store.Store, sc scratch.Scratch, logger *logging.Logger) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		config:  cfg,
		store:   st,
		scratch: sc,
		log:     logger,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start launches the sweep and vacuum loops
func (m *Manager) Start() {
	if !m.config.Enabled {
		m.log.Info("Cleanup manager disabled", nil)
		return
	}

	m.log.Info("Cleanup manager started", map[string]interface{}{
		"retention": m.config.ResultRetention.String(),
		"interval":  m.config.SweepInterval.String(),
	})

	m.wg.Add(2)
	go m.sweepLoop()
	go m.vacuumLoop()
}

// Stop cancels the loops and waits for them to exit
func (m *Manager) Stop() {
	m.cancel()
	m.wg.Wait()
}

func (m *Manager) sweepLoop() {
	defer m.wg.Done()

	// First sweep shortly after start so restarts reclaim orphans
	// without waiting a full interval.
	select {
	case <-m.ctx.Done():
		return
	case <-time.After(m.config.InitialDelay):
		m.sweep()
	}

	ticker := time.NewTicker(m.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

func (m *Manager) vacuumLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.config.VacuumInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.vacuum()
		}
	}
}

// sweep expires results past retention and purges scratch for videos no
// longer referenced by any non-terminal job.
func (m *Manager) sweep() {
	start := time.Now()

	results := m.sweepResults()
	videos := m.sweepScratch()

	duration := time.Since(start)
	m.mu.Lock()
	m.stats.LastSweepTime = time.Now()
	m.stats.LastSweepDuration = duration
	m.stats.ResultsPurged += int64(results)
	m.stats.VideosPurged += int64(videos)
	m.mu.Unlock()

	if results > 0 || videos > 0 {
		m.log.Info("Cleanup sweep complete", map[string]interface{}{
			"results_purged": results,
			"videos_purged":  videos,
			"duration":       duration.String(),
		})
	}
}

func (m *Manager) sweepResults() int {
	cutoff := time.Now().Add(-m.config.ResultRetention)
	purged, err := m.store.PurgeResultsBefore(cutoff)
	if err != nil {
		m.log.Warn("Result purge failed", map[string]interface{}{"error": err.Error()})
		return 0
	}
	return purged
}

func (m *Manager) sweepScratch() int {
	if m.scratch == nil {
		return 0
	}

	videos, err := m.scratch.Videos()
	if err != nil {
		m.log.Warn("Could not list scratch videos", map[string]interface{}{"error": err.Error()})
		return 0
	}
	if len(videos) == 0 {
		return 0
	}

	// The persisted queue is the authority on which videos are still
	// wanted; everything else in scratch is an orphan.
	jobs, err := m.store.LoadQueue()
	if err != nil {
		m.log.Warn("Could not load queue for scratch sweep", map[string]interface{}{"error": err.Error()})
		return 0
	}
	live := make(map[string]bool, len(jobs))
	for _, job := range jobs {
		live[job.Payload.Video.ID] = true
	}

	purged := 0
	for _, videoID := range videos {
		if live[videoID] {
			continue
		}
		if err := m.scratch.PurgeVideo(videoID); err != nil {
			m.log.Warn("Could not purge orphaned scratch", map[string]interface{}{
				"video_id": videoID,
				"error":    err.Error(),
			})
			continue
		}
		purged++
	}
	return purged
}

func (m *Manager) vacuum() {
	start := time.Now()
	if err := m.store.Vacuum(); err != nil {
		m.log.Warn("Vacuum failed", map[string]interface{}{"error": err.Error()})
		return
	}

	m.mu.Lock()
	m.stats.LastVacuumTime = time.Now()
	m.stats.VacuumRuns++
	m.mu.Unlock()

	m.log.Debug("Vacuum complete", map[string]interface{}{
		"duration": time.Since(start).String(),
	})
}

// SweepNow triggers an immediate sweep
func (m *Manager) SweepNow() {
	m.sweep()
}

// VacuumNow triggers an immediate vacuum
func (m *Manager) VacuumNow() {
	m.vacuum()
}

// GetStats returns a snapshot of maintenance activity
func (m *Manager) GetStats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stats
}
