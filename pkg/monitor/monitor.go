// Package monitor observes processing sessions: per-frame timing,
// memory samples and battery drain, producing real-time warnings while
// the session runs and a scored report when it ends.
package monitor

import (
	"fmt"
	"math"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/psantana5/fitpipe/pkg/logging"
	"github.com/psantana5/fitpipe/pkg/models"
	"github.com/psantana5/fitpipe/pkg/signals"
)

const (
	// memSampleRing bounds how many memory samples a session retains
	memSampleRing = 120

	// fpsWindow is how many recent frames feed the rolling rate
	fpsWindow = 30

	// fpsWarmup is the minimum recorded frames before rate warnings fire
	fpsWarmup = 10

	// warnSuppress rate-limits repeated warnings of the same kind
	warnSuppress = 5 * time.Second
)

// WarningKind classifies a real-time session warning
type WarningKind string

const (
	WarnSlowRate     WarningKind = "slow-rate"
	WarnFrameLatency WarningKind = "frame-latency"
	WarnMemory       WarningKind = "memory"
)

// Warning is emitted while a session runs when a threshold is breached
type Warning struct {
	JobID   string      `json:"job_id"`
	Kind    WarningKind `json:"kind"`
	Message string      `json:"message"`
	At      time.Time   `json:"at"`
}

// Monitor creates sessions. One session wraps one processing run.
type Monitor struct {
	provider signals.Provider
	log      *logging.Logger
}

// New creates a monitor over the given signal provider
func New(provider signals.Provider, logger *logging.Logger) *Monitor {
	return &Monitor{provider: provider, log: logger}
}

// StartSession begins observing a processing run. The caller must call
// EndSession exactly once.
func (m *Monitor) StartSession(jobID string, profile *models.DeviceProfile) *Session {
	s := &Session{
		jobID:     jobID,
		tier:      profile.Tier,
		alerts:    profile.Params.Alerts,
		provider:  m.provider,
		log:       m.log.WithJob(jobID),
		startSnap: m.provider.Snapshot(),
		startedAt: time.Now(),
		listeners: make(map[int]func(Warning)),
		lastWarn:  make(map[WarningKind]time.Time),
		stop:      make(chan struct{}),
	}

	s.samplerWG.Add(1)
	go s.sampleLoop(profile.Params.MemorySampleEvery)

	return s
}

// Session accumulates observations for one processing run.
// RecordFrame is safe to call from concurrent workers.
type Session struct {
	jobID     string
	tier      models.DeviceTier
	alerts    models.AlertThresholds
	provider  signals.Provider
	log       *logging.Logger
	startSnap signals.Snapshot
	startedAt time.Time

	mu          sync.Mutex
	totalFrames int
	successes   int
	failures    int
	latencies   []time.Duration
	frameTimes  []time.Time
	memSamples  []uint64
	peakMem     uint64
	listeners   map[int]func(Warning)
	nextID      int
	lastWarn    map[WarningKind]time.Time

	stopOnce  sync.Once
	stop      chan struct{}
	samplerWG sync.WaitGroup
}

// StartProcessing records the expected frame count once extraction
// has determined it
func (s *Session) StartProcessing(totalFrames int) {
	s.mu.Lock()
	s.totalFrames = totalFrames
	s.mu.Unlock()
}

// OnWarning registers a listener for real-time warnings. The returned
// function removes it.
func (s *Session) OnWarning(fn func(Warning)) (cancel func()) {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

// RecordFrame records the outcome of one frame
func (s *Session) RecordFrame(index int, latency time.Duration, success bool) {
	now := time.Now()

	s.mu.Lock()
	if success {
		s.successes++
	} else {
		s.failures++
	}
	s.latencies = append(s.latencies, latency)

	s.frameTimes = append(s.frameTimes, now)
	if len(s.frameTimes) > fpsWindow {
		s.frameTimes = s.frameTimes[len(s.frameTimes)-fpsWindow:]
	}
	rate, haveRate := s.rollingRateLocked()
	s.mu.Unlock()

	if s.alerts.MaxFrameLatency > 0 && latency > s.alerts.MaxFrameLatency {
		s.warn(WarnFrameLatency, fmt.Sprintf("frame %d took %s (limit %s)", index, latency.Round(time.Millisecond), s.alerts.MaxFrameLatency))
	}
	if haveRate && s.alerts.MinFPS > 0 && rate < s.alerts.MinFPS {
		s.warn(WarnSlowRate, fmt.Sprintf("processing at %.1f fps, expected at least %.1f", rate, s.alerts.MinFPS))
	}
}

// rollingRateLocked computes frames/sec over the recent window.
// Caller holds s.mu.
func (s *Session) rollingRateLocked() (float64, bool) {
	n := len(s.frameTimes)
	if n < fpsWarmup {
		return 0, false
	}
	span := s.frameTimes[n-1].Sub(s.frameTimes[0])
	if span <= 0 {
		return 0, false
	}
	return float64(n-1) / span.Seconds(), true
}

func (s *Session) warn(kind WarningKind, message string) {
	now := time.Now()

	s.mu.Lock()
	if last, ok := s.lastWarn[kind]; ok && now.Sub(last) < warnSuppress {
		s.mu.Unlock()
		return
	}
	s.lastWarn[kind] = now
	fns := make([]func(Warning), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	w := Warning{JobID: s.jobID, Kind: kind, Message: message, At: now}
	s.log.Warn(message, map[string]interface{}{"kind": string(kind)})

	for _, fn := range fns {
		deliver(fn, w)
	}
}

// deliver isolates listener panics so one bad observer cannot break
// frame recording
func deliver(fn func(Warning), w Warning) {
	defer func() {
		recover()
	}()
	fn(w)
}

func (s *Session) sampleLoop(every time.Duration) {
	defer s.samplerWG.Done()

	if every <= 0 {
		every = time.Second
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.sampleMemory()
		}
	}
}

func (s *Session) sampleMemory() {
	rss := processRSS()
	if rss == 0 {
		return
	}

	s.mu.Lock()
	s.memSamples = append(s.memSamples, rss)
	if len(s.memSamples) > memSampleRing {
		s.memSamples = s.memSamples[len(s.memSamples)-memSampleRing:]
	}
	if rss > s.peakMem {
		s.peakMem = rss
	}
	s.mu.Unlock()

	if s.alerts.MaxMemoryBytes > 0 && rss > s.alerts.MaxMemoryBytes {
		s.warn(WarnMemory, fmt.Sprintf("memory at %d MB exceeds limit %d MB", rss>>20, s.alerts.MaxMemoryBytes>>20))
	}
}

// EndSession stops sampling and produces the scored report
func (s *Session) EndSession() *models.PerformanceReport {
	s.stopOnce.Do(func() { close(s.stop) })
	s.samplerWG.Wait()

	duration := time.Since(s.startedAt)
	endSnap := s.provider.Snapshot()

	s.mu.Lock()
	defer s.mu.Unlock()

	// Short sessions may end before the first tick fires
	if len(s.memSamples) == 0 {
		if rss := processRSS(); rss > 0 {
			s.memSamples = append(s.memSamples, rss)
			s.peakMem = rss
		}
	}

	processed := s.successes + s.failures
	successRate := 1.0
	if processed > 0 {
		successRate = float64(s.successes) / float64(processed)
	}

	var avgLatency, p50, p95 time.Duration
	if len(s.latencies) > 0 {
		sorted := make([]time.Duration, len(s.latencies))
		copy(sorted, s.latencies)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

		var sum time.Duration
		for _, l := range sorted {
			sum += l
		}
		avgLatency = sum / time.Duration(len(sorted))
		p50 = percentile(sorted, 50)
		p95 = percentile(sorted, 95)
	}

	var avgMem uint64
	if len(s.memSamples) > 0 {
		var sum uint64
		for _, m := range s.memSamples {
			sum += m
		}
		avgMem = sum / uint64(len(s.memSamples))
	}

	// Positive delta means the battery drained during the session
	batteryDelta := float64(s.startSnap.BatteryPercent - endSnap.BatteryPercent)

	report := &models.PerformanceReport{
		JobID:           s.jobID,
		Tier:            s.tier,
		Duration:        duration,
		TotalFrames:     s.totalFrames,
		ProcessedFrames: s.successes,
		FailedFrames:    s.failures,
		SuccessRate:     successRate,
		AvgFrameLatency: avgLatency,
		P50FrameLatency: p50,
		P95FrameLatency: p95,
		PeakMemoryBytes: s.peakMem,
		AvgMemoryBytes:  avgMem,
		BatteryDeltaPct: batteryDelta,
		GeneratedAt:     time.Now().UTC(),
	}
	report.Score = score(report, s.alerts)
	report.Recommendations = recommend(report, s.alerts)

	s.log.Info("Session ended", map[string]interface{}{
		"duration_ms":  duration.Milliseconds(),
		"frames_ok":    s.successes,
		"frames_fail":  s.failures,
		"success_rate": fmt.Sprintf("%.2f", successRate),
		"score":        report.Score,
	})

	return report
}

// percentile picks from a sorted slice using nearest-rank
func percentile(sorted []time.Duration, p int) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	rank := int(math.Ceil(float64(p)/100*float64(len(sorted)))) - 1
	if rank < 0 {
		rank = 0
	}
	if rank >= len(sorted) {
		rank = len(sorted) - 1
	}
	return sorted[rank]
}

// score combines the session dimensions into 0-100. Each dimension is
// scaled against its tier threshold, so the same absolute numbers score
// differently on different tiers.
func score(r *models.PerformanceReport, alerts models.AlertThresholds) int {
	timeScore := 100.0
	if alerts.MaxProcessingTime > 0 {
		timeScore = clamp(100 * (1 - r.Duration.Seconds()/alerts.MaxProcessingTime.Seconds()))
	}

	successScore := clamp(r.SuccessRate * 100)

	batteryScore := 100.0
	if alerts.MaxBatteryDrain > 0 {
		batteryScore = clamp(100 * (1 - r.BatteryDeltaPct/alerts.MaxBatteryDrain))
	}

	memScore := 100.0
	if alerts.MaxMemoryBytes > 0 {
		memScore = clamp(100 * (1 - float64(r.PeakMemoryBytes)/float64(alerts.MaxMemoryBytes)))
	}

	weighted := models.ScoreWeightTime*timeScore +
		models.ScoreWeightSuccess*successScore +
		models.ScoreWeightBattery*batteryScore +
		models.ScoreWeightMemory*memScore

	return int(math.Round(weighted))
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

// recommend maps threshold breaches (and near misses at 80%) onto
// user-facing advice
func recommend(r *models.PerformanceReport, alerts models.AlertThresholds) []string {
	var recs []string

	if alerts.MaxMemoryBytes > 0 && float64(r.PeakMemoryBytes) > 0.8*float64(alerts.MaxMemoryBytes) {
		recs = append(recs, "Close other apps to free memory before recording")
	}
	if alerts.MaxProcessingTime > 0 && r.Duration.Seconds() > 0.8*alerts.MaxProcessingTime.Seconds() {
		recs = append(recs, "Record shorter videos for faster analysis")
	}
	if alerts.MaxBatteryDrain > 0 && r.BatteryDeltaPct > 0.8*alerts.MaxBatteryDrain {
		recs = append(recs, "Charge your device before analyzing long sessions")
	}
	if r.SuccessRate < 0.95 {
		recs = append(recs, "Some frames could not be analyzed, keep the camera steady and well lit")
	}
	if alerts.MinFPS > 0 && r.AvgFrameLatency > 0 {
		achieved := 1 / r.AvgFrameLatency.Seconds()
		if achieved < alerts.MinFPS {
			recs = append(recs, "Processing ran slower than expected for this device, retry while charging with other apps closed")
		}
	}

	return recs
}

// processRSS reads this process's resident set size
func processRSS() uint64 {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return 0
	}
	info, err := proc.MemoryInfo()
	if err != nil || info == nil {
		return 0
	}
	return info.RSS
}
