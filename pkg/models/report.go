package models

import "time"

// Score weights, together 1.0. Processing time dominates because it is what
// users feel first on a slow device.
const (
	ScoreWeightTime    = 0.40
	ScoreWeightSuccess = 0.30
	ScoreWeightBattery = 0.15
	ScoreWeightMemory  = 0.15
)

// PerformanceReport is produced once per completed or failed session.
// Immutable once emitted.
type PerformanceReport struct {
	JobID           string        `json:"job_id"`
	Tier            DeviceTier    `json:"tier"`
	Duration        time.Duration `json:"duration"`
	TotalFrames     int           `json:"total_frames"`
	ProcessedFrames int           `json:"processed_frames"`
	FailedFrames    int           `json:"failed_frames"`
	SuccessRate     float64       `json:"success_rate"`
	AvgFrameLatency time.Duration `json:"avg_frame_latency"`
	P50FrameLatency time.Duration `json:"p50_frame_latency"`
	P95FrameLatency time.Duration `json:"p95_frame_latency"`
	PeakMemoryBytes uint64        `json:"peak_memory_bytes"`
	AvgMemoryBytes  uint64        `json:"avg_memory_bytes"`
	BatteryDeltaPct float64       `json:"battery_delta_pct"` // positive = drained
	Score           int           `json:"score"`             // 0-100 weighted
	Recommendations []string      `json:"recommendations,omitempty"`
	GeneratedAt     time.Time     `json:"generated_at"`
}

// JobResult is the terminal record persisted under job-result:{jobId}
type JobResult struct {
	JobID       string             `json:"job_id"`
	Status      JobStatus          `json:"status"`
	Error       string             `json:"error,omitempty"`
	RetryCount  int                `json:"retry_count"`
	Report      *PerformanceReport `json:"report,omitempty"`
	CompletedAt time.Time          `json:"completed_at"`
}
