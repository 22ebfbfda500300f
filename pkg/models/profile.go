package models

import "time"

// DeviceTier is a coarse device-capability classification. Every tuning
// parameter in the pipeline derives from it.
type DeviceTier string

const (
	TierLow    DeviceTier = "low"
	TierMedium DeviceTier = "medium"
	TierHigh   DeviceTier = "high"
)

// MaxExtractedFrames caps extraction regardless of tier to bound
// worst-case memory.
const MaxExtractedFrames = 600

// AlertThresholds are the per-tier limits the performance monitor warns on
type AlertThresholds struct {
	MaxProcessingTime time.Duration `json:"max_processing_time"`
	MaxMemoryBytes    uint64        `json:"max_memory_bytes"`
	MinFPS            float64       `json:"min_fps"`
	MaxFrameLatency   time.Duration `json:"max_frame_latency"`
	MaxBatteryDrain   float64       `json:"max_battery_drain"` // percentage points per session
}

// TierParams are the tuning knobs derived from a device tier
type TierParams struct {
	SamplingFPS        float64         `json:"sampling_fps"`
	ChunkSize          int             `json:"chunk_size"`
	ParallelWorkers    int             `json:"parallel_workers"`
	TargetWidth        int             `json:"target_width"`
	TargetHeight       int             `json:"target_height"`
	CompressionQuality int             `json:"compression_quality"` // 1-100
	ChunkTimeout       time.Duration   `json:"chunk_timeout"`
	InterChunkYield    time.Duration   `json:"inter_chunk_yield"`
	MemorySampleEvery  time.Duration   `json:"memory_sample_every"`
	Alerts             AlertThresholds `json:"alerts"`
}

// ParamsForTier returns the compiled-in defaults for a tier
func ParamsForTier(tier DeviceTier) TierParams {
	switch tier {
	case TierLow:
		return TierParams{
			SamplingFPS:        5,
			ChunkSize:          5,
			ParallelWorkers:    1,
			TargetWidth:        640,
			TargetHeight:       360,
			CompressionQuality: 50,
			ChunkTimeout:       20 * time.Second,
			InterChunkYield:    500 * time.Millisecond,
			MemorySampleEvery:  2 * time.Second,
			Alerts: AlertThresholds{
				MaxProcessingTime: 180 * time.Second,
				MaxMemoryBytes:    200 * 1024 * 1024,
				MinFPS:            1.0,
				MaxFrameLatency:   1500 * time.Millisecond,
				MaxBatteryDrain:   3.0,
			},
		}
	case TierHigh:
		return TierParams{
			SamplingFPS:        15,
			ChunkSize:          20,
			ParallelWorkers:    5,
			TargetWidth:        1280,
			TargetHeight:       720,
			CompressionQuality: 80,
			ChunkTimeout:       10 * time.Second,
			InterChunkYield:    50 * time.Millisecond,
			MemorySampleEvery:  500 * time.Millisecond,
			Alerts: AlertThresholds{
				MaxProcessingTime: 90 * time.Second,
				MaxMemoryBytes:    500 * 1024 * 1024,
				MinFPS:            3.0,
				MaxFrameLatency:   500 * time.Millisecond,
				MaxBatteryDrain:   5.0,
			},
		}
	default: // TierMedium
		return TierParams{
			SamplingFPS:        10,
			ChunkSize:          10,
			ParallelWorkers:    3,
			TargetWidth:        960,
			TargetHeight:       540,
			CompressionQuality: 65,
			ChunkTimeout:       15 * time.Second,
			InterChunkYield:    200 * time.Millisecond,
			MemorySampleEvery:  time.Second,
			Alerts: AlertThresholds{
				MaxProcessingTime: 120 * time.Second,
				MaxMemoryBytes:    350 * 1024 * 1024,
				MinFPS:            2.0,
				MaxFrameLatency:   800 * time.Millisecond,
				MaxBatteryDrain:   4.0,
			},
		}
	}
}

// DeviceProfile is the per-install classification plus the static capability
// signals it was derived from. Read-only snapshot while a session runs.
type DeviceProfile struct {
	Tier          DeviceTier `json:"tier"`
	CPUThreads    int        `json:"cpu_threads"`
	CPUModel      string     `json:"cpu_model"`
	RAMTotalBytes uint64     `json:"ram_total_bytes"`
	OS            string     `json:"os"`
	OSVersion     string     `json:"os_version"`
	Arch          string     `json:"arch"`
	ComputedAt    time.Time  `json:"computed_at"`
	Params        TierParams `json:"params"`
}
