// Package device classifies the host into a performance tier and
// derives the processing parameters the rest of the pipeline runs with.
package device

import (
	"fmt"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/psantana5/fitpipe/pkg/logging"
	"github.com/psantana5/fitpipe/pkg/models"
	"github.com/psantana5/fitpipe/pkg/store"
)

const (
	// LowTierMaxRAMGB is the RAM ceiling for low-tier classification
	LowTierMaxRAMGB = 3
	// LowTierMaxThreads is the thread ceiling for low-tier classification
	LowTierMaxThreads = 2
	// HighTierMinRAMGB is the minimum RAM for high-tier classification
	HighTierMinRAMGB = 6
	// HighTierMinThreads is the minimum threads for high-tier classification
	HighTierMinThreads = 8

	// ProfileMaxAge bounds how long a cached profile is trusted before
	// the hardware is probed again
	ProfileMaxAge = 7 * 24 * time.Hour
)

// Profiler probes device hardware and caches the resulting profile
type Profiler struct {
	store store.Store
	log   *logging.Logger
}

// NewProfiler creates a profiler backed by the given store
func NewProfiler(st store.Store, logger *logging.Logger) *Profiler {
	return &Profiler{store: st, log: logger}
}

// Profile returns the device profile, probing the hardware only when
// no fresh cached profile exists
func (p *Profiler) Profile() (*models.DeviceProfile, error) {
	cached, err := p.store.GetDeviceProfile()
	if err == nil && !stale(cached) {
		p.log.Debug("Using cached device profile", map[string]interface{}{
			"tier":        string(cached.Tier),
			"computed_at": cached.ComputedAt.Format(time.RFC3339),
		})
		return cached, nil
	}
	if err != nil && err != store.ErrProfileNotFound {
		return nil, fmt.Errorf("failed to read cached profile: %w", err)
	}

	profile, err := p.Probe()
	if err != nil {
		return nil, err
	}

	if err := p.store.SaveDeviceProfile(profile); err != nil {
		// A failed cache write is not fatal, the probe result still stands
		p.log.Warn("Failed to persist device profile", map[string]interface{}{
			"error": err.Error(),
		})
	}

	return profile, nil
}

// stale reports whether a cached profile no longer describes this
// environment: older than ProfileMaxAge, or probed on different
// hardware (a profile restored from backup onto another device).
func stale(cached *models.DeviceProfile) bool {
	if time.Since(cached.ComputedAt) >= ProfileMaxAge {
		return true
	}
	return cached.CPUThreads != runtime.NumCPU() || cached.Arch != runtime.GOARCH
}

// Probe inspects the hardware and classifies the device
func (p *Profiler) Probe() (*models.DeviceProfile, error) {
	threads := runtime.NumCPU()

	cpuModel := "Unknown"
	if infos, err := cpu.Info(); err == nil && len(infos) > 0 {
		cpuModel = infos[0].ModelName
	}

	var ramTotal uint64 = 4 << 30 // Assume 4GB when the probe fails
	if vm, err := mem.VirtualMemory(); err == nil {
		ramTotal = vm.Total
	}

	osName := runtime.GOOS
	osVersion := ""
	if hi, err := host.Info(); err == nil {
		osName = hi.Platform
		osVersion = hi.PlatformVersion
	}

	tier := classifyTier(threads, ramTotal)

	profile := &models.DeviceProfile{
		Tier:          tier,
		CPUThreads:    threads,
		CPUModel:      cpuModel,
		RAMTotalBytes: ramTotal,
		OS:            osName,
		OSVersion:     osVersion,
		Arch:          runtime.GOARCH,
		ComputedAt:    time.Now().UTC(),
		Params:        models.ParamsForTier(tier),
	}

	p.log.Info("Device profiled", map[string]interface{}{
		"tier":        string(tier),
		"cpu_threads": threads,
		"ram_gb":      fmt.Sprintf("%.1f", float64(ramTotal)/(1<<30)),
		"os":          osName,
	})

	return profile, nil
}

// classifyTier maps hardware capacity onto a processing tier.
// Constrained devices drop to low before capable ones are promoted,
// so a 2-thread 8GB device still lands on low.
func classifyTier(threads int, ramBytes uint64) models.DeviceTier {
	ramGB := float64(ramBytes) / (1 << 30)

	if ramGB < LowTierMaxRAMGB || threads <= LowTierMaxThreads {
		return models.TierLow
	}
	if ramGB >= HighTierMinRAMGB && threads >= HighTierMinThreads {
		return models.TierHigh
	}
	return models.TierMedium
}
