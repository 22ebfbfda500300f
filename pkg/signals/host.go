package signals

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/mem"
)

// Memory pressure thresholds on host used-percent
const (
	pressureWarningPct  = 75.0
	pressureCriticalPct = 90.0
)

// HostProvider reads device state from the operating system. Battery
// comes from /sys/class/power_supply on Linux; memory pressure is
// derived from system used-percent. Network and lifecycle have no
// portable host source, so they stay at their defaults until the
// embedding app overrides them via SetNetwork/SetLifecycle.
type HostProvider struct {
	mu        sync.Mutex
	network   NetworkState
	lifecycle LifecycleState
	listeners map[int]func(Event)
	nextID    int

	last   Snapshot
	cancel context.CancelFunc
	done   chan struct{}
}

// NewHostProvider creates a provider backed by OS probes
func NewHostProvider() *HostProvider {
	return &HostProvider{
		network:   NetworkUnknown,
		lifecycle: LifecycleForeground,
		listeners: make(map[int]func(Event)),
	}
}

// Snapshot probes the OS and returns the current state
func (p *HostProvider) Snapshot() Snapshot {
	percent, charging := readBattery()
	pressure := readPressure()

	p.mu.Lock()
	snap := Snapshot{
		BatteryPercent: percent,
		Charging:       charging,
		Network:        p.network,
		Lifecycle:      p.lifecycle,
		Pressure:       pressure,
		SampledAt:      time.Now(),
	}
	p.last = snap
	p.mu.Unlock()

	return snap
}

// Subscribe registers a listener for state changes seen by Watch
func (p *HostProvider) Subscribe(fn func(Event)) (cancel func()) {
	p.mu.Lock()
	id := p.nextID
	p.nextID++
	p.listeners[id] = fn
	p.mu.Unlock()

	return func() {
		p.mu.Lock()
		delete(p.listeners, id)
		p.mu.Unlock()
	}
}

// SetNetwork lets the embedding app feed in connectivity changes
func (p *HostProvider) SetNetwork(state NetworkState) {
	p.mu.Lock()
	p.network = state
	p.mu.Unlock()
	p.emit(EventNetwork, p.Snapshot())
}

// SetLifecycle lets the embedding app feed in lifecycle changes
func (p *HostProvider) SetLifecycle(state LifecycleState) {
	p.mu.Lock()
	p.lifecycle = state
	p.mu.Unlock()
	p.emit(EventLifecycle, p.Snapshot())
}

// Watch polls the OS at interval and emits events when battery or
// memory pressure change. Stop with Close.
func (p *HostProvider) Watch(interval time.Duration) {
	ctx, cancel := context.WithCancel(context.Background())

	p.mu.Lock()
	if p.cancel != nil {
		p.mu.Unlock()
		cancel()
		return
	}
	p.cancel = cancel
	p.done = make(chan struct{})
	p.mu.Unlock()

	go p.watchLoop(ctx, interval)
}

func (p *HostProvider) watchLoop(ctx context.Context, interval time.Duration) {
	defer close(p.done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	prev := p.Snapshot()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap := p.Snapshot()
			if snap.BatteryPercent != prev.BatteryPercent || snap.Charging != prev.Charging {
				p.emit(EventBattery, snap)
			}
			if snap.Pressure != prev.Pressure {
				p.emit(EventMemory, snap)
			}
			prev = snap
		}
	}
}

// Close stops the watch loop
func (p *HostProvider) Close() {
	p.mu.Lock()
	cancel := p.cancel
	done := p.done
	p.cancel = nil
	p.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

func (p *HostProvider) emit(kind EventKind, snap Snapshot) {
	p.mu.Lock()
	fns := make([]func(Event), 0, len(p.listeners))
	for _, fn := range p.listeners {
		fns = append(fns, fn)
	}
	p.mu.Unlock()

	ev := Event{Kind: kind, Snapshot: snap, At: snap.SampledAt}
	for _, fn := range fns {
		notify(fn, ev)
	}
}

// readBattery scans /sys/class/power_supply for a battery entry.
// Hosts without a battery report full and charging so the gate never
// blocks on a desktop.
func readBattery() (percent int, charging bool) {
	if runtime.GOOS != "linux" {
		return 100, true
	}

	powerSupplyPath := "/sys/class/power_supply"
	entries, err := os.ReadDir(powerSupplyPath)
	if err != nil {
		return 100, true
	}

	for _, entry := range entries {
		if !strings.Contains(strings.ToUpper(entry.Name()), "BAT") {
			continue
		}
		base := filepath.Join(powerSupplyPath, entry.Name())

		percent = 100
		if data, err := os.ReadFile(filepath.Join(base, "capacity")); err == nil {
			if v, err := strconv.Atoi(strings.TrimSpace(string(data))); err == nil {
				percent = v
			}
		}

		charging = false
		if data, err := os.ReadFile(filepath.Join(base, "status")); err == nil {
			status := strings.TrimSpace(string(data))
			charging = status == "Charging" || status == "Full"
		}

		return percent, charging
	}

	return 100, true
}

// readPressure maps system memory used-percent onto the coarse
// pressure signal
func readPressure() MemoryPressure {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return PressureNormal
	}
	switch {
	case vm.UsedPercent >= pressureCriticalPct:
		return PressureCritical
	case vm.UsedPercent >= pressureWarningPct:
		return PressureWarning
	default:
		return PressureNormal
	}
}
