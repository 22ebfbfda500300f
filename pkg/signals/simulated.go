package signals

import (
	"sync"
	"time"
)

// SimulatedProvider is a scriptable Provider for tests and the CLI
// harness. Setters mutate the snapshot and deliver events synchronously,
// so a test can flip a signal and immediately assert the reaction.
type SimulatedProvider struct {
	mu        sync.Mutex
	snapshot  Snapshot
	listeners map[int]func(Event)
	nextID    int
}

// NewSimulatedProvider creates a provider with a healthy default state:
// full battery, wifi, foreground, normal pressure
func NewSimulatedProvider() *SimulatedProvider {
	return &SimulatedProvider{
		snapshot: Snapshot{
			BatteryPercent: 100,
			Charging:       false,
			Network:        NetworkWifi,
			Lifecycle:      LifecycleForeground,
			Pressure:       PressureNormal,
			SampledAt:      time.Now(),
		},
		listeners: make(map[int]func(Event)),
	}
}

// Snapshot returns the current simulated state
func (p *SimulatedProvider) Snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.snapshot
	s.SampledAt = time.Now()
	return s
}

// Subscribe registers a listener for simulated state changes
func (p *SimulatedProvider) Subscribe(fn func(Event)) (cancel func()) {
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

// SetBattery updates battery level and charging state
func (p *SimulatedProvider) SetBattery(percent int, charging bool) {
	p.mu.Lock()
	p.snapshot.BatteryPercent = percent
	p.snapshot.Charging = charging
	p.mu.Unlock()
	p.emit(EventBattery)
}

// SetNetwork updates the active network
func (p *SimulatedProvider) SetNetwork(state NetworkState) {
	p.mu.Lock()
	p.snapshot.Network = state
	p.mu.Unlock()
	p.emit(EventNetwork)
}

// SetLifecycle updates the host app lifecycle state
func (p *SimulatedProvider) SetLifecycle(state LifecycleState) {
	p.mu.Lock()
	p.snapshot.Lifecycle = state
	p.mu.Unlock()
	p.emit(EventLifecycle)
}

// SetPressure updates the memory pressure signal
func (p *SimulatedProvider) SetPressure(pressure MemoryPressure) {
	p.mu.Lock()
	p.snapshot.Pressure = pressure
	p.mu.Unlock()
	p.emit(EventMemory)
}

func (p *SimulatedProvider) emit(kind EventKind) {
	p.mu.Lock()
	snap := p.snapshot
	snap.SampledAt = time.Now()
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
