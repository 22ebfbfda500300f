// Package signals abstracts the device state feeds the pipeline reacts
// to. The host app (or a platform shim) supplies battery, network,
// lifecycle and memory pressure; the pipeline only ever sees them
// through the Provider interface.
package signals

import (
	"log"
	"time"
)

// NetworkState describes the active network interface
type NetworkState string

const (
	NetworkUnknown  NetworkState = "unknown"
	NetworkNone     NetworkState = "none"
	NetworkCellular NetworkState = "cellular"
	NetworkWifi     NetworkState = "wifi"
)

// LifecycleState describes whether the host app is in the foreground
type LifecycleState string

const (
	LifecycleForeground LifecycleState = "foreground"
	LifecycleBackground LifecycleState = "background"
)

// MemoryPressure is the coarse headroom signal reported by the OS
type MemoryPressure string

const (
	PressureNormal   MemoryPressure = "normal"
	PressureWarning  MemoryPressure = "warning"
	PressureCritical MemoryPressure = "critical"
)

// Snapshot is a point-in-time view of device state
type Snapshot struct {
	BatteryPercent int            `json:"battery_percent"`
	Charging       bool           `json:"charging"`
	Network        NetworkState   `json:"network"`
	Lifecycle      LifecycleState `json:"lifecycle"`
	Pressure       MemoryPressure `json:"pressure"`
	SampledAt      time.Time      `json:"sampled_at"`
}

// EventKind identifies which signal changed
type EventKind string

const (
	EventBattery   EventKind = "battery"
	EventNetwork   EventKind = "network"
	EventLifecycle EventKind = "lifecycle"
	EventMemory    EventKind = "memory"
)

// Event carries a state change together with the snapshot taken after it
type Event struct {
	Kind     EventKind `json:"kind"`
	Snapshot Snapshot  `json:"snapshot"`
	At       time.Time `json:"at"`
}

// Provider exposes device state and change notifications.
// Implementations must deliver events to every subscriber and must not
// let one subscriber's failure starve the others.
type Provider interface {
	// Snapshot returns the current device state
	Snapshot() Snapshot

	// Subscribe registers a listener for state changes. The returned
	// function removes the listener.
	Subscribe(fn func(Event)) (cancel func())
}

// notify invokes a listener, isolating panics so one bad subscriber
// cannot take down the emitter or starve other listeners
func notify(fn func(Event), ev Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[Signals] Listener panic recovered: %v", r)
		}
	}()
	fn(ev)
}
