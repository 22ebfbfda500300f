// Package gate implements admission control: it answers whether a job
// may execute right now given live device signals and the job's
// declared execution condition.
package gate

import (
	"fmt"

	"github.com/psantana5/fitpipe/pkg/logging"
	"github.com/psantana5/fitpipe/pkg/models"
	"github.com/psantana5/fitpipe/pkg/signals"
)

// MinBatteryPercent is the admission floor. Jobs are held below this
// level unless they are charging-only and the charger is connected.
const MinBatteryPercent = 20

// Decision is the outcome of an admission check. Code is a stable
// token naming the denial class, safe to use as a metric label;
// Reason carries the human-readable detail.
type Decision struct {
	Allowed bool
	Code    string
	Reason  string
}

func deny(code, reason string) Decision {
	return Decision{Allowed: false, Code: code, Reason: reason}
}

func allow() Decision { return Decision{Allowed: true, Code: "ok", Reason: "ok"} }

// Gate evaluates admission against the current device state
type Gate struct {
	provider signals.Provider
	log      *logging.Logger
}

// New creates a gate over the given signal provider
func New(provider signals.Provider, logger *logging.Logger) *Gate {
	return &Gate{provider: provider, log: logger}
}

// Check evaluates whether the job may run against a fresh snapshot
func (g *Gate) Check(job *models.Job) Decision {
	return g.CheckSnapshot(job, g.provider.Snapshot())
}

// CheckSnapshot evaluates the job against a fixed snapshot. The
// scheduler takes one snapshot per pass so every queued job is judged
// against the same device state.
func (g *Gate) CheckSnapshot(job *models.Job, snap signals.Snapshot) Decision {
	// Battery floor, bypassed only while a charging-only job is
	// actually on the charger
	if snap.BatteryPercent < MinBatteryPercent {
		bypass := job.Condition == models.ConditionChargingOnly && snap.Charging
		if !bypass {
			return deny("battery", fmt.Sprintf("battery %d%% below minimum %d%%", snap.BatteryPercent, MinBatteryPercent))
		}
	}

	switch job.Condition {
	case models.ConditionAny:
		// Always passes
	case models.ConditionWifiOnly:
		if snap.Network != signals.NetworkWifi {
			return deny("network", fmt.Sprintf("wifi required, network is %s", snap.Network))
		}
	case models.ConditionChargingOnly:
		if !snap.Charging {
			return deny("charging", "charging required")
		}
	case models.ConditionIdleOnly:
		if snap.Lifecycle != signals.LifecycleBackground {
			return deny("idle", "app must be in background")
		}
	default:
		return deny("condition", fmt.Sprintf("unknown execution condition %q", job.Condition))
	}

	if snap.Pressure == signals.PressureCritical {
		return deny("memory", "memory pressure critical")
	}

	return allow()
}

// OnChange subscribes fn to every device state change. The scheduler
// uses this to run an immediate admission pass instead of waiting for
// the next tick.
func (g *Gate) OnChange(fn func(signals.Event)) (cancel func()) {
	return g.provider.Subscribe(func(ev signals.Event) {
		g.log.Debug("Device state changed", map[string]interface{}{
			"kind":     string(ev.Kind),
			"battery":  ev.Snapshot.BatteryPercent,
			"charging": ev.Snapshot.Charging,
			"network":  string(ev.Snapshot.Network),
		})
		fn(ev)
	})
}

// Snapshot exposes the provider's current state for status surfaces
func (g *Gate) Snapshot() signals.Snapshot {
	return g.provider.Snapshot()
}
