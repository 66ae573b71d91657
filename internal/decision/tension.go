// v0
// internal/decision/tension.go
package decision

import (
	"fmt"

	"nrgchamp/floorctl/internal/device"
	"nrgchamp/floorctl/internal/policy"
)

const (
	// PowerNoiseFloorKW is the reading below which no baseline is held.
	PowerNoiseFloorKW = 0.1

	defaultTension = 3.0
	defaultYarnPct = 100.0
)

// Tension is the NORMAL/FAULT state machine for yarn tension bots. The
// dynamic baseline applied to a sample is the one derived from the previous
// sample; the current sample then seeds the next baseline.
type Tension struct {
	policies *policy.Store
	factor   float64
	severe   float64

	baseline      float64
	optimizeCount int
}

// NewTension builds an engine bound to the given policy store.
func NewTension(policies *policy.Store, tuning Tuning) *Tension {
	def := DefaultTuning()
	factor := tuning.BaselinePowerFactor
	if factor <= 0 {
		factor = def.BaselinePowerFactor
	}
	severe := tuning.SevereDeviationPct
	if severe <= 0 {
		severe = def.SevereDeviationPct
	}
	return &Tension{policies: policies, factor: factor, severe: severe}
}

func (t *Tension) Class() device.Class { return device.ClassTension }

// Baseline exposes the baseline that will apply to the next sample.
func (t *Tension) Baseline() float64 { return t.baseline }

func (t *Tension) Counters() device.Counters {
	return device.Counters{OptimizeCount: t.optimizeCount}
}

// Decide lets a queued command win over every automated outcome, including
// ALARM_STOP.
func (t *Tension) Decide(sample device.Sample, cmd *device.Command) Result {
	power := sample.Float(device.FieldPower, 0)
	baseline := t.baseline
	if power > PowerNoiseFloorKW {
		t.baseline = power * t.factor
	} else {
		t.baseline = 0
	}

	var deviation float64
	if baseline > 0 {
		deviation = (power - baseline) / baseline * 100
	}

	auto := t.evaluate(sample, power, baseline, deviation)
	out := auto
	if cmd != nil {
		out = manual(cmd)
	}
	if out.Action == device.ActionOptimize && !out.Manual {
		t.optimizeCount++
	}
	return Result{Decision: out, Automated: auto, Baseline: baseline, DeviationPct: deviation}
}

func (t *Tension) evaluate(sample device.Sample, power, baseline, deviation float64) device.Decision {
	if baseline > 0 && deviation > t.severe {
		return device.Decision{
			Action: device.ActionAlarmStop,
			Message: fmt.Sprintf("Severe deviation: measured %.2fkW vs baseline %.2fkW (+%.1f%%)",
				power, baseline, deviation),
		}
	}
	tension := sample.Float(device.FieldTension, defaultTension)
	yarn := sample.Float(device.FieldYarn, defaultYarnPct)
	if tbl := t.policies.Table(); tbl.Votes(yarn, tension, policy.SlotAct) {
		return device.Decision{Action: device.ActionOptimize, Message: "Policy tension optimization"}
	}
	msg := "Optimal"
	if baseline > 0 {
		msg += fmt.Sprintf(" (deviation %.1f%%)", deviation)
	}
	return device.Monitor(msg)
}
