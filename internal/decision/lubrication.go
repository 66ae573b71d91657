// v0
// internal/decision/lubrication.go
package decision

import (
	"fmt"

	"nrgchamp/floorctl/internal/device"
	"nrgchamp/floorctl/internal/policy"
)

// Safety ceilings for the lubrication family. Either breach forces an
// injection regardless of policy or cooldown.
const (
	MaxTemperatureC = 55.0
	MaxCurrentA     = 13.0

	defaultCurrentA     = 10.0
	defaultTemperatureC = 40.0
)

// Lubrication is the NORMAL/COOLDOWN state machine for lubrication bots.
type Lubrication struct {
	policies *policy.Store
	steps    int

	cooldown    int
	injectCount int
}

// NewLubrication builds an engine bound to the given policy store. A nil
// store behaves like an empty one.
func NewLubrication(policies *policy.Store, tuning Tuning) *Lubrication {
	steps := tuning.CooldownSteps
	if steps <= 0 {
		steps = DefaultTuning().CooldownSteps
	}
	return &Lubrication{policies: policies, steps: steps}
}

func (l *Lubrication) Class() device.Class { return device.ClassLubrication }

// Cooldown reports the remaining suppressed cycles.
func (l *Lubrication) Cooldown() int { return l.cooldown }

func (l *Lubrication) Counters() device.Counters {
	return device.Counters{InjectCount: l.injectCount}
}

// ForceCooldown extends the cooldown to at least steps cycles.
func (l *Lubrication) ForceCooldown(steps int) {
	if steps > l.cooldown {
		l.cooldown = steps
	}
}

// Decide arms the cooldown on every emitted INJECT and on every safety
// breach, even one a manual command superseded. InjectCount tallies only
// automated injections that were emitted.
func (l *Lubrication) Decide(sample device.Sample, cmd *device.Command) Result {
	auto, breach := l.evaluate(sample)
	out := auto
	if cmd != nil {
		out = manual(cmd)
	}
	if out.Action == device.ActionInject || breach {
		l.ForceCooldown(l.steps)
	}
	if out.Action == device.ActionInject && !out.Manual {
		l.injectCount++
	}
	return Result{Decision: out, Automated: auto}
}

// evaluate runs the automated path. breach reports a safety ceiling hit.
func (l *Lubrication) evaluate(sample device.Sample) (d device.Decision, breach bool) {
	current := sample.Float(device.FieldCurrent, defaultCurrentA)
	temp := sample.Float(device.FieldTemperature, defaultTemperatureC)

	if temp > MaxTemperatureC || current > MaxCurrentA {
		return device.Decision{
			Action:  device.ActionInject,
			Message: fmt.Sprintf("Safety override: %.1fA / %.1fC", current, temp),
		}, true
	}
	if l.cooldown > 0 {
		l.cooldown--
		return device.Monitor("Cooling down"), false
	}
	if t := l.policies.Table(); t.Votes(current, temp, policy.SlotAct) {
		return device.Decision{Action: device.ActionInject, Message: "Policy injection"}, false
	}
	return device.Monitor("Running"), false
}
