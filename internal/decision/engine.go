// v0
// internal/decision/engine.go
package decision

import (
	"fmt"

	"nrgchamp/floorctl/internal/device"
	"nrgchamp/floorctl/internal/policy"
)

// Engine decides the next action for one device session. Implementations
// hold per-device state and must not be shared across sessions.
type Engine interface {
	Class() device.Class
	// Decide evaluates the automated path for sample and lets cmd, when
	// non-nil, supersede the emitted action.
	Decide(sample device.Sample, cmd *device.Command) Result
	Counters() device.Counters
}

// Result carries the emitted decision together with the automated one and
// the context the ledger needs.
type Result struct {
	Decision  device.Decision
	Automated device.Decision
	// Baseline is the dynamic baseline in force for this sample, zero when
	// the class has none or it is not yet established.
	Baseline     float64
	DeviationPct float64
}

// Tuning bundles the thresholds engines read at construction time.
type Tuning struct {
	CooldownSteps       int
	BaselinePowerFactor float64
	SevereDeviationPct  float64
}

// DefaultTuning mirrors the factory settings.
func DefaultTuning() Tuning {
	return Tuning{CooldownSteps: 5, BaselinePowerFactor: 1.15, SevereDeviationPct: 20}
}

// Policies carries the table stores for each device family.
type Policies struct {
	Lubrication *policy.Store
	Tension     *policy.Store
}

// For returns a fresh engine for class. The variant is chosen once per
// session.
func For(class device.Class, policies Policies, tuning Tuning) (Engine, error) {
	switch class {
	case device.ClassLubrication:
		return NewLubrication(policies.Lubrication, tuning), nil
	case device.ClassTension:
		return NewTension(policies.Tension, tuning), nil
	default:
		return nil, fmt.Errorf("%w: %v", device.ErrUnknownClass, class)
	}
}

// manual converts a command into its emitted decision, synthesizing a
// message when the operator supplied none.
func manual(cmd *device.Command) device.Decision {
	d := cmd.Decision()
	if d.Message == "" {
		d.Message = "Manual Control: " + d.Action
	}
	return d
}
