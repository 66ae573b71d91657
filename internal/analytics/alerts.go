// v0
// internal/analytics/alerts.go
package analytics

import (
	"fmt"
	"math"
	"sort"
)

// Level is an alert severity. Higher values are more severe.
type Level int

const (
	LevelNone Level = iota
	LevelInfo
	LevelNotice
	LevelWarning
	LevelCritical
)

func (l Level) String() string {
	switch l {
	case LevelInfo:
		return "INFO"
	case LevelNotice:
		return "NOTICE"
	case LevelWarning:
		return "WARNING"
	case LevelCritical:
		return "CRITICAL"
	default:
		return "NONE"
	}
}

// MarshalText renders the level name in JSON payloads.
func (l Level) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

// Alert is one entry of the ranked alert list.
type Alert struct {
	Message    string  `json:"msg"`
	Level      Level   `json:"level"`
	Confidence float64 `json:"confidence"`
}

// Rule identities tracked by the hysteresis state.
const (
	RulePower   = "power"
	RuleBalance = "balance"
	RulePF      = "power_factor"
	RuleIdle    = "idle"
)

var ruleOrder = []string{RulePower, RuleBalance, RulePF, RuleIdle}

// Inputs are the measurements alert rules look at. A false Has flag means
// the metric could not be computed for the window.
type Inputs struct {
	PowerKW    float64
	BaselineKW float64
	HasBalance bool
	MaxUnbal   float64
	HasPF      bool
	AvgPF      float64
	IdleHours  float64
}

// evaluate returns the raw alert of each rule that fired this cycle.
func evaluate(in Inputs) map[string]Alert {
	out := make(map[string]Alert, len(ruleOrder))
	if in.BaselineKW > 0 && in.PowerKW > in.BaselineKW {
		ratio := in.PowerKW / in.BaselineKW
		over := (ratio - 1) * 100
		switch {
		case ratio > 1.2:
			out[RulePower] = Alert{fmt.Sprintf("Power %.1f kW is %.0f%% over baseline", in.PowerKW, over), LevelCritical, 0.95}
		case ratio > 1.1:
			out[RulePower] = Alert{fmt.Sprintf("Power %.1f kW is %.0f%% above baseline", in.PowerKW, over), LevelWarning, 0.85}
		}
	}
	if in.HasBalance {
		switch {
		case in.MaxUnbal > 25:
			out[RuleBalance] = Alert{fmt.Sprintf("Severe three-phase imbalance: %.1f%%", in.MaxUnbal), LevelCritical, 0.90}
		case in.MaxUnbal > 15:
			out[RuleBalance] = Alert{fmt.Sprintf("Three-phase imbalance: %.1f%%", in.MaxUnbal), LevelWarning, 0.80}
		}
	}
	if in.HasPF {
		switch {
		case in.AvgPF < 0.85:
			out[RulePF] = Alert{fmt.Sprintf("Low power factor: %.2f", in.AvgPF), LevelWarning, 0.80}
		case in.AvgPF < 0.90:
			out[RulePF] = Alert{fmt.Sprintf("Power factor below target: %.2f", in.AvgPF), LevelNotice, 0.70}
		}
	}
	switch {
	case in.IdleHours > 1.0:
		out[RuleIdle] = Alert{fmt.Sprintf("Long idle time: %.1f h", in.IdleHours), LevelWarning, 0.75}
	case in.IdleHours > 0.2:
		out[RuleIdle] = Alert{fmt.Sprintf("Idle time observed: %.0f min", math.Round(in.IdleHours*60)), LevelNotice, 0.60}
	}
	return out
}

// withNotices adds the positive confirmations when nothing critical is held
// and ranks the list.
func withNotices(held []Alert, in Inputs) []Alert {
	for _, a := range held {
		if a.Level == LevelCritical {
			rank(held)
			return held
		}
	}
	out := make([]Alert, 0, len(held)+3)
	if in.BaselineKW > 0 && in.PowerKW <= in.BaselineKW*1.05 {
		out = append(out, Alert{"Power within baseline", LevelInfo, 0.90})
	}
	out = append(out, held...)
	if in.HasPF && in.AvgPF > 0.95 {
		out = append(out, Alert{"Power factor excellent, no compensation needed", LevelInfo, 0.85})
	}
	if in.HasBalance && in.MaxUnbal < 5 {
		out = append(out, Alert{"Phases balanced", LevelInfo, 0.85})
	}
	rank(out)
	return out
}

// rank orders alerts most severe first, keeping insertion order within a
// level.
func rank(alerts []Alert) {
	sort.SliceStable(alerts, func(i, j int) bool { return alerts[i].Level > alerts[j].Level })
}

// countByLevel feeds the active alert gauges.
func countByLevel(alerts []Alert) map[string]int {
	out := map[string]int{}
	for _, a := range alerts {
		out[a.Level.String()]++
	}
	return out
}
