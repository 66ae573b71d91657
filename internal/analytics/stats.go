// v0
// internal/analytics/stats.go
package analytics

import (
	"math"
	"time"
)

// Analysis thresholds.
const (
	IdleMinDuration     = 15 * time.Minute
	IdleQuantile        = 0.15
	ActivePowerFloorKW  = 0.1
	PhaseCurrentFloorA  = 1.0
	SevereUnbalancePct  = 15.0
	PFScaleDetect       = 1.5
	PFValidPowerFrac    = 0.05
	LowPF               = 0.9
	BaselinePowerFactor = 1.15
)

// IdleEvent is one qualifying low-power run.
type IdleEvent struct {
	Start      time.Time `json:"start"`
	End        time.Time `json:"end"`
	Minutes    float64   `json:"duration_minutes"`
	AvgPowerKW float64   `json:"avg_power_kw"`
	EnergyKWh  float64   `json:"wasted_energy_kwh"`
}

// IdleStats summarises idle events in a window.
type IdleStats struct {
	ThresholdKW float64     `json:"threshold_kw"`
	Hours       float64     `json:"total_idle_hours"`
	WastedKWh   float64     `json:"total_wasted_energy_kwh"`
	Events      []IdleEvent `json:"events"`
}

// detectIdle finds runs of power below thresholdKW lasting at least
// minDuration. A threshold <= 0 is derived as the IdleQuantile of the
// active samples.
func detectIdle(g grid, minDuration time.Duration, thresholdKW float64) IdleStats {
	col, ok := g.powerColumn()
	if !ok {
		return IdleStats{}
	}
	power := g.col(col)

	threshold := thresholdKW
	if threshold <= 0 {
		var active []float64
		for _, v := range power {
			if v > ActivePowerFloorKW {
				active = append(active, v)
			}
		}
		if len(active) == 0 {
			return IdleStats{}
		}
		threshold = quantile(active, IdleQuantile)
	}
	stats := IdleStats{ThresholdKW: threshold}

	flush := func(from, to int) {
		minutes := float64(to-from) * Step.Minutes()
		if minutes < minDuration.Minutes() {
			return
		}
		var total float64
		for _, v := range power[from:to] {
			total += v
		}
		avg := total / float64(to-from)
		energy := avg * minutes / 60
		stats.Events = append(stats.Events, IdleEvent{
			Start:      g.times[from],
			End:        g.times[to-1],
			Minutes:    minutes,
			AvgPowerKW: avg,
			EnergyKWh:  energy,
		})
		stats.Hours += minutes / 60
		stats.WastedKWh += energy
	}

	start := -1
	for i, v := range power {
		idle := v < threshold
		switch {
		case idle && start < 0:
			start = i
		case !idle && start >= 0:
			flush(start, i)
			start = -1
		}
	}
	if start >= 0 {
		flush(start, len(power))
	}
	return stats
}

// Balance summarises three-phase current imbalance.
type Balance struct {
	AvgPct        float64 `json:"avg_unbalance_pct"`
	MaxPct        float64 `json:"max_unbalance_pct"`
	SevereMinutes float64 `json:"severe_unbalance_minutes"`
}

func phaseBalance(g grid) (Balance, bool) {
	if !g.has("ia") || !g.has("ib") || !g.has("ic") {
		return Balance{}, false
	}
	ia, ib, ic := g.col("ia"), g.col("ib"), g.col("ic")
	var b Balance
	var total float64
	n := 0
	for i := range ia {
		a, bb, c := ia[i], ib[i], ic[i]
		if math.IsNaN(a) || math.IsNaN(bb) || math.IsNaN(c) {
			continue
		}
		avg := (a + bb + c) / 3
		if avg <= PhaseCurrentFloorA {
			continue
		}
		dev := math.Max(math.Abs(a-avg), math.Max(math.Abs(bb-avg), math.Abs(c-avg)))
		pct := dev / avg * 100
		total += pct
		if n == 0 || pct > b.MaxPct {
			b.MaxPct = pct
		}
		if pct > SevereUnbalancePct {
			b.SevereMinutes += Step.Minutes()
		}
		n++
	}
	if n == 0 {
		return Balance{}, false
	}
	b.AvgPct = total / float64(n)
	return b, true
}

// PowerFactor summarises power factor while the load is running.
type PowerFactor struct {
	Avg        float64 `json:"avg_pf"`
	Min        float64 `json:"min_pf"`
	LowMinutes float64 `json:"low_pf_minutes"`
}

func powerFactor(g grid) (PowerFactor, bool) {
	if !g.has("pft") {
		return PowerFactor{}, false
	}
	pf := append([]float64(nil), g.col("pft")...)
	if maxOf(pf) > PFScaleDetect {
		for i := range pf {
			pf[i] /= 1000
		}
	}
	powerCol := "demand"
	if g.has("pt") && maxOf(g.col("pt")) > 0 {
		powerCol = "pt"
	}
	if !g.has(powerCol) {
		return PowerFactor{}, false
	}
	power := g.col(powerCol)
	floor := maxOf(power) * PFValidPowerFrac

	var out PowerFactor
	var total float64
	n := 0
	for i, v := range pf {
		if math.IsNaN(v) || math.IsNaN(power[i]) || !(power[i] > floor) {
			continue
		}
		total += v
		if n == 0 || v < out.Min {
			out.Min = v
		}
		if v < LowPF {
			out.LowMinutes += Step.Minutes()
		}
		n++
	}
	if n == 0 {
		return PowerFactor{}, false
	}
	out.Avg = total / float64(n)
	return out, true
}

// Readings are the latest instantaneous values of a window.
type Readings struct {
	PowerKW    float64
	BaselineKW float64
	Voltage    float64
	Current    float64
	PF         float64
}

func latest(g grid) Readings {
	var r Readings
	last := g.len() - 1
	if last < 0 {
		return r
	}
	at := func(col string) float64 {
		if !g.has(col) {
			return math.NaN()
		}
		return g.col(col)[last]
	}
	switch {
	case g.has("pt"):
		r.PowerKW = at("pt")
	case g.has("demand"):
		r.PowerKW = at("demand")
	}
	r.Voltage = meanOf(at("ua"), at("ub"), at("uc"))
	r.Current = meanOf(at("ia"), at("ib"), at("ic"))
	r.PF = at("pft")
	if r.PF > 1.0 {
		r.PF /= 1000
	}
	for _, p := range []*float64{&r.PowerKW, &r.Voltage, &r.Current, &r.PF} {
		if math.IsNaN(*p) {
			*p = 0
		}
	}
	if r.PowerKW > ActivePowerFloorKW {
		r.BaselineKW = r.PowerKW * BaselinePowerFactor
	}
	return r
}

func meanOf(vs ...float64) float64 {
	var total float64
	n := 0
	for _, v := range vs {
		if math.IsNaN(v) {
			continue
		}
		total += v
		n++
	}
	if n == 0 {
		return math.NaN()
	}
	return total / float64(n)
}
