// v0
// internal/ledger/ledger.go
package ledger

import (
	"sync"
	"time"

	"nrgchamp/floorctl/internal/settings"
)

// RunningCurrentA is the draw above which a lubricated machine counts as
// running.
const RunningCurrentA = 1.0

// Stats are the cumulative savings reported to observers.
type Stats struct {
	TotalSavingsKWh       float64 `json:"total_savings_kwh"`
	TotalSavingsElecCost  float64 `json:"total_savings_elec_cost"`
	TotalSavingsOilLiters float64 `json:"total_savings_oil_liters"`
	TotalSavingsCost      float64 `json:"total_savings_cost"`
	CurrentTotalPower     float64 `json:"current_total_power"`
	BaselineTotalPower    float64 `json:"baseline_total_power"`
}

// Delta is one additive update. Power readings are gauges: when HasPower is
// set they replace the current values instead of accumulating.
type Delta struct {
	KWh       float64
	ElecCost  float64
	OilLiters float64
	Cost      float64

	HasPower      bool
	CurrentPower  float64
	BaselinePower float64
}

// Ledger accumulates savings across all sessions.
type Ledger struct {
	mu    sync.Mutex
	stats Stats
}

// New returns an empty ledger.
func New() *Ledger {
	return &Ledger{}
}

// Add applies d and returns the resulting totals.
func (l *Ledger) Add(d Delta) Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stats.TotalSavingsKWh += d.KWh
	l.stats.TotalSavingsElecCost += d.ElecCost
	l.stats.TotalSavingsOilLiters += d.OilLiters
	l.stats.TotalSavingsCost += d.Cost
	if d.HasPower {
		l.stats.CurrentTotalPower = d.CurrentPower
		l.stats.BaselineTotalPower = d.BaselinePower
	}
	return l.stats
}

// Snapshot returns the current totals.
func (l *Ledger) Snapshot() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stats
}

// Meter holds the per-session accrual state: when the session last priced
// a sample and how much injected oil has not yet been offset by accrual.
// A Meter belongs to exactly one session.
type Meter struct {
	last time.Time
	owed float64
}

// NewMeter starts metering at start.
func NewMeter(start time.Time) *Meter {
	return &Meter{last: start}
}

func (m *Meter) elapsed(now time.Time) time.Duration {
	dt := now.Sub(m.last)
	m.last = now
	if dt < 0 {
		return 0
	}
	return dt
}

// Lubrication prices one lubrication sample. A running machine earns the
// consumption of a fixed-interval baseline oiler since the previous sample;
// an executed injection spends AIInjectVolume. Spend larger than the
// period's accrual is carried forward and netted against later accrual, so
// the cumulative oil total never decreases.
func (m *Meter) Lubrication(current float64, injected bool, now time.Time, v settings.Values) Delta {
	dt := m.elapsed(now)
	var earned float64
	if current > RunningCurrentA && v.BaselineInjectInterval > 0 {
		earned = v.InjectVolumeLiters / v.BaselineInjectInterval * dt.Seconds()
	}
	if injected {
		m.owed += v.AIInjectVolume
	}
	net := earned - m.owed
	if net < 0 {
		m.owed = -net
		net = 0
	} else {
		m.owed = 0
	}
	return Delta{OilLiters: net, Cost: net * v.OilPrice}
}

// Owed reports injected oil not yet offset by accrual.
func (m *Meter) Owed() float64 { return m.owed }

// Tension prices one tension sample against the dynamic baseline. Excess
// consumption never produces a negative accrual. ok is false when no
// baseline is established; the metering clock only advances on priced
// samples.
func (m *Meter) Tension(power, baseline float64, now time.Time, v settings.Values) (Delta, bool) {
	if baseline <= 0 {
		return Delta{}, false
	}
	dt := m.elapsed(now)
	saved := baseline - power
	if saved < 0 {
		saved = 0
	}
	kwh := saved * dt.Hours()
	cost := kwh * v.ElectricityPrice
	return Delta{
		KWh:           kwh,
		ElecCost:      cost,
		Cost:          cost,
		HasPower:      true,
		CurrentPower:  power,
		BaselinePower: baseline,
	}, true
}
