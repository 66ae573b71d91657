// v0
// internal/simulator/physics.go
package simulator

import (
	"math"
	"math/rand"
	"time"

	"nrgchamp/floorctl/internal/device"
)

// Actions understood by the simulated machines. Anything else is a no-op.
const (
	ActionInject   = "INJECT"
	ActionOptimize = "OPTIMIZE_TENSION"
	ActionStop     = "STOP"
	ActionAlarm    = "ALARM_STOP"
	ActionStart    = "START"
)

// Machine is a simulated device: it reports a sample and reacts to the
// action the controller sent back.
type Machine interface {
	Class() device.Class
	Sample() map[string]any
	Apply(action string)
	Running() bool
}

func stopping(action string) bool { return action == ActionStop || action == ActionAlarm }

// Lubrication models a lubricated spindle. Oil film decays while running,
// friction grows with the square of the missing film and drives current,
// and current above 10 A heats the bearing.
type Lubrication struct {
	Film        float64
	Temperature float64
	Current     float64
	Friction    float64

	running   bool
	timeScale float64
	rng       *rand.Rand
	now       func() time.Time
}

// NewLubrication starts a fully oiled machine at ambient temperature.
func NewLubrication(seed int64) *Lubrication {
	return &Lubrication{
		Film:        1.0,
		Temperature: 25.0,
		Current:     10.0,
		Friction:    1.0,
		running:     true,
		timeScale:   0.1,
		rng:         rand.New(rand.NewSource(seed)),
		now:         time.Now,
	}
}

func (m *Lubrication) Class() device.Class { return device.ClassLubrication }

func (m *Lubrication) Running() bool { return m.running }

func (m *Lubrication) Sample() map[string]any {
	return map[string]any{
		device.FieldType:        device.ClassLubrication.String(),
		"timestamp":             m.now().Format("15:04:05"),
		device.FieldCurrent:     round2(m.Current),
		device.FieldTemperature: round2(m.Temperature),
	}
}

func (m *Lubrication) Apply(action string) {
	if stopping(action) {
		m.running = false
	}
	if action == ActionStart {
		m.running = true
		m.Current = 10.0
		m.Friction = 1.0
		m.Film = 1.0
	}
	dt := m.timeScale
	if !m.running {
		m.Current = 0
		m.Friction = 0
		m.Temperature -= (m.Temperature - 25.0) * 0.2 * dt
		return
	}

	if action == ActionInject {
		m.Film = math.Min(1.0, m.Film+0.4)
		m.Temperature -= 0.2 * dt
	}
	if m.Current > 1.0 {
		decay := 0.0005 * m.uniform(0.8, 1.5)
		m.Film = math.Max(0.05, m.Film-decay)
	}
	m.Friction = 1.0 + math.Pow(1.0-m.Film, 2)*3.0
	m.Current = 10.0*m.Friction + m.uniform(-0.1, 0.1)

	heatIn := (m.Current - 10.0) * 2.0
	heatOut := (m.Temperature - 25.0) * 0.2
	m.Temperature += (heatIn-heatOut)*dt + m.uniform(-0.01, 0.01)
}

func (m *Lubrication) uniform(lo, hi float64) float64 {
	return lo + m.rng.Float64()*(hi-lo)
}

// Tension models a knitting feeder. Yarn runs out over roughly three hours
// of one-second ticks; under 20% left the tension spikes and power follows.
type Tension struct {
	Tension float64
	Yarn    float64
	Power   float64

	running bool
	rng     *rand.Rand
}

// NewTension starts with a full bobbin.
func NewTension(seed int64) *Tension {
	return &Tension{
		Tension: 3.0,
		Yarn:    1.0,
		Power:   3.2,
		running: true,
		rng:     rand.New(rand.NewSource(seed)),
	}
}

func (m *Tension) Class() device.Class { return device.ClassTension }

func (m *Tension) Running() bool { return m.running }

func (m *Tension) Sample() map[string]any {
	return map[string]any{
		device.FieldType:    device.ClassTension.String(),
		device.FieldTension: round2(m.Tension),
		device.FieldYarn:    math.Round(m.Yarn*1000) / 10,
		device.FieldPower:   round2(m.Power),
	}
}

func (m *Tension) Apply(action string) {
	if stopping(action) {
		m.running = false
	}
	if action == ActionStart {
		m.running = true
		m.Power = 3.2
		m.Tension = 3.0
	}
	if !m.running {
		m.Power = 0
		m.Tension = 0
		return
	}
	if action == ActionOptimize {
		m.Yarn = 1.0
		m.Tension = 3.0
		return
	}

	m.Yarn = math.Max(0, m.Yarn-0.0001)
	const base = 3.0
	if m.Yarn < 0.20 {
		spike := (0.20 - m.Yarn) * 40
		m.Tension = base + spike + m.rng.NormFloat64()*0.2
	} else {
		m.Tension = base + m.rng.NormFloat64()*0.1
	}
	m.Power = 3.2 + math.Max(0, (m.Tension-3.0)*0.2)
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }
