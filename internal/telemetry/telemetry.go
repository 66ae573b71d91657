// v0
// internal/telemetry/telemetry.go
package telemetry

import (
	"context"
	"errors"
	"time"

	"nrgchamp/floorctl/internal/device"
)

// Measurement is the series name device samples are written under.
const Measurement = "sensor_metrics"

// ErrUnavailable is returned while the store is disconnected and inside its
// reconnect cooldown.
var ErrUnavailable = errors.New("telemetry store unavailable")

// Point is one persisted device sample.
type Point struct {
	Measurement string
	Tags        map[string]string
	Fields      map[string]any
	Time        time.Time
}

// Sink persists points.
type Sink interface {
	Write(ctx context.Context, p Point) error
}

// FromSample maps a sample of a bound session onto a point tagged with the
// session's class. ClassUnknown is not persisted.
func FromSample(addr string, class device.Class, s device.Sample) (Point, bool) {
	p := Point{
		Measurement: Measurement,
		Tags:        map[string]string{"device_ip": addr, "device_type": class.String()},
		Time:        s.ReceivedAt,
	}
	switch class {
	case device.ClassLubrication:
		p.Fields = map[string]any{
			"current_a":     s.Float(device.FieldCurrent, 0),
			"temperature_c": s.Float(device.FieldTemperature, 0),
		}
	case device.ClassTension:
		p.Fields = map[string]any{
			"tension_g": s.Float(device.FieldTension, 0),
			"yarn_pct":  s.Float(device.FieldYarn, 0),
			"power_kw":  s.Float(device.FieldPower, 0),
		}
	default:
		return Point{}, false
	}
	if p.Time.IsZero() {
		p.Time = time.Now().UTC()
	}
	return p, true
}

// Row is one resampled instant of the grid monitor. Absent columns were
// not reported for that minute.
type Row struct {
	Time   time.Time
	Values map[string]float64
}

// Frame is a time-ordered window of rows.
type Frame []Row

// Columns read from the grid monitor.
var Columns = []string{"ua", "ub", "uc", "ia", "ib", "ic", "pt", "demand", "pft", "impep"}

// WindowSource reads rolling grid monitor windows.
type WindowSource interface {
	Window(ctx context.Context, gateway string, span time.Duration) (Frame, error)
	Gateways(ctx context.Context) ([]string, error)
}
