// v0
// internal/device/device.go
package device

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Class enumerates the device families understood by the floor controller.
type Class int

const (
	ClassUnknown Class = iota
	ClassLubrication
	ClassTension
)

// ErrUnknownClass is returned when a device_type discriminator does not map
// to a supported class.
var ErrUnknownClass = errors.New("unknown device class")

// Wire discriminators carried in the device_type field.
const (
	TypeLubrication = "LUBRICATION_BOT"
	TypeTension     = "TENSION_BOT"
	TypeUnknown     = "UNKNOWN"
)

// Payload field names.
const (
	FieldType        = "device_type"
	FieldAction      = "action"
	FieldCurrent     = "current_a"
	FieldTemperature = "temperature_c"
	FieldTension     = "tension"
	FieldYarn        = "yarn_pct"
	FieldPower       = "power"
)

// Actions exchanged with devices.
const (
	ActionMonitor   = "MONITOR"
	ActionInject    = "INJECT"
	ActionOptimize  = "OPTIMIZE_TENSION"
	ActionAlarmStop = "ALARM_STOP"
	ActionError     = "ERROR"
	ActionStop      = "STOP"
	ActionStart     = "START"
)

func (c Class) String() string {
	switch c {
	case ClassLubrication:
		return TypeLubrication
	case ClassTension:
		return TypeTension
	default:
		return TypeUnknown
	}
}

// ParseClass maps a device_type discriminator to its Class.
func ParseClass(raw string) (Class, error) {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case TypeLubrication:
		return ClassLubrication, nil
	case TypeTension:
		return ClassTension, nil
	default:
		return ClassUnknown, fmt.Errorf("%w: %q", ErrUnknownClass, raw)
	}
}

// Key identifies a device for the lifetime of its connection.
type Key struct {
	Addr  string
	Class Class
}

// String renders the canonical addr_CLASS form used to key registries and
// command queues.
func (k Key) String() string {
	return k.Addr + "_" + k.Class.String()
}

// Sample is a single decoded telemetry frame. Fields holds the raw payload
// and must not be mutated after the sample is built.
type Sample struct {
	Type       string
	Fields     map[string]any
	ReceivedAt time.Time
}

// NewSample wraps a decoded payload.
func NewSample(fields map[string]any, at time.Time) Sample {
	if fields == nil {
		fields = map[string]any{}
	}
	t, _ := fields[FieldType].(string)
	if t == "" {
		t = TypeUnknown
	}
	return Sample{Type: t, Fields: fields, ReceivedAt: at}
}

// Float returns the numeric value of a field, or def when the field is
// absent or not numeric.
func (s Sample) Float(name string, def float64) float64 {
	v, ok := s.Fields[name]
	if !ok || v == nil {
		return def
	}
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case json.Number:
		if f, err := n.Float64(); err == nil {
			return f
		}
	case string:
		if f, err := strconv.ParseFloat(strings.TrimSpace(n), 64); err == nil {
			return f
		}
	}
	return def
}

// WithAction returns a shallow copy of the payload with the decided action
// merged in, as reported to observers.
func (s Sample) WithAction(action string) map[string]any {
	out := make(map[string]any, len(s.Fields)+1)
	for k, v := range s.Fields {
		out[k] = v
	}
	out[FieldAction] = action
	return out
}

// Decision is the instruction sent back to a device.
type Decision struct {
	Action  string         `json:"action"`
	Message string         `json:"msg"`
	Params  map[string]any `json:"params,omitempty"`
	Manual  bool           `json:"-"`
}

// Monitor builds a MONITOR decision with the given message.
func Monitor(msg string) Decision {
	return Decision{Action: ActionMonitor, Message: msg}
}

// Command is an operator-issued instruction that pre-empts the automated
// decision for one cycle.
type Command struct {
	ID         string         `json:"id"`
	Action     string         `json:"action"`
	Params     map[string]any `json:"params,omitempty"`
	Message    string         `json:"msg,omitempty"`
	EnqueuedAt time.Time      `json:"enqueued_at"`
}

// Decision converts the command into the response delivered to the device.
func (c Command) Decision() Decision {
	return Decision{Action: c.Action, Message: c.Message, Params: c.Params, Manual: true}
}

// Counters tallies decisions per device.
type Counters struct {
	InjectCount   int `json:"inject_count"`
	OptimizeCount int `json:"optimize_count"`
}

// Record is the latest observed state of a connected device.
type Record struct {
	IP       string         `json:"ip"`
	Type     string         `json:"type"`
	Data     map[string]any `json:"data"`
	Action   string         `json:"action"`
	LastSeen time.Time      `json:"last_seen"`
	Stats    Counters       `json:"stats"`
}
