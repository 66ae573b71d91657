// v0
// internal/policy/table.go
package policy

import (
	"errors"
	"fmt"
	"math"
)

var (
	// ErrNoTable is returned when no policy table is loaded.
	ErrNoTable = errors.New("policy table not loaded")
	// ErrInvalidTable reports a table whose shape does not match its axes.
	ErrInvalidTable = errors.New("invalid policy table")
)

// Axis maps a continuous sensor value onto a bounded integer coordinate:
// idx = clamp(int((v - Offset) * Scale), 0, Bins-1). The coefficients travel
// with the artifact so inference always uses the mapping the table was
// produced with.
type Axis struct {
	Name   string  `json:"name" cbor:"name"`
	Offset float64 `json:"offset" cbor:"offset"`
	Scale  float64 `json:"scale" cbor:"scale"`
	Bins   int     `json:"bins" cbor:"bins"`
}

// Index returns the discretized coordinate for v.
func (a Axis) Index(v float64) int {
	if a.Bins <= 0 {
		return 0
	}
	x := (v - a.Offset) * a.Scale
	if math.IsNaN(x) {
		return 0
	}
	x = math.Min(float64(a.Bins-1), math.Max(0, x))
	return int(x)
}

// Default axes for each device family.
var (
	LubricationAxes = []Axis{
		{Name: "current_a", Offset: 9.0, Scale: 2.0, Bins: 10},
		{Name: "temperature_c", Offset: 25.0, Scale: 0.2, Bins: 10},
	}
	TensionAxes = []Axis{
		{Name: "yarn_pct", Offset: 0, Scale: 0.1, Bins: 10},
		{Name: "tension", Offset: 3.0, Scale: 1.0, Bins: 10},
	}
)

// Table is an immutable two-axis action-value lookup. Values holds
// Bins(0) x Bins(1) x len(Actions) scores in row-major order.
type Table struct {
	Version string
	Axes    []Axis
	Actions []string
	Values  []float64
}

// NewTable validates the shape and returns a table that owns copies of the
// supplied slices.
func NewTable(version string, axes []Axis, actions []string, values []float64) (*Table, error) {
	if len(axes) != 2 {
		return nil, fmt.Errorf("%w: want 2 axes, got %d", ErrInvalidTable, len(axes))
	}
	if len(actions) < 2 {
		return nil, fmt.Errorf("%w: want at least 2 actions, got %d", ErrInvalidTable, len(actions))
	}
	for _, ax := range axes {
		if ax.Bins <= 0 {
			return nil, fmt.Errorf("%w: axis %q has no bins", ErrInvalidTable, ax.Name)
		}
	}
	want := axes[0].Bins * axes[1].Bins * len(actions)
	if len(values) != want {
		return nil, fmt.Errorf("%w: want %d values, got %d", ErrInvalidTable, want, len(values))
	}
	t := &Table{
		Version: version,
		Axes:    append([]Axis(nil), axes...),
		Actions: append([]string(nil), actions...),
		Values:  append([]float64(nil), values...),
	}
	return t, nil
}

// Coordinates discretizes a pair of raw inputs.
func (t *Table) Coordinates(x, y float64) (int, int) {
	return t.Axes[0].Index(x), t.Axes[1].Index(y)
}

// Best returns the index of the highest-scoring action at the discretized
// coordinate. Ties resolve to the lowest index.
func (t *Table) Best(x, y float64) int {
	i, j := t.Coordinates(x, y)
	n := len(t.Actions)
	base := (i*t.Axes[1].Bins + j) * n
	best := 0
	for a := 1; a < n; a++ {
		if t.Values[base+a] > t.Values[base+best] {
			best = a
		}
	}
	return best
}

// Votes reports whether the table prefers the action at index action.
func (t *Table) Votes(x, y float64, action int) bool {
	if t == nil {
		return false
	}
	return t.Best(x, y) == action
}

// set overwrites one cell; only used before a table is published.
func (t *Table) set(i, j, action int, v float64) {
	t.Values[(i*t.Axes[1].Bins+j)*len(t.Actions)+action] = v
}
