// v0
// internal/policy/generate.go
package policy

// Action slots shared by the generated tables. Slot 0 is always the passive
// action.
const (
	SlotMonitor = 0
	SlotAct     = 1
)

// GenerateLubrication builds the threshold-shaped table used to seed the
// lubrication family: INJECT wins wherever the cell's representative current
// exceeds 14.5 A or its temperature exceeds 45 C.
func GenerateLubrication(version string) *Table {
	return generate(version, LubricationAxes, []string{"MONITOR", "INJECT"}, func(current, temp float64) bool {
		return current > 14.5 || temp > 45.0
	})
}

// GenerateTension builds the seed table for the tension family: reload the
// spool when less than a fifth of the yarn remains or tension runs far above
// nominal.
func GenerateTension(version string) *Table {
	return generate(version, TensionAxes, []string{"MONITOR", "OPTIMIZE_TENSION"}, func(yarn, tension float64) bool {
		return yarn < 20.0 || tension > 9.0
	})
}

func generate(version string, axes []Axis, actions []string, act func(x, y float64) bool) *Table {
	values := make([]float64, axes[0].Bins*axes[1].Bins*len(actions))
	t, err := NewTable(version, axes, actions, values)
	if err != nil {
		panic("policy: generator shape: " + err.Error())
	}
	for i := 0; i < axes[0].Bins; i++ {
		for j := 0; j < axes[1].Bins; j++ {
			x := cellValue(axes[0], i)
			y := cellValue(axes[1], j)
			if act(x, y) {
				t.set(i, j, SlotMonitor, 0)
				t.set(i, j, SlotAct, 10)
			} else {
				t.set(i, j, SlotMonitor, 10)
				t.set(i, j, SlotAct, 0)
			}
		}
	}
	return t
}

// cellValue inverts Axis.Index at the lower edge of bin i.
func cellValue(a Axis, i int) float64 {
	return float64(i)/a.Scale + a.Offset
}
