// v0
// internal/simulator/simulator_test.go
package simulator

import (
	"context"
	"encoding/json"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nrgchamp/floorctl/internal/device"
)

func TestLubricationWearsWithoutOil(t *testing.T) {
	m := NewLubrication(1)
	for i := 0; i < 500; i++ {
		m.Apply("MONITOR")
	}
	assert.Less(t, m.Film, 0.9)
	assert.Greater(t, m.Current, 11.0)
	assert.Greater(t, m.Temperature, 25.0)
	assert.True(t, m.Running())
}

func TestLubricationInjectRestoresFilm(t *testing.T) {
	m := NewLubrication(1)
	m.Film = 0.3
	m.Apply(ActionInject)
	assert.InDelta(t, 0.7, m.Film, 0.001)

	m.Film = 0.9
	m.Apply(ActionInject)
	assert.LessOrEqual(t, m.Film, 1.0)
	assert.Greater(t, m.Film, 0.99)
}

func TestLubricationStopAndStart(t *testing.T) {
	m := NewLubrication(1)
	m.Temperature = 50
	m.Apply(ActionStop)
	assert.False(t, m.Running())
	assert.Zero(t, m.Current)
	assert.InDelta(t, 49.5, m.Temperature, 1e-9)

	m.Apply("MONITOR")
	assert.False(t, m.Running(), "stop persists across ticks")
	assert.Zero(t, m.Current)

	m.Film = 0.2
	m.Apply(ActionStart)
	assert.True(t, m.Running())
	assert.Greater(t, m.Film, 0.99)
	assert.InDelta(t, 10.0, m.Current, 0.2)
}

func TestLubricationSample(t *testing.T) {
	m := NewLubrication(1)
	m.Current = 12.3456
	m.Temperature = 41.239
	s := m.Sample()
	assert.Equal(t, "LUBRICATION_BOT", s[device.FieldType])
	assert.Equal(t, 12.35, s[device.FieldCurrent])
	assert.Equal(t, 41.24, s[device.FieldTemperature])
	assert.Contains(t, s, "timestamp")
}

func TestTensionSpikesWhenYarnLow(t *testing.T) {
	m := NewTension(7)
	m.Apply("MONITOR")
	assert.InDelta(t, 0.9999, m.Yarn, 1e-9)
	assert.InDelta(t, 3.0, m.Tension, 1.0)

	m.Yarn = 0.1
	m.Apply("MONITOR")
	assert.Greater(t, m.Tension, 5.0)
	assert.InDelta(t, 3.2+(m.Tension-3.0)*0.2, m.Power, 1e-9)
}

func TestTensionOptimizeReplacesSpool(t *testing.T) {
	m := NewTension(7)
	m.Yarn = 0.05
	m.Tension = 9
	m.Apply(ActionOptimize)
	assert.Equal(t, 1.0, m.Yarn)
	assert.Equal(t, 3.0, m.Tension)
}

func TestTensionAlarmStops(t *testing.T) {
	m := NewTension(7)
	m.Apply(ActionAlarm)
	assert.False(t, m.Running())
	assert.Zero(t, m.Power)
	assert.Zero(t, m.Tension)

	m.Apply(ActionStart)
	assert.True(t, m.Running())
}

func TestTensionSample(t *testing.T) {
	m := NewTension(7)
	m.Yarn = 0.4567
	s := m.Sample()
	assert.Equal(t, "TENSION_BOT", s[device.FieldType])
	assert.Equal(t, 45.7, s[device.FieldYarn])
}

type recordingMachine struct {
	mu      sync.Mutex
	applied []string
}

func (m *recordingMachine) Class() device.Class { return device.ClassLubrication }
func (m *recordingMachine) Running() bool       { return true }
func (m *recordingMachine) Sample() map[string]any {
	return map[string]any{device.FieldType: "LUBRICATION_BOT", device.FieldCurrent: 10.0}
}
func (m *recordingMachine) Apply(action string) {
	m.mu.Lock()
	m.applied = append(m.applied, action)
	m.mu.Unlock()
}
func (m *recordingMachine) actions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.applied...)
}

type countingMirror struct {
	mu sync.Mutex
	n  int
}

func (c *countingMirror) Mirror(map[string]any) {
	c.mu.Lock()
	c.n++
	c.mu.Unlock()
}

// serveReplies answers every frame on each accepted connection with the
// next action. dropFirst closes the first connection before replying.
func serveReplies(t *testing.T, ln net.Listener, actions []string, dropFirst bool) <-chan int {
	t.Helper()
	accepted := make(chan int, 8)
	go func() {
		for n := 1; ; n++ {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			accepted <- n
			if dropFirst && n == 1 {
				conn.Close()
				continue
			}
			go func(c net.Conn) {
				defer c.Close()
				dec := json.NewDecoder(c)
				enc := json.NewEncoder(c)
				for i := 0; ; i++ {
					var frame map[string]any
					if err := dec.Decode(&frame); err != nil {
						return
					}
					action := "MONITOR"
					if i < len(actions) {
						action = actions[i]
					}
					if err := enc.Encode(map[string]string{"action": action}); err != nil {
						return
					}
				}
			}(conn)
		}
	}()
	return accepted
}

func TestRunnerAppliesReplies(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	serveReplies(t, ln, []string{ActionInject, ""}, false)

	machine := &recordingMachine{}
	mirror := &countingMirror{}
	r := NewRunner(Config{Addr: ln.Addr().String(), Interval: 5 * time.Millisecond}, machine, mirror, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	require.Eventually(t, func() bool { return len(machine.actions()) >= 3 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("runner did not stop")
	}

	got := machine.actions()
	assert.Equal(t, []string{ActionInject, "MONITOR", "MONITOR"}, got[:3])
	mirror.mu.Lock()
	assert.GreaterOrEqual(t, mirror.n, 3)
	mirror.mu.Unlock()
}

func TestRunnerReconnects(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	accepted := serveReplies(t, ln, nil, true)

	machine := &recordingMachine{}
	r := NewRunner(Config{
		Addr:      ln.Addr().String(),
		Interval:  5 * time.Millisecond,
		Reconnect: 10 * time.Millisecond,
	}, machine, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = r.Run(ctx) }()

	for want := 1; want <= 2; want++ {
		select {
		case n := <-accepted:
			assert.Equal(t, want, n)
		case <-time.After(2 * time.Second):
			t.Fatalf("connection %d never arrived", want)
		}
	}
	require.Eventually(t, func() bool { return len(machine.actions()) > 0 }, 2*time.Second, 5*time.Millisecond)
}
