// v0
// internal/telemetry/telemetry_test.go
package telemetry

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"nrgchamp/floorctl/internal/device"
)

func TestFromSampleMapsFieldsPerClass(t *testing.T) {
	at := time.Unix(1_700_000_000, 0).UTC()
	lub := device.NewSample(map[string]any{"device_type": "LUBRICATION_BOT", "current_a": 12.5, "temperature_c": 41.0}, at)
	p, ok := FromSample("10.0.0.1", device.ClassLubrication, lub)
	if !ok || p.Fields["current_a"] != 12.5 || p.Tags["device_type"] != "LUBRICATION_BOT" || !p.Time.Equal(at) {
		t.Fatalf("unexpected lubrication point %+v", p)
	}

	ten := device.NewSample(map[string]any{"device_type": "TENSION_BOT", "tension": 3.1, "yarn_pct": 88.0, "power": 3.2}, at)
	p, ok = FromSample("10.0.0.2", device.ClassTension, ten)
	if !ok || p.Fields["tension_g"] != 3.1 || p.Fields["power_kw"] != 3.2 || p.Fields["yarn_pct"] != 88.0 {
		t.Fatalf("unexpected tension point %+v", p)
	}

	if _, ok := FromSample("10.0.0.3", device.ClassUnknown, device.NewSample(map[string]any{"device_type": "PUMP"}, at)); ok {
		t.Fatalf("unknown class must not be persisted")
	}
}

func TestFromSampleTagsBoundClass(t *testing.T) {
	at := time.Unix(1_700_000_000, 0).UTC()
	lower := device.NewSample(map[string]any{"device_type": "lubrication_bot", "current_a": 11.0, "temperature_c": 39.0}, at)
	p, ok := FromSample("10.0.0.4", device.ClassLubrication, lower)
	if !ok {
		t.Fatalf("lower-case type of a bound session must still be persisted")
	}
	if p.Tags["device_type"] != "LUBRICATION_BOT" || p.Fields["current_a"] != 11.0 {
		t.Fatalf("unexpected point %+v", p)
	}
}

func TestInfluxWriteAndReconnectCooldown(t *testing.T) {
	var pings atomic.Int32
	var healthy atomic.Bool
	var mu sync.Mutex
	var body string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/ping"):
			pings.Add(1)
			if !healthy.Load() {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			w.WriteHeader(http.StatusNoContent)
		case strings.HasSuffix(r.URL.Path, "/api/v2/write"):
			data, _ := io.ReadAll(r.Body)
			mu.Lock()
			body = string(data)
			mu.Unlock()
			w.WriteHeader(http.StatusNoContent)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	clock := time.Unix(1_700_000_000, 0)
	s := NewInfluxStore(InfluxConfig{URL: srv.URL, Token: "t", Org: "dls", Bucket: "energy_save_data", Reconnect: 30 * time.Second}, nil)
	s.now = func() time.Time { return clock }
	defer s.Close()

	p := Point{
		Measurement: Measurement,
		Tags:        map[string]string{"device_ip": "10.0.0.1", "device_type": "LUBRICATION_BOT"},
		Fields:      map[string]any{"current_a": 12.5},
		Time:        clock,
	}
	ctx := context.Background()
	if err := s.Write(ctx, p); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	healthy.Store(true)
	if err := s.Write(ctx, p); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected cooldown, got %v", err)
	}
	if pings.Load() != 1 {
		t.Fatalf("cooldown must suppress reconnects, pings=%d", pings.Load())
	}

	clock = clock.Add(31 * time.Second)
	if err := s.Write(ctx, p); err != nil {
		t.Fatalf("write after cooldown: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if !strings.HasPrefix(body, "sensor_metrics,device_ip=10.0.0.1,device_type=LUBRICATION_BOT current_a=12.5") {
		t.Fatalf("unexpected line protocol %q", body)
	}
}

func TestWindowQueryShape(t *testing.T) {
	q := windowQuery("energy", "energy*1*1", 24*time.Hour)
	for _, want := range []string{
		`from(bucket: "energy")`,
		"range(start: -1440m)",
		`r["_measurement"] == "ElectricalEnergy"`,
		`r["gateWayId"] == "energy*1*1"`,
		"aggregateWindow(every: 1m, fn: mean",
		"pivot(",
	} {
		if !strings.Contains(q, want) {
			t.Fatalf("query missing %q:\n%s", want, q)
		}
	}
	if strings.Contains(windowQuery("energy", "", time.Hour), "gateWayId") {
		t.Fatalf("empty gateway must not filter")
	}
}

func TestRowFromValuesKeepsNumericColumns(t *testing.T) {
	row := rowFromValues(time.Unix(0, 0), map[string]any{"pt": 1200.0, "ia": int64(5), "result": "_result", "pft": nil})
	if row.Values["pt"] != 1200 || row.Values["ia"] != 5 {
		t.Fatalf("unexpected row %+v", row)
	}
	if _, ok := row.Values["pft"]; ok {
		t.Fatalf("nil column must be absent")
	}
}

type stubSink struct {
	mu     sync.Mutex
	points []Point
}

func (s *stubSink) Write(ctx context.Context, p Point) error {
	s.mu.Lock()
	s.points = append(s.points, p)
	s.mu.Unlock()
	return nil
}

func TestWriterDropsWhenFull(t *testing.T) {
	sink := &stubSink{}
	w := NewWriter(sink, 2, nil, nil)
	p := Point{Tags: map[string]string{"device_ip": "x"}}
	if !w.Offer(p) || !w.Offer(p) {
		t.Fatalf("first two offers must be accepted")
	}
	if w.Offer(p) {
		t.Fatalf("third offer must be dropped")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)
	deadline := time.Now().Add(2 * time.Second)
	for {
		sink.mu.Lock()
		n := len(sink.points)
		sink.mu.Unlock()
		if n == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("worker did not drain, got %d", n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
