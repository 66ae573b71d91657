// v0
// internal/analytics/analytics_test.go
package analytics

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nrgchamp/floorctl/internal/circuitbreaker"
	"nrgchamp/floorctl/internal/telemetry"
)

var t0 = time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)

func frameOf(n int, values func(i int) map[string]float64) telemetry.Frame {
	out := make(telemetry.Frame, n)
	for i := range out {
		out[i] = telemetry.Row{Time: t0.Add(time.Duration(i) * time.Minute), Values: values(i)}
	}
	return out
}

func TestFillGapsLimitsInterpolation(t *testing.T) {
	nan := math.NaN()
	xs := []float64{nan, 1, nan, nan, nan, 5, nan, nan, nan}
	fillGaps(xs, 2)
	assert.True(t, math.IsNaN(xs[0]), "leading gap stays missing")
	assert.InDelta(t, 2.0, xs[2], 1e-9)
	assert.InDelta(t, 3.0, xs[3], 1e-9)
	assert.True(t, math.IsNaN(xs[4]), "third missing minute is not filled")
	assert.Equal(t, 5.0, xs[6])
	assert.Equal(t, 5.0, xs[7])
	assert.True(t, math.IsNaN(xs[8]))
}

func TestResampleAveragesAndInsertsMinutes(t *testing.T) {
	frame := telemetry.Frame{
		{Time: t0, Values: map[string]float64{"pt": 2}},
		{Time: t0.Add(30 * time.Second), Values: map[string]float64{"pt": 4}},
		{Time: t0.Add(3 * time.Minute), Values: map[string]float64{"pt": 9}},
	}
	g := resample(frame)
	require.Equal(t, 4, g.len())
	pt := g.col("pt")
	assert.Equal(t, 3.0, pt[0])
	assert.InDelta(t, 5.0, pt[1], 1e-9)
	assert.InDelta(t, 7.0, pt[2], 1e-9)
	assert.Equal(t, 9.0, pt[3])
}

func TestQuantileInterpolatesLinearly(t *testing.T) {
	assert.InDelta(t, 1.45, quantile([]float64{4, 1, 3, 2}, 0.15), 1e-9)
	assert.True(t, math.IsNaN(quantile(nil, 0.15)))
}

func TestDetectIdleFindsSustainedLowPower(t *testing.T) {
	frame := frameOf(200, func(i int) map[string]float64 {
		if i < 20 {
			return map[string]float64{"pt": 1.0}
		}
		return map[string]float64{"pt": 10.0}
	})
	stats := detectIdle(resample(frame), IdleMinDuration, 0)
	require.Len(t, stats.Events, 1)
	ev := stats.Events[0]
	assert.Equal(t, 20.0, ev.Minutes)
	assert.Equal(t, t0, ev.Start)
	assert.InDelta(t, 1.0*20/60, ev.EnergyKWh, 1e-9)
	assert.InDelta(t, 20.0/60, stats.Hours, 1e-9)
	assert.Equal(t, 10.0, stats.ThresholdKW)
}

func TestDetectIdleWithConfiguredThreshold(t *testing.T) {
	frame := frameOf(40, func(i int) map[string]float64 {
		if i < 20 {
			return map[string]float64{"pt": 1.0}
		}
		return map[string]float64{"pt": 10.0}
	})
	stats := detectIdle(resample(frame), IdleMinDuration, 5.0)
	require.Len(t, stats.Events, 1)
	assert.Equal(t, 20.0, stats.Events[0].Minutes)
	assert.InDelta(t, 1.0*20/60, stats.Events[0].EnergyKWh, 1e-9)
	assert.InDelta(t, 1.0*20/60, stats.WastedKWh, 1e-9)
	assert.Equal(t, 5.0, stats.ThresholdKW)
}

func TestDetectIdleIgnoresShortRunsAndSilentLines(t *testing.T) {
	short := frameOf(200, func(i int) map[string]float64 {
		if i < 10 {
			return map[string]float64{"pt": 1.0}
		}
		return map[string]float64{"pt": 10.0}
	})
	assert.Empty(t, detectIdle(resample(short), IdleMinDuration, 0).Events)

	silent := frameOf(30, func(int) map[string]float64 { return map[string]float64{"pt": 0, "demand": 0.05} })
	assert.Equal(t, IdleStats{}, detectIdle(resample(silent), IdleMinDuration, 0))
}

func TestDetectIdleFallsBackToDemand(t *testing.T) {
	frame := frameOf(200, func(i int) map[string]float64 {
		if i >= 180 {
			return map[string]float64{"pt": 0, "demand": 2.0}
		}
		return map[string]float64{"pt": 0, "demand": 8.0}
	})
	stats := detectIdle(resample(frame), IdleMinDuration, 0)
	require.Len(t, stats.Events, 1)
	assert.Equal(t, 20.0, stats.Events[0].Minutes)
}

func TestPhaseBalance(t *testing.T) {
	balanced := frameOf(5, func(int) map[string]float64 { return map[string]float64{"ia": 10, "ib": 10, "ic": 10} })
	b, ok := phaseBalance(resample(balanced))
	require.True(t, ok)
	assert.Equal(t, 0.0, b.MaxPct)

	skewed := frameOf(5, func(i int) map[string]float64 {
		if i == 0 {
			return map[string]float64{"ia": 0.5, "ib": 0.5, "ic": 0.5}
		}
		return map[string]float64{"ia": 20, "ib": 10, "ic": 10}
	})
	b, ok = phaseBalance(resample(skewed))
	require.True(t, ok)
	avg := 40.0 / 3
	want := (20 - avg) / avg * 100
	assert.InDelta(t, want, b.MaxPct, 1e-9)
	assert.InDelta(t, want, b.AvgPct, 1e-9)
	assert.Equal(t, 4.0, b.SevereMinutes)

	idle := frameOf(3, func(int) map[string]float64 { return map[string]float64{"ia": 0.2, "ib": 0.2, "ic": 0.2} })
	_, ok = phaseBalance(resample(idle))
	assert.False(t, ok)
}

func TestPowerFactorScalesAndFiltersLightLoad(t *testing.T) {
	frame := frameOf(4, func(i int) map[string]float64 {
		if i == 3 {
			return map[string]float64{"pt": 0.1, "pft": 300}
		}
		return map[string]float64{"pt": 10, "pft": 920}
	})
	pf, ok := powerFactor(resample(frame))
	require.True(t, ok)
	assert.InDelta(t, 0.92, pf.Avg, 1e-9)
	assert.InDelta(t, 0.92, pf.Min, 1e-9)
	assert.Equal(t, 0.0, pf.LowMinutes)

	_, ok = powerFactor(resample(frameOf(2, func(int) map[string]float64 { return map[string]float64{"pt": 5} })))
	assert.False(t, ok)
}

func TestLatestReadings(t *testing.T) {
	frame := frameOf(2, func(int) map[string]float64 {
		return map[string]float64{"pt": 4, "ua": 220, "ub": 230, "uc": 240, "ia": 9, "ib": 10, "ic": 11, "pft": 930}
	})
	r := latest(resample(frame))
	assert.Equal(t, 4.0, r.PowerKW)
	assert.InDelta(t, 4.6, r.BaselineKW, 1e-9)
	assert.Equal(t, 230.0, r.Voltage)
	assert.Equal(t, 10.0, r.Current)
	assert.InDelta(t, 0.93, r.PF, 1e-9)

	r = latest(resample(frameOf(1, func(int) map[string]float64 { return map[string]float64{"demand": 0.05} })))
	assert.Equal(t, 0.0, r.BaselineKW)
}

func TestAlertRulesAndRanking(t *testing.T) {
	raw := evaluate(Inputs{PowerKW: 13, BaselineKW: 10, HasBalance: true, MaxUnbal: 18, HasPF: true, AvgPF: 0.8, IdleHours: 0.5})
	assert.Equal(t, LevelCritical, raw[RulePower].Level)
	assert.Equal(t, 0.95, raw[RulePower].Confidence)
	assert.Equal(t, LevelWarning, raw[RuleBalance].Level)
	assert.Equal(t, LevelWarning, raw[RulePF].Level)
	assert.Equal(t, LevelNotice, raw[RuleIdle].Level)

	quiet := evaluate(Inputs{PowerKW: 10, BaselineKW: 11.5, HasBalance: true, MaxUnbal: 2, HasPF: true, AvgPF: 0.97})
	assert.Empty(t, quiet)

	in := Inputs{PowerKW: 10, BaselineKW: 11.5, HasBalance: true, MaxUnbal: 2, HasPF: true, AvgPF: 0.97, IdleHours: 2}
	held := []Alert{evaluate(in)[RuleIdle]}
	list := withNotices(held, in)
	require.Len(t, list, 4)
	assert.Equal(t, LevelWarning, list[0].Level)
	assert.Equal(t, "Power within baseline", list[1].Message)
	assert.Equal(t, "Phases balanced", list[3].Message)

	crit := withNotices([]Alert{{Message: "x", Level: LevelCritical}}, in)
	assert.Len(t, crit, 1, "no confirmations while something is critical")
}

func TestAlertLevelMarshalsAsName(t *testing.T) {
	data, err := json.Marshal(Alert{Message: "m", Level: LevelNotice, Confidence: 0.6})
	require.NoError(t, err)
	assert.JSONEq(t, `{"msg":"m","level":"NOTICE","confidence":0.6}`, string(data))
}

func TestTrackerHoldsAndClears(t *testing.T) {
	tr := NewTracker(1, 2)
	warn := map[string]Alert{RuleIdle: {Message: "Long idle time: 1.5 h", Level: LevelWarning, Confidence: 0.75}}

	held, esc := tr.Apply(warn)
	require.Len(t, held, 1)
	assert.Empty(t, esc)

	held, _ = tr.Apply(nil)
	require.Len(t, held, 1, "one quiet cycle keeps the alert")
	assert.Equal(t, "Long idle time: 1.5 h", held[0].Message)

	held, _ = tr.Apply(nil)
	assert.Empty(t, held)
}

func TestTrackerSustainAndCriticalBypass(t *testing.T) {
	tr := NewTracker(2, 2)
	warn := map[string]Alert{RuleBalance: {Message: "w", Level: LevelWarning}}
	crit := map[string]Alert{RuleBalance: {Message: "c", Level: LevelCritical}}

	held, _ := tr.Apply(warn)
	assert.Empty(t, held, "warning needs two cycles")
	held, _ = tr.Apply(warn)
	require.Len(t, held, 1)

	held, esc := tr.Apply(crit)
	require.Len(t, esc, 1)
	assert.Equal(t, LevelCritical, held[0].Level)

	_, esc = tr.Apply(crit)
	assert.Empty(t, esc, "only newly critical alerts escalate")

	held, _ = tr.Apply(warn)
	assert.Equal(t, LevelCritical, held[0].Level)
	assert.Equal(t, "c", held[0].Message)
	held, _ = tr.Apply(warn)
	assert.Equal(t, LevelWarning, held[0].Level)
	assert.Equal(t, "w", held[0].Message)
}

type stubSource struct {
	mu    sync.Mutex
	calls int
	errs  []error
	frame telemetry.Frame
}

func (s *stubSource) Window(ctx context.Context, gateway string, span time.Duration) (telemetry.Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		return nil, err
	}
	return s.frame, nil
}

func (s *stubSource) Gateways(ctx context.Context) ([]string, error) { return nil, nil }

type recorder struct {
	mu       sync.Mutex
	events   []string
	notified []string
}

func (r *recorder) Publish(name string, payload any) {
	r.mu.Lock()
	r.events = append(r.events, name)
	r.mu.Unlock()
}

func (r *recorder) Notify(ctx context.Context, subject, message string) error {
	r.mu.Lock()
	r.notified = append(r.notified, subject+" "+message)
	r.mu.Unlock()
	return errors.New("webhook down")
}

type fixedForecast float64

func (f fixedForecast) PredictPeak(ctx context.Context, gateway string, window []PowerPoint) (float64, error) {
	return float64(f), nil
}

func imbalancedFrame() telemetry.Frame {
	return frameOf(30, func(int) map[string]float64 {
		return map[string]float64{"pt": 5000, "ua": 230, "ub": 230, "uc": 230, "ia": 30, "ib": 10, "ic": 10, "pft": 960}
	})
}

func TestCycleBuildsSnapshotAndNotifiesOnce(t *testing.T) {
	src := &stubSource{frame: imbalancedFrame()}
	rec := &recorder{}
	l := NewLoop(Config{Gateway: "energy*1*1"}, src, fixedForecast(12.5), rec, rec, nil, nil)

	snap, err := l.Cycle(context.Background())
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, "energy*1*1", snap.Gateway)
	assert.Equal(t, 5.0, snap.PowerKW)
	require.NotNil(t, snap.BaselineKW)
	assert.Equal(t, 5.75, *snap.BaselineKW)
	assert.Equal(t, 0.96, snap.PF)
	require.NotNil(t, snap.ForecastPeakKW)
	assert.Equal(t, 12.5, *snap.ForecastPeakKW)
	require.NotEmpty(t, snap.Alerts)
	assert.Equal(t, LevelCritical, snap.Alerts[0].Level)
	assert.Same(t, snap, l.Snapshot())

	_, err = l.Cycle(context.Background())
	require.NoError(t, err)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, []string{"grid_monitor_update", "grid_monitor_update"}, rec.events)
	assert.Len(t, rec.notified, 1)
}

func TestCycleEmptyWindowKeepsSnapshot(t *testing.T) {
	src := &stubSource{frame: imbalancedFrame()}
	l := NewLoop(Config{}, src, nil, nil, nil, nil, nil)
	first, err := l.Cycle(context.Background())
	require.NoError(t, err)

	src.frame = nil
	snap, err := l.Cycle(context.Background())
	require.NoError(t, err)
	assert.Nil(t, snap)
	assert.Same(t, first, l.Snapshot())
}

func TestRunSurvivesFailedCycle(t *testing.T) {
	src := &stubSource{frame: imbalancedFrame(), errs: []error{errors.New("influx down")}}
	l := NewLoop(Config{}, src, nil, nil, nil, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx, 10*time.Millisecond) }()

	deadline := time.Now().Add(2 * time.Second)
	for l.Snapshot() == nil {
		if time.Now().After(deadline) {
			t.Fatalf("loop stopped after a failed cycle")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	require.NoError(t, <-done)
}

type crashingForecast struct {
	mu    sync.Mutex
	calls int
}

func (c *crashingForecast) PredictPeak(ctx context.Context, gateway string, window []PowerPoint) (float64, error) {
	c.mu.Lock()
	c.calls++
	first := c.calls == 1
	c.mu.Unlock()
	if first {
		panic("forecast model crashed")
	}
	return 7, nil
}

func TestRunSurvivesPanickingCycle(t *testing.T) {
	src := &stubSource{frame: imbalancedFrame()}
	fc := &crashingForecast{}
	l := NewLoop(Config{}, src, fc, nil, nil, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx, 10*time.Millisecond) }()

	require.Eventually(t, func() bool { return l.Snapshot() != nil }, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
	require.NotNil(t, l.Snapshot().ForecastPeakKW)
	assert.Equal(t, 7.0, *l.Snapshot().ForecastPeakKW)
}

func TestCycleUsesConfiguredIdleThreshold(t *testing.T) {
	src := &stubSource{frame: frameOf(40, func(i int) map[string]float64 {
		if i < 20 {
			return map[string]float64{"pt": 1000}
		}
		return map[string]float64{"pt": 10000}
	})}
	l := NewLoop(Config{IdleThresholdKW: 5}, src, nil, nil, nil, nil, nil)

	snap, err := l.Cycle(context.Background())
	require.NoError(t, err)
	require.Len(t, snap.IdleEvents, 1)
	assert.Equal(t, 20.0, snap.IdleEvents[0].Minutes)
	assert.Equal(t, 0.33, snap.IdleHours)
}

func TestSetGatewayAndTrigger(t *testing.T) {
	src := &stubSource{frame: imbalancedFrame()}
	l := NewLoop(Config{Gateway: "energy*1*1"}, src, nil, nil, nil, nil, nil)
	l.SetGateway("energy*2*1")
	assert.Equal(t, "energy*2*1", l.Gateway())

	l.Trigger()
	l.Trigger()
	assert.Len(t, l.trigger, 1, "triggers coalesce")
}

func TestHTTPForecaster(t *testing.T) {
	var got forecastRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if got.Gateway == "broken" {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte(`{"peak_kw": 42.5}`))
	}))
	defer srv.Close()

	f := NewHTTPForecaster(srv.URL, circuitbreaker.DefaultConfig(), time.Second)
	peak, err := f.PredictPeak(context.Background(), "energy*1*1", []PowerPoint{{Time: t0, PowerKW: 3}})
	require.NoError(t, err)
	assert.Equal(t, 42.5, peak)
	assert.Equal(t, "energy*1*1", got.Gateway)
	require.Len(t, got.Points, 1)

	_, err = f.PredictPeak(context.Background(), "broken", nil)
	assert.Error(t, err)
}
