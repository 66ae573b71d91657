// v0
// internal/analytics/loop.go
package analytics

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"nrgchamp/floorctl/internal/broadcast"
	"nrgchamp/floorctl/internal/metrics"
	"nrgchamp/floorctl/internal/telemetry"
)

// Publisher is satisfied by the broadcast hub.
type Publisher interface {
	Publish(name string, payload any)
}

// Notifier delivers a critical alert outside the process.
type Notifier interface {
	Notify(ctx context.Context, subject, message string) error
}

// Snapshot is the result of one analytics cycle.
type Snapshot struct {
	Gateway        string      `json:"gateway"`
	PowerKW        float64     `json:"power_kw"`
	BaselineKW     *float64    `json:"baseline_kw"`
	Voltage        float64     `json:"voltage"`
	Current        float64     `json:"current"`
	PF             float64     `json:"pf"`
	IdleHours      float64     `json:"idle_hours"`
	IdleEvents     []IdleEvent `json:"idle_events"`
	UnbalancePct   *float64    `json:"unbalance_pct"`
	ForecastPeakKW *float64    `json:"forecast_peak_kw,omitempty"`
	Alerts         []Alert     `json:"alerts"`
	Timestamp      time.Time   `json:"timestamp"`
}

// Config tunes a Loop.
type Config struct {
	Gateway      string
	Window       time.Duration
	SustainTicks int
	ClearTicks   int
	// IdleThresholdKW overrides the per-window idle threshold when > 0.
	IdleThresholdKW float64
}

// Loop runs analytics cycles over a rolling window of grid readings.
type Loop struct {
	source     telemetry.WindowSource
	forecaster Forecaster
	notifier   Notifier
	pub        Publisher
	metrics    *metrics.Metrics
	log        *slog.Logger
	window     time.Duration
	idleKW     float64
	now        func() time.Time

	gwMu    sync.RWMutex
	gateway string

	// cycleMu serialises cycles; the tracker is only touched under it.
	cycleMu  sync.Mutex
	tracker  *Tracker
	snapshot atomic.Pointer[Snapshot]
	trigger  chan struct{}
}

// NewLoop wires a loop. forecaster, notifier, pub and m may be nil.
func NewLoop(cfg Config, source telemetry.WindowSource, forecaster Forecaster, notifier Notifier, pub Publisher, m *metrics.Metrics, logger *slog.Logger) *Loop {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.Window <= 0 {
		cfg.Window = 24 * time.Hour
	}
	return &Loop{
		source:     source,
		forecaster: forecaster,
		notifier:   notifier,
		pub:        pub,
		metrics:    m,
		log:        logger.With(slog.String("component", "analytics")),
		window:     cfg.Window,
		idleKW:     cfg.IdleThresholdKW,
		now:        time.Now,
		gateway:    cfg.Gateway,
		tracker:    NewTracker(cfg.SustainTicks, cfg.ClearTicks),
		trigger:    make(chan struct{}, 1),
	}
}

// Gateway returns the monitored gateway.
func (l *Loop) Gateway() string {
	l.gwMu.RLock()
	defer l.gwMu.RUnlock()
	return l.gateway
}

// SetGateway switches the monitored gateway. Hysteresis state restarts
// because held alerts belonged to the previous line.
func (l *Loop) SetGateway(id string) {
	l.gwMu.Lock()
	l.gateway = id
	l.gwMu.Unlock()

	l.cycleMu.Lock()
	l.tracker = NewTracker(l.tracker.sustain, l.tracker.clear)
	l.cycleMu.Unlock()
	l.log.Info("analytics_gateway_switched", slog.String("gateway", id))
}

// Trigger asks the running loop for an immediate cycle. Extra requests
// coalesce.
func (l *Loop) Trigger() {
	select {
	case l.trigger <- struct{}{}:
	default:
	}
}

// Snapshot returns the last cycle's result, or nil before the first one.
func (l *Loop) Snapshot() *Snapshot {
	return l.snapshot.Load()
}

// Run cycles immediately and then on every tick until ctx is cancelled.
func (l *Loop) Run(ctx context.Context, interval time.Duration) error {
	if ctx == nil {
		return errors.New("context must not be nil")
	}
	if interval <= 0 {
		interval = time.Minute
	}

	l.log.Info("analytics_loop_started", slog.String("interval", interval.String()), slog.String("gateway", l.Gateway()))
	l.runCycle(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			l.log.Info("analytics_loop_stopped")
			return nil
		case <-ticker.C:
			l.runCycle(ctx)
		case <-l.trigger:
			l.runCycle(ctx)
		}
	}
}

// runCycle contains a failing or panicking cycle so the next tick still runs.
func (l *Loop) runCycle(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			l.metrics.AnalyticsCycle("error")
			l.log.Error("analytics_cycle_panic", slog.String("gateway", l.Gateway()), slog.Any("panic", r))
		}
	}()
	if _, err := l.Cycle(ctx); err != nil {
		l.log.Warn("analytics_cycle_failed", slog.String("gateway", l.Gateway()), slog.Any("err", err))
	}
}

// Cycle computes, caches and broadcasts one snapshot. An empty window
// leaves the previous snapshot in place and returns nil, nil.
func (l *Loop) Cycle(ctx context.Context) (*Snapshot, error) {
	l.cycleMu.Lock()
	defer l.cycleMu.Unlock()

	gateway := l.Gateway()
	frame, err := l.source.Window(ctx, gateway, l.window)
	if err != nil {
		l.metrics.AnalyticsCycle("error")
		return nil, err
	}
	if len(frame) == 0 {
		l.metrics.AnalyticsCycle("empty")
		l.log.Debug("analytics_window_empty", slog.String("gateway", gateway))
		return nil, nil
	}

	g := resample(frame)
	g.scale("pt", 0.001)
	g.scale("demand", 0.001)

	idle := detectIdle(g, IdleMinDuration, l.idleKW)
	balance, hasBalance := phaseBalance(g)
	pf, hasPF := powerFactor(g)
	now := latest(g)

	in := Inputs{
		PowerKW:    now.PowerKW,
		BaselineKW: now.BaselineKW,
		HasBalance: hasBalance,
		MaxUnbal:   balance.MaxPct,
		HasPF:      hasPF,
		AvgPF:      pf.Avg,
		IdleHours:  idle.Hours,
	}
	held, escalated := l.tracker.Apply(evaluate(in))
	alerts := withNotices(held, in)

	snap := &Snapshot{
		Gateway:    gateway,
		PowerKW:    round(now.PowerKW, 2),
		Voltage:    round(now.Voltage, 1),
		Current:    round(now.Current, 1),
		PF:         round(now.PF, 2),
		IdleHours:  round(idle.Hours, 2),
		IdleEvents: idle.Events,
		Alerts:     alerts,
		Timestamp:  l.now().UTC(),
	}
	if snap.IdleEvents == nil {
		snap.IdleEvents = []IdleEvent{}
	}
	if now.BaselineKW > 0 {
		b := round(now.BaselineKW, 2)
		snap.BaselineKW = &b
	}
	if hasBalance {
		u := round(balance.MaxPct, 1)
		snap.UnbalancePct = &u
	}
	if peak, ok := l.forecast(ctx, gateway, g); ok {
		snap.ForecastPeakKW = &peak
	}

	l.snapshot.Store(snap)
	l.metrics.AnalyticsCycle("ok")
	l.metrics.SetAlerts(countByLevel(alerts))
	if l.pub != nil {
		l.pub.Publish(broadcast.EventGridMonitor, snap)
	}
	for _, a := range escalated {
		l.notify(ctx, gateway, a)
	}
	l.log.Debug("analytics_cycle_done",
		slog.String("gateway", gateway),
		slog.Float64("power_kw", snap.PowerKW),
		slog.Int("alerts", len(alerts)),
	)
	return snap, nil
}

func (l *Loop) forecast(ctx context.Context, gateway string, g grid) (float64, bool) {
	if l.forecaster == nil {
		return 0, false
	}
	col, ok := g.powerColumn()
	if !ok {
		return 0, false
	}
	points := make([]PowerPoint, 0, g.len())
	for i, v := range g.col(col) {
		if math.IsNaN(v) {
			continue
		}
		points = append(points, PowerPoint{Time: g.times[i], PowerKW: v})
	}
	peak, err := l.forecaster.PredictPeak(ctx, gateway, points)
	if err != nil {
		l.log.Warn("forecast_failed", slog.String("gateway", gateway), slog.Any("err", err))
		return 0, false
	}
	return round(peak, 2), true
}

func (l *Loop) notify(ctx context.Context, gateway string, a Alert) {
	if l.notifier == nil {
		return
	}
	subject := "[" + a.Level.String() + "] " + gateway
	if err := l.notifier.Notify(ctx, subject, a.Message); err != nil {
		l.log.Warn("alert_notify_failed", slog.String("gateway", gateway), slog.Any("err", err))
	}
}
