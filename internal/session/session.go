// v0
// internal/session/session.go
package session

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"time"

	"nrgchamp/floorctl/internal/broadcast"
	"nrgchamp/floorctl/internal/decision"
	"nrgchamp/floorctl/internal/device"
	"nrgchamp/floorctl/internal/ledger"
	"nrgchamp/floorctl/internal/settings"
	"nrgchamp/floorctl/internal/telemetry"
)

// Event log actions written by sessions.
const (
	EventManualInject = "MANUAL_INJECT"
	EventAutoInject   = "AUTO_INJECT"
	EventReplaceSpool = "REPLACE_SPOOL"
)

const writeTimeout = 5 * time.Second

// session is the state of one device connection. It is owned by a single
// goroutine.
type session struct {
	srv  *Server
	addr string
	conn net.Conn
	enc  *json.Encoder
	log  *slog.Logger

	bound  bool
	key    device.Key
	engine decision.Engine
	meter  *ledger.Meter
}

func (s *session) cleanup() {
	if s.bound {
		s.srv.deps.Registry.Delete(s.key.String())
	}
}

// bind selects the engine from the first frame with a known class.
func (s *session) bind(sample device.Sample, now time.Time) error {
	class, err := device.ParseClass(sample.Type)
	if err != nil {
		return err
	}
	v := s.srv.deps.Settings.Values()
	eng, err := decision.For(class, s.srv.deps.Policies, decision.Tuning{
		CooldownSteps:       v.CooldownSteps,
		BaselinePowerFactor: v.BaselinePowerFactor,
		SevereDeviationPct:  v.SevereDeviationPct,
	})
	if err != nil {
		return err
	}
	s.bound = true
	s.key = device.Key{Addr: s.addr, Class: class}
	s.engine = eng
	s.meter = ledger.NewMeter(now)
	s.log = s.log.With(slog.String("device_type", class.String()))
	s.log.Info("device_session_bound")
	return nil
}

// handle runs one decision cycle. Only a failed reply ends the session.
func (s *session) handle(fields map[string]any) error {
	deps := s.srv.deps
	now := s.srv.now()
	sample := device.NewSample(fields, now)

	if !s.bound {
		if err := s.bind(sample, now); err != nil {
			s.log.Warn("device_unknown_type", slog.String("type", sample.Type))
			return s.reply(device.Decision{Action: device.ActionError, Message: "Unknown Device"})
		}
	}
	class := s.key.Class.String()
	key := s.key.String()

	rec, _ := deps.Registry.Get(key)
	rec.IP = s.addr
	rec.Type = class
	rec.Data = sample.Fields
	rec.LastSeen = now
	rec.Stats = s.engine.Counters()
	deps.Registry.Set(key, rec)

	var cmd *device.Command
	if c, ok := deps.Queue.Dequeue(s.key); ok {
		cmd = &c
		s.log.Info("manual_command_dequeued", slog.String("command_id", c.ID), slog.String("action", c.Action))
	}

	res := s.engine.Decide(sample, cmd)
	origin := "auto"
	if res.Decision.Manual {
		origin = "manual"
	}
	deps.Metrics.Decision(class, res.Decision.Action, origin)

	v := deps.Settings.Values()
	var stats ledger.Stats
	if delta, ok := s.account(sample, res, now, v); ok {
		stats = deps.Ledger.Add(delta)
	} else {
		stats = deps.Ledger.Snapshot()
	}
	s.recordEvents(sample, res, v)

	rec.Data = sample.WithAction(res.Decision.Action)
	rec.Action = res.Decision.Action
	rec.Stats = s.engine.Counters()
	deps.Registry.Set(key, rec)

	if err := s.reply(res.Decision); err != nil {
		return err
	}

	if deps.Publisher != nil {
		deps.Publisher.Publish(broadcast.EventDeviceUpdate, rec)
		deps.Publisher.Publish(broadcast.EventStatsUpdate, stats)
	}
	if deps.Telemetry != nil {
		if p, ok := telemetry.FromSample(s.addr, s.key.Class, sample); ok {
			deps.Telemetry.Offer(p)
		}
	}
	return nil
}

// account prices the cycle for the ledger. The bool is false when nothing
// should be applied.
func (s *session) account(sample device.Sample, res decision.Result, now time.Time, v settings.Values) (ledger.Delta, bool) {
	switch s.key.Class {
	case device.ClassLubrication:
		current := sample.Float(device.FieldCurrent, 0)
		injected := res.Decision.Action == device.ActionInject
		return s.meter.Lubrication(current, injected, now, v), true
	case device.ClassTension:
		power := sample.Float(device.FieldPower, 0)
		return s.meter.Tension(power, res.Baseline, now, v)
	}
	return ledger.Delta{}, false
}

func (s *session) recordEvents(sample device.Sample, res decision.Result, v settings.Values) {
	events := s.srv.deps.Events
	if events == nil {
		return
	}
	class := s.key.Class.String()
	switch res.Decision.Action {
	case device.ActionInject:
		details := map[string]any{
			"current": fmt.Sprintf("%.2fA", sample.Float(device.FieldCurrent, 0)),
			"temp":    fmt.Sprintf("%.1f°C", sample.Float(device.FieldTemperature, 0)),
		}
		if res.Decision.Manual {
			events.Add(s.addr, class, EventManualInject, "Manual lubrication command executed", details)
			return
		}
		events.Add(s.addr, class, EventAutoInject, "Current and temperature above the learned optimum, lubrication injected", details)
	case device.ActionOptimize:
		tension := sample.Float(device.FieldTension, 0)
		if tension <= v.TensionThreshold {
			return
		}
		events.Add(s.addr, class, EventReplaceSpool, "Spool tension is rising, maintenance notified to replace the spool", map[string]any{
			"tension": fmt.Sprintf("%.1fg", tension),
			"power":   fmt.Sprintf("%.2fkW", sample.Float(device.FieldPower, 0)),
		})
	}
}

func (s *session) reply(d device.Decision) error {
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := s.enc.Encode(d); err != nil {
		return fmt.Errorf("write response: %w", err)
	}
	return nil
}
