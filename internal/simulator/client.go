// v0
// internal/simulator/client.go
package simulator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// Defaults match the field devices.
const (
	DefaultInterval  = time.Second
	DefaultReconnect = 3 * time.Second
	replyTimeout     = 10 * time.Second
)

// Mirror receives a copy of every sample sent to the controller.
type Mirror interface {
	Mirror(sample map[string]any)
}

// Config drives a Runner.
type Config struct {
	Addr      string
	Interval  time.Duration
	Reconnect time.Duration
}

// Runner connects a Machine to the controller, sends one sample per tick
// and applies each reply. A dropped connection is retried after Reconnect.
type Runner struct {
	cfg     Config
	machine Machine
	mirror  Mirror
	log     *slog.Logger
	dialer  net.Dialer
}

// NewRunner builds a runner. mirror may be nil.
func NewRunner(cfg Config, machine Machine, mirror Mirror, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Reconnect <= 0 {
		cfg.Reconnect = DefaultReconnect
	}
	return &Runner{
		cfg:     cfg,
		machine: machine,
		mirror:  mirror,
		log:     logger.With(slog.String("component", "simulator"), slog.String("class", machine.Class().String())),
	}
}

// Run keeps the machine connected until ctx is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	for {
		r.log.Info("simulator_connecting", slog.String("addr", r.cfg.Addr))
		err := r.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		r.log.Warn("simulator_disconnected", slog.Any("err", err), slog.Duration("retry_in", r.cfg.Reconnect))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(r.cfg.Reconnect):
		}
	}
}

type reply struct {
	Action  string `json:"action"`
	Message string `json:"msg"`
}

func (r *Runner) session(ctx context.Context) error {
	conn, err := r.dialer.DialContext(ctx, "tcp", r.cfg.Addr)
	if err != nil {
		return err
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()
	r.log.Info("simulator_connected", slog.String("addr", conn.RemoteAddr().String()))

	enc := json.NewEncoder(conn)
	dec := json.NewDecoder(conn)
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	for {
		sample := r.machine.Sample()
		if err := enc.Encode(sample); err != nil {
			return fmt.Errorf("send sample: %w", err)
		}
		if r.mirror != nil {
			r.mirror.Mirror(sample)
		}

		_ = conn.SetReadDeadline(time.Now().Add(replyTimeout))
		var rep reply
		if err := dec.Decode(&rep); err != nil {
			return fmt.Errorf("read reply: %w", err)
		}
		if rep.Action == "" {
			rep.Action = "MONITOR"
		}
		r.log.Debug("simulator_tick",
			slog.Any("sample", sample),
			slog.String("action", rep.Action),
			slog.Bool("running", r.machine.Running()),
		)
		r.machine.Apply(rep.Action)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// MQTTMirror republishes samples on a broker topic.
type MQTTMirror struct {
	client mqtt.Client
	topic  string
	log    *slog.Logger
}

// DialMirror connects to broker. Publishing is fire-and-forget.
func DialMirror(broker, topic, clientID string, logger *slog.Logger) (*MQTTMirror, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if topic == "" {
		return nil, errors.New("mirror topic must not be empty")
	}
	opts := mqtt.NewClientOptions().AddBroker(broker).SetClientID(clientID).SetAutoReconnect(true)
	c := mqtt.NewClient(opts)
	if token := c.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("mqtt connect %s: %w", broker, token.Error())
	}
	return &MQTTMirror{client: c, topic: topic, log: logger.With(slog.String("component", "simulator_mirror"))}, nil
}

func (m *MQTTMirror) Mirror(sample map[string]any) {
	payload, err := json.Marshal(sample)
	if err != nil {
		m.log.Error("mirror_encode_failed", slog.Any("err", err))
		return
	}
	m.client.Publish(m.topic, 0, false, payload)
}

func (m *MQTTMirror) Close() {
	m.client.Disconnect(250)
}
