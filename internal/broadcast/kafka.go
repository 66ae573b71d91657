// v0
// internal/broadcast/kafka.go
package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"nrgchamp/floorctl/internal/circuitbreaker"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// KafkaPublisher mirrors hub events onto a Kafka topic, keyed by event
// name. Events are buffered and written by Run; a full buffer drops.
type KafkaPublisher struct {
	topic   string
	raw     *kafka.Writer
	writer  messageWriter
	log     *slog.Logger
	queue   chan Event
	timeout time.Duration
}

// NewKafkaPublisher builds a writer for topic wrapped by the CB_* breaker.
func NewKafkaPublisher(brokers []string, topic string, log *slog.Logger) (*KafkaPublisher, error) {
	if log == nil {
		return nil, errors.New("logger must not be nil")
	}
	if len(brokers) == 0 {
		return nil, errors.New("at least one broker is required")
	}
	if strings.TrimSpace(topic) == "" {
		return nil, errors.New("event topic must not be empty")
	}
	raw := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
	}
	var w messageWriter = raw
	guard, err := circuitbreaker.GuardFromEnv("floorctl-event-producer", log)
	if err != nil {
		log.Error("event_producer_cb_init_failed", slog.Any("err", err))
	} else {
		w = guard.Writer(raw)
		log.Info("event_producer_cb", slog.Bool("enabled", guard.Enabled()))
	}
	return newKafkaPublisher(topic, raw, w, log), nil
}

func newKafkaPublisher(topic string, raw *kafka.Writer, w messageWriter, log *slog.Logger) *KafkaPublisher {
	return &KafkaPublisher{
		topic:   topic,
		raw:     raw,
		writer:  w,
		log:     log.With(slog.String("component", "event-producer")),
		queue:   make(chan Event, hubBuffer),
		timeout: 5 * time.Second,
	}
}

// Deliver implements Sink.
func (p *KafkaPublisher) Deliver(ev Event) {
	select {
	case p.queue <- ev:
	default:
		p.log.Warn("event_producer_dropped", slog.String("event", ev.Name))
	}
}

// Run writes queued events until ctx is cancelled.
func (p *KafkaPublisher) Run(ctx context.Context) {
	p.log.Info("event_producer_started", slog.String("topic", p.topic))
	defer p.log.Info("event_producer_stopped")
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-p.queue:
			value, err := json.Marshal(ev)
			if err != nil {
				p.log.Error("event_producer_encode_failed", slog.String("event", ev.Name), slog.Any("err", err))
				continue
			}
			writeCtx, cancel := context.WithTimeout(ctx, p.timeout)
			err = p.writer.WriteMessages(writeCtx, kafka.Message{Key: []byte(ev.Name), Value: value, Time: ev.At})
			cancel()
			if err != nil && ctx.Err() == nil {
				p.log.Warn("event_producer_write_failed", slog.String("event", ev.Name), slog.Any("err", err))
			}
		}
	}
}

// Close releases the underlying writer.
func (p *KafkaPublisher) Close() error {
	if p == nil || p.raw == nil {
		return nil
	}
	return p.raw.Close()
}
