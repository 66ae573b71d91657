// v0
// internal/commands/kafka.go
package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"nrgchamp/floorctl/internal/circuitbreaker"
)

// KafkaIngestConfig holds the consumer tunables for the command topic.
type KafkaIngestConfig struct {
	Brokers     []string
	Topic       string
	GroupID     string
	PollTimeout time.Duration
}

type messageFetcher interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
}

type messageCommitter interface {
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
}

// KafkaIngest feeds control requests from a Kafka topic into an Ingress.
// Messages carry the same body as POST /api/control.
type KafkaIngest struct {
	cfg       KafkaIngestConfig
	reader    *kafka.Reader
	fetcher   messageFetcher
	committer messageCommitter
	ingress   *Ingress
	log       *slog.Logger
	poll      time.Duration
}

// NewKafkaIngest builds a group reader wrapped by the CB_* breaker.
func NewKafkaIngest(cfg KafkaIngestConfig, ingress *Ingress, log *slog.Logger) (*KafkaIngest, error) {
	if log == nil {
		return nil, errors.New("logger must not be nil")
	}
	if ingress == nil {
		return nil, errors.New("ingress must not be nil")
	}
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("at least one broker is required")
	}
	if strings.TrimSpace(cfg.Topic) == "" {
		return nil, errors.New("command topic must not be empty")
	}
	if strings.TrimSpace(cfg.GroupID) == "" {
		return nil, errors.New("consumer group must not be empty")
	}
	poll := cfg.PollTimeout
	if poll <= 0 {
		poll = 5 * time.Second
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     cfg.Brokers,
		GroupID:     cfg.GroupID,
		Topic:       cfg.Topic,
		StartOffset: kafka.LastOffset,
		MinBytes:    1,
		MaxBytes:    10e6,
	})

	var fetcher messageFetcher = reader
	guard, err := circuitbreaker.GuardFromEnv("floorctl-command-consumer", log)
	if err != nil {
		log.Error("command_consumer_cb_init_failed", slog.Any("err", err))
	} else {
		fetcher = guard.Reader(reader)
		log.Info("command_consumer_cb", slog.Bool("enabled", guard.Enabled()))
	}

	return &KafkaIngest{
		cfg:       cfg,
		reader:    reader,
		fetcher:   fetcher,
		committer: reader,
		ingress:   ingress,
		log:       log,
		poll:      poll,
	}, nil
}

// Close shuts down the underlying reader.
func (c *KafkaIngest) Close() error {
	if c == nil || c.reader == nil {
		return nil
	}
	return c.reader.Close()
}

// Run consumes until ctx is cancelled or the reader is closed. Invalid
// messages are logged and committed so they are not redelivered.
func (c *KafkaIngest) Run(ctx context.Context) error {
	c.log.Info("command_consumer_started",
		slog.String("topic", c.cfg.Topic),
		slog.String("group", c.cfg.GroupID),
		slog.String("brokers", strings.Join(c.cfg.Brokers, ",")),
	)
	defer c.log.Info("command_consumer_stopped")

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		fetchCtx, cancel := context.WithTimeout(ctx, c.poll)
		msg, err := c.fetcher.FetchMessage(fetchCtx)
		cancel()
		if err != nil {
			switch {
			case errors.Is(err, context.DeadlineExceeded):
				continue
			case errors.Is(err, context.Canceled):
				if ctx.Err() != nil {
					return ctx.Err()
				}
				continue
			case errors.Is(err, io.ErrClosedPipe), errors.Is(err, kafka.ErrGroupClosed), errors.Is(err, io.EOF):
				return nil
			}
			c.log.Error("command_consumer_fetch_error", slog.Any("err", err))
			continue
		}

		c.handle(msg)

		commitCtx, commitCancel := context.WithTimeout(ctx, c.poll)
		if err := c.committer.CommitMessages(commitCtx, msg); err != nil {
			if !(errors.Is(err, context.Canceled) && ctx.Err() != nil) {
				c.log.Error("command_consumer_commit_error", slog.Any("err", err))
			}
		}
		commitCancel()
	}
}

func (c *KafkaIngest) handle(msg kafka.Message) {
	req, err := decodeRequest(msg.Value)
	if err != nil {
		c.log.Warn("command_consumer_decode_error", slog.Any("err", err), slog.Int64("offset", msg.Offset))
		return
	}
	if _, _, err := c.ingress.Submit(req); err != nil {
		c.log.Warn("command_consumer_rejected", slog.Any("err", err), slog.Int64("offset", msg.Offset))
	}
}

func decodeRequest(raw []byte) (Request, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var req Request
	if err := dec.Decode(&req); err != nil {
		return Request{}, fmt.Errorf("decode control payload: %w", err)
	}
	return req, nil
}
