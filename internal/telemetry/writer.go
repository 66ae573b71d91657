// v0
// internal/telemetry/writer.go
package telemetry

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"nrgchamp/floorctl/internal/metrics"
)

// Writer hands points to a Sink from a single background worker. Offer
// never blocks the caller.
type Writer struct {
	sink    Sink
	queue   chan Point
	log     *slog.Logger
	metrics *metrics.Metrics
	timeout time.Duration
}

// NewWriter buffers up to size points in front of sink.
func NewWriter(sink Sink, size int, logger *slog.Logger, m *metrics.Metrics) *Writer {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if size <= 0 {
		size = 1024
	}
	return &Writer{
		sink:    sink,
		queue:   make(chan Point, size),
		log:     logger.With(slog.String("component", "telemetry")),
		metrics: m,
		timeout: 5 * time.Second,
	}
}

// Offer queues p, dropping it when the buffer is full.
func (w *Writer) Offer(p Point) bool {
	select {
	case w.queue <- p:
		return true
	default:
		w.metrics.TelemetryDropped()
		w.log.Warn("telemetry_dropped", slog.String("device_ip", p.Tags["device_ip"]))
		return false
	}
}

// Run drains the queue until ctx is cancelled.
func (w *Writer) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case p := <-w.queue:
			wctx, cancel := context.WithTimeout(ctx, w.timeout)
			err := w.sink.Write(wctx, p)
			cancel()
			if err == nil {
				continue
			}
			w.metrics.TelemetryFailed()
			if errors.Is(err, ErrUnavailable) {
				w.log.Debug("influx_write_skipped", slog.Any("err", err))
				continue
			}
			w.log.Warn("influx_write_failed", slog.String("device_ip", p.Tags["device_ip"]), slog.Any("err", err))
		}
	}
}
