// v3
// internal/circuitbreaker/kafka.go
package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
)

// RetryPolicy bounds how a guarded Kafka call is retried. Attempts counts
// calls that reached the broker; fast-fails while the breaker is open only
// wait out the backoff.
type RetryPolicy struct {
	Enabled        bool
	Attempts       int
	AttemptTimeout time.Duration
	Backoff        time.Duration
	Breaker        Config
}

// DefaultRetryPolicy is disabled; enabling it through CB_ENABLED keeps the
// remaining defaults.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Attempts:       5,
		AttemptTimeout: 3 * time.Second,
		Backoff:        200 * time.Millisecond,
		Breaker:        Config{MaxFailures: 5, ResetTimeout: 30 * time.Second, SuccessesToClose: 2},
	}
}

// RetryPolicyFromEnv reads the CB_* variables shared by every Kafka client:
//
//	CB_ENABLED                  on/off (default off)
//	CB_KAFKA_FAILURE_THRESHOLD  attempts and breaker failures (5)
//	CB_KAFKA_SUCCESS_THRESHOLD  half-open successes to close (2)
//	CB_KAFKA_OPEN_SECONDS       open period, fractional (30)
//	CB_KAFKA_TIMEOUT_MS         per-attempt timeout, 0 for none (3000)
//	CB_KAFKA_BACKOFF_MS         pause between attempts (200)
func RetryPolicyFromEnv() (RetryPolicy, error) {
	return retryPolicyFrom(os.LookupEnv)
}

func retryPolicyFrom(lookup func(string) (string, bool)) (RetryPolicy, error) {
	p := DefaultRetryPolicy()
	get := func(key string) (string, bool) {
		v, ok := lookup(key)
		v = strings.TrimSpace(v)
		return v, ok && v != ""
	}

	if v, ok := get("CB_ENABLED"); ok {
		switch strings.ToLower(v) {
		case "1", "true", "yes", "on":
			p.Enabled = true
		}
	}

	ints := []struct {
		key string
		min int
		set func(int)
	}{
		{"CB_KAFKA_FAILURE_THRESHOLD", 1, func(n int) { p.Attempts, p.Breaker.MaxFailures = n, n }},
		{"CB_KAFKA_SUCCESS_THRESHOLD", 1, func(n int) { p.Breaker.SuccessesToClose = n }},
		{"CB_KAFKA_TIMEOUT_MS", 0, func(n int) { p.AttemptTimeout = time.Duration(n) * time.Millisecond }},
		{"CB_KAFKA_BACKOFF_MS", 0, func(n int) { p.Backoff = time.Duration(n) * time.Millisecond }},
	}
	for _, f := range ints {
		v, ok := get(f.key)
		if !ok {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return RetryPolicy{}, fmt.Errorf("invalid %s: %w", f.key, err)
		}
		if n < f.min {
			return RetryPolicy{}, fmt.Errorf("%s must be >= %d", f.key, f.min)
		}
		f.set(n)
	}

	if v, ok := get("CB_KAFKA_OPEN_SECONDS"); ok {
		secs, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return RetryPolicy{}, fmt.Errorf("invalid CB_KAFKA_OPEN_SECONDS: %w", err)
		}
		if secs <= 0 {
			return RetryPolicy{}, errors.New("CB_KAFKA_OPEN_SECONDS must be > 0")
		}
		p.Breaker.ResetTimeout = time.Duration(secs * float64(time.Second))
	}
	return p, nil
}

// Guard runs Kafka calls through a breaker with per-attempt timeouts and
// backoff. A disabled guard calls straight through.
type Guard struct {
	policy RetryPolicy
	brk    *Breaker
}

// NewGuard builds a guard named after the client it protects.
func NewGuard(name string, p RetryPolicy, logger *slog.Logger) *Guard {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if p.Attempts < 1 {
		p.Attempts = 1
	}
	g := &Guard{policy: p}
	if p.Enabled {
		cfg := p.Breaker
		cfg.Logger = logger
		g.brk = New(name, cfg, nil)
	}
	return g
}

// GuardFromEnv is NewGuard over RetryPolicyFromEnv.
func GuardFromEnv(name string, logger *slog.Logger) (*Guard, error) {
	p, err := RetryPolicyFromEnv()
	if err != nil {
		return nil, err
	}
	return NewGuard(name, p, logger), nil
}

// Enabled reports whether calls go through the breaker.
func (g *Guard) Enabled() bool { return g != nil && g.brk != nil }

// Breaker returns the underlying breaker, nil when disabled.
func (g *Guard) Breaker() *Breaker {
	if g == nil {
		return nil
	}
	return g.brk
}

// Do runs op until it succeeds, the attempts are spent or ctx ends.
func (g *Guard) Do(ctx context.Context, op func(ctx context.Context) error) error {
	if !g.Enabled() {
		return op(ctx)
	}
	failed := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := g.attempt(ctx, op)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !errors.Is(err, ErrOpen) {
			failed++
			if failed >= g.policy.Attempts {
				return err
			}
		}
		if err := pause(ctx, g.policy.Backoff); err != nil {
			return err
		}
	}
}

func (g *Guard) attempt(ctx context.Context, op func(ctx context.Context) error) error {
	if g.policy.AttemptTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.policy.AttemptTimeout)
		defer cancel()
	}
	return g.brk.Execute(ctx, op)
}

func pause(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// guarded adapts a value-returning call to Guard.Do.
func guarded[T any](ctx context.Context, g *Guard, op func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := g.Do(ctx, func(ctx context.Context) error {
		v, err := op(ctx)
		if err == nil {
			out = v
		}
		return err
	})
	return out, err
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
}

// GuardedWriter is a kafka.Writer behind a Guard.
type GuardedWriter struct {
	guard *Guard
	next  messageWriter
}

// Writer wraps w.
func (g *Guard) Writer(w messageWriter) *GuardedWriter {
	return &GuardedWriter{guard: g, next: w}
}

func (w *GuardedWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	if w == nil || w.next == nil {
		return errors.New("nil kafka writer")
	}
	return w.guard.Do(ctx, func(ctx context.Context) error {
		return w.next.WriteMessages(ctx, msgs...)
	})
}

// GuardedReader is a kafka.Reader behind a Guard.
type GuardedReader struct {
	guard *Guard
	next  messageReader
}

// Reader wraps r.
func (g *Guard) Reader(r messageReader) *GuardedReader {
	return &GuardedReader{guard: g, next: r}
}

func (r *GuardedReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	if r == nil || r.next == nil {
		return kafka.Message{}, errors.New("nil kafka reader")
	}
	return guarded(ctx, r.guard, r.next.FetchMessage)
}
