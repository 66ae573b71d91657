// v1
// internal/circuitbreaker/breaker.go
package circuitbreaker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"
)

// State is the breaker position.
type State int

const (
	Closed State = iota
	HalfOpen
	Open
)

func (s State) String() string {
	switch s {
	case Closed:
		return "Closed"
	case HalfOpen:
		return "HalfOpen"
	case Open:
		return "Open"
	default:
		return "Unknown"
	}
}

// ErrOpen is returned while the breaker rejects calls.
var ErrOpen = errors.New("circuit breaker is open; fast-fail")

// Breaker guards calls to a flaky dependency. After MaxFailures consecutive
// failures it opens for ResetTimeout, then admits calls in HalfOpen until
// SuccessesToClose of them succeed.
type Breaker struct {
	name   string
	cfg    Config
	logger *slog.Logger
	probe  func(ctx context.Context) error

	mu        sync.Mutex
	state     State
	failures  int
	successes int
	openedAt  time.Time
	onChange  func(name string, from, to State)
	now       func() time.Time
}

// New builds a breaker. probe, when set, runs before the first call admitted
// in HalfOpen; a failing probe re-opens the breaker.
func New(name string, cfg Config, probe func(ctx context.Context) error) *Breaker {
	cfg = cfg.withDefaults()
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	b := &Breaker{
		name:   name,
		cfg:    cfg,
		logger: logger.With(slog.String("breaker", name)),
		probe:  probe,
		state:  Closed,
		now:    time.Now,
	}
	b.logger.Info("breaker_created",
		slog.Int("maxFailures", cfg.MaxFailures),
		slog.Int("successesToClose", cfg.SuccessesToClose),
		slog.String("resetTimeout", cfg.ResetTimeout.String()),
	)
	return b
}

// Name returns the breaker name.
func (b *Breaker) Name() string { return b.name }

// OnStateChange registers a callback invoked after every transition. The
// callback runs with the breaker lock held and must not call back into it.
func (b *Breaker) OnStateChange(fn func(name string, from, to State)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onChange = fn
}

// State returns the current position.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Execute runs op unless the breaker is open.
func (b *Breaker) Execute(ctx context.Context, op func(ctx context.Context) error) error {
	b.mu.Lock()
	if b.state == Open {
		since := b.now().Sub(b.openedAt)
		if since < b.cfg.ResetTimeout {
			b.mu.Unlock()
			b.logger.Debug("breaker_fast_fail", slog.String("since_open", since.String()))
			return ErrOpen
		}
		b.transition(HalfOpen)
	}
	probing := b.state == HalfOpen && b.successes == 0
	b.mu.Unlock()

	if probing && b.probe != nil {
		if err := b.probe(ctx); err != nil {
			b.logger.Warn("breaker_probe_failed", slog.Any("err", err))
			b.mu.Lock()
			b.trip()
			b.mu.Unlock()
			return ErrOpen
		}
	}

	err := op(ctx)

	b.mu.Lock()
	defer b.mu.Unlock()
	if err == nil {
		b.onSuccess()
		return nil
	}
	if b.onFailure(err) {
		return ErrOpen
	}
	return err
}

func (b *Breaker) onSuccess() {
	switch b.state {
	case HalfOpen:
		b.successes++
		if b.successes >= b.cfg.SuccessesToClose {
			b.transition(Closed)
		}
	default:
		b.failures = 0
	}
}

// onFailure records err and reports whether it opened a closed breaker.
func (b *Breaker) onFailure(err error) bool {
	if b.state == HalfOpen {
		b.logger.Warn("breaker_halfopen_op_failed", slog.Any("err", err))
		b.trip()
		return false
	}
	b.failures++
	b.logger.Warn("operation_failure", slog.Int("failures", b.failures), slog.Any("err", err))
	if b.failures >= b.cfg.MaxFailures {
		b.trip()
		return true
	}
	return false
}

func (b *Breaker) trip() {
	b.openedAt = b.now()
	b.transition(Open)
}

func (b *Breaker) transition(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	b.failures = 0
	b.successes = 0
	switch to {
	case Open:
		b.logger.Error("breaker_opened", slog.String("from", from.String()))
	case HalfOpen:
		b.logger.Info("breaker_half_open")
	case Closed:
		b.logger.Info("breaker_closed", slog.String("from", from.String()))
	}
	if b.onChange != nil {
		b.onChange(b.name, from, to)
	}
}
