// v1
// internal/circuitbreaker/breaker_test.go
package circuitbreaker

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
)

func TestRetryPolicyFromEnv(t *testing.T) {
	env := map[string]string{
		"CB_ENABLED":                 "yes",
		"CB_KAFKA_FAILURE_THRESHOLD": "4",
		"CB_KAFKA_SUCCESS_THRESHOLD": "3",
		"CB_KAFKA_OPEN_SECONDS":      "0.05",
		"CB_KAFKA_TIMEOUT_MS":        "150",
		"CB_KAFKA_BACKOFF_MS":        "25",
	}
	p, err := retryPolicyFrom(func(k string) (string, bool) { v, ok := env[k]; return v, ok })
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := RetryPolicy{
		Enabled:        true,
		Attempts:       4,
		AttemptTimeout: 150 * time.Millisecond,
		Backoff:        25 * time.Millisecond,
		Breaker:        Config{MaxFailures: 4, ResetTimeout: 50 * time.Millisecond, SuccessesToClose: 3},
	}
	if p != want {
		t.Fatalf("got %+v want %+v", p, want)
	}
}

func TestRetryPolicyDefaultsAndValidation(t *testing.T) {
	none := func(string) (string, bool) { return "", false }
	p, err := retryPolicyFrom(none)
	if err != nil {
		t.Fatalf("defaults: %v", err)
	}
	if p.Enabled || p != DefaultRetryPolicy() {
		t.Fatalf("expected disabled defaults, got %+v", p)
	}

	bad := []map[string]string{
		{"CB_KAFKA_FAILURE_THRESHOLD": "0"},
		{"CB_KAFKA_SUCCESS_THRESHOLD": "many"},
		{"CB_KAFKA_OPEN_SECONDS": "-1"},
		{"CB_KAFKA_BACKOFF_MS": "-5"},
	}
	for _, env := range bad {
		if _, err := retryPolicyFrom(func(k string) (string, bool) { v, ok := env[k]; return v, ok }); err == nil {
			t.Fatalf("expected validation error for %v", env)
		}
	}
}

func TestGuardFromEnvUsesProcessEnv(t *testing.T) {
	t.Setenv("CB_ENABLED", "true")
	g, err := GuardFromEnv("env", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !g.Enabled() || g.Breaker() == nil {
		t.Fatalf("expected enabled guard")
	}
}

func TestGuardedWriterRetriesThroughStates(t *testing.T) {
	g := NewGuard("writer", RetryPolicy{
		Enabled:        true,
		Attempts:       2,
		AttemptTimeout: 50 * time.Millisecond,
		Backoff:        10 * time.Millisecond,
		Breaker:        Config{MaxFailures: 2, ResetTimeout: 50 * time.Millisecond, SuccessesToClose: 2},
	}, nil)

	var mu sync.Mutex
	var seen []State
	g.Breaker().OnStateChange(func(_ string, _, to State) {
		mu.Lock()
		seen = append(seen, to)
		mu.Unlock()
	})

	stub := &stubKafkaWriter{failuresBeforeSuccess: 2}
	w := g.Writer(stub)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := w.WriteMessages(ctx, kafka.Message{Value: []byte("payload")}); err != nil {
		t.Fatalf("first write: %v", err)
	}
	if g.Breaker().State() != HalfOpen {
		t.Fatalf("expected half-open after one success, got %v", g.Breaker().State())
	}
	if err := w.WriteMessages(ctx, kafka.Message{Value: []byte("payload")}); err != nil {
		t.Fatalf("second write: %v", err)
	}
	if g.Breaker().State() != Closed {
		t.Fatalf("expected closed, got %v", g.Breaker().State())
	}
	if stub.calls != 4 {
		t.Fatalf("expected 4 broker calls, got %d", stub.calls)
	}

	mu.Lock()
	defer mu.Unlock()
	want := []State{Open, HalfOpen, Closed}
	if len(seen) != len(want) {
		t.Fatalf("expected transitions %v, got %v", want, seen)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("expected transitions %v, got %v", want, seen)
		}
	}
}

func TestGuardGivesUpAfterAttempts(t *testing.T) {
	g := NewGuard("give-up", RetryPolicy{
		Enabled:  true,
		Attempts: 3,
		Breaker:  Config{MaxFailures: 10, ResetTimeout: time.Hour},
	}, nil)
	stub := &stubKafkaWriter{failuresBeforeSuccess: 100}
	if err := g.Writer(stub).WriteMessages(context.Background()); err == nil {
		t.Fatalf("expected failure")
	}
	if stub.calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", stub.calls)
	}
}

func TestGuardedReaderDisabledPassesThrough(t *testing.T) {
	g := NewGuard("reader", DefaultRetryPolicy(), nil)
	if g.Enabled() {
		t.Fatalf("expected disabled guard")
	}
	msg := kafka.Message{Topic: "demo", Value: []byte("v")}
	reader := &stubKafkaReader{message: msg}
	out, err := g.Reader(reader).FetchMessage(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if reader.calls != 1 || string(out.Value) != "v" {
		t.Fatalf("unexpected pass-through: calls=%d value=%q", reader.calls, out.Value)
	}
}

func TestBreakerFastFailsWhileOpen(t *testing.T) {
	b := New("fast", Config{MaxFailures: 1, ResetTimeout: time.Hour}, nil)
	boom := errors.New("boom")
	if err := b.Execute(context.Background(), func(context.Context) error { return boom }); !errors.Is(err, ErrOpen) {
		t.Fatalf("tripping call should report ErrOpen, got %v", err)
	}
	var calls int32
	err := b.Execute(context.Background(), func(context.Context) error {
		atomic.AddInt32(&calls, 1)
		return nil
	})
	if !errors.Is(err, ErrOpen) {
		t.Fatalf("expected ErrOpen, got %v", err)
	}
	if calls != 0 {
		t.Fatalf("operation must not run while open")
	}
}

func TestBreakerProbeFailureReopens(t *testing.T) {
	probeErr := errors.New("still down")
	b := New("probe", Config{MaxFailures: 1, ResetTimeout: time.Millisecond}, func(context.Context) error { return probeErr })
	_ = b.Execute(context.Background(), func(context.Context) error { return errors.New("boom") })
	time.Sleep(5 * time.Millisecond)
	if err := b.Execute(context.Background(), func(context.Context) error { return nil }); !errors.Is(err, ErrOpen) {
		t.Fatalf("expected ErrOpen after failed probe, got %v", err)
	}
	if b.State() != Open {
		t.Fatalf("expected Open, got %v", b.State())
	}
}

func TestHTTPClientCountsServerErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	client := NewHTTPClient("http", Config{MaxFailures: 2, ResetTimeout: time.Hour}, "", srv.Client())
	for i := 0; i < 2; i++ {
		req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
		if _, err := client.Do(req); err == nil {
			t.Fatalf("expected error for 502")
		}
	}
	if client.Breaker().State() != Open {
		t.Fatalf("expected breaker open, got %v", client.Breaker().State())
	}
}

func TestLoadConfigFromProperties(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cb.properties")
	body := "# breaker\ncircuit.maxFailures=3\ncircuit.resetSeconds=1.5\ncircuit.successesToClose=2\nunrelated=1\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := LoadConfigFromProperties(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.MaxFailures != 3 || cfg.ResetTimeout != 1500*time.Millisecond || cfg.SuccessesToClose != 2 {
		t.Fatalf("unexpected config %+v", cfg)
	}

	missing, err := LoadConfigFromProperties(filepath.Join(t.TempDir(), "absent"))
	if err != nil {
		t.Fatalf("missing file should yield defaults: %v", err)
	}
	if missing.MaxFailures != 5 {
		t.Fatalf("expected defaults, got %+v", missing)
	}
}

type stubKafkaWriter struct {
	mu                    sync.Mutex
	calls                 int
	failuresBeforeSuccess int
}

func (s *stubKafkaWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	s.calls++
	if s.calls <= s.failuresBeforeSuccess {
		return errors.New("synthetic failure")
	}
	return nil
}

type stubKafkaReader struct {
	mu      sync.Mutex
	calls   int
	message kafka.Message
}

func (s *stubKafkaReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ctx.Err() != nil {
		return kafka.Message{}, ctx.Err()
	}
	s.calls++
	return s.message, nil
}
