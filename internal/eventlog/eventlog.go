// v0
// internal/eventlog/eventlog.go
package eventlog

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// RingSize is the number of entries kept in memory.
const RingSize = 50

// queueSize bounds entries waiting for the store.
const queueSize = 256

// Defaults used when an entry is not tied to a device.
const (
	SystemIP   = "SYSTEM"
	SystemType = "SERVER"
)

// Entry is one system event.
type Entry struct {
	ID         string         `json:"id"`
	Time       time.Time      `json:"timestamp"`
	DeviceIP   string         `json:"device_ip"`
	DeviceType string         `json:"device_type"`
	Action     string         `json:"event_type"`
	Message    string         `json:"message"`
	Details    map[string]any `json:"details,omitempty"`
}

// Store is the durable side of the log.
type Store interface {
	Insert(ctx context.Context, e Entry) error
	Recent(ctx context.Context, limit int) ([]Entry, error)
}

// Publisher is satisfied by the broadcast hub.
type Publisher interface {
	Publish(name string, payload any)
}

// Log records events in a memory ring and broadcasts them. With a store
// attached, entries are persisted by Run; Add never waits on the store.
// Store failures are logged and the ring keeps working.
type Log struct {
	store   Store
	pub     Publisher
	log     *slog.Logger
	timeout time.Duration
	event   string
	pending chan Entry

	mu   sync.Mutex
	ring []Entry
}

// New builds a log. store and pub may be nil.
func New(store Store, pub Publisher, event string, logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Log{
		store:   store,
		pub:     pub,
		log:     logger.With(slog.String("component", "eventlog")),
		timeout: 2 * time.Second,
		event:   event,
		pending: make(chan Entry, queueSize),
		ring:    make([]Entry, 0, RingSize),
	}
}

// Add records an event. Empty ip or type default to the server identity.
func (l *Log) Add(ip, deviceType, action, message string, details map[string]any) Entry {
	if ip == "" {
		ip = SystemIP
	}
	if deviceType == "" {
		deviceType = SystemType
	}
	e := Entry{
		ID:         uuid.NewString(),
		Time:       time.Now().UTC(),
		DeviceIP:   ip,
		DeviceType: deviceType,
		Action:     action,
		Message:    message,
		Details:    details,
	}

	l.mu.Lock()
	if len(l.ring) == RingSize {
		copy(l.ring, l.ring[1:])
		l.ring = l.ring[:RingSize-1]
	}
	l.ring = append(l.ring, e)
	l.mu.Unlock()

	if l.pub != nil {
		l.pub.Publish(l.event, e)
	}
	if l.store != nil {
		select {
		case l.pending <- e:
		default:
			l.log.Warn("event_store_queue_full", slog.String("action", action))
		}
	}
	return e
}

// Run persists queued entries until ctx is cancelled, then flushes what is
// already queued. It returns at once when no store is attached.
func (l *Log) Run(ctx context.Context) {
	if l.store == nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case e := <-l.pending:
					l.insert(context.Background(), e)
				default:
					return
				}
			}
		case e := <-l.pending:
			l.insert(ctx, e)
		}
	}
}

func (l *Log) insert(ctx context.Context, e Entry) {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()
	if err := l.store.Insert(ctx, e); err != nil {
		l.log.Warn("event_store_insert_failed", slog.String("action", e.Action), slog.Any("err", err))
	}
}

// Recent returns up to limit in-memory entries, newest first.
func (l *Log) Recent(limit int) []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	if limit <= 0 || limit > len(l.ring) {
		limit = len(l.ring)
	}
	out := make([]Entry, 0, limit)
	for i := len(l.ring) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, l.ring[i])
	}
	return out
}

// History reads from the store when one is attached and falls back to the
// ring otherwise or on error.
func (l *Log) History(ctx context.Context, limit int) []Entry {
	if l.store == nil {
		return l.Recent(limit)
	}
	entries, err := l.store.Recent(ctx, limit)
	if err != nil {
		l.log.Warn("event_store_query_failed", slog.Any("err", err))
		return l.Recent(limit)
	}
	return entries
}
