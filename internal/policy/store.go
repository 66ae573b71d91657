// v0
// internal/policy/store.go
package policy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// Store holds the current policy table for one device family and swaps it
// wholesale when the backing artifact's modification time advances. Readers
// never observe a partially loaded table.
type Store struct {
	path     string
	defaults []Axis
	log      *slog.Logger

	current atomic.Pointer[Table]

	mu    sync.Mutex
	mtime time.Time
}

// NewStore builds a store for the artifact at path and attempts an initial
// load. A missing or unreadable artifact leaves the store empty, which
// downstream engines treat as MONITOR-only.
func NewStore(path string, defaults []Axis, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	s := &Store{
		path:     path,
		defaults: append([]Axis(nil), defaults...),
		log:      logger.With(slog.String("component", "policy_store"), slog.String("path", path)),
	}
	if _, err := s.Reload(); err != nil {
		s.log.Warn("policy_initial_load_failed", slog.Any("err", err))
	} else if s.Table() == nil {
		s.log.Warn("policy_absent")
	}
	return s
}

// Table returns the active table or nil when none is loaded.
func (s *Store) Table() *Table {
	if s == nil {
		return nil
	}
	return s.current.Load()
}

// Publish installs t as the active table without touching the artifact.
func (s *Store) Publish(t *Table) {
	s.current.Store(t)
}

// Reload reloads the artifact when its mtime is newer than the last one
// observed. It reports whether a reload was attempted. A failed decode
// clears the active table.
func (s *Store) Reload() (bool, error) {
	if s.path == "" {
		return false, nil
	}
	info, err := os.Stat(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("stat policy artifact: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !info.ModTime().After(s.mtime) {
		return false, nil
	}
	s.mtime = info.ModTime()

	t, err := ReadFile(s.path, s.defaults)
	if err != nil {
		s.current.Store(nil)
		return true, fmt.Errorf("load policy artifact: %w", err)
	}
	s.current.Store(t)
	s.log.Info("policy_reloaded",
		slog.String("version", t.Version),
		slog.Time("mtime", s.mtime),
	)
	return true, nil
}

// Watch polls the artifact until ctx is cancelled.
func (s *Store) Watch(ctx context.Context, interval time.Duration) error {
	if ctx == nil {
		return errors.New("context must not be nil")
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := s.Reload(); err != nil {
				s.log.Warn("policy_reload_failed", slog.Any("err", err))
			}
		}
	}
}
