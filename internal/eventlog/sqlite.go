// v0
// internal/eventlog/sqlite.go
package eventlog

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

const schema = `
CREATE TABLE IF NOT EXISTS device_events (
	id           TEXT PRIMARY KEY,
	event_time   INTEGER NOT NULL,
	device_ip    TEXT NOT NULL,
	device_type  TEXT NOT NULL,
	action_type  TEXT NOT NULL,
	message      TEXT NOT NULL,
	details_json TEXT
);
CREATE INDEX IF NOT EXISTS device_events_time ON device_events(event_time DESC);
`

var pragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA synchronous=NORMAL",
	"PRAGMA busy_timeout=5000",
}

// SQLiteStore persists entries in the device_events table.
type SQLiteStore struct {
	pool *sqlitex.Pool
	path string
	log  *slog.Logger
}

// OpenSQLite opens (creating if needed) the database at path and applies
// the schema on every pooled connection.
func OpenSQLite(path string, poolSize int, logger *slog.Logger) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("event store: path is required")
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if poolSize <= 0 {
		poolSize = 4
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("event store: create directory: %w", err)
		}
	}
	pool, err := sqlitex.NewPool(path, sqlitex.PoolOptions{
		PoolSize:    poolSize,
		PrepareConn: prepareConn,
	})
	if err != nil {
		return nil, fmt.Errorf("event store: open %s: %w", path, err)
	}
	s := &SQLiteStore{pool: pool, path: path, log: logger.With(slog.String("component", "event-store"))}

	// Take once so schema errors surface at open time.
	conn, err := pool.Take(context.Background())
	if err != nil {
		_ = pool.Close()
		return nil, fmt.Errorf("event store: init: %w", err)
	}
	pool.Put(conn)
	s.log.Info("event_store_opened", slog.String("path", path), slog.Int("pool_size", poolSize))
	return s, nil
}

func prepareConn(conn *sqlite.Conn) error {
	for _, pragma := range pragmas {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("%s: %w", pragma, err)
		}
	}
	if err := sqlitex.ExecuteScript(conn, schema, nil); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Insert writes one entry.
func (s *SQLiteStore) Insert(ctx context.Context, e Entry) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("event store: take: %w", err)
	}
	defer s.pool.Put(conn)

	var details any
	if len(e.Details) > 0 {
		data, err := json.Marshal(e.Details)
		if err != nil {
			return fmt.Errorf("event store: marshal details: %w", err)
		}
		details = string(data)
	}
	return sqlitex.Execute(conn, `INSERT INTO device_events
		(id, event_time, device_ip, device_type, action_type, message, details_json)
		VALUES (?, ?, ?, ?, ?, ?, ?)`, &sqlitex.ExecOptions{
		Args: []any{e.ID, e.Time.UnixMilli(), e.DeviceIP, e.DeviceType, e.Action, e.Message, details},
	})
}

// Recent returns up to limit entries, newest first.
func (s *SQLiteStore) Recent(ctx context.Context, limit int) ([]Entry, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("event store: take: %w", err)
	}
	defer s.pool.Put(conn)

	var out []Entry
	err = sqlitex.Execute(conn, `SELECT id, event_time, device_ip, device_type, action_type, message, details_json
		FROM device_events ORDER BY event_time DESC, rowid DESC LIMIT ?`, &sqlitex.ExecOptions{
		Args: []any{limit},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			e := Entry{
				ID:         stmt.ColumnText(0),
				Time:       time.UnixMilli(stmt.ColumnInt64(1)).UTC(),
				DeviceIP:   stmt.ColumnText(2),
				DeviceType: stmt.ColumnText(3),
				Action:     stmt.ColumnText(4),
				Message:    stmt.ColumnText(5),
			}
			if !stmt.ColumnIsNull(6) {
				if err := json.Unmarshal([]byte(stmt.ColumnText(6)), &e.Details); err != nil {
					return fmt.Errorf("decode details for %s: %w", e.ID, err)
				}
			}
			out = append(out, e)
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("event store: query: %w", err)
	}
	return out, nil
}

// Close closes the pool.
func (s *SQLiteStore) Close() error {
	if err := s.pool.Close(); err != nil {
		return fmt.Errorf("event store: close %s: %w", s.path, err)
	}
	s.log.Info("event_store_closed", slog.String("path", s.path))
	return nil
}
