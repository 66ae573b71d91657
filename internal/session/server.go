// v0
// internal/session/server.go
package session

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"nrgchamp/floorctl/internal/commands"
	"nrgchamp/floorctl/internal/decision"
	"nrgchamp/floorctl/internal/eventlog"
	"nrgchamp/floorctl/internal/ledger"
	"nrgchamp/floorctl/internal/metrics"
	"nrgchamp/floorctl/internal/registry"
	"nrgchamp/floorctl/internal/settings"
	"nrgchamp/floorctl/internal/telemetry"
)

// SettingsSource supplies the runtime settings in force for a cycle.
type SettingsSource interface {
	Values() settings.Values
}

// Publisher is satisfied by the broadcast hub.
type Publisher interface {
	Publish(name string, payload any)
}

// TelemetrySink accepts points without blocking.
type TelemetrySink interface {
	Offer(p telemetry.Point) bool
}

// EventRecorder is satisfied by the system event log.
type EventRecorder interface {
	Add(ip, deviceType, action, message string, details map[string]any) eventlog.Entry
}

// Deps are the collaborators shared by every session. Publisher, Telemetry,
// Events and Metrics may be nil.
type Deps struct {
	Registry  registry.Store
	Queue     *commands.Queue
	Ledger    *ledger.Ledger
	Policies  decision.Policies
	Settings  SettingsSource
	Publisher Publisher
	Telemetry TelemetrySink
	Events    EventRecorder
	Metrics   *metrics.Metrics
	Logger    *slog.Logger

	// ReadTimeout closes a session that sends nothing for this long. Zero
	// disables it.
	ReadTimeout time.Duration
}

// Server accepts device connections and runs one session per connection.
type Server struct {
	deps Deps
	log  *slog.Logger
	now  func() time.Time

	closed   atomic.Bool
	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	wg       sync.WaitGroup
}

// NewServer validates deps and returns an idle server.
func NewServer(deps Deps) (*Server, error) {
	if deps.Registry == nil || deps.Queue == nil || deps.Ledger == nil || deps.Settings == nil {
		return nil, errors.New("session: registry, queue, ledger and settings are required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Server{
		deps:  deps,
		log:   logger.With(slog.String("component", "session")),
		now:   time.Now,
		conns: make(map[net.Conn]struct{}),
	}, nil
}

// ListenAndServe listens on addr and serves until Close.
func (s *Server) ListenAndServe(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln until Close. It returns nil on a clean
// shutdown.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	if s.closed.Load() {
		ln.Close()
		return nil
	}
	s.log.Info("device_listener_started", slog.String("addr", ln.Addr().String()))

	for {
		if s.closed.Load() {
			return nil
		}
		conn, err := ln.Accept()
		if err != nil {
			if s.closed.Load() {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.log.Warn("device_accept_failed", slog.Any("err", err))
			time.Sleep(50 * time.Millisecond)
			continue
		}
		if !s.track(conn) {
			conn.Close()
			return nil
		}
		go s.handleConnection(conn)
	}
}

// Addr returns the listener address once serving.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Close stops accepting, drops every open session and waits for them.
func (s *Server) Close() error {
	s.closed.Store(true)
	s.mu.Lock()
	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}
	for c := range s.conns {
		c.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
	if errors.Is(err, net.ErrClosed) {
		err = nil
	}
	return err
}

func (s *Server) track(c net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.Load() {
		return false
	}
	s.conns[c] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *Server) untrack(c net.Conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
	s.wg.Done()
}

func (s *Server) handleConnection(conn net.Conn) {
	defer s.untrack(conn)
	defer conn.Close()
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
	}

	addr := remoteHost(conn.RemoteAddr())
	log := s.log.With(slog.String("device_ip", addr))
	defer func() {
		if r := recover(); r != nil {
			log.Error("session_panic", slog.Any("panic", r))
		}
	}()

	s.deps.Metrics.SessionOpened()
	defer s.deps.Metrics.SessionClosed()
	log.Info("device_connected")

	sess := &session{
		srv:  s,
		addr: addr,
		conn: conn,
		enc:  json.NewEncoder(conn),
		log:  log,
	}
	defer sess.cleanup()

	frames := newFrameReader(bufio.NewReader(conn))
	for {
		if s.deps.ReadTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(s.deps.ReadTimeout))
		}
		fields, skipped, err := frames.next()
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				log.Info("device_disconnected")
			} else {
				log.Warn("device_session_ended", slog.Any("err", err))
			}
			return
		}
		if skipped {
			log.Debug("device_frame_skipped")
			continue
		}
		if err := sess.handle(fields); err != nil {
			log.Warn("device_reply_failed", slog.Any("err", err))
			return
		}
	}
}

func remoteHost(a net.Addr) string {
	if a == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(a.String())
	if err != nil {
		return a.String()
	}
	return host
}
