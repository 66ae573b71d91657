// v0
// internal/api/server.go
package api

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/handlers"
)

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	// AccessLog receives Apache combined-format lines. Nil disables them.
	AccessLog io.Writer
}

type Server struct {
	HTTP *http.Server
	Log  *slog.Logger
}

// NewServer wraps handler with access logging, CORS for the dashboard and
// panic recovery.
func NewServer(cfg ServerConfig, handler http.Handler, log *slog.Logger) *Server {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	h := handlers.CORS(
		handlers.AllowedOrigins([]string{"*"}),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Content-Type"}),
	)(handler)
	h = handlers.RecoveryHandler(handlers.RecoveryLogger(recoveryLogger{log}))(h)
	if cfg.AccessLog != nil {
		h = handlers.CombinedLoggingHandler(cfg.AccessLog, h)
	}
	hs := &http.Server{
		Addr:              cfg.Addr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       60 * time.Second,
	}
	return &Server{HTTP: hs, Log: log}
}

// Start serves until Stop. A clean shutdown returns nil.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.HTTP.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve serves on an existing listener.
func (s *Server) Serve(ln net.Listener) error {
	s.Log.Info("http_server_starting", slog.String("addr", ln.Addr().String()))
	if err := s.HTTP.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	s.Log.Info("http_server_stopping")
	return s.HTTP.Shutdown(ctx)
}

type recoveryLogger struct{ log *slog.Logger }

func (r recoveryLogger) Println(v ...interface{}) {
	r.log.Error("http_handler_panic", slog.Any("panic", v))
}
