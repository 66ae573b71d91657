// v0
// internal/api/health.go
package api

import (
	"net/http"
	"sync/atomic"
)

// HealthState tracks readiness. Liveness holds while the process runs;
// readiness is raised once every listener is up and dropped on shutdown.
type HealthState struct {
	ready atomic.Bool
}

// NewHealthState starts not ready.
func NewHealthState() *HealthState {
	return &HealthState{}
}

func (h *HealthState) SetReady(v bool) { h.ready.Store(v) }

func (h *HealthState) Ready() bool { return h.ready.Load() }

func healthLiveHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
}

func healthReadyHandler(health *HealthState) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		if health == nil || !health.Ready() {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("NOT_READY"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
}
