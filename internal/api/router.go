// v0
// internal/api/router.go
package api

import (
	"context"
	"io"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"

	"nrgchamp/floorctl/internal/analytics"
	"nrgchamp/floorctl/internal/commands"
	"nrgchamp/floorctl/internal/eventlog"
	"nrgchamp/floorctl/internal/ledger"
	"nrgchamp/floorctl/internal/metrics"
	"nrgchamp/floorctl/internal/registry"
)

// SettingsStore is the runtime settings surface.
type SettingsStore interface {
	All() map[string]any
	Update(changes map[string]any) ([]string, error)
}

// Monitor is the analytics loop seen by the HTTP surface.
type Monitor interface {
	Snapshot() *analytics.Snapshot
	Gateway() string
	SetGateway(id string)
	Trigger()
}

// GatewayLister lists gateways known to the grid monitor.
type GatewayLister interface {
	Gateways(ctx context.Context) ([]string, error)
}

// EventLog is the system event log.
type EventLog interface {
	Add(ip, deviceType, action, message string, details map[string]any) eventlog.Entry
	Recent(limit int) []eventlog.Entry
	History(ctx context.Context, limit int) []eventlog.Entry
}

// Publisher is satisfied by the broadcast hub.
type Publisher interface {
	Publish(name string, payload any)
}

// Deps are the collaborators behind the routes. Gateways, Publisher,
// WebSocket and Metrics may be nil.
type Deps struct {
	Registry  registry.Store
	Queue     *commands.Queue
	Ingress   *commands.Ingress
	Ledger    *ledger.Ledger
	Settings  SettingsStore
	Monitor   Monitor
	Gateways  GatewayLister
	Events    EventLog
	Publisher Publisher
	WebSocket http.Handler
	Metrics   *metrics.Metrics
	Health    *HealthState
	Logger    *slog.Logger
}

// NewRouter wires every HTTP route.
func NewRouter(d Deps) *mux.Router {
	if d.Logger == nil {
		d.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	h := &routes{deps: d, log: d.Logger.With(slog.String("component", "api"))}
	m := d.Metrics

	r := mux.NewRouter()
	route := func(path string, fn http.HandlerFunc, methods ...string) {
		r.Handle(path, m.WrapHandler(path, fn)).Methods(methods...)
	}

	route("/api/status", h.status, http.MethodGet)
	route("/api/control", h.control, http.MethodPost)
	route("/api/settings", h.getSettings, http.MethodGet)
	route("/api/settings", h.postSettings, http.MethodPost)
	route("/api/devices", h.devices, http.MethodGet)
	route("/api/devices/list", h.deviceList, http.MethodGet)
	route("/api/devices/switch/{id}", h.switchDevice, http.MethodPost)
	route("/api/alerts", h.alerts, http.MethodGet)
	route("/api/events", h.events, http.MethodGet)

	if d.WebSocket != nil {
		r.Handle("/ws", d.WebSocket).Methods(http.MethodGet)
	}
	if m != nil {
		r.Handle("/metrics", m.Handler()).Methods(http.MethodGet)
	}
	r.Handle("/health", healthLiveHandler()).Methods(http.MethodGet)
	r.Handle("/health/live", healthLiveHandler()).Methods(http.MethodGet)
	r.Handle("/health/ready", healthReadyHandler(d.Health)).Methods(http.MethodGet)

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "not found"}, h.log)
	})
	return r
}
