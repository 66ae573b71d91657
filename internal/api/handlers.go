// v0
// internal/api/handlers.go
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"nrgchamp/floorctl/internal/analytics"
	"nrgchamp/floorctl/internal/broadcast"
	"nrgchamp/floorctl/internal/commands"
	"nrgchamp/floorctl/internal/device"
	"nrgchamp/floorctl/internal/eventlog"
	"nrgchamp/floorctl/internal/ledger"
	"nrgchamp/floorctl/internal/settings"
)

// EventDeviceSwitch is logged when the monitored gateway changes.
const EventDeviceSwitch = "DEVICE_SWITCH"

const (
	defaultEventLimit = 50
	maxEventLimit     = 500
	maxBodyBytes      = 1 << 20
	gatewayTimeout    = 5 * time.Second
)

type routes struct {
	deps Deps
	log  *slog.Logger
}

type errorBody struct {
	Error string `json:"error"`
}

type statusResponse struct {
	Devices        map[string]device.Record    `json:"devices"`
	EnergyStats    ledger.Stats                `json:"energy_stats"`
	CommandQueues  map[string][]device.Command `json:"command_queues"`
	CurrentDevice  string                      `json:"current_device"`
	SystemLogs     []eventlog.Entry            `json:"system_logs"`
	MonitorContext *analytics.Snapshot         `json:"monitor_context"`
}

func (h *routes) status(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		Devices:       h.deps.Registry.List(),
		EnergyStats:   h.deps.Ledger.Snapshot(),
		CommandQueues: h.deps.Queue.Snapshot(),
		SystemLogs:    h.deps.Events.Recent(eventlog.RingSize),
	}
	if h.deps.Monitor != nil {
		resp.CurrentDevice = h.deps.Monitor.Gateway()
		resp.MonitorContext = h.deps.Monitor.Snapshot()
	}
	writeJSON(w, http.StatusOK, resp, h.log)
}

type controlResponse struct {
	Status    string `json:"status"`
	QueueLen  int    `json:"queue_len"`
	CommandID string `json:"command_id"`
}

func (h *routes) control(w http.ResponseWriter, r *http.Request) {
	var req commands.Request
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.UseNumber()
	if err := dec.Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid JSON body"}, h.log)
		return
	}
	cmd, depth, err := h.deps.Ingress.Submit(req)
	switch {
	case errors.Is(err, commands.ErrMissingParams):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "Missing params"}, h.log)
	case errors.Is(err, commands.ErrUnauthorized):
		writeJSON(w, http.StatusUnauthorized, errorBody{Error: "Unauthorized"}, h.log)
	case err != nil:
		h.log.Error("control_enqueue_failed", slog.Any("err", err))
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: err.Error()}, h.log)
	default:
		writeJSON(w, http.StatusOK, controlResponse{Status: "queued", QueueLen: depth, CommandID: cmd.ID}, h.log)
	}
}

func (h *routes) getSettings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.deps.Settings.All(), h.log)
}

type settingsResponse struct {
	Status  string         `json:"status"`
	Config  map[string]any `json:"config"`
	Ignored []string       `json:"ignored,omitempty"`
}

func (h *routes) postSettings(w http.ResponseWriter, r *http.Request) {
	var changes map[string]any
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.UseNumber()
	if err := dec.Decode(&changes); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid JSON body"}, h.log)
		return
	}
	ignored, err := h.deps.Settings.Update(changes)
	if err != nil {
		if errors.Is(err, settings.ErrInvalidValue) {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()}, h.log)
			return
		}
		h.log.Error("settings_persist_failed", slog.Any("err", err))
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "settings not saved"}, h.log)
		return
	}
	cfg := h.deps.Settings.All()
	if h.deps.Publisher != nil {
		h.deps.Publisher.Publish(broadcast.EventSettingsSaved, cfg)
	}
	writeJSON(w, http.StatusOK, settingsResponse{Status: "updated", Config: cfg, Ignored: ignored}, h.log)
}

// devices lists connected devices ordered by registry key.
func (h *routes) devices(w http.ResponseWriter, r *http.Request) {
	all := h.deps.Registry.List()
	keys := make([]string, 0, len(all))
	for k := range all {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]device.Record, 0, len(keys))
	for _, k := range keys {
		out = append(out, all[k])
	}
	writeJSON(w, http.StatusOK, out, h.log)
}

// deviceList merges monitor gateways with connected device addresses.
func (h *routes) deviceList(w http.ResponseWriter, r *http.Request) {
	seen := map[string]struct{}{}
	if h.deps.Gateways != nil {
		ctx, cancel := context.WithTimeout(r.Context(), gatewayTimeout)
		ids, err := h.deps.Gateways.Gateways(ctx)
		cancel()
		if err != nil {
			h.log.Warn("gateway_list_failed", slog.Any("err", err))
		}
		for _, id := range ids {
			seen[id] = struct{}{}
		}
	}
	for key, rec := range h.deps.Registry.List() {
		ip := rec.IP
		if ip == "" {
			ip, _, _ = strings.Cut(key, "_")
		}
		if ip != "" {
			seen[ip] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	writeJSON(w, http.StatusOK, out, h.log)
}

type switchResponse struct {
	Status        string `json:"status"`
	CurrentDevice string `json:"current_device"`
}

func (h *routes) switchDevice(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(mux.Vars(r)["id"])
	if id == "" || h.deps.Monitor == nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "device id required"}, h.log)
		return
	}
	h.deps.Monitor.SetGateway(id)
	h.deps.Events.Add("", "", EventDeviceSwitch, "Monitoring switched to "+id, nil)
	h.deps.Monitor.Trigger()
	writeJSON(w, http.StatusOK, switchResponse{Status: "switched", CurrentDevice: id}, h.log)
}

type alertsResponse struct {
	Gateway   string            `json:"gateway"`
	Alerts    []analytics.Alert `json:"alerts"`
	Timestamp *time.Time        `json:"timestamp,omitempty"`
}

func (h *routes) alerts(w http.ResponseWriter, r *http.Request) {
	resp := alertsResponse{Alerts: []analytics.Alert{}}
	if h.deps.Monitor != nil {
		resp.Gateway = h.deps.Monitor.Gateway()
		if snap := h.deps.Monitor.Snapshot(); snap != nil {
			resp.Alerts = snap.Alerts
			resp.Timestamp = &snap.Timestamp
		}
	}
	writeJSON(w, http.StatusOK, resp, h.log)
}

func (h *routes) events(w http.ResponseWriter, r *http.Request) {
	limit := defaultEventLimit
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "limit must be a positive integer"}, h.log)
			return
		}
		limit = min(n, maxEventLimit)
	}
	writeJSON(w, http.StatusOK, h.deps.Events.History(r.Context(), limit), h.log)
}

func writeJSON(w http.ResponseWriter, status int, payload any, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.Error("write_response_failed", slog.Any("err", err))
	}
}
