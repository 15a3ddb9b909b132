package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/gray-logic-esphome/internal/audit"
	"github.com/nerrad567/gray-logic-esphome/internal/bridges/esphome"
	"github.com/nerrad567/gray-logic-esphome/internal/device"
	"github.com/nerrad567/gray-logic-esphome/internal/host"
)

// redacted replaces secret prop values in responses.
const redacted = "********"

// secretProps are never returned by the API.
var secretProps = []string{esphome.PropPassword, esphome.PropPSK}

// deviceRequest is the body of POST /devices and PUT /devices/{id}.
type deviceRequest struct {
	ID      string            `json:"id"`
	Name    string            `json:"name"`
	Enabled *bool             `json:"enabled"`
	Props   map[string]string `json:"props"`
}

// deviceResponse is a device with secret props redacted.
type deviceResponse struct {
	ID             string            `json:"id"`
	Name           string            `json:"name"`
	Type           string            `json:"type"`
	Enabled        bool              `json:"enabled"`
	Props          map[string]string `json:"props"`
	States         map[string]any    `json:"states"`
	ErrorState     string            `json:"error_state,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
	StateUpdatedAt *time.Time        `json:"state_updated_at,omitempty"`
}

func toDeviceResponse(d *device.Device) deviceResponse {
	props := d.Props.Clone()
	if props == nil {
		props = device.Props{}
	}
	for _, k := range secretProps {
		if props[k] != "" {
			props[k] = redacted
		}
	}
	states := d.States.Clone()
	if states == nil {
		states = device.States{}
	}
	return deviceResponse{
		ID:             d.ID,
		Name:           d.Name,
		Type:           d.Type,
		Enabled:        d.Enabled,
		Props:          props,
		States:         states,
		ErrorState:     d.ErrorState,
		CreatedAt:      d.CreatedAt,
		UpdatedAt:      d.UpdatedAt,
		StateUpdatedAt: d.StateUpdatedAt,
	}
}

// handleListDevices returns all devices ordered by name.
func (s *Server) handleListDevices(w http.ResponseWriter, _ *http.Request) {
	devices := s.devices.Devices()
	out := make([]deviceResponse, 0, len(devices))
	for i := range devices {
		out = append(out, toDeviceResponse(&devices[i]))
	}
	writeJSON(w, http.StatusOK, map[string]any{"devices": out, "count": len(out)})
}

// handleGetDevice returns a single device by ID.
func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	dev, err := s.devices.Device(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeDeviceError(w, err, "failed to get device")
		return
	}
	writeJSON(w, http.StatusOK, toDeviceResponse(dev))
}

// handleCreateDevice validates and adds a device. Enabled defaults to true.
func (s *Server) handleCreateDevice(w http.ResponseWriter, r *http.Request) {
	var req deviceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	dev, err := s.devices.AddDevice(r.Context(), host.NewDevice{
		ID:      req.ID,
		Name:    req.Name,
		Enabled: enabled,
		Props:   req.Props,
	})
	if err != nil {
		s.writeDeviceError(w, err, "failed to create device")
		return
	}
	s.recordAudit(r, audit.ActionDeviceCreate, dev.ID, map[string]any{"name": dev.Name, "enabled": dev.Enabled})
	writeJSON(w, http.StatusCreated, toDeviceResponse(dev))
}

// handleUpdateDevice replaces a device's name, enabled flag and props.
// Redacted secret values in the body keep the stored secret.
func (s *Server) handleUpdateDevice(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req deviceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	existing, err := s.devices.Device(r.Context(), id)
	if err != nil {
		s.writeDeviceError(w, err, "failed to get device")
		return
	}

	name := req.Name
	if name == "" {
		name = existing.Name
	}
	enabled := existing.Enabled
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	props := req.Props
	if props == nil {
		props = existing.Props.Clone()
	}
	for _, k := range secretProps {
		if props[k] == redacted {
			props[k] = existing.Props[k]
		}
	}

	dev, err := s.devices.UpdateDevice(r.Context(), id, name, enabled, props)
	if err != nil {
		s.writeDeviceError(w, err, "failed to update device")
		return
	}
	s.recordAudit(r, audit.ActionDeviceUpdate, id, map[string]any{"name": dev.Name, "enabled": dev.Enabled})
	writeJSON(w, http.StatusOK, toDeviceResponse(dev))
}

// handleDeleteDevice stops and removes a device.
func (s *Server) handleDeleteDevice(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.devices.RemoveDevice(r.Context(), id); err != nil {
		s.writeDeviceError(w, err, "failed to delete device")
		return
	}
	s.recordAudit(r, audit.ActionDeviceDelete, id, nil)
	w.WriteHeader(http.StatusNoContent)
}

// handleDeviceAction runs a thermostat, universal or custom action. The body
// is a host.Command. The action is accepted once handed to the plugin; the
// node receives it after the command debounce delay.
func (s *Server) handleDeviceAction(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var cmd host.Command
	if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if cmd.Action == "" {
		writeBadRequest(w, "action is required")
		return
	}

	err := s.devices.Execute(r.Context(), id, cmd)
	s.recordAudit(r, audit.ActionCommand, id, commandDetails(cmd, err))
	if err != nil {
		s.writeActionError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"device_id": id,
		"action":    cmd.Action,
		"status":    host.AckAccepted,
	})
}

// handleFanSpeeds lists the fan speeds the device supports.
func (s *Server) handleFanSpeeds(w http.ResponseWriter, r *http.Request) {
	options, err := s.devices.FanSpeeds(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeDeviceError(w, err, "failed to list fan speeds")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"options": options})
}

// handleVaneModes lists the device's vertical vane modes.
func (s *Server) handleVaneModes(w http.ResponseWriter, r *http.Request) {
	options, err := s.devices.VaneModes(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeDeviceError(w, err, "failed to list vane modes")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"options": options})
}

// handleDeviceHistory returns recent state changes, newest first.
//
// Query parameters:
//   - limit: number of entries (default 50, max 500)
func (s *Server) handleDeviceHistory(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeBadRequest(w, "limit must be a positive integer")
			return
		}
		limit = n
	}

	entries, err := s.devices.History(r.Context(), chi.URLParam(r, "id"), limit)
	if err != nil {
		s.writeDeviceError(w, err, "failed to get history")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"history": entries, "count": len(entries)})
}

// handleSetPrefs applies plugin preferences (debugEnabled, temperatureUnit).
func (s *Server) handleSetPrefs(w http.ResponseWriter, r *http.Request) {
	var prefs map[string]string
	if err := json.NewDecoder(r.Body).Decode(&prefs); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	s.devices.ApplyPrefs(prefs)
	details := make(map[string]any, len(prefs))
	for k, v := range prefs {
		details[k] = v
	}
	s.recordAudit(r, audit.ActionPrefs, "", details)
	writeJSON(w, http.StatusOK, prefs)
}

// commandDetails describes a command for the audit log.
func commandDetails(cmd host.Command, err error) map[string]any {
	details := map[string]any{"action": cmd.Action, "status": host.AckAccepted}
	if cmd.Value != nil {
		details["value"] = *cmd.Value
	}
	if cmd.Mode != "" {
		details["mode"] = cmd.Mode
	}
	if err != nil {
		details["status"] = host.AckFailed
		details["error"] = err.Error()
	}
	return details
}

// writeDeviceError maps registry and validation errors to responses.
func (s *Server) writeDeviceError(w http.ResponseWriter, err error, fallback string) {
	var verr *esphome.ValidationError
	switch {
	case errors.As(err, &verr):
		writeValidationError(w, verr.Fields)
	case errors.Is(err, device.ErrDeviceNotFound):
		writeNotFound(w, "device not found")
	case errors.Is(err, device.ErrDeviceExists):
		writeError(w, http.StatusConflict, ErrCodeConflict, "device already exists")
	case errors.Is(err, device.ErrInvalidDevice),
		errors.Is(err, device.ErrInvalidName),
		errors.Is(err, device.ErrInvalidID):
		writeBadRequest(w, err.Error())
	default:
		s.logger.Error(fallback, "error", err)
		writeInternalError(w, fallback)
	}
}

// writeActionError maps an action failure to a response using the same
// classification as host bus acknowledgements.
func (s *Server) writeActionError(w http.ResponseWriter, err error) {
	if m, ok := actionErrors[host.ErrorCode(err)]; ok {
		message := err.Error()
		if m.code == ErrCodeNotFound {
			message = "device not found"
		}
		writeError(w, m.status, m.code, message)
		return
	}
	s.logger.Error("action failed", "error", err)
	writeInternalError(w, "action failed")
}
