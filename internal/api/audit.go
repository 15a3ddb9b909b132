package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/nerrad567/gray-logic-esphome/internal/audit"
)

// recordAudit appends an API audit entry. The actor is the bearer token's
// subject. Failures are logged and never fail the request.
func (s *Server) recordAudit(r *http.Request, action, deviceID string, details map[string]any) {
	if s.audit == nil {
		return
	}
	actor, _ := r.Context().Value(ctxKeySubject).(string)
	entry := &audit.Entry{
		Action:   action,
		DeviceID: deviceID,
		Actor:    actor,
		Source:   audit.SourceAPI,
		Details:  details,
	}
	if err := s.audit.Record(r.Context(), entry); err != nil {
		s.logger.Warn("recording audit entry failed", "action", action, "device_id", deviceID, "error", err)
	}
}

// handleListAudit returns audit entries, newest first.
//
// Query parameters:
//   - device_id: one device
//   - action: exact action (device.create, device.command, ...)
//   - since: RFC 3339 timestamp
//   - limit: page size (default 50, max 200)
//   - offset: pagination offset
func (s *Server) handleListAudit(w http.ResponseWriter, r *http.Request) {
	if s.audit == nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, "audit log not configured")
		return
	}

	q := r.URL.Query()
	filter := audit.Filter{
		DeviceID: q.Get("device_id"),
		Action:   q.Get("action"),
	}
	if raw := q.Get("since"); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeBadRequest(w, "since must be an RFC 3339 timestamp")
			return
		}
		filter.Since = since
	}
	for name, dst := range map[string]*int{"limit": &filter.Limit, "offset": &filter.Offset} {
		raw := q.Get(name)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeBadRequest(w, name+" must be a non-negative integer")
			return
		}
		*dst = n
	}

	result, err := s.audit.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("failed to list audit entries", "error", err)
		writeInternalError(w, "failed to list audit entries")
		return
	}
	writeJSON(w, http.StatusOK, result)
}
