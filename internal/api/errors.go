package api

import (
	"encoding/json"
	"net/http"

	"github.com/nerrad567/gray-logic-esphome/internal/host"
)

// Error is the body of every non-2xx response.
type Error struct {
	Status  int               `json:"status"`
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Fields  map[string]string `json:"fields,omitempty"`
}

// Error codes.
const (
	ErrCodeBadRequest   = "bad_request"
	ErrCodeNotFound     = "not_found"
	ErrCodeUnauthorized = "unauthorised"
	ErrCodeConflict     = "conflict"
	ErrCodeInternal     = "internal_error"
	ErrCodeValidation   = "validation_error"
	ErrCodeUnavailable  = "service_unavailable"
	ErrCodeTimeout      = "timeout"
)

// actionErrors maps host command error codes to a status and API code.
// Codes not listed are internal errors.
var actionErrors = map[string]struct {
	status int
	code   string
}{
	host.ErrCodeNotConfigured:     {http.StatusNotFound, ErrCodeNotFound},
	host.ErrCodeInvalidCommand:    {http.StatusBadRequest, ErrCodeBadRequest},
	host.ErrCodeInvalidParameters: {http.StatusBadRequest, ErrCodeBadRequest},
	host.ErrCodeDeviceUnreachable: {http.StatusServiceUnavailable, ErrCodeUnavailable},
	host.ErrCodeTimeout:           {http.StatusGatewayTimeout, ErrCodeTimeout},
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		json.NewEncoder(w).Encode(v) //nolint:errcheck // client may have gone
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, Error{Status: status, Code: code, Message: message})
}

// writeValidationError answers 422 with one message per invalid field.
func writeValidationError(w http.ResponseWriter, fields map[string]string) {
	writeJSON(w, http.StatusUnprocessableEntity, Error{
		Status:  http.StatusUnprocessableEntity,
		Code:    ErrCodeValidation,
		Message: "device configuration is invalid",
		Fields:  fields,
	})
}

func writeBadRequest(w http.ResponseWriter, message string) {
	writeError(w, http.StatusBadRequest, ErrCodeBadRequest, message)
}

func writeNotFound(w http.ResponseWriter, message string) {
	writeError(w, http.StatusNotFound, ErrCodeNotFound, message)
}

func writeUnauthorized(w http.ResponseWriter, message string) {
	writeError(w, http.StatusUnauthorized, ErrCodeUnauthorized, message)
}

func writeInternalError(w http.ResponseWriter, message string) {
	writeError(w, http.StatusInternalServerError, ErrCodeInternal, message)
}
