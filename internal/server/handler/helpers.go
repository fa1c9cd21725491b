// Package handler implements the HTTP bindings of the public request
// surface. Handlers stay thin: decode, delegate to a service, encode the
// response envelope.
package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/rcmckee/tradewire/internal/domain"
)

// errorEnvelope is the uniform failure body.
type errorEnvelope struct {
	Success   bool             `json:"success"`
	Error     string           `json:"error,omitempty"`
	ErrorCode domain.ErrorKind `json:"error_code,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
}

// writeJSON encodes v with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if v != nil {
		if err := json.NewEncoder(w).Encode(v); err != nil {
			slog.Warn("handler: encode response failed", slog.String("error", err.Error()))
		}
	}
}

// readJSON decodes the request body into v.
func readJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// statusFor maps the closed error taxonomy onto HTTP statuses.
func statusFor(kind domain.ErrorKind) int {
	switch kind {
	case domain.KindValidation:
		return http.StatusBadRequest
	case domain.KindAuthentication:
		return http.StatusUnauthorized
	case domain.KindOrderNotFound:
		return http.StatusNotFound
	case domain.KindInvalidTransition:
		return http.StatusConflict
	case domain.KindRateLimit:
		return http.StatusTooManyRequests
	case domain.KindInsufficientFunds:
		return http.StatusUnprocessableEntity
	case domain.KindConnection:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// writeError sends the uniform failure envelope for err.
func writeError(w http.ResponseWriter, err error, now time.Time) {
	kind := domain.KindOf(err)
	writeJSON(w, statusFor(kind), errorEnvelope{
		Success:   false,
		Error:     err.Error(),
		ErrorCode: kind,
		Timestamp: now,
	})
}
