package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	log "github.com/sirupsen/logrus"

	"github.com/ukydev/schoolbus-dispatch/internal/apperr"
	"github.com/ukydev/schoolbus-dispatch/internal/auth"
	"github.com/ukydev/schoolbus-dispatch/internal/ingest"
	"github.com/ukydev/schoolbus-dispatch/internal/reassign"
	"github.com/ukydev/schoolbus-dispatch/internal/routing"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithError(err).Warn("Failed to encode response")
	}
}

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Error     string              `json:"error"`
	Conflicts []reassign.Conflict `json:"conflicts,omitempty"`
}

// statusFor extends apperr.HTTPStatus with the errors of the service packages.
func statusFor(err error) int {
	switch {
	case errors.Is(err, ingest.ErrInvalidSample),
		errors.Is(err, ingest.ErrBusMismatch),
		errors.Is(err, reassign.ErrReplacementRequired),
		errors.Is(err, routing.ErrNotEnoughStops):
		return http.StatusBadRequest
	case errors.Is(err, ingest.ErrTripNotActive),
		errors.Is(err, reassign.ErrSameDriver):
		return http.StatusConflict
	case errors.Is(err, reassign.ErrReassignmentFailed):
		return http.StatusBadGateway
	case errors.Is(err, auth.ErrInvalidCredentials), errors.Is(err, auth.ErrUserInactive):
		return http.StatusUnauthorized
	default:
		return apperr.HTTPStatus(err)
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	body := errorBody{Error: err.Error()}

	var conflictErr *reassign.ConflictError
	if errors.As(err, &conflictErr) {
		body.Conflicts = conflictErr.Conflicts
	}

	entry := log.WithFields(log.Fields{
		"method": r.Method,
		"path":   r.URL.Path,
		"status": status,
	}).WithError(err)
	if status >= http.StatusInternalServerError {
		entry.Error("Request failed")
	} else {
		entry.Debug("Request rejected")
	}
	writeJSON(w, status, body)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	return dec.Decode(v)
}
