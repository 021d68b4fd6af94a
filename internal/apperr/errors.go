// Package apperr holds the error taxonomy shared by the dispatch components.
package apperr

import (
	"errors"
	"net/http"
)

var (
	ErrInvalidTransition    = errors.New("invalid trip status transition")
	ErrConflict             = errors.New("driver schedule conflict")
	ErrTransientProvider    = errors.New("directions provider unavailable")
	ErrConnectionLost       = errors.New("connection lost")
	ErrRemoteUpdateFailed   = errors.New("remote update failed")
	ErrNotFound             = errors.New("not found")
	ErrInvalidStatus        = errors.New("status not allowed for this trip")
	ErrTripClosed           = errors.New("trip is closed")
	ErrNotAuthenticated     = errors.New("connection not authenticated")
	ErrAlreadyAuthenticated = errors.New("connection already authenticated")
)

// HTTPStatus maps an error from the taxonomy to a response code.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrConflict), errors.Is(err, ErrTripClosed):
		return http.StatusConflict
	case errors.Is(err, ErrInvalidStatus):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotAuthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, ErrRemoteUpdateFailed), errors.Is(err, ErrTransientProvider):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
