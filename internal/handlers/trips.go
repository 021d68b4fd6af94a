package handlers

import (
	"context"
	"net/http"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/ukydev/schoolbus-dispatch/internal/db"
	"github.com/ukydev/schoolbus-dispatch/internal/lifecycle"
	"github.com/ukydev/schoolbus-dispatch/internal/middleware"
	"github.com/ukydev/schoolbus-dispatch/internal/models"
)

// TripService applies trip transitions and records incidents.
type TripService interface {
	Status(ctx context.Context, tripID string) (*models.Trip, error)
	Start(ctx context.Context, tripID string) (*models.Trip, error)
	Delay(ctx context.Context, tripID string) (*models.Trip, error)
	Complete(ctx context.Context, tripID string) (*models.Trip, error)
	Cancel(ctx context.Context, tripID string) (*models.Trip, error)
	ReportIncident(ctx context.Context, report lifecycle.IncidentReport) (*models.Incident, error)
}

// RouteComposer turns a stop list into a drawable path.
type RouteComposer interface {
	Compose(ctx context.Context, stops []models.Stop, profile string) (*models.RouteGeometry, error)
}

// LocationIngestor accepts location samples.
type LocationIngestor interface {
	Ingest(ctx context.Context, source string, sample models.LocationSample) (*models.LocationSample, error)
}

// TripHandler serves the trip endpoints.
type TripHandler struct {
	trips     TripService
	routes    db.RouteCollection
	locations db.LocationCollection
	composer  RouteComposer
	ingestor  LocationIngestor
	profile   string
}

// NewTripHandler creates a trip handler. profile is the vehicle profile used
// when composing route geometry.
func NewTripHandler(trips TripService, routes db.RouteCollection, locations db.LocationCollection,
	composer RouteComposer, ingestor LocationIngestor, profile string) *TripHandler {
	return &TripHandler{
		trips:     trips,
		routes:    routes,
		locations: locations,
		composer:  composer,
		ingestor:  ingestor,
		profile:   profile,
	}
}

// Get returns a trip with its current status.
func (h *TripHandler) Get(w http.ResponseWriter, r *http.Request) {
	trip, err := h.trips.Status(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, trip)
}

// Transition returns a handler applying one trip action.
func (h *TripHandler) Transition(action string) http.HandlerFunc {
	var apply func(context.Context, string) (*models.Trip, error)
	switch action {
	case "start":
		apply = h.trips.Start
	case "delay":
		apply = h.trips.Delay
	case "complete":
		apply = h.trips.Complete
	case "cancel":
		apply = h.trips.Cancel
	default:
		panic("handlers: unknown trip action " + action)
	}

	return func(w http.ResponseWriter, r *http.Request) {
		tripID := r.PathValue("id")
		trip, err := apply(r.Context(), tripID)
		if err != nil {
			writeError(w, r, err)
			return
		}

		fields := log.Fields{"trip_id": tripID, "action": action, "status": trip.Status}
		if claims, ok := middleware.GetUserFromContext(r.Context()); ok {
			fields["user_id"] = claims.UserID
		}
		log.WithFields(fields).Info("Trip transition applied")
		writeJSON(w, http.StatusOK, trip)
	}
}

type incidentRequest struct {
	// ID is optional; clients resend it when retrying a failed report.
	ID      string `json:"id"`
	Message string `json:"message"`
}

// ReportIncident records an incident raised by the caller.
func (h *TripHandler) ReportIncident(w http.ResponseWriter, r *http.Request) {
	claims, ok := middleware.GetUserFromContext(r.Context())
	if !ok {
		http.Error(w, "User context not found", http.StatusUnauthorized)
		return
	}

	var req incidentRequest
	if err := decodeJSON(w, r, &req); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		http.Error(w, "Message is required", http.StatusBadRequest)
		return
	}

	incident, err := h.trips.ReportIncident(r.Context(), lifecycle.IncidentReport{
		ID:         req.ID,
		TripID:     r.PathValue("id"),
		ReporterID: claims.UserID,
		Message:    req.Message,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, incident)
}

// Route returns the composed geometry of the trip's route.
func (h *TripHandler) Route(w http.ResponseWriter, r *http.Request) {
	trip, err := h.trips.Status(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	route, err := h.routes.FindRouteByID(r.Context(), trip.RouteID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	geometry, err := h.composer.Compose(r.Context(), route.OrderedStops(), h.profile)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, geometry)
}

// Location returns the latest location sample of a trip.
func (h *TripHandler) Location(w http.ResponseWriter, r *http.Request) {
	sample, err := h.locations.LatestLocation(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sample)
}

// PostLocation ingests a location sample sent over HTTP.
func (h *TripHandler) PostLocation(w http.ResponseWriter, r *http.Request) {
	var sample models.LocationSample
	if err := decodeJSON(w, r, &sample); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	tripID := r.PathValue("id")
	if sample.TripID != "" && sample.TripID != tripID {
		http.Error(w, "trip_id does not match the path", http.StatusBadRequest)
		return
	}
	sample.TripID = tripID

	accepted, err := h.ingestor.Ingest(r.Context(), "http", sample)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, accepted)
}
