package db

import (
	"context"

	"github.com/ukydev/schoolbus-dispatch/internal/models"
)

// TripCollection defines the interface for trip data operations.
type TripCollection interface {
	FindTripByID(ctx context.Context, id string) (*models.Trip, error)
	FindTripsByDriver(ctx context.Context, driverID string) ([]models.Trip, error)
	// UpdateTripStatus moves a trip to status only while its current status is
	// one of from. Otherwise it fails with apperr.ErrInvalidTransition.
	UpdateTripStatus(ctx context.Context, id string, from []models.TripStatus, status models.TripStatus) error
	AssignDriver(ctx context.Context, tripID, driverID string) error
}

// AttendanceCollection defines the interface for attendance data operations.
type AttendanceCollection interface {
	FindAttendanceByTrip(ctx context.Context, tripID string) ([]models.AttendanceRecord, error)
	UpdateAttendanceStatus(ctx context.Context, id string, status models.AttendanceStatus) (*models.AttendanceRecord, error)
}

// RouteCollection defines the interface for route data operations.
type RouteCollection interface {
	FindRouteByID(ctx context.Context, id string) (*models.Route, error)
}

// LocationCollection keeps the latest location sample of each trip.
type LocationCollection interface {
	LatestLocation(ctx context.Context, tripID string) (*models.LocationSample, error)
	LatestLocations(ctx context.Context) ([]models.LocationSample, error)
	SaveLocation(ctx context.Context, sample models.LocationSample) error
	// SeedLocation stores sample only when the trip has none yet and reports whether it did.
	SeedLocation(ctx context.Context, sample models.LocationSample) (bool, error)
}

// IncidentCollection defines the interface for incident reports.
type IncidentCollection interface {
	// InsertIncident stores incident once; inserting the same id again is a no-op.
	InsertIncident(ctx context.Context, incident models.Incident) error
}

// DriverCollection defines the interface for driver data operations.
type DriverCollection interface {
	FindDriverByID(ctx context.Context, id string) (*models.Driver, error)
	DeleteDriver(ctx context.Context, id string) error
}

// Store bundles every collection the dispatch service consumes.
type Store interface {
	TripCollection
	AttendanceCollection
	RouteCollection
	LocationCollection
	IncidentCollection
	DriverCollection
}
