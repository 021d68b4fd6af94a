package models

import (
	"time"
)

// TripKind tells whether a trip picks students up or drops them off.
type TripKind string

const (
	TripPickup  TripKind = "pickup"
	TripDropoff TripKind = "dropoff"
)

// TripStatus is the lifecycle state of a trip.
type TripStatus string

const (
	TripScheduled  TripStatus = "scheduled"
	TripInProgress TripStatus = "in_progress"
	TripDelayed    TripStatus = "delayed"
	TripCompleted  TripStatus = "completed"
	TripCancelled  TripStatus = "cancelled"
)

// IsTerminal reports whether no further transitions are possible.
func (s TripStatus) IsTerminal() bool {
	return s == TripCompleted || s == TripCancelled
}

// Trip represents one run of a bus over a route on a service date.
type Trip struct {
	ID            string     `json:"id" bson:"_id"`
	RouteID       string     `json:"route_id" bson:"route_id"`
	BusID         string     `json:"bus_id" bson:"bus_id"`
	DriverID      string     `json:"driver_id" bson:"driver_id"`
	ServiceDate   string     `json:"service_date" bson:"service_date"`     // YYYY-MM-DD
	DepartureTime string     `json:"departure_time" bson:"departure_time"` // HH:MM
	Kind          TripKind   `json:"kind" bson:"kind"`
	Status        TripStatus `json:"status" bson:"status"`
	Notes         string     `json:"notes" bson:"notes"`
	CreatedAt     time.Time  `json:"created_at" bson:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at" bson:"updated_at"`
}

// Slot returns the (date, departure time) pair used for schedule clashes.
func (t Trip) Slot() string {
	return t.ServiceDate + " " + t.DepartureTime
}
