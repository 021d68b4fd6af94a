package models

import (
	"time"
)

// LocationSample is a single GPS fix of a bus while serving a trip.
// Only the latest sample per trip is kept.
type LocationSample struct {
	BusID     string    `bson:"bus_id" json:"bus_id"`
	TripID    string    `bson:"trip_id" json:"trip_id"`
	Lat       float64   `bson:"lat" json:"latitude"`
	Lon       float64   `bson:"lon" json:"longitude"`
	Timestamp time.Time `bson:"timestamp" json:"timestamp"`
}

// Location returns the sample position.
func (s LocationSample) Location() Location {
	return Location{Lat: s.Lat, Lon: s.Lon}
}
