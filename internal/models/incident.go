package models

import "time"

// Incident is an out-of-band alert raised during a trip.
type Incident struct {
	ID         string    `json:"id" bson:"_id"`
	TripID     string    `json:"trip_id" bson:"trip_id"`
	ReporterID string    `json:"reporter_id" bson:"reporter_id"`
	Message    string    `json:"message" bson:"message"`
	CreatedAt  time.Time `json:"created_at" bson:"created_at"`
}

// Driver is a bus driver account.
type Driver struct {
	ID     string `json:"id" bson:"_id"`
	Name   string `json:"name" bson:"name"`
	Phone  string `json:"phone" bson:"phone"`
	UserID string `json:"user_id,omitempty" bson:"user_id,omitempty"`
}
