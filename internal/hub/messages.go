package hub

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/ukydev/schoolbus-dispatch/internal/models"
)

// MessageType names a duplex envelope.
type MessageType string

const (
	TypeAuthenticate      MessageType = "authenticate"
	TypeAuthenticated     MessageType = "authenticated"
	TypeSubscribeTrip     MessageType = "subscribe_trip"
	TypeSubscribed        MessageType = "subscribed"
	TypeUnsubscribeTrip   MessageType = "unsubscribe_trip"
	TypeUnsubscribed      MessageType = "unsubscribed"
	TypeBusLocationUpdate MessageType = "bus_location_update"
	TypeNotification      MessageType = "notification"
	TypeTripClosed        MessageType = "trip_closed"
	TypeError             MessageType = "error"
)

// Envelope is the JSON frame exchanged on a hub connection.
type Envelope struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope marshals payload into an envelope of type t.
func NewEnvelope(t MessageType, payload any) (Envelope, error) {
	if payload == nil {
		return Envelope{Type: t}, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", t, err)
	}
	return Envelope{Type: t, Payload: raw}, nil
}

// Decode unmarshals the payload into v.
func (e Envelope) Decode(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%s: empty payload", e.Type)
	}
	return json.Unmarshal(e.Payload, v)
}

type AuthenticatePayload struct {
	UserID string `json:"user_id"`
	Token  string `json:"token"`
}

type AuthenticatedPayload struct {
	UserID string      `json:"user_id"`
	Role   models.Role `json:"role"`
}

// TripPayload carries the trip id of subscribe, unsubscribe and trip_closed frames.
type TripPayload struct {
	TripID string `json:"trip_id"`
}

// BusLocationUpdate is the same for every viewer role.
type BusLocationUpdate struct {
	TripID    string    `json:"trip_id"`
	BusID     string    `json:"bus_id"`
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Timestamp time.Time `json:"timestamp"`
}

// NewBusLocationUpdate converts a stored sample to its wire form.
func NewBusLocationUpdate(s models.LocationSample) BusLocationUpdate {
	return BusLocationUpdate{
		TripID:    s.TripID,
		BusID:     s.BusID,
		Latitude:  s.Lat,
		Longitude: s.Lon,
		Timestamp: s.Timestamp,
	}
}

// Notification is an out-of-band alert such as an incident report.
type Notification struct {
	ID        string    `json:"id"`
	TripID    string    `json:"trip_id,omitempty"`
	Kind      string    `json:"kind"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

type ErrorPayload struct {
	Message string      `json:"message"`
	Request MessageType `json:"request,omitempty"`
	TripID  string      `json:"trip_id,omitempty"`
}
