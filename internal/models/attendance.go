package models

import "time"

// AttendanceStatus is the per-student state on a trip.
type AttendanceStatus string

const (
	AttendanceAwaiting   AttendanceStatus = "awaiting"
	AttendancePickedUp   AttendanceStatus = "picked_up"
	AttendanceDroppedOff AttendanceStatus = "dropped_off"
	AttendanceAbsent     AttendanceStatus = "absent"
)

// AllowedAttendance returns the statuses a record may take on a trip of the given kind.
func AllowedAttendance(kind TripKind) []AttendanceStatus {
	switch kind {
	case TripPickup:
		return []AttendanceStatus{AttendanceAwaiting, AttendancePickedUp, AttendanceAbsent}
	case TripDropoff:
		return []AttendanceStatus{AttendanceAwaiting, AttendanceDroppedOff, AttendanceAbsent}
	default:
		return nil
	}
}

// IsAllowedAttendance checks a status against the trip kind.
func IsAllowedAttendance(kind TripKind, status AttendanceStatus) bool {
	for _, s := range AllowedAttendance(kind) {
		if s == status {
			return true
		}
	}
	return false
}

// AttendanceRecord tracks one student on one trip.
type AttendanceRecord struct {
	ID          string           `json:"id" bson:"_id"`
	TripID      string           `json:"trip_id" bson:"trip_id"`
	StudentID   string           `json:"student_id" bson:"student_id"`
	StudentName string           `json:"student_name" bson:"student_name"`
	ParentID    string           `json:"parent_id,omitempty" bson:"parent_id,omitempty"`
	StopID      string           `json:"stop_id" bson:"stop_id"`
	Status      AttendanceStatus `json:"status" bson:"status"`
	UpdatedAt   time.Time        `json:"updated_at" bson:"updated_at"`
}
