package models

import (
	"testing"
)

func TestIsValidRole(t *testing.T) {
	tests := []struct {
		name     string
		role     Role
		expected bool
	}{
		{"admin role", RoleAdmin, true},
		{"driver role", RoleDriver, true},
		{"parent role", RoleParent, true},
		{"legacy manager role", "manager", false},
		{"empty role", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := IsValidRole(tt.role)
			if result != tt.expected {
				t.Errorf("IsValidRole(%s) = %v, want %v", tt.role, result, tt.expected)
			}
		})
	}
}

func TestUser_HasPermission(t *testing.T) {
	admin := &User{Role: RoleAdmin}
	driver := &User{Role: RoleDriver}
	parent := &User{Role: RoleParent}

	tests := []struct {
		name     string
		user     *User
		action   string
		expected bool
	}{
		{"admin can delete driver", admin, "delete_driver", true},
		{"admin can operate trip", admin, "operate_trip", true},

		{"driver can operate trip", driver, "operate_trip", true},
		{"driver can report location", driver, "report_location", true},
		{"driver can mark attendance", driver, "mark_attendance", true},
		{"driver can report incident", driver, "report_incident", true},
		{"driver cannot delete driver", driver, "delete_driver", false},

		{"parent can view trips", parent, "view_trips", true},
		{"parent cannot operate trip", parent, "operate_trip", false},
		{"parent cannot mark attendance", parent, "mark_attendance", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := tt.user.HasPermission(tt.action)
			if result != tt.expected {
				t.Errorf("User with role %s HasPermission(%s) = %v, want %v",
					tt.user.Role, tt.action, result, tt.expected)
			}
		})
	}
}

func TestAllowedAttendance(t *testing.T) {
	tests := []struct {
		kind   TripKind
		status AttendanceStatus
		want   bool
	}{
		{TripPickup, AttendanceAwaiting, true},
		{TripPickup, AttendancePickedUp, true},
		{TripPickup, AttendanceAbsent, true},
		{TripPickup, AttendanceDroppedOff, false},
		{TripDropoff, AttendanceDroppedOff, true},
		{TripDropoff, AttendancePickedUp, false},
		{"shuttle", AttendanceAwaiting, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind)+"/"+string(tt.status), func(t *testing.T) {
			if got := IsAllowedAttendance(tt.kind, tt.status); got != tt.want {
				t.Errorf("IsAllowedAttendance(%s, %s) = %v, want %v", tt.kind, tt.status, got, tt.want)
			}
		})
	}
}

func TestRoute_OrderedStopsAndKey(t *testing.T) {
	r := Route{Stops: []Stop{{ID: "c", Order: 3}, {ID: "a", Order: 1}, {ID: "b", Order: 2}}}
	stops := r.OrderedStops()
	if got := StopKey(stops); got != "a,b,c" {
		t.Errorf("StopKey = %q, want %q", got, "a,b,c")
	}
	if r.Stops[0].ID != "c" {
		t.Errorf("OrderedStops must not reorder the route in place")
	}
}
