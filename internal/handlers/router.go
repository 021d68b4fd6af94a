package handlers

import (
	"net/http"

	"github.com/ukydev/schoolbus-dispatch/internal/middleware"
	"github.com/ukydev/schoolbus-dispatch/internal/models"
)

// Router holds everything the HTTP API is built from. Nil handlers leave
// their routes unregistered.
type Router struct {
	Auth       *middleware.AuthMiddleware
	Users      *AuthHandler
	Trips      *TripHandler
	Attendance *AttendanceHandler
	Drivers    *DriverHandler
	Feed       FeedEncoder
	Hub        http.Handler
	Metrics    http.Handler
}

// Handler returns the API mux wrapped in bearer authentication.
func (rt Router) Handler() http.Handler {
	mux := http.NewServeMux()
	perm := func(action string, h http.HandlerFunc) http.Handler {
		return rt.Auth.RequirePermission(action)(h)
	}

	mux.HandleFunc("GET /health", Health)
	if rt.Metrics != nil {
		mux.Handle("GET /metrics", rt.Metrics)
	}
	if rt.Hub != nil {
		mux.Handle("GET /ws", rt.Hub)
	}
	if rt.Feed != nil {
		mux.Handle("GET /api/feeds/vehicle-positions.pb", VehiclePositions(rt.Feed))
	}

	if rt.Users != nil {
		mux.HandleFunc("POST /api/auth/login", rt.Users.Login)
		mux.HandleFunc("GET /api/auth/profile", rt.Users.GetProfile)
	}

	if h := rt.Trips; h != nil {
		mux.Handle("GET /api/trips/{id}", perm("view_trips", h.Get))
		for _, action := range []string{"start", "delay", "complete", "cancel"} {
			mux.Handle("POST /api/trips/{id}/"+action, perm("operate_trip", h.Transition(action)))
		}
		mux.Handle("POST /api/trips/{id}/incidents", perm("report_incident", h.ReportIncident))
		mux.Handle("GET /api/trips/{id}/route", perm("view_trips", h.Route))
		mux.Handle("GET /api/trips/{id}/location", perm("view_trips", h.Location))
		mux.Handle("POST /api/trips/{id}/location", perm("report_location", h.PostLocation))
	}

	if h := rt.Attendance; h != nil {
		mux.Handle("GET /api/trips/{id}/attendance", rt.Auth.RequireRole(models.RoleDriver)(http.HandlerFunc(h.List)))
		mux.Handle("PATCH /api/attendance/{id}", perm("mark_attendance", h.Update))
	}

	if h := rt.Drivers; h != nil {
		mux.Handle("GET /api/drivers/{id}/reassignment", perm("delete_driver", h.Reassignment))
		mux.Handle("DELETE /api/drivers/{id}", perm("delete_driver", h.Delete))
	}

	return rt.Auth.Authenticate(mux)
}
