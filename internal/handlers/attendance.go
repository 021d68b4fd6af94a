package handlers

import (
	"context"
	"net/http"

	log "github.com/sirupsen/logrus"

	"github.com/ukydev/schoolbus-dispatch/internal/models"
)

// AttendanceService is the attendance tracker seen by the handlers.
type AttendanceService interface {
	Load(ctx context.Context, tripID string) ([]models.AttendanceRecord, error)
	Records(tripID string) []models.AttendanceRecord
	SetStatus(ctx context.Context, attendanceID string, status models.AttendanceStatus) (*models.AttendanceRecord, error)
	Counts(tripID string) map[models.AttendanceStatus]int
	ByStop(tripID string) map[string][]models.AttendanceRecord
}

// AttendanceHandler serves trip attendance.
type AttendanceHandler struct {
	tracker AttendanceService
}

// NewAttendanceHandler creates an attendance handler.
func NewAttendanceHandler(tracker AttendanceService) *AttendanceHandler {
	return &AttendanceHandler{tracker: tracker}
}

type attendanceResponse struct {
	TripID  string                               `json:"trip_id"`
	Records []models.AttendanceRecord            `json:"records"`
	Counts  map[models.AttendanceStatus]int      `json:"counts"`
	ByStop  map[string][]models.AttendanceRecord `json:"by_stop"`
}

// List loads the attendance of a trip with its per-status counts and
// per-stop grouping.
func (h *AttendanceHandler) List(w http.ResponseWriter, r *http.Request) {
	tripID := r.PathValue("id")
	if _, err := h.tracker.Load(r.Context(), tripID); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h.snapshot(tripID))
}

func (h *AttendanceHandler) snapshot(tripID string) attendanceResponse {
	return attendanceResponse{
		TripID:  tripID,
		Records: h.tracker.Records(tripID),
		Counts:  h.tracker.Counts(tripID),
		ByStop:  h.tracker.ByStop(tripID),
	}
}

type attendanceUpdate struct {
	Status models.AttendanceStatus `json:"status"`
}

// Update sets the status of one attendance record. The trip_id query
// parameter loads the trip's records first when they are not cached yet.
func (h *AttendanceHandler) Update(w http.ResponseWriter, r *http.Request) {
	var req attendanceUpdate
	if err := decodeJSON(w, r, &req); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if req.Status == "" {
		http.Error(w, "Status is required", http.StatusBadRequest)
		return
	}

	if tripID := r.URL.Query().Get("trip_id"); tripID != "" && len(h.tracker.Records(tripID)) == 0 {
		if _, err := h.tracker.Load(r.Context(), tripID); err != nil {
			writeError(w, r, err)
			return
		}
	}

	id := r.PathValue("id")
	rec, err := h.tracker.SetStatus(r.Context(), id, req.Status)
	if err != nil {
		writeError(w, r, err)
		return
	}

	log.WithFields(log.Fields{
		"attendance_id": id,
		"trip_id":       rec.TripID,
		"status":        rec.Status,
	}).Info("Attendance updated")
	writeJSON(w, http.StatusOK, rec)
}
