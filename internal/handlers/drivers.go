package handlers

import (
	"context"
	"net/http"

	log "github.com/sirupsen/logrus"

	"github.com/ukydev/schoolbus-dispatch/internal/reassign"
)

// ReassignmentService checks and performs driver handovers.
type ReassignmentService interface {
	CanDelete(ctx context.Context, driverID, replacementID string) (*reassign.Decision, error)
	ReassignAndDelete(ctx context.Context, driverID, replacementID string) ([]string, error)
}

// DriverHandler serves driver removal.
type DriverHandler struct {
	checker ReassignmentService
}

// NewDriverHandler creates a driver handler.
func NewDriverHandler(checker ReassignmentService) *DriverHandler {
	return &DriverHandler{checker: checker}
}

// Reassignment reports whether the driver may be deleted with the given
// replacement and lists any schedule conflicts.
func (h *DriverHandler) Reassignment(w http.ResponseWriter, r *http.Request) {
	decision, err := h.checker.CanDelete(r.Context(), r.PathValue("id"), r.URL.Query().Get("replacement"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, decision)
}

type deleteResponse struct {
	DriverID      string   `json:"driver_id"`
	ReplacementID string   `json:"replacement_id,omitempty"`
	Reassigned    []string `json:"reassigned_trips"`
}

// Delete hands the driver's pending trips to the replacement and deletes the driver.
func (h *DriverHandler) Delete(w http.ResponseWriter, r *http.Request) {
	driverID := r.PathValue("id")
	replacementID := r.URL.Query().Get("replacement")

	moved, err := h.checker.ReassignAndDelete(r.Context(), driverID, replacementID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if moved == nil {
		moved = []string{}
	}

	log.WithFields(log.Fields{
		"driver_id":      driverID,
		"replacement_id": replacementID,
		"reassigned":     len(moved),
	}).Info("Driver deleted")
	writeJSON(w, http.StatusOK, deleteResponse{
		DriverID:      driverID,
		ReplacementID: replacementID,
		Reassigned:    moved,
	})
}
