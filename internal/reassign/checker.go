// Package reassign validates and performs driver replacement before deletion.
package reassign

import (
	"context"
	"errors"
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/ukydev/schoolbus-dispatch/internal/apperr"
	"github.com/ukydev/schoolbus-dispatch/internal/db"
	"github.com/ukydev/schoolbus-dispatch/internal/models"
)

var (
	ErrReplacementRequired = errors.New("driver has pending trips and no replacement was chosen")
	ErrSameDriver          = errors.New("replacement must be a different driver")
	ErrReassignmentFailed  = errors.New("trip reassignment failed")
)

// Conflict pairs a trip to be handed over with a trip the replacement
// already drives in the same slot.
type Conflict struct {
	Slot     string      `json:"slot"`
	Pending  models.Trip `json:"pending_trip"`
	Existing models.Trip `json:"existing_trip"`
}

// ConflictError lists every clash found for a replacement. It matches apperr.ErrConflict.
type ConflictError struct {
	ReplacementID string
	Conflicts     []Conflict
}

func (e *ConflictError) Error() string {
	slots := make([]string, 0, len(e.Conflicts))
	for _, c := range e.Conflicts {
		slots = append(slots, c.Slot)
	}
	return fmt.Sprintf("driver %s already has trips at %s", e.ReplacementID, strings.Join(slots, ", "))
}

func (e *ConflictError) Unwrap() error { return apperr.ErrConflict }

// Decision is the outcome of a deletion check.
type Decision struct {
	Allowed   bool          `json:"allowed"`
	Reason    string        `json:"reason,omitempty"`
	Pending   []models.Trip `json:"pending_trips"`
	Conflicts []Conflict    `json:"conflicts"`
}

// Checker answers whether a driver may be deleted and performs the handover.
type Checker struct {
	trips   db.TripCollection
	drivers db.DriverCollection
}

// NewChecker creates a Checker.
func NewChecker(trips db.TripCollection, drivers db.DriverCollection) *Checker {
	return &Checker{trips: trips, drivers: drivers}
}

// PendingTrips returns the non-terminal trips of a driver.
func (c *Checker) PendingTrips(ctx context.Context, driverID string) ([]models.Trip, error) {
	trips, err := c.trips.FindTripsByDriver(ctx, driverID)
	if err != nil {
		return nil, fmt.Errorf("trips of driver %s: %w", driverID, err)
	}
	var pending []models.Trip
	for _, t := range trips {
		if !t.Status.IsTerminal() {
			pending = append(pending, t)
		}
	}
	return pending, nil
}

// FindConflicts compares pending against the replacement's schedule. Two trips
// conflict when their service date and departure time are exactly equal.
// Cancelled trips do not occupy a slot.
func (c *Checker) FindConflicts(ctx context.Context, pending []models.Trip, replacementID string) ([]Conflict, error) {
	schedule, err := c.trips.FindTripsByDriver(ctx, replacementID)
	if err != nil {
		return nil, fmt.Errorf("schedule of driver %s: %w", replacementID, err)
	}
	booked := make(map[string][]models.Trip)
	for _, t := range schedule {
		if t.Status == models.TripCancelled {
			continue
		}
		booked[t.Slot()] = append(booked[t.Slot()], t)
	}
	var conflicts []Conflict
	for _, p := range pending {
		for _, existing := range booked[p.Slot()] {
			conflicts = append(conflicts, Conflict{Slot: p.Slot(), Pending: p, Existing: existing})
		}
	}
	return conflicts, nil
}

// CanDelete decides whether driverID may be deleted once its pending trips
// move to replacementID. An empty replacementID means none was chosen.
func (c *Checker) CanDelete(ctx context.Context, driverID, replacementID string) (*Decision, error) {
	if _, err := c.drivers.FindDriverByID(ctx, driverID); err != nil {
		return nil, err
	}
	pending, err := c.PendingTrips(ctx, driverID)
	if err != nil {
		return nil, err
	}
	d := &Decision{Pending: pending, Conflicts: []Conflict{}}
	if len(pending) == 0 {
		d.Allowed = true
		return d, nil
	}
	if replacementID == "" {
		d.Reason = ErrReplacementRequired.Error()
		return d, nil
	}
	if replacementID == driverID {
		d.Reason = ErrSameDriver.Error()
		return d, nil
	}
	if _, err := c.drivers.FindDriverByID(ctx, replacementID); err != nil {
		return nil, err
	}
	conflicts, err := c.FindConflicts(ctx, pending, replacementID)
	if err != nil {
		return nil, err
	}
	if len(conflicts) > 0 {
		d.Conflicts = conflicts
		d.Reason = (&ConflictError{ReplacementID: replacementID, Conflicts: conflicts}).Error()
		return d, nil
	}
	d.Allowed = true
	return d, nil
}

// ReassignAndDelete moves every pending trip to replacementID and deletes the
// driver. If any step fails the trips already moved are handed back and the
// driver is kept. It returns the ids of the reassigned trips.
func (c *Checker) ReassignAndDelete(ctx context.Context, driverID, replacementID string) ([]string, error) {
	d, err := c.CanDelete(ctx, driverID, replacementID)
	if err != nil {
		return nil, err
	}
	if !d.Allowed {
		switch {
		case len(d.Conflicts) > 0:
			return nil, &ConflictError{ReplacementID: replacementID, Conflicts: d.Conflicts}
		case replacementID == driverID:
			return nil, ErrSameDriver
		default:
			return nil, ErrReplacementRequired
		}
	}

	logger := log.WithFields(log.Fields{
		"driver_id":      driverID,
		"replacement_id": replacementID,
	})
	var moved []string
	for _, t := range d.Pending {
		if err := c.trips.AssignDriver(ctx, t.ID, replacementID); err != nil {
			c.revert(ctx, moved, driverID)
			logger.WithField("trip_id", t.ID).WithError(err).Warn("Reassignment aborted")
			return nil, fmt.Errorf("%w: trip %s: %w", ErrReassignmentFailed, t.ID, err)
		}
		moved = append(moved, t.ID)
	}
	if err := c.drivers.DeleteDriver(ctx, driverID); err != nil {
		c.revert(ctx, moved, driverID)
		logger.WithError(err).Warn("Driver deletion failed after reassignment")
		return nil, fmt.Errorf("%w: delete driver %s: %w", ErrReassignmentFailed, driverID, err)
	}

	logger.WithField("trips", len(moved)).Info("Driver deleted after reassignment")
	return moved, nil
}

// revert hands trips back to their original driver. The context of the failed
// operation may already be done, so reverts get a fresh one.
func (c *Checker) revert(ctx context.Context, tripIDs []string, driverID string) {
	rctx := context.WithoutCancel(ctx)
	for _, id := range tripIDs {
		if err := c.trips.AssignDriver(rctx, id, driverID); err != nil {
			log.WithFields(log.Fields{
				"trip_id":   id,
				"driver_id": driverID,
			}).WithError(err).Error("Failed to revert trip reassignment")
		}
	}
}
