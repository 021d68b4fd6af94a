// Package tripview assembles what a trip detail screen shows: status, live
// subscription, route geometry and attendance.
package tripview

import (
	"context"
	"errors"
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/ukydev/schoolbus-dispatch/internal/apperr"
	"github.com/ukydev/schoolbus-dispatch/internal/db"
	"github.com/ukydev/schoolbus-dispatch/internal/models"
)

// ErrViewClosed is returned by Open when Close aborted it.
var ErrViewClosed = errors.New("trip view closed")

type StatusReader interface {
	Status(ctx context.Context, tripID string) (*models.Trip, error)
}

type Subscriber interface {
	Subscribe(tripID string) error
	Unsubscribe(tripID string) error
}

type Composer interface {
	Compose(ctx context.Context, stops []models.Stop, profile string) (*models.RouteGeometry, error)
}

type AttendanceLoader interface {
	Load(ctx context.Context, tripID string) ([]models.AttendanceRecord, error)
}

// Deps are the collaborators of a View.
type Deps struct {
	Trips      StatusReader
	Routes     db.RouteCollection
	Locations  db.LocationCollection
	Hub        Subscriber
	Composer   Composer
	Attendance AttendanceLoader
	Profile    string
}

// Snapshot is the initial state of an opened trip.
type Snapshot struct {
	Trip       *models.Trip
	Live       bool
	Geometry   *models.RouteGeometry
	Location   *models.LocationSample
	Attendance []models.AttendanceRecord
}

type openTrip struct {
	cancel     context.CancelFunc
	subscribed bool
}

// View opens and closes trip detail screens.
type View struct {
	deps Deps

	mu   sync.Mutex
	open map[string]*openTrip
}

// New creates a View.
func New(deps Deps) *View {
	return &View{deps: deps, open: make(map[string]*openTrip)}
}

// Open reads the trip status. For an in-progress trip it subscribes to live
// updates and composes the route; attendance is loaded alongside either way.
func (v *View) Open(ctx context.Context, tripID string) (*Snapshot, error) {
	ctx, cancel := context.WithCancel(ctx)
	entry := &openTrip{cancel: cancel}
	v.mu.Lock()
	if prev, ok := v.open[tripID]; ok {
		// the new view owns the subscription from here on
		prev.subscribed = false
		prev.cancel()
	}
	v.open[tripID] = entry
	v.mu.Unlock()

	snap, err := v.load(ctx, tripID, entry)
	if err != nil {
		if ctx.Err() != nil {
			err = fmt.Errorf("%w: %v", ErrViewClosed, err)
		}
		v.release(tripID, entry)
		return nil, err
	}
	return snap, nil
}

func (v *View) load(ctx context.Context, tripID string, entry *openTrip) (*Snapshot, error) {
	trip, err := v.deps.Trips.Status(ctx, tripID)
	if err != nil {
		return nil, err
	}
	snap := &Snapshot{Trip: trip, Live: trip.Status == models.TripInProgress}

	ctx, stop := context.WithCancel(ctx)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		recs, err := v.deps.Attendance.Load(gctx, tripID)
		if err != nil {
			return fmt.Errorf("load attendance: %w", err)
		}
		snap.Attendance = recs
		return nil
	})
	if snap.Live {
		if err := v.deps.Hub.Subscribe(tripID); err != nil {
			stop()
			_ = g.Wait()
			return nil, fmt.Errorf("subscribe to trip %s: %w", tripID, err)
		}
		v.mu.Lock()
		entry.subscribed = v.open[tripID] == entry
		v.mu.Unlock()
		g.Go(func() error {
			route, err := v.deps.Routes.FindRouteByID(gctx, trip.RouteID)
			if err != nil {
				return fmt.Errorf("load route: %w", err)
			}
			geom, err := v.deps.Composer.Compose(gctx, route.OrderedStops(), v.deps.Profile)
			if err != nil {
				return fmt.Errorf("compose route: %w", err)
			}
			snap.Geometry = geom
			return nil
		})
		g.Go(func() error {
			loc, err := v.deps.Locations.LatestLocation(gctx, tripID)
			if errors.Is(err, apperr.ErrNotFound) {
				return nil
			}
			if err != nil {
				return fmt.Errorf("load location: %w", err)
			}
			snap.Location = loc
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	log.WithFields(log.Fields{
		"trip_id": tripID,
		"status":  trip.Status,
		"live":    snap.Live,
	}).Debug("Trip view opened")
	return snap, nil
}

// Close aborts any pending Open of tripID and stops live updates.
func (v *View) Close(tripID string) {
	v.mu.Lock()
	entry := v.open[tripID]
	v.mu.Unlock()
	if entry != nil {
		v.release(tripID, entry)
	}
}

// release tears entry down, leaving a newer Open of the same trip alone.
func (v *View) release(tripID string, entry *openTrip) {
	v.mu.Lock()
	if v.open[tripID] == entry {
		delete(v.open, tripID)
	}
	subscribed := entry.subscribed
	entry.subscribed = false
	v.mu.Unlock()

	entry.cancel()
	if !subscribed {
		return
	}
	if err := v.deps.Hub.Unsubscribe(tripID); err != nil {
		log.WithField("trip_id", tripID).WithError(err).Debug("Unsubscribe on close failed")
	}
}

// IsOpen reports whether tripID has an open view.
func (v *View) IsOpen(tripID string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	_, ok := v.open[tripID]
	return ok
}
