// Package ingest accepts bus GPS fixes, stores the latest one per trip and
// publishes it to the location hub.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/ukydev/schoolbus-dispatch/internal/apperr"
	"github.com/ukydev/schoolbus-dispatch/internal/db"
	"github.com/ukydev/schoolbus-dispatch/internal/models"
)

var (
	ErrInvalidSample = errors.New("invalid location sample")
	ErrTripNotActive = errors.New("trip is not in progress")
	ErrBusMismatch   = errors.New("sample bus does not serve this trip")
)

// Publisher fans a sample out to subscribed viewers.
type Publisher interface {
	Publish(ctx context.Context, sample models.LocationSample) error
}

// Metrics counts accepted and rejected samples. A nil Metrics is allowed.
type Metrics interface {
	SampleIngested(source string)
	SampleRejected(reason string)
}

// Ingestor validates samples against the trip they claim to belong to.
type Ingestor struct {
	trips     db.TripCollection
	locations db.LocationCollection
	hub       Publisher
	metrics   Metrics
	now       func() time.Time
}

// NewIngestor creates an Ingestor.
func NewIngestor(trips db.TripCollection, locations db.LocationCollection, hub Publisher, metrics Metrics) *Ingestor {
	return &Ingestor{trips: trips, locations: locations, hub: hub, metrics: metrics, now: time.Now}
}

// Ingest stores sample as the trip's latest location and publishes it.
// source labels where the sample came from ("mqtt", "http").
func (i *Ingestor) Ingest(ctx context.Context, source string, sample models.LocationSample) (*models.LocationSample, error) {
	sample.TripID = strings.TrimSpace(sample.TripID)
	if sample.TripID == "" {
		return nil, i.reject("missing_trip", fmt.Errorf("%w: trip_id is required", ErrInvalidSample))
	}
	if sample.Lat < -90 || sample.Lat > 90 || sample.Lon < -180 || sample.Lon > 180 {
		return nil, i.reject("out_of_range", fmt.Errorf("%w: coordinates out of range", ErrInvalidSample))
	}

	trip, err := i.trips.FindTripByID(ctx, sample.TripID)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return nil, i.reject("unknown_trip", err)
		}
		return nil, err
	}
	if trip.Status != models.TripInProgress {
		return nil, i.reject("trip_not_active", fmt.Errorf("%w: %s is %s", ErrTripNotActive, trip.ID, trip.Status))
	}
	switch {
	case sample.BusID == "":
		sample.BusID = trip.BusID
	case trip.BusID != "" && sample.BusID != trip.BusID:
		return nil, i.reject("bus_mismatch", fmt.Errorf("%w: got %s, trip %s uses %s", ErrBusMismatch, sample.BusID, trip.ID, trip.BusID))
	}
	if sample.Timestamp.IsZero() {
		sample.Timestamp = i.now().UTC()
	}

	if err := i.locations.SaveLocation(ctx, sample); err != nil {
		return nil, fmt.Errorf("save location: %w", err)
	}
	if err := i.hub.Publish(ctx, sample); err != nil {
		// the trip closed between the status read and the publish
		if errors.Is(err, apperr.ErrTripClosed) {
			return nil, i.reject("trip_closed", err)
		}
		return nil, err
	}
	if i.metrics != nil {
		i.metrics.SampleIngested(source)
	}
	return &sample, nil
}

func (i *Ingestor) reject(reason string, err error) error {
	if i.metrics != nil {
		i.metrics.SampleRejected(reason)
	}
	log.WithFields(log.Fields{"reason": reason}).WithError(err).Debug("Location sample rejected")
	return err
}
