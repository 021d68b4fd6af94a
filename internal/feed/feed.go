// Package feed exports live bus positions as a GTFS-realtime feed.
package feed

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	gtfsrtpb "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	log "github.com/sirupsen/logrus"
	"google.golang.org/protobuf/proto"

	"github.com/ukydev/schoolbus-dispatch/internal/apperr"
	"github.com/ukydev/schoolbus-dispatch/internal/db"
	"github.com/ukydev/schoolbus-dispatch/internal/models"
)

// ContentType is served with the encoded feed.
const ContentType = "application/x-protobuf"

// VehiclePositions builds FeedMessages from the latest sample of each in-progress trip.
type VehiclePositions struct {
	trips     db.TripCollection
	locations db.LocationCollection
	now       func() time.Time
}

// NewVehiclePositions creates a feed builder.
func NewVehiclePositions(trips db.TripCollection, locations db.LocationCollection) *VehiclePositions {
	return &VehiclePositions{trips: trips, locations: locations, now: time.Now}
}

// Build returns a full-dataset feed, one entity per in-progress trip, ordered by trip id.
func (v *VehiclePositions) Build(ctx context.Context) (*gtfsrtpb.FeedMessage, error) {
	samples, err := v.locations.LatestLocations(ctx)
	if err != nil {
		return nil, err
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i].TripID < samples[j].TripID })

	fm := &gtfsrtpb.FeedMessage{
		Header: &gtfsrtpb.FeedHeader{
			GtfsRealtimeVersion: proto.String("2.0"),
			Incrementality:      gtfsrtpb.FeedHeader_FULL_DATASET.Enum(),
			Timestamp:           proto.Uint64(uint64(v.now().Unix())),
		},
	}
	for _, s := range samples {
		trip, err := v.trips.FindTripByID(ctx, s.TripID)
		if err != nil {
			if errors.Is(err, apperr.ErrNotFound) {
				log.WithField("trip_id", s.TripID).Debug("Skipping location of unknown trip")
				continue
			}
			return nil, err
		}
		if trip.Status != models.TripInProgress {
			continue
		}
		fm.Entity = append(fm.Entity, entity(trip, s))
	}
	return fm, nil
}

// Encode builds the feed and serializes it.
func (v *VehiclePositions) Encode(ctx context.Context) ([]byte, error) {
	fm, err := v.Build(ctx)
	if err != nil {
		return nil, err
	}
	return proto.Marshal(fm)
}

func entity(trip *models.Trip, s models.LocationSample) *gtfsrtpb.FeedEntity {
	td := &gtfsrtpb.TripDescriptor{TripId: proto.String(trip.ID)}
	if trip.RouteID != "" {
		td.RouteId = proto.String(trip.RouteID)
	}
	if trip.ServiceDate != "" {
		td.StartDate = proto.String(strings.ReplaceAll(trip.ServiceDate, "-", ""))
	}
	if trip.DepartureTime != "" {
		td.StartTime = proto.String(trip.DepartureTime + ":00")
	}

	busID := s.BusID
	if busID == "" {
		busID = trip.BusID
	}
	vp := &gtfsrtpb.VehiclePosition{
		Trip:    td,
		Vehicle: &gtfsrtpb.VehicleDescriptor{Id: proto.String(busID)},
		Position: &gtfsrtpb.Position{
			Latitude:  proto.Float32(float32(s.Lat)),
			Longitude: proto.Float32(float32(s.Lon)),
		},
	}
	if !s.Timestamp.IsZero() {
		vp.Timestamp = proto.Uint64(uint64(s.Timestamp.Unix()))
	}
	return &gtfsrtpb.FeedEntity{Id: proto.String(trip.ID), Vehicle: vp}
}
