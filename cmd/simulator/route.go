package main

import (
	"time"

	"github.com/golang/geo/s2"

	"github.com/ukydev/schoolbus-dispatch/internal/models"
)

const earthRadiusKm = 6371.01

func distanceKm(a, b models.Location) float64 {
	return s2.LatLngFromDegrees(a.Lat, a.Lon).Distance(s2.LatLngFromDegrees(b.Lat, b.Lon)).Radians() * earthRadiusKm
}

// busState walks a bus along a route path at a fixed speed.
type busState struct {
	TripID    string
	BusID     string
	Position  models.Location
	SpeedKmh  float64
	Path      []models.Location
	SegIndex  int
	SegOffset float64 // km along current segment
}

func newBusState(tripID, busID string, path []models.Location, speedKmh float64) *busState {
	s := &busState{TripID: tripID, BusID: busID, Path: path, SpeedKmh: speedKmh}
	if len(path) > 0 {
		s.Position = path[0]
	}
	return s
}

// Arrived reports whether the bus has reached the last point of its path.
func (s *busState) Arrived() bool {
	return s.SegIndex >= len(s.Path)-1
}

// Step advances the bus by the distance covered in tickSec seconds.
func (s *busState) Step(tickSec float64) {
	remKm := s.SpeedKmh * (tickSec / 3600.0)
	for remKm > 0 && !s.Arrived() {
		a := s.Path[s.SegIndex]
		b := s.Path[s.SegIndex+1]
		segLen := distanceKm(a, b)
		leftOnSeg := segLen - s.SegOffset
		if remKm >= leftOnSeg {
			s.Position = b
			s.SegIndex++
			s.SegOffset = 0
			remKm -= leftOnSeg
			continue
		}
		s.SegOffset += remKm
		p := s2.Interpolate(s.SegOffset/segLen, s2.PointFromLatLng(s2.LatLngFromDegrees(a.Lat, a.Lon)),
			s2.PointFromLatLng(s2.LatLngFromDegrees(b.Lat, b.Lon)))
		ll := s2.LatLngFromPoint(p)
		s.Position = models.Location{Lat: ll.Lat.Degrees(), Lon: ll.Lng.Degrees()}
		remKm = 0
	}
}

// Sample returns the current position as a location sample taken at now.
func (s *busState) Sample(now time.Time) models.LocationSample {
	return models.LocationSample{
		BusID:     s.BusID,
		TripID:    s.TripID,
		Lat:       s.Position.Lat,
		Lon:       s.Position.Lon,
		Timestamp: now.UTC(),
	}
}
