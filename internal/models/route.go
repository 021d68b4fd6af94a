package models

import (
	"sort"
	"strings"
)

// Stop is a geocoded point on a route.
type Stop struct {
	ID      string  `json:"id" bson:"_id"`
	Name    string  `json:"name" bson:"name"`
	Address string  `json:"address" bson:"address"`
	Lat     float64 `json:"latitude" bson:"lat"`
	Lon     float64 `json:"longitude" bson:"lon"`
	Order   int     `json:"order" bson:"order"`
}

// Location returns the stop coordinates.
func (s Stop) Location() Location {
	return Location{Lat: s.Lat, Lon: s.Lon}
}

// Route is an ordered list of stops served by trips.
type Route struct {
	ID    string `json:"id" bson:"_id"`
	Name  string `json:"name" bson:"name"`
	Stops []Stop `json:"stops" bson:"stops"`
}

// OrderedStops returns the stops sorted by their order index.
func (r Route) OrderedStops() []Stop {
	stops := make([]Stop, len(r.Stops))
	copy(stops, r.Stops)
	sort.SliceStable(stops, func(i, j int) bool { return stops[i].Order < stops[j].Order })
	return stops
}

// StopKey identifies an ordered stop list by its id sequence.
func StopKey(stops []Stop) string {
	ids := make([]string, len(stops))
	for i, s := range stops {
		ids[i] = s.ID
	}
	return strings.Join(ids, ",")
}

// Viewport is the map center and zoom that fits a route.
type Viewport struct {
	Center Location `json:"center"`
	Zoom   int      `json:"zoom"`
	SW     Location `json:"south_west"`
	NE     Location `json:"north_east"`
}

// RouteGeometry is the continuous path through a stop list plus its optimal viewport.
type RouteGeometry struct {
	StopKey  string     `json:"stop_key"`
	Profile  string     `json:"profile"`
	Path     []Location `json:"path"`
	Viewport Viewport   `json:"viewport"`
	// Fallbacks counts segments replaced by a straight line.
	Fallbacks int `json:"fallbacks"`
}
