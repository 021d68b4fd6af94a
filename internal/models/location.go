package models

import "math"

// Location represents a geographical location with latitude and longitude coordinates.
type Location struct {
	Lat float64 `bson:"lat" json:"lat"`
	Lon float64 `bson:"lon" json:"lon"`
}

// Equal reports whether two locations are the same point at polyline precision (1e-5 degrees).
func (l Location) Equal(o Location) bool {
	return math.Abs(l.Lat-o.Lat) < 5e-6 && math.Abs(l.Lon-o.Lon) < 5e-6
}
