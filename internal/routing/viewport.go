package routing

import (
	"math"

	"github.com/golang/geo/s2"

	"github.com/ukydev/schoolbus-dispatch/internal/models"
)

// DefaultPadding expands the bounding box so markers do not sit on the map edge.
const DefaultPadding = 1.35

// zoomSteps maps a minimum bounding diagonal (degrees) to a zoom level, widest first.
var zoomSteps = []struct {
	above float64
	zoom  int
}{
	{0.5, 10},
	{0.2, 11},
	{0.1, 12},
	{0.05, 13},
	{0.02, 14},
}

const maxZoom = 15

// ZoomForDiagonal selects the zoom level for a bounding-box diagonal in degrees.
func ZoomForDiagonal(d float64) int {
	for _, s := range zoomSteps {
		if d > s.above {
			return s.zoom
		}
	}
	return maxZoom
}

// BoundingRect returns the smallest lat/lng rectangle covering all stops and path points.
func BoundingRect(stops []models.Stop, path []models.Location) s2.Rect {
	rect := s2.EmptyRect()
	for _, s := range stops {
		rect = rect.AddPoint(s2.LatLngFromDegrees(s.Lat, s.Lon))
	}
	for _, p := range path {
		rect = rect.AddPoint(s2.LatLngFromDegrees(p.Lat, p.Lon))
	}
	return rect
}

// FitViewport pads the bounding box by padding and picks the zoom from its diagonal.
func FitViewport(stops []models.Stop, path []models.Location, padding float64) models.Viewport {
	rect := BoundingRect(stops, path)
	if rect.IsEmpty() {
		return models.Viewport{Zoom: maxZoom}
	}
	center := rect.Center()
	size := rect.Size()
	padded := s2.RectFromCenterSize(center, s2.LatLngFromDegrees(
		size.Lat.Degrees()*padding,
		size.Lng.Degrees()*padding,
	))

	psize := padded.Size()
	diagonal := math.Hypot(psize.Lat.Degrees(), psize.Lng.Degrees())

	return models.Viewport{
		Center: models.Location{Lat: center.Lat.Degrees(), Lon: center.Lng.Degrees()},
		Zoom:   ZoomForDiagonal(diagonal),
		SW:     models.Location{Lat: padded.Lo().Lat.Degrees(), Lon: padded.Lo().Lng.Degrees()},
		NE:     models.Location{Lat: padded.Hi().Lat.Degrees(), Lon: padded.Hi().Lng.Degrees()},
	}
}
