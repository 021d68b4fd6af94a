// Package polyline implements the encoded polyline algorithm format at precision 5.
package polyline

import (
	"errors"
	"math"
	"strings"

	"github.com/ukydev/schoolbus-dispatch/internal/models"
)

const factor = 1e5

var ErrMalformed = errors.New("malformed polyline")

// Decode turns an encoded polyline into coordinates.
func Decode(encoded string) ([]models.Location, error) {
	var (
		points   []models.Location
		lat, lon int64
		i        int
	)
	for i < len(encoded) {
		dLat, next, err := decodeValue(encoded, i)
		if err != nil {
			return nil, err
		}
		dLon, next, err := decodeValue(encoded, next)
		if err != nil {
			return nil, err
		}
		i = next
		lat += dLat
		lon += dLon
		points = append(points, models.Location{Lat: float64(lat) / factor, Lon: float64(lon) / factor})
	}
	return points, nil
}

func decodeValue(s string, i int) (int64, int, error) {
	var result int64
	var shift uint
	for {
		if i >= len(s) {
			return 0, i, ErrMalformed
		}
		b := int64(s[i]) - 63
		i++
		if b < 0 || b > 63 {
			return 0, i, ErrMalformed
		}
		result |= (b & 0x1f) << shift
		shift += 5
		if b < 0x20 {
			break
		}
		if shift > 60 {
			return 0, i, ErrMalformed
		}
	}
	if result&1 != 0 {
		return ^(result >> 1), i, nil
	}
	return result >> 1, i, nil
}

// Encode turns coordinates into an encoded polyline.
func Encode(points []models.Location) string {
	var b strings.Builder
	var prevLat, prevLon int64
	for _, p := range points {
		lat := int64(math.Round(p.Lat * factor))
		lon := int64(math.Round(p.Lon * factor))
		encodeValue(&b, lat-prevLat)
		encodeValue(&b, lon-prevLon)
		prevLat, prevLon = lat, lon
	}
	return b.String()
}

func encodeValue(b *strings.Builder, v int64) {
	u := uint64(v << 1)
	if v < 0 {
		u = ^u
	}
	for u >= 0x20 {
		b.WriteByte(byte((u&0x1f)|0x20) + 63)
		u >>= 5
	}
	b.WriteByte(byte(u) + 63)
}
