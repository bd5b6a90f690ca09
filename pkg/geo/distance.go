// Package geo provides the geodesic helpers used by the monitoring core:
// Haversine distance, coordinate validation and small degree offsets.
package geo

import (
	"math"

	"github.com/golang/geo/s2"

	"github.com/kass/go-crowd-monitor/pkg/models"
)

// EarthRadiusMeters is the mean Earth radius used by DistanceMeters.
const EarthRadiusMeters = 6371000.0

// metersPerDegree is the length of one degree of latitude on the mean sphere.
const metersPerDegree = EarthRadiusMeters * math.Pi / 180

// DistanceMeters returns the great-circle distance between a and b in meters
func DistanceMeters(a, b models.Coordinate) float64 {
	if a == b {
		return 0
	}

	lat1Rad := toRad(a.Lat)
	lat2Rad := toRad(b.Lat)
	dLat := toRad(b.Lat - a.Lat)
	dLng := toRad(b.Lng - a.Lng)

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1Rad)*math.Cos(lat2Rad)*
			math.Sin(dLng/2)*math.Sin(dLng/2)

	return 2 * EarthRadiusMeters * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}

// Validate rejects coordinates outside [-90,90] x [-180,180] and non-finite values.
func Validate(c models.Coordinate) error {
	if math.IsNaN(c.Lat) || math.IsNaN(c.Lng) || math.IsInf(c.Lat, 0) || math.IsInf(c.Lng, 0) {
		return models.InvalidConfigurationf("coordinate %v is not finite", c)
	}
	if !s2.LatLngFromDegrees(c.Lat, c.Lng).IsValid() {
		return models.InvalidConfigurationf("coordinate (%f, %f) out of range", c.Lat, c.Lng)
	}
	return nil
}

// Offset shifts c by the given degrees, clamping latitude and wrapping longitude.
func Offset(c models.Coordinate, dLat, dLng float64) models.Coordinate {
	lat := math.Max(-90, math.Min(90, c.Lat+dLat))
	lng := c.Lng + dLng
	if lng > 180 {
		lng -= 360
	} else if lng < -180 {
		lng += 360
	}
	return models.Coordinate{Lat: lat, Lng: lng}
}

// BoundsAround returns a degree box enclosing a circle of the given radius.
// Longitudes are clamped to [-180,180], so the box does not wrap; use
// SearchBoxes for lookups that may cross the antimeridian.
func BoundsAround(c models.Coordinate, meters float64) models.BoundingBox {
	dLat := meters / metersPerDegree
	dLng := lngSpan(c.Lat, dLat)

	return models.BoundingBox{
		BottomLeft: models.Coordinate{Lat: math.Max(-90, c.Lat-dLat), Lng: math.Max(-180, c.Lng-dLng)},
		TopRight:   models.Coordinate{Lat: math.Min(90, c.Lat+dLat), Lng: math.Min(180, c.Lng+dLng)},
	}
}

// SearchBoxes covers a circle of the given radius with one box, or two when
// it crosses the antimeridian. A circle reaching a pole spans every longitude.
// The boxes are only a pre-filter; callers confirm hits with DistanceMeters.
func SearchBoxes(c models.Coordinate, meters float64) []models.BoundingBox {
	dLat := meters / metersPerDegree
	dLng := lngSpan(c.Lat, dLat)
	minLat := math.Max(-90, c.Lat-dLat)
	maxLat := math.Min(90, c.Lat+dLat)

	box := func(minLng, maxLng float64) models.BoundingBox {
		return models.BoundingBox{
			BottomLeft: models.Coordinate{Lat: minLat, Lng: minLng},
			TopRight:   models.Coordinate{Lat: maxLat, Lng: maxLng},
		}
	}

	if minLat <= -90 || maxLat >= 90 || dLng >= 180 {
		return []models.BoundingBox{box(-180, 180)}
	}

	lo, hi := c.Lng-dLng, c.Lng+dLng
	switch {
	case lo < -180:
		return []models.BoundingBox{box(lo+360, 180), box(-180, hi)}
	case hi > 180:
		return []models.BoundingBox{box(lo, 180), box(-180, hi-360)}
	}
	return []models.BoundingBox{box(lo, hi)}
}

// lngSpan converts a latitude span into the longitude span of the same
// ground distance at lat.
func lngSpan(lat, dLat float64) float64 {
	cosLat := math.Cos(toRad(lat))
	if cosLat <= 1e-9 {
		return 180
	}
	return math.Min(180, dLat/cosLat)
}

func toRad(deg float64) float64 {
	return deg * math.Pi / 180
}
