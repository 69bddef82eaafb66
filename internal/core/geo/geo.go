// Package geo implements the haversine distance, bearing, and route
// interpolation math the Device State Machine and Scenario Simulator rely
// on. Grounded on original_source/core/Geo.cpp.
package geo

import (
	"math"

	"vehicle-telemetry-core/internal/core/event"
)

const earthRadiusMeters = 6371000.0

// Fence is a circular geofence: a center point and a radius in meters.
type Fence struct {
	ID            string
	Lat, Lon      float64
	RadiusMeters  float64
}

func toRadians(deg float64) float64 { return deg * math.Pi / 180.0 }
func toDegrees(rad float64) float64 { return rad * 180.0 / math.Pi }

// DistanceMeters computes the great-circle distance between two WGS84
// points using the haversine formula.
func DistanceMeters(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := toRadians(lat2 - lat1)
	dLon := toRadians(lon2 - lon1)

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRadians(lat1))*math.Cos(toRadians(lat2))*
			math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusMeters * c
}

// BearingDegrees computes the initial bearing from (lat1,lon1) to
// (lat2,lon2), normalized to [0, 360).
func BearingDegrees(lat1, lon1, lat2, lon2 float64) float64 {
	dLon := toRadians(lon2 - lon1)
	y := math.Sin(dLon) * math.Cos(toRadians(lat2))
	x := math.Cos(toRadians(lat1))*math.Sin(toRadians(lat2)) -
		math.Sin(toRadians(lat1))*math.Cos(toRadians(lat2))*math.Cos(dLon)

	bearing := toDegrees(math.Atan2(y, x))
	return math.Mod(bearing+360.0, 360.0)
}

// MoveLocation projects `from` along `bearingDeg` for `distanceMeters`,
// preserving altitude and accuracy.
func MoveLocation(from event.Location, bearingDeg, distanceMeters float64) event.Location {
	bearing := toRadians(bearingDeg)
	d := distanceMeters / earthRadiusMeters

	lat1 := toRadians(from.Lat)
	lon1 := toRadians(from.Lon)

	lat2 := math.Asin(math.Sin(lat1)*math.Cos(d) +
		math.Cos(lat1)*math.Sin(d)*math.Cos(bearing))
	lon2 := lon1 + math.Atan2(math.Sin(bearing)*math.Sin(d)*math.Cos(lat1),
		math.Cos(d)-math.Sin(lat1)*math.Sin(lat2))

	result := from
	result.Lat = toDegrees(lat2)
	result.Lon = toDegrees(lon2)
	return result
}

// InsideFence reports whether loc lies within fence's radius.
func InsideFence(loc event.Location, fence Fence) bool {
	return DistanceMeters(loc.Lat, loc.Lon, fence.Lat, fence.Lon) <= fence.RadiusMeters
}

// InsideFences returns, in fence-list order, the ids of every fence that
// currently contains loc. The Device State Machine diffs this against its
// prior result to emit GeofenceEnter/GeofenceExit on membership edges only.
func InsideFences(loc event.Location, fences []Fence) []string {
	var inside []string
	for _, f := range fences {
		if InsideFence(loc, f) {
			inside = append(inside, f.ID)
		}
	}
	return inside
}

// RoutePoint is a single waypoint of a polyline route.
type RoutePoint struct {
	Lat, Lon float64
}

// InterpolateRoute linearly interpolates a position along route at the
// given progress in [0,1] (clamped).
func InterpolateRoute(route []RoutePoint, progress float64) event.Location {
	if len(route) == 0 {
		return event.Location{}
	}
	if len(route) == 1 {
		return event.Location{Lat: route[0].Lat, Lon: route[0].Lon}
	}

	if progress < 0 {
		progress = 0
	} else if progress > 1 {
		progress = 1
	}

	segmentProgress := progress * float64(len(route)-1)
	segmentIndex := int(segmentProgress)
	localProgress := segmentProgress - float64(segmentIndex)

	if segmentIndex >= len(route)-1 {
		last := route[len(route)-1]
		return event.Location{Lat: last.Lat, Lon: last.Lon}
	}

	p1 := route[segmentIndex]
	p2 := route[segmentIndex+1]
	return event.Location{
		Lat: p1.Lat + (p2.Lat-p1.Lat)*localProgress,
		Lon: p1.Lon + (p2.Lon-p1.Lon)*localProgress,
	}
}
