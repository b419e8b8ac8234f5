package entities

import (
	"math"
	"time"
)

// Coordinate is a WGS84 latitude/longitude pair.
type Coordinate struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// NewCoordinate creates a Coordinate value from latitude and longitude.
func NewCoordinate(lat, lon float64) Coordinate {
	return Coordinate{Lat: lat, Lon: lon}
}

// Valid reports whether c lies inside the WGS84 ranges.
func (c Coordinate) Valid() bool {
	return c.Lat >= -90 && c.Lat <= 90 && c.Lon >= -180 && c.Lon <= 180
}

// Region is the current map viewport: a center plus the latitude/longitude
// span visible on screen. Only the last one is persisted, as a fallback for
// the next session.
type Region struct {
	Center   Coordinate `json:"center"`
	LatDelta float64    `json:"latDelta"`
	LonDelta float64    `json:"lonDelta"`
}

// NewRegion creates a Region centered on (lat, lon).
func NewRegion(lat, lon, latDelta, lonDelta float64) Region {
	return Region{
		Center:   NewCoordinate(lat, lon),
		LatDelta: latDelta,
		LonDelta: lonDelta,
	}
}

// RadiusKm approximates the viewport as a circle around its center: half the
// larger of its two spans, converted to kilometers.
func (r Region) RadiusKm() float64 {
	const kmPerDegree = 111.32
	latKm := r.LatDelta / 2 * kmPerDegree
	lonKm := r.LonDelta / 2 * kmPerDegree * math.Cos(r.Center.Lat*math.Pi/180)
	return math.Max(math.Abs(latKm), math.Abs(lonKm))
}

// LocationFix is a resolved device location with the time it was taken.
type LocationFix struct {
	Coordinate Coordinate `json:"coordinate"`
	TakenAt    time.Time  `json:"takenAt"`
}
