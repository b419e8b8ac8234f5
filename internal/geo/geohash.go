// Package geo implements geohash encoding, the area-prefix coverage used for
// realtime subscriptions, great-circle distance and a spatial index for
// proximity queries on cached incidents.
//
// A geohash encodes a latitude/longitude pair into a short base-32 string;
// nearby locations share a common prefix, so an area subscription is just a
// prefix. Precision determines the cell size:
//
//	1 → ~5000 km    4 → ~39 km     7 → ~153 m    10 → ~1.2 m
//	2 → ~1250 km    5 → ~5 km      8 → ~19 m     11 → ~15 cm
//	3 → ~156 km     6 → ~1.2 km    9 → ~2.4 m    12 → ~1.9 cm
//
// Subscription prefixes are always between MinAreaPrecision and
// MaxAreaPrecision characters: shorter prefixes would flood the client with
// events, longer ones would need too many topics to cover a viewport.
package geo

import (
	"math"
	"strings"
)

// base32 is the geohash character set. 'a', 'i', 'l' and 'o' are excluded.
const base32 = "0123456789bcdefghjkmnpqrstuvwxyz"

const (
	DefaultPrecision = 6
	MaxPrecision     = 12

	MinAreaPrecision = 3
	MaxAreaPrecision = 7
)

// Direction is one of the four compass directions accepted by Neighbor.
type Direction string

const (
	North Direction = "n"
	South Direction = "s"
	East  Direction = "e"
	West  Direction = "w"
)

var base32Map = map[byte]int{}

func init() {
	for i := 0; i < len(base32); i++ {
		base32Map[base32[i]] = i
	}
}

// Box is the bounding box of a geohash cell.
type Box struct {
	MinLat, MaxLat float64
	MinLon, MaxLon float64
}

// Center returns the midpoint of the box.
func (b Box) Center() (lat, lon float64) {
	return (b.MinLat + b.MaxLat) / 2, (b.MinLon + b.MaxLon) / 2
}

// Encode converts latitude and longitude to a geohash string of the given
// length. Precision ≤0 falls back to DefaultPrecision and anything above
// MaxPrecision is clamped.
//
// Bits alternate longitude (even) then latitude (odd); each step bisects the
// current range and emits 1 when the value lies in the upper half. Every 5
// bits become one base-32 character.
func Encode(lat, lon float64, precision int) string {
	if precision <= 0 {
		precision = DefaultPrecision
	}
	if precision > MaxPrecision {
		precision = MaxPrecision
	}

	minLat, maxLat := -90.0, 90.0
	minLon, maxLon := -180.0, 180.0

	var hash strings.Builder
	hash.Grow(precision)
	isEven := true
	bit := 0
	ch := 0

	for hash.Len() < precision {
		if isEven {
			mid := (minLon + maxLon) / 2
			if lon >= mid {
				ch |= 1 << (4 - bit)
				minLon = mid
			} else {
				maxLon = mid
			}
		} else {
			mid := (minLat + maxLat) / 2
			if lat >= mid {
				ch |= 1 << (4 - bit)
				minLat = mid
			} else {
				maxLat = mid
			}
		}
		isEven = !isEven
		bit++
		if bit == 5 {
			hash.WriteByte(base32[ch])
			bit = 0
			ch = 0
		}
	}

	return hash.String()
}

// DecodeBox replays the binary subdivision encoded by hash and returns the
// resulting cell. Characters outside the geohash alphabet are skipped.
func DecodeBox(hash string) Box {
	b := Box{MinLat: -90, MaxLat: 90, MinLon: -180, MaxLon: 180}
	isEven := true

	for i := 0; i < len(hash); i++ {
		cd, ok := base32Map[hash[i]]
		if !ok {
			continue
		}
		for j := 4; j >= 0; j-- {
			bit := (cd >> j) & 1
			if isEven {
				mid := (b.MinLon + b.MaxLon) / 2
				if bit == 1 {
					b.MinLon = mid
				} else {
					b.MaxLon = mid
				}
			} else {
				mid := (b.MinLat + b.MaxLat) / 2
				if bit == 1 {
					b.MinLat = mid
				} else {
					b.MaxLat = mid
				}
			}
			isEven = !isEven
		}
	}
	return b
}

// Decode converts a geohash back to the center of its cell.
func Decode(hash string) (lat, lon float64) {
	return DecodeBox(strings.ToLower(hash)).Center()
}

// Neighbor returns the adjacent cell of the same length in direction d.
// Longitude wraps at the antimeridian; at the poles the hash is returned
// unchanged since there is no cell beyond.
func Neighbor(hash string, d Direction) string {
	if len(hash) == 0 {
		return ""
	}
	hash = strings.ToLower(hash)
	box := DecodeBox(hash)
	lat, lon := box.Center()
	height := box.MaxLat - box.MinLat
	width := box.MaxLon - box.MinLon

	switch d {
	case North:
		lat += height
	case South:
		lat -= height
	case East:
		lon += width
	case West:
		lon -= width
	default:
		return hash
	}
	if lat > 90 || lat < -90 {
		return hash
	}
	return Encode(lat, wrapLon(lon), len(hash))
}

// AllNeighbors returns the cell itself followed by its 8 neighbors, a 3x3
// block centered on hash.
func AllNeighbors(hash string) []string {
	n, s := Neighbor(hash, North), Neighbor(hash, South)
	return []string{
		hash,
		n,
		s,
		Neighbor(hash, East),
		Neighbor(hash, West),
		Neighbor(n, East),
		Neighbor(n, West),
		Neighbor(s, East),
		Neighbor(s, West),
	}
}

// cellSize returns the height and width in degrees of a cell of the given
// precision. Longitude receives the extra bit when 5*precision is odd.
func cellSize(precision int) (latDeg, lonDeg float64) {
	bits := 5 * precision
	lonBits := (bits + 1) / 2
	latBits := bits / 2
	return 180 / math.Pow(2, float64(latBits)), 360 / math.Pow(2, float64(lonBits))
}

func wrapLon(lon float64) float64 {
	for lon > 180 {
		lon -= 360
	}
	for lon < -180 {
		lon += 360
	}
	return lon
}

func clampLat(lat float64) float64 {
	return math.Max(-90, math.Min(90, lat))
}
