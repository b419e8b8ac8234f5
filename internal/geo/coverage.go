package geo

import (
	"math"
	"sort"
)

// kmPerDegreeLat is the length of one degree of latitude.
const kmPerDegreeLat = 111.32

// ClampPrecision forces p into [MinAreaPrecision, MaxAreaPrecision]. Out of
// range values are clamped, never rejected.
func ClampPrecision(p int) int {
	if p < MinAreaPrecision {
		return MinAreaPrecision
	}
	if p > MaxAreaPrecision {
		return MaxAreaPrecision
	}
	return p
}

// PrecisionForRadius picks the longest prefix whose cell height is still at
// least half the radius, so a handful of cells cover the circle. A larger
// radius yields a shorter prefix. The result is always within
// [MinAreaPrecision, MaxAreaPrecision]; a radius ≤0 gets the finest cell.
func PrecisionForRadius(radiusKm float64) int {
	if radiusKm <= 0 || math.IsNaN(radiusKm) {
		return MaxAreaPrecision
	}
	for p := MaxAreaPrecision; p > MinAreaPrecision; p-- {
		latDeg, _ := cellSize(p)
		if latDeg*kmPerDegreeLat >= radiusKm/2 {
			return p
		}
	}
	return MinAreaPrecision
}

// PrefixesForRadius returns the sorted, de-duplicated set of geohash prefixes
// covering the bounding box of a circle of radiusKm around (lat, lon). A
// radius ≤0 still yields the prefix of the center cell.
func PrefixesForRadius(lat, lon, radiusKm float64) []string {
	return CoverCells(lat, lon, radiusKm, PrecisionForRadius(radiusKm))
}

// CoverCells is PrefixesForRadius with an explicit precision, clamped to
// [1, MaxPrecision].
//
// Geohash cells of one precision form a regular grid, so the bounding box is
// sampled once per grid cell at the cell center: every cell the box touches
// is visited exactly once and none is skipped.
func CoverCells(lat, lon, radiusKm float64, precision int) []string {
	if precision <= 0 {
		precision = 1
	}
	if precision > MaxPrecision {
		precision = MaxPrecision
	}
	lat = clampLat(lat)
	lon = wrapLon(lon)

	seen := map[string]struct{}{Encode(lat, lon, precision): {}}
	if radiusKm > 0 && !math.IsInf(radiusKm, 1) {
		latSpan := math.Min(180, radiusKm/kmPerDegreeLat)
		lonSpan := 180.0
		if cosLat := math.Cos(lat * math.Pi / 180); cosLat > 1e-9 {
			lonSpan = math.Min(180, radiusKm/(kmPerDegreeLat*cosLat))
		}

		cellLat, cellLon := cellSize(precision)
		rows := int(math.Round(180 / cellLat))
		cols := int(math.Round(360 / cellLon))

		firstRow := gridIndex(clampLat(lat-latSpan)+90, cellLat, rows)
		lastRow := gridIndex(clampLat(lat+latSpan)+90, cellLat, rows)

		firstCol := int(math.Floor((lon - lonSpan + 180) / cellLon))
		lastCol := int(math.Floor((lon + lonSpan + 180) / cellLon))
		if lonSpan >= 180 || lastCol-firstCol+1 >= cols {
			firstCol, lastCol = 0, cols-1
		}

		for r := firstRow; r <= lastRow; r++ {
			y := -90 + (float64(r)+0.5)*cellLat
			for c := firstCol; c <= lastCol; c++ {
				col := ((c % cols) + cols) % cols
				x := -180 + (float64(col)+0.5)*cellLon
				seen[Encode(y, x, precision)] = struct{}{}
			}
		}
	}

	out := make([]string, 0, len(seen))
	for h := range seen {
		out = append(out, h)
	}
	sort.Strings(out)
	return out
}

func gridIndex(offset, size float64, n int) int {
	i := int(math.Floor(offset / size))
	if i < 0 {
		return 0
	}
	if i >= n {
		return n - 1
	}
	return i
}
