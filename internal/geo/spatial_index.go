package geo

import (
	"sort"
	"sync"
)

// Hit is an indexed item paired with its distance from a search point.
type Hit struct {
	ID         string
	Lat, Lon   float64
	DistanceKm float64
}

type point struct {
	lat, lon float64
	cell     string
}

// SpatialIndex buckets item positions by geohash cell so a proximity search
// only scans the cells covering the search circle instead of every item.
// A secondary id → cell map makes moves and removals O(1).
type SpatialIndex struct {
	mu        sync.RWMutex
	precision int
	cells     map[string]map[string]struct{} // geohash -> ids
	points    map[string]point               // id -> position
}

// NewSpatialIndex creates an empty spatial index bucketing at the given
// geohash precision.
func NewSpatialIndex(precision int) *SpatialIndex {
	if precision <= 0 {
		precision = DefaultPrecision
	}
	return &SpatialIndex{
		precision: precision,
		cells:     make(map[string]map[string]struct{}),
		points:    make(map[string]point),
	}
}

// Put inserts id at (lat, lon), moving it between cells if it was already
// indexed elsewhere.
func (s *SpatialIndex) Put(id string, lat, lon float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cell := Encode(lat, lon, s.precision)
	if prev, ok := s.points[id]; ok && prev.cell != cell {
		s.removeFromCell(id, prev.cell)
	}
	if _, ok := s.cells[cell]; !ok {
		s.cells[cell] = make(map[string]struct{})
	}
	s.cells[cell][id] = struct{}{}
	s.points[id] = point{lat: lat, lon: lon, cell: cell}
}

// Remove drops id from the index. Unknown ids are ignored.
func (s *SpatialIndex) Remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if prev, ok := s.points[id]; ok {
		s.removeFromCell(id, prev.cell)
		delete(s.points, id)
	}
}

func (s *SpatialIndex) removeFromCell(id, cell string) {
	ids := s.cells[cell]
	delete(ids, id)
	if len(ids) == 0 {
		delete(s.cells, cell)
	}
}

// Reset empties the index.
func (s *SpatialIndex) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cells = make(map[string]map[string]struct{})
	s.points = make(map[string]point)
}

// Nearby returns every item within radiusKm of (lat, lon), nearest first.
//
// Coarse filter: only cells covering the search circle are visited. A radius
// much larger than a bucket is covered with shorter prefixes and matched
// against bucket prefixes instead.
// Fine filter: each candidate is checked with the exact haversine distance.
func (s *SpatialIndex) Nearby(lat, lon, radiusKm float64) []Hit {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var hits []Hit
	collect := func(ids map[string]struct{}) {
		for id := range ids {
			p := s.points[id]
			d := HaversineDistance(lat, lon, p.lat, p.lon)
			if d <= radiusKm {
				hits = append(hits, Hit{ID: id, Lat: p.lat, Lon: p.lon, DistanceKm: d})
			}
		}
	}

	qp := s.precision
	if p := PrecisionForRadius(radiusKm); p < qp {
		qp = p
	}
	cover := CoverCells(lat, lon, radiusKm, qp)
	if qp == s.precision {
		for _, cell := range cover {
			collect(s.cells[cell])
		}
	} else {
		wanted := make(map[string]struct{}, len(cover))
		for _, c := range cover {
			wanted[c] = struct{}{}
		}
		for cell, ids := range s.cells {
			if _, ok := wanted[cell[:qp]]; ok {
				collect(ids)
			}
		}
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].DistanceKm == hits[j].DistanceKm {
			return hits[i].ID < hits[j].ID
		}
		return hits[i].DistanceKm < hits[j].DistanceKm
	})
	return hits
}

// Count returns the number of indexed items.
func (s *SpatialIndex) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.points)
}
