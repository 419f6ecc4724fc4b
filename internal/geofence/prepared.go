package geofence

import (
	"sort"
	"time"

	"github.com/yegors/airspace-billing/internal/geo"
)

const boundaryEpsilon = 1e-12

// edge is a polygon side in (lon=x, lat=y) space, oriented so that y1 <= y2.
type edge struct {
	x1, y1, x2, y2 float64
}

func (e edge) xAt(y float64) float64 {
	if e.y2 == e.y1 {
		return e.x1
	}
	return e.x1 + (y-e.y1)*(e.x2-e.x1)/(e.y2-e.y1)
}

// Handle is a prepared, immutable boundary. Its rings are cut into horizontal
// slabs at every vertex latitude; each slab keeps the edges spanning it sorted
// by longitude, so a containment test is two binary searches.
//
// Points on the boundary (edges and vertices) are not contained.
type Handle struct {
	Name     string
	Source   string
	Vertices int
	Rings    int
	BuiltAt  time.Time

	ys          []float64
	slabs       [][]edge
	horizontals map[int][]edge
}

// Prepare builds a Handle from a boundary.
func Prepare(b Boundary, source string) (*Handle, error) {
	rings, err := b.normalizedRings()
	if err != nil {
		return nil, &GeometryError{Source: source, Err: err}
	}

	var vertices int
	seen := make(map[float64]struct{})
	ys := make([]float64, 0)
	for _, ring := range rings {
		vertices += len(ring)
		for _, p := range ring {
			if _, ok := seen[p.Lat]; !ok {
				seen[p.Lat] = struct{}{}
				ys = append(ys, p.Lat)
			}
		}
	}
	sort.Float64s(ys)

	h := &Handle{
		Name:        b.Name,
		Source:      source,
		Vertices:    vertices,
		Rings:       len(rings),
		BuiltAt:     time.Now().UTC(),
		ys:          ys,
		slabs:       make([][]edge, len(ys)-1),
		horizontals: make(map[int][]edge),
	}
	for _, ring := range rings {
		h.addRing(ring)
	}

	for s, edges := range h.slabs {
		mid := (ys[s] + ys[s+1]) / 2
		sort.Slice(edges, func(i, j int) bool {
			return edges[i].xAt(mid) < edges[j].xAt(mid)
		})
	}

	return h, nil
}

func (h *Handle) addRing(ring []geo.Point) {
	for i := range ring {
		a, c := ring[i], ring[(i+1)%len(ring)]
		e := edge{x1: a.Lon, y1: a.Lat, x2: c.Lon, y2: c.Lat}
		if e.y1 > e.y2 {
			e = edge{x1: c.Lon, y1: c.Lat, x2: a.Lon, y2: a.Lat}
		}

		lo := sort.SearchFloat64s(h.ys, e.y1)
		if e.y1 == e.y2 {
			if e.x1 > e.x2 {
				e.x1, e.x2 = e.x2, e.x1
			}
			h.horizontals[lo] = append(h.horizontals[lo], e)
			continue
		}
		hi := sort.SearchFloat64s(h.ys, e.y2)
		for s := lo; s < hi; s++ {
			h.slabs[s] = append(h.slabs[s], e)
		}
	}
}

// Contains reports whether (lat, lon) lies strictly inside the boundary.
func (h *Handle) Contains(lat, lon float64) bool {
	if h == nil || len(h.ys) < 2 {
		return false
	}
	if lat < h.ys[0] || lat > h.ys[len(h.ys)-1] {
		return false
	}
	if h.onBoundary(lat, lon) {
		return false
	}

	i := sort.SearchFloat64s(h.ys, lat)
	s := i - 1
	if h.ys[i] == lat {
		s = i
	}
	if s < 0 || s >= len(h.slabs) {
		return false
	}

	// Edges are ordered by longitude within the slab, so the ones crossing a
	// ray cast east of the point form a suffix.
	edges := h.slabs[s]
	k := sort.Search(len(edges), func(j int) bool {
		return edges[j].xAt(lat) > lon
	})
	return (len(edges)-k)%2 == 1
}

func (h *Handle) onBoundary(lat, lon float64) bool {
	i := sort.SearchFloat64s(h.ys, lat)
	exact := i < len(h.ys) && h.ys[i] == lat

	if exact {
		for _, e := range h.horizontals[i] {
			if lon >= e.x1-boundaryEpsilon && lon <= e.x2+boundaryEpsilon {
				return true
			}
		}
	}

	candidates := [2]int{i - 1, i}
	for _, s := range candidates {
		if s < 0 || s >= len(h.slabs) {
			continue
		}
		if !exact && s != i-1 {
			continue
		}
		edges := h.slabs[s]
		j := sort.Search(len(edges), func(j int) bool {
			return edges[j].xAt(lat) >= lon-boundaryEpsilon
		})
		if j < len(edges) && edges[j].xAt(lat) <= lon+boundaryEpsilon {
			return true
		}
	}
	return false
}
