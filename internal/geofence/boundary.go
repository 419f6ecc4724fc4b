package geofence

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/tidwall/gjson"
	"github.com/yegors/airspace-billing/internal/geo"
)

// Boundary describes controlled airspace as one or more rings. Outer rings,
// holes and the parts of a multipolygon are all listed in Rings; a point is
// inside when it lies within an odd number of them. Rings must not cross each
// other and do not need to repeat their first vertex.
type Boundary struct {
	Name  string
	Rings [][]geo.Point
}

// GeometryError reports a boundary that could not be loaded or prepared.
type GeometryError struct {
	Source string
	Err    error
}

func (e *GeometryError) Error() string {
	return fmt.Sprintf("geometry error (%s): %v", e.Source, e.Err)
}

func (e *GeometryError) Unwrap() error { return e.Err }

// Source provides the authoritative boundary polygon.
type Source interface {
	LoadBoundary(ctx context.Context) (Boundary, error)
}

// StaticSource serves a fixed boundary.
type StaticSource struct {
	Boundary Boundary
}

func (s StaticSource) LoadBoundary(context.Context) (Boundary, error) {
	return s.Boundary, nil
}

// FileSource reads a GeoJSON Feature, FeatureCollection or bare Polygon /
// MultiPolygon geometry from disk.
type FileSource struct {
	Path string
}

func (s FileSource) LoadBoundary(ctx context.Context) (Boundary, error) {
	data, err := os.ReadFile(s.Path)
	if err != nil {
		return Boundary{}, fmt.Errorf("failed to read boundary file: %w", err)
	}
	return ParseGeoJSON(data)
}

// ParseGeoJSON reads a Polygon or MultiPolygon, bare or wrapped in a Feature.
// Of a FeatureCollection only the first feature is used. Holes and every part
// of a multipolygon are kept.
func ParseGeoJSON(data []byte) (Boundary, error) {
	if !gjson.ValidBytes(data) {
		return Boundary{}, errors.New("boundary is not valid JSON")
	}

	var (
		name string
		geom orb.Geometry
	)
	switch gjson.GetBytes(data, "type").String() {
	case "FeatureCollection":
		fc, err := geojson.UnmarshalFeatureCollection(data)
		if err != nil {
			return Boundary{}, fmt.Errorf("invalid feature collection: %w", err)
		}
		if len(fc.Features) == 0 {
			return Boundary{}, errors.New("feature collection is empty")
		}
		name = fc.Features[0].Properties.MustString("name", "")
		geom = fc.Features[0].Geometry
	case "Feature":
		f, err := geojson.UnmarshalFeature(data)
		if err != nil {
			return Boundary{}, fmt.Errorf("invalid feature: %w", err)
		}
		name = f.Properties.MustString("name", "")
		geom = f.Geometry
	default:
		g, err := geojson.UnmarshalGeometry(data)
		if err != nil {
			return Boundary{}, fmt.Errorf("invalid geometry: %w", err)
		}
		geom = g.Geometry()
	}

	rings, err := ringsOf(geom)
	if err != nil {
		return Boundary{}, err
	}
	return Boundary{Name: name, Rings: rings}, nil
}

func ringsOf(g orb.Geometry) ([][]geo.Point, error) {
	var polygons []orb.Polygon
	switch v := g.(type) {
	case orb.Polygon:
		polygons = []orb.Polygon{v}
	case orb.MultiPolygon:
		polygons = v
	case nil:
		return nil, errors.New("feature has no geometry")
	default:
		return nil, fmt.Errorf("unsupported geometry type %q", g.GeoJSONType())
	}

	var rings [][]geo.Point
	for _, poly := range polygons {
		for _, r := range poly {
			ring := make([]geo.Point, len(r))
			for i, p := range r {
				ring[i] = geo.Point{Lon: p.Lon(), Lat: p.Lat()}
			}
			rings = append(rings, ring)
		}
	}
	if len(rings) == 0 {
		return nil, errors.New("polygon has no outer ring")
	}
	return rings, nil
}

// normalizedRings validates every ring and strips closing vertices and
// consecutive duplicates.
func (b Boundary) normalizedRings() ([][]geo.Point, error) {
	if len(b.Rings) == 0 {
		return nil, errors.New("boundary has no rings")
	}
	out := make([][]geo.Point, 0, len(b.Rings))
	for i, r := range b.Rings {
		ring, err := normalizeRing(r)
		if err != nil {
			if len(b.Rings) > 1 {
				err = fmt.Errorf("ring %d: %w", i, err)
			}
			return nil, err
		}
		out = append(out, ring)
	}
	return out, nil
}

func normalizeRing(in []geo.Point) ([]geo.Point, error) {
	ring := make([]geo.Point, 0, len(in))
	for _, p := range in {
		if !geo.ValidLatLon(p.Lat, p.Lon) {
			return nil, fmt.Errorf("vertex out of range: lat=%v lon=%v", p.Lat, p.Lon)
		}
		if n := len(ring); n > 0 && ring[n-1] == p {
			continue
		}
		ring = append(ring, p)
	}
	if n := len(ring); n > 1 && ring[0] == ring[n-1] {
		ring = ring[:n-1]
	}
	if len(ring) < 3 {
		return nil, fmt.Errorf("polygon needs at least 3 distinct vertices, got %d", len(ring))
	}
	if math.Abs(signedArea(ring)) == 0 {
		return nil, errors.New("polygon has zero area")
	}
	return ring, nil
}

func signedArea(ring []geo.Point) float64 {
	var sum float64
	for i := range ring {
		j := (i + 1) % len(ring)
		sum += ring[i].Lon*ring[j].Lat - ring[j].Lon*ring[i].Lat
	}
	return sum / 2
}

// Builtin returns the compiled-in national boundary used when the configured
// source is unavailable.
func Builtin() Boundary {
	coords := [][2]float64{
		{12.2, -5.9}, {12.5, -4.6}, {13.1, -4.5}, {14.0, -4.4},
		{15.8, -4.0}, {16.2, -2.0}, {16.5, -1.0}, {17.8, -0.5},
		{18.5, 2.0}, {19.5, 3.0}, {21.0, 4.0}, {24.0, 5.5},
		{27.4, 5.0}, {28.0, 4.5}, {29.0, 4.3}, {29.5, 3.0},
		{29.8, 1.5}, {29.6, -1.0}, {29.2, -1.5}, {29.0, -2.8},
		{29.5, -4.5}, {29.0, -6.0}, {30.5, -8.0}, {30.0, -10.0},
		{28.5, -11.0}, {27.5, -12.0}, {25.0, -12.5}, {22.0, -13.0},
		{21.5, -12.0}, {20.0, -11.0}, {18.0, -9.5}, {16.0, -8.0},
		{13.0, -6.5}, {12.2, -5.9},
	}
	ring := make([]geo.Point, len(coords))
	for i, c := range coords {
		ring[i] = geo.Point{Lon: c[0], Lat: c[1]}
	}
	return Boundary{Name: "builtin", Rings: [][]geo.Point{ring}}
}
