package methods

import (
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkb"
	"github.com/paulmach/orb/geo"
	"github.com/paulmach/orb/planar"

	"github.com/cocoatrack/GeoParcel/models"
)

// GeometryService groups every coordinate-level computation of the import
// pipeline. All methods are deterministic and side-effect free; orb
// geometries are strictly 2D, so any Z ordinate is dropped by the parsers
// before geometry reaches this service.
type GeometryService struct{}

func NewGeometryService() *GeometryService {
	return &GeometryService{}
}

// RepairResult is the explicit outcome of TryFixGeometry: callers must handle
// the failure branch instead of testing a nil geometry.
type RepairResult struct {
	OK     bool
	Geom   orb.MultiPolygon
	Reason string
}

// NormalizeToMultiPolygon wraps a single polygon as a one-element
// multipolygon and passes multipolygons through unchanged, so that a polygon
// and its one-element multipolygon equivalent hash identically.
func (s *GeometryService) NormalizeToMultiPolygon(geometry orb.Geometry) (orb.MultiPolygon, error) {
	switch g := geometry.(type) {
	case orb.Polygon:
		return orb.MultiPolygon{g}, nil
	case orb.MultiPolygon:
		return g, nil
	default:
		return nil, models.NewImportError(models.ErrCodeUnsupportedGeometry,
			"only Polygon and MultiPolygon geometries are supported",
			map[string]interface{}{"geometry_type": geometry.GeoJSONType()})
	}
}

func (s *GeometryService) IsEmptyGeometry(geometry orb.MultiPolygon) bool {
	for _, polygon := range geometry {
		for _, ring := range polygon {
			if len(ring) > 0 {
				return false
			}
		}
	}
	return true
}

// ValidateCoordinates reports whether every coordinate falls inside the WGS84
// lon/lat envelope. A violation is the proxy signal for a projected
// coordinate system (UTM/Lambert-type magnitudes); it is advisory, never a
// reason to reject a feature. The first offending point is returned for
// diagnostics.
func (s *GeometryService) ValidateCoordinates(geometry orb.MultiPolygon) (bool, orb.Point) {
	for _, polygon := range geometry {
		for _, ring := range polygon {
			for _, pt := range ring {
				if pt[0] < -180 || pt[0] > 180 || pt[1] < -90 || pt[1] > 90 {
					return false, pt
				}
			}
		}
	}
	return true, orb.Point{}
}

// IsValidGeometry checks structural validity: every ring closed, at least
// four points, non-zero area, and no ring self-intersection.
func (s *GeometryService) IsValidGeometry(geometry orb.MultiPolygon) bool {
	if s.IsEmptyGeometry(geometry) {
		return false
	}
	for _, polygon := range geometry {
		for _, ring := range polygon {
			if !ringIsValid(ring) {
				return false
			}
		}
	}
	return true
}

// TryFixGeometry attempts a topology-preserving repair: consecutive duplicate
// points are dropped, open rings closed, degenerate rings removed, and a ring
// with a single self-crossing is split into two simple rings at the crossing
// point. If the result is still invalid the feature is unusable.
func (s *GeometryService) TryFixGeometry(geometry orb.MultiPolygon) RepairResult {
	var repaired orb.MultiPolygon

	for _, polygon := range geometry {
		var rings []orb.Ring
		for ringIndex, ring := range polygon {
			cleaned := cleanRing(ring)
			if len(cleaned) < 4 {
				if ringIndex == 0 {
					// Shell collapsed; the whole polygon is gone.
					rings = nil
					break
				}
				continue
			}
			if ringSelfIntersects(cleaned) {
				split, ok := splitBowtie(cleaned)
				if !ok {
					return RepairResult{OK: false, Reason: "ring self-intersection could not be repaired"}
				}
				if ringIndex == 0 {
					// A split shell becomes two polygons.
					for _, piece := range split {
						if len(piece) >= 4 && !ringSelfIntersects(piece) {
							repaired = append(repaired, orb.Polygon{piece})
						}
					}
					rings = nil
					break
				}
				// Split holes are dropped rather than guessed at.
				continue
			}
			rings = append(rings, cleaned)
		}
		if len(rings) > 0 {
			repaired = append(repaired, orb.Polygon(rings))
		}
	}

	if !s.IsValidGeometry(repaired) {
		return RepairResult{OK: false, Reason: "geometry is degenerate after repair"}
	}
	return RepairResult{OK: true, Geom: repaired}
}

// CalculateAreaHa computes the geodesic surface of the geometry in hectares,
// rounded to 4 decimal places.
func (s *GeometryService) CalculateAreaHa(geometry orb.MultiPolygon) float64 {
	areaM2 := math.Abs(geo.Area(geometry))
	ha := areaM2 / 10000
	return math.Round(ha*10000) / 10000
}

// CalculateCentroid returns a representative point guaranteed to lie inside
// the geometry. The area centroid is used when it falls inside; for concave
// shapes where it does not, the midpoint of the widest interior slice at the
// centroid latitude is taken instead.
func (s *GeometryService) CalculateCentroid(geometry orb.MultiPolygon) orb.Point {
	centroid, _ := planar.CentroidArea(geometry)
	if planar.MultiPolygonContains(geometry, centroid) {
		return centroid
	}
	return pointOnSurface(geometry, centroid[1])
}

// ComputeFeatureHash hashes the WKB serialization of the normalized geometry.
// Hashing failures are reported as an error so the orchestrator can count the
// feature as failed without aborting the batch.
func (s *GeometryService) ComputeFeatureHash(geometry orb.MultiPolygon) (string, error) {
	if s.IsEmptyGeometry(geometry) {
		return "", models.NewImportError(models.ErrCodeEmptyGeometry,
			"cannot hash an empty geometry", nil)
	}
	data, err := wkb.Marshal(geometry)
	if err != nil {
		return "", models.NewImportError(models.ErrCodeInternal,
			"failed to serialize geometry for hashing",
			map[string]interface{}{"cause": err.Error()})
	}
	return Sha256Hex(data), nil
}

func ringIsValid(ring orb.Ring) bool {
	if len(ring) < 4 {
		return false
	}
	if !ring.Closed() {
		return false
	}
	if math.Abs(planar.Area(ring)) == 0 {
		return false
	}
	return !ringSelfIntersects(ring)
}

// cleanRing drops consecutive duplicate points and closes the ring.
func cleanRing(ring orb.Ring) orb.Ring {
	if len(ring) == 0 {
		return ring
	}
	cleaned := orb.Ring{ring[0]}
	for _, pt := range ring[1:] {
		if pt != cleaned[len(cleaned)-1] {
			cleaned = append(cleaned, pt)
		}
	}
	if len(cleaned) >= 3 && cleaned[0] != cleaned[len(cleaned)-1] {
		cleaned = append(cleaned, cleaned[0])
	}
	return cleaned
}

// ringSelfIntersects tests every pair of non-adjacent segments.
func ringSelfIntersects(ring orb.Ring) bool {
	n := len(ring) - 1
	for i := 0; i < n; i++ {
		for j := i + 2; j < n; j++ {
			// The first and last segments share the closing point.
			if i == 0 && j == n-1 {
				continue
			}
			if _, ok := segmentIntersection(ring[i], ring[i+1], ring[j], ring[j+1]); ok {
				return true
			}
		}
	}
	return false
}

// segmentIntersection returns the proper crossing point of two segments.
// Shared endpoints and collinear overlaps do not count.
func segmentIntersection(a1, a2, b1, b2 orb.Point) (orb.Point, bool) {
	d1 := orb.Point{a2[0] - a1[0], a2[1] - a1[1]}
	d2 := orb.Point{b2[0] - b1[0], b2[1] - b1[1]}
	denom := d1[0]*d2[1] - d1[1]*d2[0]
	if denom == 0 {
		return orb.Point{}, false
	}
	t := ((b1[0]-a1[0])*d2[1] - (b1[1]-a1[1])*d2[0]) / denom
	u := ((b1[0]-a1[0])*d1[1] - (b1[1]-a1[1])*d1[0]) / denom
	const eps = 1e-12
	if t <= eps || t >= 1-eps || u <= eps || u >= 1-eps {
		return orb.Point{}, false
	}
	return orb.Point{a1[0] + t*d1[0], a1[1] + t*d1[1]}, true
}

// splitBowtie repairs a ring with exactly one self-crossing by splitting it
// into two simple rings at the crossing point.
func splitBowtie(ring orb.Ring) ([]orb.Ring, bool) {
	n := len(ring) - 1
	type crossing struct {
		i, j  int
		point orb.Point
	}
	var found []crossing
	for i := 0; i < n; i++ {
		for j := i + 2; j < n; j++ {
			if i == 0 && j == n-1 {
				continue
			}
			if pt, ok := segmentIntersection(ring[i], ring[i+1], ring[j], ring[j+1]); ok {
				found = append(found, crossing{i, j, pt})
			}
		}
	}
	if len(found) != 1 {
		return nil, false
	}

	c := found[0]
	var first orb.Ring
	first = append(first, c.point)
	first = append(first, ring[c.i+1:c.j+1]...)
	first = append(first, c.point)

	var second orb.Ring
	second = append(second, c.point)
	second = append(second, ring[c.j+1:n]...)
	second = append(second, ring[0:c.i+1]...)
	second = append(second, c.point)

	first = cleanRing(first)
	second = cleanRing(second)
	if len(first) < 4 || len(second) < 4 {
		return nil, false
	}
	return []orb.Ring{first, second}, true
}

// pointOnSurface scans the widest horizontal slice of the geometry at the
// given latitude and returns its midpoint.
func pointOnSurface(geometry orb.MultiPolygon, lat float64) orb.Point {
	var crossings []float64
	for _, polygon := range geometry {
		for _, ring := range polygon {
			for i := 0; i < len(ring)-1; i++ {
				p1, p2 := ring[i], ring[i+1]
				if (p1[1] <= lat && p2[1] > lat) || (p2[1] <= lat && p1[1] > lat) {
					x := p1[0] + (lat-p1[1])/(p2[1]-p1[1])*(p2[0]-p1[0])
					crossings = append(crossings, x)
				}
			}
		}
	}
	if len(crossings) < 2 {
		centroid, _ := planar.CentroidArea(geometry)
		return centroid
	}
	sortFloats(crossings)

	bestWidth := -1.0
	best := orb.Point{crossings[0], lat}
	for i := 0; i+1 < len(crossings); i += 2 {
		width := crossings[i+1] - crossings[i]
		if width > bestWidth {
			bestWidth = width
			best = orb.Point{(crossings[i] + crossings[i+1]) / 2, lat}
		}
	}
	return best
}

func sortFloats(values []float64) {
	for i := 1; i < len(values); i++ {
		for j := i; j > 0 && values[j] < values[j-1]; j-- {
			values[j], values[j-1] = values[j-1], values[j]
		}
	}
}
