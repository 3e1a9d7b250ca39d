// Package geo reprojects geometries between the geographic frame
// (EPSG:4326, degrees) and the metric frame (EPSG:3857, Web Mercator)
// used for distance thresholds and nearest-edge search.
package geo

import (
	"fmt"
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
	"github.com/paulmach/orb/project"

	"github.com/portomove/mapmatch/model"
)

// MaxMercatorLat is the latitude at which Web Mercator becomes square.
const MaxMercatorLat = 85.05112878

// Half the Web Mercator world width in meters.
const mercatorExtent = 20037508.342789244

// Projector converts geometries to and from the metric frame. DefaultSRID is
// applied to inputs whose SRID is model.SRIDUndefined.
type Projector struct {
	DefaultSRID int
}

// NewProjector returns a Projector that assumes WGS84 for untagged input.
func NewProjector() Projector {
	return Projector{DefaultSRID: model.SRIDWGS84}
}

func (p Projector) resolve(srid int) (int, error) {
	if srid == model.SRIDUndefined {
		srid = p.DefaultSRID
	}
	switch srid {
	case model.SRIDWGS84, model.SRIDWebMercator:
		return srid, nil
	default:
		return 0, &UnsupportedCRSError{SRID: srid}
	}
}

// PointToMetric returns pt expressed in EPSG:3857.
func (p Projector) PointToMetric(pt orb.Point, srid int) (orb.Point, error) {
	srid, err := p.resolve(srid)
	if err != nil {
		return orb.Point{}, err
	}
	if reason := validate(pt, srid); reason != "" {
		return orb.Point{}, &InvalidGeometryError{Kind: "point", Reason: reason}
	}
	if srid == model.SRIDWebMercator {
		return pt, nil
	}
	return project.Point(pt, project.WGS84.ToMercator), nil
}

// PointToGeographic returns pt expressed in EPSG:4326.
func (p Projector) PointToGeographic(pt orb.Point, srid int) (orb.Point, error) {
	srid, err := p.resolve(srid)
	if err != nil {
		return orb.Point{}, err
	}
	if reason := validate(pt, srid); reason != "" {
		return orb.Point{}, &InvalidGeometryError{Kind: "point", Reason: reason}
	}
	if srid == model.SRIDWGS84 {
		return pt, nil
	}
	return project.Point(pt, project.Mercator.ToWGS84), nil
}

// LineToMetric returns a copy of ls in EPSG:3857. Vertex order and count are
// preserved.
func (p Projector) LineToMetric(ls orb.LineString, srid int) (orb.LineString, error) {
	return p.line(ls, srid, model.SRIDWebMercator, project.WGS84.ToMercator)
}

// LineToGeographic returns a copy of ls in EPSG:4326.
func (p Projector) LineToGeographic(ls orb.LineString, srid int) (orb.LineString, error) {
	return p.line(ls, srid, model.SRIDWGS84, project.Mercator.ToWGS84)
}

func (p Projector) line(ls orb.LineString, srid, target int, proj orb.Projection) (orb.LineString, error) {
	srid, err := p.resolve(srid)
	if err != nil {
		return nil, err
	}
	if len(ls) == 0 {
		return nil, &InvalidGeometryError{Kind: "linestring", Reason: "empty"}
	}
	if len(ls) < 2 {
		return nil, &InvalidGeometryError{Kind: "linestring", Reason: "fewer than 2 vertices"}
	}
	for i, v := range ls {
		if reason := validate(v, srid); reason != "" {
			return nil, &InvalidGeometryError{Kind: "linestring", Reason: fmt.Sprintf("vertex %d: %s", i, reason)}
		}
	}
	out := ls.Clone()
	if srid == target {
		return out, nil
	}
	// project.LineString rewrites in place, hence the clone above.
	return project.LineString(out, proj), nil
}

// validate returns a non-empty reason when pt is not a usable coordinate in
// the given frame.
func validate(pt orb.Point, srid int) string {
	x, y := pt[0], pt[1]
	if math.IsNaN(x) || math.IsNaN(y) || math.IsInf(x, 0) || math.IsInf(y, 0) {
		return "non-finite coordinate"
	}
	switch srid {
	case model.SRIDWGS84:
		if x < -180 || x > 180 {
			return fmt.Sprintf("longitude %g out of range", x)
		}
		if y < -MaxMercatorLat || y > MaxMercatorLat {
			return fmt.Sprintf("latitude %g outside projectable range", y)
		}
	case model.SRIDWebMercator:
		if math.Abs(x) > mercatorExtent || math.Abs(y) > mercatorExtent {
			return fmt.Sprintf("(%g, %g) outside EPSG:3857 bounds", x, y)
		}
	}
	return ""
}

// GroundScale returns the factor that converts a Web Mercator distance near
// latitude lat (degrees) into ground meters.
func GroundScale(lat float64) float64 {
	return math.Cos(lat * math.Pi / 180)
}

// LatOfMetric returns the latitude in degrees of a metric-frame point.
func LatOfMetric(pt orb.Point) float64 {
	return project.Mercator.ToWGS84(pt)[1]
}

// Distance returns the planar distance between pt and the nearest point of
// ls. Both must already be in the same frame.
func Distance(pt orb.Point, ls orb.LineString) float64 {
	if len(ls) == 1 {
		return planar.Distance(pt, ls[0])
	}
	return planar.DistanceFrom(ls, pt)
}
