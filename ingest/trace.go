// Package ingest parses the input feed: GPS traces from GeoJSON or GPX
// files and road edges from OSM XML, OSM PBF or encoded polylines.
//
// All parsers return geometries tagged as WGS84. Nothing is persisted here.
package ingest

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/tkrajina/gpxgo/gpx"

	"github.com/portomove/mapmatch/geo"
	"github.com/portomove/mapmatch/model"
)

// IndexProperty is the GeoJSON property holding a point's temporal index.
const IndexProperty = "gps_index"

var (
	// ErrNoPoints is returned when a trace file contains no usable points.
	ErrNoPoints = errors.New("trace contains no points")

	// ErrMixedIndexing is returned when only some GeoJSON features carry
	// an index property.
	ErrMixedIndexing = errors.New("gps_index present on some features but not others")

	// ErrUnknownFormat is returned for unrecognized file extensions.
	ErrUnknownFormat = errors.New("unknown trace format")

	// ErrDuplicateIndex is returned when two points share a gps_index.
	ErrDuplicateIndex = errors.New("duplicate gps_index")

	// ErrIndexRange is returned for a gps_index outside [0, 2^31-1].
	ErrIndexRange = errors.New("gps_index out of range")

	// ErrInvalidPoint is returned for coordinates that cannot be matched,
	// e.g. NaN or a latitude beyond the Web Mercator limit.
	ErrInvalidPoint = errors.New("invalid trace point")
)

// MaxIndex is the largest storable gps_index.
const MaxIndex = math.MaxInt32

// checkTrace rejects points the store or the matcher would refuse later.
func checkTrace(points []model.TracePoint) error {
	proj := geo.NewProjector()
	seen := make(map[int]struct{}, len(points))
	for _, p := range points {
		if p.Index < 0 || p.Index > MaxIndex {
			return fmt.Errorf("%w: %d", ErrIndexRange, p.Index)
		}
		if _, dup := seen[p.Index]; dup {
			return fmt.Errorf("%w: %d", ErrDuplicateIndex, p.Index)
		}
		seen[p.Index] = struct{}{}
		if _, err := proj.PointToMetric(p.Geom, p.SRID); err != nil {
			return fmt.Errorf("%w: gps_index %d: %v", ErrInvalidPoint, p.Index, err)
		}
	}
	return nil
}

// ParseTrace dispatches on the file extension of name.
func ParseTrace(name string, data []byte, recordingID int64) ([]model.TracePoint, error) {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".geojson", ".json":
		return ParseTraceGeoJSON(data, recordingID)
	case ".gpx":
		return ParseTraceGPX(data, recordingID)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, name)
	}
}

// ParseTraceGeoJSON reads a FeatureCollection of Point features. Each
// point's index comes from its gps_index property, either top-level or
// nested under a "properties" property. If no feature has one, feature
// order is used.
func ParseTraceGeoJSON(data []byte, recordingID int64) ([]model.TracePoint, error) {
	fc, err := geojson.UnmarshalFeatureCollection(data)
	if err != nil {
		return nil, fmt.Errorf("parse geojson: %w", err)
	}

	var (
		points  []model.TracePoint
		indexed int
	)
	for i, f := range fc.Features {
		pt, ok := f.Geometry.(orb.Point)
		if !ok {
			return nil, fmt.Errorf("feature %d: expected Point geometry, got %s", i, geometryType(f.Geometry))
		}
		idx, found, err := featureIndex(f.Properties)
		if err != nil {
			return nil, fmt.Errorf("feature %d: %w", i, err)
		}
		if found {
			indexed++
		} else {
			idx = i
		}
		points = append(points, model.TracePoint{
			RecordingID: recordingID,
			Index:       idx,
			Geom:        pt,
			SRID:        model.SRIDWGS84,
		})
	}
	if len(points) == 0 {
		return nil, ErrNoPoints
	}
	if indexed != 0 && indexed != len(points) {
		return nil, ErrMixedIndexing
	}
	if err := checkTrace(points); err != nil {
		return nil, err
	}
	return points, nil
}

func featureIndex(props geojson.Properties) (int, bool, error) {
	v, ok := props[IndexProperty]
	if !ok {
		nested, isMap := props["properties"].(map[string]any)
		if !isMap {
			return 0, false, nil
		}
		if v, ok = nested[IndexProperty]; !ok {
			return 0, false, nil
		}
	}
	switch n := v.(type) {
	case float64:
		if n != math.Trunc(n) {
			return 0, false, fmt.Errorf("%s %v is not an integer", IndexProperty, n)
		}
		if n < 0 || n > MaxIndex {
			return 0, false, fmt.Errorf("%w: %v", ErrIndexRange, n)
		}
		return int(n), true, nil
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, false, fmt.Errorf("%s: %w", IndexProperty, err)
		}
		if i < 0 || i > MaxIndex {
			return 0, false, fmt.Errorf("%w: %d", ErrIndexRange, i)
		}
		return int(i), true, nil
	default:
		return 0, false, fmt.Errorf("%s has unsupported type %T", IndexProperty, v)
	}
}

func geometryType(g orb.Geometry) string {
	if g == nil {
		return "null"
	}
	return g.GeoJSONType()
}

// ParseTraceGPX reads every track point of every track and segment, then
// waypoints if there are no tracks. Index is the order of appearance.
func ParseTraceGPX(data []byte, recordingID int64) ([]model.TracePoint, error) {
	g, err := gpx.ParseBytes(data)
	if err != nil {
		return nil, fmt.Errorf("parse gpx: %w", err)
	}

	var points []model.TracePoint
	add := func(lat, lon float64) {
		points = append(points, model.TracePoint{
			RecordingID: recordingID,
			Index:       len(points),
			Geom:        orb.Point{lon, lat},
			SRID:        model.SRIDWGS84,
		})
	}
	for _, trk := range g.Tracks {
		for _, seg := range trk.Segments {
			for _, p := range seg.Points {
				add(p.Latitude, p.Longitude)
			}
		}
	}
	if len(points) == 0 {
		for _, w := range g.Waypoints {
			add(w.Latitude, w.Longitude)
		}
	}
	if len(points) == 0 {
		return nil, ErrNoPoints
	}
	if err := checkTrace(points); err != nil {
		return nil, err
	}
	return points, nil
}

// Bound returns the bounding box of a trace in lon/lat.
func Bound(points []model.TracePoint) orb.Bound {
	mp := make(orb.MultiPoint, len(points))
	for i, p := range points {
		mp[i] = p.Geom
	}
	return mp.Bound()
}
