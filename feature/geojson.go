// Package feature renders matched segments for clients, either as a GeoJSON
// FeatureCollection or as Google encoded polylines.
package feature

import (
	"fmt"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	polyline "github.com/twpayne/go-polyline"

	"github.com/portomove/mapmatch/model"
)

// SinglePointNote annotates Point features built from one-point runs.
const SinglePointNote = "only one GPS point matched"

// Collection converts segments into a FeatureCollection. Line segments
// become LineString features with edge_id, recording_id, start_index and
// end_index properties; single-point segments become Point features with
// gps_index and note.
func Collection(segs []model.MatchedSegment) *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()
	for _, s := range segs {
		fc.Append(Feature(s))
	}
	return fc
}

// Feature converts one segment.
func Feature(s model.MatchedSegment) *geojson.Feature {
	if s.Single {
		f := geojson.NewFeature(s.Points[0])
		f.Properties["edge_id"] = s.EdgeID
		f.Properties["recording_id"] = s.RecordingID
		f.Properties["gps_index"] = s.StartIndex
		f.Properties["note"] = SinglePointNote
		return f
	}
	f := geojson.NewFeature(s.LineString())
	f.Properties["edge_id"] = s.EdgeID
	f.Properties["recording_id"] = s.RecordingID
	f.Properties["start_index"] = s.StartIndex
	f.Properties["end_index"] = s.EndIndex
	return f
}

// Marshal renders segments as GeoJSON bytes.
func Marshal(segs []model.MatchedSegment) ([]byte, error) {
	data, err := Collection(segs).MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("marshal feature collection: %w", err)
	}
	return data, nil
}

// EncodedSegment is a segment with its geometry as an encoded polyline.
type EncodedSegment struct {
	EdgeID      int64  `json:"edge_id"`
	RecordingID int64  `json:"recording_id"`
	StartIndex  int    `json:"start_index"`
	EndIndex    int    `json:"end_index"`
	Polyline    string `json:"polyline"`
}

// Polylines encodes every multi-point segment. Single-point segments are
// skipped since a polyline needs two vertices to draw.
func Polylines(segs []model.MatchedSegment) []EncodedSegment {
	out := make([]EncodedSegment, 0, len(segs))
	for _, s := range segs {
		if s.Single {
			continue
		}
		out = append(out, EncodedSegment{
			EdgeID:      s.EdgeID,
			RecordingID: s.RecordingID,
			StartIndex:  s.StartIndex,
			EndIndex:    s.EndIndex,
			Polyline:    EncodePolyline(s.Points),
		})
	}
	return out
}

// EncodePolyline encodes lon/lat points as a precision-5 polyline.
func EncodePolyline(pts []orb.Point) string {
	coords := make([][]float64, len(pts))
	for i, p := range pts {
		// polyline order is [lat, lon]
		coords[i] = []float64{p[1], p[0]}
	}
	return string(polyline.EncodeCoords(coords))
}

// DecodePolyline decodes a precision-5 polyline into lon/lat points.
func DecodePolyline(s string) (orb.LineString, error) {
	coords, _, err := polyline.DecodeCoords([]byte(s))
	if err != nil {
		return nil, fmt.Errorf("decode polyline: %w", err)
	}
	ls := make(orb.LineString, len(coords))
	for i, c := range coords {
		ls[i] = orb.Point{c[1], c[0]}
	}
	return ls, nil
}
