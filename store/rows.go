package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"github.com/portomove/mapmatch/model"
)

var (
	traceColumns = []string{"recording_id", "gps_index", "lon", "lat"}
	edgeColumns  = []string{"edge_id", "source_id", "geom", "min_lon", "min_lat", "max_lon", "max_lat"}
	matchColumns = []string{"edge_id", "recording_id", "gps_indices", "matched_at"}
)

// gps_index columns are INTEGER.
func checkIndex(idx int) error {
	if idx < 0 || idx > math.MaxInt32 {
		return fmt.Errorf("gps_index %d does not fit the stored integer range", idx)
	}
	return nil
}

// Only geographic coordinates are stored.
func checkSRID(srid int) error {
	if srid != model.SRIDUndefined && srid != model.SRIDWGS84 {
		return fmt.Errorf("store accepts EPSG:4326 geometry, got EPSG:%d", srid)
	}
	return nil
}

func traceRows(pts []model.TracePoint) ([][]any, error) {
	rows := make([][]any, len(pts))
	for i, p := range pts {
		if err := checkSRID(p.SRID); err != nil {
			return nil, fmt.Errorf("point %d: %w", p.Index, err)
		}
		if err := checkIndex(p.Index); err != nil {
			return nil, err
		}
		rows[i] = []any{p.RecordingID, int32(p.Index), p.Geom[0], p.Geom[1]}
	}
	return rows, nil
}

func withRecording(pts []model.TracePoint, recordingID int64) []model.TracePoint {
	out := make([]model.TracePoint, len(pts))
	for i, p := range pts {
		p.RecordingID = recordingID
		out[i] = p
	}
	return out
}

// RetryDelay is the wait before match attempt n+1 after n failures:
// one minute doubling per failure, capped at a day.
func RetryDelay(failures int) time.Duration {
	const maxDelay = 24 * time.Hour
	if failures <= 0 {
		return 0
	}
	if failures > 11 {
		return maxDelay
	}
	return min(time.Minute<<(failures-1), maxDelay)
}

func renumberEdges(edges []model.RoadEdge, after int64) []model.RoadEdge {
	out := make([]model.RoadEdge, len(edges))
	for i, e := range edges {
		e.EdgeID = after + int64(i) + 1
		out[i] = e
	}
	return out
}

func edgeRows(edges []model.RoadEdge) ([][]any, error) {
	rows := make([][]any, len(edges))
	for i, e := range edges {
		if err := checkSRID(e.SRID); err != nil {
			return nil, fmt.Errorf("edge %d: %w", e.EdgeID, err)
		}
		if len(e.Geom) < 2 {
			return nil, fmt.Errorf("edge %d: line needs at least 2 vertices", e.EdgeID)
		}
		geom, err := geojson.NewGeometry(e.Geom).MarshalJSON()
		if err != nil {
			return nil, fmt.Errorf("edge %d: %w", e.EdgeID, err)
		}
		b := e.Geom.Bound()
		rows[i] = []any{e.EdgeID, e.SourceID, json.RawMessage(geom), b.Min[0], b.Min[1], b.Max[0], b.Max[1]}
	}
	return rows, nil
}

func decodeEdgeGeom(data []byte) (orb.LineString, error) {
	g, err := geojson.UnmarshalGeometry(data)
	if err != nil {
		return nil, fmt.Errorf("decode geometry: %w", err)
	}
	ls, ok := g.Geometry().(orb.LineString)
	if !ok {
		return nil, errors.New("stored geometry is not a LineString")
	}
	return ls, nil
}

func matchRows(recordingID int64, a model.Assignment, at time.Time) ([][]any, error) {
	rows := make([][]any, 0, len(a))
	for _, m := range a {
		if m.RecordingID != recordingID {
			return nil, fmt.Errorf("edge %d belongs to recording %d, not %d", m.EdgeID, m.RecordingID, recordingID)
		}
		if len(m.Indices) == 0 {
			continue
		}
		idx := make([]int32, len(m.Indices))
		for i, v := range m.Indices {
			if err := checkIndex(v); err != nil {
				return nil, fmt.Errorf("edge %d: %w", m.EdgeID, err)
			}
			idx[i] = int32(v)
		}
		rows = append(rows, []any{m.EdgeID, recordingID, idx, at})
	}
	return rows, nil
}

func toInts(v []int32) []int {
	out := make([]int, len(v))
	for i, x := range v {
		out[i] = int(x)
	}
	return out
}
