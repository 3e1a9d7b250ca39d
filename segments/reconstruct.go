// Package segments rebuilds rendered polylines from matched trace-point
// indices.
//
// A vehicle can traverse the same edge more than once, so the indices
// matched to an edge are split wherever they stop being consecutive and
// each visit becomes its own segment.
package segments

import (
	"sort"

	"github.com/paulmach/orb"

	"github.com/portomove/mapmatch/model"
)

// Options configures reconstruction.
type Options struct {
	// EmitSinglePoints keeps one-point runs as Single segments instead of
	// dropping them.
	EmitSinglePoints bool
}

// PointLookup resolves a trace-point index to its geometry.
type PointLookup interface {
	Point(index int) (orb.Point, bool)
}

// PointMap is a PointLookup backed by a map.
type PointMap map[int]orb.Point

// Point implements PointLookup.
func (m PointMap) Point(index int) (orb.Point, bool) {
	p, ok := m[index]
	return p, ok
}

// LookupFromTrace indexes trace points by their Index.
func LookupFromTrace(points []model.TracePoint) PointMap {
	m := make(PointMap, len(points))
	for _, p := range points {
		m[p.Index] = p.Geom
	}
	return m
}

// Run is a maximal block of consecutive indices, bounds inclusive.
type Run struct {
	Start int
	End   int
}

// Len returns the number of indices in the run.
func (r Run) Len() int {
	return r.End - r.Start + 1
}

// SplitRuns partitions strictly ascending indices into maximal runs of
// consecutive integers. edgeID is only used for error reporting.
func SplitRuns(edgeID int64, indices []int) ([]Run, error) {
	if len(indices) == 0 {
		return nil, nil
	}

	var runs []Run
	cur := Run{Start: indices[0], End: indices[0]}
	for _, idx := range indices[1:] {
		switch {
		case idx <= cur.End:
			return nil, &InconsistentIndexError{EdgeID: edgeID, Index: idx, Prev: cur.End}
		case idx == cur.End+1:
			cur.End = idx
		default:
			runs = append(runs, cur)
			cur = Run{Start: idx, End: idx}
		}
	}
	return append(runs, cur), nil
}

// Reconstruct builds the segments for one edge. Runs of two or more
// indices become line segments ordered by StartIndex; single-index runs are
// dropped unless opts.EmitSinglePoints is set.
func Reconstruct(edgeID, recordingID int64, indices []int, lookup PointLookup, opts Options) ([]model.MatchedSegment, error) {
	runs, err := SplitRuns(edgeID, indices)
	if err != nil {
		return nil, err
	}

	out := make([]model.MatchedSegment, 0, len(runs))
	for _, r := range runs {
		if r.Len() == 1 && !opts.EmitSinglePoints {
			continue
		}
		pts := make([]orb.Point, 0, r.Len())
		for idx := r.Start; idx <= r.End; idx++ {
			p, ok := lookup.Point(idx)
			if !ok {
				return nil, &MissingPointError{EdgeID: edgeID, RecordingID: recordingID, Index: idx}
			}
			pts = append(pts, p)
		}
		out = append(out, model.MatchedSegment{
			EdgeID:      edgeID,
			RecordingID: recordingID,
			StartIndex:  r.Start,
			EndIndex:    r.End,
			Points:      pts,
			Single:      r.Len() == 1,
		})
	}
	return out, nil
}

// ReconstructAll reconstructs every edge of an assignment. Segments are
// grouped by ascending edge id, then by StartIndex.
func ReconstructAll(a model.Assignment, lookup PointLookup, opts Options) ([]model.MatchedSegment, error) {
	ordered := make(model.Assignment, len(a))
	copy(ordered, a)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].EdgeID < ordered[j].EdgeID })

	var out []model.MatchedSegment
	for _, m := range ordered {
		segs, err := Reconstruct(m.EdgeID, m.RecordingID, m.Indices, lookup, opts)
		if err != nil {
			return nil, err
		}
		out = append(out, segs...)
	}
	return out, nil
}
