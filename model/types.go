// Package model holds the value types shared by the matching pipeline.
package model

import (
	"time"

	"github.com/paulmach/orb"
)

// Reference frame identifiers. SRIDUndefined means the geometry carries no
// frame and the caller's default applies.
const (
	SRIDUndefined   = 0
	SRIDWGS84       = 4326
	SRIDWebMercator = 3857
)

// Recording groups the trace points of one uploaded GPS track.
type Recording struct {
	ID        int64
	Name      string
	CreatedAt time.Time
}

// TracePoint is one GPS fix. Index defines temporal order and is unique
// within a recording.
type TracePoint struct {
	RecordingID int64
	Index       int
	Geom        orb.Point // lon, lat
	SRID        int
}

// RoadEdge is one segment of the road network.
type RoadEdge struct {
	EdgeID   int64
	SourceID int64 // e.g. OSM way id
	Geom     orb.LineString
	SRID     int
}

// EdgeMatch is the set of trace-point indices assigned to one edge for one
// recording. Indices is strictly ascending.
type EdgeMatch struct {
	EdgeID      int64
	RecordingID int64
	Indices     []int
}

// Assignment is the full match result for a recording, ordered by EdgeID.
type Assignment []EdgeMatch

// Lookup returns the indices matched to edgeID, or nil.
func (a Assignment) Lookup(edgeID int64) []int {
	for _, m := range a {
		if m.EdgeID == edgeID {
			return m.Indices
		}
	}
	return nil
}

// MatchedCount returns the number of trace points that were matched.
func (a Assignment) MatchedCount() int {
	n := 0
	for _, m := range a {
		n += len(m.Indices)
	}
	return n
}

// MatchedSegment is a reconstructed polyline along one edge. It is derived
// on demand and never stored. Single marks a one-point run that was kept
// for visualization.
type MatchedSegment struct {
	EdgeID      int64
	RecordingID int64
	StartIndex  int
	EndIndex    int
	Points      []orb.Point
	Single      bool
}

// LineString returns the segment geometry as a line.
func (s MatchedSegment) LineString() orb.LineString {
	return orb.LineString(s.Points)
}
