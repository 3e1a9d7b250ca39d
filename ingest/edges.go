package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"runtime"

	"github.com/paulmach/orb"
	"github.com/paulmach/osm"
	"github.com/paulmach/osm/osmpbf"

	"github.com/portomove/mapmatch/feature"
	"github.com/portomove/mapmatch/model"
)

// ErrNoEdges is returned when a road network source yields no edges.
var ErrNoEdges = errors.New("road network contains no edges")

// drivable lists the highway values kept by ParseEdgesOSM.
var drivable = map[string]bool{
	"motorway": true, "motorway_link": true,
	"trunk": true, "trunk_link": true,
	"primary": true, "primary_link": true,
	"secondary": true, "secondary_link": true,
	"tertiary": true, "tertiary_link": true,
	"unclassified": true, "residential": true,
	"living_street": true, "service": true, "road": true,
}

// OSMOptions filters the ways read from an OSM extract.
type OSMOptions struct {
	// Bound, when set, keeps only ways with at least one node inside it.
	Bound *orb.Bound
	// AllHighways keeps every way with a highway tag, not just drivable ones.
	AllHighways bool
}

// ParseEdgesOSM reads an OSM XML document and returns one edge per
// highway way. SourceID is the way id; EdgeID is assigned sequentially in
// document order.
func ParseEdgesOSM(data []byte, opts OSMOptions) ([]model.RoadEdge, error) {
	var doc osm.OSM
	if err := xml.NewDecoder(bytes.NewReader(data)).Decode(&doc); err != nil {
		return nil, fmt.Errorf("parse osm xml: %w", err)
	}

	b := newWayBuilder(opts)
	for _, n := range doc.Nodes {
		b.node(n)
	}
	for _, w := range doc.Ways {
		b.way(w)
	}
	return b.edges()
}

// ParseEdgesPBF reads an OSM PBF extract like ParseEdgesOSM. Relations are
// skipped; nodes must precede the ways that reference them, as in any
// sorted extract.
func ParseEdgesPBF(ctx context.Context, r io.Reader, opts OSMOptions) ([]model.RoadEdge, error) {
	scanner := osmpbf.New(ctx, r, runtime.GOMAXPROCS(0))
	defer scanner.Close()
	scanner.SkipRelations = true

	b := newWayBuilder(opts)
	for scanner.Scan() {
		switch o := scanner.Object().(type) {
		case *osm.Node:
			b.node(o)
		case *osm.Way:
			b.way(o)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("parse osm pbf: %w", err)
	}
	return b.edges()
}

// wayBuilder turns a stream of nodes and ways into road edges.
type wayBuilder struct {
	opts  OSMOptions
	nodes map[osm.NodeID]orb.Point
	out   []model.RoadEdge
}

func newWayBuilder(opts OSMOptions) *wayBuilder {
	return &wayBuilder{opts: opts, nodes: map[osm.NodeID]orb.Point{}}
}

func (b *wayBuilder) node(n *osm.Node) {
	b.nodes[n.ID] = orb.Point{n.Lon, n.Lat}
}

func (b *wayBuilder) way(w *osm.Way) {
	hw := w.Tags.Find("highway")
	if hw == "" || (!b.opts.AllHighways && !drivable[hw]) {
		return
	}
	ls := make(orb.LineString, 0, len(w.Nodes))
	inside := b.opts.Bound == nil
	for _, wn := range w.Nodes {
		p, ok := b.nodes[wn.ID]
		if !ok {
			continue
		}
		if !inside && b.opts.Bound.Contains(p) {
			inside = true
		}
		ls = append(ls, p)
	}
	if len(ls) < 2 || !inside {
		return
	}
	b.out = append(b.out, model.RoadEdge{
		EdgeID:   int64(len(b.out) + 1),
		SourceID: int64(w.ID),
		Geom:     ls,
		SRID:     model.SRIDWGS84,
	})
}

func (b *wayBuilder) edges() ([]model.RoadEdge, error) {
	if len(b.out) == 0 {
		return nil, ErrNoEdges
	}
	return b.out, nil
}

// polylineEdge is one entry of a JSON polyline edge list.
type polylineEdge struct {
	SourceID int64  `json:"source_id"`
	Polyline string `json:"polyline"`
}

// ParseEdgesPolyline reads a JSON array of {"source_id", "polyline"}
// objects with precision-5 encoded geometries.
func ParseEdgesPolyline(data []byte) ([]model.RoadEdge, error) {
	var raw []polylineEdge
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse polyline edges: %w", err)
	}

	edges := make([]model.RoadEdge, 0, len(raw))
	for i, r := range raw {
		ls, err := feature.DecodePolyline(r.Polyline)
		if err != nil {
			return nil, fmt.Errorf("edge %d (source %d): %w", i, r.SourceID, err)
		}
		edges = append(edges, model.RoadEdge{
			EdgeID:   int64(i + 1),
			SourceID: r.SourceID,
			Geom:     ls,
			SRID:     model.SRIDWGS84,
		})
	}
	if len(edges) == 0 {
		return nil, ErrNoEdges
	}
	return edges, nil
}
